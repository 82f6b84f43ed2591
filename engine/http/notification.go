package http

import (
	"net/http"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// NotificationsHandler lists notifications.
// The task_id, error and acknowledged query parameters filter the list.
func NotificationsHandler(n Notifications, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		filter := &storage.NotificationFilter{TaskID: r.URL.Query().Get("task_id")}
		var err error
		if filter.Error, err = boolQuery(r, "error"); err != nil {
			writeError(w, logger, "parameters", err)
			return
		}
		if filter.Acknowledged, err = boolQuery(r, "acknowledged"); err != nil {
			writeError(w, logger, "parameters", err)
			return
		}

		notifications, err := n.Notifications(r.Context(), filter)
		if err != nil {
			writeError(w, logger, "retrieving notifications", err)
			return
		}
		logger.Debug(
			logkeys.Message, "retrieved notifications",
			logkeys.GenericCount, len(notifications),
		)
		if notifications == nil {
			notifications = []*storage.Notification{}
		}
		writeJSON(w, logger, notifications, 0)
	}
}

// AcknowledgeHandler acknowledges a notification.
func AcknowledgeHandler(n Notifications, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.NotificationID, id)

		notification, err := n.Acknowledge(r.Context(), id)
		if err != nil {
			writeError(w, logger, "acknowledging notification", err)
			return
		}
		logger.Debug(logkeys.Message, "acknowledged notification")
		writeJSON(w, logger, notification, 0)
	}
}
