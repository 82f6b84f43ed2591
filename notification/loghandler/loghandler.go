// Package loghandler implements a notification handler that logs notifications.
package loghandler

import (
	"context"
	"strings"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// LogHandler writes notifications to a logger.
type LogHandler struct {
	logger log.Logger
	ack    bool
}

// Option configures the handler.
type Option func(*LogHandler)

// WithAcknowledge marks logged notifications as acknowledged.
func WithAcknowledge() Option {
	return func(h *LogHandler) {
		h.ack = true
	}
}

// New creates a new log handler.
func New(logger log.Logger, opts ...Option) *LogHandler {
	h := &LogHandler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Notify logs n.
func (h *LogHandler) Notify(ctx context.Context, task *storage.Task, n *storage.Notification) error {
	ctxlog.Logger(ctx, h.logger).Info(
		logkeys.Message, "task notification",
		logkeys.TaskID, task.ID,
		logkeys.TaskType, task.TaskType,
		logkeys.NotificationID, n.ID,
		"error", n.Error,
		"notes", strings.Join(n.Notes, "; "),
	)
	if h.ack {
		n.Acknowledged = true
	}
	return nil
}
