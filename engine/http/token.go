package http

import (
	"net/http"

	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// TokenFieldsHandler returns the fields a submission of the token must supply.
func TokenFieldsHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		fields, err := m.TokenFields(r.Context(), flow.Param(r.Context(), "token"))
		if err != nil {
			writeError(w, logger, "retrieving token", err)
			return
		}
		if fields == nil {
			fields = []string{}
		}
		writeJSON(w, logger, &struct {
			Fields []string `json:"fields"`
		}{Fields: fields}, 0)
	}
}

// SubmitTokenHandler submits the task of the token with the JSON body.
// Only the task status is returned to the token holder.
func SubmitTokenHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		data, err := decodeData(r)
		if err != nil {
			writeError(w, logger, "decoding body", err)
			return
		}

		t, err := m.SubmitToken(r.Context(), flow.Param(r.Context(), "token"), data, requester(r))
		if err != nil {
			writeError(w, logger, "submitting token", err)
			return
		}
		logger.Debug(
			logkeys.Message, "submitted token",
			logkeys.TaskID, t.ID,
		)
		writeJSON(w, logger, &struct {
			Status string `json:"status"`
		}{Status: t.Status()}, 0)
	}
}
