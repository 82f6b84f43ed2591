// Package http contains HTTP handlers that work with the nanotask engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/http/api"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/notification"

	"github.com/micromdm/nanolib/log"
)

// Requester headers. They are expected to be set by an authenticating proxy.
const (
	HeaderRequesterName  = "X-Requester-Name"
	HeaderRequesterEmail = "X-Requester-Email"
)

// DefaultApprovedBy is used when the request has no requester name or email.
const DefaultApprovedBy = "api"

var (
	ErrInvalidBody  = errors.New("invalid JSON body")
	ErrInvalidQuery = errors.New("invalid query parameter")
)

// TaskManager creates and drives tasks.
type TaskManager interface {
	CreateFromRequest(ctx context.Context, taskType string, input action.Data, requester action.Requester) (*engine.Task, error)
	Task(ctx context.Context, ref engine.Ref) (*engine.Task, error)
	Tasks(ctx context.Context, filter *storage.TaskFilter) ([]*storage.Task, error)
	Update(ctx context.Context, ref engine.Ref, input action.Data) (*engine.Task, error)
	Approve(ctx context.Context, ref engine.Ref, approvedBy string) (*engine.Task, error)
	Cancel(ctx context.Context, ref engine.Ref) (*engine.Task, error)
	ReissueToken(ctx context.Context, ref engine.Ref) (*storage.Token, error)
	TokenFields(ctx context.Context, token string) ([]string, error)
	SubmitToken(ctx context.Context, token string, tokenData action.Data, requester action.Requester) (*engine.Task, error)
}

// Notifications lists and acknowledges notifications.
type Notifications interface {
	Notifications(ctx context.Context, filter *storage.NotificationFilter) ([]*storage.Notification, error)
	Acknowledge(ctx context.Context, id string) (*storage.Notification, error)
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, m TaskManager, n Notifications) {
	// tasks

	mux.Handle(
		prefix+"/task/:type",
		CreateTaskHandler(m, logger.With("handler", "create task")),
		"POST",
	)
	mux.Handle(
		prefix+"/tasks",
		TasksHandler(m, logger.With("handler", "list tasks")),
		"GET",
	)
	mux.Handle(
		prefix+"/task/:id",
		TaskHandler(m, logger.With("handler", "get task")),
		"GET",
	)
	mux.Handle(
		prefix+"/task/:id",
		UpdateTaskHandler(m, logger.With("handler", "update task")),
		"PUT",
	)
	mux.Handle(
		prefix+"/task/:id/approve",
		ApproveTaskHandler(m, logger.With("handler", "approve task")),
		"POST",
	)
	mux.Handle(
		prefix+"/task/:id/cancel",
		CancelTaskHandler(m, logger.With("handler", "cancel task")),
		"POST",
	)
	mux.Handle(
		prefix+"/task/:id/token",
		ReissueTokenHandler(m, logger.With("handler", "reissue token")),
		"POST",
	)

	// notifications

	mux.Handle(
		prefix+"/notifications",
		NotificationsHandler(n, logger.With("handler", "list notifications")),
		"GET",
	)
	mux.Handle(
		prefix+"/notification/:id/acknowledge",
		AcknowledgeHandler(n, logger.With("handler", "acknowledge notification")),
		"POST",
	)
}

// HandleTokenAPIv1 registers the token handlers into mux.
// Token holders are not API users: the token is their credential.
func HandleTokenAPIv1(prefix string, mux Mux, logger log.Logger, m TaskManager) {
	mux.Handle(
		prefix+"/token/:token",
		TokenFieldsHandler(m, logger.With("handler", "token fields")),
		"GET",
	)
	mux.Handle(
		prefix+"/token/:token",
		SubmitTokenHandler(m, logger.With("handler", "submit token")),
		"POST",
	)
}

// requester returns the requester described by the request headers.
func requester(r *http.Request) action.Requester {
	req := make(action.Requester)
	if name := r.Header.Get(HeaderRequesterName); name != "" {
		req["name"] = name
	}
	if email := r.Header.Get(HeaderRequesterEmail); email != "" {
		req["email"] = email
	}
	if len(req) < 1 {
		return nil
	}
	return req
}

func approvedBy(r *http.Request) string {
	if name := r.Header.Get(HeaderRequesterName); name != "" {
		return name
	}
	if email := r.Header.Get(HeaderRequesterEmail); email != "" {
		return email
	}
	return DefaultApprovedBy
}

// decodeData decodes the JSON object body of r.
// An empty body is an empty object.
func decodeData(r *http.Request) (action.Data, error) {
	data := make(action.Data)
	err := json.NewDecoder(r.Body).Decode(&data)
	if errors.Is(err, io.EOF) {
		return data, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return data, nil
}

// boolQuery parses the optional boolean query parameter key.
func boolQuery(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuery, key)
	}
	return &b, nil
}

// writeError logs err and writes it to w with a status code for its kind.
// Action execution details are not exposed.
func writeError(w http.ResponseWriter, logger log.Logger, msg string, err error) {
	logger.Info(logkeys.Message, msg, logkeys.Error, err)

	var (
		validationErr *engine.ValidationError
		tokenErr      *engine.TokenRedemptionError
		stateErr      *engine.StateError
		dupErr        *engine.DuplicateError
		execErr       *engine.ActionExecutionError
	)
	switch {
	case errors.As(err, &validationErr):
		api.JSONFieldErrors(w, validationErr.Fields, http.StatusBadRequest)
	case errors.As(err, &tokenErr):
		api.JSONFieldErrors(w, tokenErr.Fields, http.StatusBadRequest)
	case errors.As(err, &stateErr):
		api.JSONMessage(w, stateErr.Message, http.StatusBadRequest)
	case errors.As(err, &dupErr):
		api.JSONError(w, dupErr, http.StatusConflict)
	case errors.As(err, &execErr):
		api.JSONMessage(w, engine.MsgRetryLater, http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrActionsInvalid),
		errors.Is(err, ErrInvalidBody),
		errors.Is(err, ErrInvalidQuery):
		api.JSONError(w, err, http.StatusBadRequest)
	case errors.Is(err, engine.ErrTokenNotFound),
		errors.Is(err, engine.ErrNoSuchTaskType),
		errors.Is(err, engine.ErrTaskNotFound),
		errors.Is(err, notification.ErrNotFound):
		api.JSONError(w, err, http.StatusNotFound)
	default:
		api.JSONError(w, err, 0)
	}
}

func writeJSON(w http.ResponseWriter, logger log.Logger, v interface{}, statusCode int) {
	if err := api.JSON(w, v, statusCode); err != nil {
		logger.Info(logkeys.Message, "encoding json to body", logkeys.Error, err)
	}
}
