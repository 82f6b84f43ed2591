package http

import (
	"net/http"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Action is the JSON view of an action instance.
type Action struct {
	Order       int                `json:"order"`
	Name        string             `json:"name"`
	Data        action.Data        `json:"data"`
	State       string             `json:"state,omitempty"`
	Valid       bool               `json:"valid"`
	NeedToken   bool               `json:"need_token"`
	TokenFields []string           `json:"token_fields,omitempty"`
	AutoApprove action.AutoApprove `json:"auto_approve"`
}

// Task is the JSON view of a task.
type Task struct {
	*storage.Task
	Status  string    `json:"status"`
	Actions []*Action `json:"actions"`
}

func newTask(t *engine.Task) *Task {
	r := &Task{Task: t.Task, Status: t.Status()}
	for _, inst := range t.Actions() {
		r.Actions = append(r.Actions, &Action{
			Order:       inst.Order,
			Name:        inst.Name,
			Data:        inst.Data,
			State:       inst.State,
			Valid:       inst.Valid,
			NeedToken:   inst.NeedToken,
			TokenFields: inst.TokenFields,
			AutoApprove: inst.AutoApprove,
		})
	}
	return r
}

// CreateTaskHandler creates a task of the type named in the path from the JSON body.
func CreateTaskHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskType := flow.Param(r.Context(), "type")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.RequestedType, taskType)

		data, err := decodeData(r)
		if err != nil {
			writeError(w, logger, "decoding body", err)
			return
		}

		t, err := m.CreateFromRequest(r.Context(), taskType, data, requester(r))
		if err != nil {
			writeError(w, logger, "creating task", err)
			return
		}
		logger.Debug(
			logkeys.Message, "created task",
			logkeys.TaskID, t.ID,
			"status", t.Status(),
		)
		writeJSON(w, logger, newTask(t), http.StatusCreated)
	}
}

// TasksHandler lists tasks.
// The task_type, hash_key and active query parameters filter the list.
func TasksHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		active, err := boolQuery(r, "active")
		if err != nil {
			writeError(w, logger, "parameters", err)
			return
		}
		filter := &storage.TaskFilter{
			TaskType:   r.URL.Query().Get("task_type"),
			HashKey:    r.URL.Query().Get("hash_key"),
			ActiveOnly: active != nil && *active,
		}

		tasks, err := m.Tasks(r.Context(), filter)
		if err != nil {
			writeError(w, logger, "retrieving tasks", err)
			return
		}
		logger.Debug(
			logkeys.Message, "retrieved tasks",
			logkeys.GenericCount, len(tasks),
		)
		if tasks == nil {
			tasks = []*storage.Task{}
		}
		writeJSON(w, logger, tasks, 0)
	}
}

// TaskHandler returns a task with its actions.
func TaskHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.TaskID, id)

		t, err := m.Task(r.Context(), engine.ByID(id))
		if err != nil {
			writeError(w, logger, "retrieving task", err)
			return
		}
		writeJSON(w, logger, newTask(t), 0)
	}
}

// UpdateTaskHandler replaces the input of an unapproved task from the JSON body.
func UpdateTaskHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.TaskID, id)

		data, err := decodeData(r)
		if err != nil {
			writeError(w, logger, "decoding body", err)
			return
		}

		t, err := m.Update(r.Context(), engine.ByID(id), data)
		if err != nil {
			writeError(w, logger, "updating task", err)
			return
		}
		logger.Debug(logkeys.Message, "updated task")
		writeJSON(w, logger, newTask(t), 0)
	}
}

// ApproveTaskHandler approves a task.
func ApproveTaskHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.TaskID, id)

		by := approvedBy(r)
		t, err := m.Approve(r.Context(), engine.ByID(id), by)
		if err != nil {
			writeError(w, logger, "approving task", err)
			return
		}
		logger.Debug(
			logkeys.Message, "approved task",
			"approved_by", by,
			"status", t.Status(),
		)
		writeJSON(w, logger, newTask(t), 0)
	}
}

// CancelTaskHandler cancels a task.
func CancelTaskHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.TaskID, id)

		t, err := m.Cancel(r.Context(), engine.ByID(id))
		if err != nil {
			writeError(w, logger, "cancelling task", err)
			return
		}
		logger.Debug(logkeys.Message, "cancelled task")
		writeJSON(w, logger, newTask(t), 0)
	}
}

// ReissueTokenHandler replaces the token of an approved task.
// No content is returned if the task no longer needs a token.
func ReissueTokenHandler(m TaskManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.TaskID, id)

		token, err := m.ReissueToken(r.Context(), engine.ByID(id))
		if err != nil {
			writeError(w, logger, "reissuing token", err)
			return
		}
		if token == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.Debug(logkeys.Message, "reissued token")
		writeJSON(w, logger, &struct {
			Token   string    `json:"token"`
			Expires time.Time `json:"expires"`
		}{Token: token.Token, Expires: token.Expires}, 0)
	}
}
