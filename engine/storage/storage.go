// Package storage defines types and primitives for task engine storage backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/micromdm/nanotask/action"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveHashExists is returned when storing an active task
	// (neither completed nor cancelled) whose hash key is already used
	// by a different active task.
	ErrActiveHashExists = errors.New("active task with hash key exists")

	ErrEmptyRecord       = errors.New("empty record")
	ErrMissingTaskID     = errors.New("missing task id")
	ErrMissingTaskType   = errors.New("missing task type")
	ErrMissingActionName = errors.New("missing action name")
	ErrMissingToken      = errors.New("missing token")
	ErrMissingID         = errors.New("missing id")
)

// Task is the persisted form of a task.
type Task struct {
	ID       string `json:"id"`
	HashKey  string `json:"hash_key"`
	TaskType string `json:"task_type"`

	Requester action.Requester `json:"requester,omitempty"`

	Notes       []string            `json:"notes,omitempty"`
	ActionNotes map[string][]string `json:"action_notes,omitempty"`

	Cancelled  bool   `json:"cancelled"`
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Completed  bool   `json:"completed"`

	CreatedOn   time.Time `json:"created_on"`
	ApprovedOn  time.Time `json:"approved_on,omitempty"`
	CompletedOn time.Time `json:"completed_on,omitempty"`
}

// Validate checks for missing values.
func (t *Task) Validate() error {
	if t == nil {
		return ErrEmptyRecord
	}
	if t.ID == "" {
		return ErrMissingTaskID
	}
	if t.TaskType == "" {
		return ErrMissingTaskType
	}
	return nil
}

// Active is true if the task is neither completed nor cancelled.
func (t *Task) Active() bool {
	return !t.Completed && !t.Cancelled
}

// Action is the persisted form of an action instance.
type Action struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Order  int    `json:"order"`
	Name   string `json:"name"`

	Data  json.RawMessage `json:"data,omitempty"`
	Cache json.RawMessage `json:"cache,omitempty"`
	State string          `json:"state,omitempty"`

	Valid       bool               `json:"valid"`
	NeedToken   bool               `json:"need_token"`
	TokenFields []string           `json:"token_fields,omitempty"`
	AutoApprove action.AutoApprove `json:"auto_approve"`

	CreatedOn time.Time `json:"created_on"`
}

// Validate checks for missing values.
func (a *Action) Validate() error {
	if a == nil {
		return ErrEmptyRecord
	}
	if a.ID == "" {
		return ErrMissingID
	}
	if a.TaskID == "" {
		return ErrMissingTaskID
	}
	if a.Name == "" {
		return ErrMissingActionName
	}
	return nil
}

// Token correlates a later submission to a task.
type Token struct {
	Token     string    `json:"token"`
	TaskID    string    `json:"task_id"`
	CreatedOn time.Time `json:"created_on"`
	Expires   time.Time `json:"expires"`
}

// Validate checks for missing values.
func (t *Token) Validate() error {
	if t == nil {
		return ErrEmptyRecord
	}
	if t.Token == "" {
		return ErrMissingToken
	}
	if t.TaskID == "" {
		return ErrMissingTaskID
	}
	return nil
}

// Expired is true if the token is expired at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// Notification is an operator-visible record about a task.
type Notification struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Notes        []string  `json:"notes"`
	Error        bool      `json:"error"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedOn    time.Time `json:"created_on"`
}

// Validate checks for missing values.
func (n *Notification) Validate() error {
	if n == nil {
		return ErrEmptyRecord
	}
	if n.ID == "" {
		return ErrMissingID
	}
	if n.TaskID == "" {
		return ErrMissingTaskID
	}
	return nil
}

// TaskFilter selects tasks. Empty fields do not filter.
type TaskFilter struct {
	TaskType string
	HashKey  string

	// ActiveOnly selects only tasks that are neither completed nor cancelled.
	ActiveOnly bool
}

// Match reports whether t is selected by f.
func (f *TaskFilter) Match(t *Task) bool {
	if f == nil {
		return true
	}
	if f.TaskType != "" && f.TaskType != t.TaskType {
		return false
	}
	if f.HashKey != "" && f.HashKey != t.HashKey {
		return false
	}
	if f.ActiveOnly && !t.Active() {
		return false
	}
	return true
}

// NotificationFilter selects notifications. Nil or empty fields do not filter.
type NotificationFilter struct {
	TaskID       string
	Error        *bool
	Acknowledged *bool
}

// Match reports whether n is selected by f.
func (f *NotificationFilter) Match(n *Notification) bool {
	if f == nil {
		return true
	}
	if f.TaskID != "" && f.TaskID != n.TaskID {
		return false
	}
	if f.Error != nil && *f.Error != n.Error {
		return false
	}
	if f.Acknowledged != nil && *f.Acknowledged != n.Acknowledged {
		return false
	}
	return true
}

// TaskStorage stores tasks and their actions.
type TaskStorage interface {
	// CreateTask stores a new task and its actions.
	// ErrActiveHashExists is returned if another active task has the
	// same hash key. Nothing is stored in that case.
	CreateTask(ctx context.Context, t *Task, actions []*Action) error

	// StoreTask updates an existing task.
	// ErrActiveHashExists is returned if the task is active and another
	// active task has the same hash key.
	StoreTask(ctx context.Context, t *Task) error

	// RetrieveTask returns the task by ID or ErrNotFound.
	RetrieveTask(ctx context.Context, id string) (*Task, error)

	// RetrieveTasks returns the tasks selected by filter ordered by creation time.
	RetrieveTasks(ctx context.Context, filter *TaskFilter) ([]*Task, error)

	// RetrieveActions returns the actions of the task ordered by Order.
	RetrieveActions(ctx context.Context, taskID string) ([]*Action, error)

	// StoreAction updates an existing action.
	StoreAction(ctx context.Context, a *Action) error
}

// TokenStorage stores tokens.
type TokenStorage interface {
	StoreToken(ctx context.Context, t *Token) error

	// RetrieveToken returns the token or ErrNotFound.
	// Expiry is not checked by storage.
	RetrieveToken(ctx context.Context, token string) (*Token, error)

	// RetrieveTaskTokens returns all tokens for the task.
	RetrieveTaskTokens(ctx context.Context, taskID string) ([]*Token, error)

	// DeleteToken deletes a token. Deleting a missing token is not an error.
	DeleteToken(ctx context.Context, token string) error

	DeleteTaskTokens(ctx context.Context, taskID string) error

	// DeleteExpiredTokens deletes tokens expiring at or before now.
	// The number of deleted tokens is returned.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// NotificationStorage stores notifications.
type NotificationStorage interface {
	// StoreNotification creates or updates the notification.
	StoreNotification(ctx context.Context, n *Notification) error

	// RetrieveNotification returns the notification or ErrNotFound.
	RetrieveNotification(ctx context.Context, id string) (*Notification, error)

	// RetrieveNotifications returns the notifications selected by
	// filter ordered by creation time.
	RetrieveNotifications(ctx context.Context, filter *NotificationFilter) ([]*Notification, error)
}

// AllStorage is the primary interface for task engine backend storage implementations.
type AllStorage interface {
	TaskStorage
	TokenStorage
	NotificationStorage
}
