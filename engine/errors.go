package engine

import (
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
)

var (
	ErrNoSuchTaskType = errors.New("no such task type")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTokenNotFound  = errors.New("token not found")
	ErrActionsInvalid = errors.New("actions invalid")
	ErrInvalidRef     = errors.New("invalid task reference")
)

// MsgRetryLater is the only message callers see for action failures.
const MsgRetryLater = "Service temporarily unavailable, try again later."

// ValidationError reports user-correctable field errors in task input.
type ValidationError struct {
	Fields action.FieldErrors
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Fields.Error()
}

// StateError is returned when a lifecycle operation is invalid for
// the current state of a task.
type StateError struct {
	TaskID  string
	Message string
}

func (e *StateError) Error() string {
	return e.Message
}

// DuplicateError is returned when an active task with the same hash
// key exists and the task type blocks duplicates.
type DuplicateError struct {
	TaskType string
	HashKey  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("task already exists for task type %s", e.TaskType)
}

// ActionExecutionError wraps an error or panic escaping an action hook.
// Error details are for operators. API callers should be shown
// MsgRetryLater only.
type ActionExecutionError struct {
	TaskID string
	Stage  Stage
	Action string
	Order  int
	Err    error

	// Stack is set if the hook panicked.
	Stack []byte
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("%s action %s (order %d) for task %s: %v", e.Stage, e.Action, e.Order, e.TaskID, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}

// TokenRedemptionError reports missing token submission fields.
type TokenRedemptionError struct {
	Fields action.FieldErrors
}

func (e *TokenRedemptionError) Error() string {
	return "token submission: " + e.Fields.Error()
}

// panicError is a recovered panic from an action hook.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) ErrorClass() string {
	return "panic"
}
