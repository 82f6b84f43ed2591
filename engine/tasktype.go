package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/action"
)

// DuplicatePolicy decides what happens when a new task has the same
// hash key as an active task.
type DuplicatePolicy string

const (
	// DuplicateCancel cancels the older active tasks.
	DuplicateCancel DuplicatePolicy = "cancel"

	// DuplicateBlock refuses to create the new task.
	DuplicateBlock DuplicatePolicy = "block"
)

var (
	ErrMissingTaskTypeName = errors.New("missing task type name")
	ErrNoActions           = errors.New("no actions")
	ErrInvalidPolicy       = errors.New("invalid duplicate policy")
)

// TaskType declares an ordered list of actions and task policies.
type TaskType struct {
	Name string

	// Aliases are deprecated names resolving to this task type.
	Aliases []string

	// Actions are the ordered action names.
	Actions []string

	// DuplicatePolicy defaults to DuplicateCancel.
	DuplicatePolicy DuplicatePolicy

	// TokenExpiry overrides the default token expiry if non-zero.
	TokenExpiry time.Duration

	// AllowAutoApprove defaults to true when nil.
	AllowAutoApprove *bool

	// SuppressApprovalNotification skips the "needs approval" notification.
	SuppressApprovalNotification bool
}

// Validate checks tt against the registered actions.
func (tt *TaskType) Validate(actions *action.Registry) error {
	if tt == nil {
		return errors.New("nil task type")
	}
	if tt.Name == "" {
		return ErrMissingTaskTypeName
	}
	if len(tt.Actions) < 1 {
		return fmt.Errorf("%w: %s", ErrNoActions, tt.Name)
	}
	seen := make(map[string]bool)
	for _, name := range tt.Actions {
		if actions.Definition(name) == nil {
			return fmt.Errorf("%w: %s", action.ErrNoSuchAction, name)
		}
		// action notes and hashes are keyed by name
		if seen[name] {
			return fmt.Errorf("%w: %s in %s", action.ErrDuplicateName, name, tt.Name)
		}
		seen[name] = true
	}
	switch tt.DuplicatePolicy {
	case "", DuplicateCancel, DuplicateBlock:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, tt.DuplicatePolicy)
	}
	return nil
}

func (tt *TaskType) policy() DuplicatePolicy {
	if tt.DuplicatePolicy == "" {
		return DuplicateCancel
	}
	return tt.DuplicatePolicy
}

func (tt *TaskType) autoApproveAllowed() bool {
	return tt.AllowAutoApprove == nil || *tt.AllowAutoApprove
}
