package action

import (
	"context"
	"errors"
)

var (
	// ErrMissingName is returned when registering an action without a name.
	ErrMissingName = errors.New("missing action name")

	// ErrDuplicateName is returned when registering an action name twice.
	ErrDuplicateName = errors.New("duplicate action name")

	// ErrNoSuchAction is returned when an action name is not registered.
	ErrNoSuchAction = errors.New("no such action")
)

// Action is a unit of work with three lifecycle hooks.
// Hooks should return errors only for unexpected failures (e.g. an
// external provider error). Business-level invalidity is reported by
// setting Valid to false on the step.
type Action interface {
	// Name identifies the action behavior. By convention CamelCase
	// ending in "Action".
	Name() string

	// Required lists the input field names this action takes from the
	// task input.
	Required() []string

	// Prepare validates the action and may vote on auto-approval.
	Prepare(context.Context, *Step) error

	// Approve runs after the task is approved. It may perform side
	// effects and decide if a token is needed before submission.
	Approve(context.Context, *Step) error

	// Submit performs the final side effects. The step carries the
	// token data, if any, and the submitting requester.
	Submit(context.Context, *Step) error
}

// TokenFielder is implemented by actions which need data supplied at
// submit time. The returned fields are the default for new instances;
// actions may change them per instance with Step.SetTokenFields.
type TokenFielder interface {
	TokenFields() []string
}

// Emailer is implemented by actions which can provide a contact
// address relevant to stage notifications for the task.
type Emailer interface {
	Email(*Step) string
}

// FieldValidator is implemented by actions with field checks beyond
// presence. It receives only the action's own (present) fields.
type FieldValidator interface {
	ValidateFields(Data) FieldErrors
}
