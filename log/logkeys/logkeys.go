// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	TaskID   = "task_id"
	TaskType = "task_type"

	// the (possibly deprecated alias) task type name as requested
	RequestedType = "task_type_requested"

	ActionName  = "action"
	ActionOrder = "action_order"

	// a lifecycle stage: prepare, approve, submit
	Stage = "stage"

	NotificationID = "notification_id"
	Handler        = "handler"

	// stack trace of a recovered panic
	Trace = "trace"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
