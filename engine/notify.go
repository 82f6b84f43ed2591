package engine

import (
	"context"

	"github.com/micromdm/nanotask/engine/storage"
)

// Notifier creates task notifications.
type Notifier interface {
	Notify(ctx context.Context, task *storage.Task, notes []string, isError bool) error
}

// EventKind is a task milestone reported to a StageNotifier.
type EventKind string

const (
	// EventInitial follows task preparation.
	EventInitial EventKind = "initial"

	// EventToken follows minting a token.
	EventToken EventKind = "token"

	// EventCompleted follows task completion.
	EventCompleted EventKind = "completed"
)

// StageEvent describes a task milestone.
type StageEvent struct {
	Kind EventKind
	Task *storage.Task

	// Token is only set for EventToken.
	Token *storage.Token

	// Emails are the non-empty contact addresses supplied by the task actions, in order.
	Emails []string
}

// StageNotifier is informed of task milestones (e.g. to send emails).
type StageNotifier interface {
	StageNotify(ctx context.Context, ev *StageEvent) error
}
