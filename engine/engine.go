// Package engine implements the task engine: tasks made of ordered
// actions driven through the prepare, approve and submit stages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/notification"
	"github.com/micromdm/nanotask/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultTokenExpiry is the default token lifetime.
// A task type's configured expiry will override this default.
const DefaultTokenExpiry = time.Hour * 24

// ApprovedByAutoApprove is recorded as the approver of auto-approved tasks.
const ApprovedByAutoApprove = "system"

// Manager creates tasks and drives their lifecycle.
// It holds no per-task state between calls.
type Manager struct {
	store storage.AllStorage
	types *Registry

	notifier      Notifier
	stageNotifier StageNotifier

	logger    log.Logger
	ider      uuid.IDer
	tokenIDer uuid.IDer
	now       func() time.Time

	tokenExpiry     time.Duration
	usernameIsEmail bool
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNotifier sets the notifier used for task notifications.
// Notifications are only stored (not dispatched) by default.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithStageNotifier sets the notifier informed of task milestones.
func WithStageNotifier(n StageNotifier) Option {
	return func(m *Manager) {
		m.stageNotifier = n
	}
}

// WithDefaultTokenExpiry sets the token lifetime for task types without their own.
func WithDefaultTokenExpiry(d time.Duration) Option {
	return func(m *Manager) {
		m.tokenExpiry = d
	}
}

// WithUsernameIsEmail skips the username field when computing hash keys.
func WithUsernameIsEmail(b bool) Option {
	return func(m *Manager) {
		m.usernameIsEmail = b
	}
}

// WithIDer sets the ID generator for tasks and actions.
func WithIDer(ider uuid.IDer) Option {
	return func(m *Manager) {
		m.ider = ider
	}
}

// WithTokenIDer sets the token generator.
func WithTokenIDer(ider uuid.IDer) Option {
	return func(m *Manager) {
		m.tokenIDer = ider
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new task manager.
func New(store storage.AllStorage, types *Registry, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		types:       types,
		logger:      log.NopLogger,
		ider:        uuid.NewUUID(),
		tokenIDer:   uuid.NewHex(),
		now:         time.Now,
		tokenExpiry: DefaultTokenExpiry,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = notification.New(store, notification.WithLogger(m.logger))
	}
	return m
}

// logAndError logs err with msg and returns err wrapped with msg.
func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// Ref references a task: either ByID or an already loaded *Task.
type Ref interface {
	taskRef()
}

// ByID references a task by its ID.
type ByID string

func (ByID) taskRef() {}

func (m *Manager) resolve(ctx context.Context, ref Ref) (*Task, error) {
	switch r := ref.(type) {
	case *Task:
		if r == nil || r.Task == nil {
			return nil, ErrInvalidRef
		}
		return r, nil
	case ByID:
		return m.load(ctx, string(r))
	}
	return nil, ErrInvalidRef
}

// load rehydrates a task and its actions from storage.
func (m *Manager) load(ctx context.Context, id string) (*Task, error) {
	rec, err := m.store.RetrieveTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("retrieving task: %w", err)
	}
	tt := m.types.TaskType(rec.TaskType)
	if tt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTaskType, rec.TaskType)
	}
	recs, err := m.store.RetrieveActions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieving actions: %w", err)
	}
	t := &Task{Task: rec, Type: tt, m: m}
	for _, actionRec := range recs {
		def := m.types.Actions().Definition(actionRec.Name)
		if def == nil {
			return nil, fmt.Errorf("%w: %s", action.ErrNoSuchAction, actionRec.Name)
		}
		inst, err := instanceFromRecord(actionRec)
		if err != nil {
			return nil, fmt.Errorf("converting action %s: %w", actionRec.Name, err)
		}
		t.actions = append(t.actions, &boundAction{def: def, rec: actionRec, inst: inst})
	}
	return t, nil
}

// Task returns the task referenced by ref.
func (m *Manager) Task(ctx context.Context, ref Ref) (*Task, error) {
	return m.resolve(ctx, ref)
}

// Tasks returns the tasks selected by filter.
func (m *Manager) Tasks(ctx context.Context, filter *storage.TaskFilter) ([]*storage.Task, error) {
	return m.store.RetrieveTasks(ctx, filter)
}

// TaskTypes returns the registered task type names.
func (m *Manager) TaskTypes() []string {
	return m.types.Names()
}

// Update replaces the task input and prepares the task again.
func (m *Manager) Update(ctx context.Context, ref Ref, input action.Data) (*Task, error) {
	t, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t, t.Update(ctx, input)
}

// Approve approves the task.
func (m *Manager) Approve(ctx context.Context, ref Ref, approvedBy string) (*Task, error) {
	t, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t, t.Approve(ctx, approvedBy)
}

// Submit submits the task with token data.
func (m *Manager) Submit(ctx context.Context, ref Ref, tokenData action.Data, requester action.Requester) (*Task, error) {
	t, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t, t.Submit(ctx, tokenData, requester)
}

// Cancel cancels the task.
func (m *Manager) Cancel(ctx context.Context, ref Ref) (*Task, error) {
	t, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t, t.Cancel(ctx)
}

// ReissueToken replaces the task token.
func (m *Manager) ReissueToken(ctx context.Context, ref Ref) (*storage.Token, error) {
	t, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t.ReissueToken(ctx)
}

func (m *Manager) taskLogger(ctx context.Context, t *storage.Task) log.Logger {
	return ctxlog.Logger(ctx, m.logger).With(
		logkeys.TaskID, t.ID,
		logkeys.TaskType, t.TaskType,
	)
}
