package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
)

// Notes added to tasks handled by the cancel duplicate policy.
const (
	NoteDuplicateCancelled = "Task cancelled because was an old duplicate."
	NoteDuplicateRestored  = "Task restored because its replacement could not be created."
)

// bind validates input against every action of tt.
// Field errors from all actions are aggregated.
func (m *Manager) bind(tt *TaskType, input action.Data) ([]*boundAction, error) {
	errs := make(action.FieldErrors)
	var bound []*boundAction
	for order, name := range tt.Actions {
		def := m.types.Actions().Definition(name)
		if def == nil {
			return nil, fmt.Errorf("%w: %s", action.ErrNoSuchAction, name)
		}
		data, fieldErrs := def.Bind(input)
		errs.Merge(fieldErrs)
		bound = append(bound, &boundAction{def: def, inst: def.NewInstance(order, data)})
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return bound, nil
}

func instances(bound []*boundAction) []*action.Instance {
	r := make([]*action.Instance, len(bound))
	for i, ba := range bound {
		r[i] = ba.inst
	}
	return r
}

// handleDuplicates applies the task type duplicate policy to active
// tasks with hashKey, other than excludeID.
// The tasks cancelled under the cancel policy are returned.
func (m *Manager) handleDuplicates(ctx context.Context, tt *TaskType, hashKey, excludeID string) ([]*Task, error) {
	dups, err := m.store.RetrieveTasks(ctx, &storage.TaskFilter{
		HashKey:    hashKey,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving duplicate tasks: %w", err)
	}
	var cancelled []*Task
	for _, dup := range dups {
		if dup.ID == excludeID {
			continue
		}
		if tt.policy() == DuplicateBlock {
			return nil, &DuplicateError{TaskType: tt.Name, HashKey: hashKey}
		}
		old, err := m.load(ctx, dup.ID)
		if err != nil {
			return cancelled, fmt.Errorf("loading duplicate task: %w", err)
		}
		old.Notes = append(old.Notes, NoteDuplicateCancelled)
		if err = old.Cancel(ctx); err != nil {
			return cancelled, fmt.Errorf("cancelling duplicate task %s: %w", old.ID, err)
		}
		cancelled = append(cancelled, old)
		m.taskLogger(ctx, old.Task).Debug(logkeys.Message, "cancelled duplicate task")
	}
	return cancelled, nil
}

// restoreDuplicates reverts tasks cancelled by handleDuplicates when
// their replacement was not stored. Approved tasks waiting on a token
// get a new one.
func (m *Manager) restoreDuplicates(ctx context.Context, tasks []*Task) {
	for _, old := range tasks {
		logger := m.taskLogger(ctx, old.Task)
		old.Cancelled = false
		old.Notes = append(old.Notes, NoteDuplicateRestored)
		if err := old.save(ctx); err != nil {
			logger.Info(logkeys.Message, "restoring duplicate task", logkeys.Error, err)
			continue
		}
		if old.Approved {
			if _, err := old.ReissueToken(ctx); err != nil {
				logger.Info(logkeys.Message, "reissuing token for restored task", logkeys.Error, err)
			}
		}
		logger.Debug(logkeys.Message, "restored duplicate task")
	}
}

// CreateFromRequest validates input, creates a task of taskType and prepares it.
// The created task is returned even if preparation fails.
func (m *Manager) CreateFromRequest(ctx context.Context, taskType string, input action.Data, requester action.Requester) (*Task, error) {
	tt := m.types.TaskType(taskType)
	if tt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTaskType, taskType)
	}
	bound, err := m.bind(tt, input)
	if err != nil {
		return nil, err
	}
	hashKey, err := HashKey(tt.Name, instances(bound), m.usernameIsEmail)
	if err != nil {
		return nil, fmt.Errorf("hashing task: %w", err)
	}
	cancelled, err := m.handleDuplicates(ctx, tt, hashKey, "")
	if err != nil {
		m.restoreDuplicates(ctx, cancelled)
		return nil, err
	}

	now := m.now()
	t := &Task{
		Task: &storage.Task{
			ID:        m.ider.ID(),
			HashKey:   hashKey,
			TaskType:  tt.Name,
			Requester: requester,
			CreatedOn: now,
		},
		Type:    tt,
		m:       m,
		actions: bound,
	}
	var recs []*storage.Action
	for _, ba := range bound {
		if ba.rec, err = newRecord(m.ider.ID(), t.ID, ba.inst, now); err != nil {
			m.restoreDuplicates(ctx, cancelled)
			return nil, fmt.Errorf("converting action %s: %w", ba.inst.Name, err)
		}
		recs = append(recs, ba.rec)
	}
	err = m.store.CreateTask(ctx, t.Task, recs)
	if err != nil {
		m.restoreDuplicates(ctx, cancelled)
	}
	if errors.Is(err, storage.ErrActiveHashExists) {
		// lost a race with an identical request
		return nil, &DuplicateError{TaskType: tt.Name, HashKey: hashKey}
	} else if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	m.taskLogger(ctx, t.Task).Debug(
		logkeys.Message, "created task",
		logkeys.RequestedType, taskType,
		logkeys.GenericCount, len(bound),
	)
	return t, t.Prepare(ctx)
}
