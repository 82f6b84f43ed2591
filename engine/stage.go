package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/notification"
)

// Stage is an action lifecycle stage.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageApprove Stage = "approve"
	StageSubmit  Stage = "submit"
)

func (s Stage) verb() string {
	switch s {
	case StagePrepare:
		return "preparing"
	case StageApprove:
		return "approving"
	case StageSubmit:
		return "submitting"
	}
	return string(s)
}

// boundAction is an action instance of a task with its definition and record.
type boundAction struct {
	def  *action.Definition
	rec  *storage.Action
	inst *action.Instance
}

// callHook runs the stage hook of def, recovering any panic.
func callHook(ctx context.Context, stage Stage, def *action.Definition, step *action.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	switch stage {
	case StagePrepare:
		return def.Prepare(ctx, step)
	case StageApprove:
		return def.Approve(ctx, step)
	case StageSubmit:
		return def.Submit(ctx, step)
	}
	return fmt.Errorf("unknown stage: %s", stage)
}

// stageCall is the per lifecycle call input to stage hooks.
type stageCall struct {
	shared    *action.Shared
	tokenData action.Data
	requester action.Requester
}

func (t *Task) newStep(ba *boundAction, call *stageCall) *action.Step {
	step := action.NewStep(
		ba.inst,
		func(note string) { t.addActionNote(ba.inst.Name, note) },
		func(ctx context.Context) error { return t.saveAction(ctx, ba) },
	)
	step.SetClock(t.m.now)
	step.TaskID = t.ID
	step.TaskType = t.TaskType
	step.Requester = t.Requester
	if call.requester != nil {
		step.Requester = call.requester
	}
	if call.shared != nil {
		step.Shared = call.shared
	}
	if call.tokenData != nil {
		step.TokenData = call.tokenData
	}
	return step
}

// runStage runs the stage hook of every action in order.
// The first failing action stops the stage. Its error is routed to
// an error notification and returned as an *ActionExecutionError.
// Actions are persisted after each hook and the task after the stage.
func (t *Task) runStage(ctx context.Context, stage Stage, call *stageCall) error {
	logger := t.m.taskLogger(ctx, t.Task).With(logkeys.Stage, string(stage))
	for _, ba := range t.actions {
		hookErr := callHook(ctx, stage, ba.def, t.newStep(ba, call))
		if err := t.saveAction(ctx, ba); err != nil {
			return logAndError(err, logger, "saving action")
		}
		if hookErr != nil {
			return t.handleActionError(ctx, stage, ba, hookErr)
		}
		logger.Debug(
			logkeys.Message, "ran action",
			logkeys.ActionName, ba.inst.Name,
			logkeys.ActionOrder, ba.inst.Order,
		)
	}
	if err := t.save(ctx); err != nil {
		return logAndError(err, logger, "saving task")
	}
	return nil
}

// handleActionError logs err, notes it on the task, creates an error
// notification and returns the wrapped error.
func (t *Task) handleActionError(ctx context.Context, stage Stage, ba *boundAction, err error) error {
	execErr := &ActionExecutionError{
		TaskID: t.ID,
		Stage:  stage,
		Action: ba.inst.Name,
		Order:  ba.inst.Order,
		Err:    err,
	}
	var pErr *panicError
	if errors.As(err, &pErr) {
		execErr.Stack = pErr.stack
	}

	logger := t.m.taskLogger(ctx, t.Task).With(
		logkeys.Stage, string(stage),
		logkeys.ActionName, ba.inst.Name,
		logkeys.ActionOrder, ba.inst.Order,
	)
	if execErr.Stack != nil {
		logger = logger.With(logkeys.Trace, string(execErr.Stack))
	}
	logger.Info(logkeys.Message, "action execution", logkeys.Error, err)

	note := fmt.Sprintf(
		"Error: %s(%s) while %s task. See task itself for details.",
		notification.ErrorClass(err), err, stage.verb(),
	)
	t.Notes = append(t.Notes, note)
	if saveErr := t.save(ctx); saveErr != nil {
		logger.Info(logkeys.Message, "saving task", logkeys.Error, saveErr)
	}
	if nErr := t.m.notifier.Notify(ctx, t.Task, []string{note}, true); nErr != nil {
		logger.Info(logkeys.Message, "creating error notification", logkeys.Error, nErr)
	}
	return execErr
}
