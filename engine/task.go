package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
)

const (
	msgAlreadyApproved  = "This task has already been approved."
	msgNotApproved      = "This task has not been approved."
	msgAlreadyCompleted = "This task has already been completed."
	msgCancelled        = "This task has been cancelled."

	noteAutoApproving     = "Action allow auto approval. Auto approving."
	noteAutoApproveDenied = "Actions allow auto approval, but task does not."
	noteNeedsApproval     = "'%s' task needs approval."
	noteUpdated           = "Task data updated."
)

// Task status strings.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Task is a task record together with its ordered action instances.
type Task struct {
	*storage.Task
	Type *TaskType

	m       *Manager
	actions []*boundAction
}

func (*Task) taskRef() {}

// Actions returns the action instances of the task in order.
func (t *Task) Actions() []*action.Instance {
	return instances(t.actions)
}

// Valid is true if every action is valid.
func (t *Task) Valid() bool {
	for _, ba := range t.actions {
		if !ba.inst.Valid {
			return false
		}
	}
	return true
}

// NeedToken is true if any action needs a token to submit.
func (t *Task) NeedToken() bool {
	for _, ba := range t.actions {
		if ba.inst.NeedToken {
			return true
		}
	}
	return false
}

// TokenFields returns the union of the token fields of actions that need a token.
func (t *Task) TokenFields() []string {
	var fields []string
	seen := make(map[string]bool)
	for _, ba := range t.actions {
		if !ba.inst.NeedToken {
			continue
		}
		for _, f := range ba.inst.TokenFields {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	return fields
}

// Status returns the coarse state of the task.
func (t *Task) Status() string {
	switch {
	case t.Cancelled:
		return StatusCancelled
	case t.Completed:
		return StatusCompleted
	case t.Approved:
		return StatusApproved
	}
	return StatusPending
}

// AutoApprove combines the auto-approve votes of all actions.
func (t *Task) AutoApprove() action.AutoApprove {
	votes := make([]action.AutoApprove, len(t.actions))
	for i, ba := range t.actions {
		votes[i] = ba.inst.AutoApprove
	}
	return action.Combine(votes...)
}

func (t *Task) stateError(msg string) error {
	return &StateError{TaskID: t.ID, Message: msg}
}

// confirmActive errors if the task is completed or cancelled.
func (t *Task) confirmActive() error {
	if t.Completed {
		return t.stateError(msgAlreadyCompleted)
	}
	if t.Cancelled {
		return t.stateError(msgCancelled)
	}
	return nil
}

func (t *Task) addActionNote(name, note string) {
	if t.ActionNotes == nil {
		t.ActionNotes = make(map[string][]string)
	}
	t.ActionNotes[name] = append(t.ActionNotes[name], note)
}

func (t *Task) save(ctx context.Context) error {
	return t.m.store.StoreTask(ctx, t.Task)
}

func (t *Task) saveAction(ctx context.Context, ba *boundAction) error {
	if err := updateRecord(ba.rec, ba.inst); err != nil {
		return err
	}
	return t.m.store.StoreAction(ctx, ba.rec)
}

func (t *Task) actionsInvalid() error {
	return fmt.Errorf("%w: task %s", ErrActionsInvalid, t.ID)
}

// emails returns the action supplied contact addresses.
func (t *Task) emails() []string {
	var r []string
	call := &stageCall{shared: action.NewShared()}
	for _, ba := range t.actions {
		if email := ba.def.Email(t.newStep(ba, call)); email != "" {
			r = append(r, email)
		}
	}
	return r
}

// stageNotify informs the stage notifier of a milestone.
// A failure becomes an error notification and is not returned.
func (t *Task) stageNotify(ctx context.Context, kind EventKind, token *storage.Token) {
	if t.m.stageNotifier == nil {
		return
	}
	err := t.m.stageNotifier.StageNotify(ctx, &StageEvent{
		Kind:   kind,
		Task:   t.Task,
		Token:  token,
		Emails: t.emails(),
	})
	if err == nil {
		return
	}
	t.m.taskLogger(ctx, t.Task).Info(
		logkeys.Message, "stage notification",
		"event", string(kind),
		logkeys.Error, err,
	)
	note := fmt.Sprintf("Error: unable to send %s notification: %v", kind, err)
	if nErr := t.m.notifier.Notify(ctx, t.Task, []string{note}, true); nErr != nil {
		t.m.taskLogger(ctx, t.Task).Info(logkeys.Message, "creating error notification", logkeys.Error, nErr)
	}
}

// Prepare runs the prepare hook of every action and then either
// auto-approves the task or notifies that it needs approval.
func (t *Task) Prepare(ctx context.Context) error {
	if t.Approved {
		return t.stateError(msgAlreadyApproved)
	}
	if err := t.confirmActive(); err != nil {
		return err
	}
	err := t.runStage(ctx, StagePrepare, &stageCall{shared: action.NewShared()})
	t.stageNotify(ctx, EventInitial, nil)
	if err != nil {
		return err
	}

	if t.AutoApprove() == action.Approved && t.Valid() {
		if t.Type.autoApproveAllowed() {
			t.Notes = append(t.Notes, noteAutoApproving)
			return t.Approve(ctx, ApprovedByAutoApprove)
		}
		t.Notes = append(t.Notes, noteAutoApproveDenied)
		if err = t.save(ctx); err != nil {
			return fmt.Errorf("saving task: %w", err)
		}
	}

	if !t.Type.SuppressApprovalNotification {
		note := fmt.Sprintf(noteNeedsApproval, t.TaskType)
		if err = t.m.notifier.Notify(ctx, t.Task, []string{note}, false); err != nil {
			return logAndError(err, t.m.taskLogger(ctx, t.Task), "creating notification")
		}
	}
	return nil
}

// Approve marks the task approved and runs the approve hook of every
// action. A token is then minted if any action needs one; otherwise
// the task is submitted.
func (t *Task) Approve(ctx context.Context, approvedBy string) error {
	if err := t.confirmActive(); err != nil {
		return err
	}
	if !t.Valid() {
		return t.actionsInvalid()
	}
	// a re-approval supersedes any outstanding token
	if err := t.m.store.DeleteTaskTokens(ctx, t.ID); err != nil {
		return fmt.Errorf("deleting tokens: %w", err)
	}
	t.Approved = true
	t.ApprovedBy = approvedBy
	t.ApprovedOn = t.m.now()
	if err := t.save(ctx); err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	t.m.taskLogger(ctx, t.Task).Debug(logkeys.Message, "approved task", "approved_by", approvedBy)

	call := &stageCall{shared: action.NewShared()}
	if err := t.runStage(ctx, StageApprove, call); err != nil {
		return err
	}
	if !t.Valid() {
		return t.actionsInvalid()
	}
	if t.NeedToken() {
		_, err := t.issueToken(ctx)
		return err
	}
	return t.submit(ctx, &stageCall{shared: call.shared, tokenData: action.Data{}})
}

// Submit validates token data and runs the submit hook of every
// action, completing the task.
func (t *Task) Submit(ctx context.Context, tokenData action.Data, requester action.Requester) error {
	if tokenData == nil {
		tokenData = action.Data{}
	}
	return t.submit(ctx, &stageCall{
		shared:    action.NewShared(),
		tokenData: tokenData,
		requester: requester,
	})
}

func (t *Task) submit(ctx context.Context, call *stageCall) error {
	if !t.Approved {
		return t.stateError(msgNotApproved)
	}
	if err := t.confirmActive(); err != nil {
		return err
	}
	errs := make(action.FieldErrors)
	for _, field := range t.TokenFields() {
		if v, ok := call.tokenData[field]; !ok || v == nil || v == "" {
			errs.Add(field, action.MsgFieldRequired)
		}
	}
	if len(errs) > 0 {
		return &TokenRedemptionError{Fields: errs}
	}
	if !t.Valid() {
		return t.actionsInvalid()
	}

	if err := t.runStage(ctx, StageSubmit, call); err != nil {
		return err
	}
	if !t.Valid() {
		return t.actionsInvalid()
	}

	t.Completed = true
	t.CompletedOn = t.m.now()
	if err := t.save(ctx); err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	if err := t.m.store.DeleteTaskTokens(ctx, t.ID); err != nil {
		return fmt.Errorf("deleting tokens: %w", err)
	}
	t.m.taskLogger(ctx, t.Task).Debug(logkeys.Message, "completed task")
	t.stageNotify(ctx, EventCompleted, nil)
	return nil
}

// Cancel deletes any tokens and cancels the task.
// Side-effects of actions already run are not undone.
func (t *Task) Cancel(ctx context.Context) error {
	if err := t.confirmActive(); err != nil {
		return err
	}
	if err := t.m.store.DeleteTaskTokens(ctx, t.ID); err != nil {
		return fmt.Errorf("deleting tokens: %w", err)
	}
	t.Cancelled = true
	if err := t.save(ctx); err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	t.m.taskLogger(ctx, t.Task).Debug(logkeys.Message, "cancelled task")
	return nil
}

// Update replaces the action input of a task that has not been
// approved and prepares the task again.
func (t *Task) Update(ctx context.Context, input action.Data) error {
	if t.Approved {
		return t.stateError(msgAlreadyApproved)
	}
	if err := t.confirmActive(); err != nil {
		return err
	}
	bound, err := t.m.bind(t.Type, input)
	if err != nil {
		return err
	}
	hashKey, err := HashKey(t.Type.Name, instances(bound), t.m.usernameIsEmail)
	if err != nil {
		return fmt.Errorf("hashing task: %w", err)
	}
	cancelled, err := t.m.handleDuplicates(ctx, t.Type, hashKey, t.ID)
	if err != nil {
		t.m.restoreDuplicates(ctx, cancelled)
		return err
	}

	// the hash key is claimed before any action takes the new input
	oldHash, oldNotes := t.HashKey, t.Notes
	t.HashKey = hashKey
	t.Notes = append(t.Notes, noteUpdated)
	if err = t.save(ctx); err != nil {
		t.HashKey, t.Notes = oldHash, oldNotes
		t.m.restoreDuplicates(ctx, cancelled)
		if errors.Is(err, storage.ErrActiveHashExists) {
			return &DuplicateError{TaskType: t.Type.Name, HashKey: hashKey}
		}
		return fmt.Errorf("saving task: %w", err)
	}
	for i, ba := range t.actions {
		ba.inst.Data = bound[i].inst.Data
		ba.inst.TokenFields = ba.def.TokenFields()
		ba.inst.Reset()
		if err = t.saveAction(ctx, ba); err != nil {
			return fmt.Errorf("saving action %s: %w", ba.inst.Name, err)
		}
	}
	return t.Prepare(ctx)
}

// ReissueToken deletes the task tokens and mints a new one if any
// action still needs one. A nil token is returned otherwise.
func (t *Task) ReissueToken(ctx context.Context) (*storage.Token, error) {
	if !t.Approved {
		return nil, t.stateError(msgNotApproved)
	}
	if err := t.confirmActive(); err != nil {
		return nil, err
	}
	if err := t.m.store.DeleteTaskTokens(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("deleting tokens: %w", err)
	}
	if !t.NeedToken() {
		return nil, nil
	}
	return t.issueToken(ctx)
}
