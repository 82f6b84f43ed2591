package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Instance is the persisted state of one action within one task.
type Instance struct {
	Order int
	Name  string

	// Data is the action input. Only the action's required fields are kept.
	Data Data

	// Cache is persisted scratch space. See GetCache and Step.SetCache.
	Cache map[string]json.RawMessage

	// State is an action-specific sub-state used for resumption.
	State string

	Valid       bool
	NeedToken   bool
	TokenFields []string
	AutoApprove AutoApprove
}

// GetCache unmarshals the cached value for key into v.
// Returns false if key has not been cached.
func (i *Instance) GetCache(key string, v interface{}) (bool, error) {
	raw, ok := i.Cache[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("unmarshal cache key %s: %w", key, err)
	}
	return true, nil
}

// HasCache returns true if key has been cached.
func (i *Instance) HasCache(key string) bool {
	_, ok := i.Cache[key]
	return ok
}

func (i *Instance) setCache(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache key %s: %w", key, err)
	}
	if i.Cache == nil {
		i.Cache = make(map[string]json.RawMessage)
	}
	i.Cache[key] = raw
	return nil
}

// Reset clears the derived state of i ahead of a fresh prepare.
// The cache is kept: it records external side-effects already done.
func (i *Instance) Reset() {
	i.State = ""
	i.Valid = false
	i.NeedToken = false
	i.AutoApprove = Undecided
}

// Noter receives action notes.
type Noter func(note string)

// Saver persists the instance.
type Saver func(context.Context) error

// Step is the view of an Instance handed to an action hook for a single stage call.
type Step struct {
	*Instance

	TaskID   string
	TaskType string

	// Requester is the task requester during prepare and approve and
	// the submitting requester during submit (if any).
	Requester Requester

	// Shared is transient data for the current lifecycle call.
	Shared *Shared

	// TokenData is only set during submit.
	TokenData Data

	note Noter
	save Saver
	now  func() time.Time
}

// NewStep creates a new step for inst.
// Noter and saver may be nil (e.g. in tests).
func NewStep(inst *Instance, noter Noter, saver Saver) *Step {
	if inst == nil {
		inst = new(Instance)
	}
	return &Step{
		Instance:  inst,
		Shared:    NewShared(),
		TokenData: Data{},
		note:      noter,
		save:      saver,
		now:       time.Now,
	}
}

// SetClock sets the time source used for note timestamps.
func (s *Step) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// AddNote appends a timestamped note to the task's audit trail for this action.
func (s *Step) AddNote(format string, a ...interface{}) {
	note := fmt.Sprintf("%s - (%s)", fmt.Sprintf(format, a...), s.now().UTC().Format(time.RFC3339))
	if s.note != nil {
		s.note(note)
	}
}

// SetCache sets the cache key to v and persists the instance immediately.
// Hooks should call SetCache directly after an external side-effect
// succeeds so that it is not repeated on a re-run.
func (s *Step) SetCache(ctx context.Context, key string, v interface{}) error {
	if err := s.setCache(key, v); err != nil {
		return err
	}
	if s.save == nil {
		return nil
	}
	if err := s.save(ctx); err != nil {
		return fmt.Errorf("saving cache key %s: %w", key, err)
	}
	return nil
}

// SetTokenFields sets the fields required at submit time for this instance.
func (s *Step) SetTokenFields(fields ...string) {
	s.TokenFields = fields
}

// Shared is a transient key-value context for a single lifecycle call.
// Earlier actions may set values for later actions in the same call.
type Shared struct {
	m map[string]interface{}
}

func NewShared() *Shared {
	return &Shared{m: make(map[string]interface{})}
}

// Set sets key to v.
func (s *Shared) Set(key string, v interface{}) {
	s.m[key] = v
}

// Get returns the value for key.
func (s *Shared) Get(key string) (interface{}, bool) {
	v, ok := s.m[key]
	return v, ok
}

// String returns the string value for key or an empty string.
func (s *Shared) String(key string) string {
	v, _ := s.m[key].(string)
	return v
}
