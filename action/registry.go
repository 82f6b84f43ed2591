package action

import (
	"fmt"
	"sort"
	"sync"
)

// Definition is a registered action with its optional capabilities
// resolved at registration time.
type Definition struct {
	Action

	tokenFields []string
	emailer     Emailer
	validator   FieldValidator
}

// NewDefinition resolves the optional capabilities of a.
func NewDefinition(a Action) *Definition {
	d := &Definition{Action: a}
	if tf, ok := a.(TokenFielder); ok {
		d.tokenFields = tf.TokenFields()
	}
	if em, ok := a.(Emailer); ok {
		d.emailer = em
	}
	if v, ok := a.(FieldValidator); ok {
		d.validator = v
	}
	return d
}

// TokenFields returns the default token fields for new instances.
func (d *Definition) TokenFields() []string {
	return append([]string(nil), d.tokenFields...)
}

// Email returns the contact address the action supplies for step, if any.
func (d *Definition) Email(step *Step) string {
	if d.emailer == nil {
		return ""
	}
	return d.emailer.Email(step)
}

// Bind extracts the action's required fields from input.
// Missing fields and field validation failures are reported in the
// returned field errors.
func (d *Definition) Bind(input Data) (Data, FieldErrors) {
	data := make(Data)
	errs := make(FieldErrors)
	for _, field := range d.Required() {
		v, ok := input[field]
		if !ok || v == nil {
			errs.Add(field, MsgFieldRequired)
			continue
		}
		data[field] = v
	}
	if d.validator != nil {
		errs.Merge(d.validator.ValidateFields(data))
	}
	return data, errs
}

// NewInstance creates a fresh instance of the action.
func (d *Definition) NewInstance(order int, data Data) *Instance {
	return &Instance{
		Order:       order,
		Name:        d.Name(),
		Data:        data,
		TokenFields: d.TokenFields(),
	}
}

// Registry holds action definitions by name.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Definition)}
}

// Register associates a with the registry by name.
func (r *Registry) Register(a Action) error {
	name := a.Name()
	if name == "" {
		return ErrMissingName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.actions[name] = NewDefinition(a)
	return nil
}

// Definition returns the registered action by name or nil if not found.
func (r *Registry) Definition(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions[name]
}

// Names returns the sorted registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
