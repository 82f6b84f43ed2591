package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/micromdm/nanotask/action"
)

// Registry holds task types by name and by alias.
type Registry struct {
	actions *action.Registry

	mu      sync.RWMutex
	types   map[string]*TaskType
	aliases map[string]string
}

// NewRegistry creates a new task type registry whose task types use actions.
func NewRegistry(actions *action.Registry) *Registry {
	return &Registry{
		actions: actions,
		types:   make(map[string]*TaskType),
		aliases: make(map[string]string),
	}
}

// Actions returns the action registry.
func (r *Registry) Actions() *action.Registry {
	return r.actions
}

func (r *Registry) taken(name string) bool {
	_, isType := r.types[name]
	_, isAlias := r.aliases[name]
	return isType || isAlias
}

// Register validates and associates tt with the registry by name and aliases.
func (r *Registry) Register(tt *TaskType) error {
	if err := tt.Validate(r.actions); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(tt.Name) {
		return fmt.Errorf("task type name in use: %s", tt.Name)
	}
	for _, alias := range tt.Aliases {
		if alias == tt.Name || r.taken(alias) {
			return fmt.Errorf("task type alias in use: %s", alias)
		}
	}
	r.types[tt.Name] = tt
	for _, alias := range tt.Aliases {
		r.aliases[alias] = tt.Name
	}
	return nil
}

// TaskType returns the task type by name or alias or nil if not found.
func (r *Registry) TaskType(name string) *TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	return r.types[name]
}

// Names returns the sorted task type names (not including aliases).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
