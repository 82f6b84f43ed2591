// Package inmem implements an in-memory resource provider.
// Every call is counted by method name which makes it useful for
// asserting that re-running a stage does not repeat side-effects.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/micromdm/nanotask/provider"
	"github.com/micromdm/nanotask/utils/uuid"
)

// InMem is an in-memory identity and quota provider.
type InMem struct {
	mu        sync.RWMutex
	ider      uuid.IDer
	users     map[string]*provider.User // by ID
	passwords map[string]string         // by user ID
	projects  map[string]*provider.Project
	roles     map[string]map[string]struct{} // by user ID + "/" + project ID
	quotas    map[string]map[string]int
	calls     map[string]int

	// errs forces methods (by name) to fail. Useful in tests.
	errs map[string]error
}

type Option func(*InMem)

// WithIDer sets the ID generator for new users and projects.
func WithIDer(ider uuid.IDer) Option {
	return func(p *InMem) {
		p.ider = ider
	}
}

func New(opts ...Option) *InMem {
	p := &InMem{
		ider:      uuid.NewUUID(),
		users:     make(map[string]*provider.User),
		passwords: make(map[string]string),
		projects:  make(map[string]*provider.Project),
		roles:     make(map[string]map[string]struct{}),
		quotas:    make(map[string]map[string]int),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// call counts method and returns any forced error. Must hold the lock.
func (p *InMem) call(method string) error {
	p.calls[method]++
	return p.errs[method]
}

// Calls returns the number of calls made to method.
func (p *InMem) Calls(method string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[method]
}

// FailWith makes method return err until cleared with a nil err.
func (p *InMem) FailWith(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, method)
		return
	}
	p.errs[method] = err
}

// AddUser seeds a user without counting a call.
func (p *InMem) AddUser(u provider.User) *provider.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.ID == "" {
		u.ID = p.ider.ID()
	}
	p.users[u.ID] = &u
	return &u
}

// AddProject seeds a project without counting a call.
func (p *InMem) AddProject(proj provider.Project) *provider.Project {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proj.ID == "" {
		proj.ID = p.ider.ID()
	}
	p.projects[proj.ID] = &proj
	return &proj
}

// Password returns the password of the user with userID.
func (p *InMem) Password(userID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.passwords[userID]
}

func (p *InMem) FindUser(_ context.Context, name, domainID string) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("FindUser"); err != nil {
		return nil, err
	}
	for _, u := range p.users {
		if u.Name == name && u.DomainID == domainID {
			c := *u
			return &c, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", name, provider.ErrNotFound)
}

func (p *InMem) CreateUser(_ context.Context, u *provider.User, password string) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("CreateUser"); err != nil {
		return nil, err
	}
	for _, existing := range p.users {
		if existing.Name == u.Name && existing.DomainID == u.DomainID {
			return nil, fmt.Errorf("user already exists: %s", u.Name)
		}
	}
	c := *u
	c.ID = p.ider.ID()
	c.Enabled = true
	p.users[c.ID] = &c
	p.passwords[c.ID] = password
	r := c
	return &r, nil
}

func (p *InMem) UpdateUserPassword(_ context.Context, userID, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("UpdateUserPassword"); err != nil {
		return err
	}
	if _, ok := p.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, provider.ErrNotFound)
	}
	p.passwords[userID] = password
	return nil
}

func (p *InMem) EnableUser(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("EnableUser"); err != nil {
		return err
	}
	u, ok := p.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, provider.ErrNotFound)
	}
	u.Enabled = true
	return nil
}

func (p *InMem) FindProject(_ context.Context, id string) (*provider.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("FindProject"); err != nil {
		return nil, err
	}
	proj, ok := p.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, provider.ErrNotFound)
	}
	c := *proj
	return &c, nil
}

func (p *InMem) FindProjectByName(_ context.Context, name, domainID string) (*provider.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("FindProjectByName"); err != nil {
		return nil, err
	}
	for _, proj := range p.projects {
		if proj.Name == name && proj.DomainID == domainID {
			c := *proj
			return &c, nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", name, provider.ErrNotFound)
}

func (p *InMem) CreateProject(_ context.Context, proj *provider.Project) (*provider.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("CreateProject"); err != nil {
		return nil, err
	}
	c := *proj
	c.ID = p.ider.ID()
	c.Enabled = true
	p.projects[c.ID] = &c
	r := c
	return &r, nil
}

func roleKey(userID, projectID string) string {
	return userID + "/" + projectID
}

func (p *InMem) UserRoles(_ context.Context, userID, projectID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("UserRoles"); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for k, projectRoles := range p.roles {
		if k != roleKey(userID, projectID) && (projectID != "" || !strings.HasPrefix(k, userID+"/")) {
			continue
		}
		for role := range projectRoles {
			set[role] = struct{}{}
		}
	}
	var roles []string
	for role := range set {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, nil
}

func (p *InMem) GrantRole(_ context.Context, userID, projectID, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("GrantRole"); err != nil {
		return err
	}
	if _, ok := p.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, provider.ErrNotFound)
	}
	if _, ok := p.projects[projectID]; !ok {
		return fmt.Errorf("project %s: %w", projectID, provider.ErrNotFound)
	}
	k := roleKey(userID, projectID)
	if p.roles[k] == nil {
		p.roles[k] = make(map[string]struct{})
	}
	p.roles[k][role] = struct{}{}
	return nil
}

func (p *InMem) ProjectQuota(_ context.Context, projectID string) (map[string]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("ProjectQuota"); err != nil {
		return nil, err
	}
	if _, ok := p.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, provider.ErrNotFound)
	}
	r := make(map[string]int)
	for k, v := range p.quotas[projectID] {
		r[k] = v
	}
	return r, nil
}

func (p *InMem) SetProjectQuota(_ context.Context, projectID string, limits map[string]int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetProjectQuota"); err != nil {
		return err
	}
	if _, ok := p.projects[projectID]; !ok {
		return fmt.Errorf("project %s: %w", projectID, provider.ErrNotFound)
	}
	if p.quotas[projectID] == nil {
		p.quotas[projectID] = make(map[string]int)
	}
	for k, v := range limits {
		p.quotas[projectID][k] = v
	}
	return nil
}
