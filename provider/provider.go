// Package provider defines the external resource provider used by actions.
// Providers are the identity and quota services that actions create
// users and projects in, grant roles with, and so on.
package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user or project does not exist.
var ErrNotFound = errors.New("not found")

// User is an identity provider user.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	DomainID string `json:"domain_id,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Project is an identity provider project.
type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	DomainID string `json:"domain_id,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Identity manages users, projects and role assignments.
type Identity interface {
	// FindUser returns the user by name in a domain.
	// ErrNotFound is returned if the user does not exist.
	FindUser(ctx context.Context, name, domainID string) (*User, error)

	// CreateUser creates an enabled user with password.
	CreateUser(ctx context.Context, u *User, password string) (*User, error)

	UpdateUserPassword(ctx context.Context, userID, password string) error
	EnableUser(ctx context.Context, userID string) error

	// FindProject returns the project by ID.
	// ErrNotFound is returned if the project does not exist.
	FindProject(ctx context.Context, id string) (*Project, error)

	// FindProjectByName returns the project by name in a domain.
	// ErrNotFound is returned if the project does not exist.
	FindProjectByName(ctx context.Context, name, domainID string) (*Project, error)

	CreateProject(ctx context.Context, p *Project) (*Project, error)

	// UserRoles returns the role names of the user on the project.
	// An empty projectID returns the roles of the user on all projects.
	UserRoles(ctx context.Context, userID, projectID string) ([]string, error)

	// GrantRole grants role to the user on the project.
	// Granting an already granted role is not an error.
	GrantRole(ctx context.Context, userID, projectID, role string) error
}

// Quota manages project resource quotas.
type Quota interface {
	// ProjectQuota returns the current quota limits for the project.
	ProjectQuota(ctx context.Context, projectID string) (map[string]int, error)

	// SetProjectQuota updates the given quota limits for the project.
	SetProjectQuota(ctx context.Context, projectID string, limits map[string]int) error
}

// Provider is both an identity and quota provider.
type Provider interface {
	Identity
	Quota
}

// HasRoles reports whether have contains every role in want.
func HasRoles(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, r := range have {
		set[r] = struct{}{}
	}
	for _, r := range want {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
