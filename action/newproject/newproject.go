// Package newproject implements a sign-up action creating a project and its first user.
package newproject

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/provider"
)

// Name is the action name.
const Name = "NewProjectWithUserAction"

// SharedProjectID is the Shared key the created project ID is published under.
const SharedProjectID = "project_id"

// Action sub-states.
const (
	StateDefault  = "default"
	StateExisting = "existing"
	StateDisabled = "disabled"
)

// Input fields.
const (
	FieldProjectName = "project_name"
	FieldUsername    = "username"
	FieldEmail       = "email"
	FieldDomainID    = "domain_id"
	FieldParentID    = "parent_id"
	FieldPassword    = "password"
)

const (
	cacheProjectID    = "project_id"
	cacheUserID       = "user_id"
	cacheRolesGranted = "roles_granted"
	cacheEnabled      = "user_enabled"
)

const DefaultDomainID = "default"

// DefaultRoles are granted to the user on the new project unless configured.
var DefaultRoles = []string{"member", "project_admin", "project_mod"}

// NewProjectWithUserAction creates a project and grants a new or
// existing user roles on it.
type NewProjectWithUserAction struct {
	identity        provider.Identity
	usernameIsEmail bool
	defaultRoles    []string
}

// Option configures the action.
type Option func(*NewProjectWithUserAction)

// WithUsernameIsEmail uses the email as the username.
func WithUsernameIsEmail(b bool) Option {
	return func(a *NewProjectWithUserAction) {
		a.usernameIsEmail = b
	}
}

// WithDefaultRoles sets the roles granted on the new project.
func WithDefaultRoles(roles []string) Option {
	return func(a *NewProjectWithUserAction) {
		a.defaultRoles = roles
	}
}

// New creates a new action using identity.
func New(identity provider.Identity, opts ...Option) *NewProjectWithUserAction {
	a := &NewProjectWithUserAction{
		identity:     identity,
		defaultRoles: DefaultRoles,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *NewProjectWithUserAction) Name() string {
	return Name
}

func (a *NewProjectWithUserAction) Required() []string {
	if a.usernameIsEmail {
		return []string{FieldProjectName, FieldEmail}
	}
	return []string{FieldProjectName, FieldUsername, FieldEmail}
}

// TokenFields implements action.TokenFielder.
func (a *NewProjectWithUserAction) TokenFields() []string {
	return []string{FieldPassword}
}

// Email implements action.Emailer.
func (a *NewProjectWithUserAction) Email(step *action.Step) string {
	return step.Data.String(FieldEmail)
}

// ValidateFields implements action.FieldValidator.
func (a *NewProjectWithUserAction) ValidateFields(data action.Data) action.FieldErrors {
	errs := make(action.FieldErrors)
	if data.String(FieldProjectName) == "" {
		errs.Add(FieldProjectName, "Enter a valid project name.")
	}
	if !action.ValidEmail(data.String(FieldEmail)) {
		errs.Add(FieldEmail, "Enter a valid email address.")
	}
	return errs
}

func (a *NewProjectWithUserAction) username(step *action.Step) string {
	if a.usernameIsEmail {
		return step.Data.String(FieldEmail)
	}
	return step.Data.String(FieldUsername)
}

func domainID(step *action.Step) string {
	if d := step.Data.String(FieldDomainID); d != "" {
		return d
	}
	return DefaultDomainID
}

func (a *NewProjectWithUserAction) validate(ctx context.Context, step *action.Step) error {
	step.Valid = false

	// a project we created ourselves is not a conflict
	if !step.HasCache(cacheProjectID) {
		name := step.Data.String(FieldProjectName)
		_, err := a.identity.FindProjectByName(ctx, name, domainID(step))
		if err == nil {
			step.AddNote("Existing project with name '%s'.", name)
			return nil
		} else if !errors.Is(err, provider.ErrNotFound) {
			return fmt.Errorf("finding project: %w", err)
		}
	}

	user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
	switch {
	case errors.Is(err, provider.ErrNotFound):
		step.State = StateDefault
		step.NeedToken = true
		step.SetTokenFields(FieldPassword)
	case err != nil:
		return fmt.Errorf("finding user: %w", err)
	case !user.Enabled:
		step.State = StateDisabled
		step.NeedToken = true
		step.SetTokenFields(FieldPassword)
		step.AddNote("Existing disabled user '%s'.", user.Name)
	default:
		step.State = StateExisting
		step.NeedToken = false
		step.AddNote("Existing user '%s'.", user.Name)
	}
	step.Valid = true
	return nil
}

func (a *NewProjectWithUserAction) Prepare(ctx context.Context, step *action.Step) error {
	return a.validate(ctx, step)
}

// Approve creates the project and publishes its ID for later actions.
// Existing users are granted roles immediately.
func (a *NewProjectWithUserAction) Approve(ctx context.Context, step *action.Step) error {
	if err := a.validate(ctx, step); err != nil || !step.Valid {
		return err
	}
	projectID, err := a.createProject(ctx, step)
	if err != nil {
		return err
	}
	step.Shared.Set(SharedProjectID, projectID)
	if step.State != StateExisting {
		return nil
	}
	user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
	if err != nil {
		return fmt.Errorf("finding user: %w", err)
	}
	return a.grantRoles(ctx, step, user.ID, projectID)
}

func (a *NewProjectWithUserAction) createProject(ctx context.Context, step *action.Step) (string, error) {
	var projectID string
	if ok, err := step.GetCache(cacheProjectID, &projectID); err != nil || ok {
		return projectID, err
	}
	project, err := a.identity.CreateProject(ctx, &provider.Project{
		Name:     step.Data.String(FieldProjectName),
		ParentID: step.Data.String(FieldParentID),
		DomainID: domainID(step),
	})
	if err != nil {
		return "", fmt.Errorf("creating project: %w", err)
	}
	if err = step.SetCache(ctx, cacheProjectID, project.ID); err != nil {
		return "", err
	}
	step.AddNote("New project '%s' created.", project.Name)
	return project.ID, nil
}

func (a *NewProjectWithUserAction) grantRoles(ctx context.Context, step *action.Step, userID, projectID string) error {
	if step.HasCache(cacheRolesGranted) {
		return nil
	}
	for _, role := range a.defaultRoles {
		if err := a.identity.GrantRole(ctx, userID, projectID, role); err != nil {
			return fmt.Errorf("granting role %s: %w", role, err)
		}
	}
	if err := step.SetCache(ctx, cacheRolesGranted, true); err != nil {
		return err
	}
	step.AddNote("User '%s' granted roles %v on project.", a.username(step), a.defaultRoles)
	return nil
}

// Submit creates or enables the user and grants roles on the project.
func (a *NewProjectWithUserAction) Submit(ctx context.Context, step *action.Step) error {
	var projectID string
	if ok, err := step.GetCache(cacheProjectID, &projectID); err != nil {
		return err
	} else if !ok {
		return errors.New("project not created")
	}
	step.Shared.Set(SharedProjectID, projectID)

	var userID string
	ok, err := step.GetCache(cacheUserID, &userID)
	if err != nil {
		return err
	}
	switch {
	case ok:
	case step.State == StateDefault:
		user, err := a.identity.CreateUser(ctx, &provider.User{
			Name:     a.username(step),
			Email:    step.Data.String(FieldEmail),
			DomainID: domainID(step),
		}, step.TokenData.String(FieldPassword))
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		userID = user.ID
		if err = step.SetCache(ctx, cacheUserID, userID); err != nil {
			return err
		}
		step.AddNote("User '%s' created.", user.Name)
	default:
		user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
		if err != nil {
			return fmt.Errorf("finding user: %w", err)
		}
		userID = user.ID
		if err = step.SetCache(ctx, cacheUserID, userID); err != nil {
			return err
		}
	}

	if step.State == StateDisabled && !step.HasCache(cacheEnabled) {
		if err = a.identity.UpdateUserPassword(ctx, userID, step.TokenData.String(FieldPassword)); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		if err = a.identity.EnableUser(ctx, userID); err != nil {
			return fmt.Errorf("enabling user: %w", err)
		}
		if err = step.SetCache(ctx, cacheEnabled, true); err != nil {
			return err
		}
		step.AddNote("Existing user '%s' enabled.", a.username(step))
	}
	return a.grantRoles(ctx, step, userID, projectID)
}
