// Package newuser implements an action inviting a new or existing user to a project.
package newuser

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/provider"
)

// Name is the action name.
const Name = "NewUserAction"

// Action sub-states.
const (
	StateDefault  = "default"  // user does not exist
	StateExisting = "existing" // enabled user without all roles
	StateDisabled = "disabled" // disabled user
	StateComplete = "complete" // user already has all roles
)

// Input fields.
const (
	FieldUsername  = "username"
	FieldEmail     = "email"
	FieldProjectID = "project_id"
	FieldRoles     = "roles"
	FieldDomainID  = "domain_id"
	FieldPassword  = "password"
)

// Cache keys.
const (
	cacheUserID       = "user_id"
	cacheRolesGranted = "roles_granted"
	cacheEnabled      = "user_enabled"
)

// DefaultDomainID is used when the input has no domain_id.
const DefaultDomainID = "default"

// NewUserAction invites a user to a project with roles.
// A missing or disabled user must supply a password at submit time.
type NewUserAction struct {
	identity        provider.Identity
	usernameIsEmail bool
	allowedRoles    []string
}

// Option configures the action.
type Option func(*NewUserAction)

// WithUsernameIsEmail uses the email as the username.
// The username field is then not required.
func WithUsernameIsEmail(b bool) Option {
	return func(a *NewUserAction) {
		a.usernameIsEmail = b
	}
}

// WithAllowedRoles restricts the roles which may be granted.
func WithAllowedRoles(roles []string) Option {
	return func(a *NewUserAction) {
		a.allowedRoles = roles
	}
}

// New creates a new action using identity.
func New(identity provider.Identity, opts ...Option) *NewUserAction {
	a := &NewUserAction{identity: identity}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *NewUserAction) Name() string {
	return Name
}

func (a *NewUserAction) Required() []string {
	if a.usernameIsEmail {
		return []string{FieldEmail, FieldProjectID, FieldRoles}
	}
	return []string{FieldUsername, FieldEmail, FieldProjectID, FieldRoles}
}

// TokenFields implements action.TokenFielder.
func (a *NewUserAction) TokenFields() []string {
	return []string{FieldPassword}
}

// Email implements action.Emailer.
func (a *NewUserAction) Email(step *action.Step) string {
	return step.Data.String(FieldEmail)
}

// ValidateFields implements action.FieldValidator.
func (a *NewUserAction) ValidateFields(data action.Data) action.FieldErrors {
	errs := make(action.FieldErrors)
	if !action.ValidEmail(data.String(FieldEmail)) {
		errs.Add(FieldEmail, "Enter a valid email address.")
	}
	if _, ok := data[FieldUsername]; ok && data.String(FieldUsername) == "" {
		errs.Add(FieldUsername, "Enter a valid username.")
	}
	if data.String(FieldProjectID) == "" {
		errs.Add(FieldProjectID, "Enter a valid project ID.")
	}
	if len(data.Strings(FieldRoles)) < 1 {
		errs.Add(FieldRoles, "Enter at least one role.")
	}
	return errs
}

func (a *NewUserAction) username(step *action.Step) string {
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

// validate derives the validity, sub-state and token need of the step.
func (a *NewUserAction) validate(ctx context.Context, step *action.Step) error {
	step.Valid = false

	roles := step.Data.Strings(FieldRoles)
	if len(a.allowedRoles) > 0 && !provider.HasRoles(a.allowedRoles, roles) {
		step.AddNote("Cannot grant roles outside of: %v.", a.allowedRoles)
		return nil
	}

	projectID := step.Data.String(FieldProjectID)
	project, err := a.identity.FindProject(ctx, projectID)
	if errors.Is(err, provider.ErrNotFound) {
		step.AddNote("Project does not exist: %s.", projectID)
		return nil
	} else if err != nil {
		return fmt.Errorf("finding project: %w", err)
	}
	if !project.Enabled {
		step.AddNote("Project is disabled: %s.", projectID)
		return nil
	}

	user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
	if errors.Is(err, provider.ErrNotFound) {
		step.State = StateDefault
		step.NeedToken = true
		step.SetTokenFields(FieldPassword)
		step.AddNote("No user present with username: %s.", a.username(step))
		step.Valid = true
		return nil
	} else if err != nil {
		return fmt.Errorf("finding user: %w", err)
	}

	if !user.Enabled {
		step.State = StateDisabled
		step.NeedToken = true
		step.SetTokenFields(FieldPassword)
		step.AddNote("Existing disabled user: %s.", user.Name)
		step.Valid = true
		return nil
	}

	have, err := a.identity.UserRoles(ctx, user.ID, projectID)
	if err != nil {
		return fmt.Errorf("getting user roles: %w", err)
	}
	if provider.HasRoles(have, roles) {
		step.State = StateComplete
		step.NeedToken = false
		step.AddNote("Existing user already has roles.")
	} else {
		// existing users only confirm the invite
		step.State = StateExisting
		step.NeedToken = true
		step.SetTokenFields()
		step.AddNote("Existing user: %s.", user.Name)
	}
	step.Valid = true
	return nil
}

func (a *NewUserAction) Prepare(ctx context.Context, step *action.Step) error {
	return a.validate(ctx, step)
}

func (a *NewUserAction) Approve(ctx context.Context, step *action.Step) error {
	return a.validate(ctx, step)
}

func (a *NewUserAction) Submit(ctx context.Context, step *action.Step) error {
	if !step.Valid || step.State == StateComplete {
		return nil
	}
	userID, err := a.submitUser(ctx, step)
	if err != nil {
		return err
	}
	if step.HasCache(cacheRolesGranted) {
		return nil
	}
	projectID := step.Data.String(FieldProjectID)
	for _, role := range step.Data.Strings(FieldRoles) {
		if err = a.identity.GrantRole(ctx, userID, projectID, role); err != nil {
			return fmt.Errorf("granting role %s: %w", role, err)
		}
	}
	if err = step.SetCache(ctx, cacheRolesGranted, true); err != nil {
		return err
	}
	step.AddNote("User %s granted roles %v on project %s.", a.username(step), step.Data.Strings(FieldRoles), projectID)
	return nil
}

// submitUser creates, or enables and resets the password of, the user.
// The user ID is returned.
func (a *NewUserAction) submitUser(ctx context.Context, step *action.Step) (string, error) {
	var userID string
	if ok, err := step.GetCache(cacheUserID, &userID); err != nil {
		return "", err
	} else if ok && (step.State != StateDisabled || step.HasCache(cacheEnabled)) {
		return userID, nil
	}

	switch step.State {
	case StateDefault:
		user, err := a.identity.CreateUser(ctx, &provider.User{
			Name:     a.username(step),
			Email:    step.Data.String(FieldEmail),
			DomainID: domainID(step),
		}, step.TokenData.String(FieldPassword))
		if err != nil {
			return "", fmt.Errorf("creating user: %w", err)
		}
		if err = step.SetCache(ctx, cacheUserID, user.ID); err != nil {
			return "", err
		}
		step.AddNote("User %s created.", user.Name)
		return user.ID, nil
	}

	user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
	if err != nil {
		return "", fmt.Errorf("finding user: %w", err)
	}
	if err = step.SetCache(ctx, cacheUserID, user.ID); err != nil {
		return "", err
	}
	if step.State == StateDisabled {
		if err = a.identity.UpdateUserPassword(ctx, user.ID, step.TokenData.String(FieldPassword)); err != nil {
			return "", fmt.Errorf("updating password: %w", err)
		}
		if err = a.identity.EnableUser(ctx, user.ID); err != nil {
			return "", fmt.Errorf("enabling user: %w", err)
		}
		if err = step.SetCache(ctx, cacheEnabled, true); err != nil {
			return "", err
		}
		step.AddNote("Existing user %s enabled.", user.Name)
	}
	return user.ID, nil
}
