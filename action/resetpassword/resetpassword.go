// Package resetpassword implements a self-service password reset action.
package resetpassword

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/provider"
)

// Name is the action name.
const Name = "ResetUserPasswordAction"

const (
	FieldUsername = "username"
	FieldEmail    = "email"
	FieldDomainID = "domain_id"
	FieldPassword = "password"
)

const (
	cacheUserID          = "user_id"
	cachePasswordUpdated = "password_updated"
)

const DefaultDomainID = "default"

// DefaultProtectedRoles are roles whose holders may not reset passwords
// without approval.
var DefaultProtectedRoles = []string{"admin"}

// ResetUserPasswordAction resets the password of an existing user.
// It is auto-approved unless the user holds a protected role.
type ResetUserPasswordAction struct {
	identity        provider.Identity
	usernameIsEmail bool
	protectedRoles  []string
}

// Option configures the action.
type Option func(*ResetUserPasswordAction)

// WithUsernameIsEmail uses the email as the username.
func WithUsernameIsEmail(b bool) Option {
	return func(a *ResetUserPasswordAction) {
		a.usernameIsEmail = b
	}
}

// WithProtectedRoles sets the roles which block auto approval.
func WithProtectedRoles(roles []string) Option {
	return func(a *ResetUserPasswordAction) {
		a.protectedRoles = roles
	}
}

// New creates a new action using identity.
func New(identity provider.Identity, opts ...Option) *ResetUserPasswordAction {
	a := &ResetUserPasswordAction{
		identity:       identity,
		protectedRoles: DefaultProtectedRoles,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ResetUserPasswordAction) Name() string {
	return Name
}

func (a *ResetUserPasswordAction) Required() []string {
	if a.usernameIsEmail {
		return []string{FieldEmail}
	}
	return []string{FieldUsername, FieldEmail}
}

// TokenFields implements action.TokenFielder.
func (a *ResetUserPasswordAction) TokenFields() []string {
	return []string{FieldPassword}
}

// ValidateFields implements action.FieldValidator.
func (a *ResetUserPasswordAction) ValidateFields(data action.Data) action.FieldErrors {
	errs := make(action.FieldErrors)
	if !action.ValidEmail(data.String(FieldEmail)) {
		errs.Add(FieldEmail, "Enter a valid email address.")
	}
	return errs
}

// Email implements action.Emailer.
func (a *ResetUserPasswordAction) Email(step *action.Step) string {
	return step.Data.String(FieldEmail)
}

func (a *ResetUserPasswordAction) username(step *action.Step) string {
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

func (a *ResetUserPasswordAction) validate(ctx context.Context, step *action.Step) (*provider.User, error) {
	step.Valid = false
	user, err := a.identity.FindUser(ctx, a.username(step), domainID(step))
	if errors.Is(err, provider.ErrNotFound) {
		step.AddNote("No user with username '%s'.", a.username(step))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if user.Email != "" && user.Email != step.Data.String(FieldEmail) {
		step.AddNote("Email does not match user '%s'.", user.Name)
		return nil, nil
	}
	if err = step.SetCache(ctx, cacheUserID, user.ID); err != nil {
		return nil, err
	}
	step.Valid = true
	step.NeedToken = true
	return user, nil
}

func (a *ResetUserPasswordAction) Prepare(ctx context.Context, step *action.Step) error {
	user, err := a.validate(ctx, step)
	if err != nil || user == nil {
		return err
	}
	roles, err := a.identity.UserRoles(ctx, user.ID, "")
	if err != nil {
		return fmt.Errorf("getting user roles: %w", err)
	}
	for _, role := range a.protectedRoles {
		if provider.HasRoles(roles, []string{role}) {
			step.AddNote("User has protected role '%s'. Approval required.", role)
			step.AutoApprove = action.Rejected
			return nil
		}
	}
	step.AutoApprove = action.Approved
	return nil
}

func (a *ResetUserPasswordAction) Approve(ctx context.Context, step *action.Step) error {
	_, err := a.validate(ctx, step)
	return err
}

func (a *ResetUserPasswordAction) Submit(ctx context.Context, step *action.Step) error {
	if step.HasCache(cachePasswordUpdated) {
		return nil
	}
	var userID string
	if ok, err := step.GetCache(cacheUserID, &userID); err != nil {
		return err
	} else if !ok {
		return errors.New("user not validated")
	}
	if err := a.identity.UpdateUserPassword(ctx, userID, step.TokenData.String(FieldPassword)); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if err := step.SetCache(ctx, cachePasswordUpdated, true); err != nil {
		return err
	}
	step.AddNote("User '%s' password has been changed.", a.username(step))
	return nil
}
