package newuser

import (
	"context"
	"testing"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/provider"
	"github.com/micromdm/nanotask/provider/inmem"
)

func newStep(data action.Data) *action.Step {
	return action.NewStep(&action.Instance{Name: Name, Data: data}, nil, nil)
}

func inviteData() action.Data {
	return action.Data{
		FieldEmail:     "a@example.com",
		FieldProjectID: "P1",
		FieldRoles:     []interface{}{"member"},
	}
}

func TestRequired(t *testing.T) {
	if have, want := len(New(nil).Required()), 4; have != want {
		t.Errorf("required: have %d, want %d", have, want)
	}
	if have, want := len(New(nil, WithUsernameIsEmail(true)).Required()), 3; have != want {
		t.Errorf("required (username is email): have %d, want %d", have, want)
	}

	def := action.NewDefinition(New(nil, WithUsernameIsEmail(true)))
	_, errs := def.Bind(action.Data{FieldEmail: "", FieldProjectID: "P1", FieldRoles: []interface{}{}})
	if _, ok := errs[FieldEmail]; !ok {
		t.Error("expected email error")
	}
	if _, ok := errs[FieldRoles]; !ok {
		t.Error("expected roles error")
	}

	_, errs = def.Bind(action.Data{FieldEmail: "not-an-email", FieldProjectID: "P1", FieldRoles: []interface{}{"member"}})
	if have, want := len(errs[FieldEmail]), 1; have != want {
		t.Errorf("email errors: have %d, want %d", have, want)
	}
}

func TestNewUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", Enabled: true})
	a := New(p, WithUsernameIsEmail(true))

	step := newStep(inviteData())
	if err := a.Prepare(ctx, step); err != nil {
		t.Fatal(err)
	}
	if !step.Valid {
		t.Fatal("expected valid")
	}
	if have, want := step.State, StateDefault; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}
	if !step.NeedToken {
		t.Error("expected need token")
	}
	if step.AutoApprove != action.Undecided {
		t.Errorf("auto approve: have %v, want %v", step.AutoApprove, action.Undecided)
	}
	if have, want := a.Email(step), "a@example.com"; have != want {
		t.Errorf("email: have %q, want %q", have, want)
	}

	step.TokenData = action.Data{FieldPassword: "hunter2"}
	if err := a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	user, err := p.FindUser(ctx, "a@example.com", DefaultDomainID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := p.Password(user.ID), "hunter2"; have != want {
		t.Errorf("password: have %q, want %q", have, want)
	}
	roles, err := p.UserRoles(ctx, user.ID, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if !provider.HasRoles(roles, []string{"member"}) {
		t.Errorf("roles: have %v", roles)
	}

	// re-running submit is cache-gated
	creates, grants := p.Calls("CreateUser"), p.Calls("GrantRole")
	if err = a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := p.Calls("CreateUser"), creates; have != want {
		t.Errorf("CreateUser calls: have %d, want %d", have, want)
	}
	if have, want := p.Calls("GrantRole"), grants; have != want {
		t.Errorf("GrantRole calls: have %d, want %d", have, want)
	}
}

func TestExistingUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", Enabled: true})
	p.AddUser(provider.User{ID: "U1", Name: "a@example.com", DomainID: DefaultDomainID, Enabled: true})
	a := New(p, WithUsernameIsEmail(true))

	step := newStep(inviteData())
	if err := a.Prepare(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := step.State, StateExisting; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}
	if have, want := len(step.TokenFields), 0; have != want {
		t.Errorf("token fields: have %d, want %d", have, want)
	}
	if err := a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := p.Calls("CreateUser"), 0; have != want {
		t.Errorf("CreateUser calls: have %d, want %d", have, want)
	}

	step = newStep(inviteData())
	if err := a.Prepare(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := step.State, StateComplete; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}
	if step.NeedToken {
		t.Error("should not need token")
	}
	grants := p.Calls("GrantRole")
	if err := a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := p.Calls("GrantRole"), grants; have != want {
		t.Errorf("GrantRole calls: have %d, want %d", have, want)
	}
}

func TestDisabledUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", Enabled: true})
	p.AddUser(provider.User{ID: "U1", Name: "a@example.com", DomainID: DefaultDomainID})
	a := New(p, WithUsernameIsEmail(true))

	step := newStep(inviteData())
	if err := a.Approve(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := step.State, StateDisabled; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}
	step.TokenData = action.Data{FieldPassword: "pw"}
	if err := a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	user, err := p.FindUser(ctx, "a@example.com", DefaultDomainID)
	if err != nil {
		t.Fatal(err)
	}
	if !user.Enabled {
		t.Error("expected enabled user")
	}
	if have, want := p.Password("U1"), "pw"; have != want {
		t.Errorf("password: have %q, want %q", have, want)
	}
}

func TestInvalid(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P2", Name: "off"})

	for _, tc := range []struct {
		name string
		a    *NewUserAction
		data action.Data
	}{
		{"missing_project", New(p, WithUsernameIsEmail(true)), inviteData()},
		{"disabled_project", New(p, WithUsernameIsEmail(true)), action.Data{
			FieldEmail: "a@example.com", FieldProjectID: "P2", FieldRoles: []interface{}{"member"},
		}},
		{"role_not_allowed", New(p, WithUsernameIsEmail(true), WithAllowedRoles([]string{"reader"})), inviteData()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			step := newStep(tc.data)
			if err := tc.a.Prepare(ctx, step); err != nil {
				t.Fatal(err)
			}
			if step.Valid {
				t.Error("expected invalid")
			}
		})
	}
}
