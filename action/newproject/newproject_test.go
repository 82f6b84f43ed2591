package newproject

import (
	"context"
	"testing"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/provider"
	"github.com/micromdm/nanotask/provider/inmem"
)

func TestNewProjectWithUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	a := New(p, WithUsernameIsEmail(true), WithDefaultRoles([]string{"member"}))

	step := action.NewStep(&action.Instance{
		Name: Name,
		Data: action.Data{FieldProjectName: "proj", FieldEmail: "a@example.com"},
	}, nil, nil)
	if err := a.Prepare(ctx, step); err != nil {
		t.Fatal(err)
	}
	if !step.Valid {
		t.Fatal("expected valid")
	}
	if have, want := step.State, StateDefault; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}

	if err := a.Approve(ctx, step); err != nil {
		t.Fatal(err)
	}
	projectID := step.Shared.String(SharedProjectID)
	if projectID == "" {
		t.Fatal("project id not published")
	}
	if !step.NeedToken {
		t.Error("expected need token")
	}

	// re-approval does not create another project
	step.Shared = action.NewShared()
	if err := a.Approve(ctx, step); err != nil {
		t.Fatal(err)
	}
	if have, want := step.Shared.String(SharedProjectID), projectID; have != want {
		t.Errorf("project id: have %q, want %q", have, want)
	}
	if have, want := p.Calls("CreateProject"), 1; have != want {
		t.Errorf("CreateProject calls: have %d, want %d", have, want)
	}

	step.TokenData = action.Data{FieldPassword: "pw"}
	if err := a.Submit(ctx, step); err != nil {
		t.Fatal(err)
	}
	user, err := p.FindUser(ctx, "a@example.com", DefaultDomainID)
	if err != nil {
		t.Fatal(err)
	}
	roles, err := p.UserRoles(ctx, user.ID, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if !provider.HasRoles(roles, []string{"member"}) {
		t.Errorf("roles: have %v", roles)
	}
}

func TestExistingProjectName(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", DomainID: DefaultDomainID, Enabled: true})
	a := New(p, WithUsernameIsEmail(true))

	step := action.NewStep(&action.Instance{
		Name: Name,
		Data: action.Data{FieldProjectName: "proj", FieldEmail: "a@example.com"},
	}, nil, nil)
	if err := a.Prepare(ctx, step); err != nil {
		t.Fatal(err)
	}
	if step.Valid {
		t.Error("expected invalid")
	}
}
