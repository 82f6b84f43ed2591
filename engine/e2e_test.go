package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/action/newproject"
	"github.com/micromdm/nanotask/action/newuser"
	"github.com/micromdm/nanotask/action/quota"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	storageinmem "github.com/micromdm/nanotask/engine/storage/inmem"
	"github.com/micromdm/nanotask/provider"
	"github.com/micromdm/nanotask/provider/inmem"
	"github.com/micromdm/nanotask/utils/uuid"
)

func newInviteManager(t *testing.T, p provider.Identity) (*engine.Manager, storage.AllStorage) {
	t.Helper()
	actions := action.NewRegistry()
	if err := actions.Register(newuser.New(p, newuser.WithUsernameIsEmail(true))); err != nil {
		t.Fatal(err)
	}
	types := engine.NewRegistry(actions)
	if err := types.Register(&engine.TaskType{
		Name:    "invite_user_to_project",
		Aliases: []string{"invite_user"},
		Actions: []string{newuser.Name},
	}); err != nil {
		t.Fatal(err)
	}
	store := storageinmem.New()
	m := engine.New(
		store,
		types,
		engine.WithUsernameIsEmail(true),
		engine.WithTokenIDer(uuid.NewStaticIDs("TOK1", "TOK2")),
	)
	return m, store
}

func inviteInput() action.Data {
	return action.Data{
		"email":      "new@example.com",
		"project_id": "P1",
		"roles":      []interface{}{"member"},
	}
}

func TestInviteNewUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", Enabled: true})
	m, store := newInviteManager(t, p)

	task, err := m.CreateFromRequest(ctx, "invite_user", inviteInput(), action.Requester{"email": "admin@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Actions()[0].State, newuser.StateDefault; have != want {
		t.Errorf("state: have %q, want %q", have, want)
	}
	if _, err = m.Approve(ctx, engine.ByID(task.ID), "admin"); err != nil {
		t.Fatal(err)
	}
	fields, err := m.TokenFields(ctx, "TOK1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(fields), 1; have != want || fields[0] != newuser.FieldPassword {
		t.Fatalf("token fields: have %v, want [%s]", fields, newuser.FieldPassword)
	}

	// role grant fails after the user was created
	p.FailWith("GrantRole", errors.New("identity service unavailable"))
	_, err = m.SubmitToken(ctx, "TOK1", action.Data{newuser.FieldPassword: "hunter2"}, nil)
	var execErr *engine.ActionExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("have %v, want ActionExecutionError", err)
	}
	if have, want := p.Calls("CreateUser"), 1; have != want {
		t.Errorf("CreateUser calls: have %d, want %d", have, want)
	}

	// retry with the same token does not recreate the user
	p.FailWith("GrantRole", nil)
	task, err = m.SubmitToken(ctx, "TOK1", action.Data{newuser.FieldPassword: "hunter2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status(), engine.StatusCompleted; have != want {
		t.Errorf("status: have %q, want %q", have, want)
	}
	if have, want := p.Calls("CreateUser"), 1; have != want {
		t.Errorf("CreateUser calls: have %d, want %d", have, want)
	}

	user, err := p.FindUser(ctx, "new@example.com", newuser.DefaultDomainID)
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

	toks, err := store.RetrieveTaskTokens(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(toks), 0; have != want {
		t.Errorf("tokens: have %d, want %d", have, want)
	}
	notifs, err := store.RetrieveNotifications(ctx, &storage.NotificationFilter{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	var errCount int
	for _, n := range notifs {
		if n.Error {
			errCount++
		}
	}
	if have, want := errCount, 1; have != want {
		t.Errorf("error notifications: have %d, want %d", have, want)
	}
}

func TestInviteCompleteUser(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	p.AddProject(provider.Project{ID: "P1", Name: "proj", Enabled: true})
	user := p.AddUser(provider.User{Name: "new@example.com", DomainID: newuser.DefaultDomainID, Enabled: true})
	if err := p.GrantRole(ctx, user.ID, "P1", "member"); err != nil {
		t.Fatal(err)
	}
	m, store := newInviteManager(t, p)

	task, err := m.CreateFromRequest(ctx, "invite_user_to_project", inviteInput(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = m.Approve(ctx, task, "admin"); err != nil {
		t.Fatal(err)
	}
	// nothing to grant and no token needed
	if have, want := task.Status(), engine.StatusCompleted; have != want {
		t.Errorf("status: have %q, want %q", have, want)
	}
	toks, err := store.RetrieveTaskTokens(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(toks), 0; have != want {
		t.Errorf("tokens: have %d, want %d", have, want)
	}
	if have, want := p.Calls("GrantRole"), 1; have != want {
		t.Errorf("GrantRole calls: have %d, want %d", have, want)
	}
}

func newSignupManager(t *testing.T, p *inmem.InMem) (*engine.Manager, storage.AllStorage) {
	t.Helper()
	actions := action.NewRegistry()
	for _, a := range []action.Action{
		newproject.New(p, newproject.WithUsernameIsEmail(true)),
		quota.NewSetProjectQuota(p),
	} {
		if err := actions.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	types := engine.NewRegistry(actions)
	if err := types.Register(&engine.TaskType{
		Name:    "create_project_and_user",
		Aliases: []string{"signup"},
		Actions: []string{newproject.Name, quota.SetProjectQuotaName},
	}); err != nil {
		t.Fatal(err)
	}
	store := storageinmem.New()
	m := engine.New(
		store,
		types,
		engine.WithUsernameIsEmail(true),
		engine.WithTokenIDer(uuid.NewStaticIDs("TOK1", "TOK2", "TOK3")),
	)
	return m, store
}

func signupInput() action.Data {
	return action.Data{
		newproject.FieldProjectName: "proj",
		newproject.FieldEmail:       "owner@example.com",
	}
}

func TestSignupReapprove(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	m, store := newSignupManager(t, p)

	task, err := m.CreateFromRequest(ctx, "signup", signupInput(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err = m.Approve(ctx, engine.ByID(task.ID), "admin"); err != nil {
			t.Fatal(err)
		}
		if have, want := p.Calls("CreateProject"), 1; have != want {
			t.Errorf("approve %d: CreateProject calls: have %d, want %d", i+1, have, want)
		}
		if have, want := p.Calls("SetProjectQuota"), 1; have != want {
			t.Errorf("approve %d: SetProjectQuota calls: have %d, want %d", i+1, have, want)
		}
	}

	// only the token from the second approval remains
	toks, err := store.RetrieveTaskTokens(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(toks), 1; have != want {
		t.Fatalf("tokens: have %d, want %d", have, want)
	}
	if have, want := toks[0].Token, "TOK2"; have != want {
		t.Errorf("token: have %q, want %q", have, want)
	}
}

func TestSignupProjectTaken(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	m, store := newSignupManager(t, p)

	task, err := m.CreateFromRequest(ctx, "signup", signupInput(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !task.Valid() {
		t.Fatal("expected valid task")
	}

	// the project name is taken between prepare and approve
	p.AddProject(provider.Project{Name: "proj", DomainID: newproject.DefaultDomainID, Enabled: true})

	_, err = m.Approve(ctx, engine.ByID(task.ID), "admin")
	if !errors.Is(err, engine.ErrActionsInvalid) {
		t.Fatalf("have %v, want %v", err, engine.ErrActionsInvalid)
	}
	var execErr *engine.ActionExecutionError
	if errors.As(err, &execErr) {
		t.Error("unexpected action execution error")
	}
	if have, want := p.Calls("CreateProject")+p.Calls("SetProjectQuota"), 0; have != want {
		t.Errorf("provider writes: have %d, want %d", have, want)
	}

	notifs, err := store.RetrieveNotifications(ctx, &storage.NotificationFilter{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range notifs {
		if n.Error {
			t.Errorf("unexpected error notification: %v", n.Notes)
		}
	}
}
