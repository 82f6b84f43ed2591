// Package test runs a shared suite against task engine storage backends.
package test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
)

// TestEngineStorage runs the storage suite. newStorage should return
// empty storage on each call.
func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	t.Run("testTasks", func(t *testing.T) {
		testTasks(t, newStorage())
	})

	t.Run("testActiveHash", func(t *testing.T) {
		testActiveHash(t, newStorage())
	})

	t.Run("testTokens", func(t *testing.T) {
		testTokens(t, newStorage())
	})

	t.Run("testNotifications", func(t *testing.T) {
		testNotifications(t, newStorage())
	})
}

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTask(id, hash string, offset int) *storage.Task {
	return &storage.Task{
		ID:        id,
		HashKey:   hash,
		TaskType:  "invite_user_to_project",
		Requester: map[string]string{"user_id": "U1", "email": "admin@example.com"},
		Notes:     []string{"created"},
		CreatedOn: epoch.Add(time.Duration(offset) * time.Second),
	}
}

func newAction(taskID string, order int, name string) *storage.Action {
	return &storage.Action{
		ID:        taskID + "-" + name,
		TaskID:    taskID,
		Order:     order,
		Name:      name,
		Data:      json.RawMessage(`{"email":"test@example.com"}`),
		State:     "default",
		CreatedOn: epoch,
	}
}

func testTasks(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if err := s.CreateTask(ctx, nil, nil); err == nil {
		t.Error("expected error for nil task")
	}
	if err := s.CreateTask(ctx, &storage.Task{TaskType: "x"}, nil); err == nil {
		t.Error("expected error for missing id")
	}

	_, err := s.RetrieveTask(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have %v, want %v", err, storage.ErrNotFound)
	}

	task := newTask("T1", "H1", 0)
	actions := []*storage.Action{
		newAction("T1", 1, "second"),
		newAction("T1", 0, "first"),
	}
	if err := s.CreateTask(ctx, task, actions); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateTask(ctx, task, nil); err == nil {
		t.Error("expected error creating existing task")
	}

	have, err := s.RetrieveTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := have.HashKey, "H1"; have != want {
		t.Errorf("hash key: have %q, want %q", have, want)
	}
	if have, want := have.Requester.Email(), "admin@example.com"; have != want {
		t.Errorf("requester email: have %q, want %q", have, want)
	}
	if !have.CreatedOn.Equal(epoch) {
		t.Errorf("created on: have %v, want %v", have.CreatedOn, epoch)
	}

	acts, err := s.RetrieveActions(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(acts), 2; have != want {
		t.Fatalf("actions: have %d, want %d", have, want)
	}
	if have, want := acts[0].Name, "first"; have != want {
		t.Errorf("action order: have %q, want %q", have, want)
	}
	if have, want := string(acts[0].Data), `{"email":"test@example.com"}`; have != want {
		t.Errorf("action data: have %s, want %s", have, want)
	}

	acts[0].State = "complete"
	acts[0].Valid = true
	acts[0].NeedToken = true
	acts[0].TokenFields = []string{"password"}
	acts[0].Cache = json.RawMessage(`{"user_id":"U2"}`)
	if err := s.StoreAction(ctx, acts[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreAction(ctx, newAction("T1", 5, "nope")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("store missing action: have %v, want %v", err, storage.ErrNotFound)
	}
	acts, err = s.RetrieveActions(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := acts[0].State, "complete"; have != want {
		t.Errorf("action state: have %q, want %q", have, want)
	}
	if !acts[0].Valid || !acts[0].NeedToken {
		t.Error("expected valid and need token")
	}
	if have, want := len(acts[0].TokenFields), 1; have != want {
		t.Errorf("token fields: have %d, want %d", have, want)
	}
	if have, want := string(acts[0].Cache), `{"user_id":"U2"}`; have != want {
		t.Errorf("action cache: have %s, want %s", have, want)
	}

	task.Approved = true
	task.ApprovedBy = "U9"
	task.ApprovedOn = epoch.Add(time.Hour)
	task.ActionNotes = map[string][]string{"first": {"did a thing"}}
	if err := s.StoreTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	have, err = s.RetrieveTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !have.Approved || have.ApprovedBy != "U9" {
		t.Errorf("approval not stored: %+v", have)
	}
	if have, want := len(have.ActionNotes["first"]), 1; have != want {
		t.Errorf("action notes: have %d, want %d", have, want)
	}

	if err := s.StoreTask(ctx, newTask("T404", "", 0)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("store missing task: have %v, want %v", err, storage.ErrNotFound)
	}

	other := newTask("T2", "H2", 10)
	other.TaskType = "reset_user_password"
	if err := s.CreateTask(ctx, other, nil); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.RetrieveTasks(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 2; have != want {
		t.Fatalf("all tasks: have %d, want %d", have, want)
	}
	if have, want := tasks[0].ID, "T1"; have != want {
		t.Errorf("task order: have %q, want %q", have, want)
	}

	tasks, err = s.RetrieveTasks(ctx, &storage.TaskFilter{TaskType: "reset_user_password"})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("filtered tasks: have %d, want %d", have, want)
	}

	other.Completed = true
	if err := s.StoreTask(ctx, other); err != nil {
		t.Fatal(err)
	}
	tasks, err = s.RetrieveTasks(ctx, &storage.TaskFilter{ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("active tasks: have %d, want %d", have, want)
	}
}

func testActiveHash(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	t1 := newTask("A1", "SAME", 0)
	if err := s.CreateTask(ctx, t1, []*storage.Action{newAction("A1", 0, "a")}); err != nil {
		t.Fatal(err)
	}

	t2 := newTask("A2", "SAME", 1)
	err := s.CreateTask(ctx, t2, []*storage.Action{newAction("A2", 0, "a")})
	if !errors.Is(err, storage.ErrActiveHashExists) {
		t.Fatalf("have %v, want %v", err, storage.ErrActiveHashExists)
	}
	if _, err := s.RetrieveTask(ctx, "A2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected task stored: %v", err)
	}
	acts, err := s.RetrieveActions(ctx, "A2")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(acts), 0; have != want {
		t.Errorf("rejected actions stored: have %d, want %d", have, want)
	}

	tasks, err := s.RetrieveTasks(ctx, &storage.TaskFilter{HashKey: "SAME", ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("hash tasks: have %d, want %d", have, want)
	}

	// storing the same task again is not a collision
	t1.Notes = append(t1.Notes, "again")
	if err := s.StoreTask(ctx, t1); err != nil {
		t.Fatal(err)
	}

	t1.Cancelled = true
	if err := s.StoreTask(ctx, t1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(ctx, t2, nil); err != nil {
		t.Fatalf("creating after cancel: %v", err)
	}

	// moving a cancelled task back to active collides with t2
	t1.Cancelled = false
	if err := s.StoreTask(ctx, t1); !errors.Is(err, storage.ErrActiveHashExists) {
		t.Errorf("have %v, want %v", err, storage.ErrActiveHashExists)
	}

	// empty hashes never collide
	if err := s.CreateTask(ctx, newTask("A3", "", 2), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(ctx, newTask("A4", "", 3), nil); err != nil {
		t.Fatal(err)
	}
}

func testTokens(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if err := s.StoreToken(ctx, &storage.Token{TaskID: "T1"}); err == nil {
		t.Error("expected error for missing token")
	}

	if _, err := s.RetrieveToken(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have %v, want %v", err, storage.ErrNotFound)
	}

	for _, tok := range []*storage.Token{
		{Token: "tok1", TaskID: "T1", CreatedOn: epoch, Expires: epoch.Add(time.Hour)},
		{Token: "tok2", TaskID: "T1", CreatedOn: epoch, Expires: epoch.Add(48 * time.Hour)},
		{Token: "tok3", TaskID: "T2", CreatedOn: epoch, Expires: epoch.Add(2 * time.Hour)},
	} {
		if err := s.StoreToken(ctx, tok); err != nil {
			t.Fatal(err)
		}
	}

	tok, err := s.RetrieveToken(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := tok.TaskID, "T1"; have != want {
		t.Errorf("task id: have %q, want %q", have, want)
	}
	if !tok.Expires.Equal(epoch.Add(time.Hour)) {
		t.Errorf("expires: have %v, want %v", tok.Expires, epoch.Add(time.Hour))
	}

	tokens, err := s.RetrieveTaskTokens(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tokens), 2; have != want {
		t.Errorf("task tokens: have %d, want %d", have, want)
	}

	n, err := s.DeleteExpiredTokens(ctx, epoch.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Errorf("expired deleted: have %d, want %d", have, want)
	}
	if _, err := s.RetrieveToken(ctx, "tok1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired token remains: %v", err)
	}

	if err := s.DeleteToken(ctx, "tok3"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteToken(ctx, "tok3"); err != nil {
		t.Errorf("deleting missing token: %v", err)
	}

	if err := s.DeleteTaskTokens(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	tokens, err = s.RetrieveTaskTokens(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tokens), 0; have != want {
		t.Errorf("task tokens after delete: have %d, want %d", have, want)
	}
}

func testNotifications(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if err := s.StoreNotification(ctx, &storage.Notification{ID: "N0"}); err == nil {
		t.Error("expected error for missing task id")
	}

	if _, err := s.RetrieveNotification(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have %v, want %v", err, storage.ErrNotFound)
	}

	for i, n := range []*storage.Notification{
		{ID: "N1", TaskID: "T1", Notes: []string{"needs approval"}},
		{ID: "N2", TaskID: "T1", Notes: []string{"Error: boom"}, Error: true},
		{ID: "N3", TaskID: "T2", Notes: []string{"done"}, Acknowledged: true},
	} {
		n.CreatedOn = epoch.Add(time.Duration(i) * time.Second)
		if err := s.StoreNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.RetrieveNotification(ctx, "N2")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Error || len(n.Notes) != 1 {
		t.Errorf("notification not stored correctly: %+v", n)
	}

	all, err := s.RetrieveNotifications(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(all), 3; have != want {
		t.Fatalf("notifications: have %d, want %d", have, want)
	}
	if have, want := all[0].ID, "N1"; have != want {
		t.Errorf("notification order: have %q, want %q", have, want)
	}

	yes, no := true, false
	for _, tc := range []struct {
		name   string
		filter *storage.NotificationFilter
		want   int
	}{
		{"task", &storage.NotificationFilter{TaskID: "T1"}, 2},
		{"error", &storage.NotificationFilter{Error: &yes}, 1},
		{"unacked", &storage.NotificationFilter{Acknowledged: &no}, 2},
		{"task_unacked_errors", &storage.NotificationFilter{TaskID: "T1", Error: &yes, Acknowledged: &no}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ns, err := s.RetrieveNotifications(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if have, want := len(ns), tc.want; have != want {
				t.Errorf("have %d, want %d", have, want)
			}
		})
	}

	n.Acknowledged = true
	if err := s.StoreNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	n, err = s.RetrieveNotification(ctx, "N2")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Acknowledged {
		t.Error("expected acknowledged")
	}
}
