package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/notification"
)

type sent struct {
	from string
	to   []string
	msg  string
}

type fakeSender struct {
	sent []sent
	err  error
}

func (s *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{from: from, to: to, msg: string(msg)})
	return nil
}

func TestHandler(t *testing.T) {
	s := &fakeSender{}
	h, err := NewHandler(s, "tasks@example.com", []string{"ops@example.com"}, WithAcknowledge())
	if err != nil {
		t.Fatal(err)
	}
	task := &storage.Task{ID: "T1", TaskType: "invite"}
	n := &storage.Notification{ID: "N1", TaskID: "T1", Notes: []string{"first note", "second note"}, Error: true}
	if err = h.Notify(context.Background(), task, n); err != nil {
		t.Fatal(err)
	}
	if have, want := len(s.sent), 1; have != want {
		t.Fatalf("sent: have %d, want %d", have, want)
	}
	msg := s.sent[0].msg
	for _, want := range []string{
		"To: ops@example.com\r\n",
		"Subject: Error notification for task T1\r\n",
		"\r\nsecond note\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if !n.Acknowledged {
		t.Error("expected acknowledged")
	}

	if _, err = NewHandler(s, "tasks@example.com", nil); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("have %v, want %v", err, ErrNoRecipient)
	}
	if _, err = NewHandler(s, "a@example.com", []string{"b@example.com"}, WithTemplate("{{", "")); err == nil {
		t.Error("expected template error")
	}
}

func TestSMTPErrorClass(t *testing.T) {
	s := &fakeSender{err: &SMTPError{Err: errors.New("connection refused")}}
	h, err := NewHandler(s, "tasks@example.com", []string{"ops@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	err = h.Notify(context.Background(), &storage.Task{ID: "T1"}, &storage.Notification{ID: "N1"})
	if have, want := notification.ErrorClass(err), "SMTPException"; have != want {
		t.Errorf("class: have %q, want %q", have, want)
	}
}

func TestStageMailer(t *testing.T) {
	s := &fakeSender{}
	m := NewStageMailer(s, "tasks@example.com", WithTokenURL("https://example.com/token/"))
	m.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := m.AddTemplate("invite", engine.EventToken, StageTemplate{}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTemplate("invite", engine.EventCompleted, StageTemplate{
		Subject: "Done {{.Task.ID}}",
		Body:    "Sent to {{.Email}}",
		To:      "fixed@example.com",
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTemplate("invite", "bogus", StageTemplate{}); err == nil {
		t.Error("expected unknown stage error")
	}

	ctx := context.Background()
	task := &storage.Task{ID: "T1", TaskType: "invite", Requester: action.Requester{"email": "admin@example.com"}}

	// not configured
	if err := m.StageNotify(ctx, &engine.StageEvent{Kind: engine.EventInitial, Task: task}); err != nil {
		t.Fatal(err)
	}
	if have, want := len(s.sent), 0; have != want {
		t.Fatalf("sent: have %d, want %d", have, want)
	}

	err := m.StageNotify(ctx, &engine.StageEvent{
		Kind:   engine.EventToken,
		Task:   task,
		Token:  &storage.Token{Token: "abc123", TaskID: "T1", Expires: time.Date(2024, 1, 3, 3, 4, 5, 0, time.UTC)},
		Emails: []string{"user@example.com", "other@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := strings.Join(s.sent[0].to, ","), "user@example.com"; have != want {
		t.Errorf("to: have %q, want %q", have, want)
	}
	if !strings.Contains(s.sent[0].msg, "https://example.com/token/abc123") {
		t.Errorf("missing token URL:\n%s", s.sent[0].msg)
	}

	// requester is the fallback recipient
	if err = m.AddTemplate("invite", engine.EventInitial, StageTemplate{}); err != nil {
		t.Fatal(err)
	}
	if err = m.StageNotify(ctx, &engine.StageEvent{Kind: engine.EventInitial, Task: task}); err != nil {
		t.Fatal(err)
	}
	if have, want := strings.Join(s.sent[1].to, ","), "admin@example.com"; have != want {
		t.Errorf("to: have %q, want %q", have, want)
	}

	if err = m.StageNotify(ctx, &engine.StageEvent{Kind: engine.EventCompleted, Task: task, Emails: []string{"user@example.com"}}); err != nil {
		t.Fatal(err)
	}
	if have, want := strings.Join(s.sent[2].to, ","), "fixed@example.com"; have != want {
		t.Errorf("to: have %q, want %q", have, want)
	}
	if !strings.Contains(s.sent[2].msg, "Subject: Done T1\r\n") || !strings.Contains(s.sent[2].msg, "Sent to fixed@example.com") {
		t.Errorf("unexpected message:\n%s", s.sent[2].msg)
	}

	noRequester := &storage.Task{ID: "T2", TaskType: "invite"}
	err = m.StageNotify(ctx, &engine.StageEvent{Kind: engine.EventInitial, Task: noRequester})
	if !errors.Is(err, ErrNoRecipient) {
		t.Errorf("have %v, want %v", err, ErrNoRecipient)
	}
}
