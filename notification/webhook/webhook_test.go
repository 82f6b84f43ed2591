package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/notification"
)

func TestWebhook(t *testing.T) {
	var event Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if have, want := r.Header.Get("Content-Type"), "application/json"; have != want {
			t.Errorf("content type: have %q, want %q", have, want)
		}
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	task := &storage.Task{ID: "T1", TaskType: "invite_user_to_project"}
	n := &storage.Notification{ID: "N1", TaskID: "T1", Notes: []string{"Error: boom"}, Error: true}

	err := New(srv.URL, WithAcknowledge()).Notify(context.Background(), task, n)
	if err != nil {
		t.Fatal(err)
	}
	if !n.Acknowledged {
		t.Error("expected acknowledged")
	}
	if have, want := event.Topic, TopicErrorNotification; have != want {
		t.Errorf("topic: have %q, want %q", have, want)
	}
	if have, want := event.EventID, "N1"; have != want {
		t.Errorf("event id: have %q, want %q", have, want)
	}
	if event.Task == nil || event.Task.ID != "T1" {
		t.Errorf("task not sent: %+v", event.Task)
	}
}

func TestWebhookStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &storage.Notification{ID: "N1", TaskID: "T1"}
	err := New(srv.URL, WithAcknowledge()).Notify(context.Background(), &storage.Task{ID: "T1"}, n)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("have %v, want StatusError", err)
	}
	if have, want := statusErr.StatusCode, http.StatusBadGateway; have != want {
		t.Errorf("status: have %d, want %d", have, want)
	}
	if have, want := notification.ErrorClass(err), "WebhookStatusError"; have != want {
		t.Errorf("class: have %q, want %q", have, want)
	}
	if n.Acknowledged {
		t.Error("should not be acknowledged")
	}
}
