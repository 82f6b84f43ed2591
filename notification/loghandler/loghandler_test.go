package loghandler

import (
	"context"
	"testing"

	"github.com/micromdm/nanotask/engine/storage"

	"github.com/micromdm/nanolib/log"
)

func TestLogHandler(t *testing.T) {
	n := &storage.Notification{ID: "N1", TaskID: "T1", Notes: []string{"hello"}}
	if err := New(log.NopLogger).Notify(context.Background(), &storage.Task{ID: "T1"}, n); err != nil {
		t.Fatal(err)
	}
	if n.Acknowledged {
		t.Error("should not be acknowledged")
	}
	if err := New(log.NopLogger, WithAcknowledge()).Notify(context.Background(), &storage.Task{ID: "T1"}, n); err != nil {
		t.Fatal(err)
	}
	if !n.Acknowledged {
		t.Error("expected acknowledged")
	}
}
