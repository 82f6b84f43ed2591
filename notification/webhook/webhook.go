// Package webhook implements a notification handler that POSTs notifications as JSON.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
)

const (
	TopicNotification      = "task.notification"
	TopicErrorNotification = "task.notification.error"
)

// Event is the JSON body of the webhook request.
type Event struct {
	Topic     string    `json:"topic"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`

	Task         *storage.Task         `json:"task"`
	Notification *storage.Notification `json:"notification"`
}

// StatusError is returned for non-2xx webhook responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook HTTP status: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrorClass classifies the error for notification safe errors.
func (e *StatusError) ErrorClass() string {
	return "WebhookStatusError"
}

// Doer executes HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Webhook POSTs notifications to a URL.
type Webhook struct {
	url    string
	client Doer
	ack    bool
}

// Option configures the webhook.
type Option func(*Webhook)

// WithClient sets the HTTP client.
func WithClient(client Doer) Option {
	return func(w *Webhook) {
		w.client = client
	}
}

// WithAcknowledge marks notifications as acknowledged once delivered.
func WithAcknowledge() Option {
	return func(w *Webhook) {
		w.ack = true
	}
}

// New creates a new webhook handler sending to url.
func New(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify sends the notification to the webhook URL.
func (w *Webhook) Notify(ctx context.Context, task *storage.Task, n *storage.Notification) error {
	topic := TopicNotification
	if n.Error {
		topic = TopicErrorNotification
	}
	body, err := json.Marshal(&Event{
		Topic:        topic,
		EventID:      n.ID,
		CreatedAt:    n.CreatedOn,
		Task:         task,
		Notification: n,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if w.ack {
		n.Acknowledged = true
	}
	return nil
}
