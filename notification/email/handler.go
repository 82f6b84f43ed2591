// Package email sends task notifications and stage emails over SMTP.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
)

const (
	DefaultSubject = `{{if .Notification.Error}}Error notification{{else}}Notification{{end}} for task {{.Task.ID}}`

	DefaultBody = `Task: {{.Task.ID}}
Type: {{.Task.TaskType}}
{{range .Notification.Notes}}
{{.}}
{{end}}`
)

// NotificationData is the data passed to notification templates.
type NotificationData struct {
	Task         *storage.Task
	Notification *storage.Notification
}

// Handler emails notifications to a fixed list of recipients.
type Handler struct {
	sender Sender
	from   string
	to     []string
	tmpl   *msgTemplate
	ack    bool
	now    func() time.Time
}

// HandlerOption configures the handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	subject string
	body    string
	ack     bool
}

// WithTemplate sets the subject and body templates.
func WithTemplate(subject, body string) HandlerOption {
	return func(c *handlerConfig) {
		c.subject = subject
		c.body = body
	}
}

// WithAcknowledge marks notifications as acknowledged once sent.
func WithAcknowledge() HandlerOption {
	return func(c *handlerConfig) {
		c.ack = true
	}
}

// NewHandler creates a new email notification handler.
func NewHandler(sender Sender, from string, to []string, opts ...HandlerOption) (*Handler, error) {
	if len(to) < 1 {
		return nil, ErrNoRecipient
	}
	c := &handlerConfig{subject: DefaultSubject, body: DefaultBody}
	for _, opt := range opts {
		opt(c)
	}
	tmpl, err := parseTemplate("notification", c.subject, c.body)
	if err != nil {
		return nil, err
	}
	return &Handler{
		sender: sender,
		from:   from,
		to:     to,
		tmpl:   tmpl,
		ack:    c.ack,
		now:    time.Now,
	}, nil
}

// Notify renders and sends the notification.
func (h *Handler) Notify(ctx context.Context, task *storage.Task, n *storage.Notification) error {
	subject, body, err := h.tmpl.render(&NotificationData{Task: task, Notification: n})
	if err != nil {
		return fmt.Errorf("notification %s: %w", n.ID, err)
	}
	msg := &message{From: h.from, To: h.to, Subject: subject, Body: body, Date: h.now()}
	if err = h.sender.Send(ctx, h.from, h.to, msg.bytes()); err != nil {
		return err
	}
	if h.ack {
		n.Acknowledged = true
	}
	return nil
}
