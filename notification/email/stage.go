package email

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Default stage templates by event kind.
var DefaultStageTemplates = map[engine.EventKind]StageTemplate{
	engine.EventInitial: {
		Subject: `Your {{.Task.TaskType}} request has been received`,
		Body: `Hello,

Your request ({{.Task.TaskType}}) has been received and is awaiting processing.

Reference: {{.Task.ID}}
`,
	},
	engine.EventToken: {
		Subject: `Action required for your {{.Task.TaskType}} request`,
		Body: `Hello,

Your request ({{.Task.TaskType}}) has been approved. To complete it visit:

{{.TokenURL}}

This link expires {{.Token.Expires.UTC.Format "2006-01-02 15:04 MST"}}.
`,
	},
	engine.EventCompleted: {
		Subject: `Your {{.Task.TaskType}} request is complete`,
		Body: `Hello,

Your request ({{.Task.TaskType}}) has been completed.

Reference: {{.Task.ID}}
`,
	},
}

// StageTemplate configures the email for one stage of one task type.
// Empty templates fall back to DefaultStageTemplates.
type StageTemplate struct {
	Subject string

	Body string

	// To overrides the recipient. Otherwise the first action email is
	// used, then the email of the requester.
	To string
}

// StageData is the data passed to stage templates.
type StageData struct {
	Task     *storage.Task
	Kind     engine.EventKind
	Token    *storage.Token
	TokenURL string
	Email    string
}

type stageTemplate struct {
	*msgTemplate
	to string
}

// StageMailer sends task stage emails.
// It implements engine.StageNotifier.
type StageMailer struct {
	sender   Sender
	from     string
	tokenURL string
	logger   log.Logger
	now      func() time.Time

	mu        sync.RWMutex
	templates map[string]map[engine.EventKind]*stageTemplate
}

// StageOption configures the stage mailer.
type StageOption func(*StageMailer)

// WithTokenURL sets the base URL tokens are appended to.
func WithTokenURL(url string) StageOption {
	return func(m *StageMailer) {
		m.tokenURL = url
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) StageOption {
	return func(m *StageMailer) {
		m.logger = logger
	}
}

// NewStageMailer creates a new stage mailer sending from from.
func NewStageMailer(sender Sender, from string, opts ...StageOption) *StageMailer {
	m := &StageMailer{
		sender:    sender,
		from:      from,
		logger:    log.NopLogger,
		now:       time.Now,
		templates: make(map[string]map[engine.EventKind]*stageTemplate),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTemplate enables the stage email of kind for taskType.
func (m *StageMailer) AddTemplate(taskType string, kind engine.EventKind, t StageTemplate) error {
	def, ok := DefaultStageTemplates[kind]
	if !ok {
		return fmt.Errorf("unknown stage: %s", kind)
	}
	if t.Subject == "" {
		t.Subject = def.Subject
	}
	if t.Body == "" {
		t.Body = def.Body
	}
	tmpl, err := parseTemplate(taskType+"."+string(kind), t.Subject, t.Body)
	if err != nil {
		return fmt.Errorf("task type %s stage %s: %w", taskType, kind, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.templates[taskType] == nil {
		m.templates[taskType] = make(map[engine.EventKind]*stageTemplate)
	}
	m.templates[taskType][kind] = &stageTemplate{msgTemplate: tmpl, to: t.To}
	return nil
}

func (m *StageMailer) template(taskType string, kind engine.EventKind) *stageTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.templates[taskType][kind]
}

// recipient picks the configured address, the first action email or
// the requester email, in that order.
func recipient(t *stageTemplate, ev *engine.StageEvent) string {
	if t.to != "" {
		return t.to
	}
	if len(ev.Emails) > 0 {
		return ev.Emails[0]
	}
	return ev.Task.Requester.Email()
}

func (m *StageMailer) tokenLink(token *storage.Token) string {
	if token == nil {
		return ""
	}
	if m.tokenURL == "" {
		return token.Token
	}
	return strings.TrimSuffix(m.tokenURL, "/") + "/" + token.Token
}

// StageNotify sends the email configured for the event, if any.
func (m *StageMailer) StageNotify(ctx context.Context, ev *engine.StageEvent) error {
	t := m.template(ev.Task.TaskType, ev.Kind)
	if t == nil {
		return nil
	}
	to := recipient(t, ev)
	if to == "" {
		return fmt.Errorf("%s email: %w", ev.Kind, ErrNoRecipient)
	}
	subject, body, err := t.render(&StageData{
		Task:     ev.Task,
		Kind:     ev.Kind,
		Token:    ev.Token,
		TokenURL: m.tokenLink(ev.Token),
		Email:    to,
	})
	if err != nil {
		return fmt.Errorf("%s email: %w", ev.Kind, err)
	}
	msg := &message{From: m.from, To: []string{to}, Subject: subject, Body: body, Date: m.now()}
	if err = m.sender.Send(ctx, m.from, msg.To, msg.bytes()); err != nil {
		return err
	}
	ctxlog.Logger(ctx, m.logger).Debug(
		logkeys.Message, "sent stage email",
		logkeys.TaskID, ev.Task.ID,
		"event", string(ev.Kind),
	)
	return nil
}
