package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/action/newproject"
	"github.com/micromdm/nanotask/action/newuser"
	"github.com/micromdm/nanotask/action/quota"
	"github.com/micromdm/nanotask/action/resetpassword"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/notification"
	"github.com/micromdm/nanotask/notification/email"
	"github.com/micromdm/nanotask/notification/loghandler"
	"github.com/micromdm/nanotask/notification/webhook"
	"github.com/micromdm/nanotask/provider"

	"github.com/micromdm/nanolib/log"
)

var ErrNoSMTP = errors.New("smtp not configured")

// BuiltinTasks are the task types available without configuration.
var BuiltinTasks = map[string]Task{
	"invite_user_to_project": {
		Actions: []string{newuser.Name},
		Aliases: []string{"invite_user"},
	},
	"create_project_and_user": {
		Actions: []string{newproject.Name, quota.SetProjectQuotaName},
		Aliases: []string{"create_project", "signup"},
	},
	"reset_user_password": {
		Actions: []string{resetpassword.Name},
		Aliases: []string{"reset_password"},
	},
	"update_quota": {
		Actions:         []string{quota.UpdateProjectQuotasName},
		DuplicatePolicy: string(engine.DuplicateBlock),
	},
}

// merge overrides the set fields of base with t.
func (t Task) merge(base Task) Task {
	if len(t.Actions) > 0 {
		base.Actions = t.Actions
	}
	if len(t.Aliases) > 0 {
		base.Aliases = t.Aliases
	}
	if t.DuplicatePolicy != "" {
		base.DuplicatePolicy = t.DuplicatePolicy
	}
	if t.TokenExpiry != 0 {
		base.TokenExpiry = t.TokenExpiry
	}
	if t.AllowAutoApprove != nil {
		base.AllowAutoApprove = t.AllowAutoApprove
	}
	if t.SuppressApprovalNotification {
		base.SuppressApprovalNotification = true
	}
	if t.StandardHandlers != nil {
		base.StandardHandlers = t.StandardHandlers
	}
	if t.ErrorHandlers != nil {
		base.ErrorHandlers = t.ErrorHandlers
	}
	if t.SafeErrors != nil {
		base.SafeErrors = t.SafeErrors
	}
	if t.Emails != nil {
		base.Emails = t.Emails
	}
	return base
}

// TaskConfigs returns the built-in tasks merged with the configured tasks.
func (c *Config) TaskConfigs() map[string]Task {
	r := make(map[string]Task, len(BuiltinTasks)+len(c.Tasks))
	for name, t := range BuiltinTasks {
		r[name] = t
	}
	for name, t := range c.Tasks {
		r[name] = t.merge(r[name])
	}
	return r
}

func sortedNames(tasks map[string]Task) []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskTypes returns the engine task types sorted by name.
func (c *Config) TaskTypes() []*engine.TaskType {
	tasks := c.TaskConfigs()
	var r []*engine.TaskType
	for _, name := range sortedNames(tasks) {
		t := tasks[name]
		policy := t.DuplicatePolicy
		if policy == "" {
			policy = c.Defaults.DuplicatePolicy
		}
		r = append(r, &engine.TaskType{
			Name:                         name,
			Aliases:                      t.Aliases,
			Actions:                      t.Actions,
			DuplicatePolicy:              engine.DuplicatePolicy(policy),
			TokenExpiry:                  time.Duration(t.TokenExpiry),
			AllowAutoApprove:             t.AllowAutoApprove,
			SuppressApprovalNotification: t.SuppressApprovalNotification,
		})
	}
	return r
}

// BuildActions creates and registers the built-in actions using p.
func (c *Config) BuildActions(p provider.Provider) (*action.Registry, error) {
	userIsEmail := c.Identity.UsernameIsEmail

	var quotaOpts []quota.Option
	if len(c.Actions.Quota.Sizes) > 0 {
		quotaOpts = append(quotaOpts, quota.WithSizes(c.Actions.Quota.Sizes))
	}
	if c.Actions.Quota.DefaultSize != "" {
		quotaOpts = append(quotaOpts, quota.WithDefaultSize(c.Actions.Quota.DefaultSize))
	}
	projectOpts := []newproject.Option{newproject.WithUsernameIsEmail(userIsEmail)}
	if len(c.Actions.NewProject.DefaultRoles) > 0 {
		projectOpts = append(projectOpts, newproject.WithDefaultRoles(c.Actions.NewProject.DefaultRoles))
	}
	resetOpts := []resetpassword.Option{resetpassword.WithUsernameIsEmail(userIsEmail)}
	if c.Actions.ResetPassword.ProtectedRoles != nil {
		resetOpts = append(resetOpts, resetpassword.WithProtectedRoles(c.Actions.ResetPassword.ProtectedRoles))
	}

	reg := action.NewRegistry()
	for _, a := range []action.Action{
		newuser.New(p,
			newuser.WithUsernameIsEmail(userIsEmail),
			newuser.WithAllowedRoles(c.Actions.NewUser.AllowedRoles),
		),
		newproject.New(p, projectOpts...),
		quota.NewSetProjectQuota(p, quotaOpts...),
		quota.NewUpdateProjectQuotas(p, p, quotaOpts...),
		resetpassword.New(p, resetOpts...),
	} {
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("registering action %s: %w", a.Name(), err)
		}
	}
	return reg, nil
}

// NotificationOptions returns the dispatcher handler configuration options.
// Tasks without handler lists use the defaults.
func (c *Config) NotificationOptions() []notification.Option {
	opts := []notification.Option{notification.WithDefaultConfig(&notification.Config{
		StandardHandlers: c.Defaults.StandardHandlers,
		ErrorHandlers:    c.Defaults.ErrorHandlers,
		SafeErrors:       c.Defaults.SafeErrors,
	})}
	tasks := c.TaskConfigs()
	for _, name := range sortedNames(tasks) {
		t := tasks[name]
		if t.StandardHandlers == nil && t.ErrorHandlers == nil && t.SafeErrors == nil {
			continue
		}
		cfg := &notification.Config{
			StandardHandlers: c.Defaults.StandardHandlers,
			ErrorHandlers:    c.Defaults.ErrorHandlers,
			SafeErrors:       c.Defaults.SafeErrors,
		}
		if t.StandardHandlers != nil {
			cfg.StandardHandlers = t.StandardHandlers
		}
		if t.ErrorHandlers != nil {
			cfg.ErrorHandlers = t.ErrorHandlers
		}
		if t.SafeErrors != nil {
			cfg.SafeErrors = t.SafeErrors
		}
		opts = append(opts, notification.WithConfig(name, cfg))
	}
	return opts
}

// Sender returns an SMTP sender or nil if SMTP is not configured.
func (c *Config) Sender() email.Sender {
	if c.SMTP == nil || c.SMTP.Host == "" {
		return nil
	}
	port := c.SMTP.Port
	if port == 0 {
		port = 25
	}
	return email.NewSMTPSender(c.SMTP.Host, port, c.SMTP.Username, c.SMTP.Password)
}

func (c *Config) from() string {
	if c.SMTP == nil {
		return ""
	}
	return c.SMTP.From
}

// NotificationHandlers creates the configured handlers by name.
// Email handlers send with sender.
func (c *Config) NotificationHandlers(logger log.Logger, sender email.Sender) (map[string]notification.Handler, error) {
	r := make(map[string]notification.Handler)
	for name, h := range c.Handlers {
		switch h.Type {
		case HandlerLog:
			var opts []loghandler.Option
			if h.Acknowledge {
				opts = append(opts, loghandler.WithAcknowledge())
			}
			r[name] = loghandler.New(logger.With(logkeys.Handler, name), opts...)
		case HandlerWebhook:
			if h.URL == "" {
				return nil, fmt.Errorf("handler %s: missing url", name)
			}
			var opts []webhook.Option
			if h.Acknowledge {
				opts = append(opts, webhook.WithAcknowledge())
			}
			r[name] = webhook.New(h.URL, opts...)
		case HandlerEmail:
			if sender == nil {
				return nil, fmt.Errorf("handler %s: %w", name, ErrNoSMTP)
			}
			var opts []email.HandlerOption
			if h.Subject != "" || h.Body != "" {
				subject, body := h.Subject, h.Body
				if subject == "" {
					subject = email.DefaultSubject
				}
				if body == "" {
					body = email.DefaultBody
				}
				opts = append(opts, email.WithTemplate(subject, body))
			}
			if h.Acknowledge {
				opts = append(opts, email.WithAcknowledge())
			}
			eh, err := email.NewHandler(sender, c.from(), h.To, opts...)
			if err != nil {
				return nil, fmt.Errorf("handler %s: %w", name, err)
			}
			r[name] = eh
		default:
			return nil, fmt.Errorf("handler %s: unknown type: %q", name, h.Type)
		}
	}
	return r, nil
}

// StageMailer creates a stage mailer for the configured task emails.
// Nil is returned if no task configures stage emails.
func (c *Config) StageMailer(logger log.Logger, sender email.Sender) (*email.StageMailer, error) {
	tasks := c.TaskConfigs()
	var m *email.StageMailer
	for _, name := range sortedNames(tasks) {
		for stage, e := range tasks[name].Emails {
			if sender == nil {
				return nil, fmt.Errorf("task %s emails: %w", name, ErrNoSMTP)
			}
			if m == nil {
				var tokenURL string
				if c.SMTP != nil {
					tokenURL = c.SMTP.TokenURL
				}
				m = email.NewStageMailer(
					sender,
					c.from(),
					email.WithTokenURL(tokenURL),
					email.WithLogger(logger.With("service", "stage mailer")),
				)
			}
			err := m.AddTemplate(name, engine.EventKind(stage), email.StageTemplate{
				Subject: e.Subject,
				Body:    e.Body,
				To:      e.To,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
