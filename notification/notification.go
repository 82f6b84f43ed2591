// Package notification persists task notifications and dispatches them to handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
	"github.com/micromdm/nanotask/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrEmptyHandlerName = errors.New("empty handler name")
	ErrHandlerExists    = errors.New("handler already registered")
	ErrNotFound         = errors.New("notification not found")
)

// Handler delivers a notification.
// Handlers may set the notification as acknowledged.
type Handler interface {
	Notify(ctx context.Context, task *storage.Task, n *storage.Notification) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *storage.Task, n *storage.Notification) error

// Notify calls f.
func (f HandlerFunc) Notify(ctx context.Context, task *storage.Task, n *storage.Notification) error {
	return f(ctx, task, n)
}

// Config selects handlers for the notifications of a task type.
type Config struct {
	// StandardHandlers are the handler names used for non-error notifications.
	StandardHandlers []string

	// ErrorHandlers are the handler names used for error notifications.
	ErrorHandlers []string

	// SafeErrors are error classes that, when returned by a handler,
	// create an already acknowledged error notification.
	SafeErrors []string
}

// Handlers returns the handler names for a notification.
func (c *Config) Handlers(isError bool) []string {
	if c == nil {
		return nil
	}
	if isError {
		return c.ErrorHandlers
	}
	return c.StandardHandlers
}

// Safe returns true if the error class is configured as safe.
func (c *Config) Safe(class string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.SafeErrors {
		if s == class {
			return true
		}
	}
	return false
}

// ErrorClass returns a short classification of err.
// Errors in the chain implementing ErrorClass() string take precedence.
// Otherwise the type name of err is used.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var classer interface{ ErrorClass() string }
	if errors.As(err, &classer) {
		return classer.ErrorClass()
	}
	// skip over fmt wrapping to the underlying error type
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	class := fmt.Sprintf("%T", err)
	class = strings.TrimPrefix(class, "*")
	if i := strings.LastIndex(class, "."); i >= 0 {
		class = class[i+1:]
	}
	return class
}

// Dispatcher persists notifications and dispatches them to the
// handlers configured for the task type.
type Dispatcher struct {
	store storage.NotificationStorage

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	configs       map[string]*Config
	defaultConfig *Config

	logger log.Logger
	ider   uuid.IDer
	now    func() time.Time
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithIDer sets the notification ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(d *Dispatcher) {
		d.ider = ider
	}
}

// WithClock sets the time source for notification creation times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithDefaultConfig sets the handler configuration for task types
// without their own configuration.
func WithDefaultConfig(cfg *Config) Option {
	return func(d *Dispatcher) {
		d.defaultConfig = cfg
	}
}

// WithConfig sets the handler configuration for taskType.
func WithConfig(taskType string, cfg *Config) Option {
	return func(d *Dispatcher) {
		d.configs[taskType] = cfg
	}
}

// New creates a new dispatcher storing notifications in store.
func New(store storage.NotificationStorage, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		handlers: make(map[string]Handler),
		configs:  make(map[string]*Config),
		logger:   log.NopLogger,
		ider:     uuid.NewUUID(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterHandler associates h with the dispatcher by name.
func (d *Dispatcher) RegisterHandler(name string, h Handler) error {
	if name == "" {
		return ErrEmptyHandlerName
	}
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	d.handlers[name] = h
	d.logger.Debug(logkeys.Message, "registered handler", logkeys.Handler, name)
	return nil
}

func (d *Dispatcher) handler(name string) Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[name]
}

// Config returns the handler configuration for taskType.
func (d *Dispatcher) Config(taskType string) *Config {
	if cfg, ok := d.configs[taskType]; ok {
		return cfg
	}
	return d.defaultConfig
}

// Notify creates a notification and dispatches it to the configured handlers.
func (d *Dispatcher) Notify(ctx context.Context, task *storage.Task, notes []string, isError bool) error {
	_, err := d.Create(ctx, task, notes, isError, true)
	return err
}

// Create persists a new notification for task.
// If dispatch is true the notification is sent to each handler
// configured for the task type. A handler failure creates a secondary
// error notification which is not dispatched.
func (d *Dispatcher) Create(ctx context.Context, task *storage.Task, notes []string, isError bool, dispatch bool) (*storage.Notification, error) {
	if task == nil {
		return nil, storage.ErrEmptyRecord
	}
	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TaskID, task.ID,
		logkeys.TaskType, task.TaskType,
	)
	n := &storage.Notification{
		ID:        d.ider.ID(),
		TaskID:    task.ID,
		Notes:     notes,
		Error:     isError,
		CreatedOn: d.now(),
	}
	if err := d.store.StoreNotification(ctx, n); err != nil {
		return n, fmt.Errorf("storing notification: %w", err)
	}
	logger = logger.With(logkeys.NotificationID, n.ID)
	logger.Debug(logkeys.Message, "created notification", "error", isError)
	if !dispatch {
		return n, nil
	}

	cfg := d.Config(task.TaskType)
	acked := n.Acknowledged
	for _, name := range cfg.Handlers(isError) {
		h := d.handler(name)
		if h == nil {
			logger.Info(
				logkeys.Message, "notification handler not registered",
				logkeys.Handler, name,
			)
			continue
		}
		if err := h.Notify(ctx, task, n); err != nil {
			class := ErrorClass(err)
			logger.Info(
				logkeys.Message, "notification handler",
				logkeys.Handler, name,
				logkeys.Error, err,
			)
			secondary := &storage.Notification{
				ID:     d.ider.ID(),
				TaskID: task.ID,
				Notes: []string{fmt.Sprintf(
					"Error: %s(%s) while sending notification %s with handler %s.",
					class, err, n.ID, name,
				)},
				Error:        true,
				Acknowledged: cfg.Safe(class),
				CreatedOn:    d.now(),
			}
			if err = d.store.StoreNotification(ctx, secondary); err != nil {
				return n, fmt.Errorf("storing handler error notification: %w", err)
			}
		}
	}
	if n.Acknowledged != acked {
		if err := d.store.StoreNotification(ctx, n); err != nil {
			return n, fmt.Errorf("storing acknowledged notification: %w", err)
		}
	}
	return n, nil
}

// Acknowledge marks the notification as acknowledged.
func (d *Dispatcher) Acknowledge(ctx context.Context, id string) (*storage.Notification, error) {
	n, err := d.store.RetrieveNotification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("retrieving notification: %w", err)
	}
	if n.Acknowledged {
		return n, nil
	}
	n.Acknowledged = true
	if err = d.store.StoreNotification(ctx, n); err != nil {
		return n, fmt.Errorf("storing notification: %w", err)
	}
	return n, nil
}

// Notifications returns the notifications selected by filter.
func (d *Dispatcher) Notifications(ctx context.Context, filter *storage.NotificationFilter) ([]*storage.Notification, error) {
	return d.store.RetrieveNotifications(ctx, filter)
}
