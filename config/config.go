// Package config loads the nanotask configuration file.
// TOML and YAML files are supported and chosen by file extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/micromdm/nanotask/action/quota"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("unknown config format")

// FormatFromPath returns the format for the extension of path.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Duration is a time.Duration read from strings like "24h".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the configuration file.
type Config struct {
	Identity Identity           `toml:"identity" yaml:"identity"`
	Defaults Defaults           `toml:"defaults" yaml:"defaults"`
	SMTP     *SMTP              `toml:"smtp" yaml:"smtp"`
	Handlers map[string]Handler `toml:"handlers" yaml:"handlers"`
	Tasks    map[string]Task    `toml:"tasks" yaml:"tasks"`
	Actions  Actions            `toml:"actions" yaml:"actions"`
}

type Identity struct {
	// UsernameIsEmail uses the email as username. Username fields are
	// then not required and not part of task hash keys.
	UsernameIsEmail bool `toml:"username_is_email" yaml:"username_is_email"`
}

// Defaults apply to task types that do not set their own.
type Defaults struct {
	TokenExpiry      Duration `toml:"token_expiry" yaml:"token_expiry"`
	DuplicatePolicy  string   `toml:"duplicate_policy" yaml:"duplicate_policy"`
	StandardHandlers []string `toml:"standard_handlers" yaml:"standard_handlers"`
	ErrorHandlers    []string `toml:"error_handlers" yaml:"error_handlers"`
	SafeErrors       []string `toml:"safe_errors" yaml:"safe_errors"`
}

// SMTP configures outgoing email for email handlers and stage emails.
type SMTP struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
	From     string `toml:"from" yaml:"from"`

	// TokenURL is the base URL tokens are appended to in stage emails.
	TokenURL string `toml:"token_url" yaml:"token_url"`
}

// Handler types.
const (
	HandlerLog     = "log"
	HandlerEmail   = "email"
	HandlerWebhook = "webhook"
)

// Handler configures a named notification handler.
type Handler struct {
	Type string `toml:"type" yaml:"type"`

	// URL is used by webhook handlers.
	URL string `toml:"url" yaml:"url"`

	// To, Subject and Body are used by email handlers.
	To      []string `toml:"to" yaml:"to"`
	Subject string   `toml:"subject" yaml:"subject"`
	Body    string   `toml:"body" yaml:"body"`

	Acknowledge bool `toml:"acknowledge" yaml:"acknowledge"`
}

// Task configures a task type. For built-in task types only the set
// fields override the built-in values.
type Task struct {
	Actions                      []string         `toml:"actions" yaml:"actions"`
	Aliases                      []string         `toml:"aliases" yaml:"aliases"`
	DuplicatePolicy              string           `toml:"duplicate_policy" yaml:"duplicate_policy"`
	TokenExpiry                  Duration         `toml:"token_expiry" yaml:"token_expiry"`
	AllowAutoApprove             *bool            `toml:"allow_auto_approve" yaml:"allow_auto_approve"`
	SuppressApprovalNotification bool             `toml:"suppress_approval_notification" yaml:"suppress_approval_notification"`
	StandardHandlers             []string         `toml:"standard_handlers" yaml:"standard_handlers"`
	ErrorHandlers                []string         `toml:"error_handlers" yaml:"error_handlers"`
	SafeErrors                   []string         `toml:"safe_errors" yaml:"safe_errors"`
	Emails                       map[string]Email `toml:"emails" yaml:"emails"`
}

// Email configures a stage email. The map key of Task.Emails is the
// stage: initial, token or completed.
type Email struct {
	Subject string `toml:"subject" yaml:"subject"`
	Body    string `toml:"body" yaml:"body"`
	To      string `toml:"to" yaml:"to"`
}

// Actions configures the built-in actions.
type Actions struct {
	NewUser       NewUser       `toml:"new_user" yaml:"new_user"`
	NewProject    NewProject    `toml:"new_project" yaml:"new_project"`
	Quota         Quota         `toml:"quota" yaml:"quota"`
	ResetPassword ResetPassword `toml:"reset_password" yaml:"reset_password"`
}

type NewUser struct {
	AllowedRoles []string `toml:"allowed_roles" yaml:"allowed_roles"`
}

type NewProject struct {
	DefaultRoles []string `toml:"default_roles" yaml:"default_roles"`
}

type Quota struct {
	Sizes       quota.Sizes `toml:"sizes" yaml:"sizes"`
	DefaultSize string      `toml:"default_size" yaml:"default_size"`
}

type ResetPassword struct {
	ProtectedRoles []string `toml:"protected_roles" yaml:"protected_roles"`
}

// Parse decodes b in format.
func Parse(b []byte, format Format) (*Config, error) {
	c := new(Config)
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(c)
		if err != nil {
			return nil, fmt.Errorf("decoding toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown toml keys: %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		// an empty document is an empty config
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	return c, nil
}

// Load reads and decodes the file at path.
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
