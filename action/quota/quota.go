// Package quota implements actions setting project quotas from named sizes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/action/newproject"
	"github.com/micromdm/nanotask/provider"
)

// Size is a named set of quota limits.
type Size struct {
	Name   string         `json:"name" toml:"name" yaml:"name"`
	Limits map[string]int `json:"limits" toml:"limits" yaml:"limits"`
}

// Sizes are ordered from smallest to largest.
type Sizes []Size

// DefaultSizes are used when none are configured.
var DefaultSizes = Sizes{
	{Name: "small", Limits: map[string]int{"instances": 10, "cores": 20, "ram": 65536, "volumes": 10, "gigabytes": 500}},
	{Name: "medium", Limits: map[string]int{"instances": 100, "cores": 100, "ram": 327680, "volumes": 100, "gigabytes": 5000}},
	{Name: "large", Limits: map[string]int{"instances": 200, "cores": 200, "ram": 655360, "volumes": 200, "gigabytes": 10000}},
}

// Index returns the position of the named size or -1.
func (s Sizes) Index(name string) int {
	for i, size := range s {
		if size.Name == name {
			return i
		}
	}
	return -1
}

// Match returns the position of the first size whose limits all equal
// the limits in current or -1.
func (s Sizes) Match(current map[string]int) int {
	for i, size := range s {
		match := true
		for k, v := range size.Limits {
			if current[k] != v {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Names returns the size names.
func (s Sizes) Names() []string {
	r := make([]string, len(s))
	for i, size := range s {
		r[i] = size.Name
	}
	return r
}

const (
	SetProjectQuotaName     = "SetProjectQuotaAction"
	UpdateProjectQuotasName = "UpdateProjectQuotasAction"
)

const (
	FieldProjectID = "project_id"
	FieldSize      = "size"
)

const (
	cacheQuotaSet     = "quota_set"
	cacheQuotaUpdated = "quota_updated"
)

// SetProjectQuotaAction sets the default size quota on a project
// created earlier in the same task.
type SetProjectQuotaAction struct {
	quota       provider.Quota
	sizes       Sizes
	defaultSize string
}

// Option configures the quota actions.
type Option func(*options)

type options struct {
	sizes       Sizes
	defaultSize string
}

// WithSizes sets the available sizes.
func WithSizes(sizes Sizes) Option {
	return func(o *options) {
		o.sizes = sizes
	}
}

// WithDefaultSize sets the size used for new projects.
func WithDefaultSize(name string) Option {
	return func(o *options) {
		o.defaultSize = name
	}
}

func newOptions(opts []Option) *options {
	o := &options{sizes: DefaultSizes}
	for _, opt := range opts {
		opt(o)
	}
	if o.defaultSize == "" && len(o.sizes) > 0 {
		o.defaultSize = o.sizes[0].Name
	}
	return o
}

// NewSetProjectQuota creates a new action using quota.
func NewSetProjectQuota(quota provider.Quota, opts ...Option) *SetProjectQuotaAction {
	o := newOptions(opts)
	return &SetProjectQuotaAction{quota: quota, sizes: o.sizes, defaultSize: o.defaultSize}
}

func (a *SetProjectQuotaAction) Name() string {
	return SetProjectQuotaName
}

func (a *SetProjectQuotaAction) Required() []string {
	return nil
}

func (a *SetProjectQuotaAction) Prepare(_ context.Context, step *action.Step) error {
	step.Valid = a.sizes.Index(a.defaultSize) >= 0
	if !step.Valid {
		step.AddNote("Default quota size '%s' is not configured.", a.defaultSize)
	}
	return nil
}

func (a *SetProjectQuotaAction) Approve(ctx context.Context, step *action.Step) error {
	if step.HasCache(cacheQuotaSet) {
		return nil
	}
	projectID := step.Shared.String(newproject.SharedProjectID)
	if projectID == "" {
		step.Valid = false
		step.AddNote("No project available to set a quota on.")
		return nil
	}
	size := a.sizes[a.sizes.Index(a.defaultSize)]
	if err := a.quota.SetProjectQuota(ctx, projectID, size.Limits); err != nil {
		return fmt.Errorf("setting project quota: %w", err)
	}
	if err := step.SetCache(ctx, cacheQuotaSet, projectID); err != nil {
		return err
	}
	step.AddNote("Project quota set to '%s'.", size.Name)
	return nil
}

func (a *SetProjectQuotaAction) Submit(context.Context, *action.Step) error {
	return nil
}

// UpdateProjectQuotasAction changes a project quota to a named size.
// Changing to an adjacent size is auto-approved.
type UpdateProjectQuotasAction struct {
	quota    provider.Quota
	identity provider.Identity
	sizes    Sizes
}

// NewUpdateProjectQuotas creates a new action.
func NewUpdateProjectQuotas(identity provider.Identity, quota provider.Quota, opts ...Option) *UpdateProjectQuotasAction {
	return &UpdateProjectQuotasAction{
		quota:    quota,
		identity: identity,
		sizes:    newOptions(opts).sizes,
	}
}

func (a *UpdateProjectQuotasAction) Name() string {
	return UpdateProjectQuotasName
}

func (a *UpdateProjectQuotasAction) Required() []string {
	return []string{FieldProjectID, FieldSize}
}

// ValidateFields implements action.FieldValidator.
func (a *UpdateProjectQuotasAction) ValidateFields(data action.Data) action.FieldErrors {
	errs := make(action.FieldErrors)
	if a.sizes.Index(data.String(FieldSize)) < 0 {
		names := a.sizes.Names()
		sort.Strings(names)
		errs.Add(FieldSize, fmt.Sprintf("Size must be one of %v.", names))
	}
	return errs
}

func (a *UpdateProjectQuotasAction) Prepare(ctx context.Context, step *action.Step) error {
	step.Valid = false
	projectID := step.Data.String(FieldProjectID)
	if _, err := a.identity.FindProject(ctx, projectID); errors.Is(err, provider.ErrNotFound) {
		step.AddNote("Project does not exist: %s.", projectID)
		return nil
	} else if err != nil {
		return fmt.Errorf("finding project: %w", err)
	}
	want := a.sizes.Index(step.Data.String(FieldSize))
	if want < 0 {
		step.AddNote("Unknown quota size '%s'.", step.Data.String(FieldSize))
		return nil
	}
	current, err := a.quota.ProjectQuota(ctx, projectID)
	if err != nil {
		return fmt.Errorf("getting project quota: %w", err)
	}
	step.Valid = true
	have := a.sizes.Match(current)
	switch {
	case have == want:
		step.AddNote("Project already has quota size '%s'.", a.sizes[want].Name)
		step.AutoApprove = action.Approved
	case have >= 0 && (have-want == 1 || want-have == 1):
		step.AddNote("Quota change from '%s' to '%s' is allowed without approval.", a.sizes[have].Name, a.sizes[want].Name)
		step.AutoApprove = action.Approved
	default:
		step.AddNote("Quota change to '%s' needs approval.", a.sizes[want].Name)
		step.AutoApprove = action.Undecided
	}
	return nil
}

func (a *UpdateProjectQuotasAction) Approve(ctx context.Context, step *action.Step) error {
	if step.HasCache(cacheQuotaUpdated) {
		return nil
	}
	i := a.sizes.Index(step.Data.String(FieldSize))
	if i < 0 {
		return fmt.Errorf("unknown quota size: %s", step.Data.String(FieldSize))
	}
	size := a.sizes[i]
	projectID := step.Data.String(FieldProjectID)
	if err := a.quota.SetProjectQuota(ctx, projectID, size.Limits); err != nil {
		return fmt.Errorf("setting project quota: %w", err)
	}
	if err := step.SetCache(ctx, cacheQuotaUpdated, size.Name); err != nil {
		return err
	}
	step.AddNote("Project %s quota updated to '%s'.", projectID, size.Name)
	return nil
}

func (a *UpdateProjectQuotasAction) Submit(context.Context, *action.Step) error {
	return nil
}
