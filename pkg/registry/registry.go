// Package registry is the policy lifecycle engine. It creates, renders,
// activates, deactivates and deletes policies and owns the legality of
// phase transitions. Alert driven transitions (violate and resolve) belong
// to the watcher; both share the same per-policy locks.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/keylock"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/render"
	"github.com/icos-project/polman/pkg/stores"
	"github.com/icos-project/polman/pkg/telemetry"
)

// Sort keys and orders accepted by FindPolicies.
const (
	SortByCreationTime = "creation_time"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// MeasurementBackends registers and unregisters the alerting rule of a
// policy. The caller holds the policy lock.
type MeasurementBackends interface {
	SetMeasurementBackends(ctx context.Context, p *model.Policy) error
	UnsetMeasurementBackends(ctx context.Context, p *model.Policy) error
}

// Admitter decides whether a policy may be created.
type Admitter interface {
	Admit(ctx context.Context, req *model.PolicyCreate) error
}

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithTelemetry instruments lifecycle operations.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.tel = tel
	}
}

// WithLocks shares per-policy locks with the watcher.
func WithLocks(locks *keylock.KeyLock) Option {
	return func(r *Registry) {
		r.locks = locks
	}
}

// WithAdmission checks every creation request against admission rules.
func WithAdmission(a Admitter) Option {
	return func(r *Registry) {
		r.admission = a
	}
}

// WithIDGenerator replaces the uuid generator for policy ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// Registry is the lifecycle engine.
type Registry struct {
	store     stores.Store
	renderer  *render.Renderer
	backends  MeasurementBackends
	admission Admitter
	locks     *keylock.KeyLock
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	newID     func() string
}

// New creates a Registry.
func New(store stores.Store, renderer *render.Renderer, backends MeasurementBackends, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		renderer: renderer,
		backends: backends,
		logger:   logger.With().Str("component", "registry").Logger(),
		newID:    newUUID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks = keylock.New()
	}
	if r.tel == nil {
		r.tel = telemetry.Nop()
	}
	return r
}

// GetByID returns the policy or a not found error.
func (r *Registry) GetByID(ctx context.Context, id string) (*model.Policy, error) {
	return r.store.Get(ctx, id)
}

// FindPolicies lists the policies matching filters. The only sort key is
// the creation time, the timestamp of the first event. An empty sortBy
// keeps the store order.
func (r *Registry) FindPolicies(ctx context.Context, filters stores.Filters, sortBy, order string) ([]*model.Policy, error) {
	switch order {
	case "", OrderAsc, OrderDesc:
	default:
		return nil, model.NewValidationError(fmt.Sprintf("invalid order %q, expected asc or desc", order), nil)
	}
	if sortBy != "" && sortBy != SortByCreationTime {
		return nil, model.NewValidationError(fmt.Sprintf("invalid sort key %q", sortBy), nil)
	}

	policies, err := r.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}

	if sortBy == SortByCreationTime {
		desc := order == OrderDesc
		sort.SliceStable(policies, func(i, j int) bool {
			a, b := policies[i].CreationTime(), policies[j].CreationTime()
			if desc {
				return a.After(b)
			}
			return a.Before(b)
		})
	}
	return policies, nil
}

// Stats counts policies by phase.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Enforced int `json:"enforced"`
	Violated int `json:"violated"`
	Unknown  int `json:"unknown"`
}

// Stats returns the number of policies in each phase.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	policies, err := r.store.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	s := &Stats{Total: len(policies)}
	for _, p := range policies {
		switch p.Status.Phase {
		case model.PhaseEnforced:
			s.Enforced++
		case model.PhaseViolated:
			s.Violated++
		case model.PhaseInactive:
			s.Inactive++
		default:
			s.Unknown++
		}
	}
	s.Active = s.Enforced + s.Violated
	return s, nil
}

// SyncMetrics rebuilds the enforcement gauge and the phase counts from the
// store. It runs at startup and periodically while serving.
func (r *Registry) SyncMetrics(ctx context.Context) error {
	policies, err := r.store.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}

	counts := map[string]int{
		string(model.PhaseEnforced): 0,
		string(model.PhaseViolated): 0,
		string(model.PhaseInactive): 0,
		string(model.PhaseUnknown):  0,
	}
	for _, p := range policies {
		counts[string(p.Status.Phase)]++
		r.tel.Metrics.ObservePolicy(p.ID, p.Name, model.SubjectLabels(p.Subject), string(p.Status.Phase))
	}
	r.tel.Metrics.SetPhaseCounts(counts)
	return nil
}

// RunMetricsSync calls SyncMetrics every interval until ctx is done.
func (r *Registry) RunMetricsSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SyncMetrics(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to sync policy metrics")
			}
		}
	}
}

// record appends an event to the policy log and publishes it.
func (r *Registry) record(ctx context.Context, p *model.Policy, e model.Event) error {
	if err := r.store.AddEvent(ctx, p.ID, e); err != nil {
		return fmt.Errorf("failed to add %s event: %w", e.Type, err)
	}
	r.publish(p, e)
	return nil
}

func (r *Registry) publish(p *model.Policy, e model.Event) {
	if err := r.tel.Events.PublishPolicyEvent("registry", p.ID, p.Name, string(e.Type), e.Details); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to publish policy event")
	}
}
