// Package watcher turns alert notifications into policy violations and
// resolutions, and registers policies with the measurement backend.
package watcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/enforcer"
	"github.com/icos-project/polman/pkg/gateway"
	"github.com/icos-project/polman/pkg/keylock"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/stores"
	"github.com/icos-project/polman/pkg/telemetry"
	"github.com/icos-project/polman/pkg/violation"
)

const (
	// DefaultBackendName is the key of the measurement backend entry in the
	// policy status.
	DefaultBackendName = "prom-1"

	// DebugBackendName is reported as measurement backend by forced
	// violations.
	DebugBackendName = "debug-api"

	labelAlertName = "alertname"
)

// RuleClient is the part of the rule API the watcher needs.
type RuleClient interface {
	URL() string
	AddRule(ctx context.Context, req gateway.AddRuleRequest) (string, error)
	DeleteRule(ctx context.Context, file string) error
}

// Option is a functional option for configuring a Watcher.
type Option func(*Watcher)

// WithTelemetry records alerts, violations and backend calls.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(w *Watcher) {
		w.tel = tel
	}
}

// WithBackendName overrides DefaultBackendName.
func WithBackendName(name string) Option {
	return func(w *Watcher) {
		w.backendName = name
	}
}

// WithLocks shares per-policy locks with other components mutating the
// same store. Without it the watcher uses its own.
func WithLocks(locks *keylock.KeyLock) Option {
	return func(w *Watcher) {
		w.locks = locks
	}
}

// Watcher drives the violated and resolved transitions.
type Watcher struct {
	store       stores.Store
	rules       RuleClient
	executor    enforcer.Executor
	builder     *violation.Builder
	locks       *keylock.KeyLock
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
	backendName string
}

// New creates a Watcher.
func New(store stores.Store, rules RuleClient, executor enforcer.Executor, logger zerolog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		store:       store,
		rules:       rules,
		executor:    executor,
		builder:     violation.NewBuilder(logger),
		logger:      logger.With().Str("component", "watcher").Logger(),
		backendName: DefaultBackendName,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.locks == nil {
		w.locks = keylock.New()
	}
	if w.tel == nil {
		w.tel = telemetry.Nop()
	}
	return w
}

// BackendName is the measurement backend entry managed by the watcher.
func (w *Watcher) BackendName() string {
	return w.backendName
}

// ProcessWebhook processes every alert of a notification. Alerts are
// independent: a failing alert is logged and does not stop the others.
func (w *Watcher) ProcessWebhook(ctx context.Context, wh *Webhook) {
	w.logger.Debug().
		Str("group_key", wh.GroupKey).
		Str("status", wh.Status).
		Int("alerts", len(wh.Alerts)).
		Msg("Processing alert manager notification")

	for _, alert := range wh.Alerts {
		if err := w.ProcessAlert(ctx, alert); err != nil {
			w.logger.Error().Err(err).Str("fingerprint", alert.Fingerprint).Msg("Failed to process alert")
		}
	}
}

// ProcessAlert applies one alert to the policy named by its plm_id
// annotation. Alerts for unknown policies and unknown statuses are logged
// and ignored.
func (w *Watcher) ProcessAlert(ctx context.Context, alert Alert) error {
	w.tel.Metrics.RecordAlert(alert.Status)

	id, ok := alert.Annotations[gateway.AnnotationPolicyID]
	if !ok || id == "" {
		w.logger.Error().Str("fingerprint", alert.Fingerprint).Msg("Alert has no plm_id annotation, not an alert for a policy")
		return nil
	}
	logger := w.logger.With().Str("policy_id", id).Str("status", alert.Status).Logger()

	switch alert.Status {
	case StatusFiring:
		raw := strings.TrimSpace(alert.Annotations[gateway.AnnotationExprValue])
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.NewValidationError(fmt.Sprintf("invalid %s annotation %q", gateway.AnnotationExprValue, raw), err).WithPolicy(id)
		}
		labels := make(map[string]string, len(alert.Labels))
		for k, v := range alert.Labels {
			switch k {
			case labelAlertName, gateway.AnnotationPolicyID, gateway.AnnotationBackend:
				continue
			}
			labels[k] = v
		}
		return w.violate(ctx, id, alert.Annotations[gateway.AnnotationBackend], value, labels, false)

	case StatusResolved:
		return w.resolve(ctx, id, false)

	default:
		logger.Warn().Msg("Ignoring alert with unknown status")
		return nil
	}
}

// Violate forces a violation of policy id with the given measured value.
// The subject labels of the policy are added to labels unless labels
// already carry them.
func (w *Watcher) Violate(ctx context.Context, id string, value float64, labels map[string]string) error {
	return w.violate(ctx, id, DebugBackendName, value, labels, true)
}

// Resolve forces the resolution of a violated policy.
func (w *Watcher) Resolve(ctx context.Context, id string) error {
	return w.resolve(ctx, id, true)
}

func (w *Watcher) violate(ctx context.Context, id, backend string, value float64, labels map[string]string, forced bool) error {
	p, v, err := w.markViolated(ctx, id, backend, value, labels, forced)
	if err != nil || v == nil {
		return err
	}

	// The policy lock is released while the action is delivered.
	if err := w.executor.Execute(ctx, p, v); err != nil {
		w.logger.Error().Err(err).Str("policy_id", id).Msg("Failed to execute violation action")
	}
	return nil
}

func (w *Watcher) markViolated(ctx context.Context, id, backend string, value float64, labels map[string]string, forced bool) (*model.Policy, *model.Violation, error) {
	unlock := w.locks.Lock(id)
	defer unlock()

	ctx, span := w.tel.Tracer.StartPolicySpan(ctx, "violate", id)
	defer span.End()

	p, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, nil, w.missing(id, err, forced)
	}
	if !p.Status.Phase.IsActive() {
		if forced {
			return nil, nil, model.NewInvalidTransitionError(id, p.Status.Phase, "violate")
		}
		w.logger.Warn().Str("policy_id", id).Str("phase", string(p.Status.Phase)).Msg("Ignoring firing alert for a policy that is not active")
		return nil, nil, nil
	}

	if forced {
		merged := model.SubjectLabels(p.Subject)
		for k, v := range labels {
			merged[k] = v
		}
		labels = merged
	}

	v, buildErr := w.builder.Build(backend, value, labels, p)

	if err := w.store.SetPhase(ctx, id, model.PhaseViolated); err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	w.tel.Metrics.ObservePolicy(p.ID, p.Name, model.SubjectLabels(p.Subject), string(model.PhaseViolated))

	if buildErr != nil {
		w.logger.Warn().Err(buildErr).Str("policy_id", id).Msg("Failed to build violation, recording rendering error")
		telemetry.RecordError(span, buildErr)
		return nil, nil, w.record(ctx, p, model.NewRenderingErrorEvent(p.Spec, buildErr))
	}

	if err := w.record(ctx, p, model.NewViolatedEvent(v)); err != nil {
		return nil, nil, err
	}
	threshold := ""
	if v.Threshold != nil {
		threshold = *v.Threshold
	}
	w.tel.Metrics.RecordViolation(threshold)
	span.SetAttributes(telemetry.AttrViolationID.String(v.ID), telemetry.AttrThreshold.String(threshold))

	w.logger.Info().
		Str("policy_id", id).
		Str("violation_id", v.ID).
		Str("value", v.CurrentValue).
		Str("threshold", threshold).
		Msg("Policy violated")

	p.Status.Phase = model.PhaseViolated

	if p.Properties.OneOff() {
		w.retire(ctx, p)
	}
	return p, v, nil
}

// retire deactivates a one-off policy after its first violation. The
// violation stands when the rule cannot be removed; the policy then stays
// violated. The caller holds the lock of p.
func (w *Watcher) retire(ctx context.Context, p *model.Policy) {
	if err := w.UnsetMeasurementBackends(ctx, p); err != nil {
		w.logger.Error().Err(err).Str("policy_id", p.ID).Msg("Failed to deactivate one-off policy")
		return
	}
	if err := w.store.SetPhase(ctx, p.ID, model.PhaseInactive); err != nil {
		w.logger.Error().Err(err).Str("policy_id", p.ID).Msg("Failed to deactivate one-off policy")
		return
	}
	p.Status.Phase = model.PhaseInactive
	w.tel.Metrics.RemovePolicy(p.ID)
	if err := w.record(ctx, p, model.NewDeactivatedEvent()); err != nil {
		w.logger.Error().Err(err).Str("policy_id", p.ID).Msg("Failed to record deactivation")
	}
	w.logger.Info().Str("policy_id", p.ID).Msg("One-off policy deactivated after violation")
}

func (w *Watcher) resolve(ctx context.Context, id string, forced bool) error {
	unlock := w.locks.Lock(id)
	defer unlock()

	ctx, span := w.tel.Tracer.StartPolicySpan(ctx, "resolve", id)
	defer span.End()

	p, err := w.store.Get(ctx, id)
	if err != nil {
		return w.missing(id, err, forced)
	}
	if p.Status.Phase != model.PhaseViolated {
		if forced {
			return model.NewInvalidTransitionError(id, p.Status.Phase, "resolve")
		}
		w.logger.Debug().Str("policy_id", id).Str("phase", string(p.Status.Phase)).Msg("Ignoring resolved alert for a policy that is not violated")
		return nil
	}

	if err := w.store.SetPhase(ctx, id, model.PhaseEnforced); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	w.tel.Metrics.ObservePolicy(p.ID, p.Name, model.SubjectLabels(p.Subject), string(model.PhaseEnforced))

	if err := w.record(ctx, p, model.NewResolvedEvent()); err != nil {
		return err
	}
	w.tel.Metrics.RecordResolution()
	w.logger.Info().Str("policy_id", id).Msg("Policy violation resolved")
	return nil
}

// missing handles a failed lookup. Alerts for deleted policies are
// expected and only logged; forced calls report them.
func (w *Watcher) missing(id string, err error, forced bool) error {
	if model.IsNotFound(err) && !forced {
		w.logger.Error().Str("policy_id", id).Msg("No policy found for alert")
		return nil
	}
	return err
}

// record appends an event to the policy log and publishes it.
func (w *Watcher) record(ctx context.Context, p *model.Policy, e model.Event) error {
	if err := w.store.AddEvent(ctx, p.ID, e); err != nil {
		return fmt.Errorf("failed to add %s event: %w", e.Type, err)
	}
	if err := w.tel.Events.PublishPolicyEvent("watcher", p.ID, p.Name, string(e.Type), e.Details); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to publish policy event")
	}
	return nil
}
