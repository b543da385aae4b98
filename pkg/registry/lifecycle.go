package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/telemetry"
)

func newUUID() string {
	return uuid.New().String()
}

// CreatePolicy stores a new policy, renders its spec and, when activate is
// set, activates it. A rendering failure is recorded on the policy, which
// is kept inactive, and returned. The reloaded policy is returned on
// success.
func (r *Registry) CreatePolicy(ctx context.Context, req *model.PolicyCreate, activate bool) (p *model.Policy, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if r.admission != nil {
		if err := r.admission.Admit(ctx, req); err != nil {
			return nil, err
		}
	}

	id := r.newID()
	op := r.tel.StartOperation(ctx, "create", id, telemetry.AttrPolicyName.String(req.Name))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	unlock := r.locks.Lock(id)
	defer unlock()

	p = model.NewPolicy(id, req)
	if err := r.store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}
	if err := r.record(ctx, p, model.NewCreatedEvent()); err != nil {
		return nil, err
	}
	if err := r.store.SetPhase(ctx, id, model.PhaseInactive); err != nil {
		return nil, err
	}
	p.Status.Phase = model.PhaseInactive

	r.logger.Info().Str("policy_id", id).Str("name", p.Name).Msg("Policy created")

	if err := r.render(ctx, p); err != nil {
		return nil, err
	}

	if activate {
		r.logger.Debug().Str("policy_id", id).Msg("Activating created policy")
		if err := r.activate(ctx, p); err != nil {
			return nil, err
		}
	}

	return r.store.Get(ctx, id)
}

// DeletePolicy deactivates the policy if needed and removes it. The
// policy is kept when deactivation fails.
func (r *Registry) DeletePolicy(ctx context.Context, id string) (err error) {
	op := r.tel.StartOperation(ctx, "delete", id)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	unlock := r.locks.Lock(id)
	defer unlock()

	p, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if p.Status.Phase != model.PhaseInactive {
		if err := r.deactivate(ctx, p); err != nil {
			return fmt.Errorf("failed to deactivate policy before deletion: %w", err)
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.tel.Metrics.RemovePolicy(id)
	r.publish(p, model.NewDeletedEvent())

	r.logger.Info().Str("policy_id", id).Msg("Policy deleted")
	return nil
}

// Activate registers the measurement backend of an inactive or violated
// policy and moves it to enforced.
func (r *Registry) Activate(ctx context.Context, id string) (p *model.Policy, err error) {
	op := r.tel.StartOperation(ctx, "activate", id)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	unlock := r.locks.Lock(id)
	defer unlock()

	p, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Phase == model.PhaseEnforced {
		return nil, model.NewInvalidTransitionError(id, p.Status.Phase, "activate")
	}
	if err := r.activate(ctx, p); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, id)
}

// Deactivate unregisters the measurement backend of an active policy and
// moves it to inactive.
func (r *Registry) Deactivate(ctx context.Context, id string) (p *model.Policy, err error) {
	op := r.tel.StartOperation(ctx, "deactivate", id)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	unlock := r.locks.Lock(id)
	defer unlock()

	p, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Phase == model.PhaseInactive {
		return nil, model.NewInvalidTransitionError(id, p.Status.Phase, "deactivate")
	}
	if err := r.deactivate(ctx, p); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, id)
}

// SetVariable sets a policy variable, or removes it when value is nil.
//
// The change is rendered on a copy first and rejected with a rendering test
// error, before anything is modified, when it would break the spec. An
// active policy is deactivated, updated, rendered again and reactivated. If
// any of these steps fails the policy is left inactive.
func (r *Registry) SetVariable(ctx context.Context, id, name string, value interface{}) (p *model.Policy, err error) {
	op := r.tel.StartOperation(ctx, "set_variable", id)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	if value != nil && !model.IsVariableValue(value) {
		return nil, model.NewValidationError(fmt.Sprintf("variable %q must be a string or a number", name), nil).WithPolicy(id)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	p, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous, set := p.Variables[name]
	if value == nil && !set {
		return nil, model.NewVariableNotFoundError(id, name)
	}

	if err := r.renderer.TestRender(p, name, value); err != nil {
		return nil, err
	}

	reactivate := p.Status.Phase.IsActive()
	if reactivate {
		if err := r.deactivate(ctx, p); err != nil {
			return nil, err
		}
	}

	if err := r.store.SetVariable(ctx, id, name, value); err != nil {
		return nil, fmt.Errorf("failed to set variable: %w", err)
	}
	if p.Variables == nil {
		p.Variables = map[string]interface{}{}
	}
	if value == nil {
		delete(p.Variables, name)
	} else {
		p.Variables[name] = value
	}
	if err := r.record(ctx, p, model.NewVariableSetEvent(name, previous, value)); err != nil {
		return nil, err
	}
	r.logger.Info().Str("policy_id", id).Str("variable", name).Interface("value", value).Msg("Policy variable set")

	if err := r.render(ctx, p); err != nil {
		return nil, err
	}

	if reactivate {
		if err := r.activate(ctx, p); err != nil {
			return nil, err
		}
	}

	return r.store.Get(ctx, id)
}

// render renders p and stores the result. A failure is recorded as a
// rendering error event and returned. The caller holds the lock of p.
func (r *Registry) render(ctx context.Context, p *model.Policy) error {
	rendered, err := r.renderer.Render(p)
	if err != nil {
		r.logger.Warn().Err(err).Str("policy_id", p.ID).Msg("Failed to render policy spec")
		if rerr := r.record(ctx, p, model.NewRenderingErrorEvent(p.Spec, err)); rerr != nil {
			r.logger.Error().Err(rerr).Str("policy_id", p.ID).Msg("Failed to record rendering error")
		}
		return err
	}

	if err := r.store.SetRenderedSpec(ctx, p.ID, rendered); err != nil {
		return fmt.Errorf("failed to store rendered spec: %w", err)
	}
	p.Status.RenderedSpec = rendered
	if err := r.record(ctx, p, model.NewRenderedEvent(rendered)); err != nil {
		return err
	}
	r.logger.Debug().Str("policy_id", p.ID).Msg("Policy rendered")
	return nil
}

// activate registers the measurement backend and sets the phase to
// enforced. Nothing is persisted when registration fails. The caller holds
// the lock of p.
func (r *Registry) activate(ctx context.Context, p *model.Policy) error {
	if p.Status.RenderedSpec == nil {
		return model.NewRenderingError("policy has no rendered spec", nil).WithPolicy(p.ID)
	}

	if err := r.backends.SetMeasurementBackends(ctx, p); err != nil {
		return err
	}
	if err := r.store.SetPhase(ctx, p.ID, model.PhaseEnforced); err != nil {
		return err
	}
	p.Status.Phase = model.PhaseEnforced
	if err := r.record(ctx, p, model.NewActivatedEvent()); err != nil {
		return err
	}
	r.tel.Metrics.ObservePolicy(p.ID, p.Name, model.SubjectLabels(p.Subject), string(model.PhaseEnforced))

	r.logger.Info().Str("policy_id", p.ID).Msg("Policy activated")
	return nil
}

// deactivate unregisters the measurement backend and sets the phase to
// inactive. The caller holds the lock of p.
func (r *Registry) deactivate(ctx context.Context, p *model.Policy) error {
	if err := r.backends.UnsetMeasurementBackends(ctx, p); err != nil {
		return err
	}
	if err := r.store.SetPhase(ctx, p.ID, model.PhaseInactive); err != nil {
		return err
	}
	p.Status.Phase = model.PhaseInactive
	if err := r.record(ctx, p, model.NewDeactivatedEvent()); err != nil {
		return err
	}
	r.tel.Metrics.RemovePolicy(p.ID)

	r.logger.Info().Str("policy_id", p.ID).Msg("Policy deactivated")
	return nil
}
