package watcher

import (
	"context"
	"fmt"

	"github.com/icos-project/polman/pkg/gateway"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/telemetry"
)

// Keys of the measurement backend status blob.
const (
	BackendKeyService  = "service"
	BackendKeyURL      = "url"
	BackendKeyRuleFile = "rule_file"

	backendService = "prometheus"
	defaultFor     = "0"
)

// SetMeasurementBackends registers the rendered expression of p as an
// alerting rule and records the rule file in the policy status. Only
// telemetry specs can be watched. A rule left over from an earlier
// registration is removed first.
//
// The caller holds the lock of p.
func (w *Watcher) SetMeasurementBackends(ctx context.Context, p *model.Policy) error {
	spec, ok := p.Status.RenderedSpec.(*model.TelemetrySpec)
	if !ok {
		var t model.SpecType
		if p.Status.RenderedSpec != nil {
			t = p.Status.RenderedSpec.Type()
		}
		return model.NewCannotBeWatchedError(p.ID, t)
	}

	if old, ok := p.Status.MeasurementBackends[w.backendName]; ok {
		if file, _ := old[BackendKeyRuleFile].(string); file != "" {
			if err := w.deleteRule(ctx, file); err != nil {
				return err
			}
		}
	}

	forParam := p.Properties.PendingInterval()
	if forParam == "" {
		forParam = defaultFor
	}

	timer := telemetry.NewTimer()
	file, err := w.rules.AddRule(ctx, gateway.AddRuleRequest{
		PolicyName: p.Name,
		PolicyID:   p.ID,
		Expr:       spec.Expr,
		For:        forParam,
		Interval:   p.Properties.Interval(),
		Annotations: map[string]string{
			gateway.AnnotationBackend: w.backendName,
		},
	})
	w.tel.Metrics.RecordBackendCall("add_rule", timer.Duration(), err)
	if err != nil {
		return err
	}

	status := map[string]interface{}{
		BackendKeyService:  backendService,
		BackendKeyURL:      w.rules.URL(),
		BackendKeyRuleFile: file,
	}
	if err := w.store.UpdateMeasurementBackend(ctx, p.ID, w.backendName, status); err != nil {
		if derr := w.deleteRule(ctx, file); derr != nil {
			w.logger.Error().Err(derr).Str("policy_id", p.ID).Str("rule_file", file).Msg("Failed to remove orphan rule")
		}
		return fmt.Errorf("failed to record measurement backend: %w", err)
	}

	if p.Status.MeasurementBackends == nil {
		p.Status.MeasurementBackends = map[string]map[string]interface{}{}
	}
	p.Status.MeasurementBackends[w.backendName] = status

	w.logger.Debug().Str("policy_id", p.ID).Str("rule_file", file).Msg("Measurement backend set")
	return nil
}

// UnsetMeasurementBackends removes the alerting rule of p and clears the
// backend entry. Rules registered against a different rule API URL are
// left alone and reported with a URL mismatch error.
//
// The caller holds the lock of p.
func (w *Watcher) UnsetMeasurementBackends(ctx context.Context, p *model.Policy) error {
	status, ok := p.Status.MeasurementBackends[w.backendName]
	if !ok {
		w.logger.Warn().Str("policy_id", p.ID).Msg("Measurement backend not active")
		return nil
	}

	registered, _ := status[BackendKeyURL].(string)
	if registered != w.rules.URL() {
		return model.NewURLMismatchError(p.ID, registered, w.rules.URL())
	}

	if file, _ := status[BackendKeyRuleFile].(string); file != "" {
		if err := w.deleteRule(ctx, file); err != nil {
			return err
		}
	}

	if err := w.store.DeleteMeasurementBackend(ctx, p.ID, w.backendName); err != nil {
		return fmt.Errorf("failed to clear measurement backend: %w", err)
	}
	delete(p.Status.MeasurementBackends, w.backendName)

	w.logger.Debug().Str("policy_id", p.ID).Msg("Measurement backend unset")
	return nil
}

func (w *Watcher) deleteRule(ctx context.Context, file string) error {
	timer := telemetry.NewTimer()
	err := w.rules.DeleteRule(ctx, file)
	w.tel.Metrics.RecordBackendCall("delete_rule", timer.Duration(), err)
	return err
}
