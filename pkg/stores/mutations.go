package stores

import (
	"github.com/icos-project/polman/pkg/model"
)

// mutation changes one policy in place. Document stores apply it inside
// their own read-modify-write transaction.
type mutation func(p *model.Policy)

func addEvent(e model.Event) mutation {
	return func(p *model.Policy) {
		p.Status.Events = append(p.Status.Events, e.Clone())
	}
}

func setPhase(phase model.Phase) mutation {
	return func(p *model.Policy) {
		p.Status.Phase = phase
	}
}

func setRenderedSpec(spec model.Spec) mutation {
	var c model.Spec
	if spec != nil {
		c = spec.CloneSpec()
	}
	return func(p *model.Policy) {
		p.Status.RenderedSpec = c
	}
}

func setVariable(name string, value interface{}) mutation {
	return func(p *model.Policy) {
		if value == nil {
			delete(p.Variables, name)
			return
		}
		if p.Variables == nil {
			p.Variables = map[string]interface{}{}
		}
		p.Variables[name] = value
	}
}

func updateMeasurementBackend(name string, status map[string]interface{}) mutation {
	blob := make(map[string]interface{}, len(status))
	for k, v := range status {
		blob[k] = v
	}
	return func(p *model.Policy) {
		if p.Status.MeasurementBackends == nil {
			p.Status.MeasurementBackends = map[string]map[string]interface{}{}
		}
		p.Status.MeasurementBackends[name] = blob
	}
}

func deleteMeasurementBackend(name string) mutation {
	return func(p *model.Policy) {
		delete(p.Status.MeasurementBackends, name)
	}
}
