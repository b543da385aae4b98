package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestDecodeSubject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType SubjectType
		wantErr  bool
	}{
		{
			name:     "app inferred from fields",
			input:    `{"appName":"test","appInstance":"111","appComponent":"c1"}`,
			wantType: SubjectTypeApp,
		},
		{
			name:     "host inferred from fields",
			input:    `{"hostId":"h1","agentId":"a1"}`,
			wantType: SubjectTypeHost,
		},
		{
			name:     "partial app falls back to custom",
			input:    `{"appName":"test","appComponent":"c1"}`,
			wantType: SubjectTypeCustom,
		},
		{
			name:     "explicit custom wins over app fields",
			input:    `{"type":"custom","appName":"test","appInstance":"111","appComponent":"c1"}`,
			wantType: SubjectTypeCustom,
		},
		{
			name:    "explicit app with missing fields",
			input:   `{"type":"app","appName":"test"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"type":"cluster"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := DecodeSubject([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got subject %v", s)
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Type() != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, s.Type())
			}
		})
	}
}

func TestSubjectMarshalRoundTrip(t *testing.T) {
	subjects := []Subject{
		AppSubject{AppName: "a", AppInstance: "i", AppComponent: "c"},
		HostSubject{HostID: "h", AgentID: "g"},
		CustomSubject{"zone": "eu"},
	}

	for _, s := range subjects {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %s: %v", s.Type(), err)
		}
		decoded, err := DecodeSubject(data)
		if err != nil {
			t.Fatalf("decode %s: %v", s.Type(), err)
		}
		if decoded.Type() != s.Type() {
			t.Errorf("expected %s, got %s (json %s)", s.Type(), decoded.Type(), data)
		}
		if fmt.Sprint(decoded.Fields()) != fmt.Sprint(s.Fields()) {
			t.Errorf("fields changed: %v != %v", decoded.Fields(), s.Fields())
		}
	}
}

func TestSubjectLabels(t *testing.T) {
	labels := SubjectLabels(HostSubject{HostID: "h1", AgentID: "a1"})
	if labels["icos_host_id"] != "h1" || labels["icos_agent_id"] != "a1" {
		t.Errorf("unexpected labels: %v", labels)
	}

	custom := SubjectLabels(CustomSubject{"appName": "x", "zone": "eu"})
	if custom["icos_app_name"] != "x" {
		t.Errorf("expected dictionary mapping for appName, got %v", custom)
	}
	if custom["zone"] != "eu" {
		t.Errorf("expected pass-through label for zone, got %v", custom)
	}
}

func TestDecodeSpec(t *testing.T) {
	tests := []struct {
		input    string
		wantType SpecType
	}{
		{`{"templateName":"cpu-usage-host"}`, SpecTypeTemplate},
		{`{"expr":"up == 0","violatedIf":"> 1"}`, SpecTypeTelemetry},
		{`{"constraints":{"cpu":"2"}}`, SpecTypeConstraints},
		{`{"type":"telemetryQuery","expr":"up"}`, SpecTypeTelemetry},
	}

	for _, tt := range tests {
		s, err := DecodeSpec([]byte(tt.input))
		if err != nil {
			t.Fatalf("decode %s: %v", tt.input, err)
		}
		if s.Type() != tt.wantType {
			t.Errorf("%s: expected %s, got %s", tt.input, tt.wantType, s.Type())
		}
	}

	if _, err := DecodeSpec([]byte(`{"description":"nothing"}`)); err == nil {
		t.Error("expected error for a spec without discriminating fields")
	}
}

func TestPolicyCreateUnmarshal(t *testing.T) {
	body := `{
		"name": "cpu",
		"subject": {"hostId": "h1", "agentId": "a1"},
		"spec": {"expr": "cpu > {{ max }}", "thresholds": {"warning": 0.5}},
		"action": {"url": "http://example.com/hook", "httpMethod": "post"},
		"variables": {"max": 0.8},
		"properties": {"pendingInterval": "1m"}
	}`

	var req PolicyCreate
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if req.Subject.Type() != SubjectTypeHost {
		t.Errorf("expected host subject, got %s", req.Subject.Type())
	}
	spec, ok := req.Spec.(*TelemetrySpec)
	if !ok {
		t.Fatalf("expected telemetry spec, got %T", req.Spec)
	}
	if spec.Thresholds["warning"] != 0.5 {
		t.Errorf("unexpected thresholds: %v", spec.Thresholds)
	}
	action := req.Action.(*WebhookAction)
	if action.HTTPMethod != "POST" {
		t.Errorf("expected normalized method POST, got %s", action.HTTPMethod)
	}
	if req.Properties.PendingInterval() != "1m" {
		t.Errorf("expected pendingInterval 1m, got %q", req.Properties.PendingInterval())
	}
}

func TestPolicyCreateValidate(t *testing.T) {
	req := PolicyCreate{
		Name:    "",
		Subject: HostSubject{HostID: "h", AgentID: "a"},
		Spec:    &TelemetrySpec{Expr: "up"},
		Action:  &WebhookAction{URL: "http://example.com", HTTPMethod: "POST"},
	}
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for empty name, got %v", err)
	}

	req.Name = "ok"
	req.Action = &WebhookAction{URL: "not a url", HTTPMethod: "POST"}
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for bad url, got %v", err)
	}

	req.Action = &WebhookAction{URL: "http://example.com", HTTPMethod: "POST"}
	req.Variables = map[string]interface{}{"bad": []interface{}{1}}
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for list variable, got %v", err)
	}
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	p := NewPolicy("p1", &PolicyCreate{
		Name:      "cpu",
		Subject:   AppSubject{AppName: "a", AppInstance: "i", AppComponent: "c"},
		Spec:      &TemplateSpec{TemplateName: "cpu-usage-host"},
		Action:    &WebhookAction{URL: "http://example.com", HTTPMethod: "GET"},
		Variables: map[string]interface{}{"maxCpuUsagePercent": 80.0},
	})
	p.Status.Phase = PhaseEnforced
	p.Status.RenderedSpec = &TelemetrySpec{Expr: "up > 80"}
	p.Status.Events = append(p.Status.Events, NewCreatedEvent())
	p.Status.MeasurementBackends["prom-1"] = map[string]interface{}{"rule_file": "f.yaml"}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Policy
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status.Phase != PhaseEnforced {
		t.Errorf("expected phase enforced, got %s", decoded.Status.Phase)
	}
	rendered, ok := decoded.Status.RenderedSpec.(*TelemetrySpec)
	if !ok || rendered.Expr != "up > 80" {
		t.Errorf("rendered spec not preserved: %#v", decoded.Status.RenderedSpec)
	}
	if decoded.Spec.Type() != SpecTypeTemplate {
		t.Errorf("expected template spec, got %s", decoded.Spec.Type())
	}
	if len(decoded.Status.Events) != 1 || decoded.Status.Events[0].Type != EventCreated {
		t.Errorf("unexpected events: %v", decoded.Status.Events)
	}
}

func TestPolicyClone(t *testing.T) {
	p := NewPolicy("p1", &PolicyCreate{
		Name:      "cpu",
		Subject:   CustomSubject{"zone": "eu"},
		Spec:      &TelemetrySpec{Expr: "up", Thresholds: map[string]float64{"warning": 1}},
		Action:    &WebhookAction{URL: "http://example.com", HTTPMethod: "POST", ExtraParams: map[string]string{"k": "v"}},
		Variables: map[string]interface{}{"x": "1"},
	})

	c := p.Clone()
	c.Variables["x"] = "2"
	c.Spec.(*TelemetrySpec).Thresholds["warning"] = 9
	c.Subject.(CustomSubject)["zone"] = "us"
	c.Action.(*WebhookAction).ExtraParams["k"] = "changed"

	if p.Variables["x"] != "1" {
		t.Error("variables aliased between clone and original")
	}
	if p.Spec.(*TelemetrySpec).Thresholds["warning"] != 1 {
		t.Error("thresholds aliased between clone and original")
	}
	if p.Subject.(CustomSubject)["zone"] != "eu" {
		t.Error("custom subject aliased between clone and original")
	}
	if p.Action.(*WebhookAction).ExtraParams["k"] != "v" {
		t.Error("extra params aliased between clone and original")
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewNotFoundError("p1"))
	if !IsNotFound(err) {
		t.Error("expected wrapped not found error to match")
	}
	if KindOf(err) != ErrorKindNotFound {
		t.Errorf("expected kind not_found, got %s", KindOf(err))
	}
	if IsRendering(err) {
		t.Error("not found must not be classified as rendering")
	}
	if !IsRendering(NewRenderingTestError("would break", nil)) {
		t.Error("rendering test errors are rendering errors")
	}
	if KindOf(errors.New("plain")) != ErrorKindInternal {
		t.Error("plain errors are internal")
	}
}
