package render

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/icos-project/polman/pkg/catalog"
	"github.com/icos-project/polman/pkg/model"
)

func newPolicy(subject model.Subject, spec model.Spec, vars map[string]interface{}) *model.Policy {
	return model.NewPolicy("p1", &model.PolicyCreate{
		Name:      "test",
		Subject:   subject,
		Spec:      spec,
		Action:    &model.WebhookAction{URL: "http://example.com", HTTPMethod: "POST"},
		Variables: vars,
	})
}

func appSubject() model.Subject {
	return model.AppSubject{AppName: "test", AppInstance: "111", AppComponent: "c1"}
}

func TestLabelSelector(t *testing.T) {
	s := appSubject()

	want := `icos_app_component="c1", icos_app_instance="111", icos_app_name="test"`
	if got := LabelSelector(s); got != want {
		t.Errorf("selector:\n got %s\nwant %s", got, want)
	}

	wantList := "icos_app_component, icos_app_instance, icos_app_name"
	if got := LabelList(s); got != wantList {
		t.Errorf("list:\n got %s\nwant %s", got, wantList)
	}
}

func TestLabelSelectorWildcardAndRegex(t *testing.T) {
	s := model.AppSubject{AppName: "*", AppInstance: "111", AppComponent: "/comp-.+/"}

	got := LabelSelector(s)
	for _, term := range []string{
		`icos_app_name=~".+"`,
		`icos_app_component=~"comp-.+"`,
		`icos_app_instance="111"`,
	} {
		if !strings.Contains(got, term) {
			t.Errorf("expected %s in %s", term, got)
		}
	}
}

func TestRenderTelemetry(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(
		model.HostSubject{HostID: "h1", AgentID: "a1"},
		&model.TelemetrySpec{
			Expr:       `node_load1{ {{subject_label_selector}} }`,
			ViolatedIf: "> {{ maxLoad }}",
			Thresholds: map[string]float64{"warning": 1},
		},
		map[string]interface{}{"maxLoad": 2.5},
	)

	rendered, err := r.Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	spec := rendered.(*model.TelemetrySpec)
	want := `node_load1{ icos_agent_id="a1", icos_host_id="h1" } > 2.5`
	if spec.Expr != want {
		t.Errorf("expr:\n got %s\nwant %s", spec.Expr, want)
	}
	if spec.ViolatedIf != "" {
		t.Errorf("violatedIf must be folded into expr, got %q", spec.ViolatedIf)
	}
	if spec.Thresholds["warning"] != 1 {
		t.Errorf("thresholds lost: %v", spec.Thresholds)
	}

	original := p.Spec.(*model.TelemetrySpec)
	if original.ViolatedIf != "> {{ maxLoad }}" {
		t.Error("render modified the stored spec")
	}
}

func TestRenderTripleBraces(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(
		model.HostSubject{HostID: "h1", AgentID: "a1"},
		&model.TelemetrySpec{Expr: `up{{{subject_label_selector}}}`},
		nil,
	)

	rendered, err := r.Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `up{ icos_agent_id="a1", icos_host_id="h1" }`
	if got := rendered.(*model.TelemetrySpec).Expr; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestRenderSubjectFields(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(appSubject(), &model.TelemetrySpec{Expr: `x{app="{{ subject.appName }}"}`}, nil)

	rendered, err := r.Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := rendered.(*model.TelemetrySpec).Expr; got != `x{app="test"}` {
		t.Errorf("unexpected expr %s", got)
	}
}

func TestRenderSubjectType(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(model.HostSubject{HostID: "h1", AgentID: "a1"},
		&model.TelemetrySpec{Expr: `x{kind="{{ subject.type }}", host="{{ subject.hostId }}"}`}, nil)

	rendered, err := r.Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := rendered.(*model.TelemetrySpec).Expr; got != `x{kind="host", host="h1"}` {
		t.Errorf("unexpected expr %s", got)
	}

	if sel := LabelSelector(p.Subject); sel != `icos_agent_id="a1", icos_host_id="h1"` {
		t.Errorf("type must not be part of the selector: %s", sel)
	}
}

func TestRenderDecodedNumbers(t *testing.T) {
	var req model.PolicyCreate
	if err := json.Unmarshal([]byte(`{
  "name": "inst",
  "subject": {"type": "host", "hostId": "h1", "agentId": "a1"},
  "spec": {"expr": "up{instance=\"{{ inst }}\"} > {{ max }} * {{ ratio }}"},
  "action": {"url": "http://example.com", "httpMethod": "POST"},
  "variables": {"inst": 1234567, "max": 100000000, "ratio": 0.75}
}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rendered, err := New(catalog.Builtin()).Render(model.NewPolicy("p1", &req))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `up{instance="1234567"} > 100000000 * 0.75`
	if got := rendered.(*model.TelemetrySpec).Expr; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestRenderStrict(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(appSubject(), &model.TelemetrySpec{Expr: "up > {{undefinedVar}}"}, nil)

	_, err := r.Render(p)
	if err == nil {
		t.Fatal("expected rendering error for undefined variable")
	}
	if !errors.Is(err, model.ErrRendering) {
		t.Errorf("expected rendering error, got %v", err)
	}
}

func TestRenderTemplateIdempotent(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(
		appSubject(),
		&model.TemplateSpec{TemplateName: "compss-under-allocation"},
		map[string]interface{}{"compssTask": "task1", "thresholdTimeSeconds": 100},
	)

	first, err := r.Render(p)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	second, err := r.Render(p)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}

	a := first.(*model.TelemetrySpec).Expr
	b := second.(*model.TelemetrySpec).Expr
	if a != b {
		t.Errorf("renders differ:\n%s\n%s", a, b)
	}
	if !strings.HasSuffix(a, "/ 1000 > 100") {
		t.Errorf("expected folded threshold suffix, got %s", a)
	}
	if !strings.Contains(a, `CoreSignature="task1", icos_app_component="c1"`) {
		t.Errorf("expected expanded selector, got %s", a)
	}
	if _, ok := p.Spec.(*model.TemplateSpec); !ok {
		t.Error("stored spec must stay a template reference")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(appSubject(), &model.TemplateSpec{TemplateName: "nope"}, nil)

	_, err := r.Render(p)
	if !errors.Is(err, model.ErrTemplateNotFound) {
		t.Errorf("expected template not found, got %v", err)
	}
}

func TestRenderConstraintsIsNoop(t *testing.T) {
	r := New(catalog.Builtin())
	spec := &model.ConstraintsSpec{Constraints: map[string]string{"cpu": "{{ not_rendered }}"}}
	p := newPolicy(appSubject(), spec, nil)

	rendered, err := r.Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	c := rendered.(*model.ConstraintsSpec)
	if c.Constraints["cpu"] != "{{ not_rendered }}" {
		t.Errorf("constraints must not be expanded: %v", c.Constraints)
	}
}

func TestVariablesOverrideContext(t *testing.T) {
	p := newPolicy(appSubject(), &model.TelemetrySpec{Expr: "{{subject_label_list}}"},
		map[string]interface{}{"subject_label_list": "custom"})

	rendered, err := New(catalog.Builtin()).Render(p)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := rendered.(*model.TelemetrySpec).Expr; got != "custom" {
		t.Errorf("expected variable to win, got %s", got)
	}
}

func TestTestRender(t *testing.T) {
	r := New(catalog.Builtin())
	p := newPolicy(appSubject(), &model.TelemetrySpec{Expr: "up > {{ max }}"},
		map[string]interface{}{"max": 1})

	if err := r.TestRender(p, "max", 5); err != nil {
		t.Errorf("updating a used variable must render: %v", err)
	}
	if err := r.TestRender(p, "other", "x"); err != nil {
		t.Errorf("adding an unused variable must render: %v", err)
	}

	err := r.TestRender(p, "max", nil)
	if !errors.Is(err, model.ErrRenderingTest) {
		t.Errorf("expected rendering test error when deleting a used variable, got %v", err)
	}
	if p.Variables["max"] != 1 {
		t.Error("test render modified the policy")
	}
}
