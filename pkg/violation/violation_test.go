package violation

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

func TestOperatorOf(t *testing.T) {
	tests := []struct {
		in   string
		want Operator
	}{
		{"> 5", OperatorGreater},
		{"< 5", OperatorLess},
		{"up >= 1", OperatorGreater},
		{"a < b > c", OperatorLess},
		{`x{a="<b>"} > 1`, OperatorLess},
		{`x{a=">"} < 1`, OperatorGreater},
		{"up", OperatorNone},
	}
	for _, tt := range tests {
		if got := OperatorOf(tt.in); got != tt.want {
			t.Errorf("OperatorOf(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestThreshold(t *testing.T) {
	greater := &model.TelemetrySpec{
		Expr:       "x",
		ViolatedIf: "> {{x}}",
		Thresholds: map[string]float64{"warning": 200, "critical": 500},
	}
	less := &model.TelemetrySpec{
		Expr:       "free_bytes < 100",
		Thresholds: map[string]float64{"low": 100, "empty": 10},
	}

	tests := []struct {
		name  string
		spec  *model.TelemetrySpec
		value float64
		want  string
	}{
		{"critical", greater, 600, "critical"},
		{"warning", greater, 300, "warning"},
		{"at boundary", greater, 500, "critical"},
		{"out of range", greater, 100, model.OutOfRangeThreshold},
		{"less low", less, 50, "low"},
		{"less empty", less, 5, "empty"},
		{"less out of range", less, 150, model.OutOfRangeThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Threshold(tt.spec, tt.value)
			if err != nil {
				t.Fatalf("threshold: %v", err)
			}
			if got == nil || *got != tt.want {
				t.Errorf("expected %s, got %v", tt.want, got)
			}
		})
	}
}

func TestThresholdNone(t *testing.T) {
	got, err := Threshold(&model.TelemetrySpec{Expr: "up > 1"}, 5)
	if err != nil || got != nil {
		t.Errorf("expected no threshold without thresholds, got %v, %v", got, err)
	}

	_, err = Threshold(&model.TelemetrySpec{Expr: "up", Thresholds: map[string]float64{"a": 1}}, 5)
	if err == nil {
		t.Error("expected error when no operator can be found")
	}
}

func appPolicy() *model.Policy {
	p := model.NewPolicy("p1", &model.PolicyCreate{
		Name:    "cpu",
		Subject: model.AppSubject{AppName: "app", AppInstance: "*", AppComponent: "/c.+/"},
		Spec:    &model.TelemetrySpec{Expr: "x"},
		Action:  &model.WebhookAction{URL: "http://example.com", HTTPMethod: "POST"},
	})
	p.Status.RenderedSpec = &model.TelemetrySpec{
		Expr:       "x > 200",
		Thresholds: map[string]float64{"warning": 200, "critical": 500},
	}
	return p
}

func TestBuild(t *testing.T) {
	b := NewBuilder(zerolog.Nop())
	labels := map[string]string{
		"icos_app_name":      "app",
		"icos_app_instance":  "i-7",
		"icos_app_component": "c1",
		"icos_host_id":       "h1",
	}

	v, err := b.Build("prom-1", 600, labels, appPolicy())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if v.ID == "" {
		t.Error("expected violation id")
	}
	if v.CurrentValue != "600" {
		t.Errorf("unexpected current value %s", v.CurrentValue)
	}
	if v.Threshold == nil || *v.Threshold != "critical" {
		t.Errorf("expected critical threshold, got %v", v.Threshold)
	}
	if v.PolicyID != "p1" || v.PolicyName != "cpu" || v.MeasurementBackend != "prom-1" {
		t.Errorf("unexpected policy fields %+v", v)
	}

	subject, ok := v.Subject.(model.AppSubject)
	if !ok {
		t.Fatalf("expected app subject, got %T", v.Subject)
	}
	if subject.AppInstance != "i-7" || subject.AppComponent != "c1" {
		t.Errorf("subject must come from labels, got %+v", subject)
	}

	if len(v.ExtraLabels) != 1 || v.ExtraLabels["icos_host_id"] != "h1" {
		t.Errorf("unexpected extra labels %v", v.ExtraLabels)
	}
	if len(labels) != 4 {
		t.Error("input labels were modified")
	}
}

func TestBuildMissingLabel(t *testing.T) {
	b := NewBuilder(zerolog.Nop())
	labels := map[string]string{"icos_app_name": "app", "icos_app_instance": "i"}

	_, err := b.Build("prom-1", 1, labels, appPolicy())
	if err == nil {
		t.Fatal("expected error for missing subject label")
	}
	if !strings.Contains(err.Error(), "icos_app_component") {
		t.Errorf("error must name the missing label: %v", err)
	}
}

func TestBuildCustomSubject(t *testing.T) {
	p := appPolicy()
	p.Subject = model.CustomSubject{"cluster": "c1", "hostId": "h"}
	p.Status.RenderedSpec = &model.TelemetrySpec{Expr: "x > 1"}

	v, err := NewBuilder(zerolog.Nop()).Build("prom-1", 2.5, map[string]string{
		"cluster":      "c9",
		"icos_host_id": "h2",
		"job":          "node",
	}, p)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	s, ok := v.Subject.(model.CustomSubject)
	if !ok {
		t.Fatalf("expected custom subject, got %T", v.Subject)
	}
	if s["cluster"] != "c9" || s["hostId"] != "h2" {
		t.Errorf("unexpected subject %v", s)
	}
	if v.Threshold != nil {
		t.Errorf("expected no threshold, got %v", *v.Threshold)
	}
	if v.CurrentValue != "2.5" || v.ExtraLabels["job"] != "node" {
		t.Errorf("unexpected violation %+v", v)
	}
}
