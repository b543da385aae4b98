package admission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func validRequest() *model.PolicyCreate {
	return &model.PolicyCreate{
		Name:    "host-load",
		Subject: model.HostSubject{HostID: "h1", AgentID: "a1"},
		Spec: &model.TelemetrySpec{
			Expr:       "node_load1 > 2",
			Thresholds: map[string]float64{"warning": 2, "critical": 4},
		},
		Action:     &model.WebhookAction{URL: "https://hooks.example.com/scale", HTTPMethod: "POST"},
		Properties: model.Properties{"interval": "30s", "pendingInterval": "1m30s"},
	}
}

func TestBuiltinRulesLoaded(t *testing.T) {
	eng := newEngine(t)

	rules := eng.ListRules()
	want := []string{
		"action-url-scheme",
		"custom-subject-labels",
		"duration-properties",
		"policy-naming",
		"reserved-thresholds",
	}
	if len(rules) != len(want) {
		t.Fatalf("Expected %d builtin rules, got %d", len(want), len(rules))
	}
	for i, name := range want {
		if rules[i].Name != name || !rules[i].Builtin || !rules[i].Enabled {
			t.Errorf("Unexpected rule %d: %+v", i, rules[i])
		}
	}
}

func TestEvaluateBuiltinRules(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(req *model.PolicyCreate)
		allowed   bool
		denyRule  string
		warnRules int
	}{
		{
			name:    "valid request",
			mutate:  func(*model.PolicyCreate) {},
			allowed: true,
		},
		{
			name: "ftp action",
			mutate: func(req *model.PolicyCreate) {
				req.Action = &model.WebhookAction{URL: "ftp://files.example.com/x", HTTPMethod: "POST"}
			},
			denyRule: "action-url-scheme",
		},
		{
			name:     "bad pending interval",
			mutate:   func(req *model.PolicyCreate) { req.Properties["pendingInterval"] = "soon" },
			denyRule: "duration-properties",
		},
		{
			name:     "numeric interval",
			mutate:   func(req *model.PolicyCreate) { req.Properties["interval"] = 30 },
			denyRule: "duration-properties",
		},
		{
			name:    "zero pending interval",
			mutate:  func(req *model.PolicyCreate) { req.Properties["pendingInterval"] = "0" },
			allowed: true,
		},
		{
			name: "reserved threshold",
			mutate: func(req *model.PolicyCreate) {
				req.Spec = &model.TelemetrySpec{Expr: "up > 1", Thresholds: map[string]float64{model.OutOfRangeThreshold: 1}}
			},
			denyRule: "reserved-thresholds",
		},
		{
			name:     "empty custom subject",
			mutate:   func(req *model.PolicyCreate) { req.Subject = model.CustomSubject{} },
			denyRule: "custom-subject-labels",
		},
		{
			name:      "name with spaces",
			mutate:    func(req *model.PolicyCreate) { req.Name = "host load" },
			allowed:   true,
			warnRules: 1,
		},
	}

	eng := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			result, err := eng.Evaluate(context.Background(), req)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(result.Errors) != 0 {
				t.Fatalf("Unexpected evaluation errors: %v", result.Errors)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (denials %v)", tt.allowed, result.Allowed, result.Denials)
			}
			if tt.denyRule != "" {
				if len(result.Denials) != 1 || result.Denials[0].Rule != tt.denyRule {
					t.Errorf("Expected one denial from %s, got %v", tt.denyRule, result.Denials)
				}
			}
			if len(result.Warnings) != tt.warnRules {
				t.Errorf("Expected %d warnings, got %v", tt.warnRules, result.Warnings)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	if err := eng.Admit(ctx, validRequest()); err != nil {
		t.Fatalf("Expected request to be admitted, got %v", err)
	}

	req := validRequest()
	req.Properties["interval"] = "every minute"
	err := eng.Admit(ctx, req)
	if !errors.Is(err, model.ErrAdmission) {
		t.Fatalf("Expected admission error, got %v", err)
	}

	var perr *model.PolmanError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected a polman error, got %T", err)
	}
	reasons, _ := perr.Details["reasons"].([]string)
	if len(reasons) != 1 || !strings.HasPrefix(reasons[0], "duration-properties: ") {
		t.Errorf("Unexpected reasons %v", reasons)
	}
}

func TestDisableRule(t *testing.T) {
	eng := newEngine(t)
	if err := eng.DisableRule("action-url-scheme"); err != nil {
		t.Fatalf("DisableRule failed: %v", err)
	}

	req := validRequest()
	req.Action = &model.WebhookAction{URL: "ftp://files.example.com/x", HTTPMethod: "POST"}
	if err := eng.Admit(context.Background(), req); err != nil {
		t.Errorf("Expected disabled rule to be skipped, got %v", err)
	}

	if err := eng.EnableRule("action-url-scheme"); err != nil {
		t.Fatalf("EnableRule failed: %v", err)
	}
	if err := eng.Admit(context.Background(), req); err == nil {
		t.Error("Expected enabled rule to deny")
	}

	if err := eng.DisableRule("nope"); err == nil {
		t.Error("Expected error for unknown rule")
	}
}

const ownerRule = `package custom.owner

import rego.v1

# Webhooks must name an owner

deny contains msg if {
	not input.policy.action.extraParams.owner
	msg := "webhook actions must carry an owner parameter"
}
`

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "owner.rego"), []byte(ownerRule), 0o644); err != nil {
		t.Fatalf("Failed to write rule: %v", err)
	}

	eng := newEngine(t)
	if err := eng.LoadRules(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	rule, err := eng.GetRule("owner")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if rule.Description != "Webhooks must name an owner" || rule.Severity != SeverityError {
		t.Errorf("Unexpected rule %+v", rule)
	}

	err = eng.Admit(context.Background(), validRequest())
	if !errors.Is(err, model.ErrAdmission) {
		t.Fatalf("Expected owner rule to deny, got %v", err)
	}

	req := validRequest()
	req.Action = &model.WebhookAction{URL: "https://hooks.example.com", HTTPMethod: "POST", ExtraParams: map[string]string{"owner": "ops"}}
	if err := eng.Admit(context.Background(), req); err != nil {
		t.Errorf("Expected request with owner to be admitted, got %v", err)
	}
}

func TestLoadRulesInvalidRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains {"), 0o644); err != nil {
		t.Fatalf("Failed to write rule: %v", err)
	}

	eng := newEngine(t)
	if err := eng.LoadRules(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListRules()) != len(BuiltinRules()) {
		t.Errorf("Expected only builtin rules, got %d", len(eng.ListRules()))
	}
}

func TestReplaceRules(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	if err := eng.DisableRule("policy-naming"); err != nil {
		t.Fatalf("DisableRule failed: %v", err)
	}

	custom := Rule{Name: "owner", Rego: ownerRule, Severity: SeverityError, Enabled: true}
	if err := eng.ReplaceRules(ctx, []Rule{custom}); err != nil {
		t.Fatalf("ReplaceRules failed: %v", err)
	}
	if _, err := eng.GetRule("owner"); err != nil {
		t.Errorf("Expected owner rule: %v", err)
	}
	naming, err := eng.GetRule("policy-naming")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if naming.Enabled {
		t.Error("Expected disabled builtin to stay disabled")
	}

	if err := eng.ReplaceRules(ctx, nil); err != nil {
		t.Fatalf("ReplaceRules failed: %v", err)
	}
	if _, err := eng.GetRule("owner"); err == nil {
		t.Error("Expected owner rule to be dropped")
	}

	broken := Rule{Name: "broken", Rego: "package broken\n\ndeny contains {", Enabled: true}
	if err := eng.ReplaceRules(ctx, []Rule{broken}); err == nil {
		t.Error("Expected compile error")
	}
}
