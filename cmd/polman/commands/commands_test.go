package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/icos-project/polman/pkg/model"
)

const hostPolicyYAML = `name: host-load
subject:
  type: host
  hostId: h1
  agentId: a1
spec:
  type: telemetryQuery
  description: load above threshold
  expr: node_load1{ {{subject_label_selector}} }
  violatedIf: "> {{ maxLoad }}"
action:
  type: webhook
  url: https://hooks.example.com/load
  httpMethod: POST
variables:
  maxLoad: 4
properties:
  interval: 30s
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestReadPolicyFileYAML(t *testing.T) {
	req, err := readPolicyFile(writeFile(t, "policy.yaml", hostPolicyYAML))
	if err != nil {
		t.Fatalf("readPolicyFile failed: %v", err)
	}

	if req.Name != "host-load" {
		t.Errorf("Expected name host-load, got %s", req.Name)
	}
	subject, ok := req.Subject.(model.HostSubject)
	if !ok || subject.HostID != "h1" {
		t.Errorf("Expected host subject h1, got %#v", req.Subject)
	}
	if _, ok := req.Spec.(*model.TelemetrySpec); !ok {
		t.Errorf("Expected telemetry spec, got %T", req.Spec)
	}
	if req.Properties.Interval() != "30s" {
		t.Errorf("Expected interval 30s, got %q", req.Properties.Interval())
	}
	if err := req.Validate(); err != nil {
		t.Errorf("Expected a valid request: %v", err)
	}
}

func TestReadPolicyFileJSON(t *testing.T) {
	path := writeFile(t, "policy.json", `{
  "name": "app-cpu",
  "subject": {"type": "app", "appName": "web", "appInstance": "i1", "appComponent": "api"},
  "spec": {"type": "template", "templateName": "cpu-usage-host"},
  "action": {"url": "https://hooks.example.com", "httpMethod": "POST"}
}`)

	req, err := readPolicyFile(path)
	if err != nil {
		t.Fatalf("readPolicyFile failed: %v", err)
	}
	if _, ok := req.Spec.(*model.TemplateSpec); !ok {
		t.Errorf("Expected template spec, got %T", req.Spec)
	}
}

func TestReadPolicyFileErrors(t *testing.T) {
	if _, err := readPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := readPolicyFile(writeFile(t, "bad.yaml", "name: [unclosed")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
	if _, err := readPolicyFile(writeFile(t, "bad.json", `{"name": "x", "subject": {"type": "planet"}}`)); err == nil {
		t.Error("Expected error for unknown subject type")
	}
}

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, map[string]string{}, false},
		{"single", []string{"status.phase=enforced"}, map[string]string{"status.phase": "enforced"}, false},
		{"value with equals", []string{"name=a=b"}, map[string]string{"name": "a=b"}, false},
		{"missing separator", []string{"status.phase"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilters(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFilters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d filters, got %d", len(tt.want), len(got))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Filter %s = %v, want %s", k, got[k], v)
				}
			}
		})
	}
}

func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestValidateCommand(t *testing.T) {
	if err := runRoot(t, "validate", "-f", writeFile(t, "policy.yaml", hostPolicyYAML)); err != nil {
		t.Fatalf("Expected policy to validate: %v", err)
	}
}

func TestValidateCommandAdmissionDenied(t *testing.T) {
	policy := writeFile(t, "policy.yaml", `name: host-load
subject:
  type: host
  hostId: h1
  agentId: a1
spec:
  expr: node_load1 > 2
action:
  url: ftp://files.example.com/load
  httpMethod: POST
`)

	err := runRoot(t, "validate", "--json", "-f", policy)
	if err == nil {
		t.Fatal("Expected admission to deny the policy")
	}
	if model.KindOf(err) != model.ErrorKindAdmission {
		t.Errorf("Expected admission error, got %v", err)
	}
}

func TestValidateCommandMissingVariable(t *testing.T) {
	policy := writeFile(t, "policy.yaml", `name: host-load
subject:
  type: host
  hostId: h1
  agentId: a1
spec:
  expr: node_load1 > {{ maxLoad }}
action:
  url: https://hooks.example.com/load
  httpMethod: POST
`)

	if err := runRoot(t, "validate", "-f", policy); !model.IsRendering(err) {
		t.Errorf("Expected rendering error, got %v", err)
	}
}

func TestConfigCommand(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", `db:
  type: sqlite
  path: /var/lib/polman/polman.db
api:
  port: 9000
`)
	if err := runRoot(t, "config", "-c", cfgPath); err != nil {
		t.Fatalf("config command failed: %v", err)
	}
}

func TestRulesRequireURL(t *testing.T) {
	t.Setenv("POLMAN_PROMETHEUS_RULES_API_URL", "")
	if err := runRoot(t, "rules", "list"); err == nil {
		t.Error("Expected error without a rules API URL")
	}
}

func TestRulesPurgeRequiresConfirmation(t *testing.T) {
	if err := runRoot(t, "rules", "purge"); err == nil {
		t.Error("Expected purge to refuse without --yes")
	}
}
