package admission

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "owner.rego")
	writeFile(t, path, ownerRule)

	rule, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load rule: %v", err)
	}

	if rule.Name != "owner" {
		t.Errorf("Expected name 'owner', got '%s'", rule.Name)
	}
	if rule.Rego != ownerRule {
		t.Error("Rego content doesn't match")
	}
	if !rule.Enabled || rule.Severity != SeverityError {
		t.Errorf("Unexpected defaults: enabled=%v severity=%s", rule.Enabled, rule.Severity)
	}
	if rule.Source != path {
		t.Errorf("Expected source %s, got %s", path, rule.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	path := filepath.Join(dir, "naming.json")
	writeFile(t, path, `{
  "name": "strict-naming",
  "description": "Names must be lowercase",
  "rego": "package strict\n\nimport rego.v1\n\ndeny contains \"upper\" if regex.match(\"[A-Z]\", input.policy.name)\n",
  "severity": "warning",
  "builtin": true
}`)

	rule, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load rule: %v", err)
	}
	if rule.Name != "strict-naming" || rule.Severity != SeverityWarning {
		t.Errorf("Unexpected rule %+v", rule)
	}
	if !rule.Enabled {
		t.Error("Rule should be enabled by default")
	}
	if rule.Builtin {
		t.Error("Loaded rules are never builtin")
	}

	nameless := filepath.Join(dir, "nameless.json")
	writeFile(t, nameless, `{"rego": "package x"}`)
	if _, err := loader.loadFromFile(context.Background(), nameless); err == nil {
		t.Error("Expected error for rule without name")
	}

	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, invalid, `{not json`)
	if _, err := loader.loadFromFile(context.Background(), invalid); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	nested := filepath.Join(dir, "teams")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	writeFile(t, filepath.Join(dir, "owner.rego"), ownerRule)
	writeFile(t, filepath.Join(nested, "ops.rego"), "package ops\n")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "# rules")

	rules, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules))
	}

	names := map[string]bool{}
	for _, r := range rules {
		names[r.Name] = true
	}
	if !names["owner"] || !names["ops"] {
		t.Errorf("Unexpected rules %v", names)
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/rules"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "single line",
			content: "package x\n\n# Deny everything\ndeny contains \"no\" if true",
			want:    "Deny everything",
		},
		{
			name:    "multi line",
			content: "# Webhooks must\n# name an owner\n\npackage x",
			want:    "Webhooks must name an owner",
		},
		{
			name:    "stops at code",
			content: "# First\npackage x\n# Second",
			want:    "First",
		},
		{
			name:    "no comments",
			content: "package x",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "owner.rego")
	writeFile(t, path, ownerRule)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load rule: %v", err)
	}
	writeFile(t, path, "package changed\n")

	cached, _ := loader.loadFromFile(context.Background(), path)
	if cached.Rego != ownerRule {
		t.Error("Expected cached content before ClearCache")
	}

	loader.ClearCache()
	fresh, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to reload rule: %v", err)
	}
	if fresh.Rego != "package changed\n" {
		t.Error("Expected fresh content after ClearCache")
	}
}

func TestWatchReloadsRules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	var mu sync.Mutex
	var reloaded [][]Rule
	err := loader.Watch(ctx, []string{dir}, func(rules []Rule) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, rules)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "owner.rego"), ownerRule)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		var last []Rule
		if n > 0 {
			last = reloaded[n-1]
		}
		mu.Unlock()

		if len(last) == 1 && last[0].Name == "owner" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected rules to be reloaded after a file was written")
}

func TestEngineWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	eng := newEngine(t)
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "owner.rego"), ownerRule)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetRule("owner"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected engine to pick up the new rule")
}
