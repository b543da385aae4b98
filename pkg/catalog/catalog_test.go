package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/icos-project/polman/pkg/model"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()

	expected := []string{"app-host-cpu-usage", "compss-under-allocation", "cpu-usage-host"}
	names := c.Names()
	if len(names) != len(expected) {
		t.Fatalf("expected %d templates, got %v", len(expected), names)
	}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("expected %s at %d, got %s", name, i, names[i])
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := Builtin()

	first, err := c.Get("compss-under-allocation")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Expr = "changed"
	first.Thresholds["warning"] = 1

	second, _ := c.Get("compss-under-allocation")
	if second.Expr == "changed" {
		t.Error("catalog entry was mutated through a returned copy")
	}
	if second.Thresholds["warning"] != 200 {
		t.Errorf("expected warning threshold 200, got %v", second.Thresholds["warning"])
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Builtin().Get("missing")
	if !errors.Is(err, model.ErrTemplateNotFound) {
		t.Errorf("expected template not found, got %v", err)
	}
}

func TestLoadOverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `templates:
  - name: cpu-usage-host
    expr: "custom_cpu{ {{subject_label_selector}} }"
    violatedIf: "> {{max}}"
  - name: memory-usage
    expr: "mem_used"
    violatedIf: "> 0.9"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cpu, err := c.Get("cpu-usage-host")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cpu.Expr != "custom_cpu{ {{subject_label_selector}} }" {
		t.Errorf("expected overridden expr, got %s", cpu.Expr)
	}
	if _, err := c.Get("memory-usage"); err != nil {
		t.Errorf("expected new template, got %v", err)
	}
	if _, err := c.Get("compss-under-allocation"); err != nil {
		t.Errorf("expected builtin template to remain, got %v", err)
	}
}

func TestNewRejectsIncompleteEntries(t *testing.T) {
	if _, err := New(Entry{Name: "x"}); err == nil {
		t.Error("expected error for template without expr")
	}
	if _, err := New(Entry{Expr: "up"}); err == nil {
		t.Error("expected error for template without name")
	}
}
