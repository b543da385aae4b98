// Package catalog holds the named telemetry spec templates that policies
// can reference through a template spec.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/icos-project/polman/pkg/model"
	"gopkg.in/yaml.v3"
)

// Catalog is an immutable name to template registry. It is built once at
// startup and shared by reference.
type Catalog struct {
	templates map[string]*model.TelemetrySpec
}

// Entry is the file representation of a template.
type Entry struct {
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Expr        string             `yaml:"expr" json:"expr"`
	ViolatedIf  string             `yaml:"violatedIf" json:"violatedIf,omitempty"`
	Thresholds  map[string]float64 `yaml:"thresholds" json:"thresholds,omitempty"`
}

// New builds a catalog from the given entries. Later entries replace
// earlier ones with the same name.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*model.TelemetrySpec, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("template name is required")
		}
		if e.Expr == "" {
			return nil, fmt.Errorf("template %s: expr is required", e.Name)
		}
		c.templates[e.Name] = &model.TelemetrySpec{
			Description: e.Description,
			Expr:        e.Expr,
			ViolatedIf:  e.ViolatedIf,
			Thresholds:  e.Thresholds,
		}
	}
	return c, nil
}

// Builtin returns the catalog shipped with polman.
func Builtin() *Catalog {
	c, err := New(builtinEntries()...)
	if err != nil {
		panic(fmt.Sprintf("invalid builtin catalog: %v", err))
	}
	return c
}

// Load returns the builtin catalog extended with the templates defined in a
// YAML file. A template in the file overrides a builtin one of the same name.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file struct {
		Templates []Entry `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	return New(append(builtinEntries(), file.Templates...)...)
}

// Get returns a deep copy of the named template.
func (c *Catalog) Get(name string) (*model.TelemetrySpec, error) {
	t, ok := c.templates[name]
	if !ok {
		return nil, model.NewTemplateNotFoundError(name)
	}
	return t.CloneSpec().(*model.TelemetrySpec), nil
}

// Names returns the template names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns a copy of every template, sorted by name.
func (c *Catalog) Entries() []Entry {
	entries := make([]Entry, 0, len(c.templates))
	for _, name := range c.Names() {
		t, _ := c.Get(name)
		entries = append(entries, Entry{
			Name:        name,
			Description: t.Description,
			Expr:        t.Expr,
			ViolatedIf:  t.ViolatedIf,
			Thresholds:  t.Thresholds,
		})
	}
	return entries
}
