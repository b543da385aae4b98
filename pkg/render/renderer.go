// Package render turns a policy spec into a concrete backend query.
//
// Spec expressions use "{{ name }}" placeholders. The rendering context
// holds the subject fields under "subject", the label helpers
// "subject_label_selector" and "subject_label_list", and every policy
// variable. Expansion is strict: a placeholder without a value fails the
// render instead of producing an empty string.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/icos-project/polman/pkg/catalog"
	"github.com/icos-project/polman/pkg/model"
)

const (
	ContextSubject       = "subject"
	ContextLabelSelector = "subject_label_selector"
	ContextLabelList     = "subject_label_list"
)

// Renderer resolves templates from a catalog and expands expressions.
type Renderer struct {
	catalog *catalog.Catalog
}

// New creates a renderer backed by the given catalog.
func New(c *catalog.Catalog) *Renderer {
	return &Renderer{catalog: c}
}

// Resolve returns a copy of spec with template references replaced by the
// catalog entry. The input is never modified.
func (r *Renderer) Resolve(spec model.Spec) (model.Spec, error) {
	switch s := spec.(type) {
	case *model.TemplateSpec:
		return r.catalog.Get(s.TemplateName)
	case *model.TelemetrySpec, *model.ConstraintsSpec:
		return s.CloneSpec(), nil
	default:
		return nil, model.NewInternalError(fmt.Sprintf("unsupported spec %T", spec), nil)
	}
}

// Render resolves and expands the policy spec. The policy is not modified.
func (r *Renderer) Render(p *model.Policy) (model.Spec, error) {
	resolved, err := r.Resolve(p.Spec)
	if err != nil {
		if model.KindOf(err) == model.ErrorKindTemplateNotFound {
			return nil, err.(*model.PolmanError).WithPolicy(p.ID)
		}
		return nil, err
	}

	switch s := resolved.(type) {
	case *model.TelemetrySpec:
		if s.ViolatedIf != "" {
			s.Expr = s.Expr + " " + s.ViolatedIf
			s.ViolatedIf = ""
		}
		expr, err := Expand(s.Expr, Context(p))
		if err != nil {
			return nil, model.NewRenderingError("failed to render policy spec", err).WithPolicy(p.ID)
		}
		s.Expr = expr
		return s, nil
	case *model.ConstraintsSpec:
		return s, nil
	default:
		return nil, model.NewInternalError(fmt.Sprintf("unsupported resolved spec %T", resolved), nil)
	}
}

// TestRender renders a copy of the policy with one variable set, or unset
// when value is nil, and reports whether the change would break rendering.
func (r *Renderer) TestRender(p *model.Policy, name string, value interface{}) error {
	tmp := p.Clone()
	if tmp.Variables == nil {
		tmp.Variables = map[string]interface{}{}
	}
	if value == nil {
		delete(tmp.Variables, name)
	} else {
		tmp.Variables[name] = value
	}

	if _, err := r.Render(tmp); err != nil {
		return model.NewRenderingTestError(fmt.Sprintf("changing variable %q would break rendering", name), err).
			WithPolicy(p.ID)
	}
	return nil
}

// Context builds the template context for a policy. Variables override the
// builtin keys on collision. The subject map carries the variant under
// "type" next to its fields.
func Context(p *model.Policy) map[string]interface{} {
	subject := map[string]string{"type": string(p.Subject.Type())}
	for k, v := range p.Subject.Fields() {
		subject[k] = v
	}

	ctx := map[string]interface{}{
		ContextSubject:       subject,
		ContextLabelSelector: LabelSelector(p.Subject),
		ContextLabelList:     LabelList(p.Subject),
	}
	for name, value := range p.Variables {
		ctx[name] = variableText(value)
	}
	return ctx
}

// variableText formats numbers in plain decimal notation. Numbers decoded
// from JSON are float64 and would otherwise expand as 1.234567e+06.
func variableText(v interface{}) interface{} {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return v
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

// Expand executes text as a template against ctx. Runs of three braces are
// split first so that a placeholder directly inside a PromQL label block
// ("{{{selector}}}") is read as a literal brace around a placeholder.
func Expand(text string, ctx map[string]interface{}) (string, error) {
	text = strings.ReplaceAll(text, "{{{", "{ {{")
	text = strings.ReplaceAll(text, "}}}", "}} }")
	text = placeholderRe.ReplaceAllString(text, "{{ .${1} }}")

	tmpl, err := template.New("expr").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse expression: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("failed to expand expression: %w", err)
	}
	return b.String(), nil
}
