package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

// Engine evaluates admission rules against policy creation requests.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger zerolog.Logger
}

// compiledRule is a rule with its prepared deny query.
type compiledRule struct {
	rule     *Rule
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine loaded with the builtin rules.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]*compiledRule),
		logger: logger.With().Str("component", "admission").Logger(),
	}

	if err := e.loadBuiltinRules(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load builtin rules: %w", err)
	}
	return e, nil
}

// Admit evaluates req and returns an admission error listing the blocking
// denials, if any.
func (e *Engine) Admit(ctx context.Context, req *model.PolicyCreate) error {
	result, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().Str("rule", w.Rule).Str("policy", req.Name).Msg(w.Message)
	}
	if !result.Allowed {
		return model.NewAdmissionError(result.Messages())
	}
	return nil
}

// Evaluate runs every enabled rule against req. A rule that fails to
// evaluate is reported in the result and does not block the request.
func (e *Engine) Evaluate(ctx context.Context, req *model.PolicyCreate) (*Result, error) {
	start := time.Now()

	input, err := NewInput(req, "create")
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if cr.rule.Enabled {
			rules = append(rules, cr)
		}
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.Name < rules[j].rule.Name })

	result := &Result{Allowed: true, EvaluatedRules: make([]string, 0, len(rules))}
	for _, cr := range rules {
		result.EvaluatedRules = append(result.EvaluatedRules, cr.rule.Name)

		denials, err := e.evaluateRule(ctx, cr, input)
		if err != nil {
			e.logger.Error().Err(err).Str("rule", cr.rule.Name).Msg("Rule evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("rule %s evaluation failed: %v", cr.rule.Name, err))
			continue
		}

		for _, d := range denials {
			if d.Severity.Blocking() {
				result.Denials = append(result.Denials, d)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, d)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("policy", req.Name).
		Bool("allowed", result.Allowed).
		Int("denials", len(result.Denials)).
		Dur("duration", result.Duration).
		Msg("Admission evaluation completed")

	return result, nil
}

// NewInput builds the evaluation input for a creation request.
func NewInput(req *model.PolicyCreate, operation string) (*Input, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}
	return &Input{
		Policy:  doc,
		Context: &Context{Operation: operation, Timestamp: time.Now().UTC()},
	}, nil
}

func (e *Engine) evaluateRule(ctx context.Context, cr *compiledRule, input *Input) ([]Denial, error) {
	doc := map[string]interface{}{
		"policy": input.Policy,
		"context": map[string]interface{}{
			"operation": input.Context.Operation,
			"timestamp": input.Context.Timestamp.Format(time.RFC3339),
		},
	}

	results, err := cr.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("rule evaluation error: %w", err)
	}

	var denials []Denial
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range set {
			denials = append(denials, newDenial(cr.rule, item))
		}
	}
	return denials, nil
}

// newDenial converts one member of a deny set.
func newDenial(rule *Rule, item interface{}) Denial {
	d := Denial{Rule: rule.Name, Severity: rule.Severity}

	switch v := item.(type) {
	case string:
		d.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			d.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			d.Severity = Severity(sev)
		}
	default:
		d.Message = fmt.Sprintf("%v", item)
	}
	return d
}

// LoadRules loads the rules found under paths, replacing rules with the
// same name.
func (e *Engine) LoadRules(ctx context.Context, paths []string) error {
	rules, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rules {
		if err := e.compileAndStoreRule(ctx, &rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(rules)).Msg("Admission rules loaded")
	return nil
}

// ReplaceRules drops every loaded rule, keeps the builtin ones and compiles
// rules. Nothing changes if one of them fails to compile.
func (e *Engine) ReplaceRules(ctx context.Context, rules []Rule) error {
	next := make(map[string]*compiledRule, len(rules))
	for _, r := range append(BuiltinRules(), rules...) {
		cr, err := compileRule(ctx, &r)
		if err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", r.Name, err)
		}
		next[r.Name] = cr
	}

	e.mu.Lock()
	// Disabled builtins stay disabled.
	for name, cr := range e.rules {
		if n, ok := next[name]; ok && cr.rule.Builtin && n.rule.Builtin {
			n.rule.Enabled = cr.rule.Enabled
		}
	}
	e.rules = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(rules)).Msg("Admission rules replaced")
	return nil
}

func compileRule(ctx context.Context, rule *Rule) (*compiledRule, error) {
	module, err := ast.ParseModule(rule.Name, rule.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledRule{rule: rule, query: query, compiled: time.Now()}, nil
}

// compileAndStoreRule compiles a rule and stores it. Caller holds the lock.
func (e *Engine) compileAndStoreRule(ctx context.Context, rule *Rule) error {
	cr, err := compileRule(ctx, rule)
	if err != nil {
		return err
	}
	e.rules[rule.Name] = cr

	e.logger.Debug().Str("rule", rule.Name).Msg("Rule compiled successfully")
	return nil
}

func (e *Engine) loadBuiltinRules(ctx context.Context) error {
	builtin := BuiltinRules()
	for i := range builtin {
		if err := e.compileAndStoreRule(ctx, &builtin[i]); err != nil {
			return fmt.Errorf("failed to compile builtin rule %s: %w", builtin[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtin)).Msg("Builtin admission rules loaded")
	return nil
}

// GetRule returns a rule by name.
func (e *Engine) GetRule(name string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cr, exists := e.rules[name]
	if !exists {
		return nil, fmt.Errorf("rule not found: %s", name)
	}
	r := *cr.rule
	return &r, nil
}

// ListRules returns every loaded rule sorted by name.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, *cr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// EnableRule enables a rule by name.
func (e *Engine) EnableRule(name string) error {
	return e.setEnabled(name, true)
}

// DisableRule disables a rule by name.
func (e *Engine) DisableRule(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, exists := e.rules[name]
	if !exists {
		return fmt.Errorf("rule not found: %s", name)
	}
	cr.rule.Enabled = enabled

	e.logger.Info().Str("rule", name).Bool("enabled", enabled).Msg("Admission rule toggled")
	return nil
}

// Watch reloads the rules under paths whenever one of their files changes,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(rules []Rule) error {
		return e.ReplaceRules(ctx, rules)
	})
}
