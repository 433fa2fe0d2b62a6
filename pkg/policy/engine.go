package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

// Engine evaluates Rego merge policies. It implements engine.MergePolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.SetPolicies(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetPolicies replaces the custom policy set. The built-in policies are always
// kept. Nothing changes when any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	all := append(GetBuiltinPolicies(), policies...)
	compiled := make(map[string]*compiledPolicy, len(all))

	for i := range all {
		if _, dup := compiled[all[i].Name]; dup {
			return fmt.Errorf("duplicate policy name %q", all[i].Name)
		}
		cp, err := compile(ctx, all[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", all[i].Name).
				Str("source", all[i].Source).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", all[i].Name, err)
		}
		compiled[all[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(compiled)).
		Int("custom", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// LoadPolicies loads custom policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.SetPolicies(ctx, policies)
}

func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(pkg),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	return &compiledPolicy{
		policy:   p,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// Decide implements engine.MergePolicy. Any deny finding denies the merge.
// Auto-merge requires at least one policy to allow it and none to refuse it.
func (e *Engine) Decide(ctx context.Context, in engine.MergeInput) (engine.MergeDecision, error) {
	evals, err := e.Evaluate(ctx, in)
	if err != nil {
		return engine.MergeDecision{}, err
	}

	var (
		decision engine.MergeDecision
		allowed  bool
		refused  bool
	)
	for _, ev := range evals {
		for _, f := range ev.Findings {
			if f.Severity == SeverityError {
				decision.Denied = true
			}
			decision.Reasons = append(decision.Reasons, f.Message)
		}
		if ev.AutoMerge != nil {
			if *ev.AutoMerge {
				allowed = true
			} else {
				refused = true
			}
		}
	}
	decision.AutoMerge = allowed && !refused && !decision.Denied

	e.logger.Debug().
		Str("workflow_id", in.WorkflowID).
		Int("iteration", in.Iteration).
		Bool("auto_merge", decision.AutoMerge).
		Bool("denied", decision.Denied).
		Strs("reasons", decision.Reasons).
		Msg("Merge policy decided")

	return decision, nil
}

// Evaluate runs every enabled policy against in, in policy name order.
func (e *Engine) Evaluate(ctx context.Context, in engine.MergeInput) ([]Evaluation, error) {
	if in.Outcomes == nil {
		in.Outcomes = []engine.StageOutcome{}
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].policy.Name < policies[j].policy.Name
	})

	evals := make([]Evaluation, 0, len(policies))
	for _, cp := range policies {
		ev, err := cp.evaluate(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		evals = append(evals, ev)
	}
	return evals, nil
}

func (cp *compiledPolicy) evaluate(ctx context.Context, in engine.MergeInput) (Evaluation, error) {
	ev := Evaluation{Policy: cp.policy.Name}

	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return ev, fmt.Errorf("evaluation error: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ev, nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return ev, fmt.Errorf("package %s evaluated to %T, want object", cp.pkg, rs[0].Expressions[0].Value)
	}

	deny, err := messages(doc, "deny")
	if err != nil {
		return ev, err
	}
	warn, err := messages(doc, "warn")
	if err != nil {
		return ev, err
	}
	for _, m := range deny {
		ev.Findings = append(ev.Findings, Finding{Policy: cp.policy.Name, Message: m, Severity: SeverityError})
	}
	for _, m := range warn {
		ev.Findings = append(ev.Findings, Finding{Policy: cp.policy.Name, Message: m, Severity: SeverityWarning})
	}

	if raw, ok := doc["auto_merge"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return ev, fmt.Errorf("auto_merge must be a boolean, got %T", raw)
		}
		ev.AutoMerge = &b
	}
	return ev, nil
}

func messages(doc map[string]interface{}, rule string) ([]string, error) {
	raw, ok := doc[rule]
	if !ok {
		return nil, nil
	}
	set, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a set of strings, got %T", rule, raw)
	}
	out := make([]string, 0, len(set))
	for _, v := range set {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// List returns the loaded policies sorted by name.
func (e *Engine) List() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]Info, 0, len(e.policies))
	for _, cp := range e.policies {
		infos = append(infos, Info{
			Name:        cp.policy.Name,
			Description: cp.policy.Description,
			Package:     cp.pkg,
			Source:      cp.policy.Source,
			Enabled:     cp.policy.Enabled,
			CompiledAt:  cp.compiled,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

var _ engine.MergePolicy = (*Engine)(nil)
