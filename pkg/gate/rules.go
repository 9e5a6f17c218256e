package gate

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// Rule is an operator-supplied deny rule. When Expr evaluates to true the
// request is denied with Code. Expressions see:
//
//	mode     string             "real" | "development"
//	backend  string             requested backend
//	flags    map(string, bool)  {"simulate": ..., "mock": ...}
//	request  dyn                request attributes (shots, input, ...)
type Rule struct {
	Code string `json:"code" yaml:"code"`
	Expr string `json:"expr" yaml:"expr"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Gate evaluates the built-in rules plus compiled CEL deny rules.
// Programs are compiled once in NewGate; Evaluate holds no mutable state and
// is safe for concurrent use.
type Gate struct {
	cfg    Config
	rules  []compiledRule
	logger *slog.Logger
}

// Input is one admission request.
type Input struct {
	Mode       Mode
	Backend    string
	Flags      Flags
	Attributes map[string]any
}

// NewGate compiles rules against the gate environment. A rule that fails to
// compile is a configuration error and aborts construction.
func NewGate(cfg Config, rules []Rule) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("mode", cel.StringType),
		cel.Variable("backend", cel.StringType),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	g := &Gate{
		cfg:    cfg,
		logger: slog.Default().With("component", "gate"),
	}
	for i, r := range rules {
		if r.Code == "" {
			return nil, fmt.Errorf("gate rule %d: code is required", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("gate rule %s: compile: %w", r.Code, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("gate rule %s: program: %w", r.Code, err)
		}
		g.rules = append(g.rules, compiledRule{Rule: r, prg: prg})
	}
	return g, nil
}

// Config returns the admission policy the gate was built with.
func (g *Gate) Config() Config { return g.cfg }

// Evaluate runs the built-in rules, then every CEL rule in declaration order.
// A rule that errors or yields a non-bool denies with CodeRuleEvalError.
func (g *Gate) Evaluate(in Input) Result {
	res := Evaluate(in.Mode, in.Backend, in.Flags, g.cfg)
	if len(g.rules) == 0 {
		return res
	}

	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	activation := map[string]any{
		"mode":    string(in.Mode),
		"backend": in.Backend,
		"flags":   map[string]bool{"simulate": in.Flags.Simulate, "mock": in.Flags.Mock},
		"request": attrs,
	}

	codes := res.ReasonCodes
	evalFailed := false
	for _, r := range g.rules {
		out, _, err := r.prg.Eval(activation)
		if err != nil {
			g.logger.Warn("gate rule evaluation failed", "code", r.Code, "error", err)
			evalFailed = true
			continue
		}
		deny, ok := out.Value().(bool)
		if !ok {
			g.logger.Warn("gate rule returned non-bool", "code", r.Code, "type", fmt.Sprintf("%T", out.Value()))
			evalFailed = true
			continue
		}
		if deny {
			codes = append(codes, r.Code)
		}
	}
	if evalFailed {
		codes = append(codes, CodeRuleEvalError)
	}

	return Result{Allowed: len(codes) == 0, ReasonCodes: codes}
}
