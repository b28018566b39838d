package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// SessionInput is the view of a finalized primary session a write filter
// sees.
type SessionInput struct {
	ID         string
	Request    string
	Client     string
	Role       string
	ElapsedMs  int64
	Slow       bool
	Parameters map[string]string
	Events     int
}

// CELEvaluator compiles and evaluates write filter expressions against
// SessionInput values. Expressions are compiled once; evaluation is safe
// for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the session.* variables
// available in write filters.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("session.id", cel.StringType),
		cel.Variable("session.request", cel.StringType),
		cel.Variable("session.client", cel.StringType),
		cel.Variable("session.role", cel.StringType),
		cel.Variable("session.elapsed_ms", cel.IntType),
		cel.Variable("session.slow", cel.BoolType),
		cel.Variable("session.parameters", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("session.events", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// CompileExpression parses and type-checks a CEL expression, returning a
// CompiledRule ready for evaluation.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledRule{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a pre-compiled rule against in. A true result means the
// session should be written.
func (c *CELEvaluator) Evaluate(rule CompiledRule, in SessionInput) (bool, error) {
	params := in.Parameters
	// CEL map access on nil panics.
	if params == nil {
		params = map[string]string{}
	}

	vars := map[string]interface{}{
		"session.id":         in.ID,
		"session.request":    in.Request,
		"session.client":     in.Client,
		"session.role":       in.Role,
		"session.elapsed_ms": in.ElapsedMs,
		"session.slow":       in.Slow,
		"session.parameters": params,
		"session.events":     int64(in.Events),
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}

	return result, nil
}
