package policy

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
)

var (
	ErrInvalidRule    = errors.New("invalid origin rule")
	ErrRuleEvaluation = errors.New("origin rule evaluation failed")
)

// Expression is a CEL origin rule. The rule sees:
//
//	origin    string  the Origin header ("" when absent)
//	allowed   bool    the allow-list verdict
//	function  map     name, route, origins and keys of the called function
//
// For example `allowed || origin.endsWith(".internal")`.
type Expression struct {
	list    *AllowList
	source  string
	program cel.Program
}

// NewExpression compiles rule. list supplies the allowed variable and may
// be nil, in which case allowed is always true.
func NewExpression(rule string, list *AllowList) (*Expression, error) {
	env, err := cel.NewEnv(
		cel.Variable("origin", cel.StringType),
		cel.Variable("allowed", cel.BoolType),
		cel.Variable("function", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: rule must return a boolean, got %s", ErrInvalidRule, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}
	return &Expression{list: list, source: rule, program: program}, nil
}

// String returns the rule source.
func (e *Expression) String() string {
	return e.source
}

// Evaluate runs the rule for origin and def.
func (e *Expression) Evaluate(origin string, def *definition.Definition) (bool, error) {
	allowed := true
	if e.list != nil {
		var err error
		if allowed, err = e.list.Match(origin, def); err != nil {
			return false, err
		}
	}

	fn := map[string]any{
		"name":    def.Name,
		"route":   def.Route,
		"origins": stringsOrEmpty(def.Origins),
		"keys":    stringsOrEmpty(def.Keys),
	}
	result, _, err := e.program.Eval(map[string]any{
		"origin":   origin,
		"allowed":  allowed,
		"function": fn,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRuleEvaluation, err)
	}
	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: rule did not return boolean", ErrRuleEvaluation)
	}
	return ok, nil
}

// Allow implements gateway.OriginPolicy.
func (e *Expression) Allow(origin string, def *definition.Definition) error {
	ok, err := e.Evaluate(origin, def)
	if err != nil {
		return apierror.Wrap(apierror.KindFatal, err)
	}
	if !ok {
		return denied(origin, def)
	}
	return nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
