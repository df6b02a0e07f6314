package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/nodeflow/pkg/schema"
)

// exprEnv declares the evaluation variables for the checker. json and input
// carry any payload, so they stay untyped.
var exprEnv = map[string]any{
	"json":  nil,
	"input": nil,
	"steps": map[string]any{},
	"vars":  map[string]any{},
}

// ExprEngine evaluates expr-lang expressions. It is the default language of
// ifelse conditions: `json.status == "ok" && len(json.items) > 0`.
type ExprEngine struct {
	programs programCache[*vm.Program]
}

// NewExprEngine returns an ExprEngine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the data keys as top-level variables. Names
// outside json, input, steps and vars resolve to nil when absent.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, unwrapEvalError("expr", expression, err)
	}
	return out, nil
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.Env(exprEnv), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
