package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// GoJQEngine evaluates jq programs. It is the default language of transform
// nodes, run against {json, input, steps, vars}: `.json.items | map(.id)`.
// $ENV and env are empty.
type GoJQEngine struct {
	programs programCache[*gojq.Code]
}

// NewGoJQEngine returns a GoJQEngine with an empty program cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output of the program, nil for none, or a
// slice when it emits several values.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll collects every output of the program.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.programs.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqInput(data))
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, unwrapEvalError("jq", expression, err)
		}
		results = append(results, val)
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

// jqInput converts data to plain JSON types. gojq only accepts int, float64
// and *big.Int numbers, and no structs; YAML-loaded variables carry both.
func jqInput(data map[string]any) any {
	if data == nil {
		return map[string]any{}
	}
	return nodedata.FromAny(data).Any()
}

var _ Engine = (*GoJQEngine)(nil)
