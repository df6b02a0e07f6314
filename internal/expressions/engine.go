package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Engine evaluates condition and transform expressions inside nodes.
// Three implementations: Expr (default conditions), CEL, GoJQ (transforms).
// The data map exposes json, input, steps and vars.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines is a set of evaluation engines keyed by language name.
type Engines struct {
	engines map[string]Engine
}

// NewEngines creates the expr, cel and jq engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEnginesWith(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// NewEnginesWith builds a set from the given engines.
func NewEnginesWith(engines ...Engine) *Engines {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Engines{engines: m}
}

// Get returns the engine for language.
func (s *Engines) Get(language string) (Engine, error) {
	e, ok := s.engines[strings.ToLower(language)]
	if !ok {
		names := make([]string, 0, len(s.engines))
		for n := range s.engines {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression language %q; available: [%s]", language, strings.Join(names, ", "))
	}
	return e, nil
}

// Evaluate runs expression in the given language.
func (s *Engines) Evaluate(ctx context.Context, language, expression string, data map[string]any) (any, error) {
	e, err := s.Get(language)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expression, data)
}

// EvaluateBool runs expression and reports the truthiness of its result.
func (s *Engines) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	out, err := s.Evaluate(ctx, language, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return nodedata.FromAny(out).Truthy(), nil
}

// DataFor builds the evaluation data map for a node receiving current.
func DataFor(rc *Context, current nodedata.NodeData) map[string]any {
	steps := make(map[string]any)
	var input any
	var vars map[string]any
	if rc != nil {
		for id, nd := range rc.Steps {
			steps[id] = nd.JSON.Any()
		}
		if rc.Input != nil {
			input = rc.Input.JSON.Any()
		}
		vars = rc.Variables
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"json":  current.JSON.Any(),
		"input": input,
		"steps": steps,
		"vars":  vars,
	}
}

func unwrapEvalError(kind, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", kind, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
