package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	input := nodedata.Wrap(map[string]any{"user": map[string]any{"name": "ada"}}, "start", "start", "")
	current := nodedata.Wrap([]any{
		map[string]any{"id": "first"},
		map[string]any{"id": "last"},
	}, "n1", "http", "")
	return &Context{
		Steps: map[string]nodedata.NodeData{
			"n1": nodedata.Wrap(map[string]any{"items": []any{map[string]any{"id": 1}}}, "n1", "http", "start"),
			"n2": nodedata.Wrap(map[string]any{"data": []any{map[string]any{"id": 1}}}, "n2", "set", "n1"),
			"n3": nodedata.Wrap("plain", "n3", "set", "n2"),
		},
		Input:     &input,
		Secrets:   map[string]string{"API_KEY": "s3cr3t"},
		Current:   &current,
		Variables: map[string]any{"region": "eu"},
	}
}

func resolve(t *testing.T, text string, opts Options) string {
	t.Helper()
	res, err := NewResolver(nil).Resolve(context.Background(), text, testContext(), opts)
	require.NoError(t, err)
	return res.Result
}

func TestResolve_StepPaths(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bracket index", "{{steps.n1.json.items[0].id}}", "1"},
		{"json prefix optional", "{{steps.n1.items[0].id}}", "1"},
		{"dot index", "{{steps.n2.json.data.0.id}}", "1"},
		{"auto descend", "{{steps.n1.json.items.id}}", "1"},
		{"array length", "{{steps.n1.json.items.length}}", "1"},
		{"whole payload", "{{steps.n1}}", `{"items":[{"id":1}]}`},
		{"scalar payload", "{{steps.n3}}", "plain"},
		{"metadata", "{{steps.n2.metadata.previousNodeId}}", "n1"},
		{"bracket node id", `{{steps["n3"]}}`, "plain"},
		{"embedded", "id={{ steps.n1.json.items[0].id }}!", "id=1!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(t, tt.text, Options{}))
		})
	}
}

func TestResolve_BracketAndDotIndexEquivalent(t *testing.T) {
	dot := resolve(t, "{{steps.n2.json.data.0.id}}", Options{OnError: ErrorModeThrow})
	bracket := resolve(t, "{{steps.n2.json.data[0].id}}", Options{OnError: ErrorModeThrow})
	assert.Equal(t, bracket, dot)
}

func TestResolve_InputSecretsAndVars(t *testing.T) {
	assert.Equal(t, "ada", resolve(t, "{{input.user.name}}", Options{}))
	assert.Equal(t, "ada", resolve(t, "{{input.json.user.name}}", Options{}))
	assert.Equal(t, `{"user":{"name":"ada"}}`, resolve(t, "{{input}}", Options{}))
	assert.Equal(t, "s3cr3t", resolve(t, "{{secrets.API_KEY}}", Options{}))
	assert.Equal(t, "s3cr3t", resolve(t, "{{secret:API_KEY}}", Options{}))
	assert.Equal(t, "eu", resolve(t, "{{vars.region}}", Options{}))
}

func TestResolve_ProxyForms(t *testing.T) {
	assert.Equal(t, "first", resolve(t, "{{$json[0].id}}", Options{}))
	assert.Equal(t, "first", resolve(t, "{{$json.id}}", Options{}))
	assert.Equal(t, "1", resolve(t, `{{$node["n1"].json.items[0].id}}`, Options{}))
	assert.Equal(t, "1", resolve(t, `{{$node['n2'].json.data.0.id}}`, Options{}))
	assert.Equal(t, "first", resolve(t, "{{$input.first().json.id}}", Options{}))
	assert.Equal(t, "last", resolve(t, "{{$input.last().json.id}}", Options{}))
	assert.Equal(t, "2", resolve(t, "{{$input.all().length}}", Options{}))
}

func TestResolve_LegacyDataRewrite(t *testing.T) {
	assert.Equal(t, "1", resolve(t, "{{steps.n1.data.items[0].id}}", Options{}))
	assert.Equal(t, "1", resolve(t, "{{steps.n2.json.data[0].id}}", Options{}))

	assert.Equal(t, "steps.n1.json.items", RewriteLegacy("steps.n1.data.items"))
	assert.Equal(t, "steps.n1.json.data.x", RewriteLegacy("steps.n1.json.data.x"))
	assert.Equal(t, "steps.n1.dataset", RewriteLegacy("steps.n1.dataset"))
}

func TestResolve_ThrowMissingNode(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(), "{{steps.ghost.json.x}}", testContext(),
		Options{OnError: ErrorModeThrow})
	require.Error(t, err)

	var rerr *ExpressionResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, ReasonMissingNode, rerr.Reason)
	assert.Equal(t, "steps.ghost.json.x", rerr.Expression)
	assert.Equal(t, []string{"n1", "n2", "n3"}, rerr.AvailableNodes)
}

func TestResolve_ThrowReasons(t *testing.T) {
	tests := []struct {
		text   string
		reason Reason
	}{
		{"{{steps.n1.json.nope}}", ReasonNotFound},
		{"{{steps.n3.json.x}}", ReasonInvalidPath},
		{"{{steps.n1.json..x}}", ReasonInvalidPath},
		{"{{secrets.NOPE}}", ReasonNotFound},
		{"{{unknown.x}}", ReasonInvalidPath},
		{"{{}}", ReasonInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			_, err := NewResolver(nil).Resolve(context.Background(), tt.text, testContext(),
				Options{OnError: ErrorModeThrow})
			var rerr *ExpressionResolutionError
			require.True(t, errors.As(err, &rerr), "got %v", err)
			assert.Equal(t, tt.reason, rerr.Reason)
		})
	}
}

func TestResolve_ThrowNotFoundListsSiblings(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(), "{{input.user.age}}", testContext(),
		Options{OnError: ErrorModeThrow})
	var rerr *ExpressionResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, []string{"name"}, rerr.AvailablePaths)
	assert.Contains(t, rerr.Error(), "available: [name]")
}

func TestResolve_FallbackMode(t *testing.T) {
	got := resolve(t, "{{steps.ghost.json.x}}", Options{OnError: ErrorModeFallback, Fallback: "D"})
	assert.Equal(t, "D", got)

	got = resolve(t, "a={{steps.ghost}} b={{steps.n3}}", Options{OnError: ErrorModeFallback, Fallback: "D"})
	assert.Equal(t, "a=D b=plain", got)
}

func TestResolve_WarnMode(t *testing.T) {
	assert.Equal(t, "x=", resolve(t, "x={{steps.ghost}}", Options{}))
	assert.Equal(t, "x=", resolve(t, "x={{steps.ghost}}", Options{OnError: ErrorModeWarn}))
	assert.Equal(t, "x={{steps.ghost}}", resolve(t, "x={{steps.ghost}}", Options{KeepUnresolved: true}))
}

func TestResolve_NoExpressions(t *testing.T) {
	assert.Equal(t, "plain text {not}", resolve(t, "plain text {not}", Options{}))
	assert.Equal(t, "open {{ only", resolve(t, "open {{ only", Options{}))
}

func TestResolve_Debug(t *testing.T) {
	res, err := NewResolver(nil).Resolve(context.Background(),
		"{{steps.n1.json.items[0].id}}-{{steps.ghost}}", testContext(), Options{Debug: true})
	require.NoError(t, err)

	assert.Equal(t, "1-", res.Result)
	require.Len(t, res.Trace, 2)
	assert.Equal(t, "steps.n1.json.items[0].id", res.Trace[0].Expression)
	assert.True(t, res.Trace[0].Resolved)
	assert.Equal(t, 1.0, res.Trace[0].Value)
	assert.False(t, res.Trace[1].Resolved)
	assert.NotEmpty(t, res.Trace[1].Error)
	assert.GreaterOrEqual(t, int64(res.Trace[0].Duration), int64(0))
}

func TestResolve_NoTraceWithoutDebug(t *testing.T) {
	res, err := NewResolver(nil).Resolve(context.Background(), "{{steps.n3}}", testContext(), Options{})
	require.NoError(t, err)
	assert.Nil(t, res.Trace)
}

func TestResolveValue_KeepsTypes(t *testing.T) {
	r := NewResolver(nil)

	v, err := r.ResolveValue(context.Background(), "{{steps.n1.json.items}}", testContext(), Options{})
	require.NoError(t, err)
	assert.Equal(t, nodedata.KindArray, v.Kind())

	v, err = r.ResolveValue(context.Background(), " {{steps.n1.json.items[0].id}} ", testContext(), Options{})
	require.NoError(t, err)
	n, ok := v.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 1.0, n)

	v, err = r.ResolveValue(context.Background(), "id-{{steps.n1.json.items[0].id}}", testContext(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "id-1", v.Text())

	v, err = r.ResolveValue(context.Background(), "{{steps.ghost}}", testContext(), Options{})
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestResolveConfig(t *testing.T) {
	cfg := map[string]any{
		"url":     "https://api/{{vars.region}}/users",
		"ids":     "{{steps.n1.json.items}}",
		"static":  42,
		"headers": map[string]any{"Authorization": "Bearer {{secrets.API_KEY}}"},
		"list":    []any{"{{input.user.name}}", true},
	}

	out, err := NewResolver(nil).ResolveConfig(context.Background(), cfg, testContext(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "https://api/eu/users", out["url"])
	assert.Equal(t, []any{map[string]any{"id": 1.0}}, out["ids"])
	assert.Equal(t, 42, out["static"])
	assert.Equal(t, map[string]any{"Authorization": "Bearer s3cr3t"}, out["headers"])
	assert.Equal(t, []any{"ada", true}, out["list"])
	assert.Equal(t, "https://api/{{vars.region}}/users", cfg["url"], "input config must not change")
}

func TestResolveConfig_ThrowPropagates(t *testing.T) {
	_, err := NewResolver(nil).ResolveConfig(context.Background(),
		map[string]any{"x": map[string]any{"y": "{{steps.ghost}}"}}, testContext(), Options{OnError: ErrorModeThrow})
	require.Error(t, err)
}

func TestExpressionResolutionError_AsNodeflowError(t *testing.T) {
	rerr := &ExpressionResolutionError{Expression: "steps.x", Reason: ReasonMissingNode, Message: "gone",
		AvailableNodes: []string{"a"}}
	nfe := rerr.AsNodeflowError()
	assert.Equal(t, schema.ErrCodeExpression, nfe.Code)
	assert.Equal(t, "missing_node", nfe.Details["reason"])
	assert.ErrorIs(t, nfe, rerr)
}

func TestHasExpressions(t *testing.T) {
	assert.True(t, HasExpressions("a {{b}}"))
	assert.False(t, HasExpressions("a {{b"))
	assert.False(t, HasExpressions("plain"))
}
