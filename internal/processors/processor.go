// Package processors implements node dispatch: the registry mapping node
// types to processors and the builtin processors shipped with nodeflow.
package processors

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Processor turns a node's input envelope into its output envelope.
type Processor interface {
	Type() string
	ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error)
}

// Describer is implemented by processors that document themselves in List.
type Describer interface {
	Description() string
}

// ProcessorInfo summarizes a registered processor.
type ProcessorInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// OutputValidator checks a payload against a JSON Schema document.
type OutputValidator interface {
	ValidateValue(value any, jsonSchema any) error
}

// Context is what a processor can see while handling one node visit.
type Context struct {
	Workflow    *schema.WorkflowGraph
	ExecutionID string

	// Expressions is the resolution context: step outputs, trigger input,
	// secrets and workflow variables.
	Expressions *expressions.Context
	Resolver    *expressions.Resolver
	Options     expressions.Options
	Engines     *expressions.Engines

	Runtime   agentruntime.Runtime
	Registry  *Registry
	Validator OutputValidator
	Logger    *slog.Logger

	// Report collects per-visit details the engine copies onto the trace.
	Report *Report
}

// ForNode returns a copy of pc with a fresh Report, used for one node visit.
func (pc *Context) ForNode() *Context {
	cp := *pc
	cp.Report = &Report{}
	return &cp
}

func (pc *Context) logger() *slog.Logger {
	if pc.Logger != nil {
		return pc.Logger
	}
	return slog.Default()
}

// resolveOptions returns the resolution options for node: the context
// defaults overridden by config.onError, fallbackValue, keepUnresolved, debug.
func (pc *Context) resolveOptions(node schema.Node) expressions.Options {
	opts := pc.Options
	if mode := node.ConfigString("onError"); mode != "" {
		opts.OnError = expressions.ErrorMode(mode)
	}
	if fb, ok := node.Config["fallbackValue"]; ok {
		opts.Fallback = nodedata.FromAny(fb).Text()
	}
	if node.ConfigBool("keepUnresolved") {
		opts.KeepUnresolved = true
	}
	if node.ConfigBool("debug") {
		opts.Debug = true
	}
	return opts
}

// exprContext returns the resolution context with $json bound to in.
func (pc *Context) exprContext(in nodedata.NodeData) *expressions.Context {
	return pc.Expressions.WithCurrent(in)
}

// resolveText expands a template in the node's resolution mode.
func (pc *Context) resolveText(ctx context.Context, node schema.Node, in nodedata.NodeData, text string) (string, error) {
	if pc.Resolver == nil || !expressions.HasExpressions(text) {
		return text, nil
	}
	res, err := pc.Resolver.Resolve(ctx, text, pc.exprContext(in), pc.resolveOptions(node))
	if err != nil {
		return "", expressionError(node, err)
	}
	pc.logTrace(ctx, node, res.Trace)
	return res.Result, nil
}

// ResolveValue resolves v for node in the node's resolution mode.
func (pc *Context) ResolveValue(ctx context.Context, node schema.Node, in nodedata.NodeData, v any) (nodedata.Value, error) {
	return pc.resolveValue(ctx, node, in, v)
}

// resolveValue resolves v keeping types: single-expression strings become
// the referenced value, maps and slices are resolved recursively.
func (pc *Context) resolveValue(ctx context.Context, node schema.Node, in nodedata.NodeData, v any) (nodedata.Value, error) {
	if pc.Resolver == nil {
		return nodedata.FromAny(v), nil
	}
	opts := pc.resolveOptions(node)
	switch x := v.(type) {
	case string:
		out, err := pc.Resolver.ResolveValue(ctx, x, pc.exprContext(in), opts)
		if err != nil {
			return nodedata.Null, expressionError(node, err)
		}
		return out, nil
	case map[string]any:
		out, err := pc.Resolver.ResolveConfig(ctx, x, pc.exprContext(in), opts)
		if err != nil {
			return nodedata.Null, expressionError(node, err)
		}
		return nodedata.FromAny(out), nil
	default:
		out, err := pc.Resolver.ResolveConfig(ctx, map[string]any{"v": v}, pc.exprContext(in), opts)
		if err != nil {
			return nodedata.Null, expressionError(node, err)
		}
		return nodedata.FromAny(out["v"]), nil
	}
}

func (pc *Context) logTrace(ctx context.Context, node schema.Node, trace []expressions.ExpressionTrace) {
	for _, t := range trace {
		pc.logger().DebugContext(ctx, "expression resolved",
			slog.String("node_id", node.ID),
			slog.String("expression", t.Expression),
			slog.Bool("resolved", t.Resolved),
			slog.Duration("duration", t.Duration),
			slog.String("error", t.Error),
		)
	}
}

func expressionError(node schema.Node, err error) error {
	var rerr *expressions.ExpressionResolutionError
	if errors.As(err, &rerr) {
		return rerr.AsNodeflowError().WithNode(node.ID)
	}
	return err
}

// Report carries tool calls and the agent name recorded during a visit.
type Report struct {
	mu        sync.Mutex
	toolCalls []agentruntime.ToolCall
	agentName string
}

// AddToolCalls appends calls to the report.
func (r *Report) AddToolCalls(calls ...agentruntime.ToolCall) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, calls...)
}

// SetAgentName records the agent that handled the visit.
func (r *Report) SetAgentName(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentName = name
}

// ToolCalls returns a copy of the recorded tool calls.
func (r *Report) ToolCalls() []agentruntime.ToolCall {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agentruntime.ToolCall(nil), r.toolCalls...)
}

// AgentName returns the recorded agent name.
func (r *Report) AgentName() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentName
}

func emit(node schema.Node, in nodedata.NodeData, v nodedata.Value) nodedata.NodeData {
	return nodedata.New(v, node.ID, string(node.Type), in.Metadata.NodeID)
}
