// Package agentruntime defines the tool-calling LLM collaborator used by
// agent nodes and by orchestrated runs.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultMaxTurns bounds the model/tool round trips of a single run.
const DefaultMaxTurns = 10

// Tool is a function the model may call. Invoke receives the raw JSON
// arguments produced by the model and returns the text handed back to it.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Invoke      func(ctx context.Context, arguments string) (string, error)
}

// ToolCall is one recorded tool invocation.
type ToolCall struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Request describes a single agent run.
type Request struct {
	Instructions string
	Input        string
	Model        string
	Tools        []Tool
	MaxTurns     int
}

// Result is the outcome of an agent run.
type Result struct {
	FinalOutput string     `json:"finalOutput"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
}

// Runtime runs an instruction-following model that may call tools.
type Runtime interface {
	RunWithTools(ctx context.Context, req Request) (*Result, error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, req Request) (*Result, error)

// RunWithTools calls f.
func (f RuntimeFunc) RunWithTools(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// DefaultToolParameters is the schema used for tools that declare none:
// a free-form object.
func DefaultToolParameters() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
}

// ToolName turns a node label into a function name accepted by
// chat-completion APIs (letters, digits, underscore, dash).
func ToolName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		return "tool"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// Invoke runs the named tool and records the call. An unknown tool or a
// failing tool is reported in the ToolCall rather than as an error so the
// model can recover.
func Invoke(ctx context.Context, tools []Tool, id, name, arguments string) ToolCall {
	call := ToolCall{ID: id, Name: name, Arguments: arguments, StartedAt: time.Now().UTC()}
	tool, ok := findTool(tools, name)
	if !ok {
		call.Error = fmt.Sprintf("unknown tool %q; available: [%s]", name, strings.Join(toolNames(tools), ", "))
		call.Duration = time.Since(call.StartedAt)
		return call
	}
	out, err := tool.Invoke(ctx, arguments)
	if err != nil {
		call.Error = err.Error()
	} else {
		call.Output = out
	}
	call.Duration = time.Since(call.StartedAt)
	return call
}

// ResultText is what the model sees as the tool's answer.
func (c ToolCall) ResultText() string {
	if c.Error != "" {
		b, _ := json.Marshal(map[string]string{"error": c.Error})
		return string(b)
	}
	return c.Output
}

func findTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func runtimeError(format string, args ...any) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeAgentRuntime, format, args...)
}
