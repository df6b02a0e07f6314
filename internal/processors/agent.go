package processors

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// AgentProcessor runs an agent node through the agent runtime. Nodes wired
// into the agent's "tool" handle become callable tools; a "chat-model"
// attachment may name the model. Config keys: instructions, prompt, model,
// maxTurns. The output is {output, toolCalls}.
type AgentProcessor struct{}

func (AgentProcessor) Type() string { return string(schema.NodeTypeAgent) }
func (AgentProcessor) Description() string {
	return "Run an instruction-following model with the attached nodes as tools."
}

func (AgentProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	if pc.Runtime == nil {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeAgentRuntime, "agent node %q: no agent runtime configured", node.ID)
	}

	instructions, err := pc.resolveText(ctx, node, in, node.ConfigString("instructions"))
	if err != nil {
		return nodedata.NodeData{}, err
	}
	prompt := node.ConfigString("prompt")
	if prompt == "" {
		prompt = in.JSON.Text()
	} else if prompt, err = pc.resolveText(ctx, node, in, prompt); err != nil {
		return nodedata.NodeData{}, err
	}

	req := agentruntime.Request{
		Instructions: instructions,
		Input:        prompt,
		Model:        agentModel(node, pc.Workflow),
		Tools:        AttachedTools(node, pc),
		MaxTurns:     intParam(node.Config, "maxTurns", 0),
	}

	pc.Report.SetAgentName(node.DisplayName())
	res, err := pc.Runtime.RunWithTools(ctx, req)
	if res != nil {
		pc.Report.AddToolCalls(res.ToolCalls...)
	}
	if err != nil {
		return nodedata.NodeData{}, err
	}

	calls := make([]nodedata.Value, 0, len(res.ToolCalls))
	for _, c := range res.ToolCalls {
		calls = append(calls, nodedata.FromAny(c))
	}
	return emit(node, in, nodedata.Object(map[string]nodedata.Value{
		"output":    nodedata.String(res.FinalOutput),
		"toolCalls": nodedata.Array(calls...),
	})).WithSource(nodedata.SourceAgent), nil
}

// agentModel picks config.model on the agent, then on an attached chat model.
func agentModel(node schema.Node, g *schema.WorkflowGraph) string {
	if m := node.ConfigString("model"); m != "" {
		return m
	}
	if g == nil {
		return ""
	}
	for _, cm := range g.Attached(node.ID, schema.HandleChatModel) {
		if m := cm.ConfigString("model"); m != "" {
			return m
		}
	}
	return ""
}

// AttachedTools exposes the nodes wired into agent's tool handle. Invoking a
// tool dispatches the attached node with the model's arguments as input.
func AttachedTools(agent schema.Node, pc *Context) []agentruntime.Tool {
	if pc.Workflow == nil || pc.Registry == nil {
		return nil
	}
	attached := pc.Workflow.Attached(agent.ID, schema.HandleTool)
	tools := make([]agentruntime.Tool, 0, len(attached))
	for _, n := range attached {
		tools = append(tools, NodeTool(n, agent.ID, pc))
	}
	return tools
}

// NodeTool wraps node as an agent tool. callerID is recorded as the
// previous node of the tool's input envelope.
func NodeTool(node schema.Node, callerID string, pc *Context) agentruntime.Tool {
	params := node.ConfigMap("parameters")
	if params == nil {
		params = agentruntime.DefaultToolParameters()
	}
	description := node.ConfigString("description")
	if description == "" {
		description = node.DisplayName()
	}
	return agentruntime.Tool{
		Name:        agentruntime.ToolName(node.DisplayName()),
		Description: description,
		Parameters:  params,
		Invoke: func(ctx context.Context, arguments string) (string, error) {
			var args any
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					args = arguments
				}
			}
			input := nodedata.Wrap(args, callerID, string(schema.NodeTypeAgent), "").WithSource(nodedata.SourceAgent)
			out, err := pc.Registry.Dispatch(ctx, node, input, pc.ForNode())
			if err != nil {
				pc.logger().WarnContext(ctx, "agent tool failed",
					slog.String("node_id", node.ID),
					slog.String("error", err.Error()),
				)
				return "", err
			}
			return out.JSON.Text(), nil
		},
	}
}
