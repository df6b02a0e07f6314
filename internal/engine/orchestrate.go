package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// OrchestratorNodeID names the synthetic step and trace entry of an
// orchestrated run.
const OrchestratorNodeID = "orchestrator"

const defaultOrchestratorInstructions = "You coordinate a team of agents. Call the agent tools as needed " +
	"to complete the request, then reply with the final answer."

// orchestrate runs the start node, then hands every agent node to the
// agent runtime as a tool. Sequential execution resumes at the first
// control edge leading from an agent to a non-agent node.
func (r *run) orchestrate(start schema.Node, trigger nodedata.NodeData) (nodedata.NodeData, error) {
	in, err := r.step(start, trigger, nil)
	if err != nil || start.ID == r.stopAfter {
		return in, err
	}
	rt := r.engine.runtime
	if rt == nil {
		return in, schema.NewError(schema.ErrCodeAgentRuntime, "orchestrated mode requires an agent runtime")
	}

	var agents []schema.Node
	for _, a := range r.graph.NodesOfType(schema.NodeTypeAgent) {
		if r.follows(a.ID, nil) {
			agents = append(agents, a)
		}
	}
	tools := make([]agentruntime.Tool, 0, len(agents))
	for _, a := range agents {
		tools = append(tools, r.agentTool(a))
	}

	if err := r.handle.Err(); err != nil {
		return in, err
	}
	r.logger.InfoContext(r.ctx, "orchestrating agents", slog.Int("agents", len(agents)))
	started := time.Now().UTC()
	res, err := rt.RunWithTools(context.WithoutCancel(r.ctx), agentruntime.Request{
		Instructions: r.orchestratorInstructions(agents),
		Input:        in.JSON.Text(),
		Tools:        tools,
	})
	if err != nil {
		var nfErr *schema.NodeflowError
		if !errors.As(err, &nfErr) {
			err = schema.NewError(schema.ErrCodeAgentRuntime, err.Error()).WithCause(err)
		}
		return in, err
	}
	if err := r.handle.Err(); err != nil {
		return in, err
	}

	calls := make([]nodedata.Value, 0, len(res.ToolCalls))
	for _, c := range res.ToolCalls {
		calls = append(calls, nodedata.FromAny(c))
	}
	out := nodedata.New(nodedata.Object(map[string]nodedata.Value{
		"output":    nodedata.String(res.FinalOutput),
		"toolCalls": nodedata.Array(calls...),
	}), OrchestratorNodeID, OrchestratorNodeID, start.ID).WithSource(nodedata.SourceAgent)
	r.setStep(OrchestratorNodeID, out)
	r.session.Append(store.TraceEntry{
		NodeID:    OrchestratorNodeID,
		Type:      OrchestratorNodeID,
		Label:     "Orchestrator",
		Input:     in,
		Output:    out,
		Timestamp: started,
		Duration:  time.Since(started),
		ToolCalls: res.ToolCalls,
	})

	next := r.resumeEdge(agents)
	if next == nil {
		return out, nil
	}
	final, _, err := r.walk(next.Target, out, nil)
	return final, err
}

// agentTool exposes an agent node to the orchestrator. Each call is a
// traced visit; agents may be called any number of times.
func (r *run) agentTool(agent schema.Node) agentruntime.Tool {
	description := agent.ConfigString("description")
	if description == "" {
		description = "Delegate to the " + agent.DisplayName() + " agent."
	}
	params := agent.ConfigMap("parameters")
	if params == nil {
		params = agentruntime.DefaultToolParameters()
	}
	return agentruntime.Tool{
		Name:        agentruntime.ToolName(agent.DisplayName()),
		Description: description,
		Parameters:  params,
		Invoke: func(ctx context.Context, arguments string) (string, error) {
			if err := r.handle.Err(); err != nil {
				return "", err
			}
			var args any
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					args = arguments
				}
			}
			in := nodedata.Wrap(args, OrchestratorNodeID, OrchestratorNodeID, "").WithSource(nodedata.SourceAgent)
			out, err := r.visit(agent, in, nil)
			if err != nil {
				r.logger.WarnContext(ctx, "orchestrated agent failed",
					slog.String(logging.NodeIDKey, agent.ID),
					slog.String("error", err.Error()),
				)
				return "", err
			}
			if text, ok := out.JSON.Get("output"); ok {
				return text.Text(), nil
			}
			return out.JSON.Text(), nil
		},
	}
}

func (r *run) orchestratorInstructions(agents []schema.Node) string {
	if r.graph.Instructions != "" {
		return r.graph.Instructions
	}
	var b strings.Builder
	b.WriteString(defaultOrchestratorInstructions)
	b.WriteString("\n\nAgents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s", agentruntime.ToolName(a.DisplayName()))
		if d := a.ConfigString("description"); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteByte('\n')
		for _, t := range r.graph.Attached(a.ID, schema.HandleTool) {
			fmt.Fprintf(&b, "  uses tool %s\n", agentruntime.ToolName(t.DisplayName()))
		}
	}
	return b.String()
}

func (r *run) resumeEdge(agents []schema.Node) *schema.Edge {
	for _, a := range agents {
		for _, e := range r.idx.out[a.ID] {
			target, ok := r.idx.node(e.Target)
			if ok && target.Type != schema.NodeTypeAgent && r.follows(e.Target, nil) {
				return &e
			}
		}
	}
	return nil
}
