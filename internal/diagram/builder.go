package diagram

import (
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Build constructs a Model from a graph and an optional execution trace.
// Nodes keep the graph's order; trace entries set the status of the nodes
// they visited, the last visit winning.
func Build(g *schema.WorkflowGraph, trace []store.TraceEntry) (*Model, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: graph is nil")
	}

	overlays := overlayTrace(trace)
	model := &Model{Title: g.Name}
	if model.Title == "" {
		model.Title = g.ID
	}

	known := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		known[n.ID] = true
		model.Nodes = append(model.Nodes, &Node{
			ID:     n.ID,
			Label:  n.DisplayName(),
			Kind:   kindOf(n.Type),
			Status: overlays[n.ID],
		})
	}

	for _, e := range g.Edges {
		if !known[e.Source] || !known[e.Target] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"diagram: edge %s -> %s references an unknown node", e.Source, e.Target)
		}
		label := e.SourceHandle
		if e.IsAttachment() {
			label = e.TargetHandle
		}
		model.Edges = append(model.Edges, Edge{
			From:       e.Source,
			To:         e.Target,
			Label:      label,
			Attachment: e.IsAttachment(),
		})
	}
	return model, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeEnd:
		return NodeKindEnd
	case schema.NodeTypeIfElse:
		return NodeKindBranch
	case schema.NodeTypeLoop, schema.NodeTypeEndLoop, schema.NodeTypeForEach:
		return NodeKindLoop
	case schema.NodeTypeAgent:
		return NodeKindAgent
	case schema.NodeTypeTool:
		return NodeKindTool
	default:
		return NodeKindAction
	}
}

func overlayTrace(trace []store.TraceEntry) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, e := range trace {
		ov, ok := out[e.NodeID]
		if !ok {
			ov = &StatusOverlay{}
			out[e.NodeID] = ov
		}
		ov.Visits++
		ov.DurationMs = e.Duration.Milliseconds()
		ov.Status = string(schema.NodeStatusCompleted)
		ov.Error = ""
		if e.Error != nil && e.Error.Code != schema.ErrCodeOutputValidation {
			ov.Status = string(schema.NodeStatusFailed)
			ov.Error = e.Error.Message
		}
	}
	return out
}
