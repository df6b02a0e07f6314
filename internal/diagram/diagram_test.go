package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

func agentGraph() *schema.WorkflowGraph {
	return &schema.WorkflowGraph{
		ID:   "support",
		Name: "Support triage",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "route", Type: schema.NodeTypeIfElse, Label: "Is \"urgent\"?"},
			{ID: "triage-agent", Type: schema.NodeTypeAgent, Label: "Triage"},
			{ID: "lookup", Type: schema.NodeTypeTool},
			{ID: "each", Type: schema.NodeTypeForEach},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "triage-agent", SourceHandle: schema.HandleTrue},
			{Source: "route", Target: "each", SourceHandle: schema.HandleFalse},
			{Source: "lookup", Target: "triage-agent", TargetHandle: schema.HandleTool},
			{Source: "triage-agent", Target: "end"},
		},
	}
}

func TestBuild(t *testing.T) {
	model, err := Build(agentGraph(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Support triage", model.Title)
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, NodeKindBranch, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindAgent, model.Nodes[2].Kind)
	assert.Equal(t, NodeKindLoop, model.Nodes[4].Kind)

	require.Len(t, model.Edges, 5)
	assert.Equal(t, "true", model.Edges[1].Label)
	assert.True(t, model.Edges[3].Attachment)
	assert.Equal(t, schema.HandleTool, model.Edges[3].Label)
}

func TestBuild_UnknownEdgeTarget(t *testing.T) {
	g := agentGraph()
	g.Edges = append(g.Edges, schema.Edge{Source: "end", Target: "ghost"})
	_, err := Build(g, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Build(nil, nil)
	assert.Error(t, err)
}

func TestBuild_TraceOverlay(t *testing.T) {
	trace := []store.TraceEntry{
		{NodeID: "start", Duration: time.Millisecond},
		{NodeID: "route", Duration: 2 * time.Millisecond},
		{NodeID: "each"},
		{NodeID: "each", Error: &nodedata.ErrorInfo{Message: "boom", Code: schema.ErrCodeNodeProcessor}, Duration: 3 * time.Millisecond},
	}
	model, err := Build(agentGraph(), trace)
	require.NoError(t, err)

	assert.Equal(t, "completed", model.Nodes[0].Status.Status)
	each := model.Nodes[4].Status
	require.NotNil(t, each)
	assert.Equal(t, "failed", each.Status)
	assert.Equal(t, 2, each.Visits)
	assert.Equal(t, "boom", each.Error)
	assert.Equal(t, int64(3), each.DurationMs)
	assert.Nil(t, model.Nodes[2].Status)
}

func TestBuild_OutputWarningIsNotFailure(t *testing.T) {
	trace := []store.TraceEntry{
		{NodeID: "start"},
		{NodeID: "route", Error: &nodedata.ErrorInfo{Message: "output mismatch", Code: schema.ErrCodeOutputValidation}},
	}
	model, err := Build(agentGraph(), trace)
	require.NoError(t, err)

	route := model.Nodes[1].Status
	require.NotNil(t, route)
	assert.Equal(t, "completed", route.Status)
	assert.Empty(t, route.Error)
}

func TestRenderMermaid(t *testing.T) {
	model, err := Build(agentGraph(), []store.TraceEntry{{NodeID: "start"}, {NodeID: "route", Error: &nodedata.ErrorInfo{Message: "bad"}}})
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, "%% Support triage")
	assert.Contains(t, out, `start(("start"))`)
	assert.Contains(t, out, `route{"Is 'urgent'?"}`)
	assert.Contains(t, out, `triage_agent{{"Triage"}}`)
	assert.Contains(t, out, `lookup(["lookup"])`)
	assert.Contains(t, out, `each[["each"]]`)
	assert.Contains(t, out, "route -->|true| triage_agent")
	assert.Contains(t, out, "lookup -.->|tool| triage_agent")
	assert.Contains(t, out, "class start completed")
	assert.Contains(t, out, "class route failed")
	assert.Contains(t, out, "triage_agent --> end_\n")
	assert.NotContains(t, out, "class end_")
}
