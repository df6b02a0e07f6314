package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func TestGraphIndex_SkipsAttachmentEdges(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("start", schema.NodeTypeStart, nil),
			testNode("agent", schema.NodeTypeAgent, nil),
			testNode("lookup", schema.NodeTypeTool, nil),
		},
		Edges: []schema.Edge{
			testEdge("start", "agent"),
			{Source: "lookup", Target: "agent", TargetHandle: schema.HandleTool},
		},
	}
	idx := newGraphIndex(g)
	assert.Len(t, idx.out["start"], 1)
	assert.Empty(t, idx.out["lookup"])
	assert.Len(t, idx.in["agent"], 1)
}

func TestGraphIndex_Start(t *testing.T) {
	idx := newGraphIndex(linearGraph())
	start, err := idx.start()
	require.NoError(t, err)
	assert.Equal(t, "start", start.ID)

	_, err = newGraphIndex(&schema.WorkflowGraph{}).start()
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGraphIndex_Ancestors(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("start", schema.NodeTypeStart, nil),
			testNode("a", schema.NodeTypeNoop, nil),
			testNode("b", schema.NodeTypeNoop, nil),
			testNode("c", schema.NodeTypeNoop, nil),
		},
		Edges: []schema.Edge{testEdge("start", "a"), testEdge("start", "b"), testEdge("a", "c")},
	}
	got := newGraphIndex(g).ancestors("c")
	assert.Equal(t, map[string]bool{"start": true, "a": true, "c": true}, got)
}

func TestGraphIndex_TopoOrder(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("d", schema.NodeTypeNoop, nil),
			testNode("b", schema.NodeTypeNoop, nil),
			testNode("a", schema.NodeTypeNoop, nil),
			testNode("c", schema.NodeTypeNoop, nil),
		},
		Edges: []schema.Edge{testEdge("a", "b"), testEdge("a", "c"), testEdge("b", "d"), testEdge("c", "d")},
	}
	idx := newGraphIndex(g)
	set := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	assert.Equal(t, []string{"a", "b", "c", "d"}, idx.topoOrder(set))
}

func TestDescriptor_ForEach(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("each", schema.NodeTypeForEach, nil),
			testNode("fetch", schema.NodeTypeNoop, nil),
			testNode("save", schema.NodeTypeNoop, nil),
			testNode("report", schema.NodeTypeNoop, nil),
		},
		Edges: []schema.Edge{
			handleEdge("each", "fetch", schema.HandleLoop),
			testEdge("fetch", "save"),
			testEdge("save", "each"),
			handleEdge("each", "report", schema.HandleDone),
		},
	}
	d, err := newGraphIndex(g).descriptor(g.Nodes[0])
	require.NoError(t, err)
	assert.Equal(t, "each", d.LoopNodeID)
	assert.Equal(t, "fetch", d.EntryNodeID)
	assert.Equal(t, []string{"fetch", "save"}, d.BodyNodeIDs)
	require.NotNil(t, d.ExitEdge)
	assert.Equal(t, "report", d.ExitEdge.Target)
	assert.True(t, d.inBody("save"))
	assert.False(t, d.inBody("report"))
	assert.Empty(t, d.EndNodeID)
}

func TestDescriptor_ForEachWithoutLoopHandle(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("each", schema.NodeTypeForEach, nil),
			testNode("body", schema.NodeTypeNoop, nil),
			testNode("after", schema.NodeTypeNoop, nil),
		},
		Edges: []schema.Edge{
			handleEdge("each", "after", schema.HandleDone),
			testEdge("each", "body"),
		},
	}
	d, err := newGraphIndex(g).descriptor(g.Nodes[0])
	require.NoError(t, err)
	assert.Equal(t, "body", d.EntryNodeID)
	assert.Equal(t, "after", d.ExitEdge.Target)
}

func TestDescriptor_Pair(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("loop", schema.NodeTypeLoop, map[string]any{"pairId": "p"}),
			testNode("step", schema.NodeTypeNoop, nil),
			testNode("close", schema.NodeTypeEndLoop, map[string]any{"pairId": "p"}),
			testNode("next", schema.NodeTypeNoop, nil),
		},
		Edges: []schema.Edge{testEdge("loop", "step"), testEdge("step", "close"), testEdge("close", "next")},
	}
	d, err := newGraphIndex(g).descriptor(g.Nodes[0])
	require.NoError(t, err)
	assert.Equal(t, "step", d.EntryNodeID)
	assert.Equal(t, []string{"step"}, d.BodyNodeIDs)
	assert.Equal(t, "close", d.EndNodeID)
	assert.Equal(t, "next", d.ExitEdge.Target)
}

func TestDescriptor_PairEmptyBody(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{
			testNode("loop", schema.NodeTypeLoop, map[string]any{"pairId": "p"}),
			testNode("close", schema.NodeTypeEndLoop, map[string]any{"pairId": "p"}),
		},
		Edges: []schema.Edge{testEdge("loop", "close")},
	}
	d, err := newGraphIndex(g).descriptor(g.Nodes[0])
	require.NoError(t, err)
	assert.Empty(t, d.EntryNodeID)
	assert.Empty(t, d.BodyNodeIDs)
	assert.Nil(t, d.ExitEdge)
}

func TestDescriptor_PairWithoutEndLoop(t *testing.T) {
	g := &schema.WorkflowGraph{
		Nodes: []schema.Node{testNode("loop", schema.NodeTypeLoop, map[string]any{"pairId": "p"})},
	}
	_, err := newGraphIndex(g).descriptor(g.Nodes[0])
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = newGraphIndex(g).descriptor(testNode("x", schema.NodeTypeNoop, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
