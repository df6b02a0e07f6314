package schema

// WorkflowGraph is the JSON/YAML-serializable workflow format: typed nodes
// joined by edges whose handles disambiguate multiple outputs of one node.
type WorkflowGraph struct {
	ID           string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes        []Node         `json:"nodes" yaml:"nodes"`
	Edges        []Edge         `json:"edges" yaml:"edges"`
	Orchestrate  bool           `json:"orchestrate,omitempty" yaml:"orchestrate,omitempty"`
	Instructions string         `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Variables    map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Node is a single vertex of a workflow graph.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Label  string         `json:"label,omitempty" yaml:"label,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes. SourceHandle selects which output of the source
// the edge leaves from (e.g. "true"/"false" on a branch, "loop" on foreach).
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// NodeType enumerates the kinds of nodes the engine knows how to traverse.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeIfElse    NodeType = "ifelse"
	NodeTypeLoop      NodeType = "loop"
	NodeTypeEndLoop   NodeType = "endloop"
	NodeTypeForEach   NodeType = "foreach"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeTool      NodeType = "tool"
	NodeTypeTransform NodeType = "transform"
	NodeTypeSet       NodeType = "set"
	NodeTypeHTTP      NodeType = "http"
	NodeTypeNoop      NodeType = "noop"
)

// Edge handles with engine-level meaning.
const (
	HandleTrue      = "true"
	HandleFalse     = "false"
	HandleLoop      = "loop"
	HandleDone      = "done"
	HandleTool      = "tool"
	HandleMemory    = "memory"
	HandleChatModel = "chat-model"
)

// IsAttachmentHandle reports whether h binds a node as a resource of an agent
// (tool, memory, chat model) rather than as a control-flow successor.
func IsAttachmentHandle(h string) bool {
	switch h {
	case HandleTool, HandleMemory, HandleChatModel:
		return true
	}
	return false
}

// IsAttachment reports whether the edge binds its source as an agent resource.
func (e Edge) IsAttachment() bool {
	return IsAttachmentHandle(e.SourceHandle) || IsAttachmentHandle(e.TargetHandle)
}

// DisplayName returns the label, or the ID when no label is set.
func (n Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// ConfigString returns a string config value, or "" if absent or not a string.
func (n Node) ConfigString(key string) string {
	s, _ := n.Config[key].(string)
	return s
}

// ConfigBool returns a boolean config value, false if absent.
func (n Node) ConfigBool(key string) bool {
	b, _ := n.Config[key].(bool)
	return b
}

// ConfigMap returns a nested object config value, nil if absent.
func (n Node) ConfigMap(key string) map[string]any {
	m, _ := n.Config[key].(map[string]any)
	return m
}

// PairID returns the Loop/EndLoop pairing key.
func (n Node) PairID() string {
	return n.ConfigString("pairId")
}

// NodeByID returns the node with the given id.
func (g *WorkflowGraph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesOfType returns every node of type t in declaration order.
func (g *WorkflowGraph) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Attached returns the nodes bound to nodeID through handle, in either edge
// direction (tool -> agent with targetHandle, or agent -> tool with sourceHandle).
func (g *WorkflowGraph) Attached(nodeID, handle string) []Node {
	var out []Node
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		var other string
		switch {
		case e.Target == nodeID && (e.TargetHandle == handle || e.SourceHandle == handle):
			other = e.Source
		case e.Source == nodeID && e.SourceHandle == handle:
			other = e.Target
		default:
			continue
		}
		if seen[other] {
			continue
		}
		if n, ok := g.NodeByID(other); ok {
			seen[other] = true
			out = append(out, n)
		}
	}
	return out
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (g *WorkflowGraph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
