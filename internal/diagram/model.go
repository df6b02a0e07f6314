// Package diagram renders workflow graphs as Mermaid flowcharts, optionally
// coloured with the node outcomes of an execution trace.
package diagram

// NodeKind selects the shape of a diagram node.
type NodeKind string

const (
	NodeKindAction NodeKind = "action"
	NodeKindBranch NodeKind = "branch"
	NodeKindLoop   NodeKind = "loop"
	NodeKindAgent  NodeKind = "agent"
	NodeKindTool   NodeKind = "tool"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// Model is the intermediate representation handed to the renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one graph node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of the node's last visit.
type StatusOverlay struct {
	Status     string // completed or failed
	Visits     int
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Attachment edges bind tools, memory or models
// to an agent and are drawn dotted.
type Edge struct {
	From       string
	To         string
	Label      string
	Attachment bool
}
