package schema

import "time"

// Progress event types published while an execution runs.
const (
	EventNodeStart          = "node.start"
	EventNodeEnd            = "node.end"
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// NodeStatus is the outcome carried by a node.end event.
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// Event is a progress notification. Fields not relevant to Type are left empty.
type Event struct {
	Sequence    int64          `json:"sequence"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	NodeID      string         `json:"nodeId,omitempty"`
	NodeType    string         `json:"nodeType,omitempty"`
	NodeLabel   string         `json:"nodeLabel,omitempty"`
	Status      string         `json:"status,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt,omitzero"`
	CompletedAt time.Time      `json:"completedAt,omitzero"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
