package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Execution is the persisted record of one run of a workflow graph.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	Status      schema.ExecutionStatus `json:"status"`
	Input       nodedata.Value         `json:"input"`
	Output      nodedata.Value         `json:"output"`
	Error       string                 `json:"error,omitempty"`
	Trace       []TraceEntry           `json:"trace"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Clone returns a copy whose trace can be modified independently.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Trace = append([]TraceEntry(nil), e.Trace...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// TraceEntry records a single node visit. Loop body visits carry the loop
// node id and the zero-based iteration index.
type TraceEntry struct {
	NodeID       string                  `json:"nodeId"`
	Type         string                  `json:"type"`
	Label        string                  `json:"label,omitempty"`
	Input        nodedata.NodeData       `json:"input"`
	Output       nodedata.NodeData       `json:"output"`
	Timestamp    time.Time               `json:"timestamp"`
	Duration     time.Duration           `json:"duration"`
	InputSchema  *nodedata.Shape         `json:"inputSchema,omitempty"`
	OutputSchema *nodedata.Shape         `json:"outputSchema,omitempty"`
	Error        *nodedata.ErrorInfo     `json:"error,omitempty"`
	ToolCalls    []agentruntime.ToolCall `json:"toolCalls,omitempty"`
	AgentName    string                  `json:"agentName,omitempty"`
	LoopNodeID   string                  `json:"loopNodeId,omitempty"`
	Iteration    *int                    `json:"iteration,omitempty"`
}

// Key identifies an entry for deduplication: node id plus timestamp.
func (t TraceEntry) Key() string {
	return t.NodeID + "@" + strconv.FormatInt(t.Timestamp.UnixNano(), 10)
}

// MergeTrace appends the entries of next not already present in base,
// preserving order. Entries are matched by Key.
func MergeTrace(base, next []TraceEntry) []TraceEntry {
	seen := make(map[string]bool, len(base)+len(next))
	out := make([]TraceEntry, 0, len(base)+len(next))
	for _, list := range [][]TraceEntry{base, next} {
		for _, e := range list {
			k := e.Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	return out
}

// ExecutionUpdate holds optional fields for a partial execution update.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Output      *nodedata.Value
	Error       *string
	CompletedAt *time.Time
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// WorkflowRecord is a stored workflow graph, optionally run on a cron schedule.
type WorkflowRecord struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Graph       schema.WorkflowGraph `json:"graph"`
	Schedule    string               `json:"schedule,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Scheduled bool // only records with a schedule
	Limit     int
	Offset    int
}

// Event is a persisted progress event of an execution.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
