package streaming

import (
	"context"

	"github.com/rendis/nodeflow/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	WorkflowID  string   `json:"workflowId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// EventHub provides pub/sub for execution progress events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	// Subscribe returns a channel of matching events and a cancel function.
	// The channel is closed when cancel is called or ctx is done.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
