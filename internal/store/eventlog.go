package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// EventLog persists progress events of executions and rebuilds node states
// from them.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record stores a progress event. The persisted sequence is assigned by the
// store and is independent of the publish sequence of the hub.
func (el *EventLog) Record(ctx context.Context, ev schema.Event) error {
	if ev.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID: ev.ExecutionID,
		NodeID:      ev.NodeID,
		Type:        ev.Type,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
	})
}

// Consume records every event received from ch until it is closed or ctx is
// done. Failures are passed to onError when set.
func (el *EventLog) Consume(ctx context.Context, ch <-chan schema.Event, onError func(schema.Event, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := el.Record(context.WithoutCancel(ctx), ev); err != nil && onError != nil {
				onError(ev, err)
			}
		}
	}
}

// Events returns the decoded events of an execution with sequence > since.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]schema.Event, error) {
	stored, err := el.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Event, 0, len(stored))
	for _, e := range stored {
		ev, err := decodeEvent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// NodeState is the replayed status of one node of an execution.
type NodeState struct {
	NodeID      string        `json:"nodeId"`
	NodeType    string        `json:"nodeType,omitempty"`
	Status      string        `json:"status"`
	Visits      int           `json:"visits"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Node states reported by Replay besides the node.end statuses.
const (
	NodeStateRunning = "running"
)

// Replay rebuilds per-node states from the stored events of an execution.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) (map[string]*NodeState, error) {
	stored, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range stored {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeState)
	for _, e := range stored {
		if e.NodeID == "" {
			continue
		}
		ev, err := decodeEvent(e)
		if err != nil {
			return nil, err
		}
		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeState{NodeID: e.NodeID}
			states[e.NodeID] = ns
		}
		if ev.NodeType != "" {
			ns.NodeType = ev.NodeType
		}

		switch e.Type {
		case schema.EventNodeStart:
			ns.Status = NodeStateRunning
			ns.Visits++
			ts := e.Timestamp
			ns.StartedAt = &ts
			ns.CompletedAt = nil
		case schema.EventNodeEnd:
			ns.Status = ev.Status
			ts := e.Timestamp
			ns.CompletedAt = &ts
			ns.Duration = ev.Duration
			ns.Error = ev.Error
		}
	}
	return states, nil
}

func decodeEvent(e *Event) (schema.Event, error) {
	var ev schema.Event
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return schema.Event{}, fmt.Errorf("decode event %d: %w", e.Sequence, err)
		}
	}
	ev.Sequence = e.Sequence
	ev.ExecutionID = e.ExecutionID
	ev.Type = e.Type
	if ev.NodeID == "" {
		ev.NodeID = e.NodeID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.Timestamp
	}
	return ev, nil
}
