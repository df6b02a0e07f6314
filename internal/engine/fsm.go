package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

// ExecutionFSM guards execution status changes. An execution leaves
// running exactly once, for completed or failed.
type ExecutionFSM struct {
	mu     sync.Mutex
	before map[fsmKey][]TransitionHook
	after  map[fsmKey][]TransitionHook
}

type fsmKey struct {
	from, to schema.ExecutionStatus
}

// ValidTransitions lists the allowed target states per state.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning: {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
}

// NewExecutionFSM creates an ExecutionFSM without hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[fsmKey][]TransitionHook),
		after:  make(map[fsmKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition; an error vetoes it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fsmKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook called after a transition. Errors are returned
// to the caller but do not undo the transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fsmKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// Transition validates from -> to, runs the before hooks, applies the change
// through apply and runs the after hooks. The caller persists the state.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, apply func() error) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	k := fsmKey{from, to}
	before := slices.Clone(f.before[k])
	after := slices.Clone(f.after[k])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	if apply != nil {
		if err := apply(); err != nil {
			return err
		}
	}
	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}
