// Package cancellation tracks one cancellable handle per running execution.
package cancellation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Handle is the abort signal of one execution. Its context is derived from
// the context passed to Create, so cancelling either ends it.
type Handle struct {
	ExecutionID string
	CreatedAt   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context returns the context that is cancelled when the execution is.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed when the execution has been cancelled.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Err returns a CANCELLED error once the handle is cancelled, nil otherwise.
func (h *Handle) Err() error {
	if h.ctx.Err() == nil {
		return nil
	}
	var nfErr *schema.NodeflowError
	if cause := context.Cause(h.ctx); errors.As(cause, &nfErr) && nfErr.Code == schema.ErrCodeCancelled {
		return nfErr
	}
	return schema.NewCancelledError().WithCause(context.Cause(h.ctx))
}

// Coordinator is a registry of handles keyed by execution id.
type Coordinator struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{handles: make(map[string]*Handle)}
}

// Create registers a handle for executionID. A second live handle for the
// same id is a CONFLICT.
func (c *Coordinator) Create(ctx context.Context, executionID string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[executionID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already has a cancellation handle", executionID)
	}
	hctx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		ExecutionID: executionID,
		CreatedAt:   time.Now().UTC(),
		ctx:         hctx,
		cancel:      cancel,
	}
	c.handles[executionID] = h
	return h, nil
}

// Lookup returns the live handle of executionID.
func (c *Coordinator) Lookup(executionID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[executionID]
	return h, ok
}

// Cancel signals the execution. It returns false when the id is unknown,
// already finished, or already cancelled.
func (c *Coordinator) Cancel(executionID string) bool {
	c.mu.Lock()
	h, ok := c.handles[executionID]
	c.mu.Unlock()
	if !ok || h.ctx.Err() != nil {
		return false
	}
	h.cancel(schema.NewCancelledError())
	return true
}

// CancelAll cancels every live handle and returns how many were signalled.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.ctx.Err() == nil {
			h.cancel(schema.NewCancelledError())
			n++
		}
	}
	return n
}

// Remove drops the handle of executionID and releases its context.
func (c *Coordinator) Remove(executionID string) {
	c.mu.Lock()
	h, ok := c.handles[executionID]
	delete(c.handles, executionID)
	c.mu.Unlock()
	if ok {
		h.cancel(context.Canceled)
	}
}

// Active returns the ids of live handles, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}
