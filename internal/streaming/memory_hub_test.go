package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.Event{}
}

func assertEmpty(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{
		Type:        schema.EventNodeStart,
		ExecutionID: "x1",
		NodeID:      "fetch",
		NodeType:    "http",
	}))

	got := receive(t, ch)
	assert.Equal(t, schema.EventNodeStart, got.Type)
	assert.Equal(t, "fetch", got.NodeID)
	assert.Equal(t, int64(1), got.Sequence)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublish_SequenceInOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{schema.EventExecutionStarted, schema.EventNodeStart, schema.EventNodeEnd} {
		require.NoError(t, hub.Publish(ctx, schema.Event{Type: typ, ExecutionID: "x1"}))
	}
	for i, want := range []string{schema.EventExecutionStarted, schema.EventNodeStart, schema.EventNodeEnd} {
		got := receive(t, ch)
		assert.Equal(t, want, got.Type)
		assert.Equal(t, int64(i+1), got.Sequence)
	}
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "x1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{ExecutionID: "x1", Type: schema.EventNodeStart}))
	require.NoError(t, hub.Publish(ctx, schema.Event{ExecutionID: "x2", Type: schema.EventNodeStart}))

	assert.Equal(t, "x1", receive(t, ch).ExecutionID)
	assertEmpty(t, ch)
}

func TestFilterByWorkflowAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		WorkflowID: "wf-1",
		EventTypes: []string{schema.EventExecutionCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-1", Type: schema.EventExecutionCompleted}))
	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-1", Type: schema.EventNodeStart}))
	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-2", Type: schema.EventExecutionFailed}))
	require.NoError(t, hub.Publish(ctx, schema.Event{WorkflowID: "wf-1", Type: schema.EventExecutionFailed}))

	assert.Equal(t, schema.EventExecutionCompleted, receive(t, ch).Type)
	assert.Equal(t, schema.EventExecutionFailed, receive(t, ch).Type)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, schema.Event{ExecutionID: "x1", Type: schema.EventNodeEnd}))

	for _, ch := range []<-chan schema.Event{ch1, ch2} {
		assert.Equal(t, schema.EventNodeEnd, receive(t, ch).Type)
	}
}

func TestCancelSubscription_ClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, schema.Event{ExecutionID: "x1", Type: schema.EventNodeStart}))

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestSubscription_EndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	cancelCtx()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure_DropsAndCounts(t *testing.T) {
	var hooked atomic.Int64
	hub := NewMemoryHub(WithBuffer(4), WithDropHook(func(schema.Event) { hooked.Add(1) }))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(ctx, schema.Event{ExecutionID: "x1", Type: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 4, drained)
	assert.Equal(t, uint64(6), hub.Dropped())
	assert.Equal(t, int64(6), hooked.Load())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, schema.Event{ExecutionID: "x", Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, schema.Event{ExecutionID: "x1", Type: "tick"})
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
