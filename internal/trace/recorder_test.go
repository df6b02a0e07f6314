package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// flakyWriter wraps a MemoryStore and can fail or block UpdateTrace.
type flakyWriter struct {
	*store.MemoryStore

	mu      sync.Mutex
	fail    error
	writes  int
	blockCh chan struct{}
}

func (w *flakyWriter) UpdateTrace(ctx context.Context, id string, entries []store.TraceEntry) error {
	w.mu.Lock()
	fail := w.fail
	block := w.blockCh
	w.writes++
	w.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail != nil {
		return fail
	}
	return w.MemoryStore.UpdateTrace(ctx, id, entries)
}

func (w *flakyWriter) setFail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = err
}

func (w *flakyWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func newTestRecorder(t *testing.T, delay time.Duration) (*Recorder, *flakyWriter) {
	t.Helper()
	w := &flakyWriter{MemoryStore: store.NewMemoryStore()}
	require.NoError(t, w.CreateExecution(context.Background(), &store.Execution{
		ID:     "x1",
		Status: schema.ExecutionStatusRunning,
	}))
	return NewRecorder(w, Config{FlushDelay: delay}, nil, nil), w
}

func storedTrace(t *testing.T, w *flakyWriter) []store.TraceEntry {
	t.Helper()
	exec, err := w.GetExecution(context.Background(), "x1")
	require.NoError(t, err)
	return exec.Trace
}

func TestSession_RapidAppendsThenFlush(t *testing.T) {
	r, w := newTestRecorder(t, time.Hour)
	s := r.Begin("x1")

	ts := time.Now().UTC()
	s.Append(store.TraceEntry{NodeID: "a", Timestamp: ts})
	s.Append(store.TraceEntry{NodeID: "a", Timestamp: ts})
	require.NoError(t, s.Flush(context.Background()))

	stored := storedTrace(t, w)
	assert.Len(t, stored, len(s.Trace()))

	seen := make(map[string]bool)
	for _, e := range stored {
		assert.False(t, seen[e.Key()], "duplicate %s", e.Key())
		seen[e.Key()] = true
	}
}

func TestSession_FlushMergesWithStoredTrace(t *testing.T) {
	r, w := newTestRecorder(t, time.Hour)
	s := r.Begin("x1")
	ctx := context.Background()

	first := s.Append(store.TraceEntry{NodeID: "a"})
	require.NoError(t, s.Flush(ctx))

	// A re-entrant write of an entry already stored must not duplicate it.
	s.mu.Lock()
	s.pending = append(s.pending, first)
	s.mu.Unlock()
	s.Append(store.TraceEntry{NodeID: "b"})
	require.NoError(t, s.Flush(ctx))

	stored := storedTrace(t, w)
	require.Len(t, stored, 2)
	assert.Equal(t, "a", stored[0].NodeID)
	assert.Equal(t, "b", stored[1].NodeID)
}

func TestSession_TimerFlushesBatch(t *testing.T) {
	r, w := newTestRecorder(t, 20*time.Millisecond)
	s := r.Begin("x1")

	for _, id := range []string{"a", "b", "c"} {
		s.Append(store.TraceEntry{NodeID: id})
	}

	require.Eventually(t, func() bool {
		return len(storedTrace(t, w)) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, w.writeCount(), "one batched write")
	assert.Equal(t, 0, s.Pending())
}

func TestSession_FailedWriteRequeues(t *testing.T) {
	r, w := newTestRecorder(t, time.Hour)
	s := r.Begin("x1")
	ctx := context.Background()

	w.setFail(errors.New("disk full"))
	s.Append(store.TraceEntry{NodeID: "a"})
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, s.Pending())

	w.setFail(nil)
	s.Append(store.TraceEntry{NodeID: "b"})
	require.NoError(t, s.Flush(ctx))

	stored := storedTrace(t, w)
	require.Len(t, stored, 2)
	assert.Equal(t, "a", stored[0].NodeID)
}

func TestSession_TimerReschedulesWhileInFlight(t *testing.T) {
	r, w := newTestRecorder(t, 10*time.Millisecond)
	s := r.Begin("x1")

	block := make(chan struct{})
	w.mu.Lock()
	w.blockCh = block
	w.mu.Unlock()

	s.Append(store.TraceEntry{NodeID: "a"})
	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background()) }()

	require.Eventually(t, func() bool { return w.writeCount() == 1 }, time.Second, time.Millisecond)
	s.Append(store.TraceEntry{NodeID: "b"})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, w.writeCount(), "timer must not write concurrently")

	w.mu.Lock()
	w.blockCh = nil
	w.mu.Unlock()
	close(block)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		return len(storedTrace(t, w)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSession_EndRemovesSession(t *testing.T) {
	r, w := newTestRecorder(t, time.Hour)
	s := r.Begin("x1")
	assert.Same(t, s, r.Begin("x1"))

	s.Append(store.TraceEntry{NodeID: "a"})
	require.NoError(t, s.End(context.Background()))

	_, ok := r.Session("x1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Active())
	assert.Len(t, storedTrace(t, w), 1)
	assert.Len(t, s.Trace(), 1)
}

func TestSession_TimestampsStrictlyIncrease(t *testing.T) {
	r, _ := newTestRecorder(t, time.Hour)
	s := r.Begin("x1")
	ts := time.Now().UTC()

	a := s.Append(store.TraceEntry{NodeID: "a", Timestamp: ts})
	b := s.Append(store.TraceEntry{NodeID: "a", Timestamp: ts})
	c := s.Append(store.TraceEntry{NodeID: "a", Timestamp: ts.Add(-time.Second)})

	assert.True(t, b.Timestamp.After(a.Timestamp))
	assert.True(t, c.Timestamp.After(b.Timestamp))
}

func TestRecorder_SweepDiscardsStale(t *testing.T) {
	w := &flakyWriter{MemoryStore: store.NewMemoryStore()}
	r := NewRecorder(w, Config{FlushDelay: time.Hour, StaleAfter: time.Minute}, nil, nil)
	s := r.Begin("gone")
	s.Append(store.TraceEntry{NodeID: "a"})

	assert.Equal(t, 0, r.Sweep(time.Now()))
	assert.Equal(t, 1, r.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, s.Pending())
	assert.Len(t, s.Trace(), 1)
}

func TestRecorder_FlushUnknownIsNoop(t *testing.T) {
	r, _ := newTestRecorder(t, time.Hour)
	assert.NoError(t, r.Flush(context.Background(), "nope"))
}

func TestRecorder_RunStopsWithContext(t *testing.T) {
	r, _ := newTestRecorder(t, time.Hour)
	r.cfg.SweepInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
