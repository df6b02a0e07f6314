package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func newExecution(workflowID string) *Execution {
	return &Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionStatusRunning,
		Input:      nodedata.Object(map[string]nodedata.Value{"user": nodedata.String("ada")}),
		StartedAt:  time.Now().UTC(),
	}
}

func TestStore_CreateAndGetExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := newExecution("wf-1")
		require.NoError(t, s.CreateExecution(ctx, exec))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
		user, _ := got.Input.Get("user")
		assert.Equal(t, "ada", user.Text())
		assert.True(t, got.Output.IsNull())
		assert.Empty(t, got.Trace)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestStore_CreateExecution_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := newExecution("wf-1")
		require.NoError(t, s.CreateExecution(ctx, exec))
		err := s.CreateExecution(ctx, exec)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	})
}

func TestStore_GetExecution_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetExecution(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_UpdateExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := newExecution("wf-1")
		require.NoError(t, s.CreateExecution(ctx, exec))

		status := schema.ExecutionStatusFailed
		output := nodedata.Number(42)
		msg := "boom"
		done := time.Now().UTC()
		require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
			Status: &status, Output: &output, Error: &msg, CompletedAt: &done,
		}))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
		assert.Equal(t, "42", got.Output.Text())
		assert.Equal(t, "boom", got.Error)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, done, *got.CompletedAt, time.Second)
	})
}

func TestStore_UpdateExecution_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		status := schema.ExecutionStatusCompleted
		err := s.UpdateExecution(context.Background(), "missing", ExecutionUpdate{Status: &status})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_UpdateTrace_Replaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := newExecution("wf-1")
		require.NoError(t, s.CreateExecution(ctx, exec))

		iter := 1
		first := []TraceEntry{{NodeID: "a", Type: "start", Timestamp: time.Now().UTC()}}
		require.NoError(t, s.UpdateTrace(ctx, exec.ID, first))

		second := append(first, TraceEntry{
			NodeID: "b", Type: "noop", LoopNodeID: "loop", Iteration: &iter,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, s.UpdateTrace(ctx, exec.ID, second))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, got.Trace, 2)
		assert.Equal(t, "a", got.Trace[0].NodeID)
		assert.Equal(t, "loop", got.Trace[1].LoopNodeID)
		require.NotNil(t, got.Trace[1].Iteration)
		assert.Equal(t, 1, *got.Trace[1].Iteration)

		err = s.UpdateTrace(ctx, "missing", first)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_ListExecutions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i, wf := range []string{"wf-a", "wf-a", "wf-b"} {
			exec := newExecution(wf)
			exec.StartedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateExecution(ctx, exec))
		}

		all, err := s.ListExecutions(ctx, ExecutionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "wf-b", all[0].WorkflowID, "newest first")

		byWF, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a"})
		require.NoError(t, err)
		assert.Len(t, byWF, 2)

		failed := schema.ExecutionStatusFailed
		none, err := s.ListExecutions(ctx, ExecutionFilter{Status: &failed})
		require.NoError(t, err)
		assert.Empty(t, none)

		page, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, all[1].ID, page[0].ID)
	})
}

func TestStore_Workflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := &WorkflowRecord{
			ID:   "wf-1",
			Name: "nightly",
			Graph: schema.WorkflowGraph{
				Nodes: []schema.Node{{ID: "s", Type: "start"}, {ID: "e", Type: "end"}},
				Edges: []schema.Edge{{ID: "e1", Source: "s", Target: "e"}},
			},
			Schedule: "0 3 * * *",
		}
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		require.NoError(t, s.SaveWorkflow(ctx, &WorkflowRecord{ID: "wf-2", Name: "adhoc"}))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "nightly", got.Name)
		assert.Len(t, got.Graph.Nodes, 2)
		assert.Equal(t, "0 3 * * *", got.Schedule)

		wf.Name = "nightly-v2"
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		got, err = s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "nightly-v2", got.Name)

		all, err := s.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		scheduled, err := s.ListWorkflows(ctx, WorkflowFilter{Scheduled: true})
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, "wf-1", scheduled[0].ID)

		require.NoError(t, s.DeleteWorkflow(ctx, "wf-2"))
		_, err = s.GetWorkflow(ctx, "wf-2")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		assert.True(t, schema.IsCode(s.DeleteWorkflow(ctx, "wf-2"), schema.ErrCodeNotFound))
	})
}

func TestStore_Events_SequencePerExecution(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			e := &Event{ExecutionID: "x1", NodeID: "a", Type: schema.EventNodeStart}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		other := &Event{ExecutionID: "x2", Type: schema.EventExecutionStarted}
		require.NoError(t, s.AppendEvent(ctx, other))
		assert.Equal(t, int64(1), other.Sequence)

		events, err := s.GetEvents(ctx, "x1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, "a", events[0].NodeID)
	})
}

func TestStore_AppendEvent_Concurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "x1", Type: schema.EventNodeEnd}))
			}()
		}
		wg.Wait()

		events, err := s.GetEvents(ctx, "x1", 0)
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestMergeTrace(t *testing.T) {
	ts := time.Now().UTC()
	a := TraceEntry{NodeID: "a", Timestamp: ts}
	b := TraceEntry{NodeID: "b", Timestamp: ts.Add(time.Millisecond)}
	a2 := TraceEntry{NodeID: "a", Timestamp: ts.Add(2 * time.Millisecond)}

	merged := MergeTrace([]TraceEntry{a, b}, []TraceEntry{b, a2})
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{merged[0].NodeID, merged[1].NodeID, merged[2].NodeID})
}

func TestExecution_Clone(t *testing.T) {
	exec := newExecution("wf")
	exec.Trace = []TraceEntry{{NodeID: "a"}}
	cp := exec.Clone()
	cp.Trace[0].NodeID = "changed"
	cp.Trace = append(cp.Trace, TraceEntry{NodeID: "b"})
	assert.Equal(t, "a", exec.Trace[0].NodeID)
	assert.Len(t, exec.Trace, 1)
}
