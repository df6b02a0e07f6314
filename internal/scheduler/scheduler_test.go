package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

type runCall struct {
	graphID string
	input   any
	opts    engine.RunOptions
}

// mockRunner records runs; block, when set, holds every run until closed.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	block chan struct{}
}

func (m *mockRunner) Run(_ context.Context, graph *schema.WorkflowGraph, input any, opts engine.RunOptions) (*store.Execution, error) {
	m.mu.Lock()
	m.calls = append(m.calls, runCall{graphID: graph.ID, input: input, opts: opts})
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return &store.Execution{ID: "exec", WorkflowID: opts.WorkflowID, Status: schema.ExecutionStatusCompleted}, nil
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func saveWorkflow(t *testing.T, s store.Store, id, schedule string) {
	t.Helper()
	require.NoError(t, s.SaveWorkflow(context.Background(), &store.WorkflowRecord{
		ID:       id,
		Name:     id,
		Schedule: schedule,
		Graph: schema.WorkflowGraph{
			ID:    id,
			Nodes: []schema.Node{{ID: "start", Type: schema.NodeTypeStart}},
		},
	}))
}

func TestCalculateNextRun(t *testing.T) {
	s := New(store.NewMemoryStore(), &mockRunner{}, nil)
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("every tuesday", from)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSync_TracksScheduledWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	saveWorkflow(t, st, "hourly", "0 * * * *")
	saveWorkflow(t, st, "daily", "@daily")
	saveWorkflow(t, st, "manual", "")
	saveWorkflow(t, st, "broken", "not a schedule")

	s := New(st, &mockRunner{}, nil)
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 2, s.Len())
	assert.Contains(t, s.NextRuns(), "hourly")
	assert.Contains(t, s.NextRuns(), "daily")

	require.NoError(t, st.DeleteWorkflow(context.Background(), "daily"))
	saveWorkflow(t, st, "hourly", "30 * * * *")
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 1, s.Len())
	s.mu.Lock()
	assert.Equal(t, "30 * * * *", s.entries["hourly"].spec)
	s.mu.Unlock()
}

func TestTrigger_SkipsInputValidation(t *testing.T) {
	st := store.NewMemoryStore()
	saveWorkflow(t, st, "report", "@hourly")
	runner := &mockRunner{}
	s := New(st, runner, nil)

	exec, err := s.Trigger(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, "report", exec.WorkflowID)

	require.Equal(t, 1, runner.count())
	call := runner.calls[0]
	assert.Equal(t, "report", call.graphID)
	assert.True(t, call.opts.SkipSchemaValidation)
	assert.Equal(t, "report", call.opts.WorkflowID)
	assert.Equal(t, "schedule", call.input.(map[string]any)["trigger"])

	_, err = s.Trigger(context.Background(), "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTrigger_DedupsRunningWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	saveWorkflow(t, st, "slow", "@hourly")
	runner := &mockRunner{block: make(chan struct{})}
	s := New(st, runner, nil)

	done := make(chan struct{})
	go func() {
		_, _ = s.Trigger(context.Background(), "slow")
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)

	_, err := s.Trigger(context.Background(), "slow")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	close(runner.block)
	<-done
	_, err = s.Trigger(context.Background(), "slow")
	assert.NoError(t, err)
}

func TestRun_FiresCronEntries(t *testing.T) {
	st := store.NewMemoryStore()
	saveWorkflow(t, st, "tick", "@every 1s")
	runner := &mockRunner{}
	s := New(st, runner, nil, WithSyncInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestTrigger_WithEngine(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveWorkflow(context.Background(), &store.WorkflowRecord{
		ID:       "strict",
		Schedule: "@hourly",
		Graph: schema.WorkflowGraph{
			ID: "strict",
			Nodes: []schema.Node{{ID: "start", Type: schema.NodeTypeStart, Config: map[string]any{
				"inputSchema": map[string]any{"type": "object", "required": []any{"customer"}},
			}}},
		},
	}))
	eng, err := engine.New(engine.Config{Store: st})
	require.NoError(t, err)

	exec, err := New(st, eng, nil).Trigger(context.Background(), "strict")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "strict", exec.WorkflowID)
}
