package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// MemoryStore is a Store kept in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	workflows  map[string]*WorkflowRecord
	events     map[string][]*Event
	nextEvent  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		workflows:  make(map[string]*WorkflowRecord),
		events:     make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	cp := exec.Clone()
	cp.StartedAt = timeOrNow(cp.StartedAt)
	if cp.Trace == nil {
		cp.Trace = []TraceEntry{}
	}
	m.executions[exec.ID] = cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return exec.Clone(), nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = *update.Output
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	return nil
}

func (m *MemoryStore) UpdateTrace(_ context.Context, id string, entries []TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	exec.Trace = append([]TraceEntry{}, entries...)
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	var out []*Execution
	for _, exec := range m.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, exec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.workflows[wf.ID]; ok {
		wf.CreatedAt = prev.CreatedAt
	} else {
		wf.CreatedAt = timeOrNow(wf.CreatedAt)
	}
	wf.UpdatedAt = now
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	m.mu.RLock()
	var out []*WorkflowRecord
	for _, wf := range m.workflows {
		if filter.Scheduled && wf.Schedule == "" {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	list := m.events[event.ExecutionID]
	event.ID = m.nextEvent
	event.Sequence = int64(len(list)) + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.ExecutionID] = append(list, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
