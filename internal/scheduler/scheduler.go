// Package scheduler runs stored workflows on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultSyncInterval is how often stored schedules are reloaded.
const DefaultSyncInterval = time.Minute

// Runner executes a graph synchronously. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts engine.RunOptions) (*store.Execution, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSyncInterval sets how often schedules are reloaded from the store.
func WithSyncInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.syncInterval = d
		}
	}
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per scheduled workflow record. Schedules
// use the five-field cron format or descriptors such as @hourly.
type Scheduler struct {
	store        store.Store
	runner       Runner
	parser       cron.Parser
	cron         *cron.Cron
	logger       *slog.Logger
	syncInterval time.Duration

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow ids currently running
}

// New creates a Scheduler.
func New(s store.Store, runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	logger = logging.OrDefault(logger)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sch := &Scheduler{
		store:        s,
		runner:       runner,
		parser:       parser,
		logger:       logger,
		syncInterval: DefaultSyncInterval,
		entries:      make(map[string]entry),
		inflight:     make(map[string]struct{}),
		ctx:          context.Background(),
	}
	for _, opt := range opts {
		opt(sch)
	}
	cl := cronLogger{logger}
	sch.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return sch
}

// Run loads the schedules, starts the cron runner and reloads the schedules
// every sync interval until ctx ends. Running jobs are awaited on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		s.logger.Error("initial schedule sync failed", slog.String("error", err.Error()))
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("workflows", s.Len()))

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("schedule sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sync makes the cron entries match the scheduled workflow records: new
// and changed schedules are (re)registered, removed ones dropped. Records
// with an invalid schedule are logged and skipped.
func (s *Scheduler) Sync(ctx context.Context) error {
	records, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Scheduled: true})
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string, len(records))
	for _, rec := range records {
		want[rec.ID] = rec.Schedule
	}
	for id, e := range s.entries {
		if spec, ok := want[id]; !ok || spec != e.spec {
			s.cron.Remove(e.id)
			delete(s.entries, id)
		}
	}
	for id, spec := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		sched, err := s.parser.Parse(spec)
		if err != nil {
			s.logger.Warn("skipping workflow with invalid schedule",
				slog.String(logging.WorkflowIDKey, id),
				slog.String("schedule", spec),
				slog.String("error", err.Error()),
			)
			continue
		}
		workflowID := id
		entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.Trigger(s.runContext(), workflowID); err != nil {
				s.logger.Error("scheduled run failed",
					slog.String(logging.WorkflowIDKey, workflowID),
					slog.String("error", err.Error()),
				)
			}
		}))
		s.entries[id] = entry{id: entryID, spec: spec}
	}
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Trigger runs the stored workflow now, with start-node input validation
// skipped. A workflow already running from the scheduler is not started twice.
func (s *Scheduler) Trigger(ctx context.Context, workflowID string) (*store.Execution, error) {
	if !s.tryAcquire(workflowID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already running", workflowID)
	}
	defer s.release(workflowID)

	rec, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s.logger.Info("running scheduled workflow",
		slog.String(logging.WorkflowIDKey, workflowID),
		slog.String("schedule", rec.Schedule),
	)
	input := map[string]any{
		"trigger":     "schedule",
		"schedule":    rec.Schedule,
		"scheduledAt": now.Format(time.RFC3339),
	}
	graph := rec.Graph
	return s.runner.Run(ctx, &graph, input, engine.RunOptions{
		WorkflowID:           rec.ID,
		SkipSchemaValidation: true,
	})
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRuns returns the next activation time per scheduled workflow id.
// Times are zero until the cron runner has started.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, e := range s.entries {
		out[id] = s.cron.Entry(e.id).Next
	}
	return out
}

// CalculateNextRun computes the next activation of a schedule after from.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule %q: %s", spec, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
