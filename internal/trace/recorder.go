// Package trace batches trace entries of running executions and writes them
// to the store behind a per-execution debounce timer.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/store"
)

// Defaults for Config.
const (
	DefaultFlushDelay    = 250 * time.Millisecond
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Writer is the part of the store the recorder writes through.
type Writer interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	UpdateTrace(ctx context.Context, id string, entries []store.TraceEntry) error
}

// Config tunes the recorder. Zero values take the defaults.
type Config struct {
	FlushDelay    time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Recorder indexes the live sessions by execution id. Sessions own their
// queues and timers; the recorder only looks them up.
type Recorder struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	writer  Writer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder. m may be nil.
func NewRecorder(w Writer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sessions: make(map[string]*Session),
		writer:   w,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
	}
}

// Begin starts a session for executionID. An existing session for the same
// id is returned unchanged.
func (r *Recorder) Begin(executionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[executionID]; ok {
		return s
	}
	s := &Session{
		executionID: executionID,
		recorder:    r,
	}
	r.sessions[executionID] = s
	return s
}

// Session returns the live session of executionID.
func (r *Recorder) Session(executionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[executionID]
	return s, ok
}

// Flush drains the pending queue of executionID synchronously. Unknown ids
// are a no-op.
func (r *Recorder) Flush(ctx context.Context, executionID string) error {
	s, ok := r.Session(executionID)
	if !ok {
		return nil
	}
	return s.Flush(ctx)
}

// Active returns the number of live sessions.
func (r *Recorder) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Recorder) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.executionID] == s {
		delete(r.sessions, s.executionID)
	}
}

// Run sweeps stale timers every SweepInterval until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.logger.Warn("discarded stale trace batches", slog.Int("sessions", n))
			}
		}
	}
}

// Sweep stops and discards debounce timers whose pending batch has waited
// longer than StaleAfter at now. It returns the number of sessions swept.
func (r *Recorder) Sweep(now time.Time) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	swept := 0
	for _, s := range sessions {
		if s.discardIfStale(now, r.cfg.StaleAfter) {
			swept++
		}
	}
	return swept
}
