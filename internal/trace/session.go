package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/store"
)

// Session holds the in-memory trace and the write-behind queue of one
// execution between Begin and End.
type Session struct {
	executionID string
	recorder    *Recorder

	// flushing serializes writes for this execution.
	flushing sync.Mutex

	mu        sync.Mutex
	trace     []store.TraceEntry
	pending   []store.TraceEntry
	timer     *time.Timer
	waitingAt time.Time // when the oldest pending entry was queued
	lastStamp time.Time
	ended     bool
}

// ExecutionID returns the id the session records for.
func (s *Session) ExecutionID() string { return s.executionID }

// Append adds entry to the in-memory trace and the pending queue and re-arms
// the debounce timer. Timestamps are bumped to stay strictly increasing so
// that (nodeId, timestamp) identifies an entry.
func (s *Session) Append(entry store.TraceEntry) store.TraceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if !entry.Timestamp.After(s.lastStamp) {
		entry.Timestamp = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = entry.Timestamp

	s.trace = append(s.trace, entry)
	if len(s.pending) == 0 {
		s.waitingAt = time.Now()
	}
	s.pending = append(s.pending, entry)
	s.armLocked()
	return entry
}

// Trace returns a copy of the in-memory trace.
func (s *Session) Trace() []store.TraceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.TraceEntry(nil), s.trace...)
}

// Pending returns the number of entries not yet written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes the pending queue now, waiting for an in-flight write first.
func (s *Session) Flush(ctx context.Context) error {
	s.flushing.Lock()
	defer s.flushing.Unlock()
	return s.flushLocked(ctx)
}

// End flushes the remaining entries and removes the session from the
// recorder. The in-memory trace stays readable.
func (s *Session) End(ctx context.Context) error {
	err := s.Flush(ctx)

	s.mu.Lock()
	s.ended = true
	s.stopLocked()
	s.mu.Unlock()

	s.recorder.remove(s)
	return err
}

func (s *Session) armLocked() {
	if s.ended {
		return
	}
	s.stopLocked()
	s.timer = time.AfterFunc(s.recorder.cfg.FlushDelay, s.timerFlush)
}

func (s *Session) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// timerFlush runs on the debounce timer. A write already in flight makes it
// reschedule instead of running concurrently.
func (s *Session) timerFlush() {
	if !s.flushing.TryLock() {
		s.mu.Lock()
		s.armLocked()
		s.mu.Unlock()
		return
	}
	defer s.flushing.Unlock()

	if err := s.flushLocked(context.Background()); err != nil {
		s.recorder.logger.Warn("trace flush failed",
			slog.String("execution_id", s.executionID),
			slog.String("error", err.Error()))
	}
}

// flushLocked must be called with s.flushing held.
func (s *Session) flushLocked(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.stopLocked()
	s.mu.Unlock()

	r := s.recorder
	if len(batch) == 0 {
		r.metrics.TraceFlush(metrics.FlushSkipped)
		return nil
	}

	if err := s.write(ctx, batch); err != nil {
		s.requeue(batch)
		r.metrics.TraceFlush(metrics.FlushError)
		return err
	}
	r.metrics.TraceFlush(metrics.FlushOK)
	r.logger.Debug("trace flushed",
		slog.String("execution_id", s.executionID),
		slog.Int("entries", len(batch)))
	return nil
}

func (s *Session) write(ctx context.Context, batch []store.TraceEntry) error {
	w := s.recorder.writer
	exec, err := w.GetExecution(ctx, s.executionID)
	if err != nil {
		return fmt.Errorf("load trace: %w", err)
	}
	merged := store.MergeTrace(exec.Trace, batch)
	if err := w.UpdateTrace(ctx, s.executionID, merged); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

// requeue puts a failed batch back in front of anything appended meanwhile
// and re-arms the timer.
func (s *Session) requeue(batch []store.TraceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
	s.armLocked()
}

func (s *Session) discardIfStale(now time.Time, staleAfter time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || now.Sub(s.waitingAt) <= staleAfter {
		return false
	}
	s.stopLocked()
	s.recorder.logger.Warn("discarding stale trace batch",
		slog.String("execution_id", s.executionID),
		slog.Int("entries", len(s.pending)))
	s.pending = nil
	return true
}
