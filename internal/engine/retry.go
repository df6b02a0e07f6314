package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// RetryPolicy is read from a node's config.retry. Without it a processor
// failure aborts the run on the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     string // none, constant, linear, exponential
	MaxDelay    time.Duration
}

// retryPolicy parses config.retry: {maxAttempts, delay, backoff, maxDelay}.
// Delays accept duration strings or milliseconds.
func retryPolicy(n schema.Node) *RetryPolicy {
	raw := n.ConfigMap("retry")
	if raw == nil {
		return nil
	}
	cfg := nodedata.FromAny(raw)
	p := &RetryPolicy{MaxAttempts: 1}
	if v, ok := cfg.Get("maxAttempts"); ok {
		if f, ok := v.AsNumber(); ok && f > 1 {
			p.MaxAttempts = int(f)
		}
	}
	if v, ok := cfg.Get("backoff"); ok {
		p.Backoff, _ = v.AsString()
	}
	p.Delay = durationValue(cfg, "delay")
	p.MaxDelay = durationValue(cfg, "maxDelay")
	if p.MaxAttempts <= 1 {
		return nil
	}
	return p
}

func durationValue(cfg nodedata.Value, key string) time.Duration {
	v, ok := cfg.Get(key)
	if !ok {
		return 0
	}
	if s, ok := v.AsString(); ok {
		d, _ := time.ParseDuration(s)
		return d
	}
	if f, ok := v.AsNumber(); ok {
		return time.Duration(f) * time.Millisecond
	}
	return 0
}

// IsRetryableError classifies whether a processor failure should be retried.
// Validation, expression and cancellation failures never are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, code := range []string{
		schema.ErrCodeValidation,
		schema.ErrCodeExpression,
		schema.ErrCodeCancelled,
		schema.ErrCodeNotFound,
	} {
		if schema.IsCode(err, code) {
			return false
		}
	}
	// Unknown failures are retried; the policy bounds the attempts.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func (p *RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	if p == nil || p.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.Delay << attempt
	case "linear":
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// waitForBackoff sleeps for delay or returns early when done is closed.
func waitForBackoff(done <-chan struct{}, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
