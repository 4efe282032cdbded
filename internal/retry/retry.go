// Package retry provides bounded retry with exponential backoff for calls
// to external backends. Only errors classified as transient are retried;
// terminal errors and context cancellation surface immediately.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry, doubled each attempt
	MaxDelay    time.Duration // backoff ceiling
}

// DefaultPolicy matches the pipeline's "small bounded retry" contract:
// one initial attempt plus up to two retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Attempt describes one attempt for the caller's per-attempt hook.
type Attempt struct {
	Number int // 1-based
	Err    error
}

// Do runs fn until it succeeds, returns a non-transient error, the policy
// is exhausted, or ctx is cancelled. transient classifies retryable errors.
// onAttempt, if non-nil, is invoked after every failed attempt so the
// caller can record it; no attempt is retried silently.
func Do(ctx context.Context, p Policy, transient func(error) bool, onAttempt func(Attempt), fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if onAttempt != nil {
			onAttempt(Attempt{Number: attempt, Err: err})
		}
		if !transient(err) || attempt == p.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
