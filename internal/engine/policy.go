// ABOUTME: Call policies deciding how many times the model is attempted per request
// ABOUTME: SingleAttempt is the default; Retry exists for deployments that opt in

package engine

import (
	"context"
	"time"
)

// CallPolicy runs one logical model request.
type CallPolicy interface {
	Do(ctx context.Context, call func(context.Context) error) error
}

// SingleAttempt calls exactly once, bounded by Timeout when set.
type SingleAttempt struct {
	Timeout time.Duration
}

// Do runs call once.
func (p SingleAttempt) Do(ctx context.Context, call func(context.Context) error) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return call(ctx)
}

// Retry calls up to Attempts times with a fixed Backoff between attempts.
// Each attempt gets its own Timeout.
type Retry struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// Do runs call until it succeeds, attempts run out or ctx ends.
func (p Retry) Do(ctx context.Context, call func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(p.Backoff):
			}
		}
		err = SingleAttempt{Timeout: p.Timeout}.Do(ctx, call)
		if err == nil {
			return nil
		}
	}
	return err
}

// PolicyFor picks the policy for a configured attempt count.
func PolicyFor(attempts int, timeout, backoff time.Duration) CallPolicy {
	if attempts <= 1 {
		return SingleAttempt{Timeout: timeout}
	}
	return Retry{Attempts: attempts, Backoff: backoff, Timeout: timeout}
}
