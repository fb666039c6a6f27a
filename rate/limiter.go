// Package rate provides the per-backend admission limiter. Each participant
// store gets one Limiter; adapters take a token before every backend
// round-trip so a misbehaving workload cannot flood a store.
//
// The bucket holds up to Burst tokens and refills at RatePerSecond. A caller
// that finds the bucket empty reserves the next accruing token and suspends on
// a timer until it lands; there is no polling and wakeups are single-shot.
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/duet"
)

// Now is a lambda expression that returns the current time. Allows unit tests to inject replayable time.Now.
var Now = time.Now

type Limiter struct {
	name           string
	acquireTimeout time.Duration

	mu       sync.Mutex
	capacity float64 // burst size
	rate     float64 // tokens per second
	tokens   float64 // may go negative while reservations are queued
	last     time.Time
}

// New creates a limiter admitting burst tokens back to back and ratePerSecond
// sustained. acquireTimeout bounds how long Acquire may wait for a token;
// zero means the caller's context is the only bound.
func New(name string, burst int, ratePerSecond float64, acquireTimeout time.Duration) (*Limiter, error) {
	if burst < 1 {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("limiter %s needs burst >= 1, got %d", name, burst)}
	}
	if ratePerSecond <= 0 {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("limiter %s needs rate > 0, got %v", name, ratePerSecond)}
	}
	return &Limiter{
		name:           name,
		acquireTimeout: acquireTimeout,
		capacity:       float64(burst),
		rate:           ratePerSecond,
		tokens:         float64(burst),
		last:           Now(),
	}, nil
}

// refill credits tokens accrued since the last settle. Caller holds l.mu.
func (l *Limiter) refill() {
	now := Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
}

// refund returns a reserved token after a canceled wait.
func (l *Limiter) refund() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens++
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Allow takes a token without waiting. It reports false when the bucket is empty.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Acquire takes a token, suspending until one accrues. When the wait would
// exceed the acquire timeout or the caller's deadline, it gives up immediately
// with a ResourceExhausted error whose RetryAfter hint says when a token would
// have been free.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	// Reserve the next accruing token; the deficit tells us exactly how long to sleep.
	l.tokens--
	wait := time.Duration(-l.tokens / l.rate * float64(time.Second))
	l.mu.Unlock()

	if l.acquireTimeout > 0 && wait > l.acquireTimeout {
		l.refund()
		return l.exhausted(wait)
	}
	if deadline, ok := ctx.Deadline(); ok && wait > time.Until(deadline) {
		l.refund()
		return l.exhausted(wait)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.refund()
		return ctx.Err()
	}
}

func (l *Limiter) exhausted(wait time.Duration) error {
	return duet.Error{
		Code:     duet.ResourceExhausted,
		Err:      fmt.Errorf("%s: rate limited, next token in %v", l.name, wait),
		UserData: duet.ResourceExhaustedData{Resource: l.name, RetryAfter: wait},
	}
}

// SetRate reconfigures the limiter atomically. Accrued tokens (and queued
// reservations) are scaled proportionally to the new burst size, never reset,
// so steady traffic sees no admission gap across a reconfigure.
func (l *Limiter) SetRate(burst int, ratePerSecond float64) error {
	if burst < 1 {
		return duet.Error{Code: duet.Validation, Err: fmt.Errorf("limiter %s needs burst >= 1, got %d", l.name, burst)}
	}
	if ratePerSecond <= 0 {
		return duet.Error{Code: duet.Validation, Err: fmt.Errorf("limiter %s needs rate > 0, got %v", l.name, ratePerSecond)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Settle at the old rate up to now, then scale.
	l.refill()
	if l.capacity > 0 {
		l.tokens = l.tokens * float64(burst) / l.capacity
	}
	l.capacity = float64(burst)
	l.rate = ratePerSecond
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	return nil
}

// Tokens reports the tokens currently available, for metrics and diagnostics.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Name returns the limiter's name as used in errors and metrics.
func (l *Limiter) Name() string {
	return l.name
}
