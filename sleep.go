package duet

import (
	"context"
	"fmt"
	log "log/slog"
	"math/rand"
	"time"
)

// Now is a lambda expression that returns the current time. Allows unit tests to inject replayable time.Now.
var Now = time.Now

// jitterRNG is the random source used for sleep jitter. It is seeded once at init time.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// ErrTimeout normalizes timeout reporting across subsystems. When the caller's
// context ended the wait, Cause carries the context error so errors.Is keeps
// seeing context.Canceled / context.DeadlineExceeded through it.
type ErrTimeout struct {
	// Name of the timed out operation.
	Name string
	// MaxTime is the operation's configured duration cap.
	MaxTime time.Duration
	// Cause is the context error when the context ended the wait, nil otherwise.
	Cause error
}

func (e ErrTimeout) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s timed out(maxTime=%v): %v", e.Name, e.MaxTime, e.Cause)
	}
	return fmt.Sprintf("%s timed out(maxTime=%v)", e.Name, e.MaxTime)
}

func (e ErrTimeout) Unwrap() error {
	return e.Cause
}

// TimedOut returns an error if the context is done or if the elapsed time since startTime exceeds maxTime.
func TimedOut(ctx context.Context, name string, startTime time.Time, maxTime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout{Name: name, MaxTime: maxTime, Cause: err}
	}
	diff := Now().Sub(startTime)
	if diff > maxTime {
		return ErrTimeout{Name: name, MaxTime: maxTime}
	}
	return nil
}

// RandomSleepWithUnit sleeps for a random multiple (1..4) of the provided unit duration.
// Useful to jitter conflicting transactions and reduce contention.
func RandomSleepWithUnit(ctx context.Context, unit time.Duration) {
	sleepTime := time.Duration(jitterRNG.Intn(5))
	if sleepTime == 0 {
		sleepTime = 1
	}
	st := sleepTime * unit
	log.Debug("sleep jitter", "multiplier", sleepTime, "unit", unit, "duration", st)
	Sleep(ctx, st)
}

// RandomSleep sleeps for a random duration between 20ms and 80ms to stagger retries.
func RandomSleep(ctx context.Context) {
	RandomSleepWithUnit(ctx, 20*time.Millisecond)
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
