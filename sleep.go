package snaptrace

import (
	"context"
	"fmt"
	log "log/slog"
	"math/rand"
	"time"
)

// jitterRNG is the random source used for sleep jitter. It is seeded once at init time.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// Now is the clock TimedOut measures against; overridable so tests can make
// operation-duration timeouts deterministic.
var Now = time.Now

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// ErrTimeout normalizes the two timeout sources: a caller context
// deadline/cancellation, or an operation exceeding its own maxTime budget.
type ErrTimeout struct {
	Name    string
	MaxTime time.Duration
	cause   error
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out (maxTime=%v)", e.Name, e.MaxTime)
}

// Unwrap exposes the underlying context error (if any) so errors.Is(err,
// context.Canceled/DeadlineExceeded) keeps working through ErrTimeout.
func (e ErrTimeout) Unwrap() error {
	return e.cause
}

// TimedOut returns an ErrTimeout if the context is done or if the elapsed
// time since startTime exceeds maxTime, nil otherwise.
func TimedOut(ctx context.Context, name string, startTime time.Time, maxTime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout{Name: name, MaxTime: maxTime, cause: err}
	}
	if Now().Sub(startTime) > maxTime {
		return ErrTimeout{Name: name, MaxTime: maxTime}
	}
	return nil
}

// RandomSleepWithUnit sleeps for a random multiple (1..4) of the provided unit duration.
// Useful to jitter conflicting retries and reduce contention.
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
