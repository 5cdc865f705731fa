package fiber

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is the error carried by a cancelled fiber's outcome. A
	// terminal error matching this sentinel (via errors.Is) finalizes the
	// fiber as cancelled rather than failed, which is how Join propagates a
	// child's cancellation to its parent.
	ErrCancelled = errors.New("fiber: fiber cancelled")

	// ErrRuntimeTerminated is returned by Spawn once Shutdown or Close has
	// begun, and is used to fail fibers that cannot run to completion when
	// the runtime is closed.
	ErrRuntimeTerminated = errors.New("fiber: runtime is terminated")

	// ErrSaturated is passed to Runtime.OnSaturated when the worker pool
	// backlog exceeds the configured saturation threshold. It signals
	// fairness pressure, never a fatal condition.
	ErrSaturated = errors.New("fiber: worker pool backlog above saturation threshold")

	// ErrTimeout is the failure produced by the Timeout combinator when the
	// inner task loses the race against its deadline.
	ErrTimeout = errors.New("fiber: timeout elapsed")

	// ErrDelayLimit is returned (wrapped, with the offending duration) when
	// a Sleep exceeds the configured MaxDelay. Delays beyond one wheel
	// period are never rejected on their own; they are carried by rotation
	// counters.
	ErrDelayLimit = errors.New("fiber: sleep duration exceeds configured maximum")

	// ErrGoexit fails a fiber whose continuation terminated the worker
	// goroutine via runtime.Goexit rather than returning.
	ErrGoexit = errors.New("fiber: continuation exited via runtime.Goexit")
)

func delayLimitError(d, limit time.Duration) error {
	return fmt.Errorf("fiber: sleep %s exceeds configured maximum %s: %w", d, limit, ErrDelayLimit)
}

// PanicError wraps a value recovered from a panicking continuation or Async
// registration. It is delivered through the fiber's completion cell as a
// failure, never propagated past the run loop boundary.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("fiber: recovered panic: %v", e.Value)
}

// DoubleCompleteError reports a second completion of an Async registration's
// callback. The extra completion is dropped; under debug assertions it
// panics instead, to surface the contract violation early.
type DoubleCompleteError struct {
	Value any
	Err   error
}

func (e DoubleCompleteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fiber: completion cell written twice (dropped failure: %v)", e.Err)
	}
	return fmt.Sprintf("fiber: completion cell written twice (dropped value: %v)", e.Value)
}
