package fiber

import (
	"sync"
	"sync/atomic"
)

type (
	// OutcomeKind discriminates the three terminal states a fiber can reach.
	OutcomeKind uint8

	// Outcome is the terminal result of a fiber, delivered through its
	// completion cell to Poll, Wait, ToChannel, listeners, and joiners.
	//
	// Exactly one of the three kinds is observed per fiber. Value is only
	// meaningful for OutcomeSuccess. Err is non-nil for OutcomeFailure and
	// OutcomeCancelled (the latter always matches ErrCancelled via
	// errors.Is).
	Outcome struct {
		Value any
		Err   error
		Kind  OutcomeKind
	}

	// completionCell is a single-assignment outcome slot with listeners.
	//
	// The slot is written exactly once; the listener list is drained exactly
	// once. done is set (release) after outcome under mu, so lock-free
	// readers that observe done (acquire) see a fully written outcome.
	completionCell struct {
		mu        sync.Mutex
		listeners []func(Outcome)
		outcome   Outcome
		done      atomic.Bool
	}
)

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func successOutcome(v any) Outcome { return Outcome{Kind: OutcomeSuccess, Value: v} }

func failureOutcome(err error) Outcome { return Outcome{Kind: OutcomeFailure, Err: err} }

func cancelledOutcome() Outcome { return Outcome{Kind: OutcomeCancelled, Err: ErrCancelled} }

// poll returns the outcome without blocking.
func (c *completionCell) poll() (Outcome, bool) {
	if c.done.Load() {
		return c.outcome, true
	}
	return Outcome{}, false
}

// complete writes the outcome and detaches the listener list, which the
// caller must drain (each listener invoked exactly once, in registration
// order). A second write is rejected: ok is false and the listeners nil.
func (c *completionCell) complete(o Outcome) (listeners []func(Outcome), ok bool) {
	c.mu.Lock()
	if c.done.Load() {
		c.mu.Unlock()
		return nil, false
	}
	c.outcome = o
	c.done.Store(true)
	listeners = c.listeners
	c.listeners = nil
	c.mu.Unlock()
	return listeners, true
}

// addListener registers cb, re-checking for a concurrent complete so no
// registration can be left parked: when fire is true the cell is already
// written and the caller must invoke cb with the polled outcome itself.
func (c *completionCell) addListener(cb func(Outcome)) (fire bool) {
	if c.done.Load() {
		return true
	}
	c.mu.Lock()
	if c.done.Load() {
		c.mu.Unlock()
		return true
	}
	c.listeners = append(c.listeners, cb)
	c.mu.Unlock()
	return false
}
