package fiber

import (
	"context"
	"sync/atomic"
	"time"
)

type (
	// Task is an immutable description of a computation: a value, a
	// sequencing of two computations, a callback-style suspension, a timed
	// suspension, a fork, or a join. Tasks are built with the package-level
	// constructors and consumed, not retained, by the fiber that runs them;
	// a Task value may be submitted to at most one fiber.
	//
	// The set of kinds is closed. The run loop dispatches over it
	// exhaustively, so user code cannot implement Task.
	Task interface {
		task()
	}

	// AsyncRegister wires a callback-style operation into a fiber. It is
	// invoked exactly once, on the fiber's worker, and must arrange for
	// complete to be called exactly once, from any goroutine, with either a
	// value or an error. Calling complete twice is a programming error: the
	// second call is dropped and logged, or panics under debug assertions.
	//
	// ctx is cancelled when the fiber is cancelled; blocking work performed
	// on behalf of the registration should watch it. The returned cancel
	// hook, if non-nil, is invoked when the fiber is cancelled while still
	// parked on this registration. A registration that panics synchronously
	// fails the fiber; it does not take down the worker.
	AsyncRegister func(ctx context.Context, complete func(v any, err error)) (cancel func())

	taskPure struct{ v any }

	taskFail struct{ err error }

	taskBind struct {
		src Task
		k   func(v any) Task
	}

	taskAsync struct{ register AsyncRegister }

	taskSleep struct{ d time.Duration }

	taskFork struct{ child Task }

	taskJoin struct{ h *Fiber }
)

func (taskPure) task()  {}
func (taskFail) task()  {}
func (taskBind) task()  {}
func (taskAsync) task() {}
func (taskSleep) task() {}
func (taskFork) task()  {}
func (taskJoin) task()  {}

// Pure is a Task that resolves immediately to v.
func Pure(v any) Task { return taskPure{v: v} }

// Fail is a Task that fails immediately with err, short-circuiting the
// remainder of the fiber's chain. An err matching ErrCancelled (via
// errors.Is) finalizes the fiber as cancelled rather than failed.
func Fail(err error) Task {
	if err == nil {
		panic(`fiber: nil error`)
	}
	return taskFail{err: err}
}

// Bind sequences src with k: the fiber evaluates src, then applies k to its
// result to obtain the next Task. Bind chains of arbitrary depth run in
// constant native stack space.
func Bind(src Task, k func(v any) Task) Task {
	if src == nil {
		panic(`fiber: nil source task`)
	}
	if k == nil {
		panic(`fiber: nil continuation`)
	}
	return taskBind{src: src, k: k}
}

// Map transforms the result of t with f.
func Map(t Task, f func(v any) any) Task {
	if f == nil {
		panic(`fiber: nil transform`)
	}
	return Bind(t, func(v any) Task { return Pure(f(v)) })
}

// Async suspends the fiber until register completes it. The fiber's worker
// is released for the duration; no goroutine blocks on the suspension.
func Async(register AsyncRegister) Task {
	if register == nil {
		panic(`fiber: nil register`)
	}
	return taskAsync{register: register}
}

// Sleep suspends the fiber for d, quantized to the runtime's timer tick:
// the wakeup lands on a tick boundary and may arrive up to one tick width
// early. It is tracked by the runtime's timer wheel, so millions of
// fibers may sleep concurrently without a goroutine or a pool submission
// per sleeper. Non-positive durations fire on the next tick.
func Sleep(d time.Duration) Task { return taskSleep{d: d} }

// Fork starts t as a new child fiber on the same runtime and yields its
// *Fiber handle without waiting.
func Fork(t Task) Task {
	if t == nil {
		panic(`fiber: nil task`)
	}
	return taskFork{child: t}
}

// Join suspends until h's fiber reaches a terminal outcome, then yields its
// value, or propagates its failure or cancellation to the joining fiber.
func Join(h *Fiber) Task {
	if h == nil {
		panic(`fiber: nil fiber handle`)
	}
	return taskJoin{h: h}
}

// Race runs a and b as child fibers and yields the first terminal outcome,
// cancelling the other side. The loser's cancellation is not observable
// through the race; its own joiners (if any) see it normally.
func Race(a, b Task) Task {
	if a == nil || b == nil {
		panic(`fiber: nil task`)
	}
	return Bind(Fork(a), func(v any) Task {
		fa := v.(*Fiber)
		return Bind(Fork(b), func(v any) Task {
			fb := v.(*Fiber)
			return Async(func(ctx context.Context, complete func(v any, err error)) (cancel func()) {
				var won atomic.Bool
				settle := func(o Outcome, loser *Fiber) {
					if !won.CompareAndSwap(false, true) {
						return
					}
					loser.Cancel()
					complete(o.Value, o.Err)
				}
				fa.AddListener(func(o Outcome) { settle(o, fb) })
				fb.AddListener(func(o Outcome) { settle(o, fa) })
				return func() {
					fa.Cancel()
					fb.Cancel()
				}
			})
		})
	})
}

// Timeout races t against a deadline. If the deadline wins, the fiber fails
// with ErrTimeout and t's child fiber is cancelled. Timeouts are a library
// combinator, not a scheduler primitive.
func Timeout(t Task, d time.Duration) Task {
	return Race(t, Bind(Sleep(d), func(any) Task { return Fail(ErrTimeout) }))
}
