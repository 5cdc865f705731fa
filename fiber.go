package fiber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// debugAssertions upgrades dropped-and-logged contract violations (double
// completion of an Async registration) to panics. Toggled by tests.
var debugAssertions = false

type (
	// FiberStatus is a point-in-time view of a fiber's lifecycle phase,
	// updated at invocation boundaries rather than per loop iteration.
	FiberStatus uint32

	resumeKind uint8

	// resumption is one unit of pending work for a fiber's gateway: the
	// initial kick, a timer wakeup, an async or join outcome, or a
	// cancellation request. Nodes form an intrusive stack and are recycled
	// so wakeups at scale do not allocate.
	resumption struct {
		next *resumption
		v    any
		err  error
		kind resumeKind
	}

	parkKind uint8

	fiberCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
	}

	// Fiber is the handle to one cooperatively scheduled unit of execution.
	//
	// The zero value is not usable; fibers are created by Runtime.Spawn and
	// by Fork. All methods are safe for concurrent use.
	//
	// Thread Safety: the loop-owned fields (current, conts, park,
	// asyncCancel, ops) are only touched by the goroutine holding the
	// running flag; everything shared is atomic or delegated to the
	// completion cell.
	Fiber struct {
		// Prevent copying.
		_ [0]func()

		rt       *Runtime
		invokeFn func()

		// Loop-owned state.
		current     Task
		conts       []func(any) Task
		asyncCancel func()
		ops         uint64
		park        parkKind
		finalized   bool

		id        uint64
		timer     atomic.Pointer[timerEntry]
		fctx      atomic.Pointer[fiberCtx]
		pending   atomic.Pointer[resumption]
		running   atomic.Bool
		cancelled atomic.Bool
		status    atomic.Uint32

		cell completionCell
	}
)

const (
	StatusRunnable FiberStatus = iota
	StatusRunning
	StatusSuspended
	StatusCompleted
	StatusFailed
	StatusCancelled
)

const (
	resumeKick resumeKind = iota
	resumeWake
	resumeOutcome
	resumeCancel
)

const (
	parkNone parkKind = iota
	parkSleep
	parkAsync
	parkJoin
)

type loopResult uint8

const (
	loopDone loopResult = iota
	loopParked
	loopYield
)

var errSelfJoin = errors.New("fiber: join on self would never complete")

var resumptionPool = sync.Pool{New: func() any { return new(resumption) }}

func (s FiberStatus) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func newFiber(rt *Runtime, t Task) *Fiber {
	f := &Fiber{rt: rt, id: rt.fiberID.Add(1), current: t}
	f.invokeFn = f.invoke
	rt.metrics.noteSpawn()
	rt.fibersWg.Add(1)
	return f
}

// ID returns the fiber's runtime-unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// Status reports the fiber's current lifecycle phase. It is inherently
// racy for live fibers. Terminal statuses are stable: once the cell is
// written the status derives from the outcome, never from the scheduling
// state a straggler resumption may still touch.
func (f *Fiber) Status() FiberStatus {
	if o, ok := f.cell.poll(); ok {
		return terminalStatus(o.Kind)
	}
	return FiberStatus(f.status.Load())
}

func terminalStatus(k OutcomeKind) FiberStatus {
	switch k {
	case OutcomeFailure:
		return StatusFailed
	case OutcomeCancelled:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

// Poll returns the fiber's outcome without blocking.
func (f *Fiber) Poll() (Outcome, bool) { return f.cell.poll() }

// AddListener registers cb to be invoked exactly once with the fiber's
// outcome. If the fiber is already terminal, cb runs immediately on the
// calling goroutine; otherwise it runs on a worker when the fiber
// completes. Listeners cannot be removed.
func (f *Fiber) AddListener(cb func(Outcome)) {
	if cb == nil {
		panic(`fiber: nil listener`)
	}
	if f.cell.addListener(cb) {
		o, _ := f.cell.poll()
		cb(o)
	}
}

// ToChannel returns a channel that receives the fiber's outcome once. The
// channel is buffered, so the send never blocks a worker.
func (f *Fiber) ToChannel() <-chan Outcome {
	ch := make(chan Outcome, 1)
	f.AddListener(func(o Outcome) { ch <- o })
	return ch
}

// Wait blocks until the fiber completes or ctx expires. On expiry the
// fiber keeps running; pair Wait with Cancel for a hard stop.
func (f *Fiber) Wait(ctx context.Context) (Outcome, error) {
	if o, ok := f.cell.poll(); ok {
		return o, nil
	}
	select {
	case o := <-f.ToChannel():
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. It is idempotent and
// non-blocking: the cancellation flag is observed at the next loop
// iteration or suspension re-entry, a pending Async registration has its
// context cancelled here and its cancel hook invoked by the loop, a
// pending sleep is unlinked from the wheel on the cancellation hop, and
// the fiber settles with a cancelled outcome so joiners never hang.
//
// Only the loop touches the timer entry's lifecycle; cancelling it here
// would race the entry's recycling.
func (f *Fiber) Cancel() {
	if f.cell.done.Load() {
		return
	}
	if f.cancelled.Swap(true) {
		return
	}
	if c := f.fctx.Load(); c != nil {
		c.cancel()
	}
	f.resume(resumption{kind: resumeCancel})
}

// resume is the entry half of the gateway: enqueue the payload, then try
// to flip the running flag. Winning the flip obligates this caller to
// submit the loop invocation; losing it guarantees the current owner
// observes the payload before going idle (see release).
func (f *Fiber) resume(p resumption) {
	if f.cell.done.Load() {
		return
	}
	if h := f.rt.hooks; h != nil && h.postDoneCheck != nil {
		h.postDoneCheck(f)
	}
	n := resumptionPool.Get().(*resumption)
	n.v, n.err, n.kind = p.v, p.err, p.kind
	for {
		head := f.pending.Load()
		n.next = head
		if f.pending.CompareAndSwap(head, n) {
			break
		}
	}
	if f.running.CompareAndSwap(false, true) {
		f.status.Store(uint32(StatusRunnable))
		if !f.rt.pool.Submit(f.invokeFn) {
			// Pool stopped. We hold the flag, so settle inline rather than
			// leaving joiners waiting on a fiber that can never run.
			f.invokeFn()
		}
	}
}

// release is the exit half of the gateway. It first re-checks for pending
// work while still holding the flag, then clears the flag and checks once
// more: a payload enqueued by a producer that lost the flip before our
// clear is picked up here, so no wakeup is ever dropped. True means the
// caller re-enters the loop with the flag held.
func (f *Fiber) release() bool {
	if f.pending.Load() != nil {
		return true
	}
	f.running.Store(false)
	if h := f.rt.hooks; h != nil && h.postReleaseStore != nil {
		h.postReleaseStore(f)
	}
	if f.pending.Load() == nil {
		return false
	}
	// Late arrival: re-acquire if the producer has not already. Losing
	// this CAS means the producer won the flip and owns the next
	// invocation.
	return f.running.CompareAndSwap(false, true)
}

// invoke is one run-loop invocation, executed with the running flag held.
// Panics and runtime.Goexit from user code are converted into fiber
// failures here; nothing escapes past the invocation boundary.
func (f *Fiber) invoke() {
	if h := f.rt.hooks; h != nil {
		if h.loopEnter != nil {
			h.loopEnter(f)
		}
		if h.loopExit != nil {
			defer h.loopExit(f)
		}
	}
	normal := false
	defer func() {
		r := recover()
		if normal {
			return
		}
		f.cleanupPark()
		if r != nil {
			f.finalize(failureOutcome(PanicError{Value: r}))
		} else {
			f.finalize(failureOutcome(ErrGoexit))
		}
		// A straggler may have enqueued while the flag was held; keep
		// draining until the release sticks.
		for f.release() {
			f.drainPending()
		}
	}()
	f.step()
	normal = true
}

// step drains pending work and runs the trampoline until the fiber parks,
// yields, or finishes, re-entering as the gateway dictates.
func (f *Fiber) step() {
	for {
		f.drainPending()
		if f.cell.done.Load() {
			// Terminal: discard any stragglers and go idle.
			if f.release() {
				continue
			}
			return
		}
		if f.park != parkNone {
			// Still parked: the drained payloads did not include this
			// suspension's resumption (e.g. only a stale kick).
			if f.release() {
				continue
			}
			return
		}
		switch f.loop() {
		case loopDone:
			if f.release() {
				continue
			}
			return
		case loopYield:
			f.rt.metrics.reschedules.Add(1)
			f.rt.checkSaturation()
			f.status.Store(uint32(StatusRunnable))
			if f.rt.pool.Submit(f.invokeFn) {
				return
			}
			// Pool stopped mid-yield: this fiber can never be scheduled
			// again, so settle it.
			f.finalize(failureOutcome(ErrRuntimeTerminated))
			if f.release() {
				continue
			}
			return
		default: // loopParked
			f.status.Store(uint32(StatusSuspended))
			if f.release() {
				continue
			}
			return
		}
	}
}

// drainPending consumes every queued resumption. Cancellation dominates;
// otherwise at most one payload matches the current suspension (the
// exactly-once completion contract holds upstream) and unparks the fiber.
func (f *Fiber) drainPending() {
	var (
		wake, out, cancel bool
		v                 any
		err               error
	)
	for n := f.pending.Swap(nil); n != nil; {
		next := n.next
		switch n.kind {
		case resumeWake:
			wake = true
		case resumeOutcome:
			if !out {
				out, v, err = true, n.v, n.err
			}
		case resumeCancel:
			cancel = true
		}
		*n = resumption{}
		resumptionPool.Put(n)
		n = next
	}
	if cancel || f.cancelled.Load() {
		f.handleCancel()
		return
	}
	switch f.park {
	case parkSleep:
		if wake {
			f.releaseTimer()
			f.park = parkNone
			f.current = taskPure{}
		}
	case parkAsync:
		if out {
			f.asyncCancel = nil
			f.park = parkNone
			f.current = outcomeTask(v, err)
		}
	case parkJoin:
		if out {
			f.park = parkNone
			f.current = outcomeTask(v, err)
		}
	}
}

// loop is the trampoline. It dispatches exhaustively over the task union,
// using the continuation arena instead of the native stack so Bind chains
// of any depth run in constant stack space. Every fairness batch it
// consults the pool backlog and yields if other work is waiting.
func (f *Fiber) loop() loopResult {
	f.status.Store(uint32(StatusRunning))
	batch := f.rt.cfg.FairnessBatch
	for i := 0; ; i++ {
		if f.cancelled.Load() {
			f.handleCancel()
			return loopDone
		}
		if i >= batch {
			if f.rt.pool.Backlog() > 0 {
				return loopYield
			}
			i = 0
		}
		f.ops++
		switch t := f.current.(type) {
		case taskPure:
			n := len(f.conts)
			if n == 0 {
				f.finalize(successOutcome(t.v))
				return loopDone
			}
			k := f.conts[n-1]
			f.conts[n-1] = nil
			f.conts = f.conts[:n-1]
			f.current = k(t.v)
			if f.current == nil {
				f.current = taskFail{err: errors.New(`fiber: continuation returned nil task`)}
			}
		case taskFail:
			// Failures short-circuit the whole chain; the algebra has no
			// recovery combinator, joiners observe the outcome instead.
			f.finalize(failureOutcome(t.err))
			return loopDone
		case taskBind:
			f.conts = append(f.conts, t.k)
			f.current = t.src
		case taskFork:
			f.current = taskPure{v: f.rt.fork(t.child)}
		case taskSleep:
			if limit := f.rt.cfg.MaxDelay; limit > 0 && t.d > limit {
				f.current = taskFail{err: delayLimitError(t.d, limit)}
				continue
			}
			f.park = parkSleep
			f.timer.Store(f.rt.wheel.schedule(f, t.d))
			return loopParked
		case taskAsync:
			f.park = parkAsync
			f.asyncCancel = t.register(f.asyncContext(), f.completer())
			return loopParked
		case taskJoin:
			if t.h == f {
				f.current = taskFail{err: errSelfJoin}
				continue
			}
			if o, ok := t.h.cell.poll(); ok {
				f.current = outcomeTask(o.Value, o.Err)
				continue
			}
			f.park = parkJoin
			if t.h.cell.addListener(f.joinListener()) {
				// Completed between poll and register: unpark inline.
				o, _ := t.h.cell.poll()
				f.park = parkNone
				f.current = outcomeTask(o.Value, o.Err)
				continue
			}
			return loopParked
		default:
			panic(`fiber: unknown task kind`)
		}
	}
}

// completer builds the exactly-once completion callback handed to an Async
// registration. The second and later calls are dropped and logged, or
// panic under debug assertions.
func (f *Fiber) completer() func(v any, err error) {
	var once atomic.Bool
	return func(v any, err error) {
		if !once.CompareAndSwap(false, true) {
			if debugAssertions {
				panic(DoubleCompleteError{Value: v, Err: err})
			}
			f.rt.logger.Err().Uint64(`fiber`, f.id).Err(DoubleCompleteError{Value: v, Err: err}).
				Log(`async registration completed twice`)
			return
		}
		f.resume(resumption{kind: resumeOutcome, v: v, err: err})
	}
}

func (f *Fiber) joinListener() func(Outcome) {
	return func(o Outcome) {
		f.resume(resumption{kind: resumeOutcome, v: o.Value, err: o.Err})
	}
}

// asyncContext lazily creates the fiber's cancellation context. Only the
// loop creates it; Cancel observes the pointer afterwards, and the
// post-store check below closes the window against a Cancel that loaded
// nil just before the store.
func (f *Fiber) asyncContext() context.Context {
	c := f.fctx.Load()
	if c == nil {
		ctx, cancel := context.WithCancel(f.rt.baseCtx)
		c = &fiberCtx{ctx: ctx, cancel: cancel}
		f.fctx.Store(c)
		if f.cancelled.Load() {
			c.cancel()
		}
	}
	return c.ctx
}

// handleCancel tears down the current suspension, if any, and settles the
// fiber with a cancelled outcome.
func (f *Fiber) handleCancel() {
	if h := f.asyncCancel; h != nil {
		f.asyncCancel = nil
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.rt.logger.Err().Uint64(`fiber`, f.id).Any(`panic`, r).
						Log(`async cancel hook panicked`)
				}
			}()
			h()
		}()
	}
	// A listener registered on a joined child stays registered; it fires
	// into a terminal fiber and is dropped by resume.
	f.park = parkNone
	f.finalize(cancelledOutcome())
}

// cleanupPark mirrors handleCancel's teardown for the panic/Goexit path,
// without treating the fiber as cancelled.
func (f *Fiber) cleanupPark() {
	f.asyncCancel = nil
	f.park = parkNone
}

// releaseTimer recycles the fiber's timer entry. The fiber is the single
// release point: the wheel and Cancel only ever claim the entry's state,
// so a recycled entry can never be revived through a stale pointer.
func (f *Fiber) releaseTimer() {
	if e := f.timer.Swap(nil); e != nil {
		f.rt.wheel.cancel(e)
		*e = timerEntry{}
		timerEntryPool.Put(e)
	}
}

// finalize settles the fiber. A terminal error matching ErrCancelled
// finalizes as cancelled so Join propagates a child's cancellation as
// cancellation. Status, metrics, registry, and timer accounting are all
// settled before the cell is written: once an outcome is observable,
// every other view of the fiber already agrees with it.
func (f *Fiber) finalize(o Outcome) {
	if f.finalized {
		return
	}
	f.finalized = true
	if o.Kind == OutcomeFailure && errors.Is(o.Err, ErrCancelled) {
		o.Kind = OutcomeCancelled
	}
	f.status.Store(uint32(terminalStatus(o.Kind)))
	if o.Kind == OutcomeFailure {
		if b := f.rt.logger.Debug(); b.Enabled() {
			b.Uint64(`fiber`, f.id).Uint64(`ops`, f.ops).Err(o.Err).Log(`fiber failed`)
		}
	}
	f.releaseTimer()
	if c := f.fctx.Load(); c != nil {
		c.cancel()
	}
	f.current = nil
	f.conts = nil
	f.asyncCancel = nil
	f.rt.metrics.noteOutcome(o)
	f.rt.deregister(f.id)
	listeners, _ := f.cell.complete(o)
	f.rt.drainListeners(listeners, o)
	f.rt.fibersWg.Done()
}

func outcomeTask(v any, err error) Task {
	if err != nil {
		return taskFail{err: err}
	}
	return taskPure{v: v}
}
