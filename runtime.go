package fiber

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// runtimeTestHooks gate deterministic interleavings in tests. Always nil
// in production.
type runtimeTestHooks struct {
	// postReleaseStore runs after a fiber clears its running flag and
	// before the late-arrival recheck.
	postReleaseStore func(*Fiber)
	// postDoneCheck runs after a resumption passes the settled check and
	// before it enqueues.
	postDoneCheck func(*Fiber)
	// loopEnter and loopExit bracket each run-loop invocation.
	loopEnter func(*Fiber)
	loopExit  func(*Fiber)
}

// Runtime owns a worker pool, a timer wheel, and the fibers scheduled on
// them. Multiple independent runtimes may coexist in one process; there
// is no package-level shared state.
//
// All methods are safe for concurrent use. OnSaturated is the one
// exception: set it before the first Spawn.
type Runtime struct {
	_ [0]func() // no copies: fibers hold a pointer to this

	cfg     Config
	logger  *logiface.Logger[logiface.Event]
	pool    *workerPool
	wheel   *timerWheel
	metrics *Metrics

	// baseCtx parents every fiber's cancellation context; cancelBase
	// fires on Close so in-flight Async registrations see it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	state paddedState

	fiberID  atomic.Uint64
	fibersWg sync.WaitGroup

	// live tracks unfinished fibers so Close can sweep them.
	mu   sync.Mutex
	live map[uint64]*Fiber

	drainOnce sync.Once
	drained   chan struct{}
	stopOnce  sync.Once

	satWarn *catrate.Limiter

	// OnSaturated, if set, is invoked with ErrSaturated whenever a spawn
	// or a fairness checkpoint observes pool backlog at or above
	// Config.SaturationThreshold. It runs on whatever goroutine made the
	// observation, so it must be fast and concurrency-safe.
	OnSaturated func(error)

	hooks *runtimeTestHooks
}

// New constructs a Runtime, starting its worker pool and timer wheel.
// The caller owns the result and must eventually call Shutdown or Close.
func New(opts ...Option) (*Runtime, error) {
	resolved, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		cfg:     resolved.cfg,
		logger:  resolved.logger,
		metrics: &Metrics{},
		live:    make(map[uint64]*Fiber),
		drained: make(chan struct{}),
		satWarn: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
	}
	rt.baseCtx, rt.cancelBase = context.WithCancel(context.Background())
	rt.state.Store(stateRunning)
	rt.pool = newWorkerPool(rt.cfg.Workers, rt.logger)
	rt.wheel = newTimerWheel(rt.cfg.WheelSlots, rt.cfg.TickWidth, rt.pool, rt.metrics, rt.logger)
	return rt, nil
}

// Spawn creates a root fiber executing t and schedules it. It returns
// ErrRuntimeTerminated once Shutdown or Close has begun; t is then never
// run.
func (rt *Runtime) Spawn(t Task) (*Fiber, error) {
	if t == nil {
		panic(`fiber: nil task`)
	}
	rt.mu.Lock()
	if rt.state.Load() != stateRunning {
		rt.mu.Unlock()
		return nil, ErrRuntimeTerminated
	}
	f := newFiber(rt, t)
	rt.live[f.id] = f
	rt.mu.Unlock()
	rt.checkSaturation()
	f.resume(resumption{kind: resumeKick})
	return f, nil
}

// fork creates a child fiber without the admission gate: the parent is
// still live, so the runtime cannot have finished draining. A fork that
// races Close is cancelled here rather than slipping past the sweep.
func (rt *Runtime) fork(t Task) *Fiber {
	f := newFiber(rt, t)
	rt.mu.Lock()
	rt.live[f.id] = f
	rt.mu.Unlock()
	if rt.baseCtx.Err() != nil {
		f.Cancel()
		return f
	}
	f.resume(resumption{kind: resumeKick})
	return f
}

func (rt *Runtime) deregister(id uint64) {
	rt.mu.Lock()
	delete(rt.live, id)
	rt.mu.Unlock()
}

// checkSaturation is called on spawn and at fairness checkpoints. It is
// a signal, never an admission failure: the work is accepted regardless.
func (rt *Runtime) checkSaturation() {
	threshold := rt.cfg.SaturationThreshold
	if threshold <= 0 {
		return
	}
	backlog := rt.pool.Backlog()
	if backlog < int64(threshold) {
		return
	}
	rt.metrics.saturations.Add(1)
	if fn := rt.OnSaturated; fn != nil {
		fn(ErrSaturated)
	}
	if _, ok := rt.satWarn.Allow(`saturation`); ok {
		if b := rt.logger.Warning(); b.Enabled() {
			b.Int64(`backlog`, backlog).Int(`threshold`, threshold).
				Log(`scheduler saturated`)
		}
	}
}

// Shutdown stops admission and waits for every live fiber to settle,
// bounded by ctx, then stops the wheel and pool. Sleeping and suspended
// fibers count as live; callers wanting a hard stop use Close, possibly
// after a deadline-bounded Shutdown. Idempotent, and safe to retry after
// a ctx expiry.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.beginDrain()
	select {
	case <-rt.drained:
		rt.teardown()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every live fiber, waits for them to settle, then stops
// the wheel and pool. Safe after Shutdown, idempotent, and safe
// concurrently with it.
func (rt *Runtime) Close() error {
	rt.cancelBase()
	rt.mu.Lock()
	fibers := make([]*Fiber, 0, len(rt.live))
	for _, f := range rt.live {
		fibers = append(fibers, f)
	}
	rt.mu.Unlock()
	for _, f := range fibers {
		f.Cancel()
	}
	rt.beginDrain()
	<-rt.drained
	rt.teardown()
	return nil
}

// beginDrain flips the state gate and starts the single drain waiter.
// The gate and fiber registration share rt.mu, so after the flip the
// WaitGroup can only be incremented by forks, which are covered by their
// parent's count.
func (rt *Runtime) beginDrain() {
	rt.mu.Lock()
	rt.state.TryTransition(stateRunning, stateDraining)
	rt.mu.Unlock()
	rt.drainOnce.Do(func() {
		go func() {
			rt.fibersWg.Wait()
			close(rt.drained)
		}()
	})
}

func (rt *Runtime) teardown() {
	rt.stopOnce.Do(func() {
		rt.cancelBase()
		rt.wheel.stop()
		rt.pool.Stop()
		rt.state.Store(stateTerminated)
	})
}

// Metrics returns a point-in-time snapshot of runtime counters.
func (rt *Runtime) Metrics() MetricsSnapshot {
	return rt.metrics.snapshot(rt.pool.Backlog())
}

// drainListeners invokes completion listeners in registration order,
// DrainBatch per pool invocation so one popular fiber cannot pin a
// worker. Panics are contained per listener.
func (rt *Runtime) drainListeners(listeners []func(Outcome), o Outcome) {
	for len(listeners) != 0 {
		batch := listeners
		if limit := rt.cfg.DrainBatch; len(batch) > limit {
			batch = batch[:limit]
		}
		listeners = listeners[len(batch):]
		for _, cb := range batch {
			rt.invokeListener(cb, o)
		}
		if len(listeners) == 0 {
			return
		}
		rest := listeners
		if rt.pool.Submit(func() { rt.drainListeners(rest, o) }) {
			return
		}
		// Pool stopped: finish inline so no listener is dropped.
	}
}

func (rt *Runtime) invokeListener(cb func(Outcome), o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Err().Any(`panic`, r).Log(`completion listener panicked`)
		}
	}()
	cb(o)
}
