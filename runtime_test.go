package fiber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_rejectsInvalidProfiles(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opts []Option
	}{
		{`negative workers`, []Option{WithWorkers(-1)}},
		{`tick below floor`, []Option{WithTickWidth(time.Microsecond)}},
		{`slots not power of two`, []Option{WithWheelSlots(12)}},
		{`negative fairness batch`, []Option{WithFairnessBatch(-3)}},
		{`negative drain batch`, []Option{WithDrainBatch(-1)}},
		{`negative max delay`, []Option{WithMaxDelay(-time.Second)}},
		{`negative saturation threshold`, []Option{WithSaturationThreshold(-2)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if rt, err := New(tc.opts...); err == nil {
				_ = rt.Close()
				t.Error(`expected error`)
			}
		})
	}
}

func TestNew_skipsNilOptions(t *testing.T) {
	rt, err := New(nil, WithWorkers(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRuntime_spawnAfterShutdownRejected(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Spawn(Pure(nil)); !errors.Is(err, ErrRuntimeTerminated) {
		t.Fatalf(`got %v`, err)
	}
}

func TestRuntime_shutdownWaitsForFibers(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(2))
	if err != nil {
		t.Fatal(err)
	}
	var finished atomic.Bool
	f := mustSpawn(t, rt, Map(Sleep(30*time.Millisecond), func(any) any {
		finished.Store(true)
		return nil
	}))
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Error(`shutdown returned before the sleeping fiber finished`)
	}
	if o, ok := f.Poll(); !ok || o.Kind != OutcomeSuccess {
		t.Errorf(`fiber not settled: %+v %v`, o, ok)
	}
}

func TestRuntime_shutdownDeadlineThenClose(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(1))
	if err != nil {
		t.Fatal(err)
	}
	f := mustSpawn(t, rt, Sleep(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rt.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf(`got %v`, err)
	}
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	o, ok := f.Poll()
	if !ok || o.Kind != OutcomeCancelled {
		t.Fatalf(`sleeper not cancelled by close: %+v %v`, o, ok)
	}
}

func TestRuntime_closeCancelsEverything(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(2))
	if err != nil {
		t.Fatal(err)
	}
	fibers := []*Fiber{
		mustSpawn(t, rt, Sleep(time.Hour)),
		mustSpawn(t, rt, Async(func(ctx context.Context, complete func(any, error)) func() {
			go func() {
				<-ctx.Done()
				complete(nil, ErrCancelled)
			}()
			return nil
		})),
		mustSpawn(t, rt, Bind(Fork(Sleep(time.Hour)), func(v any) Task { return Join(v.(*Fiber)) })),
	}
	// Give everything a chance to park first.
	time.Sleep(20 * time.Millisecond)
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	for i, f := range fibers {
		o, ok := f.Poll()
		if !ok {
			t.Fatalf(`fiber %d still live after close`, i)
		}
		if o.Kind != OutcomeCancelled {
			t.Errorf(`fiber %d outcome %+v`, i, o)
		}
	}
	if m := rt.Metrics(); m.LiveFibers != 0 {
		t.Errorf(`%d live fibers after close`, m.LiveFibers)
	}
}

func TestRuntime_closeIdempotentAndConcurrent(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(1))
	if err != nil {
		t.Fatal(err)
	}
	mustSpawn(t, rt, Sleep(time.Hour))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.Close()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.Shutdown(context.Background())
		}()
	}
	wg.Wait()
	if _, err := rt.Spawn(Pure(nil)); !errors.Is(err, ErrRuntimeTerminated) {
		t.Fatalf(`got %v`, err)
	}
}

// Forks inside live fibers keep working during a drain so outstanding
// graphs can finish; only root spawns are gated.
func TestRuntime_forkDuringDrain(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	rt, err := New(WithWorkers(2))
	if err != nil {
		t.Fatal(err)
	}
	draining := make(chan struct{})
	f := mustSpawn(t, rt, Bind(Async(func(ctx context.Context, complete func(any, error)) func() {
		go func() {
			<-draining
			complete(nil, nil)
		}()
		return nil
	}), func(any) Task {
		return Bind(Fork(Pure(21)), func(v any) Task {
			return Map(Join(v.(*Fiber)), func(v any) any { return v.(int) * 2 })
		})
	}))
	done := make(chan error, 1)
	go func() { done <- rt.Shutdown(context.Background()) }()
	close(draining)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	o, ok := f.Poll()
	if !ok || o.Value != 42 {
		t.Fatalf(`fork during drain: %+v %v`, o, ok)
	}
}

func TestRuntime_onSaturated(t *testing.T) {
	logger, buf := testLogger()
	rt := newTestRuntime(t, WithWorkers(1), WithSaturationThreshold(1), WithLogger(logger))
	var saturated atomic.Int64
	rt.OnSaturated = func(err error) {
		if errors.Is(err, ErrSaturated) {
			saturated.Add(1)
		}
	}
	block := make(chan struct{})
	started := make(chan struct{})
	mustSpawn(t, rt, Map(Pure(nil), func(any) any {
		close(started)
		<-block
		return nil
	}))
	<-started
	// The worker is pinned, so these spawns stack up queued invocations
	// behind the threshold.
	for i := 0; i < 5; i++ {
		mustSpawn(t, rt, Pure(nil))
	}
	close(block)
	if saturated.Load() == 0 {
		t.Error(`OnSaturated never invoked`)
	}
	if m := rt.Metrics(); m.Saturations == 0 {
		t.Error(`saturation not counted`)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if strings.Contains(buf.String(), `scheduler saturated`) {
			break
		}
		if time.Now().After(deadline) {
			t.Error(`saturation warning not logged`)
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRuntime_metricsPartitionOutcomes(t *testing.T) {
	rt := newTestRuntime(t)
	waitOutcome(t, mustSpawn(t, rt, Pure(nil)), 10*time.Second)
	waitOutcome(t, mustSpawn(t, rt, Fail(errors.New(`x`))), 10*time.Second)
	c := mustSpawn(t, rt, Sleep(time.Hour))
	c.Cancel()
	waitOutcome(t, c, 10*time.Second)
	m := rt.Metrics()
	if m.FibersSpawned != 3 || m.FibersCompleted != 1 || m.FibersFailed != 1 || m.FibersCancelled != 1 {
		t.Errorf(`unexpected partition: %+v`, m)
	}
	if m.LiveFibers != 0 {
		t.Errorf(`live fibers %d`, m.LiveFibers)
	}
	if sum := m.FibersCompleted + m.FibersFailed + m.FibersCancelled + m.LiveFibers; sum != m.FibersSpawned {
		t.Errorf(`partition does not sum: %+v`, m)
	}
}

// Listeners run in registration order even when the list spans multiple
// drain batches.
func TestRuntime_listenerDrainOrder(t *testing.T) {
	rt := newTestRuntime(t, WithDrainBatch(4))
	release := make(chan struct{})
	f := mustSpawn(t, rt, Async(func(ctx context.Context, complete func(any, error)) func() {
		go func() {
			<-release
			complete(nil, nil)
		}()
		return nil
	}))
	const n = 19
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		f.AddListener(func(Outcome) {
			mu.Lock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		})
	}
	close(release)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal(`listeners not drained`)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf(`listener order %v`, order)
		}
	}
}

func TestRuntime_listenerPanicContained(t *testing.T) {
	logger, buf := testLogger()
	rt := newTestRuntime(t, WithLogger(logger))
	release := make(chan struct{})
	f := mustSpawn(t, rt, Async(func(ctx context.Context, complete func(any, error)) func() {
		go func() {
			<-release
			complete(nil, nil)
		}()
		return nil
	}))
	var after atomic.Bool
	f.AddListener(func(Outcome) { panic(`listener boom`) })
	f.AddListener(func(Outcome) { after.Store(true) })
	close(release)
	deadline := time.Now().Add(10 * time.Second)
	for !after.Load() {
		if time.Now().After(deadline) {
			t.Fatal(`second listener never ran`)
		}
		time.Sleep(time.Millisecond)
	}
	if s := buf.String(); !strings.Contains(s, `completion listener panicked`) {
		t.Errorf(`panic not logged: %s`, s)
	}
}
