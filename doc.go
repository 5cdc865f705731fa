// Package fiber provides a cooperative fiber runtime for Go: lightweight
// tasks described as values ([Pure], [Bind], [Async], [Sleep], [Fork],
// [Join]) and executed by trampolined run loops multiplexed over a fixed
// worker pool, with a hashed timer wheel for time-based scheduling.
//
// # Architecture
//
// A [Runtime] owns three pieces: a fixed-size worker pool, an N-bucket
// timer wheel, and the set of live fibers. [Runtime.Spawn] turns a [Task]
// into a [Fiber], whose run loop interprets the task tree iteratively
// against an explicit continuation stack, so arbitrarily deep [Bind]
// chains execute in constant goroutine stack space.
//
// A fiber is not a goroutine. It occupies a worker only while stepping;
// at every suspension point ([Async] registration, [Sleep], [Join] on an
// incomplete fiber) the worker is returned to the pool. Wakeups go
// through a per-fiber gateway (a pending-resumption stack plus a running
// flag) that guarantees the loop is never entered concurrently and that
// no wakeup is ever lost, without locks on the hot path.
//
// # Thread Safety
//
//   - All [Runtime] and [Fiber] methods are safe for concurrent use.
//   - [Task] values are immutable and may be shared, but each task value
//     should be spawned at most once; the continuation functions inside
//     it run on pool workers.
//   - The completion callback handed to an [Async] registration may be
//     called from any goroutine, exactly once.
//   - [Runtime.OnSaturated] must be set before the first Spawn.
//
// # Execution Model
//
// Within one fiber there is a total order: each step of a [Bind] chain
// happens before the next. Across fibers there is no ordering except
// what [Join] establishes. A fiber that runs Config.FairnessBatch
// iterations without suspending yields its worker if other work is
// queued, so CPU-bound fibers cannot starve the pool.
//
// Sleeps are quantized to the wheel's tick width (a wakeup can land up
// to one tick early) and fire in batches; delays beyond one wheel
// rotation are carried with rotation counters, and cancellation
// unlinks the timer in O(1). Timeouts are not a scheduler
// primitive: [Timeout] races the awaited task against a failing [Sleep].
//
// Cancellation is cooperative. [Fiber.Cancel] marks the fiber, cancels
// the context passed to any pending [Async] registration, invokes the
// registration's cancel hook, and settles the fiber with a cancelled
// [Outcome]; joiners observe it and are themselves cancelled.
//
// # Usage
//
//	rt, err := fiber.New(
//	    fiber.WithWorkers(8),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	task := fiber.Bind(fiber.Sleep(100*time.Millisecond), func(any) fiber.Task {
//	    return fiber.Pure("hello after 100ms")
//	})
//
//	f, err := rt.Spawn(task)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	o, err := f.Wait(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(o.Value)
//
// # Error Types
//
//   - [ErrCancelled]: terminal error of a cancelled fiber
//   - [ErrRuntimeTerminated]: spawn after shutdown, or a fiber orphaned
//     by teardown
//   - [ErrTimeout]: the sleep arm of a [Timeout] won
//   - [ErrDelayLimit], [ErrSaturated]: configured limits (delay cap,
//     backlog threshold)
//   - [PanicError]: wraps a panic recovered from task code
//   - [DoubleCompleteError]: an [Async] registration completed twice
package fiber
