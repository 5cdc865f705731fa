package fiber

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	entryPending uint32 = iota
	entryFired
	entryCancelled
)

type (
	// timerEntry is one pending Sleep deadline. It is owned by exactly one
	// wheel bucket from link until fired or cancelled, whichever claims the
	// state word first. The owning fiber holds the only outside reference
	// and recycles the entry once it has consumed the wakeup or observed
	// the cancellation, so entries cannot be revived under a stale pointer.
	timerEntry struct {
		prev, next *timerEntry
		bucket     *wheelBucket
		fiber      *Fiber
		// rotations is the number of cursor visits to this entry's bucket
		// remaining before the entry is due. Decremented by the advancer
		// under the bucket mutex.
		rotations int64
		state     atomic.Uint32
	}

	wheelBucket struct {
		mu   sync.Mutex
		head *timerEntry
	}

	// timerWheel tracks pending deadlines in a fixed ring of buckets at a
	// fixed tick width. Insertion hashes the due tick over the ring and
	// carries delays beyond one full period in per-entry rotation counters,
	// so range is unbounded. Each tick the advancer drains exactly the
	// bucket under the cursor and submits all due wakeups to the worker
	// pool as one batch, never one submission per sleeper.
	timerWheel struct {
		logger  *logiface.Logger[logiface.Event]
		pool    *workerPool
		metrics *Metrics
		base    time.Time
		tick    time.Duration
		buckets []wheelBucket
		mask    int64
		shift   int64

		// ticks holds the number of fully processed ticks. The advancer
		// stores ticks+1 before locking the bucket it is about to drain;
		// schedule re-checks it under the bucket mutex so an insert can
		// never land behind the cursor unobserved.
		_     [sizeOfCacheLine]byte
		ticks atomic.Int64
		_     [sizeOfCacheLine - sizeOfAtomicUint64]byte

		done     chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}
)

var (
	timerEntryPool = sync.Pool{New: func() any { return new(timerEntry) }}
	timerBatchPool = sync.Pool{New: func() any { return new([]*timerEntry) }}
)

// newTimerWheel allocates the ring and starts the tick advancer. slots must
// be a power of two.
func newTimerWheel(slots int, tick time.Duration, pool *workerPool, metrics *Metrics, logger *logiface.Logger[logiface.Event]) *timerWheel {
	if slots <= 0 || slots&(slots-1) != 0 {
		panic(`fiber: wheel slot count must be a power of two`)
	}
	if tick <= 0 {
		panic(`fiber: wheel tick width must be positive`)
	}
	w := &timerWheel{
		logger:  logger,
		pool:    pool,
		metrics: metrics,
		base:    time.Now(),
		tick:    tick,
		buckets: make([]wheelBucket, slots),
		mask:    int64(slots) - 1,
		done:    make(chan struct{}),
	}
	for s := slots; s > 1; s >>= 1 {
		w.shift++
	}
	w.wg.Add(1)
	go w.advance()
	return w
}

// schedule links a pending entry for f due after d. The returned entry goes
// into the fiber's timer slot so Cancel can unlink it in O(1); the fiber
// releases it after consuming the wakeup or the cancellation.
func (w *timerWheel) schedule(f *Fiber, d time.Duration) *timerEntry {
	e := timerEntryPool.Get().(*timerEntry)
	e.fiber = f
	e.state.Store(entryPending)

	due := int64((time.Since(w.base) + d) / w.tick)
	for {
		now := w.ticks.Load()
		if due <= now {
			due = now + 1
		}
		b := &w.buckets[due&w.mask]
		b.mu.Lock()
		if now = w.ticks.Load(); now >= due {
			// The cursor reached the target bucket between computing the
			// slot and acquiring its mutex. Retarget past the cursor.
			b.mu.Unlock()
			due = now + 1
			continue
		}
		e.rotations = (due - now - 1) >> w.shift
		e.bucket = b
		e.prev = nil
		e.next = b.head
		if b.head != nil {
			b.head.prev = e
		}
		b.head = e
		b.mu.Unlock()
		w.metrics.timersScheduled.Add(1)
		return e
	}
}

// cancel unlinks e if it is still pending. Exactly one of fire and cancel
// claims any entry; a false return means the fire side already owns it. The
// owning fiber remains responsible for recycling the entry either way.
func (w *timerWheel) cancel(e *timerEntry) bool {
	b := e.bucket
	b.mu.Lock()
	if !e.state.CompareAndSwap(entryPending, entryCancelled) {
		b.mu.Unlock()
		return false
	}
	w.unlink(b, e)
	b.mu.Unlock()
	w.metrics.timersCancelled.Add(1)
	return true
}

func (w *timerWheel) unlink(b *wheelBucket, e *timerEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		b.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.prev = nil
	e.next = nil
}

// advance is the tick advancer. Each ticker event it processes every tick
// elapsed since the last event (catching up after stalls; rotation counts
// stay correct because every tick is visited exactly once), collects due
// entries across those ticks, and hands them to the pool as one batch.
func (w *timerWheel) advance() {
	defer w.wg.Done()
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
		}

		elapsed := int64(time.Since(w.base) / w.tick)
		now := w.ticks.Load()
		if lag := elapsed - now; lag > w.mask+1 {
			if b := w.logger.Warning(); b.Enabled() {
				b.Int64(`ticks`, lag).Dur(`width`, w.tick).Log(`timer wheel advancer lagging`)
			}
		}

		var batch *[]*timerEntry
		for now < elapsed {
			now++
			w.ticks.Store(now)
			b := &w.buckets[now&w.mask]
			b.mu.Lock()
			for e := b.head; e != nil; {
				next := e.next
				if e.rotations > 0 {
					e.rotations--
				} else if e.state.CompareAndSwap(entryPending, entryFired) {
					w.unlink(b, e)
					if batch == nil {
						batch = timerBatchPool.Get().(*[]*timerEntry)
					}
					*batch = append(*batch, e)
				}
				e = next
			}
			b.mu.Unlock()
		}

		if batch != nil {
			w.fire(batch)
		}
		w.metrics.observeBacklog(w.pool.Backlog())
	}
}

// fire submits one pool invocation waking every fiber in the batch. An
// entry must not be touched after its fiber is resumed: the resumed fiber
// recycles it, possibly before the next loop iteration here runs.
func (w *timerWheel) fire(batch *[]*timerEntry) {
	w.metrics.timersFired.Add(int64(len(*batch)))
	wake := func() {
		for i, e := range *batch {
			(*batch)[i] = nil
			f := e.fiber
			f.resume(resumption{kind: resumeWake})
		}
		*batch = (*batch)[:0]
		timerBatchPool.Put(batch)
	}
	if !w.pool.Submit(wake) {
		// Pool stopped: wake inline so every sleeper still settles.
		wake()
	}
}

// stop halts the advancer. Entries still linked are left to their owning
// fibers, which the runtime cancels or drains before stopping the wheel.
func (w *timerWheel) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}
