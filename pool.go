package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// poolChunkSize is the invocation capacity of one queue chunk. Chunks are
// recycled through a sync.Pool so a sustained backlog settles into a small
// steady set of chunk allocations.
const poolChunkSize = 128

type (
	// workerPool executes short run-loop invocations to
	// completion-or-suspension on a fixed set of goroutines. It never
	// performs a blocking wait on behalf of a fiber, holds no fiber state
	// between invocations, and survives panicking invocations.
	workerPool struct {
		logger *logiface.Logger[logiface.Event]

		mu      sync.Mutex
		cond    *sync.Cond
		head    *poolChunk
		tail    *poolChunk
		stopped bool
		wg      sync.WaitGroup

		// backlog counts queued, not-yet-started invocations. It feeds the
		// fairness checkpoint on every loop batch, so it lives on its own
		// cache line rather than under mu.
		_       [sizeOfCacheLine]byte
		backlog atomic.Int64
		_       [sizeOfCacheLine - sizeOfAtomicUint64]byte
	}

	poolChunk struct {
		next *poolChunk
		read int
		pos  int
		fns  [poolChunkSize]func()
	}
)

var poolChunkPool = sync.Pool{New: func() any { return new(poolChunk) }}

func newWorkerPool(workers int, logger *logiface.Logger[logiface.Event]) *workerPool {
	if workers <= 0 {
		panic(`fiber: worker count must be positive`)
	}
	p := &workerPool{logger: logger}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// Submit queues fn for execution. It never blocks; ok is false once Stop
// has begun, in which case the caller owns whatever settling fn would have
// performed.
func (p *workerPool) Submit(fn func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	t := p.tail
	if t == nil || t.pos == poolChunkSize {
		c := poolChunkPool.Get().(*poolChunk)
		if t == nil {
			p.head = c
		} else {
			t.next = c
		}
		p.tail = c
		t = c
	}
	t.fns[t.pos] = fn
	t.pos++
	p.backlog.Add(1)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Backlog returns the number of queued, not-yet-started invocations.
func (p *workerPool) Backlog() int64 {
	return p.backlog.Load()
}

// Stop rejects further submissions, drains the queue, and waits for the
// workers to exit. Idempotent.
func (p *workerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *workerPool) pop() (fn func(), ok bool) {
	c := p.head
	if c == nil || c.read == c.pos {
		return nil, false
	}
	fn = c.fns[c.read]
	c.fns[c.read] = nil
	c.read++
	if c.read == c.pos {
		if c.next != nil {
			p.head = c.next
			*c = poolChunk{}
			poolChunkPool.Put(c)
		} else {
			// Sole chunk: reset in place rather than cycling the pool.
			c.read = 0
			c.pos = 0
		}
	}
	return fn, true
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for {
			if fn, ok := p.pop(); ok {
				p.mu.Unlock()
				p.backlog.Add(-1)
				p.run(fn)
				break
			}
			if p.stopped {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
	}
}

// run guards the pool against invocations that escape their own recovery
// (an internal scheduler bug rather than a Task failure) and replaces the
// worker goroutine if the invocation terminated it via runtime.Goexit.
func (p *workerPool) run(fn func()) {
	normal := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Err().Any(`panic`, r).Log(`run loop invocation panicked`)
			return
		}
		if !normal {
			p.logger.Err().Log(`run loop invocation exited via runtime.Goexit; replacing worker`)
			p.wg.Add(1)
			go p.worker()
		}
	}()
	fn()
	normal = true
}
