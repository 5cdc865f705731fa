package fiber

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// checkNumGoroutines snapshots the goroutine count, returning a func that
// fails the test unless the count returns to at most the snapshot within
// timeout. Usage: defer checkNumGoroutines(time.Second*3)(t)
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		var after int
		for {
			after = runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Errorf(`goroutine leak: %d before, %d after`, before, after)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

// testLogger returns a debug-level logger writing JSON lines, without
// time fields, to the returned buffer.
func testLogger() (*logiface.Logger[logiface.Event], *syncBuffer) {
	buf := new(syncBuffer)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(buf),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	)
	return logger.Logger(), buf
}

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func mustSpawn(t *testing.T, rt *Runtime, task Task) *Fiber {
	t.Helper()
	f, err := rt.Spawn(task)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func waitOutcome(t *testing.T, f *Fiber, timeout time.Duration) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	o, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf(`fiber %d did not settle: %v`, f.ID(), err)
	}
	return o
}
