package fiber

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func benchRuntime(b *testing.B, opts ...Option) *Runtime {
	b.Helper()
	rt, err := New(opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = rt.Close() })
	return rt
}

func BenchmarkSpawnWait(b *testing.B) {
	rt := benchRuntime(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := rt.Spawn(Pure(i))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := f.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSpawnWaitParallel(b *testing.B) {
	rt := benchRuntime(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			f, err := rt.Spawn(Pure(nil))
			if err != nil {
				b.Fatal(err)
			}
			if _, err := f.Wait(ctx); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// One op is a thousand-step bind chain, so the per-iteration trampoline
// cost is what dominates.
func BenchmarkBindChain(b *testing.B) {
	rt := benchRuntime(b)
	ctx := context.Background()
	const depth = 1000
	var step func(v any) Task
	step = func(v any) Task {
		n := v.(int)
		if n >= depth {
			return Pure(n)
		}
		return Bind(Pure(n+1), step)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := rt.Spawn(Bind(Pure(0), step))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := f.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAsyncInlineResume(b *testing.B) {
	rt := benchRuntime(b)
	ctx := context.Background()
	task := Async(func(ctx context.Context, complete func(any, error)) func() {
		complete(nil, nil)
		return nil
	})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := rt.Spawn(task)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := f.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkForkJoin(b *testing.B) {
	rt := benchRuntime(b)
	ctx := context.Background()
	task := Bind(Fork(Pure(1)), func(v any) Task { return Join(v.(*Fiber)) })
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := rt.Spawn(task)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := f.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent sleepers at scale: b.N fibers parked on the wheel with
// randomized sub-50ms durations, measuring schedule/fire throughput.
// Run with a high -benchtime to approach the ten-million-sleeper mark.
func BenchmarkSleepAtScale(b *testing.B) {
	rt := benchRuntime(b)
	rng := rand.New(rand.NewSource(42))
	fibers := make([]*Fiber, b.N)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := rt.Spawn(Sleep(time.Duration(rng.Intn(50)) * time.Millisecond))
		if err != nil {
			b.Fatal(err)
		}
		fibers[i] = f
	}
	for _, f := range fibers {
		if _, err := f.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
