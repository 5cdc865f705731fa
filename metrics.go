package fiber

import (
	"math"
	"sync/atomic"
)

type (
	// Metrics holds the runtime's always-on counters. Everything is a
	// plain atomic so the hot paths never take a lock to account for work;
	// aggregation happens at snapshot time.
	Metrics struct {
		fibersSpawned   atomic.Int64
		fibersCompleted atomic.Int64
		fibersFailed    atomic.Int64
		fibersCancelled atomic.Int64
		liveFibers      atomic.Int64
		timersScheduled atomic.Int64
		timersFired     atomic.Int64
		timersCancelled atomic.Int64
		reschedules     atomic.Int64
		saturations     atomic.Int64
		backlogPeak     atomic.Int64
		// backlogEMA holds math.Float64bits of an exponential moving
		// average of the pool backlog, sampled once per wheel tick by the
		// advancer (single writer).
		backlogEMA  atomic.Uint64
		backlogWarm atomic.Bool
	}

	// MetricsSnapshot is a point-in-time copy of the runtime's counters,
	// returned by Runtime.Metrics.
	MetricsSnapshot struct {
		// FibersSpawned counts every fiber ever created on the runtime,
		// roots and forks alike.
		FibersSpawned int64
		// FibersCompleted / FibersFailed / FibersCancelled partition the
		// terminal outcomes; their sum plus LiveFibers equals
		// FibersSpawned.
		FibersCompleted int64
		FibersFailed    int64
		FibersCancelled int64
		LiveFibers      int64
		TimersScheduled int64
		TimersFired     int64
		TimersCancelled int64
		// Reschedules counts fairness yields: loop invocations that left a
		// runnable fiber to the back of the pool queue because other work
		// was waiting.
		Reschedules int64
		// Saturations counts observations of the pool backlog above the
		// configured threshold.
		Saturations int64
		// PoolBacklog is the queued invocation count at snapshot time;
		// PoolBacklogPeak and PoolBacklogEMA summarize its history.
		PoolBacklog     int64
		PoolBacklogPeak int64
		PoolBacklogEMA  float64
	}
)

// emaAlpha weights the newest backlog sample; one tick of history retains
// ninety percent of the running average.
const emaAlpha = 0.1

func (m *Metrics) observeBacklog(n int64) {
	for {
		peak := m.backlogPeak.Load()
		if n <= peak || m.backlogPeak.CompareAndSwap(peak, n) {
			break
		}
	}
	if !m.backlogWarm.Load() {
		// Warm start: seed with the first sample instead of decaying up
		// from zero.
		m.backlogWarm.Store(true)
		m.backlogEMA.Store(math.Float64bits(float64(n)))
		return
	}
	prev := math.Float64frombits(m.backlogEMA.Load())
	m.backlogEMA.Store(math.Float64bits(prev + emaAlpha*(float64(n)-prev)))
}

func (m *Metrics) snapshot(backlog int64) MetricsSnapshot {
	return MetricsSnapshot{
		FibersSpawned:   m.fibersSpawned.Load(),
		FibersCompleted: m.fibersCompleted.Load(),
		FibersFailed:    m.fibersFailed.Load(),
		FibersCancelled: m.fibersCancelled.Load(),
		LiveFibers:      m.liveFibers.Load(),
		TimersScheduled: m.timersScheduled.Load(),
		TimersFired:     m.timersFired.Load(),
		TimersCancelled: m.timersCancelled.Load(),
		Reschedules:     m.reschedules.Load(),
		Saturations:     m.saturations.Load(),
		PoolBacklog:     backlog,
		PoolBacklogPeak: m.backlogPeak.Load(),
		PoolBacklogEMA:  math.Float64frombits(m.backlogEMA.Load()),
	}
}

func (m *Metrics) noteOutcome(o Outcome) {
	m.liveFibers.Add(-1)
	switch o.Kind {
	case OutcomeFailure:
		m.fibersFailed.Add(1)
	case OutcomeCancelled:
		m.fibersCancelled.Add(1)
	default:
		m.fibersCompleted.Add(1)
	}
}

func (m *Metrics) noteSpawn() {
	m.fibersSpawned.Add(1)
	m.liveFibers.Add(1)
}
