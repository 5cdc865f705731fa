package fiber

import "sync/atomic"

// 128 rather than 64 so adjacent-line prefetchers never pair a hot word
// with a neighbouring field.
const (
	sizeOfCacheLine    = 128
	sizeOfAtomicUint64 = 8
)

type (
	// runtimeState is the lifecycle phase of a Runtime.
	//
	// Transitions: stateRunning -> stateDraining -> stateTerminated.
	// Draining is entered by Shutdown (new root spawns rejected, forks of
	// live fibers still permitted); Terminated once workers and the tick
	// advancer have stopped.
	runtimeState uint64

	// paddedState is a cache-line-isolated atomic runtimeState. It is read
	// on every Spawn and every pool submission, so it must not share a line
	// with anything mutable.
	paddedState struct {
		_ [sizeOfCacheLine]byte
		v atomic.Uint64
		_ [sizeOfCacheLine - sizeOfAtomicUint64]byte
	}
)

const (
	stateRunning runtimeState = iota
	stateDraining
	stateTerminated
)

func (s runtimeState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s *paddedState) Load() runtimeState {
	return runtimeState(s.v.Load())
}

func (s *paddedState) Store(v runtimeState) {
	s.v.Store(uint64(v))
}

// TryTransition atomically moves from -> to, failing if the state is not
// exactly from. All lifecycle transitions go through here so concurrent
// Shutdown/Close calls race safely.
func (s *paddedState) TryTransition(from, to runtimeState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
