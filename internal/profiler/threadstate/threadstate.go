// Package threadstate holds the per-thread profiling state and the
// registry that makes it reachable from both the thread's own code and
// the asynchronous sample-drain path.
//
// Every profiled thread owns one State: its delay counters, the
// snapshots taken around blocking calls, and its sampler and timer
// handles. The state is guarded by a context-tagged single-entry lock.
// Accessors name the context they run in:
//
//   - ThreadContext: the thread's own wrapped calls (thread creation,
//     blocking-primitive shims, begin/end sampling). These spin until
//     the state is free; the owner always gets in eventually.
//   - SignalContext: the drain trigger firing on behalf of the thread.
//     This tries exactly once. If the thread already holds its state,
//     the drain is skipped and the pending samples wait for the next
//     wake. Samples are statistical, so the loss is acceptable.
//
// The discipline gives single-writer semantics per thread without any
// blocking lock on the drain path.
package threadstate

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/causalprof/internal/profiler/sampler"
)

// Context tags which execution context is asking for a thread's state.
type Context int32

const (
	// ThreadContext marks access from the thread's normal execution.
	ThreadContext Context = 1

	// SignalContext marks access from the asynchronous drain trigger.
	SignalContext Context = 2
)

// Stopper is the timer handle owned by a State. Concretely a
// *cputimer.Timer; an interface here so the engine's tests can run
// without real timers.
type Stopper interface {
	Stop()
}

// State is the per-thread profiling state. All fields are owned by the
// thread while its lock is held; nothing here needs atomics because the
// lock serializes the two contexts.
type State struct {
	lock atomic.Int32 // 0 free, else the Context holding it

	// DelayCount is how many global delays this thread has absorbed.
	// Monotone in steady state; assigned once at thread start from the
	// parent's value and rewritten by the skip path after blocking.
	DelayCount uint64

	// ExcessDelay is nanoseconds of sleep overshoot from previous
	// pauses, credited against future waits.
	ExcessDelay uint64

	// GlobalDelaySnapshot and LocalDelaySnapshot are captured by
	// snapshot_delays immediately before the thread blocks and consumed
	// by the matching skip_delays.
	GlobalDelaySnapshot uint64
	LocalDelaySnapshot  uint64

	// Sampler is this thread's sample source. Nil when sampler creation
	// failed; the thread then contributes no samples but still honors
	// delays.
	Sampler sampler.Source

	// Timer wakes the thread to drain its sampler.
	Timer Stopper

	// TID is the OS thread id the state is registered under.
	TID int
}

// TryAcquire attempts to take the state's single-entry lock for the
// given context. Signal-context callers must not retry on failure;
// thread-context callers may spin (Registry.Acquire does).
func (s *State) TryAcquire(c Context) bool {
	return s.lock.CompareAndSwap(0, int32(c))
}

// Release frees the single-entry lock.
func (s *State) Release() {
	s.lock.Store(0)
}

// Registry maps OS thread ids to their State. Reads vastly outnumber
// writes (one write per thread lifetime), so storage is a sync.Map.
type Registry struct {
	states sync.Map // int (tid) → *State
}

// Register creates and stores the state for tid. The state is returned
// unlocked.
func (r *Registry) Register(tid int) *State {
	s := &State{TID: tid}
	r.states.Store(tid, s)
	return s
}

// Unregister drops the state for tid. Called after end-of-sampling on
// thread exit.
func (r *Registry) Unregister(tid int) {
	r.states.Delete(tid)
}

// Acquire looks up tid's state and takes its lock in the given context.
//
// In SignalContext the acquire is a single try: ok is false when the
// thread is currently inside the registry and the caller must drop the
// drain. In ThreadContext the call spins until the state is free; it
// only returns ok=false when no state is registered for tid at all.
func (r *Registry) Acquire(tid int, c Context) (s *State, ok bool) {
	v, found := r.states.Load(tid)
	if !found {
		return nil, false
	}
	s = v.(*State)
	if c == SignalContext {
		if !s.TryAcquire(c) {
			return nil, false
		}
		return s, true
	}
	for !s.TryAcquire(c) {
		// The only other holder is this thread's drain, which never
		// blocks; yield until it finishes the batch.
		runtime.Gosched()
	}
	return s, true
}
