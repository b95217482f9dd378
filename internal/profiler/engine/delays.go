package engine

import (
	"time"

	"github.com/kolkov/causalprof/internal/profiler/threadstate"
)

// addDelays settles the thread's delay account against the global
// count. A thread ahead of the global count publishes its surplus; a
// thread behind pays the difference in pause time, with previous sleep
// overshoot credited first. Runs at end-of-batch and at catch-up
// points; callers hold the state's lock.
func (e *Engine) addDelays(st *threadstate.State) {
	g := e.globalDelays.Load()
	d := e.delaySize.Load()

	switch {
	case st.DelayCount > g:
		e.globalDelays.Add(st.DelayCount - g)

	case st.DelayCount < g:
		wait := (g - st.DelayCount) * d
		if st.ExcessDelay > wait {
			st.ExcessDelay -= wait
		} else {
			wait -= st.ExcessDelay
			st.ExcessDelay = 0
			actual := uint64(e.sleep(time.Duration(wait)).Nanoseconds())
			if actual > wait {
				st.ExcessDelay = actual - wait
			}
		}
		st.DelayCount = g
	}
}

// SnapshotDelays captures the global and local delay counts into the
// calling thread's snapshot fields. Call immediately before blocking;
// pair with SkipDelays on wake. A no-op on unprofiled threads.
func (e *Engine) SnapshotDelays() {
	st, ok := e.acquireCurrent()
	if !ok {
		return
	}
	defer st.Release()
	st.GlobalDelaySnapshot = e.globalDelays.Load()
	st.LocalDelaySnapshot = st.DelayCount
}

// SkipDelays credits the calling thread for the delays issued while it
// was blocked, so waking does not trigger a catch-up storm. Pairs with
// the preceding SnapshotDelays.
func (e *Engine) SkipDelays() {
	st, ok := e.acquireCurrent()
	if !ok {
		return
	}
	defer st.Release()
	missed := e.globalDelays.Load() - st.GlobalDelaySnapshot
	st.DelayCount = st.LocalDelaySnapshot + missed
}

// CatchUp settles the calling thread's delay debt now. Call before
// unblocking other threads (releasing a lock, closing a channel) so
// they observe a consistent global count.
func (e *Engine) CatchUp() {
	st, ok := e.acquireCurrent()
	if !ok {
		return
	}
	defer st.Release()
	e.addDelays(st)
}

// acquireCurrent locks and returns the calling thread's state. ok is
// false for threads the profiler is not tracking, which makes every
// delay shim a safe no-op on unprofiled goroutines.
func (e *Engine) acquireCurrent() (*threadstate.State, bool) {
	return e.reg.Acquire(gettid(), threadstate.ThreadContext)
}
