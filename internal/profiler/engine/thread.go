package engine

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/kolkov/causalprof/internal/profiler/threadstate"
)

func gettid() int { return unix.Gettid() }

// BeginSampling registers the calling thread and starts its sampler
// and timer. The calling goroutine must be locked to its OS thread.
func (e *Engine) BeginSampling() {
	st := e.reg.Register(gettid())
	st.TryAcquire(threadstate.ThreadContext)
	defer st.Release()
	e.startThreadSampler(st)
}

// startThreadSampler attaches a sampler and a wake timer to st. A
// sampler that cannot be created leaves the thread sampling-less but
// still subject to delays. Callers hold st's lock.
func (e *Engine) startThreadSampler(st *threadstate.State) {
	src, err := e.newSampler(st.TID)
	if err != nil {
		e.log.Warn("sampler unavailable for thread", "tid", st.TID, "err", err)
	} else {
		st.Sampler = src
	}

	tid := st.TID
	st.Timer = e.newTimer(tid, func() {
		e.onWake(tid)
	})

	if st.Sampler != nil {
		if err := st.Sampler.Start(); err != nil {
			e.log.Warn("starting sampler", "tid", st.TID, "err", err)
		}
	}
}

// onWake is the timer's drain trigger, the analogue of a sample-ready
// signal handler. It must never block on thread state: if the thread
// currently holds its own state the drain is dropped and the pending
// samples wait for the next wake.
func (e *Engine) onWake(tid int) {
	st, ok := e.reg.Acquire(tid, threadstate.SignalContext)
	if !ok {
		return
	}
	defer st.Release()
	e.processSamples(st)
}

// EndSampling drains the calling thread's remaining samples, settles
// its delays one last time, and releases its sampler and timer. Called
// on thread exit and once more from Shutdown for the main thread.
func (e *Engine) EndSampling() {
	tid := gettid()
	st, ok := e.reg.Acquire(tid, threadstate.ThreadContext)
	if !ok {
		return
	}

	if st.Timer != nil {
		// The timer's fire path acquires in signal context and never
		// blocks, so stopping under our lock cannot deadlock.
		st.Timer.Stop()
		st.Timer = nil
	}

	e.processSamples(st)
	e.addDelays(st)

	if st.Sampler != nil {
		st.Sampler.Stop()
		if err := st.Sampler.Close(); err != nil {
			e.log.Debug("closing sampler", "tid", tid, "err", err)
		}
		st.Sampler = nil
	}

	st.Release()
	e.reg.Unregister(tid)
}

// Go runs fn on a new profiled thread. The child starts owing exactly
// what the parent owes: its delay count and excess delay are copied
// from the parent at spawn, so a newborn thread cannot game the
// protocol by being new.
func (e *Engine) Go(fn func()) {
	var delayCount, excessDelay uint64
	if st, ok := e.acquireCurrent(); ok {
		delayCount = st.DelayCount
		excessDelay = st.ExcessDelay
		st.Release()
	} else {
		// Spawned from an unprofiled thread: start level with the
		// global count rather than owing the whole history.
		delayCount = e.globalDelays.Load()
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		st := e.reg.Register(gettid())
		st.TryAcquire(threadstate.ThreadContext)
		st.DelayCount = delayCount
		st.ExcessDelay = excessDelay
		e.startThreadSampler(st)
		st.Release()

		defer e.EndSampling()
		fn()
	}()
}
