package engine

import (
	"github.com/kolkov/causalprof/internal/profiler/linemap"
	"github.com/kolkov/causalprof/internal/profiler/sampler"
	"github.com/kolkov/causalprof/internal/profiler/threadstate"
)

// processSamples drains the thread's sampler, classifies each sample
// against the current round, settles the thread's delay debt, and
// resumes sampling. Callers hold the state's lock in either context.
func (e *Engine) processSamples(st *threadstate.State) {
	if st.Sampler == nil {
		// Sampler creation failed for this thread; it contributes no
		// samples but still honors delays.
		e.addDelays(st)
		return
	}

	st.Sampler.Stop()
	if err := st.Sampler.Drain(func(r sampler.Record) {
		e.handleRecord(st, r)
	}); err != nil {
		e.log.Debug("draining sampler", "tid", st.TID, "err", err)
	}

	e.out.SnapshotCounters()
	e.addDelays(st)
	st.Sampler.Start()
}

// handleRecord classifies one drained record: attribute the sample to
// its line, open a round if none is active, credit the thread when the
// sample lands in the selected line, and close the round when it is
// full.
func (e *Engine) handleRecord(st *threadstate.State, r sampler.Record) {
	if r.Kind != sampler.KindSample {
		return
	}

	l := e.findContainingLine(r)
	if l != nil {
		l.AddSample()
	}

	cur := e.selected.Load()

	if cur == nil {
		// No active round. With a pinned line the candidate is always
		// the pinned line, wherever the sample landed.
		if e.fixedLine != nil {
			l = e.fixedLine
		}
		if l == nil {
			// Out-of-scope sample and nothing pinned; no candidate.
			return
		}
		if e.selected.CompareAndSwap(nil, l) {
			cur = l
			e.roundSamples.Store(0)
			e.roundStartDelays.Store(e.globalDelays.Load())
			if e.fixedDelaySize >= 0 {
				e.delaySize.Store(uint64(e.fixedDelaySize))
			} else {
				k := uint64(e.rng.Intn(SpeedupDivisions + 1))
				e.delaySize.Store(k * uint64(SamplePeriod.Nanoseconds()) / SpeedupDivisions)
			}
			e.out.StartRound(cur)
		} else {
			// Another thread opened the round first.
			cur = e.selected.Load()
		}
	}

	if cur == nil {
		return
	}

	if l == cur {
		// The virtual speedup: a sample in the selected line earns this
		// thread one unit of exemption from the global delay.
		st.DelayCount++
	}

	if e.roundSamples.Add(1) == MinRoundSamples {
		e.out.EndRound(e.globalDelays.Load()-e.roundStartDelays.Load(), e.delaySize.Load())
		e.selected.Store(nil)
	}
}

// findContainingLine resolves a sample to a known line: by its
// instruction pointer first, then by walking the call chain outward.
func (e *Engine) findContainingLine(r sampler.Record) *linemap.Line {
	if r.Kind != sampler.KindSample {
		return nil
	}
	if l := e.lines.FindPC(r.IP); l != nil {
		return l
	}
	for _, pc := range r.Callchain {
		if l := e.lines.FindPC(pc); l != nil {
			return l
		}
	}
	return nil
}
