package engine

import (
	"syscall"
	"time"
)

// Profiling constants. SamplePeriod is task CPU time, not wall time.
const (
	// SamplePeriod is the CPU time between samples on each thread.
	SamplePeriod = time.Millisecond

	// SampleWakeupCount is how many samples accumulate per wake: each
	// thread drains its sampler roughly every
	// SamplePeriod·SampleWakeupCount of its own CPU time.
	SampleWakeupCount = 10

	// MinRoundSamples is the number of samples that close a round.
	MinRoundSamples = 32

	// SpeedupDivisions is the granularity of randomly drawn speedups:
	// delay sizes are multiples of SamplePeriod/SpeedupDivisions.
	SpeedupDivisions = 20
)

// SampleSignal is the realtime signal the timer sends a profiled
// thread at each wake so blocking syscalls return early.
const SampleSignal = syscall.Signal(42)
