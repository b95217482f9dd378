// Package sampler provides per-thread instruction-pointer samples.
//
// The production implementation is a Linux perf_event counter on the
// task CPU clock: one sample every SamplePeriod nanoseconds of thread
// CPU time, excluding kernel and idle time, each carrying the faulting
// instruction pointer and a call chain. Records accumulate in a kernel
// ring buffer and are drained in batches when the thread's timer wakes
// it.
//
// The engine depends only on the Source interface, so tests substitute
// an in-memory source.
package sampler

// Kind classifies a drained record.
type Kind uint8

const (
	// KindMetadata marks a non-sample record (mmap, throttle, lost).
	// The engine skips these.
	KindMetadata Kind = iota

	// KindSample marks an instruction-pointer sample.
	KindSample
)

// Record is one event drained from a sampler. Samples carry the
// instruction pointer and the call chain, innermost frame first.
// Records are ephemeral: the Callchain slice is only valid during the
// drain callback.
type Record struct {
	Kind      Kind
	IP        uint64
	Callchain []uint64
}

// Source is the per-thread sample source contract the engine consumes.
//
// Start and Stop toggle sample production. Drain invokes fn for every
// record accumulated since the previous drain; implementations deliver
// records in arrival order. Close releases the underlying resources;
// the source must be stopped first.
type Source interface {
	Start() error
	Stop() error
	Drain(fn func(Record)) error
	Close() error
}
