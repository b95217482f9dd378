// Package counter implements progress counters for the causal profiler.
//
// A progress counter is an observable throughput signal reported in the
// profiler's output stream. Two variants exist:
//
//   - Sampling counters mirror the sample count of a designated source
//     line. They are registered from "file:line" names given at startup
//     and advance implicitly whenever the engine records a sample that
//     resolves to their line.
//   - Throughput counters are advanced explicitly by the application at
//     progress points (for example once per completed request).
//
// Counter values are monotone. Snapshots of all registered counters are
// written periodically by the output sink.
package counter

import (
	"sync/atomic"

	"github.com/kolkov/causalprof/internal/profiler/linemap"
)

// Kind identifies the counter variant in output records.
type Kind string

const (
	// KindSampling marks a counter derived from samples on a source line.
	KindSampling Kind = "sampling"

	// KindThroughput marks an application-supplied progress counter.
	KindThroughput Kind = "throughput"
)

// Counter is a named, monotone progress value with an optional
// associated source line.
//
// A sampling counter does not store its own value: it reads the sample
// count of its line, so the engine only has to bump the line once per
// sample. Throughput counters carry their own atomic value.
type Counter struct {
	name string
	kind Kind
	line *linemap.Line
	val  atomic.Uint64
}

// NewSampling creates a sampling counter mirroring the sample count of l.
func NewSampling(name string, l *linemap.Line) *Counter {
	return &Counter{name: name, kind: KindSampling, line: l}
}

// NewThroughput creates an application progress counter.
func NewThroughput(name string) *Counter {
	return &Counter{name: name, kind: KindThroughput}
}

// Name returns the counter's registered name.
func (c *Counter) Name() string { return c.name }

// Kind returns the counter variant.
func (c *Counter) Kind() Kind { return c.kind }

// Line returns the associated source line, or nil for counters that
// have none.
func (c *Counter) Line() *linemap.Line { return c.line }

// Add advances a throughput counter by n. It is a no-op on sampling
// counters, whose value is owned by the line map.
func (c *Counter) Add(n uint64) {
	if c.kind == KindSampling {
		return
	}
	c.val.Add(n)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	if c.kind == KindSampling {
		return c.line.Samples()
	}
	return c.val.Load()
}
