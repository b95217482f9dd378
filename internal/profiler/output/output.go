// Package output writes the profiler's experiment records.
//
// The sink is append-only and line-oriented: one record per line, a
// record name followed by tab-separated key=value fields. Records from
// different threads interleave only at line granularity; a single
// mutex serializes writers, and round-boundary records are emitted by
// the engine outside its selection CAS so the sink never sits on the
// sample-handling critical section.
//
// An output path ending in ".zst" is compressed transparently. At
// shutdown the sink also writes a pprof profile of per-line sample
// counts next to the record file, so standard tooling can view where
// samples landed.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/kolkov/causalprof/internal/profiler/counter"
	"github.com/kolkov/causalprof/internal/profiler/linemap"
)

// SnapshotPeriod bounds how often counter snapshots are written. The
// engine requests a snapshot after every drained batch; the sink lets
// one set through per period.
const SnapshotPeriod = time.Second

// Output is the profiler's record sink.
type Output struct {
	mu       sync.Mutex
	w        *bufio.Writer
	closers  []io.Closer
	path     string
	limiter  *rate.Limiter
	counters []*counter.Counter
}

// New opens the record sink at path, truncating any previous file.
func New(path string) (*Output, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating profile output: %w", err)
	}
	o := &Output{
		path:    path,
		limiter: rate.NewLimiter(rate.Every(SnapshotPeriod), 1),
	}
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		o.w = bufio.NewWriter(zw)
		o.closers = []io.Closer{zw, f}
	} else {
		o.w = bufio.NewWriter(f)
		o.closers = []io.Closer{f}
	}
	return o, nil
}

// Startup records the beginning of the execution and the sampling
// period in nanoseconds.
func (o *Output) Startup(period time.Duration) {
	o.write("startup\tperiod=%d\n", period.Nanoseconds())
}

// AddCounter registers a progress counter and records it. Registered
// counters are included in subsequent snapshots.
func (o *Output) AddCounter(c *counter.Counter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters = append(o.counters, c)
	if l := c.Line(); l != nil {
		fmt.Fprintf(o.w, "counter_add\tname=%s\tkind=%s\tline=%s\n", c.Name(), c.Kind(), l.Name())
	} else {
		fmt.Fprintf(o.w, "counter_add\tname=%s\tkind=%s\n", c.Name(), c.Kind())
	}
}

// StartRound records the opening of a speedup round on l.
func (o *Output) StartRound(l *linemap.Line) {
	o.write("start_round\tline=%s\n", l.Name())
}

// EndRound records the close of a round: the number of global delays
// issued during it and the delay size in nanoseconds.
func (o *Output) EndRound(deltaDelays, delaySize uint64) {
	o.write("end_round\tdelays=%d\tdelay-size=%d\n", deltaDelays, delaySize)
}

// SnapshotCounters writes one counter_snapshot record per registered
// counter, at most once per SnapshotPeriod. Extra requests are dropped,
// which keeps the drain path cheap.
func (o *Output) SnapshotCounters() {
	if !o.limiter.Allow() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.counters {
		fmt.Fprintf(o.w, "counter_snapshot\tname=%s\tvalue=%d\n", c.Name(), c.Value())
	}
}

// Shutdown records the end of the execution. A final unthrottled
// counter snapshot precedes it so the record stream always ends with
// complete totals.
func (o *Output) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.counters {
		fmt.Fprintf(o.w, "counter_snapshot\tname=%s\tvalue=%d\n", c.Name(), c.Value())
	}
	fmt.Fprintf(o.w, "shutdown\n")
}

// Close flushes and closes the sink.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	if ferr := o.w.Flush(); ferr != nil {
		err = ferr
	}
	for _, c := range o.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (o *Output) write(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
