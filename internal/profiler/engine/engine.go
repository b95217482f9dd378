// Package engine runs the causal profiler's speedup experiments.
//
// The engine runs rounds continuously for the lifetime of the process.
// Each round anchors to one selected source line and virtually speeds
// it up: every sampled thread that is observed in the selected line
// earns one unit of exemption from the global delay, and every thread
// pays down the global delay it has not yet absorbed by pausing. The
// difference in application progress across delay sizes is what
// downstream tooling turns into "if this line were X% faster" curves.
//
// All work happens on the application's own threads. The engine spawns
// no threads of its own; per-thread CPU timers wake each profiled
// thread to drain its sampler, and those drains advance the round.
package engine

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/causalprof/internal/profiler/config"
	"github.com/kolkov/causalprof/internal/profiler/counter"
	"github.com/kolkov/causalprof/internal/profiler/crash"
	"github.com/kolkov/causalprof/internal/profiler/cputimer"
	"github.com/kolkov/causalprof/internal/profiler/linemap"
	"github.com/kolkov/causalprof/internal/profiler/output"
	"github.com/kolkov/causalprof/internal/profiler/sampler"
	"github.com/kolkov/causalprof/internal/profiler/threadstate"

	"golang.org/x/sys/unix"
)

// LineResolver is the slice of the address→line map the engine uses.
// Satisfied by *linemap.Map; tests substitute a stub.
type LineResolver interface {
	FindPC(pc uint64) *linemap.Line
	FindName(name string) *linemap.Line
	Lines() []*linemap.Line
}

// Engine is the experiment engine. One instance profiles one process.
type Engine struct {
	cfg   config.Config
	log   *slog.Logger
	out   *output.Output
	lines LineResolver
	reg   threadstate.Registry

	// Round state. selected is the sole cross-thread synchronization
	// point: rounds open by compare-and-set from nil and close by the
	// store back to nil.
	selected         atomic.Pointer[linemap.Line]
	roundSamples     atomic.Uint64
	roundStartDelays atomic.Uint64
	globalDelays     atomic.Uint64
	delaySize        atomic.Uint64

	// Pinning overrides, immutable after Startup. fixedDelaySize is -1
	// when the speedup is not fixed.
	fixedLine      *linemap.Line
	fixedDelaySize int64

	shutdownRun atomic.Bool
	startTime   time.Time

	// rng draws the per-round speedup. It is not safe for concurrent
	// use and is touched only inside the round-opening CAS winner's
	// block, which rounds serialize.
	rng *rand.Rand

	counters sync.Map // name → *counter.Counter, for Progress points

	// Injection points for tests.
	newSampler func(tid int) (sampler.Source, error)
	newTimer   func(tid int, fire func()) threadstate.Stopper
	sleep      func(d time.Duration) time.Duration
}

// Startup builds an engine from cfg and begins sampling on the calling
// thread. The caller must have locked the calling goroutine to its OS
// thread and must keep it locked for the life of the profile.
func Startup(cfg config.Config) (*Engine, error) {
	crash.Install(SampleSignal)

	lines, err := linemap.Build(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("building line map: %w", err)
	}

	out, err := output.New(cfg.Output)
	if err != nil {
		return nil, err
	}

	e := newEngine(cfg, lines, out)

	if cfg.FixedLine != "" {
		e.fixedLine = lines.FindName(cfg.FixedLine)
		if e.fixedLine == nil {
			e.log.Warn("fixed line not found", "line", cfg.FixedLine)
		}
	}

	e.registerProgressLines(cfg.Progress)

	e.startTime = time.Now()
	e.out.Startup(SamplePeriod)

	e.BeginSampling()
	return e, nil
}

// newEngine wires an engine without touching the OS. Startup and the
// tests share it.
func newEngine(cfg config.Config, lines LineResolver, out *output.Output) *Engine {
	e := &Engine{
		cfg:            cfg,
		log:            cfg.Logger(),
		out:            out,
		lines:          lines,
		fixedDelaySize: -1,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.FixedSpeedup >= 0 && cfg.FixedSpeedup <= 100 {
		e.fixedDelaySize = SamplePeriod.Nanoseconds() * int64(cfg.FixedSpeedup) / 100
	}
	e.newSampler = func(tid int) (sampler.Source, error) {
		return sampler.Open(tid, uint64(SamplePeriod.Nanoseconds()), SampleWakeupCount)
	}
	e.newTimer = func(tid int, fire func()) threadstate.Stopper {
		return cputimer.Start(tid, SamplePeriod*SampleWakeupCount, unix.Signal(SampleSignal), fire)
	}
	e.sleep = measuredSleep
	return e
}

// measuredSleep pauses for d and reports the elapsed wall time, which
// the caller compares against d to account for scheduler overshoot.
func measuredSleep(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	t0 := time.Now()
	time.Sleep(d)
	return time.Since(t0)
}

// RegisterCounter adds a progress counter to the output stream.
func (e *Engine) RegisterCounter(c *counter.Counter) {
	e.out.AddCounter(c)
}

// registerProgressLines wraps each named source line in a sampling
// counter. Names that do not resolve warn and are skipped.
func (e *Engine) registerProgressLines(names []string) {
	for _, name := range names {
		l := e.lines.FindName(name)
		if l == nil {
			e.log.Warn("progress line not found", "line", name)
			continue
		}
		e.RegisterCounter(counter.NewSampling(name, l))
	}
}

// Progress advances the named throughput counter by one, registering
// it on first use. Called by the application at its progress points.
func (e *Engine) Progress(name string) {
	v, ok := e.counters.Load(name)
	if !ok {
		c := counter.NewThroughput(name)
		var loaded bool
		v, loaded = e.counters.LoadOrStore(name, c)
		if !loaded {
			e.RegisterCounter(c)
		}
	}
	v.(*counter.Counter).Add(1)
}

// Shutdown ends sampling on the calling thread, flushes the output,
// and, in end-to-end mode, writes the speedup diagnostic to stderr.
// Runs at most once; later calls are no-ops.
func (e *Engine) Shutdown() {
	if !e.shutdownRun.CompareAndSwap(false, true) {
		return
	}

	e.EndSampling()

	runtime := time.Since(e.startTime)
	e.out.Shutdown()
	if err := e.out.WriteProfile(e.lines.Lines(), SamplePeriod, runtime); err != nil {
		e.log.Warn("writing sample profile", "err", err)
	}
	if err := e.out.Close(); err != nil {
		e.log.Warn("closing profile output", "err", err)
	}

	if line := e.endToEndLine(runtime); line != "" {
		fmt.Fprint(os.Stderr, line)
	}
}

// endToEndLine formats the end-to-end mode diagnostic: the fixed
// speedup fraction and the runtime with the induced delays subtracted.
// Empty unless both the line and the speedup are fixed.
func (e *Engine) endToEndLine(runtime time.Duration) string {
	if e.fixedLine == nil || e.fixedDelaySize < 0 {
		return ""
	}
	fraction := float64(e.fixedDelaySize) / float64(SamplePeriod.Nanoseconds())
	effective := runtime.Nanoseconds() - int64(e.globalDelays.Load())*e.fixedDelaySize
	return fmt.Sprintf("%g\t%d\n", fraction, effective)
}

// GlobalDelays reports the process-wide delay count. Monotone.
func (e *Engine) GlobalDelays() uint64 { return e.globalDelays.Load() }
