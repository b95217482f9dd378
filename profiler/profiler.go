package profiler

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/kolkov/causalprof/internal/profiler/config"
	"github.com/kolkov/causalprof/internal/profiler/engine"
)

// Option adjusts the profiler's startup configuration. Options are
// applied after the CAUSALPROF_* environment is read: scalar options
// replace the environment's value, while WithProgress and WithScope
// append to the environment's lists.
type Option func(*config.Config)

// WithOutput sets the record file path. A ".zst" suffix enables
// transparent compression.
func WithOutput(path string) Option {
	return func(c *config.Config) { c.Output = path }
}

// WithProgress adds "file:line" progress points, each wrapped in a
// sampling counter. Unresolved names warn and are skipped.
func WithProgress(names ...string) Option {
	return func(c *config.Config) { c.Progress = append(c.Progress, names...) }
}

// WithScope bounds which source directories the profiler admits.
// Without it, the enclosing module of the working directory is used.
func WithScope(dirs ...string) Option {
	return func(c *config.Config) { c.Scope = append(c.Scope, dirs...) }
}

// WithFixedLine pins every round to the given "file:line".
func WithFixedLine(name string) Option {
	return func(c *config.Config) { c.FixedLine = name }
}

// WithFixedSpeedup fixes the virtual speedup to pct percent of the
// sampling period. Values outside [0, 100] mean "not fixed".
func WithFixedSpeedup(pct int) Option {
	return func(c *config.Config) { c.FixedSpeedup = pct }
}

// WithLogLevel sets the profiler's stderr log level.
func WithLogLevel(level slog.Level) Option {
	return func(c *config.Config) { c.LogLevel = level }
}

// Startup initializes the profiler and begins sampling on the calling
// goroutine, which is locked to its OS thread and must stay on it
// until Shutdown. Startup is not idempotent: a second call while a
// profile is running is an error.
func Startup(opts ...Option) error {
	if engine.Default() != nil {
		return fmt.Errorf("profiler already started")
	}
	cfg := config.FromEnv()
	for _, opt := range opts {
		opt(&cfg)
	}

	runtime.LockOSThread()
	e, err := engine.Startup(cfg)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	engine.SetDefault(e)
	return nil
}

// Shutdown stops sampling, flushes the output file, and in end-to-end
// mode writes the speedup diagnostic to stderr. Runs at most once.
func Shutdown() {
	if e := engine.Default(); e != nil {
		e.Shutdown()
		engine.SetDefault(nil)
	}
}

// Go runs fn on a new profiled thread. The spawned goroutine is locked
// to an OS thread, inherits the parent's delay account, and is sampled
// until fn returns. Before Startup it degrades to a plain goroutine.
func Go(fn func()) {
	e := engine.Default()
	if e == nil {
		go fn()
		return
	}
	e.Go(fn)
}

// Progress advances the named throughput counter by one. The counter
// is registered in the output stream on first use.
func Progress(name string) {
	if e := engine.Default(); e != nil {
		e.Progress(name)
	}
}

// SnapshotDelays captures the calling thread's delay account. Call
// immediately before a blocking operation the wrappers do not cover,
// and pair it with SkipDelays after the wake.
func SnapshotDelays() {
	if e := engine.Default(); e != nil {
		e.SnapshotDelays()
	}
}

// SkipDelays credits the calling thread for global delays issued while
// it was blocked. Pairs with the preceding SnapshotDelays.
func SkipDelays() {
	if e := engine.Default(); e != nil {
		e.SkipDelays()
	}
}

// CatchUp settles the calling thread's delay debt now. Call before an
// operation that unblocks other threads.
func CatchUp() {
	if e := engine.Default(); e != nil {
		e.CatchUp()
	}
}

// Block brackets an arbitrary blocking call with the delay shims:
// delays issued while fn blocks are credited, not re-paid.
func Block(fn func()) {
	SnapshotDelays()
	fn()
	SkipDelays()
}

// active reports whether a profile is running.
func active() bool { return engine.Default() != nil }
