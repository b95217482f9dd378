// Package config resolves the profiler's startup inputs.
//
// Inputs arrive from two places: CAUSALPROF_* environment variables
// (so an already-built binary can be profiled by its launcher, the way
// `causalprof run` does it) and explicit options passed to Startup.
// Explicit options are applied after the environment: scalar options
// replace its values, list options (progress points, scope) are
// appended to its lists.
//
// Variables:
//
//	CAUSALPROF_OUTPUT         output file path (default profile.causal)
//	CAUSALPROF_PROGRESS       comma-separated file:line progress points
//	CAUSALPROF_SCOPE          comma-separated scope directories
//	CAUSALPROF_FIXED_LINE     file:line to pin round selection to
//	CAUSALPROF_FIXED_SPEEDUP  percentage 0..100; out of range = not fixed
//	CAUSALPROF_LOG            debug | info | warn | error (default warn)
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
)

// DefaultOutput is the record file written when no path is configured.
const DefaultOutput = "profile.causal"

// SpeedupNotFixed marks an unset fixed speedup. Any value outside
// [0, 100] means "not fixed".
const SpeedupNotFixed = -1

// Config carries the resolved startup inputs.
type Config struct {
	// Output is the record sink path.
	Output string

	// Progress lists "file:line" names, each wrapped in a sampling
	// counter at startup. Unresolved names warn and are skipped.
	Progress []string

	// Scope lists directories bounding which source files the line map
	// admits. Empty means the current working directory, widened by the
	// line map to its enclosing module root when a go.mod is found.
	Scope []string

	// FixedLine, when non-empty, pins round selection to one line.
	FixedLine string

	// FixedSpeedup is a percentage in [0, 100] fixing the delay size,
	// or SpeedupNotFixed.
	FixedSpeedup int

	// LogLevel controls the profiler's stderr logging.
	LogLevel slog.Level
}

// FromEnv builds a Config from the CAUSALPROF_* environment.
func FromEnv() Config {
	c := Config{
		Output:       DefaultOutput,
		FixedSpeedup: SpeedupNotFixed,
		LogLevel:     slog.LevelWarn,
	}
	if v := os.Getenv("CAUSALPROF_OUTPUT"); v != "" {
		c.Output = v
	}
	c.Progress = splitList(os.Getenv("CAUSALPROF_PROGRESS"))
	c.Scope = splitList(os.Getenv("CAUSALPROF_SCOPE"))
	c.FixedLine = os.Getenv("CAUSALPROF_FIXED_LINE")
	if v := os.Getenv("CAUSALPROF_FIXED_SPEEDUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FixedSpeedup = n
		}
	}
	c.LogLevel = parseLevel(os.Getenv("CAUSALPROF_LOG"))
	return c
}

// Logger builds the profiler's logger: tinted, on stderr, at the
// configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      c.LogLevel,
		TimeFormat: "15:04:05",
	}))
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
