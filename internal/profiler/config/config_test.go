package config

import (
	"context"
	"log/slog"
	"reflect"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CAUSALPROF_OUTPUT",
		"CAUSALPROF_PROGRESS",
		"CAUSALPROF_SCOPE",
		"CAUSALPROF_FIXED_LINE",
		"CAUSALPROF_FIXED_SPEEDUP",
		"CAUSALPROF_LOG",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	c := FromEnv()

	if c.Output != DefaultOutput {
		t.Errorf("Output = %q, want %q", c.Output, DefaultOutput)
	}
	if c.Progress != nil || c.Scope != nil {
		t.Errorf("lists = (%v, %v), want empty", c.Progress, c.Scope)
	}
	if c.FixedLine != "" {
		t.Errorf("FixedLine = %q, want empty", c.FixedLine)
	}
	if c.FixedSpeedup != SpeedupNotFixed {
		t.Errorf("FixedSpeedup = %d, want %d", c.FixedSpeedup, SpeedupNotFixed)
	}
	if c.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", c.LogLevel)
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAUSALPROF_OUTPUT", "/tmp/out.causal")
	t.Setenv("CAUSALPROF_PROGRESS", "a.go:1, b.go:2 ,,")
	t.Setenv("CAUSALPROF_SCOPE", "/src/app")
	t.Setenv("CAUSALPROF_FIXED_LINE", "hot.go:10")
	t.Setenv("CAUSALPROF_FIXED_SPEEDUP", "50")
	t.Setenv("CAUSALPROF_LOG", "debug")

	c := FromEnv()

	if c.Output != "/tmp/out.causal" {
		t.Errorf("Output = %q", c.Output)
	}
	if want := []string{"a.go:1", "b.go:2"}; !reflect.DeepEqual(c.Progress, want) {
		t.Errorf("Progress = %v, want %v", c.Progress, want)
	}
	if want := []string{"/src/app"}; !reflect.DeepEqual(c.Scope, want) {
		t.Errorf("Scope = %v, want %v", c.Scope, want)
	}
	if c.FixedLine != "hot.go:10" {
		t.Errorf("FixedLine = %q", c.FixedLine)
	}
	if c.FixedSpeedup != 50 {
		t.Errorf("FixedSpeedup = %d, want 50", c.FixedSpeedup)
	}
	if c.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
}

func TestFromEnvBadSpeedup(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAUSALPROF_FIXED_SPEEDUP", "half")
	if c := FromEnv(); c.FixedSpeedup != SpeedupNotFixed {
		t.Errorf("FixedSpeedup = %d, want %d for unparsable input", c.FixedSpeedup, SpeedupNotFixed)
	}

	// Out-of-range values pass through; the engine treats them as
	// "not fixed".
	t.Setenv("CAUSALPROF_FIXED_SPEEDUP", "150")
	if c := FromEnv(); c.FixedSpeedup != 150 {
		t.Errorf("FixedSpeedup = %d, want 150 passed through", c.FixedSpeedup)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"Info", slog.LevelInfo},
		{"error", slog.LevelError},
		{"warn", slog.LevelWarn},
		{"", slog.LevelWarn},
		{"bogus", slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger(t *testing.T) {
	clearEnv(t)
	c := FromEnv()
	log := c.Logger()
	if log == nil {
		t.Fatal("Logger returned nil")
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn level disabled at default config")
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level enabled at default config")
	}
}
