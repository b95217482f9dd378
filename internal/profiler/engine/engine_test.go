package engine

import (
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kolkov/causalprof/internal/profiler/config"
	"github.com/kolkov/causalprof/internal/profiler/linemap"
	"github.com/kolkov/causalprof/internal/profiler/output"
	"github.com/kolkov/causalprof/internal/profiler/sampler"
	"github.com/kolkov/causalprof/internal/profiler/threadstate"
)

// stubResolver satisfies LineResolver from fixed tables, standing in
// for the executable's line map.
type stubResolver struct {
	byPC   map[uint64]*linemap.Line
	byName map[string]*linemap.Line
}

func (s *stubResolver) FindPC(pc uint64) *linemap.Line    { return s.byPC[pc] }
func (s *stubResolver) FindName(n string) *linemap.Line   { return s.byName[n] }
func (s *stubResolver) Lines() (out []*linemap.Line) {
	seen := make(map[*linemap.Line]bool)
	for _, l := range s.byPC {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

type fakeTimer struct{}

func (fakeTimer) Stop() {}

// fakeSource replays canned records once.
type fakeSource struct {
	recs   []sampler.Record
	closed bool
}

func (f *fakeSource) Start() error { return nil }
func (f *fakeSource) Stop() error  { return nil }
func (f *fakeSource) Close() error { f.closed = true; return nil }

func (f *fakeSource) Drain(fn func(sampler.Record)) error {
	for _, r := range f.recs {
		fn(r)
	}
	f.recs = nil
	return nil
}

func sampleAt(pc uint64) sampler.Record {
	return sampler.Record{Kind: sampler.KindSample, IP: pc}
}

// newTestEngine builds an engine with a stub resolver, a deterministic
// rng, an exact (non-sleeping) sleep, and fake per-thread resources.
func newTestEngine(t *testing.T, res LineResolver, mod func(*config.Config)) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.causal")
	cfg := config.Config{
		Output:       path,
		FixedSpeedup: config.SpeedupNotFixed,
		LogLevel:     slog.LevelError,
	}
	if mod != nil {
		mod(&cfg)
	}
	out, err := output.New(path)
	if err != nil {
		t.Fatal(err)
	}
	e := newEngine(cfg, res, out)
	e.rng = rand.New(rand.NewSource(1))
	e.sleep = func(d time.Duration) time.Duration { return d }
	e.newSampler = func(tid int) (sampler.Source, error) { return &fakeSource{}, nil }
	e.newTimer = func(tid int, fire func()) threadstate.Stopper { return fakeTimer{} }
	return e, path
}

func records(t *testing.T, e *Engine, path string) string {
	t.Helper()
	if err := e.out.Close(); err != nil {
		t.Fatalf("closing output: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	return string(data)
}

// lockedState registers a state for a synthetic tid and holds its lock
// for the duration of the test.
func lockedState(t *testing.T, e *Engine, tid int) *threadstate.State {
	t.Helper()
	st := e.reg.Register(tid)
	if !st.TryAcquire(threadstate.ThreadContext) {
		t.Fatal("fresh state must be acquirable")
	}
	t.Cleanup(st.Release)
	return st
}

func TestRoundProtocol(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x100: hot}}
	e, path := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	// The first sample opens the round; MinRoundSamples close it.
	for i := 0; i < MinRoundSamples; i++ {
		e.handleRecord(st, sampleAt(0x100))
	}

	if got := e.selected.Load(); got != nil {
		t.Errorf("selected line after full round = %v, want nil", got)
	}
	if st.DelayCount != MinRoundSamples {
		t.Errorf("DelayCount = %d, want %d (every sample hit the selected line)",
			st.DelayCount, MinRoundSamples)
	}
	if hot.Samples() != MinRoundSamples {
		t.Errorf("line samples = %d, want %d", hot.Samples(), MinRoundSamples)
	}

	out := records(t, e, path)
	if n := strings.Count(out, "start_round\tline=hot.go:10\n"); n != 1 {
		t.Errorf("start_round records = %d, want 1\noutput:\n%s", n, out)
	}
	if n := strings.Count(out, "end_round\t"); n != 1 {
		t.Errorf("end_round records = %d, want 1\noutput:\n%s", n, out)
	}
	if strings.Index(out, "end_round") < strings.Index(out, "start_round") {
		t.Errorf("end_round precedes start_round:\n%s", out)
	}
}

func TestRoundSelectionLoser(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	cold := linemap.NewLine("cold.go", 20)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x100: hot, 0x200: cold}}
	e, _ := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	e.handleRecord(st, sampleAt(0x100)) // opens the round on hot
	before := st.DelayCount
	e.handleRecord(st, sampleAt(0x200)) // cold sample during hot's round

	if st.DelayCount != before {
		t.Errorf("sample outside the selected line changed DelayCount: %d -> %d",
			before, st.DelayCount)
	}
	if got := e.selected.Load(); got != hot {
		t.Errorf("selected = %v, want the first round's line", got)
	}
	if got := e.roundSamples.Load(); got != 2 {
		t.Errorf("roundSamples = %d, want 2 (both samples count toward the round)", got)
	}
}

func TestDelaySizeGranularity(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x100: hot}}
	e, _ := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	// Run many rounds; every drawn delay size must sit on the
	// SamplePeriod/SpeedupDivisions grid.
	unit := uint64(SamplePeriod.Nanoseconds()) / SpeedupDivisions
	for round := 0; round < 50; round++ {
		for i := 0; i < MinRoundSamples; i++ {
			e.handleRecord(st, sampleAt(0x100))
		}
		d := e.delaySize.Load()
		if d%unit != 0 || d > uint64(SamplePeriod.Nanoseconds()) {
			t.Fatalf("round %d: delay size %d not a multiple of %d within the period",
				round, d, unit)
		}
	}
}

func TestFixedLinePinning(t *testing.T) {
	pinned := linemap.NewLine("pinned.go", 5)
	other := linemap.NewLine("other.go", 6)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x200: other}}
	e, path := newTestEngine(t, res, func(c *config.Config) {
		c.FixedSpeedup = 50
	})
	e.fixedLine = pinned
	st := lockedState(t, e, 1)

	// Samples land in a different line; the round must still open on
	// the pinned line with the fixed delay size.
	for i := 0; i < MinRoundSamples; i++ {
		e.handleRecord(st, sampleAt(0x200))
	}

	out := records(t, e, path)
	if !strings.Contains(out, "start_round\tline=pinned.go:5\n") {
		t.Errorf("round not pinned to fixed line:\n%s", out)
	}
	wantSize := uint64(SamplePeriod.Nanoseconds()) / 2
	if e.delaySize.Load() != wantSize {
		t.Errorf("delay size = %d, want %d (50%% of period)", e.delaySize.Load(), wantSize)
	}
	// The opening sample adopts the pinned line as its candidate and
	// earns the exemption; the later samples in other.go do not.
	if st.DelayCount != 1 {
		t.Errorf("DelayCount = %d, want 1", st.DelayCount)
	}
}

func TestOutOfScopeSample(t *testing.T) {
	res := &stubResolver{}
	e, path := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	e.handleRecord(st, sampleAt(0xdead))

	if got := e.selected.Load(); got != nil {
		t.Errorf("out-of-scope sample selected %v", got)
	}
	if got := e.roundSamples.Load(); got != 0 {
		t.Errorf("roundSamples = %d, want 0", got)
	}
	out := records(t, e, path)
	if strings.Contains(out, "start_round") {
		t.Errorf("out-of-scope sample opened a round:\n%s", out)
	}
}

func TestCallchainFallback(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x300: hot}}
	e, _ := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	// The faulting IP is unknown; a caller frame resolves.
	e.handleRecord(st, sampler.Record{
		Kind:      sampler.KindSample,
		IP:        0xdead,
		Callchain: []uint64{0xbeef, 0x300},
	})

	if got := e.selected.Load(); got != hot {
		t.Errorf("selected = %v, want line found via call chain", got)
	}
	if hot.Samples() != 1 {
		t.Errorf("line samples = %d, want 1", hot.Samples())
	}
}

func TestMetadataRecordsSkipped(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	res := &stubResolver{byPC: map[uint64]*linemap.Line{0x100: hot}}
	e, _ := newTestEngine(t, res, nil)
	st := lockedState(t, e, 1)

	st.Sampler = &fakeSource{recs: []sampler.Record{
		{Kind: sampler.KindMetadata},
		sampleAt(0x100),
		{Kind: sampler.KindMetadata},
	}}
	e.processSamples(st)

	if got := e.roundSamples.Load(); got != 1 {
		t.Errorf("roundSamples = %d, want 1 (metadata records must not count)", got)
	}
}

func TestAddDelays(t *testing.T) {
	tests := []struct {
		name        string
		delayCount  uint64
		excessDelay uint64
		global      uint64
		delaySize   uint64
		overshoot   time.Duration // added to every simulated sleep

		wantSleep   time.Duration
		wantDelay   uint64
		wantExcess  uint64
		wantGlobal  uint64
	}{
		{
			name:       "thread ahead publishes surplus",
			delayCount: 10,
			global:     6,
			delaySize:  1000,
			wantSleep:  0,
			wantDelay:  10,
			wantGlobal: 10,
		},
		{
			name:       "thread behind sleeps the difference",
			delayCount: 2,
			global:     7,
			delaySize:  1000,
			wantSleep:  5000,
			wantDelay:  7,
			wantGlobal: 7,
		},
		{
			name:        "excess covers the whole wait",
			delayCount:  2,
			excessDelay: 9000,
			global:      7,
			delaySize:   1000,
			wantSleep:   0,
			wantDelay:   7,
			wantExcess:  4000,
			wantGlobal:  7,
		},
		{
			name:        "excess partially credited",
			delayCount:  2,
			excessDelay: 2000,
			global:      7,
			delaySize:   1000,
			wantSleep:   3000,
			wantDelay:   7,
			wantExcess:  0,
			wantGlobal:  7,
		},
		{
			name:        "sleep overshoot becomes excess",
			delayCount:  0,
			global:      2,
			delaySize:   1000,
			overshoot:   500,
			wantSleep:   2000,
			wantDelay:   2,
			wantExcess:  500,
			wantGlobal:  2,
		},
		{
			name:       "balanced account does nothing",
			delayCount: 5,
			global:     5,
			delaySize:  1000,
			wantSleep:  0,
			wantDelay:  5,
			wantGlobal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, &stubResolver{}, nil)
			e.globalDelays.Store(tt.global)
			e.delaySize.Store(tt.delaySize)

			var slept time.Duration
			e.sleep = func(d time.Duration) time.Duration {
				slept += d
				return d + tt.overshoot
			}

			st := &threadstate.State{
				DelayCount:  tt.delayCount,
				ExcessDelay: tt.excessDelay,
			}
			e.addDelays(st)

			if slept != tt.wantSleep {
				t.Errorf("slept %v, want %v", slept, tt.wantSleep)
			}
			if st.DelayCount != tt.wantDelay {
				t.Errorf("DelayCount = %d, want %d", st.DelayCount, tt.wantDelay)
			}
			if st.ExcessDelay != tt.wantExcess {
				t.Errorf("ExcessDelay = %d, want %d", st.ExcessDelay, tt.wantExcess)
			}
			if got := e.globalDelays.Load(); got != tt.wantGlobal {
				t.Errorf("globalDelays = %d, want %d", got, tt.wantGlobal)
			}
		})
	}
}

func TestSnapshotSkipDelays(t *testing.T) {
	// The delay shims resolve the calling thread by tid, so pin the
	// goroutine for the duration.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, _ := newTestEngine(t, &stubResolver{}, nil)
	st := e.reg.Register(gettid())
	st.DelayCount = 3

	e.SnapshotDelays()

	// Ten delays land while the thread is "blocked".
	e.globalDelays.Add(10)

	e.SkipDelays()

	if st.DelayCount != 13 {
		t.Errorf("DelayCount after skip = %d, want 13 (3 + 10 missed)", st.DelayCount)
	}
	if st.ExcessDelay != 0 {
		t.Errorf("ExcessDelay changed across snapshot/skip: %d", st.ExcessDelay)
	}
}

func TestCatchUpSettlesDebt(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, _ := newTestEngine(t, &stubResolver{}, nil)
	e.globalDelays.Store(4)
	e.delaySize.Store(1000)

	var slept time.Duration
	e.sleep = func(d time.Duration) time.Duration {
		slept = d
		return d
	}

	st := e.reg.Register(gettid())
	st.DelayCount = 1

	e.CatchUp()

	if slept != 3000 {
		t.Errorf("catch-up slept %v, want 3000ns (3 delays of 1000ns)", slept)
	}
	if st.DelayCount != 4 {
		t.Errorf("DelayCount = %d, want 4", st.DelayCount)
	}
}

func TestGoInheritsParentAccount(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, _ := newTestEngine(t, &stubResolver{}, nil)
	parent := e.reg.Register(gettid())
	parent.DelayCount = 42
	parent.ExcessDelay = 1000

	type account struct {
		delayCount  uint64
		excessDelay uint64
	}
	got := make(chan account, 1)

	e.Go(func() {
		st, ok := e.acquireCurrent()
		if !ok {
			got <- account{}
			return
		}
		defer st.Release()
		got <- account{st.DelayCount, st.ExcessDelay}
	})

	select {
	case a := <-got:
		if a.delayCount != 42 || a.excessDelay != 1000 {
			t.Errorf("child account = (%d, %d), want (42, 1000)", a.delayCount, a.excessDelay)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("profiled thread never reported its state")
	}
}

func TestEndToEndLine(t *testing.T) {
	tests := []struct {
		name    string
		speedup int
		delays  uint64
		runtime time.Duration
		want    string
	}{
		{
			name:    "half speedup",
			speedup: 50,
			delays:  10,
			runtime: 100 * time.Millisecond,
			// 100ms - 10 delays of 0.5ms
			want: "0.5\t95000000\n",
		},
		{
			name:    "zero speedup keeps runtime intact",
			speedup: 0,
			delays:  99,
			runtime: 100 * time.Millisecond,
			want:    "0\t100000000\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, &stubResolver{}, func(c *config.Config) {
				c.FixedSpeedup = tt.speedup
			})
			e.fixedLine = linemap.NewLine("pinned.go", 5)
			e.globalDelays.Store(tt.delays)

			if got := e.endToEndLine(tt.runtime); got != tt.want {
				t.Errorf("endToEndLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndToEndLineRequiresBothPins(t *testing.T) {
	e, _ := newTestEngine(t, &stubResolver{}, func(c *config.Config) {
		c.FixedSpeedup = 50
	})
	// Fixed speedup but no fixed line: not end-to-end mode.
	if got := e.endToEndLine(time.Second); got != "" {
		t.Errorf("endToEndLine = %q, want empty without a fixed line", got)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, path := newTestEngine(t, &stubResolver{}, nil)
	e.startTime = time.Now()

	e.Shutdown()
	e.Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "shutdown\n"); n != 1 {
		t.Errorf("shutdown records = %d, want 1", n)
	}
}

func TestRegisterProgressLines(t *testing.T) {
	hot := linemap.NewLine("hot.go", 10)
	res := &stubResolver{byName: map[string]*linemap.Line{"hot.go:10": hot}}
	e, path := newTestEngine(t, res, nil)

	// One resolvable name, one not: one counter_add record, the other
	// warned and skipped.
	e.registerProgressLines([]string{"hot.go:10", "missing.go:1"})

	out := records(t, e, path)
	if n := strings.Count(out, "counter_add\t"); n != 1 {
		t.Errorf("counter_add records = %d, want 1\noutput:\n%s", n, out)
	}
	if !strings.Contains(out, "counter_add\tname=hot.go:10\tkind=sampling\tline=hot.go:10\n") {
		t.Errorf("missing sampling counter record:\n%s", out)
	}
}

func TestProgressCounter(t *testing.T) {
	e, path := newTestEngine(t, &stubResolver{}, nil)

	e.Progress("request")
	e.Progress("request")
	e.Progress("request")

	out := records(t, e, path)
	if n := strings.Count(out, "counter_add\tname=request\tkind=throughput\n"); n != 1 {
		t.Errorf("counter_add records = %d, want 1\noutput:\n%s", n, out)
	}
	v, ok := e.counters.Load("request")
	if !ok {
		t.Fatal("counter not registered")
	}
	if got := v.(interface{ Value() uint64 }).Value(); got != 3 {
		t.Errorf("counter value = %d, want 3", got)
	}
}
