package output

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/pprof/profile"

	"github.com/kolkov/causalprof/internal/profiler/linemap"
)

// WriteProfile writes a pprof profile of per-line sample counts to
// path + ".pb.gz". The profile carries one synthetic location per line
// so `go tool pprof` renders the sample distribution directly.
func (o *Output) WriteProfile(lines []*linemap.Line, period time.Duration, duration time.Duration) error {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].Name() < lines[j].Name()
	})

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		Period:        period.Nanoseconds(),
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		DurationNanos: duration.Nanoseconds(),
	}

	var id uint64
	for _, l := range lines {
		n := l.Samples()
		if n == 0 {
			continue
		}
		id++
		fn := &profile.Function{
			ID:       id,
			Name:     l.Name(),
			Filename: l.File(),
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn, Line: int64(l.Num())}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(n), int64(n) * period.Nanoseconds()},
		})
	}

	f, err := os.Create(o.path + ".pb.gz")
	if err != nil {
		return fmt.Errorf("creating sample profile: %w", err)
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		return fmt.Errorf("writing sample profile: %w", err)
	}
	return nil
}
