package main

import (
	"strings"
	"testing"
)

const sampleRecords = `startup	period=1000000
counter_add	name=item	kind=throughput
start_round	line=hot.go:10
counter_snapshot	name=item	value=100
end_round	delays=5	delay-size=0
start_round	line=hot.go:10
counter_snapshot	name=item	value=250
end_round	delays=9	delay-size=500000
start_round	line=cold.go:20
counter_snapshot	name=item	value=300
end_round	delays=2	delay-size=1000000
shutdown
`

func TestReadRounds(t *testing.T) {
	rounds, err := readRounds(strings.NewReader(sampleRecords))
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 3 {
		t.Fatalf("rounds = %d, want 3", len(rounds))
	}

	tests := []struct {
		line     string
		speedup  int
		delays   uint64
		progress uint64
	}{
		{"hot.go:10", 0, 5, 100},
		{"hot.go:10", 50, 9, 150},
		{"cold.go:20", 100, 2, 50},
	}
	for i, want := range tests {
		got := rounds[i]
		if got.line != want.line || got.speedup != want.speedup || got.delays != want.delays {
			t.Errorf("round %d = {%s %d%% %d delays}, want {%s %d%% %d delays}",
				i, got.line, got.speedup, got.delays, want.line, want.speedup, want.delays)
		}
		if got.progress["item"] != want.progress {
			t.Errorf("round %d progress = %d, want %d", i, got.progress["item"], want.progress)
		}
	}
}

func TestReadRoundsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "end without start",
			input: "startup\tperiod=1000000\nend_round\tdelays=1\tdelay-size=0\n",
		},
		{
			name:  "nested rounds",
			input: "startup\tperiod=1000000\nstart_round\tline=a:1\nstart_round\tline=b:2\n",
		},
		{
			name:  "round before startup",
			input: "start_round\tline=a:1\nend_round\tdelays=1\tdelay-size=0\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readRounds(strings.NewReader(tt.input)); err == nil {
				t.Error("readRounds accepted a malformed stream")
			}
		})
	}
}

func TestPrintReport(t *testing.T) {
	rounds, err := readRounds(strings.NewReader(sampleRecords))
	if err != nil {
		t.Fatal(err)
	}

	var buf strings.Builder
	printReport(&buf, rounds)
	out := buf.String()

	if !strings.Contains(out, "hot.go:10\n") {
		t.Errorf("report lacks the experimented line:\n%s", out)
	}
	// 150 progress/round at 50%% vs 100 at baseline: +50%%.
	if !strings.Contains(out, "+50%") {
		t.Errorf("report lacks the +50%% change row:\n%s", out)
	}
	// cold.go:20 has no 0%% baseline and must be skipped.
	if strings.Contains(out, "cold.go:20") {
		t.Errorf("report includes a line without baseline rounds:\n%s", out)
	}
}

func TestPrintReportNoData(t *testing.T) {
	var buf strings.Builder
	printReport(&buf, nil)
	if !strings.Contains(buf.String(), "not enough data") {
		t.Errorf("empty report = %q", buf.String())
	}
}

func TestParseRecord(t *testing.T) {
	name, fields := parseRecord("end_round\tdelays=7\tdelay-size=250000")
	if name != "end_round" {
		t.Errorf("name = %q", name)
	}
	if fields["delays"] != "7" || fields["delay-size"] != "250000" {
		t.Errorf("fields = %v", fields)
	}
}
