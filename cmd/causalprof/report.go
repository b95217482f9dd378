// report.go implements the 'causalprof report' command.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// reportCommand implements the 'causalprof report' command: it reads
// an experiment record file and prints, per experimented line, how
// application progress responded to each virtual speedup.
func reportCommand(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: causalprof report <record-file>")
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		fatalln(err.Error())
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(args[0], ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			fatalln(err.Error())
		}
		defer zr.Close()
		r = zr
	}

	rounds, err := readRounds(r)
	if err != nil {
		fatalln(err.Error())
	}
	printReport(os.Stdout, rounds)
}

// round is one completed experiment: the selected line, the virtual
// speedup applied, the delays issued, and the progress counters'
// advance over the round.
type round struct {
	line     string
	speedup  int // percent of the sampling period
	delays   uint64
	progress map[string]uint64
}

// readRounds parses the record stream, pairing every start_round with
// its end_round and charging counter advances to the open round.
func readRounds(r io.Reader) ([]round, error) {
	var (
		rounds  []round
		period  uint64
		open    *round
		atStart map[string]uint64
		latest  = make(map[string]uint64)
	)

	scan := bufio.NewScanner(r)
	for scan.Scan() {
		name, fields := parseRecord(scan.Text())
		switch name {
		case "startup":
			period, _ = strconv.ParseUint(fields["period"], 10, 64)
		case "start_round":
			if open != nil {
				return nil, fmt.Errorf("start_round %q while round on %q is open", fields["line"], open.line)
			}
			open = &round{line: fields["line"]}
			atStart = snapshotCopy(latest)
		case "end_round":
			if open == nil {
				return nil, fmt.Errorf("end_round without start_round")
			}
			if period == 0 {
				return nil, fmt.Errorf("end_round before startup record")
			}
			open.delays, _ = strconv.ParseUint(fields["delays"], 10, 64)
			size, _ := strconv.ParseUint(fields["delay-size"], 10, 64)
			open.speedup = int(size * 100 / period)
			open.progress = make(map[string]uint64)
			for k, v := range latest {
				open.progress[k] = v - atStart[k]
			}
			rounds = append(rounds, *open)
			open = nil
		case "counter_snapshot":
			v, _ := strconv.ParseUint(fields["value"], 10, 64)
			latest[fields["name"]] = v
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return rounds, nil
}

func parseRecord(line string) (string, map[string]string) {
	parts := strings.Split(line, "\t")
	fields := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			fields[k] = v
		}
	}
	return parts[0], fields
}

func snapshotCopy(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cell aggregates the rounds sharing one (line, speedup) pair.
type cell struct {
	speedup  int
	rounds   int
	delays   uint64
	progress uint64
}

// printReport groups rounds by line, merges duplicate speedups, and
// prints each line's curve: progress per round against the baseline
// 0% rows. Lines without a baseline are skipped; there is nothing to
// compare them to.
func printReport(w io.Writer, rounds []round) {
	byLine := make(map[string]map[int]*cell)
	for _, r := range rounds {
		cells := byLine[r.line]
		if cells == nil {
			cells = make(map[int]*cell)
			byLine[r.line] = cells
		}
		c := cells[r.speedup]
		if c == nil {
			c = &cell{speedup: r.speedup}
			cells[r.speedup] = c
		}
		c.rounds++
		c.delays += r.delays
		c.progress += totalProgress(r.progress)
	}

	lines := make([]string, 0, len(byLine))
	for l := range byLine {
		lines = append(lines, l)
	}
	sort.Strings(lines)

	printed := false
	for _, l := range lines {
		cells := byLine[l]
		base := cells[0]
		if base == nil || base.rounds == 0 {
			continue
		}
		printed = true
		basePerRound := float64(base.progress) / float64(base.rounds)

		ordered := make([]*cell, 0, len(cells))
		for _, c := range cells {
			ordered = append(ordered, c)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].speedup < ordered[j].speedup })

		fmt.Fprintf(w, "%s\n", l)
		for _, c := range ordered {
			perRound := float64(c.progress) / float64(c.rounds)
			var change float64
			if basePerRound > 0 {
				change = (perRound - basePerRound) / basePerRound * 100
			}
			fmt.Fprintf(w, "%3d%%\t%d rounds\t%.1f progress/round\t%+.3g%%\t%d delays\n",
				c.speedup, c.rounds, perRound, change, c.delays)
		}
		fmt.Fprintln(w)
	}
	if !printed {
		fmt.Fprintln(w, "not enough data")
	}
}

func totalProgress(m map[string]uint64) uint64 {
	var sum uint64
	for _, v := range m {
		sum += v
	}
	return sum
}

func fatalln(err string) {
	fmt.Fprintln(os.Stderr, "causalprof:", err)
	os.Exit(1)
}
