package linemap

import (
	"strconv"
	"sync/atomic"
)

// Line is a logical source location identified by (file, line number).
//
// Lines are interned by the Map: for a given location there is exactly
// one *Line for the lifetime of the process, so identity comparison is
// valid across threads. A Line accumulates a monotone sample count.
type Line struct {
	file    string
	num     int
	display string
	samples atomic.Uint64
}

// File returns the full file path recorded in the line table.
func (l *Line) File() string { return l.file }

// Num returns the 1-based line number.
func (l *Line) Num() int { return l.num }

// Name returns the "file:line" form used in output records. When the
// map has exactly one scope directory, the file part is shown relative
// to it; otherwise it is the full path.
func (l *Line) Name() string {
	return l.display + ":" + strconv.Itoa(l.num)
}

// AddSample records one sample landing in this line.
func (l *Line) AddSample() { l.samples.Add(1) }

// Samples returns the number of samples recorded so far.
func (l *Line) Samples() uint64 { return l.samples.Load() }
