// Package cputimer wakes a profiled thread on its own CPU time.
//
// Each profiled thread gets one Timer. The timer watches the thread's
// CPU clock (CLOCK_THREAD_CPUTIME_ID for that tid) and invokes the
// drain callback every interval nanoseconds of accumulated thread CPU
// time, not wall time: a thread blocked in a syscall accrues no CPU
// time and is not woken. Along with each wake the timer sends the wake
// signal to the thread with tgkill, so a thread parked in a slow
// syscall gets an EINTR nudge the way a realtime interval timer would
// deliver one.
//
// The timer and the sampler are decoupled; the timer is only the drain
// trigger.
package cputimer

import (
	"time"

	"golang.org/x/sys/unix"
)

// minPoll bounds how often the watcher rechecks the thread CPU clock
// while waiting for the next interval boundary.
const minPoll = 200 * time.Microsecond

// Timer is a per-thread CPU-time wakeup source.
type Timer struct {
	stop chan struct{}
	done chan struct{}
}

// Start begins watching thread tid and calls fire every interval of
// that thread's CPU time. signal, when nonzero, is additionally
// delivered to the thread at each wake. fire runs on the watcher
// goroutine and must not block.
func Start(tid int, interval time.Duration, signal unix.Signal, fire func()) *Timer {
	t := &Timer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.watch(tid, interval.Nanoseconds(), signal, fire)
	return t
}

// Stop halts the watcher and waits for it to exit. No fires happen
// after Stop returns.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) watch(tid int, interval int64, signal unix.Signal, fire func()) {
	defer close(t.done)

	clock := threadCPUClockID(tid)
	pid := unix.Getpid()

	last, err := clockNanos(clock)
	if err != nil {
		// Thread already gone or clock unreadable; nothing to wake.
		return
	}

	for {
		now, err := clockNanos(clock)
		if err != nil {
			return
		}
		if now-last >= interval {
			last = now
			if signal != 0 {
				unix.Tgkill(pid, tid, signal)
			}
			fire()
		}

		// Sleep in wall time for the CPU time still owed. A thread off
		// the CPU makes no progress toward the boundary, so the poll is
		// clamped below by minPoll and above by the interval itself.
		sleep := time.Duration(interval - (now - last))
		if sleep < minPoll {
			sleep = minPoll
		}
		if sleep > time.Duration(interval) {
			sleep = time.Duration(interval)
		}
		select {
		case <-t.stop:
			return
		case <-time.After(sleep):
		}
	}
}

// threadCPUClockID builds the clockid_t selecting tid's CPU clock, the
// same encoding pthread_getcpuclockid uses: the complemented tid in the
// high bits, CPUCLOCK_SCHED in the low bits, and the per-thread flag.
func threadCPUClockID(tid int) int32 {
	const (
		cpuClockSched     = 2
		cpuClockPerThread = 4
	)
	return ^int32(tid)<<3 | cpuClockSched | cpuClockPerThread
}

func clockNanos(clock int32) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clock, &ts); err != nil {
		return 0, err
	}
	return unix.TimespecToNsec(ts), nil
}
