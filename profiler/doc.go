// Package profiler provides the public API for the causal profiler.
//
// A causal profiler does not report where time is spent; it reports
// where speedups would matter. It runs controlled experiments on the
// live program: each round it picks one source line, virtually speeds
// it up by slowing every other thread down by a calibrated amount, and
// measures the change in application progress. The output file is a
// stream of experiment records that `causalprof report` turns into
// "if line L were X% faster, the program would be Y% faster" curves.
//
// # Quick Start
//
// Wrap the process and the goroutines you want profiled:
//
//	func main() {
//		if err := profiler.Startup(); err != nil {
//			log.Fatal(err)
//		}
//		defer profiler.Shutdown()
//
//		for i := 0; i < workers; i++ {
//			profiler.Go(worker)
//		}
//		// ...
//	}
//
// Mark application progress so the experiments have a throughput
// signal to measure:
//
//	for req := range requests {
//		handle(req)
//		profiler.Progress("request")
//	}
//
// Threads started with [Go] are locked to an OS thread and sampled;
// plain goroutines run unprofiled but are otherwise unaffected.
//
// # Blocking primitives
//
// Delays are distributed fairly across blocking calls: a thread asleep
// on a lock must not pay again for delays that were issued while it
// slept. Use the wrapped primitives where profiled threads
// synchronize:
//
//	var mu profiler.Mutex
//	mu.Lock()
//	// critical section
//	mu.Unlock()
//
// For anything the wrappers do not cover, bracket the blocking call
// with [Block], or with [SnapshotDelays] and [SkipDelays] directly.
//
// # Configuration
//
// Startup options and the CAUSALPROF_* environment variables configure
// the output path, the source scope, progress points, and the fixed
// line / fixed speedup pinning modes; see [Option] and the config
// package. The environment is how `causalprof run` drives an
// already-built binary.
package profiler
