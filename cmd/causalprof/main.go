// Package main implements the causalprof CLI tool.
//
// The causalprof tool drives causal profiling of Go programs built
// against the github.com/kolkov/causalprof/profiler runtime:
//
//  1. `causalprof run` launches a target binary with the CAUSALPROF_*
//     environment set from flags, so the linked-in runtime activates
//     with the requested output path, scope, and pinning mode.
//  2. `causalprof report` reads the experiment records the runtime
//     wrote and prints per-line speedup curves.
//
// Usage:
//
//	causalprof run [flags] ./mybinary [args...]
//	causalprof report profile.causal
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCommand(os.Args[2:])
	case "report":
		reportCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("causalprof version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`causalprof - Causal Profiler for Go

USAGE:
    causalprof <command> [arguments]

COMMANDS:
    run        Run a program under the causal profiler
    report     Print speedup curves from an experiment record file
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Profile a program, writing records to profile.causal
    causalprof run ./myserver --port 8080

    # Pin the experiment to one line at a 50% virtual speedup
    causalprof run -line main.go:42 -speedup 50 ./myserver

    # Mark throughput with a sampling progress point
    causalprof run -progress handler.go:17 ./myserver

    # Analyze the results
    causalprof report profile.causal

ABOUT:
    A causal profiler reports where speedups would matter, not where
    time is spent. The runtime virtually speeds up one source line per
    round by pausing every other thread a calibrated amount, and
    records how application progress responds. The target binary must
    link the profiler runtime (profiler.Startup in main); causalprof
    run only supplies its configuration through the environment.

FOR MORE INFORMATION:
    Repository: https://github.com/kolkov/causalprof
`)
}
