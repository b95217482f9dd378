// run.go implements the 'causalprof run' command.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// runCommand implements the 'causalprof run' command.
//
// The target binary must link the profiler runtime; runCommand only
// translates its flags into the CAUSALPROF_* environment, executes the
// binary, and forwards its exit code.
func runCommand(args []string) {
	fs := flag.NewFlagSet("causalprof run", flag.ExitOnError)
	output := fs.String("o", "profile.causal", "experiment record output `file`")
	progress := multiFlag{}
	fs.Var(&progress, "progress", "progress point `file:line` (repeatable)")
	scope := multiFlag{}
	fs.Var(&scope, "scope", "source scope `directory` (repeatable)")
	line := fs.String("line", "", "pin experiments to one `file:line`")
	speedup := fs.Int("speedup", -1, "fixed virtual speedup `percent` (0..100)")
	logLevel := fs.String("log", "", "profiler log level (debug|info|warn|error)")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no target binary specified")
		fs.Usage()
		os.Exit(1)
	}

	env := os.Environ()
	env = append(env, "CAUSALPROF_OUTPUT="+*output)
	if len(progress) > 0 {
		env = append(env, "CAUSALPROF_PROGRESS="+strings.Join(progress, ","))
	}
	if len(scope) > 0 {
		env = append(env, "CAUSALPROF_SCOPE="+strings.Join(scope, ","))
	}
	if *line != "" {
		env = append(env, "CAUSALPROF_FIXED_LINE="+*line)
	}
	if *speedup >= 0 {
		env = append(env, "CAUSALPROF_FIXED_SPEEDUP="+strconv.Itoa(*speedup))
	}
	if *logLevel != "" {
		env = append(env, "CAUSALPROF_LOG="+*logLevel)
	}

	os.Exit(executeBinary(rest[0], rest[1:], env))
}

// executeBinary runs the target with stdio forwarded and returns its
// exit code.
func executeBinary(path string, args, env []string) int {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
