// Package execution runs module executables and collects their exit code,
// stdout and stderr.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const waitDelay = 2 * time.Second

// ErrTimeout indicates the child was killed because Spec.Timeout elapsed.
var ErrTimeout = errors.New("execution: timed out")

// Spec describes a single process invocation.
type Spec struct {
	Executable string
	Args       []string
	// Stdin is written to the child's standard input; empty means no input.
	Stdin string
	// Env entries are added to the child's environment.
	Env map[string]string
	// MergeEnvironment makes the child inherit the agent's environment.
	MergeEnvironment bool
	// PIDObserver is called once with the child's pid before its exit is awaited.
	PIDObserver func(pid int)
	// Timeout bounds the run; zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of Run. Err is set only when the process could not
// be created, its streams could not be captured or it was killed on timeout;
// otherwise ExitCode is the child's exit code.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Run executes spec and waits for the child to exit.
func Run(ctx context.Context, spec Spec) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(spec.Executable) == "" {
		return Result{ExitCode: -1, Err: errors.New("execution: executable path is empty")}
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	name, args := command(spec.Executable, spec.Args)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = environment(spec.Env, spec.MergeEnvironment)
	// Grandchildren holding the pipes open must not keep Wait blocked once
	// the child has been killed.
	cmd.WaitDelay = waitDelay
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("execution: start %s: %w", spec.Executable, err)}
	}

	if spec.PIDObserver != nil {
		spec.PIDObserver(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	result := Result{
		ExitCode: -1,
		Stdout:   trimNewline(stdout.String()),
		Stderr:   trimNewline(stderr.String()),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if spec.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Err = fmt.Errorf("%w after %s: %s", ErrTimeout, spec.Timeout, spec.Executable)
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Err = fmt.Errorf("execution: %s: %w", spec.Executable, err)
		return result
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			result.Err = fmt.Errorf("execution: wait %s: %w", spec.Executable, waitErr)
		}
	}
	return result
}

func environment(extra map[string]string, merge bool) []string {
	var env []string
	if merge {
		env = os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	if env == nil {
		// A nil Env would make exec inherit the environment.
		env = []string{}
	}
	return env
}

func trimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
