// Package exec invokes external programs with retries, captured output and a
// process-wide dry-run mode. It follows the same streamed-invocation and
// logging shape as lvmd's callLVM/callLVMInto pair, generalized beyond a
// single fixed binary.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/topolvm/vdoctl/internal/logging"
)

// noRun is the process-wide dry-run flag described in the command runner
// contract: when set, Run never execs anything and instead logs the command
// line that would have been run.
var noRun atomic.Bool

// SetDryRun toggles the process-wide no-op mode.
func SetDryRun(on bool) { noRun.Store(on) }

// DryRun reports whether the process-wide no-op mode is active.
func DryRun() bool { return noRun.Load() }

// containerized mirrors lvmd/command's package-level Containerized flag: when
// set, every invocation is wrapped in nsenter so a binary running inside a
// container still manipulates the host's device-mapper and kernel-module
// state.
var containerized atomic.Bool

const nsenterPath = "/usr/bin/nsenter"

// SetContainerized toggles host-namespace wrapping for all future Run calls.
func SetContainerized(on bool) { containerized.Store(on) }

func wrapArgv(argv []string) []string {
	if !containerized.Load() || len(argv) == 0 {
		return argv
	}
	wrapped := append([]string{"-m", "-u", "-i", "-n", "-p", "-t", "1"}, argv...)
	return append([]string{nsenterPath}, wrapped...)
}

// Options configures a single Run invocation.
type Options struct {
	// Retries is the number of attempts; default 1 (no retry). Sleeps one
	// second between attempts.
	Retries int
	// Stdin, if non-nil, is piped to the child's standard input.
	Stdin io.Reader
	// Strip trims leading/trailing whitespace from the captured stdout.
	Strip bool
	// NoThrow causes Run to return an empty string instead of an error on
	// failure.
	NoThrow bool
	// Shell joins every element of argv with spaces and runs the resulting
	// line through "/bin/sh -c", instead of exec'ing argv directly.
	Shell bool
	// Environment is appended to the child's environment (on top of the
	// parent's os.Environ()).
	Environment []string
}

// CommandError is raised whenever an invoked command exits non-zero, is
// killed by a signal, or fails to spawn.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Message  string
}

func (e *CommandError) Error() string {
	return e.Message
}

// Run executes argv (or a shell line, with Options.Shell) and returns its
// captured, possibly-retried stdout.
func Run(ctx context.Context, argv []string, opts Options) (string, error) {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}

	log := logging.FromContext(ctx).WithValues("argv", argv)

	if noRun.Load() {
		log.Info("dry-run: not executing command")
		return "", nil
	}

	var lastErr error
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(opts.Retries-1)), ctx)

	var stdout string
	err := backoff.Retry(func() error {
		attempt++
		out, err := runOnce(ctx, argv, opts)
		if err != nil {
			lastErr = err
			log.Info("command attempt failed, will retry if attempts remain", "attempt", attempt, "error", err)
			return err
		}
		stdout = out
		return nil
	}, policy)

	if err != nil {
		if opts.NoThrow {
			return "", nil
		}
		return "", lastErr
	}
	return stdout, nil
}

func runOnce(ctx context.Context, argv []string, opts Options) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("exec: empty argv")
	}

	var cmd *osexec.Cmd
	if opts.Shell {
		line := strings.Join(argv, " ")
		shArgv := wrapArgv([]string{"/bin/sh", "-c", line})
		cmd = osexec.Command(shArgv[0], shArgv[1:]...)
	} else {
		wrapped := wrapArgv(argv)
		cmd = osexec.Command(wrapped[0], wrapped[1:]...)
	}

	cmd.Env = append(os.Environ(), opts.Environment...)
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.FromContext(ctx).Info("invoking command", "argv", argv)

	runErr := cmd.Run()
	out := stdout.String()
	if opts.Strip {
		out = strings.TrimSpace(out)
	}

	if runErr == nil {
		return out, nil
	}

	ce := &CommandError{Argv: argv, Stdout: out, Stderr: stderr.String()}

	var exitErr *osexec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		if ws, ok := waitStatus(exitErr); ok && ws.Signaled() {
			sig := int(ws.Signal())
			ce.ExitCode = -sig
			ce.Message = fmt.Sprintf("command %v terminated by signal %d: %s", argv, sig, ce.Stderr)
		} else {
			ce.ExitCode = exitErr.ExitCode()
			ce.Message = fmt.Sprintf("command %v exited with code %d: %s", argv, ce.ExitCode, ce.Stderr)
		}
	default:
		ce.ExitCode = -1
		ce.Message = fmt.Sprintf("command %v failed to start: %v", argv, runErr)
	}

	return out, ce
}

// waitStatus extracts the raw wait status from an ExitError, if available.
// exitErr.ExitCode() collapses every signal-terminated process to -1, which
// loses the actual signal number; the real value lives in ProcessState.Sys().
func waitStatus(exitErr *osexec.ExitError) (syscall.WaitStatus, bool) {
	if exitErr.ProcessState == nil {
		return syscall.WaitStatus(0), false
	}
	ws, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
	return ws, ok
}

// TryUntilSuccess runs each argv in sequence and returns the first success,
// rethrowing the last error if all fail.
func TryUntilSuccess(ctx context.Context, argvs [][]string, opts Options) (string, error) {
	var lastErr error
	for _, argv := range argvs {
		out, err := Run(ctx, argv, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", lastErr
}
