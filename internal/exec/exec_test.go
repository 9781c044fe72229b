package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	out, err := Run(context.Background(), []string{"echo", "-n", "hello"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("Run() = %q, want %q", out, "hello")
	}
}

func TestRunStripsWhitespace(t *testing.T) {
	out, err := Run(context.Background(), []string{"echo", "hello"}, Options{Strip: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("Run() = %q, want %q", out, "hello")
	}
}

func TestRunNonZeroExitReturnsCommandError(t *testing.T) {
	_, err := Run(context.Background(), []string{"false"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if ce.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", ce.ExitCode)
	}
}

func TestRunNoThrowSwallowsError(t *testing.T) {
	out, err := Run(context.Background(), []string{"false"}, Options{NoThrow: true})
	if err != nil {
		t.Fatalf("expected nil error with NoThrow, got %v", err)
	}
	if out != "" {
		t.Errorf("Run() = %q, want empty", out)
	}
}

func TestRunSpawnFailureIsCommandError(t *testing.T) {
	_, err := Run(context.Background(), []string{"/no/such/binary-xyz"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if ce.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", ce.ExitCode)
	}
}

func TestRunSignalTerminationCarriesSignalNumber(t *testing.T) {
	_, err := Run(context.Background(), []string{"sh", "-c", "kill -TERM $$"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if ce.ExitCode != -int(syscall.SIGTERM) {
		t.Errorf("ExitCode = %d, want %d", ce.ExitCode, -int(syscall.SIGTERM))
	}
	if !strings.Contains(ce.Message, fmt.Sprintf("signal %d", int(syscall.SIGTERM))) {
		t.Errorf("Message = %q, want it to mention signal %d", ce.Message, int(syscall.SIGTERM))
	}
}

func TestDryRunIsNoOp(t *testing.T) {
	SetDryRun(true)
	defer SetDryRun(false)

	out, err := Run(context.Background(), []string{"false"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error in dry-run: %v", err)
	}
	if out != "" {
		t.Errorf("Run() = %q, want empty in dry-run", out)
	}
}

func TestTryUntilSuccessReturnsFirstSuccess(t *testing.T) {
	out, err := TryUntilSuccess(context.Background(), [][]string{
		{"false"},
		{"false"},
		{"echo", "-n", "ok"},
	}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Errorf("TryUntilSuccess() = %q, want %q", out, "ok")
	}
}

func TestWrapArgvLeavesPlainCommandsAlone(t *testing.T) {
	argv := []string{"echo", "hi"}
	got := wrapArgv(argv)
	if len(got) != 2 || got[0] != "echo" || got[1] != "hi" {
		t.Errorf("wrapArgv(%v) = %v, want unchanged", argv, got)
	}
}

func TestWrapArgvWrapsWhenContainerized(t *testing.T) {
	SetContainerized(true)
	defer SetContainerized(false)

	got := wrapArgv([]string{"modprobe", "kvdo"})
	want := []string{nsenterPath, "-m", "-u", "-i", "-n", "-p", "-t", "1", "modprobe", "kvdo"}
	if len(got) != len(want) {
		t.Fatalf("wrapArgv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrapArgv = %v, want %v", got, want)
		}
	}
}

func TestTryUntilSuccessRethrowsLastError(t *testing.T) {
	_, err := TryUntilSuccess(context.Background(), [][]string{
		{"false"},
		{"/no/such/binary-xyz"},
	}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
}
