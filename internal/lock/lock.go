// Package lock provides an advisory, scoped lock on a path with an optional
// acquisition timeout. It replaces the source's SIGALRM-based timeout with a
// non-blocking flock(2) retry loop driven by a deadline, per the
// re-architecture note against process-global signal state.
package lock

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// pollInterval is how often a blocked acquisition attempt is retried while
// waiting for the deadline.
const pollInterval = 100 * time.Millisecond

// Mode selects shared or exclusive locking semantics.
type Mode int

const (
	// Shared allows multiple concurrent holders (read-only access).
	Shared Mode = iota
	// Exclusive allows exactly one holder (mutating access).
	Exclusive
)

// Lock is a held advisory lock on a file. Release is idempotent.
type Lock struct {
	file     *os.File
	released bool
}

// Acquire opens (creating with mode 0644 if absent) and locks path in the
// given mode. If timeout is zero, Acquire blocks indefinitely; otherwise it
// returns vdoerr with KindSystem ("Timeout") if the deadline passes without
// acquiring the lock.
func Acquire(ctx context.Context, path string, mode Mode, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, vdoerr.System("open lock file %s: %v", path, err)
	}

	flockMode := unix.LOCK_EX
	if mode == Shared {
		flockMode = unix.LOCK_SH
	}

	if timeout <= 0 {
		if err := unix.Flock(int(f.Fd()), flockMode); err != nil {
			f.Close()
			return nil, vdoerr.System("lock %s: %v", path, err)
		}
		return &Lock{file: f}, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = wait.PollUntilContextTimeout(lockCtx, pollInterval, timeout, true, func(context.Context) (bool, error) {
		flockErr := unix.Flock(int(f.Fd()), flockMode|unix.LOCK_NB)
		if flockErr == nil {
			return true, nil
		}
		if flockErr == unix.EWOULDBLOCK || flockErr == unix.EAGAIN {
			return false, nil
		}
		return false, flockErr
	})
	if err != nil {
		f.Close()
		if err == context.DeadlineExceeded {
			return nil, vdoerr.Timeout("timed out acquiring lock on %s after %s", path, timeout)
		}
		return nil, vdoerr.System("lock %s: %v", path, err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying file. Safe to call more than
// once and safe to defer unconditionally.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
