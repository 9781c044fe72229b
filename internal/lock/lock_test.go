package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/topolvm/vdoctl/internal/vdoerr"
)

func TestAcquireCreatesFileWithMode0644(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l, err := Acquire(context.Background(), path, Exclusive, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Release()

	info, err := l.file.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestExclusiveLockTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	holder, err := Acquire(context.Background(), path, Exclusive, 0)
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer holder.Release()

	_, err = Acquire(context.Background(), path, Exclusive, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ve *vdoerr.Error
	if !errors.As(err, &ve) {
		t.Fatalf("expected *vdoerr.Error, got %T", err)
	}
}

func TestSharedLocksDoNotConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	a, err := Acquire(context.Background(), path, Shared, 0)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Release()

	b, err := Acquire(context.Background(), path, Shared, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l, err := Acquire(context.Background(), path, Exclusive, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l, err := Acquire(context.Background(), path, Exclusive, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := Acquire(context.Background(), path, Exclusive, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	l2.Release()
}
