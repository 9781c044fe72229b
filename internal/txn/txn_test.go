package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
)

func TestCloseRunsUndoInReverseOrderOnError(t *testing.T) {
	var order []int
	func() (err error) {
		s := Begin(context.Background())
		defer s.Close(&err)

		s.AddUndoStage(func(context.Context) error { order = append(order, 1); return nil })
		s.AddUndoStage(func(context.Context) error { order = append(order, 2); return nil })
		s.AddUndoStage(func(context.Context) error { order = append(order, 3); return nil })

		return errors.New("boom")
	}()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCloseSkipsUndoOnSuccess(t *testing.T) {
	ran := false
	func() (err error) {
		s := Begin(context.Background())
		defer s.Close(&err)
		s.AddUndoStage(func(context.Context) error { ran = true; return nil })
		return nil
	}()

	if ran {
		t.Error("undo stage should not run when the scope succeeds")
	}
}

func TestCloseSwallowsUndoErrors(t *testing.T) {
	outerErr := errors.New("original failure")
	var gotErr error
	func() {
		var err error = outerErr
		s := Begin(context.Background())
		defer func() { gotErr = err }()
		defer s.Close(&err)
		s.AddUndoStage(func(context.Context) error { return errors.New("undo failed too") })
	}()

	if gotErr != outerErr {
		t.Errorf("Close must not alter the original error, got %v", gotErr)
	}
}

func TestSetMessageInvokesLogFnOnlyOnError(t *testing.T) {
	var logged string
	logFn := func(_ logr.Logger, msg string) { logged = msg }

	func() (err error) {
		s := Begin(context.Background())
		defer s.Close(&err)
		s.SetMessage(logFn, "doing the risky thing")
		return errors.New("failed")
	}()

	if logged != "doing the risky thing" {
		t.Errorf("logged = %q, want the set message", logged)
	}
}

func TestNestedScopesDoNotInterfere(t *testing.T) {
	var inner, outer []int
	func() (err error) {
		outerScope := Begin(context.Background())
		defer outerScope.Close(&err)
		outerScope.AddUndoStage(func(context.Context) error { outer = append(outer, 1); return nil })

		func() (innerErr error) {
			innerScope := Begin(context.Background())
			defer innerScope.Close(&innerErr)
			innerScope.AddUndoStage(func(context.Context) error { inner = append(inner, 1); return nil })
			return errors.New("inner failure")
		}()

		return nil
	}()

	if len(inner) != 1 {
		t.Errorf("inner undo should have run once, ran %d times", len(inner))
	}
	if len(outer) != 0 {
		t.Errorf("outer undo should not run when the outer scope succeeds, ran %d times", len(outer))
	}
}
