// Package txn implements a per-operation, best-effort undo stack. It
// replaces the source's thread-local "transactional" decorator with an
// explicit value held on the caller's stack: a Scope is created at the start
// of an operation and closed with a deferred call that runs its undo stages
// in reverse order if the operation failed.
package txn

import (
	"context"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/topolvm/vdoctl/internal/logging"
)

// UndoFunc is a best-effort cleanup closure. Errors are logged, never
// propagated: undo stages must tolerate being run twice, since some
// operations (e.g. remove after a failed stop) re-enter already-applied
// effects.
type UndoFunc func(ctx context.Context) error

// Scope is an explicit, LIFO undo stack bound to a single operation. Scopes
// nest freely: a child Scope's stages never run as part of an outer Scope's
// unwind, and vice versa.
type Scope struct {
	ctx     context.Context
	stages  []UndoFunc
	message string
	logFn   func(logr.Logger, string)
}

// Begin opens a new transactional scope over ctx.
func Begin(ctx context.Context) *Scope {
	return &Scope{ctx: ctx}
}

// AddUndoStage appends fn to the undo stack. Stages run most-recently-added
// first when the scope unwinds with a non-nil error.
func (s *Scope) AddUndoStage(fn UndoFunc) {
	s.stages = append(s.stages, fn)
}

// SetMessage attaches a contextual message emitted (via logFn) if an error
// is later passed to Close. Pass a nil logFn to clear it.
func (s *Scope) SetMessage(logFn func(logr.Logger, string), text string) {
	s.logFn = logFn
	s.message = text
}

// Close runs the undo stack in reverse order if *errp is non-nil when
// called. Each stage's own error is logged and swallowed: Close never
// modifies *errp beyond what the caller already set, so the dispatcher's
// "first captured exception" propagation is preserved. Intended usage is
// `defer scope.Close(&err)` at the top of an operation.
func (s *Scope) Close(errp *error) {
	if errp == nil || *errp == nil {
		return
	}

	log := logging.FromContext(s.ctx)
	if s.logFn != nil && s.message != "" {
		s.logFn(log, s.message)
	}

	var undoErrs error
	for i := len(s.stages) - 1; i >= 0; i-- {
		if err := s.stages[i](s.ctx); err != nil {
			undoErrs = multierr.Append(undoErrs, err)
		}
	}
	if undoErrs != nil {
		log.Info("undo stages reported errors during rollback (best-effort, ignored)", "errors", undoErrs)
	}
}
