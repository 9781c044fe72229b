package volume

import "context"

// Status is the structured per-volume report produced by the status and
// list commands. It mirrors the block the original tooling printed ahead of
// its separate kernel-counter stats reader (out of scope here, per the
// stats-reader exclusion).
type Status struct {
	Name                string
	Device              string
	Running             bool
	Activated           bool
	EnableCompression   bool
	EnableDeduplication bool
	WritePolicy         string
	OperationState      string
	LogicalSize         string
	PhysicalSize        string
}

// Status runs the crash-recovery policy (so a mid-operation marker left by a
// prior crash is resolved before reporting, per testable scenario 4) and
// returns the current reportable state.
func (v *Volume) Status(ctx context.Context) (Status, error) {
	if err := v.recover(ctx); err != nil {
		return Status{}, err
	}

	running, _ := v.isRunning(ctx)
	return Status{
		Name:                v.rec.Name,
		Device:              v.rec.Device,
		Running:             running,
		Activated:           v.rec.Activated,
		EnableCompression:   v.rec.EnableCompression,
		EnableDeduplication: v.rec.EnableDeduplication,
		WritePolicy:         string(v.rec.WritePolicy),
		OperationState:      string(v.rec.OperationState),
		LogicalSize:         v.rec.LogicalSize.String(),
		PhysicalSize:        v.rec.PhysicalSize.String(),
	}, nil
}

// Peek reports the current registry state without running crash recovery,
// used by list, which reports on every volume without mutating any of them.
func (v *Volume) Peek(ctx context.Context) Status {
	running, _ := v.isRunning(ctx)
	return Status{
		Name:                v.rec.Name,
		Device:              v.rec.Device,
		Running:             running,
		Activated:           v.rec.Activated,
		EnableCompression:   v.rec.EnableCompression,
		EnableDeduplication: v.rec.EnableDeduplication,
		WritePolicy:         string(v.rec.WritePolicy),
		OperationState:      string(v.rec.OperationState),
		LogicalSize:         v.rec.LogicalSize.String(),
		PhysicalSize:        v.rec.PhysicalSize.String(),
	}
}
