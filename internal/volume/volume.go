// Package volume implements the per-volume object: the operations listed in
// SPEC_FULL.md component H, their preconditions, and the crash-recovery
// policy run before every mutating operation. Each exported method mirrors
// the one-struct-one-service, method-per-operation shape lvmd/local.go uses
// for its LV/VG services, generalized from a gRPC request/response pair to
// plain typed parameters since there is no RPC surface here.
package volume

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/topolvm/vdoctl/internal/config"
	"github.com/topolvm/vdoctl/internal/dmtable"
	"github.com/topolvm/vdoctl/internal/exec"
	"github.com/topolvm/vdoctl/internal/kmod"
	"github.com/topolvm/vdoctl/internal/logging"
	"github.com/topolvm/vdoctl/internal/size"
	"github.com/topolvm/vdoctl/internal/sysfs"
	"github.com/topolvm/vdoctl/internal/txn"
	"github.com/topolvm/vdoctl/internal/validate"
	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// udsQuietEnv is appended to the environment of every UDS-index helper
// invocation (vdoformat, vdodumpconfig, vdosetuuid, vdoforcerebuild) to
// suppress informational noise in their captured output, per spec.md §6.
var udsQuietEnv = []string{"UDS_LOG_LEVEL=WARNING"}

// Volume is the service object bound to one registry entry. Its methods
// drive one operation end-to-end: precondition checks, recovery, external
// tool invocation, and registry mutation. Callers persist the owning Store
// once an operation returns.
type Volume struct {
	rec   *config.Volume
	store *config.Store
}

// Get looks up name in store and wraps it for operations.
func Get(store *config.Store, name string) (*Volume, error) {
	rec, err := store.GetVolume(name)
	if err != nil {
		return nil, err
	}
	return &Volume{rec: rec, store: store}, nil
}

// New wraps a freshly built registry record (not yet known to store) ahead
// of Create or Import.
func New(store *config.Store, rec *config.Volume) *Volume {
	return &Volume{rec: rec, store: store}
}

// Record exposes the underlying registry row for read-only reporting
// (status/list).
func (v *Volume) Record() *config.Volume { return v.rec }

// kernelName is the device-mapper target name for this volume: identical
// to the registry name.
func (v *Volume) kernelName() string { return v.rec.Name }

// CreateOptions carries the pre-validated, already-defaulted attributes a
// new volume is created with; the dispatcher builds this from CLI options
// run through internal/validate.
type CreateOptions struct {
	Force bool
}

// recover runs the crash-recovery policy from the operation-state table.
// It is the first action of Start, Stop, GrowLogical, GrowPhysical,
// SetWritePolicy and Status, and Remove runs it when the marker is not
// finished. SetCompression, SetDeduplication, Activate, Deactivate and
// SetModifiableOptions do not run it, so they also proceed on a volume that
// carries a mid-operation marker.
func (v *Volume) recover(ctx context.Context) error {
	log := logging.FromContext(ctx).WithValues("volume", v.rec.Name)
	switch v.rec.OperationState {
	case config.StateFinished, config.StateUnknown:
		v.rec.OperationState = config.StateFinished
		return nil

	case config.StateBeginCreate, config.StateBeginImport:
		return v.previousOperationFailure()

	case config.StateBeginGrowLogical:
		log.Info("recovering from an interrupted growLogical")
		if err := v.rereadLogicalSizeFromDisk(ctx); err != nil {
			return err
		}
		if running, _ := v.isRunning(ctx); running {
			if _, err := exec.Run(ctx, []string{"dmsetup", "resume", v.kernelName()}, exec.Options{}); err != nil {
				return vdoerr.System("resuming %q during recovery: %v", v.kernelName(), err)
			}
		}
		v.rec.OperationState = config.StateFinished
		return v.store.PersistIfPossible()

	case config.StateBeginGrowPhysical:
		log.Info("recovering from an interrupted growPhysical")
		if err := v.rereadPhysicalSizeFromDisk(ctx); err != nil {
			return err
		}
		if running, _ := v.isRunning(ctx); running {
			if _, err := exec.Run(ctx, []string{"dmsetup", "resume", v.kernelName()}, exec.Options{}); err != nil {
				return vdoerr.System("resuming %q during recovery: %v", v.kernelName(), err)
			}
		}
		v.rec.OperationState = config.StateFinished
		return v.store.PersistIfPossible()

	case config.StateBeginRunningSetWritePolicy:
		log.Info("recovering from an interrupted setWritePolicy")
		if running, _ := v.isRunning(ctx); running {
			if err := v.reloadSuspendResume(ctx); err != nil {
				return err
			}
		}
		v.rec.OperationState = config.StateFinished
		return v.store.PersistIfPossible()

	default:
		return vdoerr.Developer("volume %q has an unrecognized operation state %q", v.rec.Name, v.rec.OperationState)
	}
}

// previousOperationFailure builds the PreviousOperationFailure error,
// enumerating the cleanup commands a human operator would run.
func (v *Volume) previousOperationFailure() error {
	cleanup := []string{
		fmt.Sprintf("dmsetup remove %s", v.kernelName()),
		fmt.Sprintf("umount -f $(findmnt -n -o TARGET --source /dev/mapper/%s) # if mounted", v.kernelName()),
	}
	return vdoerr.PreviousOperationFailure(v.rec.Name, cleanup)
}

// isRunning reports whether the kernel device-mapper target exists.
func (v *Volume) isRunning(ctx context.Context) (bool, error) {
	out, _ := exec.Run(ctx, []string{"dmsetup", "info", "-c", "--noheadings", "-o", "name", v.kernelName()}, exec.Options{Strip: true, NoThrow: true})
	return out == v.kernelName(), nil
}

func (v *Volume) rereadLogicalSizeFromDisk(ctx context.Context) error {
	cfg, err := dumpConfig(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.LogicalSize = size.FromBlocks(cfg.logicalBlocks)
	return nil
}

func (v *Volume) rereadPhysicalSizeFromDisk(ctx context.Context) error {
	cfg, err := dumpConfig(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.PhysicalSize = size.FromBlocks(cfg.physicalBlocks)
	return nil
}

// Create formats the backing device and starts the volume for the first
// time.
func (v *Volume) Create(ctx context.Context, opts CreateOptions) (err error) {
	log := logging.FromContext(ctx).WithValues("volume", v.rec.Name)
	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	resolved, err := resolveStableDevice(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.Device = resolved

	if existing, ok := v.store.IsDeviceConfigured(v.rec.Device); ok {
		return vdoerr.User("device %q is already configured as volume %q", v.rec.Device, existing)
	}
	if running, _ := v.isRunning(ctx); running {
		return vdoerr.User("a kernel device-mapper device named %q already exists", v.kernelName())
	}

	if !opts.Force {
		if err := preflightCheckEmpty(ctx, v.rec.Device); err != nil {
			return err
		}
	}

	if err := kmod.Start(ctx); err != nil {
		return err
	}

	v.rec.OperationState = config.StateBeginCreate
	v.store.AddOrReplaceVolume(v.rec)
	if err := v.store.Persist(); err != nil {
		return err
	}
	scope.AddUndoStage(func(ctx context.Context) error {
		v.store.RemoveVolume(v.rec.Name)
		return v.store.PersistIfPossible()
	})

	argv := []string{"vdoformat",
		"--uds-checkpoint-frequency=" + strconv.Itoa(v.rec.IndexCfreq),
		"--uds-memory-size=" + v.rec.IndexMemory,
	}
	if v.rec.IndexSparse {
		argv = append(argv, "--uds-sparse")
	}
	if !v.rec.LogicalSize.Equal(size.Zero) {
		argv = append(argv, "--logical-size="+v.rec.LogicalSize.String())
	}
	if v.rec.SlabSize.Bytes() != 0 {
		bits := slabBits(v.rec.SlabSize)
		argv = append(argv, "--slab-bits="+strconv.Itoa(bits))
	}
	if opts.Force {
		argv = append(argv, "--force")
	}
	argv = append(argv, v.rec.Device)

	log.Info("formatting backing device")
	if _, err := exec.Run(ctx, argv, exec.Options{Environment: udsQuietEnv}); err != nil {
		return vdoerr.System("formatting %q: %v", v.rec.Device, err)
	}

	cfg, err := dumpConfig(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.PhysicalSize = size.FromBlocks(cfg.physicalBlocks)
	v.rec.LogicalSize = size.FromBlocks(cfg.logicalBlocks)
	if v.rec.UUID == "" {
		v.rec.UUID = cfg.uuid
	}

	if v.rec.UUID != "" && v.rec.UUID != cfg.uuid {
		if _, err := exec.Run(ctx, []string{"vdosetuuid", "--uuid", v.rec.UUID, v.rec.Device}, exec.Options{Environment: udsQuietEnv}); err != nil {
			return vdoerr.System("setting volume uuid: %v", err)
		}
	}

	if err := v.startLocked(ctx, false); err != nil {
		return err
	}

	v.rec.OperationState = config.StateFinished
	return v.store.Persist()
}

// Import reads geometry and UUID from an existing on-disk volume instead of
// formatting, and marks itself unrecoverable on failure (beginImport, like
// beginCreate, has no automatic recovery path).
func (v *Volume) Import(ctx context.Context) (err error) {
	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	resolved, err := resolveStableDevice(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.Device = resolved

	if existing, ok := v.store.IsDeviceConfigured(v.rec.Device); ok {
		return vdoerr.User("device %q is already configured as volume %q", v.rec.Device, existing)
	}

	v.rec.OperationState = config.StateBeginImport
	v.store.AddOrReplaceVolume(v.rec)
	if err := v.store.Persist(); err != nil {
		return err
	}
	scope.AddUndoStage(func(ctx context.Context) error {
		v.store.RemoveVolume(v.rec.Name)
		return v.store.PersistIfPossible()
	})

	cfg, err := dumpConfig(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	v.rec.PhysicalSize = size.FromBlocks(cfg.physicalBlocks)
	v.rec.LogicalSize = size.FromBlocks(cfg.logicalBlocks)
	v.rec.UUID = cfg.uuid

	v.rec.OperationState = config.StateFinished
	return v.store.Persist()
}

// Remove stops the volume (if running), deletes its registry entry, and
// zeroes the backing device's first block when nothing else holds it open.
func (v *Volume) Remove(ctx context.Context, force bool) (err error) {
	if v.rec.OperationState != config.StateFinished && v.rec.OperationState != config.StateUnknown {
		if !force && v.rec.OperationState.Unrecoverable() {
			return v.previousOperationFailure()
		}
		if err := v.recover(ctx); err != nil && !force {
			return err
		}
	}

	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	if err := v.stopLocked(ctx, force); err != nil && !force {
		return err
	}

	v.store.RemoveVolume(v.rec.Name)
	if err := v.store.Persist(); err != nil {
		return err
	}

	held, err := deviceHasHolders(ctx, v.rec.Device)
	if err != nil {
		logging.FromContext(ctx).Info("could not determine device holders, skipping zero-out", "error", err)
		return nil
	}
	if held {
		return nil
	}
	_, err = exec.Run(ctx, []string{"dd", "if=/dev/zero", "of=" + v.rec.Device, "oflag=direct", "bs=4096", "count=1"}, exec.Options{NoThrow: force})
	if err != nil && !force {
		return vdoerr.System("zeroing backing device %q: %v", v.rec.Device, err)
	}
	return nil
}

// Start loads the kernel module, builds the device-mapper table, and
// creates the kernel target. A no-op (with a log line) if not activated or
// already running, per invariant 7 and testable property 4.
func (v *Volume) Start(ctx context.Context, forceRebuild bool) (err error) {
	if err := v.recover(ctx); err != nil {
		return err
	}
	scope := txn.Begin(ctx)
	defer scope.Close(&err)
	return v.startLocked(ctx, forceRebuild)
}

func (v *Volume) startLocked(ctx context.Context, forceRebuild bool) error {
	log := logging.FromContext(ctx).WithValues("volume", v.rec.Name)

	if !v.rec.Activated {
		log.Info("start is a no-op: volume is not activated")
		return nil
	}
	if running, _ := v.isRunning(ctx); running {
		log.Info("start is a no-op: volume is already running")
		return nil
	}

	if err := checkMemoryForIndex(v.rec.IndexMemory); err != nil {
		return err
	}
	if err := v.rec.ValidateThreadInvariant(); err != nil {
		return vdoerr.Argument("%v", err)
	}
	if v.rec.LogicalThreads > 0 {
		minCache := uint64(v.rec.LogicalThreads) * 2 * 2048 * size.BlockSize
		if v.rec.BlockMapCacheSize.Bytes() < minCache {
			return vdoerr.Argument("blockMapCacheSize must be at least %d for %d logical threads", minCache, v.rec.LogicalThreads)
		}
	}
	if v.rec.BlockMapPeriod < 1 || v.rec.BlockMapPeriod > 16380 {
		v.rec.BlockMapPeriod = 16380
	}

	if err := kmod.Start(ctx); err != nil {
		return err
	}

	if forceRebuild {
		if _, err := exec.Run(ctx, []string{"vdoforcerebuild", v.rec.Device}, exec.Options{Environment: udsQuietEnv}); err != nil {
			return vdoerr.System("forcing rebuild of %q: %v", v.rec.Device, err)
		}
	}

	table := v.buildTable()
	kernelUUID := "VDO-" + v.rec.UUID
	argv := []string{"dmsetup", "create", v.kernelName(), "--uuid", kernelUUID, "--table", table.String()}
	if _, err := exec.Run(ctx, argv, exec.Options{}); err != nil {
		return vdoerr.System("creating device-mapper target %q: %v", v.kernelName(), err)
	}

	if !v.rec.EnableDeduplication {
		if _, err := exec.Run(ctx, []string{"dmsetup", "message", v.kernelName(), "0", "index-disable"}, exec.Options{}); err != nil {
			return vdoerr.System("disabling deduplication on %q: %v", v.kernelName(), err)
		}
	}

	if _, err := sysfs.Instance(v.kernelName()); err != nil {
		logging.FromContext(ctx).Info("could not read kvdo instance number", "error", err)
	}

	if v.rec.EnableCompression {
		if _, err := exec.Run(ctx, []string{"dmsetup", "message", v.kernelName(), "0", "compression", "on"}, exec.Options{}); err != nil {
			return vdoerr.System("enabling compression on %q: %v", v.kernelName(), err)
		}
	}

	if _, err := exec.Run(ctx, []string{"vdodmeventd", "-r", v.kernelName()}, exec.Options{}); err != nil {
		logging.FromContext(ctx).Info("registering with the fullness-monitoring daemon failed (best-effort)", "error", err)
	}

	return nil
}

// Stop removes the kernel target, refusing if other devices still hold it
// open or (without force) if it has live mount points.
func (v *Volume) Stop(ctx context.Context, force bool) (err error) {
	if err := v.recover(ctx); err != nil {
		return err
	}
	scope := txn.Begin(ctx)
	defer scope.Close(&err)
	return v.stopLocked(ctx, force)
}

func (v *Volume) stopLocked(ctx context.Context, force bool) error {
	log := logging.FromContext(ctx).WithValues("volume", v.rec.Name)

	running, _ := v.isRunning(ctx)
	if !running {
		log.Info("stop is a no-op: volume is not running")
		return nil
	}

	held, err := deviceHasHolders(ctx, v.rec.Device)
	if err != nil {
		return err
	}
	if held {
		return vdoerr.State("volume %q is held open by another kernel device, refusing to stop", v.rec.Name)
	}

	mountPath, mounted := mountPointOf(ctx, "/dev/mapper/"+v.kernelName())
	if mounted {
		if !force {
			return vdoerr.State("volume %q is mounted at %q, refusing to stop without force", v.rec.Name, mountPath)
		}
		if _, err := exec.Run(ctx, []string{"umount", "-f", mountPath}, exec.Options{}); err != nil {
			return vdoerr.System("unmounting %q: %v", mountPath, err)
		}
	}

	if _, err := exec.Run(ctx, []string{"udevadm", "settle"}, exec.Options{}); err != nil {
		log.Info("udevadm settle failed (best-effort)", "error", err)
	}

	if _, err := exec.Run(ctx, []string{"vdodmeventd", "-u", v.kernelName()}, exec.Options{}); err != nil {
		log.Info("deregistering from the fullness-monitoring daemon failed (best-effort)", "error", err)
	}

	const maxRetries = 10
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := exec.Run(ctx, []string{"dmsetup", "remove", v.kernelName()}, exec.Options{})
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return vdoerr.System("removing device-mapper target %q after %d attempts: %v", v.kernelName(), maxRetries, lastErr)
}

// GrowLogical extends the logical size of a running volume.
func (v *Volume) GrowLogical(ctx context.Context, newSize size.Value) (err error) {
	if err := v.recover(ctx); err != nil {
		return err
	}
	if running, _ := v.isRunning(ctx); !running {
		return vdoerr.State("volume %q must be running to grow its logical size", v.rec.Name)
	}
	if newSize.Cmp(v.rec.LogicalSize) <= 0 {
		return vdoerr.User("new logical size must be strictly greater than the current logical size")
	}

	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	v.rec.OperationState = config.StateBeginGrowLogical
	if err := v.store.Persist(); err != nil {
		return err
	}

	old := v.rec.LogicalSize
	v.rec.LogicalSize = newSize.RoundUpToBlock()
	scope.AddUndoStage(func(context.Context) error {
		v.rec.LogicalSize = old
		return nil
	})

	if err := v.reloadSuspendResume(ctx); err != nil {
		return err
	}

	if err := v.rereadLogicalSizeFromDisk(ctx); err != nil {
		return err
	}
	v.rec.OperationState = config.StateFinished
	return v.store.Persist()
}

// GrowPhysical extends the physical size to match the current size of the
// backing device.
func (v *Volume) GrowPhysical(ctx context.Context) (err error) {
	if err := v.recover(ctx); err != nil {
		return err
	}
	if running, _ := v.isRunning(ctx); !running {
		return vdoerr.State("volume %q must be running to grow its physical size", v.rec.Name)
	}

	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	v.rec.OperationState = config.StateBeginGrowPhysical
	if err := v.store.Persist(); err != nil {
		return err
	}

	real, err := exec.Run(ctx, []string{"readlink", "-f", v.rec.Device}, exec.Options{Strip: true})
	if err != nil {
		return vdoerr.System("resolving %q: %v", v.rec.Device, err)
	}
	if real == "" {
		real = v.rec.Device
	}
	sectors, err := sysfs.BlockDeviceSectors(filepath.Base(real))
	if err != nil {
		return err
	}
	v.rec.PhysicalSize = size.FromSectors(sectors).RoundDownToBlock()

	if err := v.reloadSuspendResume(ctx); err != nil {
		return err
	}
	if err := v.rereadPhysicalSizeFromDisk(ctx); err != nil {
		return err
	}
	v.rec.OperationState = config.StateFinished
	return v.store.Persist()
}

// SetWritePolicy changes the write policy, reloading the running table if
// the volume is up.
func (v *Volume) SetWritePolicy(ctx context.Context, p validate.WritePolicy) (err error) {
	if err := v.recover(ctx); err != nil {
		return err
	}

	running, _ := v.isRunning(ctx)
	if !running {
		v.rec.WritePolicy = p
		return v.store.Persist()
	}

	scope := txn.Begin(ctx)
	defer scope.Close(&err)

	old := v.rec.WritePolicy
	v.rec.OperationState = config.StateBeginRunningSetWritePolicy
	v.rec.WritePolicy = p
	if err := v.store.Persist(); err != nil {
		return err
	}
	scope.AddUndoStage(func(context.Context) error {
		v.rec.WritePolicy = old
		return nil
	})

	if err := v.reloadSuspendResume(ctx); err != nil {
		return err
	}
	v.rec.OperationState = config.StateFinished
	return v.store.Persist()
}

// SetCompression toggles the persisted compression flag, sending the
// corresponding dmsetup message if the volume is running.
func (v *Volume) SetCompression(ctx context.Context, enabled bool) error {
	v.rec.EnableCompression = enabled
	if running, _ := v.isRunning(ctx); running {
		state := "off"
		if enabled {
			state = "on"
		}
		if _, err := exec.Run(ctx, []string{"dmsetup", "message", v.kernelName(), "0", "compression", state}, exec.Options{}); err != nil {
			return vdoerr.System("setting compression on %q: %v", v.kernelName(), err)
		}
	}
	return v.store.Persist()
}

// SetDeduplication toggles the persisted deduplication flag. Enabling it on
// a running volume polls the kernel status for up to 20 seconds for the
// target to leave the "opening" state.
func (v *Volume) SetDeduplication(ctx context.Context, enabled bool) error {
	v.rec.EnableDeduplication = enabled
	running, _ := v.isRunning(ctx)
	if !running {
		return v.store.Persist()
	}

	msg := "index-disable"
	if enabled {
		msg = "index-enable"
	}
	if _, err := exec.Run(ctx, []string{"dmsetup", "message", v.kernelName(), "0", msg}, exec.Options{}); err != nil {
		return vdoerr.System("setting deduplication on %q: %v", v.kernelName(), err)
	}

	if enabled {
		if err := v.pollDedupState(ctx); err != nil {
			return err
		}
	}
	return v.store.Persist()
}

func (v *Volume) pollDedupState(ctx context.Context) error {
	var lastMode string
	err := wait.PollUntilContextTimeout(ctx, time.Second, 20*time.Second, true, func(pollCtx context.Context) (bool, error) {
		out, err := exec.Run(pollCtx, []string{"dmsetup", "status", v.kernelName()}, exec.Options{Strip: true})
		if err != nil {
			return false, nil
		}
		st, err := dmtable.ParseStatus(out)
		if err != nil {
			return false, nil
		}
		lastMode = st.OperatingMode
		return st.OperatingMode == dmtable.StateOnline || st.OperatingMode == dmtable.StateError, nil
	})
	if err != nil {
		return vdoerr.System("timed out waiting for %q to leave opening state (last seen: %q)", v.kernelName(), lastMode)
	}
	if lastMode == dmtable.StateError {
		return vdoerr.System("enabling deduplication on %q left the index in an error state", v.kernelName())
	}
	return nil
}

// Activate and Deactivate toggle the activated flag only (invariant 7: a
// deactivated volume cannot be started).
func (v *Volume) Activate(ctx context.Context) error {
	if v.rec.Activated {
		logging.FromContext(ctx).Info("activate is a no-op: volume is already activated", "volume", v.rec.Name)
		return nil
	}
	v.rec.Activated = true
	return v.store.Persist()
}

func (v *Volume) Deactivate(ctx context.Context) error {
	if !v.rec.Activated {
		logging.FromContext(ctx).Info("deactivate is a no-op: volume is already deactivated", "volume", v.rec.Name)
		return nil
	}
	v.rec.Activated = false
	return v.store.Persist()
}

// SetModifiableOptions applies a batch of mutable-attribute changes. Fixed
// options (device) are rejected outright; a UUID change additionally
// requires the volume to be stopped and globally unique.
func (v *Volume) SetModifiableOptions(ctx context.Context, opts map[string]string) error {
	for opt := range opts {
		if config.IsFixedOption(opt) {
			return vdoerr.User("cannot change option %q after VDO creation", opt)
		}
	}

	if newUUID, ok := opts["uuid"]; ok {
		if running, _ := v.isRunning(ctx); running {
			return vdoerr.State("volume %q must be stopped to change its uuid", v.rec.Name)
		}
		for _, other := range v.store.AllVolumes() {
			if other.Name != v.rec.Name && other.UUID == newUUID && newUUID != "" {
				return vdoerr.User("uuid %q is already in use by volume %q", newUUID, other.Name)
			}
		}
		v.rec.UUID = newUUID
	}

	applyIntOption(opts, "ackThreads", &v.rec.AckThreads)
	applyIntOption(opts, "bioThreads", &v.rec.BioThreads)
	applyIntOption(opts, "cpuThreads", &v.rec.CPUThreads)
	applyIntOption(opts, "hashZoneThreads", &v.rec.HashZoneThreads)
	applyIntOption(opts, "logicalThreads", &v.rec.LogicalThreads)
	applyIntOption(opts, "physicalThreads", &v.rec.PhysicalThreads)
	applyIntOption(opts, "bioRotationInterval", &v.rec.BioRotationInterval)
	applyIntOption(opts, "blockMapPeriod", &v.rec.BlockMapPeriod)

	if err := v.rec.ValidateThreadInvariant(); err != nil {
		return vdoerr.Argument("%v", err)
	}

	logging.FromContext(ctx).Info("modified options take effect on next start", "volume", v.rec.Name)
	return v.store.Persist()
}

func applyIntOption(opts map[string]string, key string, field *int) {
	raw, ok := opts[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	*field = n
}

// buildTable composes the device-mapper table for this volume's current
// attributes, per the wire shape in §6.
func (v *Volume) buildTable() dmtable.Table {
	return dmtable.Table{
		NumSectors:          v.rec.LogicalSize.Sectors(),
		BackingDevice:       v.rec.Device,
		PhysicalBlocks:      v.rec.PhysicalSize.Blocks(),
		LogicalBlockSize:    v.rec.LogicalBlockSize,
		CacheBlocks:         int(v.rec.BlockMapCacheSize.Blocks()),
		BlockMapPeriod:      v.rec.BlockMapPeriod,
		WritePolicy:         v.rec.WritePolicy,
		Name:                v.kernelName(),
		MaxDiscardBlocks:    v.rec.MaxDiscardSize.Blocks(),
		AckThreads:          v.rec.AckThreads,
		BioThreads:          v.rec.BioThreads,
		BioRotationInterval: v.rec.BioRotationInterval,
		CPUThreads:          v.rec.CPUThreads,
		HashZoneThreads:     v.rec.HashZoneThreads,
		LogicalThreads:      v.rec.LogicalThreads,
		PhysicalThreads:     v.rec.PhysicalThreads,
	}
}

func (v *Volume) reloadSuspendResume(ctx context.Context) error {
	table := v.buildTable()
	if _, err := exec.Run(ctx, []string{"dmsetup", "reload", v.kernelName(), "--table", table.String()}, exec.Options{}); err != nil {
		return vdoerr.System("reloading device-mapper target %q: %v", v.kernelName(), err)
	}
	if _, err := exec.Run(ctx, []string{"dmsetup", "suspend", "--noflush", v.kernelName()}, exec.Options{}); err != nil {
		return vdoerr.System("suspending device-mapper target %q: %v", v.kernelName(), err)
	}
	if _, err := exec.Run(ctx, []string{"dmsetup", "resume", v.kernelName()}, exec.Options{}); err != nil {
		return vdoerr.System("resuming device-mapper target %q: %v", v.kernelName(), err)
	}
	return nil
}

// checkMemoryForIndex validates available system memory against the
// index's declared memory requirement (invariant-adjacent precondition on
// start named in §4.H).
func checkMemoryForIndex(indexMemory string) error {
	required, err := indexMemoryBytes(indexMemory)
	if err != nil {
		return err
	}
	available, err := sysfs.MemAvailableBytes()
	if err != nil {
		// A read failure here does not block start: the error is dropped
		// without logging and the check is skipped, leaving the kernel to
		// refuse the index if memory is truly insufficient.
		return nil
	}
	if available < required {
		return vdoerr.State("insufficient available memory for the index: need at least %d bytes, have %d", required, available)
	}
	return nil
}

func indexMemoryBytes(raw string) (uint64, error) {
	switch raw {
	case "0.25":
		return 256 << 20, nil
	case "0.5":
		return 512 << 20, nil
	case "0.75":
		return 768 << 20, nil
	}
	gib, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, vdoerr.Developer("indexMemory %q is not a validated value", raw)
	}
	return gib << 30, nil
}

// slabBits converts a power-of-two slab size in bytes to the --slab-bits
// argument vdoformat expects (log2 of the slab size in 4 KiB blocks).
func slabBits(s size.Value) int {
	blocks := s.Blocks()
	bits := 0
	for blocks > 1 {
		blocks >>= 1
		bits++
	}
	return bits
}

// dumpedConfig is the subset of vdodumpconfig's YAML output the manager
// reads back after formatting, importing, or growing.
type dumpedConfig struct {
	uuid           string
	physicalBlocks uint64
	logicalBlocks  uint64
}

func dumpConfig(ctx context.Context, device string) (dumpedConfig, error) {
	out, err := exec.Run(ctx, []string{"vdodumpconfig", device}, exec.Options{Environment: udsQuietEnv})
	if err != nil {
		return dumpedConfig{}, vdoerr.System("reading on-disk configuration of %q: %v", device, err)
	}
	return parseDumpedConfig(out)
}

// parseDumpedConfig parses vdodumpconfig's YAML-shaped output. It avoids a
// full YAML unmarshal because the keys of interest are nested under
// dotted-in-spec paths (VDOConfig.physicalBlocks etc.) that the real tool
// emits as simple "key: value" lines under section headers; a small
// line-oriented scan mirrors how the manager's own dumpconfig reader works
// against that fixed, contractual output shape.
func parseDumpedConfig(out string) (dumpedConfig, error) {
	var cfg dumpedConfig
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "UUID":
			cfg.uuid = val
		case "physicalBlocks":
			cfg.physicalBlocks, _ = strconv.ParseUint(val, 10, 64)
		case "logicalBlocks":
			cfg.logicalBlocks, _ = strconv.ParseUint(val, 10, 64)
		}
	}
	if cfg.physicalBlocks == 0 {
		return dumpedConfig{}, vdoerr.System("could not parse vdodumpconfig output")
	}
	return cfg, nil
}

// preflightCheckEmpty probes the backing device for an existing
// file-system signature unless --force is given.
func preflightCheckEmpty(ctx context.Context, device string) error {
	out, _ := exec.Run(ctx, []string{"blkid", "-p", device}, exec.Options{Strip: true, NoThrow: true})
	if out != "" {
		return vdoerr.User("device %q appears to already contain a file system or other signature; use --force to override", device)
	}
	if _, err := exec.Run(ctx, []string{"pvcreate", "--config", "devices/scan_lvs=1", "-qq", "--test", device}, exec.Options{}); err != nil {
		return vdoerr.User("device %q failed the LVM pre-flight probe; use --force to override", device)
	}
	return nil
}

// resolveStableDevice implements stable-name resolution: prefer a
// dm-uuid-*/md-uuid-* alias under /dev/disk/by-id, else the
// lexicographically first alias, else the given path, after resolving
// symlinks to a canonical real path.
func resolveStableDevice(ctx context.Context, device string) (string, error) {
	real, err := exec.Run(ctx, []string{"readlink", "-f", device}, exec.Options{Strip: true})
	if err != nil {
		return "", vdoerr.System("resolving %q: %v", device, err)
	}
	if real == "" {
		real = device
	}

	aliases, err := aliasesForRealPath(ctx, real)
	if err != nil || len(aliases) == 0 {
		return real, nil
	}

	var uuidAliases, others []string
	for _, a := range aliases {
		base := filepath.Base(a)
		if strings.HasPrefix(base, "dm-uuid-") || strings.HasPrefix(base, "md-uuid-") {
			uuidAliases = append(uuidAliases, a)
		} else {
			others = append(others, a)
		}
	}
	if len(uuidAliases) > 0 {
		return smallest(uuidAliases), nil
	}
	if len(others) > 0 {
		return smallest(others), nil
	}
	return real, nil
}

func smallest(ss []string) string {
	best := ss[0]
	for _, s := range ss[1:] {
		if s < best {
			best = s
		}
	}
	return best
}

// aliasesForRealPath lists every /dev/disk/by-id entry resolving to real.
func aliasesForRealPath(ctx context.Context, real string) ([]string, error) {
	out, _ := exec.Run(ctx, []string{"sh", "-c", "for f in /dev/disk/by-id/*; do echo \"$f $(readlink -f \"$f\")\"; done"}, exec.Options{NoThrow: true})
	if out == "" {
		return nil, nil
	}
	var aliases []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == real {
			aliases = append(aliases, fields[0])
		}
	}
	return aliases, nil
}

// deviceHasHolders reports whether another kernel device holds device open,
// resolved through stat's major:minor query plus sysfs.Holders.
func deviceHasHolders(ctx context.Context, device string) (bool, error) {
	major, minor, err := majorMinorOf(ctx, device)
	if err != nil {
		return false, vdoerr.System("determining major:minor of %q: %v", device, err)
	}
	holders, err := sysfs.Holders(major, minor)
	if err != nil {
		return false, err
	}
	return len(holders) > 0, nil
}

func majorMinorOf(ctx context.Context, device string) (int, int, error) {
	out, _ := exec.Run(ctx, []string{"stat", "-c", "%t:%T", device}, exec.Options{Strip: true, NoThrow: true})
	if out == "" {
		return 0, 0, fmt.Errorf("could not stat %q", device)
	}
	major, minor, ok := strings.Cut(out, ":")
	if !ok {
		return 0, 0, fmt.Errorf("unexpected stat output %q", out)
	}
	majorN, err1 := strconv.ParseInt(major, 16, 64)
	minorN, err2 := strconv.ParseInt(minor, 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("unexpected stat output %q", out)
	}
	return int(majorN), int(minorN), nil
}

// mountPointOf reports the mount point of device, if any, by parsing
// /proc/self/mountinfo rather than shelling out to findmnt.
func mountPointOf(ctx context.Context, device string) (string, bool) {
	var found *mountinfo.Info
	mounts, err := mountinfo.GetMounts(func(m *mountinfo.Info) (skip, stop bool) {
		if m.Source != device {
			return true, false
		}
		found = m
		return false, true
	})
	if err != nil || len(mounts) == 0 || found == nil {
		return "", false
	}
	return found.Mountpoint, true
}
