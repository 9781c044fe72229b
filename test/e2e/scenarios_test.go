// Package e2e drives internal/config and internal/volume together the way
// cmd/vdoctl's command tree does, covering the end-to-end scenarios a
// command invocation is expected to satisfy. It stops short of
// internal/dispatch's file-lock acquisition (which targets the fixed
// /var/lock/vdo directory) and of anything that shells out to vdo-specific
// tooling, so every scenario here is reproducible on a bare Linux host.
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/topolvm/vdoctl/internal/config"
	"github.com/topolvm/vdoctl/internal/validate"
	"github.com/topolvm/vdoctl/internal/volume"
)

func openStore(t *testing.T) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdoconf.yml")
	s, err := config.Load(path, false, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

// Scenario 2: conflict detection. Given a registry with v1 already bound to
// a device, creating v2 against the same device string fails with a
// user-facing "already configured" error before anything touches the
// filesystem.
func TestConflictDetectionRejectsDuplicateDevice(t *testing.T) {
	store := openStore(t)
	store.AddOrReplaceVolume(&config.Volume{
		Name:           "v1",
		Device:         "/dev/sdx",
		OperationState: config.StateFinished,
	})

	v2 := volume.New(store, &config.Volume{
		Name:           "v2",
		Device:         "/dev/sdx",
		OperationState: config.StateBeginCreate,
	})
	err := v2.Create(context.Background(), volume.CreateOptions{})
	if err == nil {
		t.Fatal("expected an error creating a volume on an already-configured device")
	}

	if _, ok := store.GetVolume("v2"); ok == nil {
		t.Error("v2 should not have been persisted into the registry")
	}
}

// Scenario 2, alias path: conflict detection must compare canonicalized
// real paths, not the literal strings a caller passes in. v1 is registered
// under a device's real path; creating v2 through a symlink alias to that
// same file must still be rejected.
func TestConflictDetectionCanonicalizesAliasPath(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real-device")
	if err := os.WriteFile(real, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	alias := filepath.Join(dir, "alias-device")
	if err := os.Symlink(real, alias); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	store := openStore(t)
	store.AddOrReplaceVolume(&config.Volume{
		Name:           "v1",
		Device:         real,
		OperationState: config.StateFinished,
	})

	v2 := volume.New(store, &config.Volume{
		Name:           "v2",
		Device:         alias,
		OperationState: config.StateBeginCreate,
	})
	err := v2.Create(context.Background(), volume.CreateOptions{})
	if err == nil {
		t.Fatal("expected an error creating a volume whose alias resolves to an already-configured device")
	}

	if _, ok := store.GetVolume("v2"); ok == nil {
		t.Error("v2 should not have been persisted into the registry")
	}
}

// Scenario 5: modify is disallowed for device. Attempting to change device
// through SetModifiableOptions is rejected, and the registry is left
// unchanged.
func TestModifyRejectsDeviceChange(t *testing.T) {
	store := openStore(t)
	rec := &config.Volume{
		Name:           "v1",
		Device:         "/dev/sdx",
		OperationState: config.StateFinished,
	}
	store.AddOrReplaceVolume(rec)

	v := volume.New(store, rec)
	err := v.SetModifiableOptions(context.Background(), map[string]string{"device": "/dev/sdy"})
	if err == nil {
		t.Fatal("expected an error changing the device option")
	}

	got, gerr := store.GetVolume("v1")
	if gerr != nil {
		t.Fatalf("GetVolume: %v", gerr)
	}
	if got.Device != "/dev/sdx" {
		t.Errorf("Device = %q, want unchanged /dev/sdx", got.Device)
	}
}

// Scenario 6: thread-count invariant. A mixed zero/non-zero assignment to
// hashZone/logical/physical threads is rejected; an all-zero assignment is
// accepted.
func TestThreadCountInvariantEnforced(t *testing.T) {
	store := openStore(t)
	rec := &config.Volume{
		Name:            "v1",
		Device:          "/dev/sdx",
		OperationState:  config.StateFinished,
		HashZoneThreads: 1,
		LogicalThreads:  1,
		PhysicalThreads: 1,
	}
	store.AddOrReplaceVolume(rec)
	v := volume.New(store, rec)

	err := v.SetModifiableOptions(context.Background(), map[string]string{
		"hashZoneThreads": "0",
		"logicalThreads":  "2",
		"physicalThreads": "2",
	})
	if err == nil {
		t.Fatal("expected the mixed zero/non-zero thread assignment to be rejected")
	}

	err = v.SetModifiableOptions(context.Background(), map[string]string{
		"hashZoneThreads": "0",
		"logicalThreads":  "0",
		"physicalThreads": "0",
	})
	if err != nil {
		t.Errorf("unexpected error for the all-zero thread assignment: %v", err)
	}
}

// Boundary case from §8: name validation accepts dots and underscores but
// rejects a leading dash and an embedded '='.
func TestVolumeNameBoundaryCases(t *testing.T) {
	if _, err := validate.VolumeName("-foo"); err == nil {
		t.Error("expected -foo to be rejected")
	}
	if _, err := validate.VolumeName("foo=bar"); err == nil {
		t.Error("expected foo=bar to be rejected")
	}
	if _, err := validate.VolumeName("foo.bar_1"); err != nil {
		t.Errorf("expected foo.bar_1 to be accepted: %v", err)
	}
}
