// Package sysfs reads the handful of /sys and /proc files the manager
// consults directly instead of through an external command: the kvdo
// instance number, block-device holders, available memory, and a block
// device's size in 512-byte sectors.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// sysRoot is the mount point this package reads sysfs from; overridable in
// tests the same way procfs.NewFS parameterizes its mount point instead of
// hardcoding /proc.
var sysRoot = "/sys"

// Instance reads the kvdo driver's assigned instance number for name from
// /sys/kvdo/<name>/instance.
func Instance(name string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(sysRoot, "kvdo", name, "instance"))
	if err != nil {
		return 0, vdoerr.System("reading kvdo instance number for %q: %v", name, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, vdoerr.System("kvdo instance file for %q does not contain an integer: %v", name, err)
	}
	return n, nil
}

// Holders lists the names of kernel devices holding major:minor open, read
// from /sys/dev/block/<major>:<minor>/holders. An empty, non-error result
// means nothing holds the device.
func Holders(major, minor int) ([]string, error) {
	dir := filepath.Join(sysRoot, "dev", "block", fmt.Sprintf("%d:%d", major, minor), "holders")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vdoerr.System("reading holders for device %d:%d: %v", major, minor, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// MemAvailableBytes reads the MemAvailable field from /proc/meminfo, used to
// validate the index's memory requirement before starting a volume.
func MemAvailableBytes() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, vdoerr.System("opening procfs: %v", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, vdoerr.System("reading /proc/meminfo: %v", err)
	}
	if mi.MemAvailable == nil {
		return 0, vdoerr.System("/proc/meminfo has no MemAvailable field")
	}
	return *mi.MemAvailable * 1024, nil
}

// BlockDeviceSectors reads the 512-byte-sector size of the block device
// named basename (e.g. "sdb") from /sys/class/block/<basename>/size.
func BlockDeviceSectors(basename string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(sysRoot, "class", "block", basename, "size"))
	if err != nil {
		return 0, vdoerr.System("reading block device size for %q: %v", basename, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, vdoerr.System("block device size file for %q does not contain an integer: %v", basename, err)
	}
	return n, nil
}
