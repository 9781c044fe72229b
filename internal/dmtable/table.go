// Package dmtable encodes and decodes the device-mapper table line used to
// create and reload a vdo target. It follows the same
// explicit-struct-plus-parser-plus-Stringer idiom as
// internal/lvmd/command/lvm_lv_attr.go rather than building the line with
// ad-hoc string concatenation scattered across callers.
package dmtable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/topolvm/vdoctl/internal/validate"
	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// Table is the decoded form of a vdo device-mapper table line.
type Table struct {
	NumSectors       uint64
	BackingDevice    string
	PhysicalBlocks   uint64
	LogicalBlockSize int
	CacheBlocks      int
	BlockMapPeriod   int
	MDRaid5Mode      string
	WritePolicy      validate.WritePolicy
	Name             string
	MaxDiscardBlocks uint64

	AckThreads          int
	BioThreads          int
	BioRotationInterval int
	CPUThreads          int
	HashZoneThreads     int
	LogicalThreads      int
	PhysicalThreads     int
}

// defaultMDRaid5Mode is always "on" in this implementation: the manager
// never creates a target backed by a RAID5 device with the optimization
// disabled.
const defaultMDRaid5Mode = "on"

// String renders t as the exact token sequence dmsetup create/reload
// expects on stdin.
func (t Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "0 %d vdo V2 %s %d %d",
		t.NumSectors, t.BackingDevice, t.PhysicalBlocks, t.LogicalBlockSize)
	fmt.Fprintf(&b, " %d %d %s %s %s",
		t.CacheBlocks, t.BlockMapPeriod, nonEmpty(t.MDRaid5Mode, defaultMDRaid5Mode), t.WritePolicy, t.Name)
	fmt.Fprintf(&b, " maxDiscard %d", t.MaxDiscardBlocks)
	fmt.Fprintf(&b, " ack %d bio %d bioRotationInterval %d cpu %d hash %d logical %d physical %d",
		t.AckThreads, t.BioThreads, t.BioRotationInterval, t.CPUThreads,
		t.HashZoneThreads, t.LogicalThreads, t.PhysicalThreads)
	return b.String()
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ParseTable parses a table line in the exact shape String produces; it is
// used to validate a table read back from `dmsetup table` against what the
// manager believes it asked for.
func ParseTable(line string) (Table, error) {
	fields := strings.Fields(line)
	// 0 <sectors> vdo V2 <dev> <physBlocks> <lbs> <cache> <period> <raid5> <policy> <name>
	// maxDiscard <n> ack <n> bio <n> bioRotationInterval <n> cpu <n> hash <n> logical <n> physical <n>
	const minFields = 11 + 2 + 14
	if len(fields) < minFields {
		return Table{}, vdoerr.System("device-mapper table line has %d fields, want at least %d: %q", len(fields), minFields, line)
	}
	if fields[2] != "vdo" || fields[3] != "V2" {
		return Table{}, vdoerr.System("device-mapper table line is not a vdo V2 target: %q", line)
	}

	t := Table{}
	var err error
	if t.NumSectors, err = parseUint(fields[1]); err != nil {
		return Table{}, err
	}
	t.BackingDevice = fields[4]
	if t.PhysicalBlocks, err = parseUint(fields[5]); err != nil {
		return Table{}, err
	}
	if t.LogicalBlockSize, err = parseInt(fields[6]); err != nil {
		return Table{}, err
	}
	if t.CacheBlocks, err = parseInt(fields[7]); err != nil {
		return Table{}, err
	}
	if t.BlockMapPeriod, err = parseInt(fields[8]); err != nil {
		return Table{}, err
	}
	t.MDRaid5Mode = fields[9]
	wp, err := validate.ParseWritePolicy(fields[10])
	if err != nil {
		return Table{}, err
	}
	t.WritePolicy = wp
	t.Name = fields[11]

	rest := fields[12:]
	kv := map[string]string{}
	for i := 0; i+1 < len(rest); i += 2 {
		kv[rest[i]] = rest[i+1]
	}

	get := func(key string) (int, error) {
		v, ok := kv[key]
		if !ok {
			return 0, vdoerr.System("device-mapper table line is missing %q: %q", key, line)
		}
		return parseInt(v)
	}

	if v, ok := kv["maxDiscard"]; ok {
		if t.MaxDiscardBlocks, err = parseUint(v); err != nil {
			return Table{}, err
		}
	} else {
		return Table{}, vdoerr.System("device-mapper table line is missing %q: %q", "maxDiscard", line)
	}
	if t.AckThreads, err = get("ack"); err != nil {
		return Table{}, err
	}
	if t.BioThreads, err = get("bio"); err != nil {
		return Table{}, err
	}
	if t.BioRotationInterval, err = get("bioRotationInterval"); err != nil {
		return Table{}, err
	}
	if t.CPUThreads, err = get("cpu"); err != nil {
		return Table{}, err
	}
	if t.HashZoneThreads, err = get("hash"); err != nil {
		return Table{}, err
	}
	if t.LogicalThreads, err = get("logical"); err != nil {
		return Table{}, err
	}
	if t.PhysicalThreads, err = get("physical"); err != nil {
		return Table{}, err
	}

	return t, nil
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, vdoerr.System("device-mapper table field %q is not a non-negative integer", s)
	}
	return n, nil
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, vdoerr.System("device-mapper table field %q is not an integer", s)
	}
	return n, nil
}

// Status is the decoded form of a `dmsetup status` line for a vdo target.
// The manager only reads the operating-mode token to drive the
// dedup-enable poll loop ({opening, online, error}); the remaining fields
// are preserved verbatim for display.
type Status struct {
	OperatingMode string
	Raw           string
}

// ParseStatus extracts the operating-mode field (the first status word
// after the standard "<start> <len> vdo" prefix) from a dmsetup status
// line.
func ParseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[2] != "vdo" {
		return Status{}, vdoerr.System("device-mapper status line is not a vdo target: %q", line)
	}
	return Status{OperatingMode: fields[3], Raw: line}, nil
}

// PollStates are the operating-mode values Status can report while
// deduplication is being enabled.
const (
	StateOpening = "opening"
	StateOnline  = "online"
	StateError   = "error"
)
