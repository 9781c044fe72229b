// Package size parses and formats LVM-style size strings and converts among
// bytes, 512-byte sectors and 4096-byte blocks.
package size

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// BlockSize is the fixed block size every size value is normalized against.
const BlockSize = 4096

// SectorSize is the fixed LVM/device-mapper sector size.
const SectorSize = 512

// Value is a non-negative size in bytes.
type Value struct {
	bytes uint64
}

// Zero is the zero size value.
var Zero = Value{}

// FromBytes wraps a raw byte count.
func FromBytes(b uint64) Value { return Value{bytes: b} }

// FromSectors converts a sector count to a Value.
func FromSectors(sectors uint64) Value { return Value{bytes: sectors * SectorSize} }

// FromBlocks converts a 4 KiB block count to a Value.
func FromBlocks(blocks uint64) Value { return Value{bytes: blocks * BlockSize} }

var suffixShift = map[byte]uint{
	'B': 0,
	'S': 0, // sector, handled specially below
	'K': 10,
	'M': 20,
	'G': 30,
	'T': 40,
	'P': 50,
	'E': 60,
}

// Parse parses a string of the form "<number>[suffix]" where suffix is one
// of B, S, K, M, G, T, P, E (case-insensitive). S denotes 512-byte sectors;
// all other suffixes are powers of 1024. A bare number defaults to M (MiB).
// Negative numbers fail with vdoerr.KindArgument ("InvalidSize").
func Parse(s string) (Value, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Value{}, invalidSize(s, "empty size string")
	}

	if raw[0] == '-' {
		return Value{}, invalidSize(s, "negative sizes are not allowed")
	}

	suffix := byte('M')
	numPart := raw
	last := raw[len(raw)-1]
	if (last < '0' || last > '9') && last != '.' {
		suffix = upper(last)
		numPart = raw[:len(raw)-1]
	}

	shift, ok := suffixShift[suffix]
	if !ok {
		return Value{}, invalidSize(s, "unrecognized suffix %q", string(suffix))
	}

	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Value{}, invalidSize(s, "not a number: %v", err)
	}
	if f < 0 {
		return Value{}, invalidSize(s, "negative sizes are not allowed")
	}

	var bytesF float64
	if suffix == 'S' {
		bytesF = f * SectorSize
	} else {
		bytesF = f * float64(uint64(1)<<shift)
	}

	return Value{bytes: uint64(bytesF + 0.5)}, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

func invalidSize(raw string, format string, args ...any) *vdoerr.Error {
	msg := fmt.Sprintf(format, args...)
	return vdoerr.Argument("InvalidSize: %q: %s", raw, msg)
}

// Bytes returns the raw byte count.
func (v Value) Bytes() uint64 { return v.bytes }

// Sectors returns the byte count rounded up to whole 512-byte sectors.
func (v Value) Sectors() uint64 {
	return (v.bytes + SectorSize - 1) / SectorSize
}

// Blocks returns the byte count rounded down to whole 4096-byte blocks.
func (v Value) Blocks() uint64 {
	return v.bytes / BlockSize
}

// IsBlockAligned reports whether the value is an exact multiple of BlockSize.
func (v Value) IsBlockAligned() bool {
	return v.bytes%BlockSize == 0
}

// RoundDownToBlock truncates the value to the nearest whole block.
func (v Value) RoundDownToBlock() Value {
	return Value{bytes: (v.bytes / BlockSize) * BlockSize}
}

// RoundUpToBlock rounds the value up to the nearest whole block.
func (v Value) RoundUpToBlock() Value {
	return Value{bytes: ((v.bytes + BlockSize - 1) / BlockSize) * BlockSize}
}

// Add returns v + other.
func (v Value) Add(other Value) Value {
	return Value{bytes: v.bytes + other.bytes}
}

// Cmp returns -1, 0 or 1 as v is less than, equal to, or greater than other.
func (v Value) Cmp(other Value) int {
	switch {
	case v.bytes < other.bytes:
		return -1
	case v.bytes > other.bytes:
		return 1
	default:
		return 0
	}
}

// Equal reports byte-count equality.
func (v Value) Equal(other Value) bool { return v.bytes == other.bytes }

var formatSuffixes = []struct {
	suffix byte
	shift  uint
}{
	{'E', 60},
	{'P', 50},
	{'T', 40},
	{'G', 30},
	{'M', 20},
	{'K', 10},
}

// String formats v using the largest suffix that makes the value integral,
// falling back to a plain byte count (suffix B) when none does.
func (v Value) String() string {
	if v.bytes == 0 {
		return "0B"
	}
	for _, s := range formatSuffixes {
		unit := uint64(1) << s.shift
		if v.bytes%unit == 0 {
			return fmt.Sprintf("%d%c", v.bytes/unit, s.suffix)
		}
	}
	return fmt.Sprintf("%dB", v.bytes)
}

// MarshalText implements encoding.TextMarshaler so Value round-trips through
// YAML and mapstructure the same way the size string is emitted in the
// registry.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so Value composes with
// mapstructure.TextUnmarshallerHookFunc() exactly like the teacher's
// driver.Quantity.
func (v *Value) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
