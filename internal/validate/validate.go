// Package validate centralizes the option validators used by the argument
// parser and by SetModifiableOptions: each takes a raw string and returns a
// normalized value or an *vdoerr.Error of KindArgument.
package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/topolvm/vdoctl/internal/size"
	"github.com/topolvm/vdoctl/internal/vdoerr"
)

// nameRegexp matches the volume name grammar from the data model: one or
// more of [A-Za-z0-9#+.:@_-], not starting with '-'.
var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9#+.:@_-]+$`)

// AbsolutePath validates that p is an absolute filesystem path.
func AbsolutePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", vdoerr.Argument("path %q must be absolute", p)
	}
	return filepath.Clean(p), nil
}

// VolumeName validates the volume name grammar from the data model.
func VolumeName(n string) (string, error) {
	if n == "" {
		return "", vdoerr.Argument("volume name must not be empty")
	}
	if strings.HasPrefix(n, "-") {
		return "", vdoerr.Argument("volume name %q must not start with '-'", n)
	}
	if !nameRegexp.MatchString(n) {
		return "", vdoerr.Argument("volume name %q contains characters outside [A-Za-z0-9#+.:@_-]", n)
	}
	return n, nil
}

// IntRange validates that raw parses as an integer within [lo, hi] inclusive.
func IntRange(raw string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, vdoerr.Argument("%q is not an integer", raw)
	}
	if n < lo || n > hi {
		return 0, vdoerr.Argument("%d is outside the allowed range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

// PowerOfTwoSize validates a size string in [128 MiB, 32 GiB] that is also a
// power of two in bytes, as required for slabSize.
func PowerOfTwoSize(raw string) (size.Value, error) {
	v, err := size.Parse(raw)
	if err != nil {
		return size.Value{}, err
	}
	b := v.Bytes()
	if b < 128<<20 || b > 32<<30 {
		return size.Value{}, vdoerr.Argument("%s is outside the allowed range [128M, 32G]", raw)
	}
	if b&(b-1) != 0 {
		return size.Value{}, vdoerr.Argument("%s (%d bytes) is not a power of two", raw, b)
	}
	return v, nil
}

// LogicalSize validates a size string not exceeding 4 PiB, rounding it up to
// a 4096-byte block.
func LogicalSize(raw string) (size.Value, error) {
	v, err := size.Parse(raw)
	if err != nil {
		return size.Value{}, err
	}
	const maxLogical = uint64(4) << 50 // 4 PiB
	if v.Bytes() > maxLogical {
		return size.Value{}, vdoerr.Argument("%s exceeds the maximum logical size of 4P", raw)
	}
	return v.RoundUpToBlock(), nil
}

// PageCacheSize validates a size string in [128 MiB, 16 TiB), rounding it up
// to a 4096-byte block, as required for blockMapCacheSize and readCacheSize.
func PageCacheSize(raw string) (size.Value, error) {
	v, err := size.Parse(raw)
	if err != nil {
		return size.Value{}, err
	}
	b := v.Bytes()
	if b < 128<<20 || b >= 16<<40 {
		return size.Value{}, vdoerr.Argument("%s is outside the allowed range [128M, 16T)", raw)
	}
	return v.RoundUpToBlock(), nil
}

// DiscardSize validates a size string in the same range as PageCacheSize, for
// maxDiscardSize.
func DiscardSize(raw string) (size.Value, error) {
	return PageCacheSize(raw)
}

// IndexMemory validates the three special fractional strings or an integer
// number of gigabytes in [1, 1024]. Matching is exact: "0.50" is rejected
// even though it is numerically equal to "0.5".
func IndexMemory(raw string) (string, error) {
	switch raw {
	case "0.25", "0.5", "0.75":
		return raw, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return "", vdoerr.Argument("indexMemory %q must be one of \"0.25\", \"0.5\", \"0.75\" or an integer number of gigabytes in [1, 1024]", raw)
	}
	if n < 1 || n > 1024 {
		return "", vdoerr.Argument("indexMemory %d is outside the allowed range [1, 1024]", n)
	}
	return raw, nil
}

// WritePolicy is the closed enum for the write-policy option.
type WritePolicy string

const (
	WritePolicySync  WritePolicy = "sync"
	WritePolicyAsync WritePolicy = "async"
	WritePolicyAuto  WritePolicy = "auto"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *WritePolicy) UnmarshalText(data []byte) error {
	parsed, err := ParseWritePolicy(string(data))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// ParseWritePolicy validates the write-policy enum.
func ParseWritePolicy(raw string) (WritePolicy, error) {
	switch WritePolicy(raw) {
	case WritePolicySync, WritePolicyAsync, WritePolicyAuto:
		return WritePolicy(raw), nil
	}
	return "", vdoerr.Argument("writePolicy %q must be one of sync, async, auto", raw)
}

// LogLevel is the closed enum for the kernel driver log level.
type LogLevel string

const (
	LogLevelEmergency LogLevel = "emergency"
	LogLevelAlert     LogLevel = "alert"
	LogLevelCritical  LogLevel = "critical"
	LogLevelError     LogLevel = "error"
	LogLevelWarning   LogLevel = "warning"
	LogLevelNotice    LogLevel = "notice"
	LogLevelInfo      LogLevel = "info"
	LogLevelDebug     LogLevel = "debug"
)

var logLevels = map[LogLevel]struct{}{
	LogLevelEmergency: {}, LogLevelAlert: {}, LogLevelCritical: {}, LogLevelError: {},
	LogLevelWarning: {}, LogLevelNotice: {}, LogLevelInfo: {}, LogLevelDebug: {},
}

// ParseLogLevel validates the driver log-level enum.
func ParseLogLevel(raw string) (LogLevel, error) {
	lvl := LogLevel(strings.ToLower(raw))
	if _, ok := logLevels[lvl]; !ok {
		return "", vdoerr.Argument("log level %q is not a recognized kernel log level", raw)
	}
	return lvl, nil
}

// UUID validates that raw is either empty (meaning "generate one") or a
// canonical-form UUID string.
func UUID(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", vdoerr.Argument("uuid %q is not a valid UUID: %v", raw, err)
	}
	return id.String(), nil
}

// BlockDevicePath validates a --device argument: raw must be an absolute
// path other than "/". It is not compared against the manager's own log or
// config file paths, and it does not check that the path is a block device.
func BlockDevicePath(raw string) (string, error) {
	p, err := AbsolutePath(raw)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return "", vdoerr.Argument("device path %q is not a valid block device candidate", raw)
	}
	return p, nil
}

// BlockMapPeriod validates the 1..16380 range for blockMapPeriod.
func BlockMapPeriod(raw string) (int, error) {
	return IntRange(raw, 1, 16380)
}

// ThreadCount validates a small non-negative thread-count option. The spec
// does not name an explicit upper bound for thread counts beyond "bounded
// integer"; 65535 is the ceiling used by the on-disk table encoding (the
// table fields are unsigned 16-bit counts of threads).
func ThreadCount(raw string) (int, error) {
	return IntRange(raw, 0, 65535)
}

// Fmt is a small helper for building the developer-error-grade messages used
// when a validator discovers a case the caller should have already excluded.
func Fmt(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
