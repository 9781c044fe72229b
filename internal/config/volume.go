package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/topolvm/vdoctl/internal/size"
	"github.com/topolvm/vdoctl/internal/validate"
)

// OperationState is the persisted recovery marker described in the
// data model's lifecycle section.
type OperationState string

const (
	// StateUnknown is assigned in memory (never persisted) to legacy entries
	// that lack the marker entirely; it is upgraded to StateFinished on first
	// access.
	StateUnknown                      OperationState = "unknown"
	StateBeginCreate                  OperationState = "beginCreate"
	StateBeginImport                  OperationState = "beginImport"
	StateBeginGrowLogical             OperationState = "beginGrowLogical"
	StateBeginGrowPhysical            OperationState = "beginGrowPhysical"
	StateBeginRunningSetWritePolicy   OperationState = "beginRunningSetWritePolicy"
	StateFinished                     OperationState = "finished"
)

// Unrecoverable reports whether a mid-operation marker can never be safely
// resumed automatically.
func (s OperationState) Unrecoverable() bool {
	return s == StateBeginCreate || s == StateBeginImport
}

// MidOperation reports whether a Volume carrying this marker should be
// considered "mid-operation" under invariant 6 of the data model.
func (s OperationState) MidOperation() bool {
	return s != StateFinished && s != StateUnknown
}

// Volume is the explicit schema type for one registry row. Every YAML field
// has a named Go field; anything the manager does not recognize is preserved
// in Extra and re-emitted verbatim, per the forward-compatibility design
// note (no dynamic attribute assignment).
type Volume struct {
	Name string `yaml:"-"`

	Device string `yaml:"device"`

	LogicalSize         size.Value `yaml:"logicalSize"`
	PhysicalSize        size.Value `yaml:"physicalSize"`
	SlabSize            size.Value `yaml:"slabSize"`
	BlockMapCacheSize   size.Value `yaml:"blockMapCacheSize"`
	ReadCacheSize       size.Value `yaml:"readCacheSize"`
	MaxDiscardSize      size.Value `yaml:"maxDiscardSize"`

	LogicalBlockSize int `yaml:"logicalBlockSize"`

	EnableCompression   bool `yaml:"-"`
	EnableDeduplication bool `yaml:"-"`
	Activated           bool `yaml:"-"`
	IndexSparse         bool `yaml:"indexSparse"`

	WritePolicy validate.WritePolicy `yaml:"writePolicy"`

	AckThreads          int `yaml:"ackThreads"`
	BioThreads          int `yaml:"bioThreads"`
	CPUThreads          int `yaml:"cpuThreads"`
	HashZoneThreads     int `yaml:"hashZoneThreads"`
	LogicalThreads      int `yaml:"logicalThreads"`
	PhysicalThreads     int `yaml:"physicalThreads"`
	BioRotationInterval int `yaml:"bioRotationInterval"`

	BlockMapPeriod int `yaml:"blockMapPeriod"`

	IndexMemory  string `yaml:"indexMemory"`
	IndexCfreq   int    `yaml:"indexCfreq"`
	IndexThreads int    `yaml:"indexThreads"`

	UUID string `yaml:"uuid"`

	OperationState OperationState `yaml:"operationState"`

	// Extra preserves YAML keys this version of the manager does not
	// recognize, so a newer schema round-trips through an older binary.
	Extra map[string]yaml.Node `yaml:"-"`
}

// fixedOptions lists the attributes that are immutable after creation, per
// the data model and SetModifiableOptions' rejection rule.
var fixedOptions = map[string]struct{}{
	"device": {},
}

// IsFixedOption reports whether option is on the immutable-after-creation
// list.
func IsFixedOption(option string) bool {
	_, ok := fixedOptions[strings.ToLower(option)]
	return ok
}

// ValidateThreadInvariant validates invariant 2: hashZone/logical/physical threads are
// either all zero or all non-zero.
func (v *Volume) ValidateThreadInvariant() error {
	z := v.HashZoneThreads == 0
	l := v.LogicalThreads == 0
	p := v.PhysicalThreads == 0
	if z == l && l == p {
		return nil
	}
	return fmt.Errorf("hashZoneThreads, logicalThreads and physicalThreads must be all zero or all non-zero (got %d, %d, %d)",
		v.HashZoneThreads, v.LogicalThreads, v.PhysicalThreads)
}

// yamlVolume is the on-the-wire shape: it accepts both "enabled"/"disabled"
// and the legacy "yes"/"no" spelling for boolean-as-string fields, and
// captures unrecognized keys via its inline map.
type yamlVolume struct {
	Device              string              `yaml:"device"`
	LogicalSize         size.Value          `yaml:"logicalSize"`
	PhysicalSize        size.Value          `yaml:"physicalSize"`
	SlabSize            size.Value          `yaml:"slabSize"`
	BlockMapCacheSize   size.Value          `yaml:"blockMapCacheSize"`
	ReadCacheSize       size.Value          `yaml:"readCacheSize"`
	MaxDiscardSize      size.Value          `yaml:"maxDiscardSize"`
	LogicalBlockSize    int                 `yaml:"logicalBlockSize"`
	Compression         boolString          `yaml:"compression"`
	Deduplication       boolString          `yaml:"deduplication"`
	Activated           boolString          `yaml:"activated"`
	IndexSparse         bool                `yaml:"indexSparse"`
	WritePolicy         string              `yaml:"writePolicy"`
	AckThreads          int                 `yaml:"ackThreads"`
	BioThreads          int                 `yaml:"bioThreads"`
	CPUThreads          int                 `yaml:"cpuThreads"`
	HashZoneThreads     int                 `yaml:"hashZoneThreads"`
	LogicalThreads      int                 `yaml:"logicalThreads"`
	PhysicalThreads     int                 `yaml:"physicalThreads"`
	BioRotationInterval int                 `yaml:"bioRotationInterval"`
	BlockMapPeriod      int                 `yaml:"blockMapPeriod"`
	IndexMemory         string              `yaml:"indexMemory"`
	IndexCfreq          int                 `yaml:"indexCfreq"`
	IndexThreads        int                 `yaml:"indexThreads"`
	UUID                string              `yaml:"uuid"`
	OperationState      string              `yaml:"operationState"`

	Rest map[string]yaml.Node `yaml:",inline"`
}

// boolString accepts "enabled"/"disabled" (canonical) and "yes"/"no"
// (legacy automation emitter), per the Open Question in the design notes.
type boolString bool

func (b *boolString) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case "enabled", "yes", "true":
		*b = true
	case "disabled", "no", "false":
		*b = false
	default:
		return fmt.Errorf("unrecognized boolean value %q", raw)
	}
	return nil
}

func (b boolString) MarshalYAML() (any, error) {
	if b {
		return "enabled", nil
	}
	return "disabled", nil
}

func fromYAMLVolume(name string, y *yamlVolume) (*Volume, error) {
	state := OperationState(y.OperationState)
	if state == "" {
		state = StateUnknown
	}

	v := &Volume{
		Name:                name,
		Device:              y.Device,
		LogicalSize:         y.LogicalSize,
		PhysicalSize:        y.PhysicalSize,
		SlabSize:            y.SlabSize,
		BlockMapCacheSize:   y.BlockMapCacheSize,
		ReadCacheSize:       y.ReadCacheSize,
		MaxDiscardSize:      y.MaxDiscardSize,
		LogicalBlockSize:    y.LogicalBlockSize,
		EnableCompression:   bool(y.Compression),
		EnableDeduplication: bool(y.Deduplication),
		Activated:           bool(y.Activated),
		IndexSparse:         y.IndexSparse,
		AckThreads:          y.AckThreads,
		BioThreads:          y.BioThreads,
		CPUThreads:          y.CPUThreads,
		HashZoneThreads:     y.HashZoneThreads,
		LogicalThreads:      y.LogicalThreads,
		PhysicalThreads:     y.PhysicalThreads,
		BioRotationInterval: y.BioRotationInterval,
		BlockMapPeriod:      y.BlockMapPeriod,
		IndexMemory:         y.IndexMemory,
		IndexCfreq:          y.IndexCfreq,
		IndexThreads:        y.IndexThreads,
		UUID:                y.UUID,
		OperationState:      state,
		Extra:               y.Rest,
	}

	if y.WritePolicy != "" {
		wp, err := validate.ParseWritePolicy(y.WritePolicy)
		if err != nil {
			return nil, fmt.Errorf("volume %q: %w", name, err)
		}
		v.WritePolicy = wp
	} else {
		v.WritePolicy = validate.WritePolicyAuto
	}

	return v, nil
}

func toYAMLVolume(v *Volume) *yamlVolume {
	state := v.OperationState
	if state == StateUnknown {
		// StateUnknown is only ever an in-memory upgrade target; a volume
		// that reaches persistence always carries a concrete marker.
		state = StateFinished
	}
	return &yamlVolume{
		Device:              v.Device,
		LogicalSize:         v.LogicalSize,
		PhysicalSize:        v.PhysicalSize,
		SlabSize:            v.SlabSize,
		BlockMapCacheSize:   v.BlockMapCacheSize,
		ReadCacheSize:       v.ReadCacheSize,
		MaxDiscardSize:      v.MaxDiscardSize,
		LogicalBlockSize:    v.LogicalBlockSize,
		Compression:         boolString(v.EnableCompression),
		Deduplication:       boolString(v.EnableDeduplication),
		Activated:           boolString(v.Activated),
		IndexSparse:         v.IndexSparse,
		WritePolicy:         string(v.WritePolicy),
		AckThreads:          v.AckThreads,
		BioThreads:          v.BioThreads,
		CPUThreads:          v.CPUThreads,
		HashZoneThreads:     v.HashZoneThreads,
		LogicalThreads:      v.LogicalThreads,
		PhysicalThreads:     v.PhysicalThreads,
		BioRotationInterval: v.BioRotationInterval,
		BlockMapPeriod:      v.BlockMapPeriod,
		IndexMemory:         v.IndexMemory,
		IndexCfreq:          v.IndexCfreq,
		IndexThreads:        v.IndexThreads,
		UUID:                v.UUID,
		OperationState:      string(state),
		Rest:                v.Extra,
	}
}
