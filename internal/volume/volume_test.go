package volume

import (
	"testing"

	"github.com/topolvm/vdoctl/internal/size"
)

func TestSlabBitsIsLog2OfBlockCount(t *testing.T) {
	tests := []struct {
		slab size.Value
		want int
	}{
		{size.FromBlocks(1), 0},
		{size.FromBlocks(2), 1},
		{size.FromBlocks(1 << 15), 15},
	}
	for _, tt := range tests {
		if got := slabBits(tt.slab); got != tt.want {
			t.Errorf("slabBits(%v) = %d, want %d", tt.slab, got, tt.want)
		}
	}
}

func TestIndexMemoryBytesFractional(t *testing.T) {
	tests := []struct {
		raw  string
		want uint64
	}{
		{"0.25", 256 << 20},
		{"0.5", 512 << 20},
		{"0.75", 768 << 20},
		{"1", 1 << 30},
		{"4", 4 << 30},
	}
	for _, tt := range tests {
		got, err := indexMemoryBytes(tt.raw)
		if err != nil {
			t.Fatalf("indexMemoryBytes(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("indexMemoryBytes(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestIndexMemoryBytesRejectsGarbage(t *testing.T) {
	if _, err := indexMemoryBytes("not-a-number"); err == nil {
		t.Error("expected an error for a non-numeric indexMemory value")
	}
}

func TestParseDumpedConfigExtractsKnownFields(t *testing.T) {
	out := "VDOConfig:\n  blockSize: 4096\n  physicalBlocks: 2560000\n  logicalBlocks: 5120000\n  slabSize: 8192\nUUID: 8d8c4e8e-0e7c-4d3a-9b2a-8f6b6a9a1234\n"
	cfg, err := parseDumpedConfig(out)
	if err != nil {
		t.Fatalf("parseDumpedConfig: %v", err)
	}
	if cfg.physicalBlocks != 2560000 {
		t.Errorf("physicalBlocks = %d, want 2560000", cfg.physicalBlocks)
	}
	if cfg.logicalBlocks != 5120000 {
		t.Errorf("logicalBlocks = %d, want 5120000", cfg.logicalBlocks)
	}
	if cfg.uuid != "8d8c4e8e-0e7c-4d3a-9b2a-8f6b6a9a1234" {
		t.Errorf("uuid = %q, want the sample UUID", cfg.uuid)
	}
}

func TestParseDumpedConfigRejectsUnparseableOutput(t *testing.T) {
	if _, err := parseDumpedConfig("not a config dump"); err == nil {
		t.Error("expected an error when no physicalBlocks field is present")
	}
}

func TestSmallestPicksLexicographicallyFirst(t *testing.T) {
	got := smallest([]string{"dm-uuid-002", "dm-uuid-001", "dm-uuid-003"})
	if got != "dm-uuid-001" {
		t.Errorf("smallest() = %q, want dm-uuid-001", got)
	}
}

func TestApplyIntOptionIgnoresMissingAndInvalid(t *testing.T) {
	field := 7
	applyIntOption(map[string]string{}, "ackThreads", &field)
	if field != 7 {
		t.Errorf("missing option should leave field unchanged, got %d", field)
	}
	applyIntOption(map[string]string{"ackThreads": "not-an-int"}, "ackThreads", &field)
	if field != 7 {
		t.Errorf("invalid value should leave field unchanged, got %d", field)
	}
	applyIntOption(map[string]string{"ackThreads": "3"}, "ackThreads", &field)
	if field != 3 {
		t.Errorf("valid value should update field, got %d", field)
	}
}
