package dmtable

import (
	"testing"

	"github.com/topolvm/vdoctl/internal/validate"
)

func sampleTable() Table {
	return Table{
		NumSectors:          209715200,
		BackingDevice:       "/dev/sdb",
		PhysicalBlocks:      2560000,
		LogicalBlockSize:    4096,
		CacheBlocks:         128,
		BlockMapPeriod:      16380,
		MDRaid5Mode:         "on",
		WritePolicy:         validate.WritePolicyAuto,
		Name:                "vdo1",
		MaxDiscardBlocks:    4096,
		AckThreads:          1,
		BioThreads:          4,
		BioRotationInterval: 64,
		CPUThreads:          2,
		HashZoneThreads:     1,
		LogicalThreads:      1,
		PhysicalThreads:     1,
	}
}

func TestStringProducesExpectedTokenOrder(t *testing.T) {
	got := sampleTable().String()
	want := "0 209715200 vdo V2 /dev/sdb 2560000 4096 128 16380 on auto vdo1 maxDiscard 4096 ack 1 bio 4 bioRotationInterval 64 cpu 2 hash 1 logical 1 physical 1"
	if got != want {
		t.Errorf("String() =\n%q\nwant\n%q", got, want)
	}
}

func TestParseTableRoundTrips(t *testing.T) {
	orig := sampleTable()
	parsed, err := ParseTable(orig.String())
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if parsed != orig {
		t.Errorf("ParseTable(String()) = %+v, want %+v", parsed, orig)
	}
}

func TestParseTableRejectsNonVdoTarget(t *testing.T) {
	if _, err := ParseTable("0 100 linear /dev/sdb 0"); err == nil {
		t.Error("expected error for a non-vdo target line")
	}
}

func TestParseTableRejectsTruncatedLine(t *testing.T) {
	if _, err := ParseTable("0 100 vdo V2 /dev/sdb"); err == nil {
		t.Error("expected error for a truncated table line")
	}
}

func TestParseStatusExtractsOperatingMode(t *testing.T) {
	st, err := ParseStatus("0 209715200 vdo online V2 normal - 0 0 0")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if st.OperatingMode != StateOnline {
		t.Errorf("OperatingMode = %q, want %q", st.OperatingMode, StateOnline)
	}
}

func TestParseStatusRejectsNonVdoTarget(t *testing.T) {
	if _, err := ParseStatus("0 100 linear 0"); err == nil {
		t.Error("expected error for a non-vdo status line")
	}
}
