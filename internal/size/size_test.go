package size

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{"bare number defaults to MiB", "2", 2 << 20, false},
		{"bytes suffix", "4096B", 4096, false},
		{"sector suffix", "8S", 8 * 512, false},
		{"kibibyte", "1K", 1 << 10, false},
		{"gibibyte", "2G", 2 << 30, false},
		{"terabyte", "2T", 2 << 40, false},
		{"lowercase suffix", "2g", 2 << 30, false},
		{"fractional gibibyte", "1.5G", uint64(1.5 * (1 << 30)), false},
		{"negative rejected", "-1G", 0, true},
		{"garbage rejected", "abc", 0, true},
		{"empty rejected", "", 0, true},
		{"unknown suffix rejected", "5Q", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error, got none", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
			}
			if got.Bytes() != tt.want {
				t.Errorf("Parse(%q) = %d bytes, want %d", tt.in, got.Bytes(), tt.want)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	tests := []string{"2T", "512M", "128K", "4096B", "1E", "8S"}
	for _, in := range tests {
		v, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		canonical := v.String()
		v2, err := Parse(canonical)
		if err != nil {
			t.Fatalf("Parse(format(Parse(%q))) = %q: %v", in, canonical, err)
		}
		if !v.Equal(v2) {
			t.Errorf("round trip mismatch for %q: %d != %d", in, v.Bytes(), v2.Bytes())
		}
	}
}

func TestStringPrefersLargestExactSuffix(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  string
	}{
		{0, "0B"},
		{4096, "4K"},
		{1 << 30, "1G"},
		{(1 << 30) + 4096, "1048580K"},
		{5, "5B"},
	}
	for _, tt := range tests {
		got := FromBytes(tt.bytes).String()
		if got != tt.want {
			t.Errorf("FromBytes(%d).String() = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestSectorsRoundsUp(t *testing.T) {
	v := FromBytes(513)
	if got := v.Sectors(); got != 2 {
		t.Errorf("Sectors() = %d, want 2", got)
	}
}

func TestBlocksRoundsDown(t *testing.T) {
	v := FromBytes(BlockSize + 1)
	if got := v.Blocks(); got != 1 {
		t.Errorf("Blocks() = %d, want 1", got)
	}
}

func TestIsBlockAligned(t *testing.T) {
	if !FromBlocks(3).IsBlockAligned() {
		t.Errorf("expected block-aligned value to report aligned")
	}
	if FromBytes(BlockSize + 1).IsBlockAligned() {
		t.Errorf("expected unaligned value to report unaligned")
	}
}

func TestCmpAndAdd(t *testing.T) {
	a := FromBlocks(1)
	b := FromBlocks(2)
	if a.Cmp(b) >= 0 {
		t.Errorf("expected a < b")
	}
	if sum := a.Add(b); sum.Bytes() != 3*BlockSize {
		t.Errorf("Add() = %d, want %d", sum.Bytes(), 3*BlockSize)
	}
}
