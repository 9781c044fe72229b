package validate

import "testing"

func TestVolumeName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple name accepted", "v1", false},
		{"dotted underscored name accepted", "foo.bar_1", false},
		{"leading dash rejected", "-foo", true},
		{"equals sign rejected", "foo=bar", true},
		{"empty rejected", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VolumeName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("VolumeName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestPowerOfTwoSize(t *testing.T) {
	if _, err := PowerOfTwoSize("128M"); err != nil {
		t.Errorf("128M should be accepted: %v", err)
	}
	if _, err := PowerOfTwoSize("32G"); err != nil {
		t.Errorf("32G should be accepted: %v", err)
	}
	if _, err := PowerOfTwoSize("256M"); err != nil {
		t.Errorf("256M should be accepted (power of two): %v", err)
	}
	if _, err := PowerOfTwoSize("192M"); err == nil {
		t.Errorf("192M is not a power of two and should be rejected")
	}
	if _, err := PowerOfTwoSize("64M"); err == nil {
		t.Errorf("64M is below the minimum and should be rejected")
	}
	if _, err := PowerOfTwoSize("64G"); err == nil {
		t.Errorf("64G is above the maximum and should be rejected")
	}
}

func TestIndexMemory(t *testing.T) {
	if _, err := IndexMemory("0.25"); err != nil {
		t.Errorf("0.25 should be accepted: %v", err)
	}
	if _, err := IndexMemory("0.50"); err == nil {
		t.Errorf("0.50 should be rejected (exact string match only)")
	}
	if _, err := IndexMemory("1025"); err == nil {
		t.Errorf("1025 should be rejected")
	}
	if _, err := IndexMemory("1024"); err != nil {
		t.Errorf("1024 should be accepted: %v", err)
	}
}

func TestWritePolicy(t *testing.T) {
	for _, v := range []string{"sync", "async", "auto"} {
		if _, err := ParseWritePolicy(v); err != nil {
			t.Errorf("%q should be accepted: %v", v, err)
		}
	}
	if _, err := ParseWritePolicy("bogus"); err == nil {
		t.Error("bogus write policy should be rejected")
	}
}

func TestUUIDEmptyMeansGenerate(t *testing.T) {
	got, err := UUID("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("UUID(\"\") = %q, want empty", got)
	}
}

func TestUUIDRejectsGarbage(t *testing.T) {
	if _, err := UUID("not-a-uuid"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}

func TestAbsolutePath(t *testing.T) {
	if _, err := AbsolutePath("relative/path"); err == nil {
		t.Error("relative path should be rejected")
	}
	if _, err := AbsolutePath("/dev/sdx"); err != nil {
		t.Errorf("absolute path should be accepted: %v", err)
	}
}
