package kmod

import "testing"

const sampleLsmod = `Module                  Size  Used by
kvdo                  409600  1
uds                   155648  1 kvdo
dm_mod                176128  9 kvdo
`

func TestInModuleTableFindsPresentModule(t *testing.T) {
	if !inModuleTable(sampleLsmod, "kvdo") {
		t.Error("expected kvdo to be found in the module table")
	}
	if !inModuleTable(sampleLsmod, "uds") {
		t.Error("expected uds to be found in the module table")
	}
}

func TestInModuleTableMissesAbsentModule(t *testing.T) {
	if inModuleTable(sampleLsmod, "kvdo_extra") {
		t.Error("did not expect kvdo_extra to be found")
	}
}

func TestInModuleTableDoesNotMatchSubstring(t *testing.T) {
	// "kvdo" must not match as a substring of "kvdo_extra" or vice versa:
	// the match is against the first whitespace-separated field only.
	if inModuleTable("kvdo_extra 4096 0\n", "kvdo") {
		t.Error("expected exact-field match, not substring match")
	}
}

func TestInModuleTableHandlesEmptyOutput(t *testing.T) {
	if inModuleTable("", "kvdo") {
		t.Error("expected no match against empty output")
	}
}

func TestModulesLoadOrder(t *testing.T) {
	if len(Modules) != 2 || Modules[0] != "uds" || Modules[1] != "kvdo" {
		t.Errorf("Modules = %v, want [uds kvdo] (uds must load before kvdo)", Modules)
	}
}
