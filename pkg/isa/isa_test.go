package isa

import (
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  ISA
	}{
		{"hipv4", "hipv4-amdgcn-amd-amdhsa--gfx90a", "amdgcn-amd-amdhsa--gfx90a"},
		{"hip", "hip-amdgcn-amd-amdhsa--gfx906", "amdgcn-amd-amdhsa--gfx906"},
		{"hcc", "hcc-amdgcn-amd-amdhsa--gfx900", "amdgcn-amd-amdhsa--gfx900"},
		{"openmp", "openmp-amdgcn-amd-amdhsa--gfx1030", "amdgcn-amd-amdhsa--gfx1030"},
		{"target features kept", "hipv4-amdgcn-amd-amdhsa--gfx90a:xnack+", "amdgcn-amd-amdhsa--gfx90a:xnack+"},
		{"multiple features", "hipv4-amdgcn-amd-amdhsa--gfx90a:xnack+:sramecc-", "amdgcn-amd-amdhsa--gfx90a:xnack+:sramecc-"},

		{"host entry", "host-x86_64-unknown-linux-gnu", None},
		{"unknown kind", "sycl-amdgcn-amd-amdhsa--gfx90a", None},
		{"foreign arch", "hipv4-nvptx64-nvidia-cuda--sm_70", None},
		{"wrong vendor", "hipv4-amdgcn-intel-amdhsa--gfx90a", None},
		{"wrong os", "hipv4-amdgcn-amd-linux--gfx90a", None},
		{"missing target", "hipv4-amdgcn-amd-amdhsa-", None},
		{"no gfx prefix", "hipv4-amdgcn-amd-amdhsa--cortex", None},
		{"bare gfx", "hipv4-amdgcn-amd-amdhsa--gfx", None},
		{"non-hex suffix", "hipv4-amdgcn-amd-amdhsa--gfx90z", None},
		{"empty", "", None},
		{"too few fields", "hipv4-amdgcn", None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.entry); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.entry, got, tt.want)
			}
		})
	}
}

func TestParseEntryID(t *testing.T) {
	id, ok := ParseEntryID("hipv4-amdgcn-amd-amdhsa--gfx90a")
	if !ok {
		t.Fatal("ParseEntryID failed")
	}
	if id.Kind != "hipv4" || id.Arch != "amdgcn" || id.Vendor != "amd" || id.OS != "amdhsa" {
		t.Errorf("parsed = %+v", id)
	}
	if id.Env != "" {
		t.Errorf("Env = %q, want empty", id.Env)
	}
	if id.Target != "gfx90a" {
		t.Errorf("Target = %q, want gfx90a", id.Target)
	}

	if _, ok := ParseEntryID("a-b-c"); ok {
		t.Error("ParseEntryID accepted a three-field ID")
	}
}

func TestParseEntryIDDashInTarget(t *testing.T) {
	id, ok := ParseEntryID("hipv4-amdgcn-amd-amdhsa--gfx90a:sramecc-")
	if !ok {
		t.Fatal("ParseEntryID failed")
	}
	if id.Target != "gfx90a:sramecc-" {
		t.Errorf("Target = %q", id.Target)
	}
}

func TestISAMethods(t *testing.T) {
	target := ISA("amdgcn-amd-amdhsa--gfx90a")
	if target.IsNone() {
		t.Error("resolved ISA reported as None")
	}
	if target.Target() != "gfx90a" {
		t.Errorf("Target() = %q", target.Target())
	}
	if target.String() != "amdgcn-amd-amdhsa--gfx90a" {
		t.Errorf("String() = %q", target.String())
	}

	if !None.IsNone() {
		t.Error("None.IsNone() = false")
	}
	if None.String() != "<none>" {
		t.Errorf("None.String() = %q", None.String())
	}
	if None.Target() != "" {
		t.Errorf("None.Target() = %q", None.Target())
	}
}
