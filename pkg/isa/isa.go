// Package isa resolves offload-bundle entry IDs to accelerator ISA names.
//
// The compiler tags every code object inside a bundle with an entry ID of
// the form
//
//	<offload kind>-<arch>-<vendor>-<os>-<env>[-<target>]
//
// for example "hipv4-amdgcn-amd-amdhsa--gfx90a". The resolver maps such an
// ID to the ISA name the device runtime matches agents against
// ("amdgcn-amd-amdhsa--gfx90a"). Entries that do not describe a device ISA
// this runtime can address (host entries, foreign architectures, malformed
// IDs) resolve to None and are filtered out before code-object grouping.
package isa

import (
	"strings"
)

// ISA identifies an instruction-set architecture. Agents report their ISA
// under the same naming scheme, so matching is string equality.
type ISA string

// None is the reserved "does not resolve" value. It never appears as a
// code-object table key.
const None ISA = ""

// Offload kinds emitted by supported compilers.
var supportedKinds = map[string]bool{
	"hip":    true,
	"hipv4":  true,
	"hcc":    true,
	"openmp": true,
}

// Device triple fields this runtime addresses.
const (
	deviceArch   = "amdgcn"
	deviceVendor = "amd"
	deviceOS     = "amdhsa"
)

// EntryID is a parsed bundle entry ID.
type EntryID struct {
	// Kind is the offload kind ("hip", "hipv4", "hcc", "openmp", "host").
	Kind string

	// Arch, Vendor, OS, Env are the target triple fields.
	Arch   string
	Vendor string
	OS     string
	Env    string

	// Target is the processor name, possibly with ":feature" suffixes
	// (e.g. "gfx90a:xnack+").
	Target string
}

// ParseEntryID splits a raw entry ID into its fields. It performs no
// support checks; Resolve applies those. Returns false if the ID does not
// have enough fields to be an entry ID at all.
func ParseEntryID(s string) (EntryID, bool) {
	parts := strings.Split(s, "-")
	if len(parts) < 4 {
		return EntryID{}, false
	}

	id := EntryID{
		Kind:   parts[0],
		Arch:   parts[1],
		Vendor: parts[2],
		OS:     parts[3],
	}
	if len(parts) >= 5 {
		id.Env = parts[4]
	}
	if len(parts) >= 6 {
		// Target IDs may themselves contain '-' in feature strings; keep
		// the remainder intact.
		id.Target = strings.Join(parts[5:], "-")
	}
	return id, true
}

// Resolve maps a bundle entry ID to the ISA it targets, or None if the
// entry does not resolve to an ISA this runtime addresses.
//
// The contract is one-way: every entry ID emitted by a supported compiler
// for a supported device resolves; everything else maps to None. Resolve is
// pure and never fails.
func Resolve(entryID string) ISA {
	id, ok := ParseEntryID(entryID)
	if !ok {
		return None
	}

	if !supportedKinds[id.Kind] {
		return None
	}
	if id.Arch != deviceArch || id.Vendor != deviceVendor || id.OS != deviceOS {
		return None
	}
	if !validTarget(id.Target) {
		return None
	}

	return ISA(deviceArch + "-" + deviceVendor + "-" + deviceOS + "-" + id.Env + "-" + id.Target)
}

// validTarget reports whether s names a gfx processor, optionally followed
// by ":feature" flags (e.g. "gfx90a:xnack+:sramecc-").
func validTarget(s string) bool {
	if s == "" {
		return false
	}

	name, _, _ := strings.Cut(s, ":")
	if !strings.HasPrefix(name, "gfx") {
		return false
	}
	digits := name[len("gfx"):]
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsNone reports whether the ISA is the reserved unresolved value.
func (i ISA) IsNone() bool {
	return i == None
}

// Target returns the processor component of the ISA name, or "" for None.
func (i ISA) Target() string {
	s := string(i)
	idx := strings.LastIndex(s, "-")
	if idx < 0 || idx+1 >= len(s) {
		return ""
	}
	return s[idx+1:]
}

// String returns the ISA name.
func (i ISA) String() string {
	if i.IsNone() {
		return "<none>"
	}
	return string(i)
}
