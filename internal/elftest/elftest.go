// Package elftest builds minimal synthetic ELF64 images for tests.
//
// The produced bytes are valid little-endian ELF64 files that debug/elf
// can parse: a header, the declared sections, optional .symtab/.dynsym
// with their string tables, and a section header table. No program
// headers are emitted; nothing here is runnable, it only has to survive
// section and symbol introspection.
package elftest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// ELF constants used by the builder.
const (
	etDyn  = 3
	emX86  = 62  // x86-64, stands in for a host image
	emAMD  = 224 // AMDGPU, stands in for a device code object

	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtDynsym   = 11

	shnUndef = 0
	shnAbs   = 0xfff1

	stbGlobal = 1

	symSize = 24
	ehSize  = 64
	shSize  = 64
)

// Symbol types, mirroring elf.STT_*.
const (
	STTNotype = 0
	STTObject = 1
	STTFunc   = 2
)

// Sym describes one symbol table entry. Binding is always global.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Type  uint8

	// Undefined emits the symbol with section index SHN_UNDEF; defined
	// symbols use SHN_ABS.
	Undefined bool
}

// Section describes one SHT_PROGBITS section with raw contents.
type Section struct {
	Name string
	Data []byte
}

// Spec describes the image to build.
type Spec struct {
	// Machine is the ELF machine type; defaults to x86-64 (a host image).
	// Use DeviceMachine for code-object fixtures.
	Machine uint16

	// Sections are emitted in order as SHT_PROGBITS.
	Sections []Section

	// Symtab entries go into a .symtab/.strtab pair.
	Symtab []Sym

	// Dynsym entries go into a .dynsym/.dynstr pair.
	Dynsym []Sym
}

// DeviceMachine is the machine value for device code-object fixtures.
const DeviceMachine = emAMD

type section struct {
	name    string
	typ     uint32
	link    uint32
	entsize uint64
	data    []byte
}

// Build assembles the image described by spec.
func Build(spec Spec) []byte {
	machine := spec.Machine
	if machine == 0 {
		machine = emX86
	}

	// Section list: null, user sections, symtab pairs, shstrtab last.
	sections := []section{{}}
	for _, s := range spec.Sections {
		sections = append(sections, section{name: s.Name, typ: shtProgbits, data: s.Data})
	}

	if len(spec.Symtab) > 0 {
		symData, strData := buildSymtab(spec.Symtab)
		strIdx := uint32(len(sections) + 1)
		sections = append(sections,
			section{name: ".symtab", typ: shtSymtab, link: strIdx, entsize: symSize, data: symData},
			section{name: ".strtab", typ: shtStrtab, data: strData},
		)
	}
	if len(spec.Dynsym) > 0 {
		symData, strData := buildSymtab(spec.Dynsym)
		strIdx := uint32(len(sections) + 1)
		sections = append(sections,
			section{name: ".dynsym", typ: shtDynsym, link: strIdx, entsize: symSize, data: symData},
			section{name: ".dynstr", typ: shtStrtab, data: strData},
		)
	}

	// Section name string table.
	shstr := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections[1:] {
		nameOff[i+1] = uint32(len(shstr))
		shstr = append(shstr, s.name...)
		shstr = append(shstr, 0)
	}
	shstrOff := uint32(len(shstr))
	shstr = append(shstr, ".shstrtab"...)
	shstr = append(shstr, 0)
	shstrNdx := len(sections)
	sections = append(sections, section{name: ".shstrtab", typ: shtStrtab, data: shstr})
	nameOff = append(nameOff, shstrOff)

	// Lay out section contents after the header.
	offset := uint64(ehSize)
	offsets := make([]uint64, len(sections))
	for i := 1; i < len(sections); i++ {
		offsets[i] = offset
		offset += uint64(len(sections[i].data))
	}
	shOff := offset

	buf := new(bytes.Buffer)

	// ELF header.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	le := binary.LittleEndian
	writeU16(buf, le, etDyn)
	writeU16(buf, le, machine)
	writeU32(buf, le, 1)           // version
	writeU64(buf, le, 0)           // entry
	writeU64(buf, le, 0)           // phoff
	writeU64(buf, le, shOff)       // shoff
	writeU32(buf, le, 0)           // flags
	writeU16(buf, le, ehSize)      // ehsize
	writeU16(buf, le, 0)           // phentsize
	writeU16(buf, le, 0)           // phnum
	writeU16(buf, le, shSize)      // shentsize
	writeU16(buf, le, uint16(len(sections)))
	writeU16(buf, le, uint16(shstrNdx))

	// Section contents.
	for _, s := range sections[1:] {
		buf.Write(s.data)
	}

	// Section header table.
	for i, s := range sections {
		writeU32(buf, le, nameOff[i])
		writeU32(buf, le, s.typ)
		writeU64(buf, le, 0) // flags
		writeU64(buf, le, 0) // addr
		writeU64(buf, le, offsets[i])
		writeU64(buf, le, uint64(len(s.data)))
		writeU32(buf, le, s.link)
		writeU32(buf, le, 0) // info
		writeU64(buf, le, 1) // addralign
		writeU64(buf, le, s.entsize)
	}

	return buf.Bytes()
}

// WriteFile builds the image and writes it into t.TempDir, returning its
// path.
func WriteFile(t *testing.T, name string, spec Spec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, Build(spec), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// buildSymtab serializes symbols (after the mandatory null entry) and
// their string table.
func buildSymtab(syms []Sym) (symData, strData []byte) {
	strData = []byte{0}
	buf := new(bytes.Buffer)
	le := binary.LittleEndian

	// Null symbol.
	buf.Write(make([]byte, symSize))

	for _, s := range syms {
		nameOff := uint32(len(strData))
		strData = append(strData, s.Name...)
		strData = append(strData, 0)

		shndx := uint16(shnAbs)
		if s.Undefined {
			shndx = shnUndef
		}

		writeU32(buf, le, nameOff)
		buf.WriteByte(stbGlobal<<4 | (s.Type & 0xf))
		buf.WriteByte(0) // other
		writeU16(buf, le, shndx)
		writeU64(buf, le, s.Value)
		writeU64(buf, le, s.Size)
	}

	return buf.Bytes(), strData
}

func writeU16(buf *bytes.Buffer, le binary.ByteOrder, v uint16) {
	var b [2]byte
	le.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, le binary.ByteOrder, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, le binary.ByteOrder, v uint64) {
	var b [8]byte
	le.PutUint64(b[:], v)
	buf.Write(b[:])
}
