// Package hostsym builds the host global-symbol table.
//
// Device code references global variables that live in host memory. To
// link them, the loader needs every globally visible data-object symbol
// of the running process: the main executable's plus those of every
// shared object the dynamic loader mapped in. The scanner walks each
// image's static symbol table and records name, address, and size,
// applying the module's load bias for everything but the main image.
//
// A program defining the same symbol name in several modules keeps the
// first definition seen, in load order.
package hostsym

import (
	"debug/elf"
	"fmt"

	"github.com/prism-hpc/prism/internal/modules"
)

// Symbol is one host-defined global data object.
type Symbol struct {
	// Addr is the symbol's address in this process, load bias applied.
	Addr uintptr

	// Size is the object's size in bytes.
	Size uint64
}

// Table maps global symbol names to their host location. Immutable once
// built; safe for concurrent reads.
type Table struct {
	syms map[string]Symbol
}

// Lookup returns the host location of a global symbol.
func (t *Table) Lookup(name string) (Symbol, bool) {
	s, ok := t.syms[name]
	return s, ok
}

// Len reports how many symbols the table holds.
func (t *Table) Len() int {
	return len(t.syms)
}

// Scan builds a table from the given images, first image first. Images
// that cannot be parsed, or that carry no symbol table, contribute
// nothing. Duplicate names across images are first-writer-wins.
func Scan(images []modules.Image) *Table {
	t := &Table{syms: make(map[string]Symbol)}
	for _, img := range images {
		scanImage(t, img)
	}
	return t
}

// ScanProcess builds the table from the running process: the main image
// first, then every loaded module in load order.
func ScanProcess() (*Table, error) {
	images, err := modules.Loaded()
	if err != nil {
		return nil, fmt.Errorf("enumerate images: %w", err)
	}
	return Scan(images), nil
}

// scanImage merges one image's global data-object symbols into the table.
func scanImage(t *Table, img modules.Image) {
	path := img.Path
	if img.Main {
		path = modules.SelfExePath
	}

	f, err := elf.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return
	}

	// The main image's symbol values are already process addresses; a
	// shared object's are image-relative and need its mapped base added.
	var bias uint64
	if !img.Main {
		bias = img.Base
	}

	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, ok := t.syms[s.Name]; ok {
			// First writer wins across modules.
			continue
		}
		t.syms[s.Name] = Symbol{
			Addr: uintptr(s.Value + bias),
			Size: s.Size,
		}
	}
}
