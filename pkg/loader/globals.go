package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/prism-hpc/prism/pkg/driver"
	"github.com/prism-hpc/prism/pkg/hostsym"
)

// linkGlobals resolves every global the code object references but does
// not define: the host address of each is pinned for device access (at
// most once per name, process-wide) and registered on the executable as
// the symbol's device-visible definition. A name absent from the host
// symbol table is fatal.
func (s *State) linkGlobals(exec driver.Executable, agent driver.Agent, obj []byte) error {
	names, err := UndefinedGlobals(obj)
	if err != nil {
		return fmt.Errorf("read undefined symbols: %w", err)
	}
	if len(names) == 0 {
		return nil
	}

	hosts, err := s.hostSymbols()
	if err != nil {
		return fmt.Errorf("scan host symbols: %w", err)
	}

	for _, name := range names {
		p, err := s.pinGlobal(name, hosts)
		if err != nil {
			return err
		}
		if err := exec.DefineGlobal(agent, name, p.DeviceAddress()); err != nil {
			return fmt.Errorf("define global %s for agent %s: %w", name, agent.Name(), err)
		}
	}
	return nil
}

// pinGlobal returns the pinned host range backing a global, pinning it
// on first use. Fast path: a read-locked table hit. Slow path: look the
// name up on the host, take the write lock, re-check (another agent's
// construction may have just pinned it), then pin and insert. The
// re-check keeps pinning exactly-once per name for the process lifetime.
func (s *State) pinGlobal(name string, hosts *hostsym.Table) (driver.Pinned, error) {
	s.pinMu.RLock()
	p, ok := s.pins[name]
	s.pinMu.RUnlock()
	if ok {
		return p, nil
	}

	sym, ok := hosts.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedGlobal, name)
	}

	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	if p, ok := s.pins[name]; ok {
		return p, nil
	}

	p, err := s.opts.Driver.PinHostMemory(sym.Addr, sym.Size)
	if err != nil {
		return nil, fmt.Errorf("pin global %s (%d bytes at %#x): %w", name, sym.Size, sym.Addr, err)
	}
	s.pins[name] = p

	s.log.Debug().Str("symbol", name).Uint64("size", sym.Size).Msg("host global pinned")
	return p, nil
}

// UndefinedGlobals lists the symbol names a code object references but
// does not define, in symbol-table order, deduplicated. The dynamic
// symbol table is authoritative; objects without one fall back to the
// static table.
func UndefinedGlobals(obj []byte) ([]string, error) {
	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("parse code object: %w", err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.Symbols()
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	var (
		names []string
		seen  = make(map[string]bool)
	)
	for _, sym := range syms {
		if sym.Name == "" || sym.Section != elf.SHN_UNDEF {
			continue
		}
		if seen[sym.Name] {
			continue
		}
		seen[sym.Name] = true
		names = append(names, sym.Name)
	}
	return names, nil
}
