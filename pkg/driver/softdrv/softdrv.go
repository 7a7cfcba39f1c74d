// Package softdrv is a pure-Go, in-process implementation of the driver
// interface.
//
// It backs tests, the bundle inspection CLI, and the preflight daemon,
// where no real accelerator hardware is present. Agents are declared by
// the caller; executables parse their loaded code object with debug/elf
// and expose its defined global functions as kernel symbols; pinning
// records the host range and reports the host address back as the
// device-visible address (a shared-address-space device).
//
// The driver enforces the same ordering rules a real runtime does:
// globals are defined before the code-object load that resolves them,
// loading into a frozen executable is rejected, freezing is irreversible,
// and zero-sized pins are invalid. A process-wide pin counter is
// observable so tests can assert exactly-once pinning.
package softdrv

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prism-hpc/prism/pkg/driver"
	"github.com/prism-hpc/prism/pkg/isa"
)

// Driver errors.
var (
	ErrZeroSizePin      = errors.New("cannot pin zero-sized range")
	ErrDuplicateGlobal  = errors.New("global already defined")
	ErrUnresolvedGlobal = errors.New("unresolved global in code object")
	ErrBadCodeObject    = errors.New("malformed code object")
	ErrNoCodeObject     = errors.New("no code object loaded")
	ErrNilAgent         = errors.New("nil agent")
)

// AgentSpec declares one software agent.
type AgentSpec struct {
	// Name is the agent's device name.
	Name string

	// ISA is the instruction set the agent reports.
	ISA isa.ISA

	// Unbacked declares an agent the runtime does not back; the loader
	// filters such agents out.
	Unbacked bool
}

// Driver is the software driver. Safe for concurrent use.
type Driver struct {
	agents []driver.Agent

	// pinCount counts PinHostMemory calls across the driver's lifetime.
	pinCount atomic.Int64
}

// New creates a software driver with the given agents.
func New(specs ...AgentSpec) *Driver {
	d := &Driver{}
	for _, s := range specs {
		d.agents = append(d.agents, &agent{
			name:   s.Name,
			isa:    s.ISA,
			backed: !s.Unbacked,
		})
	}
	return d
}

// Agents returns all declared agents, backed or not.
func (d *Driver) Agents() ([]driver.Agent, error) {
	out := make([]driver.Agent, len(d.agents))
	copy(out, d.agents)
	return out, nil
}

// CreateExecutable creates a new, empty, unfrozen executable.
func (d *Driver) CreateExecutable() (driver.Executable, error) {
	return &executable{
		globals: make(map[string]uintptr),
	}, nil
}

// PinHostMemory registers a host range and returns its handle. The
// device-visible address equals the host address.
func (d *Driver) PinHostMemory(addr uintptr, size uint64) (driver.Pinned, error) {
	if size == 0 {
		return nil, ErrZeroSizePin
	}
	d.pinCount.Add(1)
	return &pinned{addr: addr, size: size}, nil
}

// PinCount reports how many times PinHostMemory has been called.
func (d *Driver) PinCount() int64 {
	return d.pinCount.Load()
}

// agent is a declared software agent.
type agent struct {
	name   string
	isa    isa.ISA
	backed bool
}

func (a *agent) Name() string { return a.name }
func (a *agent) ISA() isa.ISA { return a.isa }
func (a *agent) Backed() bool { return a.backed }

// pinned is a registered host range.
type pinned struct {
	addr     uintptr
	size     uint64
	unpinned atomic.Bool
}

func (p *pinned) DeviceAddress() uintptr { return p.addr }

func (p *pinned) Unpin() error {
	// Release exactly once; later calls are no-ops.
	p.unpinned.CompareAndSwap(false, true)
	return nil
}

// symbol is one symbol of a frozen executable.
type symbol struct {
	name string
	kind driver.SymbolKind
}

func (s *symbol) Name() string            { return s.name }
func (s *symbol) Kind() driver.SymbolKind { return s.kind }

// executable is a software executable.
type executable struct {
	mu        sync.Mutex
	globals   map[string]uintptr
	symbols   []driver.Symbol
	loaded    int
	frozen    bool
	destroyed atomic.Bool
}

// DefineGlobal registers a device-visible global definition.
func (e *executable) DefineGlobal(agent driver.Agent, name string, addr uintptr) error {
	if agent == nil {
		return ErrNilAgent
	}
	if e.destroyed.Load() {
		return driver.ErrDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return driver.ErrFrozen
	}
	if _, ok := e.globals[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateGlobal, name)
	}
	e.globals[name] = addr
	return nil
}

// LoadCodeObject parses the blob and records its exported symbols. Every
// undefined global in the code object must already have a definition.
func (e *executable) LoadCodeObject(agent driver.Agent, obj []byte) error {
	if agent == nil {
		return ErrNilAgent
	}
	if e.destroyed.Load() {
		return driver.ErrDestroyed
	}

	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCodeObject, err)
	}
	defer f.Close()

	syms, err := codeObjectSymbols(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCodeObject, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return driver.ErrFrozen
	}

	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			if _, ok := e.globals[s.Name]; !ok {
				return fmt.Errorf("%w: %s", ErrUnresolvedGlobal, s.Name)
			}
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			e.symbols = append(e.symbols, &symbol{name: s.Name, kind: driver.SymbolKernel})
		case elf.STT_OBJECT:
			e.symbols = append(e.symbols, &symbol{name: s.Name, kind: driver.SymbolVariable})
		}
	}

	e.loaded++
	return nil
}

// Validate checks the executable can be frozen.
func (e *executable) Validate() error {
	if e.destroyed.Load() {
		return driver.ErrDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded == 0 {
		return ErrNoCodeObject
	}
	return nil
}

// Freeze finalizes the executable. Freezing twice is an error.
func (e *executable) Freeze() error {
	if e.destroyed.Load() {
		return driver.ErrDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return driver.ErrFrozen
	}
	e.frozen = true
	return nil
}

// Symbols enumerates the frozen executable's symbols in load order.
func (e *executable) Symbols(agent driver.Agent) ([]driver.Symbol, error) {
	if agent == nil {
		return nil, ErrNilAgent
	}
	if e.destroyed.Load() {
		return nil, driver.ErrDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.frozen {
		return nil, driver.ErrNotFrozen
	}
	out := make([]driver.Symbol, len(e.symbols))
	copy(out, e.symbols)
	return out, nil
}

// Destroy releases the executable exactly once.
func (e *executable) Destroy() error {
	e.destroyed.CompareAndSwap(false, true)
	return nil
}

// codeObjectSymbols reads the code object's dynamic symbol table, falling
// back to the static one when no dynsym is present.
func codeObjectSymbols(f *elf.File) ([]elf.Symbol, error) {
	syms, err := f.DynamicSymbols()
	if err == nil && len(syms) > 0 {
		return syms, nil
	}
	syms, err = f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	return syms, err
}
