// Package driver defines the interface to the accelerator driver runtime.
//
// The loader treats the driver as an external collaborator: it enumerates
// agents, creates and freezes executables, defines device-visible globals,
// and pins host memory for device access. Every call is fallible and no
// call is retried; callers propagate failures with operation context.
//
// pkg/driver/softdrv provides a pure-Go implementation used by tests,
// tooling, and the preflight daemon. A production HSA-backed driver plugs
// in behind the same interfaces.
package driver

import (
	"errors"

	"github.com/prism-hpc/prism/pkg/isa"
)

// Driver errors common to implementations.
var (
	// ErrFrozen is returned when mutating an executable after Freeze.
	ErrFrozen = errors.New("executable is frozen")

	// ErrNotFrozen is returned when using an executable that requires
	// freezing first.
	ErrNotFrozen = errors.New("executable is not frozen")

	// ErrDestroyed is returned when operating on a destroyed executable.
	ErrDestroyed = errors.New("executable destroyed")
)

// SymbolKind classifies a symbol exposed by a frozen executable.
type SymbolKind int

const (
	// SymbolKernel is a kernel entry point, dispatchable on the agent.
	SymbolKernel SymbolKind = iota

	// SymbolVariable is a device-resident global variable.
	SymbolVariable
)

// String returns a human-readable kind name.
func (k SymbolKind) String() string {
	switch k {
	case SymbolKernel:
		return "kernel"
	case SymbolVariable:
		return "variable"
	default:
		return "unknown"
	}
}

// Agent is one accelerator addressable by the driver.
type Agent interface {
	// Name is a human-readable device name.
	Name() string

	// ISA identifies the instruction set the agent executes. Code
	// objects are matched to agents by ISA equality.
	ISA() isa.ISA

	// Backed reports whether the agent is backed by the runtime this
	// loader addresses. Unbacked agents are filtered out before any
	// executable is built.
	Backed() bool
}

// Symbol is one entry in a frozen executable's symbol set.
type Symbol interface {
	// Name is the symbol name as exported by the code object.
	Name() string

	// Kind classifies the symbol; kernel dispatch only consumes
	// SymbolKernel entries.
	Kind() SymbolKind
}

// Pinned is a host memory range registered for direct device access.
type Pinned interface {
	// DeviceAddress is the address device code uses to reach the range.
	DeviceAddress() uintptr

	// Unpin releases the registration. Safe to call more than once;
	// only the first call has effect.
	Unpin() error
}

// Executable is a driver-level executable bound to one agent.
//
// Lifecycle: create → DefineGlobal (for every host-defined global the
// code object references) → LoadCodeObject → Validate → Freeze. The
// ordering matters: globals must be defined before the load that
// resolves them. After Freeze the executable is immutable; Symbols is
// only meaningful once frozen.
type Executable interface {
	// DefineGlobal registers a device-visible definition for a global
	// variable at the given address, for the given agent.
	DefineGlobal(agent Agent, name string, addr uintptr) error

	// LoadCodeObject loads a code-object blob into the executable for
	// the given agent.
	LoadCodeObject(agent Agent, obj []byte) error

	// Validate checks the executable's consistency before freezing.
	Validate() error

	// Freeze finalizes the executable. Irreversible; a frozen
	// executable cannot be mutated or reloaded.
	Freeze() error

	// Symbols enumerates the symbols the frozen executable exposes for
	// the agent, in the driver's iteration order.
	Symbols(agent Agent) ([]Symbol, error)

	// Destroy releases the executable. Safe to call more than once;
	// only the first call has effect.
	Destroy() error
}

// Driver is the accelerator runtime surface the loader consumes.
type Driver interface {
	// Agents enumerates all accelerators the runtime knows about,
	// including unbacked ones.
	Agents() ([]Agent, error)

	// CreateExecutable creates a new, empty, unfrozen executable.
	CreateExecutable() (Executable, error)

	// PinHostMemory registers a host memory range for device access and
	// returns the handle holding its device-visible address.
	PinHostMemory(addr uintptr, size uint64) (Pinned, error)
}
