// Package loader builds the process-wide device-code tables.
//
// On first demand it extracts the offload bundles embedded in the host
// binary and its loaded shared objects, groups the code objects by ISA,
// builds one frozen driver executable per code object matching each
// agent's ISA, links host-defined globals into device space, and indexes
// the kernel entry points every frozen executable exposes. Each table is
// built at most once behind its own gate; after construction it is
// immutable and read without synchronization. A construction failure is
// cached for the lifetime of the State: repeated access returns the
// original error, construction is never silently re-attempted.
//
// Kernel dispatch consumes these tables through the process-wide
// accessor Program; tests build private States through New.
package loader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/driver"
	"github.com/prism-hpc/prism/pkg/hostsym"
	"github.com/prism-hpc/prism/pkg/isa"
)

// Loader errors.
var (
	// ErrNoDriver is returned when no driver is configured.
	ErrNoDriver = errors.New("no driver configured")

	// ErrUndefinedGlobal is returned when device code references a
	// global that no host module defines. Fatal for the executable
	// table being built.
	ErrUndefinedGlobal = errors.New("undefined global symbol")
)

// Options configures a State.
type Options struct {
	// Driver is the accelerator runtime. Required.
	Driver driver.Driver

	// Cache, when set, is consulted during bundle extraction by image
	// digest.
	Cache bundle.Cache

	// Bundles overrides bundle discovery. Defaults to scanning the
	// running process's images.
	Bundles func() ([]*bundle.Container, error)

	// HostSymbols overrides host symbol discovery. Defaults to scanning
	// the running process's images.
	HostSymbols func() (*hostsym.Table, error)

	// Logger receives construction summaries at debug level. The zero
	// value is silent.
	Logger zerolog.Logger
}

// State owns the lazily built device-code tables for one driver.
//
// All methods are safe for concurrent use. The first caller to request a
// table constructs it while concurrent callers block; every later caller
// reads the completed table without blocking.
type State struct {
	opts   Options
	log    zerolog.Logger
	agents []driver.Agent

	coOnce  sync.Once
	coTable map[isa.ISA][][]byte
	coErr   error

	symOnce  sync.Once
	symTable *hostsym.Table
	symErr   error

	execOnce  sync.Once
	execTable map[driver.Agent][]*Executable
	execErr   error

	kernOnce  sync.Once
	kernTable map[driver.Agent][]driver.Symbol
	kernErr   error

	// pins maps global symbol names to their pinned host ranges. Reads
	// take the read lock; inserts re-check under the write lock so a
	// name is pinned at most once process-wide.
	pinMu sync.RWMutex
	pins  map[string]driver.Pinned
}

// New creates a State for the given driver, filtering its agents to the
// ones backed by the runtime this loader addresses.
func New(opts Options) (*State, error) {
	if opts.Driver == nil {
		return nil, ErrNoDriver
	}
	if opts.Bundles == nil {
		ex := &bundle.Extractor{Cache: opts.Cache}
		opts.Bundles = ex.ScanProcess
	}
	if opts.HostSymbols == nil {
		opts.HostSymbols = hostsym.ScanProcess
	}

	all, err := opts.Driver.Agents()
	if err != nil {
		return nil, fmt.Errorf("enumerate agents: %w", err)
	}
	var agents []driver.Agent
	for _, a := range all {
		if a.Backed() {
			agents = append(agents, a)
		}
	}

	return &State{
		opts:   opts,
		log:    opts.Logger,
		agents: agents,
		pins:   make(map[string]driver.Pinned),
	}, nil
}

// Agents returns the filtered agent list.
func (s *State) Agents() []driver.Agent {
	out := make([]driver.Agent, len(s.agents))
	copy(out, s.agents)
	return out
}

// hostSymbols builds the host symbol table on first use.
func (s *State) hostSymbols() (*hostsym.Table, error) {
	s.symOnce.Do(func() {
		s.symTable, s.symErr = s.opts.HostSymbols()
		if s.symErr == nil {
			s.log.Debug().Int("symbols", s.symTable.Len()).Msg("host symbol table built")
		}
	})
	return s.symTable, s.symErr
}

// Process-wide singleton, constructed on first access to Program with
// the options registered through SetDefault.
var (
	defaultMu   sync.Mutex
	defaultOpts Options
	haveDefault bool

	programOnce sync.Once
	programVal  *State
	programErr  error
)

// SetDefault registers the options the process-wide State is built with.
// It must be called before the first call to Program; later calls have
// no effect on an already-constructed singleton.
func SetDefault(opts Options) {
	defaultMu.Lock()
	defaultOpts = opts
	haveDefault = true
	defaultMu.Unlock()
}

// Program returns the process-wide State, constructing it on first call.
// The State lives until process exit; there is no teardown API. A
// construction failure is permanent for the process.
func Program() (*State, error) {
	programOnce.Do(func() {
		defaultMu.Lock()
		opts, ok := defaultOpts, haveDefault
		defaultMu.Unlock()

		if !ok {
			programErr = ErrNoDriver
			return
		}
		programVal, programErr = New(opts)
	})
	return programVal, programErr
}

// shortID renders a code object's content ID for error context.
func shortID(obj []byte) string {
	return types.HashObject(obj).Short()
}
