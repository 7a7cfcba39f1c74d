package loader

import (
	"fmt"

	"github.com/prism-hpc/prism/pkg/driver"
)

// Kernels returns the kernel-symbol table: per backed agent, every
// kernel entry point found across the agent's frozen executables,
// preserving per-executable iteration order. Built once on first call,
// after the executable table it derives from.
func (s *State) Kernels() (map[driver.Agent][]driver.Symbol, error) {
	s.kernOnce.Do(s.buildKernels)
	return s.kernTable, s.kernErr
}

func (s *State) buildKernels() {
	execs, err := s.Executables()
	if err != nil {
		s.kernErr = err
		return
	}

	table := make(map[driver.Agent][]driver.Symbol)
	for _, agent := range s.agents {
		var kernels []driver.Symbol
		for _, e := range execs[agent] {
			syms, err := e.Symbols()
			if err != nil {
				s.kernErr = fmt.Errorf("enumerate symbols of %s executable %s: %w",
					agent.Name(), e.object.Short(), err)
				return
			}
			for _, sym := range syms {
				if sym.Kind() == driver.SymbolKernel {
					kernels = append(kernels, sym)
				}
			}
		}
		table[agent] = kernels

		s.log.Debug().
			Str("agent", agent.Name()).
			Int("kernels", len(kernels)).
			Msg("kernel symbols indexed")
	}

	s.kernTable = table
}
