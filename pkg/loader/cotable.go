package loader

import (
	"fmt"

	"github.com/prism-hpc/prism/pkg/isa"
)

// CodeObjects returns the process's code-object table: every bundled
// code object whose entry ID resolves to a known ISA, grouped by that
// ISA in discovery order. Built once on first call; entries whose ID
// does not resolve never enter the table.
func (s *State) CodeObjects() (map[isa.ISA][][]byte, error) {
	s.coOnce.Do(s.buildCodeObjects)
	return s.coTable, s.coErr
}

func (s *State) buildCodeObjects() {
	containers, err := s.opts.Bundles()
	if err != nil {
		s.coErr = fmt.Errorf("discover bundles: %w", err)
		return
	}

	table := make(map[isa.ISA][][]byte)
	entries, dropped := 0, 0
	for _, c := range containers {
		for _, e := range c.Entries {
			entries++
			target := isa.Resolve(e.ID)
			if target.IsNone() {
				// Unsupported target, not an error.
				dropped++
				continue
			}
			table[target] = append(table[target], e.Object)
		}
	}

	s.log.Debug().
		Int("containers", len(containers)).
		Int("entries", entries).
		Int("unsupported", dropped).
		Int("isas", len(table)).
		Msg("code-object table built")

	s.coTable = table
}
