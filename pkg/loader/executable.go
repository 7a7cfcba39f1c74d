package loader

import (
	"fmt"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/driver"
)

// Executable is a frozen, agent-bound, loaded instance of exactly one
// code object. It is owned by the executable table, immutable, never
// reloaded, and released only at process teardown.
type Executable struct {
	exec   driver.Executable
	agent  driver.Agent
	object types.ObjectID
}

// Agent returns the agent the executable is bound to.
func (e *Executable) Agent() driver.Agent {
	return e.agent
}

// ObjectID identifies the code object the executable was loaded from.
func (e *Executable) ObjectID() types.ObjectID {
	return e.object
}

// Symbols enumerates the symbols the executable exposes for its agent.
func (e *Executable) Symbols() ([]driver.Symbol, error) {
	return e.exec.Symbols(e.agent)
}

// Executables returns the executable table: per backed agent, one frozen
// executable for each code object matching the agent's ISA, in
// code-object-table order. An agent whose ISA has no code objects gets
// an empty list. Built once on first call; any create, link, validate,
// or freeze failure aborts construction and is returned, here and on
// every later call.
func (s *State) Executables() (map[driver.Agent][]*Executable, error) {
	s.execOnce.Do(s.buildExecutables)
	return s.execTable, s.execErr
}

func (s *State) buildExecutables() {
	table, err := s.CodeObjects()
	if err != nil {
		s.execErr = err
		return
	}

	execs := make(map[driver.Agent][]*Executable)
	for _, agent := range s.agents {
		// An agent whose ISA matches nothing gets an empty list.
		list := []*Executable{}
		for _, obj := range table[agent.ISA()] {
			e, err := s.buildExecutable(agent, obj)
			if err != nil {
				s.execErr = fmt.Errorf("agent %s, code object %s: %w",
					agent.Name(), shortID(obj), err)
				return
			}
			list = append(list, e)
		}
		execs[agent] = list
		s.log.Debug().
			Str("agent", agent.Name()).
			Str("isa", agent.ISA().String()).
			Int("executables", len(execs[agent])).
			Msg("executables loaded")
	}

	s.execTable = execs
}

// buildExecutable runs one code object through the full driver
// sequence: create, define pinned globals, load, validate, freeze. The
// executable never escapes unfrozen; any failure destroys it.
func (s *State) buildExecutable(agent driver.Agent, obj []byte) (*Executable, error) {
	raw, err := s.opts.Driver.CreateExecutable()
	if err != nil {
		return nil, fmt.Errorf("create executable: %w", err)
	}

	if err := s.linkGlobals(raw, agent, obj); err != nil {
		raw.Destroy()
		return nil, err
	}
	if err := raw.LoadCodeObject(agent, obj); err != nil {
		raw.Destroy()
		return nil, fmt.Errorf("load code object: %w", err)
	}
	if err := raw.Validate(); err != nil {
		raw.Destroy()
		return nil, fmt.Errorf("validate: %w", err)
	}
	if err := raw.Freeze(); err != nil {
		raw.Destroy()
		return nil, fmt.Errorf("freeze: %w", err)
	}

	return &Executable{
		exec:   raw,
		agent:  agent,
		object: types.HashObject(obj),
	}, nil
}
