package loader

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prism-hpc/prism/internal/elftest"
	"github.com/prism-hpc/prism/internal/modules"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/driver"
	"github.com/prism-hpc/prism/pkg/driver/softdrv"
	"github.com/prism-hpc/prism/pkg/hostsym"
	"github.com/prism-hpc/prism/pkg/isa"
)

const (
	isa90a = isa.ISA("amdgcn-amd-amdhsa--gfx90a")
	isa906 = isa.ISA("amdgcn-amd-amdhsa--gfx906")

	triple90a = "hipv4-amdgcn-amd-amdhsa--gfx90a"
	triple906 = "hipv4-amdgcn-amd-amdhsa--gfx906"
)

// deviceObject builds a device code object exposing the given kernels
// and referencing the given undefined globals.
func deviceObject(t *testing.T, kernels []string, globals ...string) []byte {
	t.Helper()
	var syms []elftest.Sym
	for i, k := range kernels {
		syms = append(syms, elftest.Sym{Name: k, Type: elftest.STTFunc, Value: uint64(0x1000 * (i + 1)), Size: 64})
	}
	for _, g := range globals {
		syms = append(syms, elftest.Sym{Name: g, Type: elftest.STTObject, Undefined: true})
	}
	return elftest.Build(elftest.Spec{
		Machine: elftest.DeviceMachine,
		Dynsym:  syms,
	})
}

// hostTable builds a host symbol table from a synthetic host image.
func hostTable(t *testing.T, syms ...elftest.Sym) func() (*hostsym.Table, error) {
	t.Helper()
	path := elftest.WriteFile(t, "host", elftest.Spec{Symtab: syms})
	table := hostsym.Scan([]modules.Image{{Path: path}})
	return func() (*hostsym.Table, error) { return table, nil }
}

// staticBundles serves fixed containers.
func staticBundles(containers ...*bundle.Container) func() ([]*bundle.Container, error) {
	return func() ([]*bundle.Container, error) { return containers, nil }
}

func TestNewRequiresDriver(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoDriver) {
		t.Errorf("New error = %v, want ErrNoDriver", err)
	}
}

func TestUnbackedAgentsFiltered(t *testing.T) {
	drv := softdrv.New(
		softdrv.AgentSpec{Name: "gfx0", ISA: isa90a},
		softdrv.AgentSpec{Name: "cpu0", Unbacked: true},
	)
	s, err := New(Options{
		Driver:      drv,
		Bundles:     staticBundles(),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	agents := s.Agents()
	if len(agents) != 1 || agents[0].Name() != "gfx0" {
		t.Errorf("agents = %v, want [gfx0]", agents)
	}
}

// A container holding a resolvable 16-byte entry and an unresolvable
// 8-byte entry yields a table with exactly one key and the 16-byte blob.
func TestCodeObjectTableFiltersUnresolvable(t *testing.T) {
	blob16 := make([]byte, 16)
	for i := range blob16 {
		blob16[i] = byte(i)
	}
	c := &bundle.Container{Entries: []bundle.Entry{
		{ID: triple90a, Object: blob16},
		{ID: "host-x86_64-unknown-linux-gnu", Object: make([]byte, 8)},
	}}

	s, err := New(Options{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a}),
		Bundles:     staticBundles(c),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	table, err := s.CodeObjects()
	if err != nil {
		t.Fatalf("CodeObjects failed: %v", err)
	}
	if len(table) != 1 {
		t.Fatalf("table has %d keys, want 1", len(table))
	}
	objs := table[isa90a]
	if len(objs) != 1 || len(objs[0]) != 16 {
		t.Fatalf("table[%s] = %d objects, want one 16-byte blob", isa90a, len(objs))
	}
	if objs[0][3] != 3 {
		t.Error("blob contents mangled")
	}
}

// End-to-end: a code object requiring "counter" links against the host
// definition and freezes with the global defined at the pinned (host)
// address; a second agent reuses the pin.
func TestExecutablesLinkHostGlobals(t *testing.T) {
	obj := deviceObject(t, []string{"vec_add"}, "counter")
	drv := softdrv.New(
		softdrv.AgentSpec{Name: "gfx0", ISA: isa90a},
		softdrv.AgentSpec{Name: "gfx1", ISA: isa906},
	)

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
			{ID: triple906, Object: obj},
		}}),
		HostSymbols: hostTable(t,
			elftest.Sym{Name: "counter", Type: elftest.STTObject, Value: 0x601000, Size: 4},
		),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	execs, err := s.Executables()
	if err != nil {
		t.Fatalf("Executables failed: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("executable table has %d agents, want 2", len(execs))
	}
	for agent, list := range execs {
		if len(list) != 1 {
			t.Errorf("agent %s has %d executables, want 1", agent.Name(), len(list))
		}
	}

	// Both agents referenced "counter"; it was pinned exactly once, at
	// the host symbol's address.
	if drv.PinCount() != 1 {
		t.Errorf("pin count = %d, want 1", drv.PinCount())
	}
	p, ok := s.pins["counter"]
	if !ok {
		t.Fatal("counter not in pinned-global table")
	}
	if p.DeviceAddress() != 0x601000 {
		t.Errorf("pinned address = %#x, want 0x601000", p.DeviceAddress())
	}
}

// An agent whose ISA matches no code object gets an empty executable
// list, not an error.
func TestAgentWithoutMatchingObjects(t *testing.T) {
	obj := deviceObject(t, []string{"k"})
	drv := softdrv.New(
		softdrv.AgentSpec{Name: "gfx0", ISA: isa90a},
		softdrv.AgentSpec{Name: "gfx1", ISA: isa906},
	)

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
		}}),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	execs, err := s.Executables()
	if err != nil {
		t.Fatalf("Executables failed: %v", err)
	}

	for agent, list := range execs {
		want := 0
		if agent.ISA() == isa90a {
			want = 1
		}
		if len(list) != want {
			t.Errorf("agent %s has %d executables, want %d", agent.Name(), len(list), want)
		}
	}
}

// A device-referenced global absent from the host symbol table fails
// construction with an error naming the symbol, and the failure is
// permanent: repeat access returns the same error.
func TestUndefinedGlobalIsFatal(t *testing.T) {
	obj := deviceObject(t, []string{"k"}, "missing_var")
	drv := softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a})

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
		}}),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	execs, err := s.Executables()
	if !errors.Is(err, ErrUndefinedGlobal) {
		t.Fatalf("Executables error = %v, want ErrUndefinedGlobal", err)
	}
	if !strings.Contains(err.Error(), "missing_var") {
		t.Errorf("error %q does not name missing_var", err)
	}
	if execs != nil {
		t.Error("failed construction still produced a table")
	}

	// No pin happened, no executable escaped.
	if drv.PinCount() != 0 {
		t.Errorf("pin count = %d, want 0", drv.PinCount())
	}

	// Construction is not re-attempted.
	_, err2 := s.Executables()
	if !errors.Is(err2, ErrUndefinedGlobal) {
		t.Errorf("second Executables error = %v, want cached ErrUndefinedGlobal", err2)
	}

	// The kernel table inherits the failure.
	if _, err := s.Kernels(); !errors.Is(err, ErrUndefinedGlobal) {
		t.Errorf("Kernels error = %v, want ErrUndefinedGlobal", err)
	}
}

// Concurrent construction across agents sharing a global pins it exactly
// once.
func TestExactlyOncePinningUnderConcurrency(t *testing.T) {
	obj := deviceObject(t, []string{"k"}, "shared_global")
	drv := softdrv.New(
		softdrv.AgentSpec{Name: "gfx0", ISA: isa90a},
		softdrv.AgentSpec{Name: "gfx1", ISA: isa906},
	)

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
			{ID: triple906, Object: obj},
		}}),
		HostSymbols: hostTable(t,
			elftest.Sym{Name: "shared_global", Type: elftest.STTObject, Value: 0x700000, Size: 64},
		),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const callers = 16
	var (
		start sync.WaitGroup
		done  sync.WaitGroup
	)
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			start.Wait()
			if _, err := s.Executables(); err != nil {
				t.Errorf("Executables failed: %v", err)
			}
		}()
	}
	start.Done()
	done.Wait()

	if drv.PinCount() != 1 {
		t.Errorf("pin count = %d, want 1", drv.PinCount())
	}
}

func TestKernelTable(t *testing.T) {
	obj := deviceObject(t, []string{"alpha", "beta"})
	drv := softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a})

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
		}}),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	kernels, err := s.Kernels()
	if err != nil {
		t.Fatalf("Kernels failed: %v", err)
	}
	if len(kernels) != 1 {
		t.Fatalf("kernel table has %d agents, want 1", len(kernels))
	}

	for _, list := range kernels {
		if len(list) != 2 {
			t.Fatalf("got %d kernels, want 2", len(list))
		}
		// Per-executable iteration order is preserved.
		if list[0].Name() != "alpha" || list[1].Name() != "beta" {
			t.Errorf("kernels = %s, %s; want alpha, beta", list[0].Name(), list[1].Name())
		}
		for _, k := range list {
			if k.Kind() != driver.SymbolKernel {
				t.Errorf("kernel %s has kind %s", k.Name(), k.Kind())
			}
		}
	}
}

// Two sequential accesses observe identical table contents.
func TestTablesAreIdempotent(t *testing.T) {
	obj := deviceObject(t, []string{"k"})
	drv := softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a})

	s, err := New(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
		}}),
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	first, err := s.Executables()
	if err != nil {
		t.Fatalf("first Executables failed: %v", err)
	}
	second, err := s.Executables()
	if err != nil {
		t.Fatalf("second Executables failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("table sizes differ: %d vs %d", len(first), len(second))
	}
	for agent, list := range first {
		other := second[agent]
		if len(list) != len(other) {
			t.Fatalf("agent %s: %d vs %d executables", agent.Name(), len(list), len(other))
		}
		for i := range list {
			if list[i] != other[i] {
				t.Errorf("agent %s executable %d differs between accesses", agent.Name(), i)
			}
			if list[i].ObjectID() != other[i].ObjectID() {
				t.Errorf("agent %s executable %d object ID differs", agent.Name(), i)
			}
		}
	}

	k1, err := s.Kernels()
	if err != nil {
		t.Fatalf("first Kernels failed: %v", err)
	}
	k2, err := s.Kernels()
	if err != nil {
		t.Fatalf("second Kernels failed: %v", err)
	}
	for agent, list := range k1 {
		if len(list) != len(k2[agent]) {
			t.Errorf("agent %s kernel lists differ", agent.Name())
		}
	}
}

func TestBundleDiscoveryErrorIsCached(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	s, err := New(Options{
		Driver: softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a}),
		Bundles: func() ([]*bundle.Container, error) {
			calls++
			return nil, boom
		},
		HostSymbols: hostTable(t),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.CodeObjects(); !errors.Is(err, boom) {
		t.Fatalf("CodeObjects error = %v, want boom", err)
	}
	if _, err := s.CodeObjects(); !errors.Is(err, boom) {
		t.Fatalf("second CodeObjects error = %v, want cached boom", err)
	}
	if _, err := s.Executables(); !errors.Is(err, boom) {
		t.Fatalf("Executables error = %v, want boom", err)
	}

	if calls != 1 {
		t.Errorf("bundle discovery ran %d times, want 1", calls)
	}
}

// The process-wide accessor builds the singleton once from the
// registered defaults and returns identical contents on every call.
func TestProgramSingleton(t *testing.T) {
	obj := deviceObject(t, []string{"k"})
	drv := softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: isa90a})

	SetDefault(Options{
		Driver: drv,
		Bundles: staticBundles(&bundle.Container{Entries: []bundle.Entry{
			{ID: triple90a, Object: obj},
		}}),
		HostSymbols: hostTable(t),
	})

	s1, err := Program()
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	s2, err := Program()
	if err != nil {
		t.Fatalf("second Program failed: %v", err)
	}
	if s1 != s2 {
		t.Error("Program returned different states")
	}

	e1, err := s1.Executables()
	if err != nil {
		t.Fatalf("Executables failed: %v", err)
	}
	e2, _ := s2.Executables()
	if len(e1) != len(e2) {
		t.Error("singleton table contents differ between accesses")
	}
}
