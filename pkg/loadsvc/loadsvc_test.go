package loadsvc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/prism-hpc/prism/internal/elftest"
	"github.com/prism-hpc/prism/internal/modules"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/driver/softdrv"
	"github.com/prism-hpc/prism/pkg/hostsym"
	"github.com/prism-hpc/prism/pkg/isa"
)

const (
	testISA    = isa.ISA("amdgcn-amd-amdhsa--gfx90a")
	testTriple = "hipv4-amdgcn-amd-amdhsa--gfx90a"
)

// testImage builds an ELF image embedding one container with the given
// entries.
func testImage(t *testing.T, entries ...bundle.Entry) []byte {
	t.Helper()
	c := &bundle.Container{Entries: entries}
	return elftest.Build(elftest.Spec{
		Sections: []elftest.Section{{Name: bundle.SectionName, Data: c.Encode()}},
	})
}

// deviceObject builds a device ELF with one kernel and optional
// undefined globals.
func deviceObject(t *testing.T, kernel string, globals ...string) []byte {
	t.Helper()
	syms := []elftest.Sym{
		{Name: kernel, Type: elftest.STTFunc, Value: 0x1000, Size: 64},
	}
	for _, g := range globals {
		syms = append(syms, elftest.Sym{Name: g, Type: elftest.STTObject, Undefined: true})
	}
	return elftest.Build(elftest.Spec{
		Machine: elftest.DeviceMachine,
		Dynsym:  syms,
	})
}

// startServer serves a preflight server over bufconn and returns a
// connected client.
func startServer(t *testing.T, cfg ServerConfig) *Client {
	t.Helper()

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(srv.ServerOptions()...)
	srv.Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewClientFromConn(conn)
}

// hostSyms builds a host symbol source from a synthetic host image.
func hostSyms(t *testing.T, syms ...elftest.Sym) func() (*hostsym.Table, error) {
	t.Helper()
	path := elftest.WriteFile(t, "host", elftest.Spec{Symtab: syms})
	table := hostsym.Scan([]modules.Image{{Path: path}})
	return func() (*hostsym.Table, error) { return table, nil }
}

func TestCheckLoadableImage(t *testing.T) {
	obj := deviceObject(t, "vec_add", "counter")
	image := testImage(t,
		bundle.Entry{ID: testTriple, Object: obj},
		bundle.Entry{ID: "host-x86_64-unknown-linux-gnu", Object: []byte{1, 2, 3}},
	)

	client := startServer(t, ServerConfig{
		Driver: softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t,
			elftest.Sym{Name: "counter", Type: elftest.STTObject, Value: 0x601000, Size: 4},
		),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := client.Check(ctx, &CheckRequest{ImageBytes: image})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if reply.Containers != 1 || reply.Entries != 2 {
		t.Errorf("containers/entries = %d/%d, want 1/2", reply.Containers, reply.Entries)
	}
	if len(reply.Unsupported) != 1 || reply.Unsupported[0] != "host-x86_64-unknown-linux-gnu" {
		t.Errorf("unsupported = %v", reply.Unsupported)
	}
	if len(reply.Agents) != 1 {
		t.Fatalf("got %d agent reports, want 1", len(reply.Agents))
	}

	agent := reply.Agents[0]
	if agent.Name != "gfx0" || agent.Isa != string(testISA) {
		t.Errorf("agent report = %s/%s", agent.Name, agent.Isa)
	}
	if len(agent.Objects) != 1 {
		t.Fatalf("got %d object reports, want 1", len(agent.Objects))
	}

	report := agent.Objects[0]
	if !report.Loadable {
		t.Errorf("object not loadable: %s", report.Error)
	}
	if len(report.Kernels) != 1 || report.Kernels[0] != "vec_add" {
		t.Errorf("kernels = %v, want [vec_add]", report.Kernels)
	}
	if len(report.MissingGlobals) != 0 {
		t.Errorf("missing globals = %v, want none", report.MissingGlobals)
	}
}

func TestCheckReportsMissingGlobals(t *testing.T) {
	obj := deviceObject(t, "k", "missing_var")
	image := testImage(t, bundle.Entry{ID: testTriple, Object: obj})

	client := startServer(t, ServerConfig{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := client.Check(ctx, &CheckRequest{ImageBytes: image})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	report := reply.Agents[0].Objects[0]
	if report.Loadable {
		t.Error("object with missing global reported loadable")
	}
	if len(report.MissingGlobals) != 1 || report.MissingGlobals[0] != "missing_var" {
		t.Errorf("missing globals = %v, want [missing_var]", report.MissingGlobals)
	}
}

func TestCheckUnbackedAgentsSkipped(t *testing.T) {
	image := testImage(t)

	client := startServer(t, ServerConfig{
		Driver: softdrv.New(
			softdrv.AgentSpec{Name: "gfx0", ISA: testISA},
			softdrv.AgentSpec{Name: "cpu0", Unbacked: true},
		),
		HostSymbols: hostSyms(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := client.Check(ctx, &CheckRequest{ImageBytes: image})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(reply.Agents) != 1 || reply.Agents[0].Name != "gfx0" {
		t.Errorf("agent reports = %+v, want just gfx0", reply.Agents)
	}
}

func TestCheckRejectsEmptyRequest(t *testing.T) {
	client := startServer(t, ServerConfig{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &CheckRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("status = %v, want InvalidArgument", status.Code(err))
	}
}

func TestCheckRejectsNonELF(t *testing.T) {
	client := startServer(t, ServerConfig{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &CheckRequest{ImageBytes: []byte("not an elf")})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("status = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNewServerRequiresDriver(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err != ErrNoDriver {
		t.Errorf("NewServer error = %v, want ErrNoDriver", err)
	}
}

// Whole binaries travel in requests, so images well past the gRPC
// transport's stock receive limit must still reach Check.
func TestCheckAcceptsLargeImage(t *testing.T) {
	pad := bytes.Repeat([]byte{0xcc}, 6<<20)
	image := testImage(t, bundle.Entry{ID: "host-x86_64-unknown-linux-gnu", Object: pad})

	client := startServer(t, ServerConfig{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := client.Check(ctx, &CheckRequest{ImageBytes: image})
	if err != nil {
		t.Fatalf("Check of %d-byte image failed: %v", len(image), err)
	}
	if reply.Containers != 1 || reply.Entries != 1 {
		t.Errorf("containers/entries = %d/%d, want 1/1", reply.Containers, reply.Entries)
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	client := startServer(t, ServerConfig{
		Driver:      softdrv.New(softdrv.AgentSpec{Name: "gfx0", ISA: testISA}),
		HostSymbols: hostSyms(t),
	})

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.Check(ctx, &CheckRequest{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Check after Close = %v, want ErrClosed", err)
	}
}
