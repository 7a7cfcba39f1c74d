// Package loadsvc implements the preflight load service.
//
// The service answers one question over gRPC: would the bundles embedded
// in a given binary load on this machine's agents? The server extracts
// the image's containers, resolves entry IDs to ISAs, and runs every
// matching code object through the full driver sequence (create, link
// host globals, load, validate, freeze), reporting per agent which
// objects are loadable, which kernels they expose, and which
// device-referenced globals have no host definition.
//
// Unlike the loader proper, a preflight check is best-effort per object:
// one unloadable object is a report line, not an aborted table.
package loadsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/driver"
	"github.com/prism-hpc/prism/pkg/hostsym"
	"github.com/prism-hpc/prism/pkg/isa"
	"github.com/prism-hpc/prism/pkg/loader"
)

// Service errors.
var (
	ErrNoDriver = errors.New("no driver configured")
	ErrNoImage  = errors.New("request carries neither image bytes nor image path")
)

// Default limits.
const (
	// DefaultMaxImageSize bounds the image payload a request may carry.
	DefaultMaxImageSize = 512 * 1024 * 1024
)

// ServiceName is the gRPC service name.
const ServiceName = "prism.Loadsvc"

// checkMethod is the full method path of the Check RPC.
const checkMethod = "/" + ServiceName + "/Check"

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Driver is the accelerator runtime checks run against. Required.
	Driver driver.Driver

	// Cache, when set, backs bundle extraction by image digest.
	Cache bundle.Cache

	// HostSymbols overrides host symbol discovery; defaults to scanning
	// the server process.
	HostSymbols func() (*hostsym.Table, error)

	// MaxImageSize bounds request payloads; 0 means the default.
	MaxImageSize int64

	// Logger receives per-check summaries at debug level.
	Logger zerolog.Logger
}

// Server implements the prism.Loadsvc service.
type Server struct {
	cfg ServerConfig
	log zerolog.Logger

	symOnce  sync.Once
	symTable *hostsym.Table
	symErr   error
}

// NewServer creates a preflight server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Driver == nil {
		return nil, ErrNoDriver
	}
	if cfg.HostSymbols == nil {
		cfg.HostSymbols = hostsym.ScanProcess
	}
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// ServerOptions returns the gRPC server options the service needs. The
// transport's default receive limit is far below MaxImageSize; without
// raising it, whole-binary requests die in the transport before Check
// runs.
func (s *Server) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.MaxRecvMsgSize(int(s.cfg.MaxImageSize))}
}

// Check runs the preflight for one image.
func (s *Server) Check(ctx context.Context, req *CheckRequest) (*CheckReply, error) {
	data, err := s.imageBytes(req)
	if err != nil {
		return nil, err
	}

	ex := &bundle.Extractor{Cache: s.cfg.Cache}
	containers, err := ex.Extract(data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "extract bundles: %v", err)
	}

	reply := &CheckReply{Containers: int32(len(containers))}

	// Group entries by resolved ISA, recording unsupported IDs.
	objects := make(map[isa.ISA][]bundle.Entry)
	for _, c := range containers {
		for _, e := range c.Entries {
			reply.Entries++
			target := isa.Resolve(e.ID)
			if target.IsNone() {
				reply.Unsupported = append(reply.Unsupported, e.ID)
				continue
			}
			objects[target] = append(objects[target], e)
		}
	}

	agents, err := s.cfg.Driver.Agents()
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "enumerate agents: %v", err)
	}

	for _, agent := range agents {
		if !agent.Backed() {
			continue
		}
		report := &AgentReport{Name: agent.Name(), Isa: agent.ISA().String()}
		for _, e := range objects[agent.ISA()] {
			report.Objects = append(report.Objects, s.checkObject(agent, e))
		}
		reply.Agents = append(reply.Agents, report)
	}

	s.log.Debug().
		Int32("containers", reply.Containers).
		Int32("entries", reply.Entries).
		Int("agents", len(reply.Agents)).
		Msg("preflight check served")

	return reply, nil
}

// checkObject runs one code object through the driver sequence for one
// agent and reports the outcome.
func (s *Server) checkObject(agent driver.Agent, entry bundle.Entry) *ObjectReport {
	report := &ObjectReport{
		ObjectId:  types.HashObject(entry.Object).String(),
		EntryId:   entry.ID,
		SizeBytes: uint64(len(entry.Object)),
	}

	names, err := loader.UndefinedGlobals(entry.Object)
	if err != nil {
		report.Error = fmt.Sprintf("read undefined symbols: %v", err)
		return report
	}

	hosts, err := s.hostSymbols()
	if err != nil {
		report.Error = fmt.Sprintf("scan host symbols: %v", err)
		return report
	}

	exec, err := s.cfg.Driver.CreateExecutable()
	if err != nil {
		report.Error = fmt.Sprintf("create executable: %v", err)
		return report
	}
	defer exec.Destroy()

	for _, name := range names {
		sym, ok := hosts.Lookup(name)
		if !ok {
			report.MissingGlobals = append(report.MissingGlobals, name)
			continue
		}
		// Preflight only proves resolvability; the host address is
		// defined directly, nothing is pinned.
		if err := exec.DefineGlobal(agent, name, sym.Addr); err != nil {
			report.Error = fmt.Sprintf("define global %s: %v", name, err)
			return report
		}
	}
	if len(report.MissingGlobals) > 0 {
		return report
	}

	if err := exec.LoadCodeObject(agent, entry.Object); err != nil {
		report.Error = fmt.Sprintf("load code object: %v", err)
		return report
	}
	if err := exec.Validate(); err != nil {
		report.Error = fmt.Sprintf("validate: %v", err)
		return report
	}
	if err := exec.Freeze(); err != nil {
		report.Error = fmt.Sprintf("freeze: %v", err)
		return report
	}

	syms, err := exec.Symbols(agent)
	if err != nil {
		report.Error = fmt.Sprintf("enumerate symbols: %v", err)
		return report
	}
	for _, sym := range syms {
		if sym.Kind() == driver.SymbolKernel {
			report.Kernels = append(report.Kernels, sym.Name())
		}
	}

	report.Loadable = true
	return report
}

// imageBytes resolves the request to raw image bytes.
func (s *Server) imageBytes(req *CheckRequest) ([]byte, error) {
	switch {
	case len(req.ImageBytes) > 0:
		if int64(len(req.ImageBytes)) > s.cfg.MaxImageSize {
			return nil, status.Errorf(codes.InvalidArgument,
				"image of %d bytes exceeds limit %d", len(req.ImageBytes), s.cfg.MaxImageSize)
		}
		return req.ImageBytes, nil

	case req.ImagePath != "":
		data, err := os.ReadFile(req.ImagePath)
		if err != nil {
			return nil, status.Errorf(codes.NotFound, "read image %s: %v", req.ImagePath, err)
		}
		return data, nil

	default:
		return nil, status.Error(codes.InvalidArgument, ErrNoImage.Error())
	}
}

// hostSymbols scans the server's host symbols once.
func (s *Server) hostSymbols() (*hostsym.Table, error) {
	s.symOnce.Do(func() {
		s.symTable, s.symErr = s.cfg.HostSymbols()
	})
	return s.symTable, s.symErr
}

// checkService is the handler interface behind the service descriptor.
type checkService interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckReply, error)
}

func checkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(checkService).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(checkService).Check(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written descriptor for prism.Loadsvc.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*checkService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "prism/loadsvc.proto",
}
