// prismd serves the Prism preflight load service.
//
// The daemon answers "would this binary's embedded device code load on
// this machine's agents?" over gRPC, backed by the software driver and
// an optional on-disk extraction cache.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/prism-hpc/prism/internal/config"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/cocache"
	"github.com/prism-hpc/prism/pkg/driver/softdrv"
	"github.com/prism-hpc/prism/pkg/isa"
	"github.com/prism-hpc/prism/pkg/loadsvc"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	configPath  = flag.String("config", "prismd.toml", "Path to the TOML configuration file")
	listenAddr  = flag.String("listen", "", "Override the configured listen address")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("prismd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prismd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	log := newLogger(cfg)
	log.Info().Str("version", Version).Str("commit", GitCommit).Msg("starting prismd")

	specs := make([]softdrv.AgentSpec, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		specs = append(specs, softdrv.AgentSpec{Name: a.Name, ISA: isa.ISA(a.ISA)})
		log.Info().Str("agent", a.Name).Str("isa", a.ISA).Msg("agent configured")
	}
	drv := softdrv.New(specs...)

	var cache bundle.Cache
	if cfg.CacheDir != "" {
		c, err := cocache.Open(cocache.DefaultConfig(cfg.CacheDir))
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.CacheDir).Msg("open extraction cache")
		}
		defer c.Close()
		cache = c
		log.Info().Str("dir", cfg.CacheDir).Msg("extraction cache enabled")
	}

	srv, err := loadsvc.NewServer(loadsvc.ServerConfig{
		Driver:       drv,
		Cache:        cache,
		MaxImageSize: cfg.MaxImageSize,
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create preflight server")
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Listen).Msg("listen")
	}

	g := grpc.NewServer(srv.ServerOptions()...)
	srv.Register(g)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		g.GracefulStop()
	}()

	log.Info().Str("addr", cfg.Listen).Msg("serving")
	if err := g.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}

// newLogger builds the daemon logger from the config.
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	if cfg.LogJSON {
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(level).With().Timestamp().Logger()
}
