// Directord is the director-protocol control plane daemon.
//
// It coordinates department workers executing multi-step workflows on
// behalf of long-lived sessions: a durable file-backed message bus, a
// persistent registry, the workflow director with quality gates, the
// checkpoint manager, and the shared context store, all exposed over an
// HTTP API with an SSE event stream.
//
// Usage:
//
//	# Start with defaults (~/.config/directord/config.yaml if present)
//	directord
//
//	# Explicit config file and data directory
//	directord -config /etc/directord/config.yaml -data-dir /var/lib/directord
//
// Configuration can also be overridden via DIRECTORD_* environment
// variables. See internal/config for details.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/checkpoint"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/department"
	"github.com/fyrsmithlabs/directord/internal/director"
	"github.com/fyrsmithlabs/directord/internal/events"
	"github.com/fyrsmithlabs/directord/internal/gitops"
	"github.com/fyrsmithlabs/directord/internal/logging"
	"github.com/fyrsmithlabs/directord/internal/registry"
	"github.com/fyrsmithlabs/directord/internal/telemetry"
	"github.com/fyrsmithlabs/directord/pkg/secrets"
	"github.com/fyrsmithlabs/directord/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.config/directord/config.yaml)")
		dataDir     = flag.String("data-dir", "", "override the data directory")
		logLevel    = flag.String("log-level", "", "override the log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *dataDir, *logLevel); err != nil {
		log.Fatalf("directord error: %v", err)
	}
	log.Println("directord shutdown complete")
}

func printVersion() {
	fmt.Printf("directord by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every service in dependency order and blocks until ctx is
// cancelled. Shutdown runs in reverse order via the deferred closes.
func run(ctx context.Context, configPath, dataDir, logLevel string) error {
	cfg, err := loadConfig(configPath, dataDir, logLevel)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger, err := logging.New(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting directord",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("port", cfg.Server.Port),
	)

	// Event relay first so every later service can mirror onto it.
	var (
		relay      *events.Relay
		natsServer *events.Server
	)
	if cfg.Events.Enabled {
		natsServer, err = events.StartEmbeddedServer(cfg.Events, logger)
		if err != nil {
			return fmt.Errorf("failed to start event server: %w", err)
		}
		defer natsServer.Close()
		relay = events.NewRelay(natsServer.Conn(), cfg.Events.SubjectPrefix, logger)
	}

	busOpts := []bus.Option{}
	if relay != nil {
		busOpts = append(busOpts, bus.WithEventSink(relay))
	}
	b, err := bus.New(cfg.Bus, logger, busOpts...)
	if err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	reg, err := registry.New(cfg.Registry, logger, registry.WithQueueDepthFunc(func() int {
		return b.Stats().Pending
	}))
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	git, err := gitops.NewManager(cfg.Git, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize git manager: %w", err)
	}
	if err := git.EnsureRepo(ctx); err != nil {
		return fmt.Errorf("failed to prepare workspace repository: %w", err)
	}

	ctxStore, err := initContextStore(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = ctxStore.Close() }()

	cpm, err := checkpoint.NewManager(cfg.Checkpoint, checkpoint.Deps{
		Registry: reg,
		Git:      git,
		Bus:      b,
		Context:  ctxStore,
		Events:   relay,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start checkpoint manager: %w", err)
	}
	defer func() { _ = cpm.Close() }()

	departments := department.NewHost(cfg.Department, department.Deps{
		Bus:      b,
		Registry: reg,
		Context:  ctxStore,
		Logger:   logger,
	})
	defer func() { _ = departments.Close() }()

	dir, err := director.New(cfg.Director, director.Deps{
		Bus:        b,
		Registry:   reg,
		Checkpoint: cpm,
		Events:     relay,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start director: %w", err)
	}
	defer func() {
		if err := dir.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "director shutdown", zap.Error(err))
		}
	}()

	svcs := server.Services{
		Bus:         b,
		Registry:    reg,
		Director:    dir,
		Checkpoint:  cpm,
		Context:     ctxStore,
		Departments: departments,
		EventPrefix: cfg.Events.SubjectPrefix,
		Logger:      logger,
	}
	if natsServer != nil {
		svcs.Nats = natsServer.Conn()
	}
	srv, err := server.New(cfg.Server, svcs)
	if err != nil {
		return fmt.Errorf("failed to build http server: %w", err)
	}

	logger.Info(ctx, "directord ready",
		zap.Bool("events", relay != nil),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return srv.Start(ctx)
}

// loadConfig loads the file/env config and applies command-line overrides.
func loadConfig(configPath, dataDir, logLevel string) (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// initContextStore builds the context manager, with secret scrubbing when
// enabled and an allowlist when one exists in the workspace.
func initContextStore(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *logging.Logger) (*contextstore.Manager, error) {
	opts := []contextstore.Option{contextstore.WithRegistry(reg)}
	if cfg.Context.ScrubSecrets {
		allowlist, err := secrets.LoadAllowlists(cfg.Git.RepoPath, "")
		if err != nil {
			logger.Warn(ctx, "failed to load secret allowlists, scrubbing without them", zap.Error(err))
			allowlist = nil
		}
		opts = append(opts, contextstore.WithScrubber(secrets.NewScrubber(allowlist)))
	}
	store, err := contextstore.NewManager(cfg.Context, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start context store: %w", err)
	}
	return store, nil
}
