// Command coordinator runs the confidential completion coordinator: an MCP
// tool server in front of the session/completion protocol, an in-process
// oracle in local mode, and a gRPC health endpoint for liveness probes.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cloaklabs/confide-mcp/internal/coordinator"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/config"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage/memory"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage/sqlite"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
	"github.com/cloaklabs/confide-mcp/internal/oracle/inprocess"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		debug   bool
	)

	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Confidential completion coordinator",
		Version:       config.DefaultServerVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath, debug)
		},
	})

	return root
}

func runServe(cfgPath string, debug bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging, debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting coordinator",
		zap.String("version", cfg.Server.Version),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("http", cfg.Server.HTTP),
	)

	var (
		entities     storage.EntityStorage
		sessionStore storage.SessionStorage
	)
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open sqlite storage: %w", err)
		}
		defer st.Close()
		entities = st
		sessionStore = st
	default:
		entities = memory.NewInMemoryEntityStore()
		sessionStore = memory.NewInMemorySessionStore()
	}

	audit, err := coordinator.NewAuditLogger(cfg.Audit.Path, logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	events := coordinator.NewEventBus(logger)
	events.Subscribe(audit)

	correlator := coordinator.NewRequestCorrelator(logger)
	sessions := coordinator.NewSessionManager(sessionStore, logger)

	orc := inprocess.New(logger, inprocess.WithAutoDeliver(cfg.Oracle.DeliveryDelay))
	protocol := coordinator.NewCompletionProtocol(entities, sessions, correlator, orc, events, logger)
	orc.SetSink(coordinator.NewCallbackEndpoint(protocol, logger))

	ms := coordinator.NewMCPServer(
		coordinator.Config{Name: cfg.Server.Name, Version: cfg.Server.Version},
		protocol, sessions, entities, correlator, audit, events, logger,
	)
	defer ms.Close()

	// Liveness endpoint for deployments.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPC.Addr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("grpc health endpoint listening", zap.String("address", cfg.GRPC.Addr))

	if cfg.Oracle.HealthAddr != "" {
		watcher, err := oracle.NewHealthWatcher(cfg.Oracle.HealthAddr, logger)
		if err != nil {
			return fmt.Errorf("dial oracle health endpoint: %w", err)
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("oracle health watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.HTTP {
			errCh <- ms.ServeHTTP(cfg.Server.HTTPAddr)
		} else {
			errCh <- ms.Serve()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			grpcServer.GracefulStop()
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()
	logger.Info("coordinator stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := cfg.Level
	if debug {
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	// Stdout carries the MCP stdio transport; logs must stay on stderr.
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}
