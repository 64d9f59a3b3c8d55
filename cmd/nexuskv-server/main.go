package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexuskv/config"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/replication"
	"github.com/INLOpen/nexuskv/server"
	"github.com/INLOpen/nexuskv/wal"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func walSyncMode(s string, logger *slog.Logger) wal.SyncMode {
	switch strings.ToLower(s) {
	case "", "always":
		return wal.SyncAlways
	case "disabled":
		return wal.SyncDisabled
	default:
		logger.Warn("Unknown WAL sync mode, using always", "sync_mode", s)
		return wal.SyncAlways
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	listenAddr := flag.String("listen", "", "Listen address override, e.g. :5000")
	dataDir := flag.String("data-dir", "", "Data directory override")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	hookManager := hooks.NewHookManager(logger)
	metrics := engine.NewEngineMetrics()
	metrics.Publish("nexuskv.engine")

	eng, err := engine.NewStorageEngine(engine.StorageEngineOptions{
		DataDir:            cfg.Engine.DataDir,
		CheckpointInterval: config.ParseDuration(cfg.Engine.CheckpointInterval, 60*time.Second, logger),
		LockStaleTTL:       config.ParseDuration(cfg.Engine.LockStaleTTL, 30*time.Second, logger),
		WALSyncMode:        walSyncMode(cfg.Engine.WAL.SyncMode, logger),
		WALMaxSegmentSize:  cfg.Engine.WAL.MaxSegmentSizeBytes,
		Logger:             logger,
		HookManager:        hookManager,
		Metrics:            metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage engine: %w", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start storage engine: %w", err)
	}

	var replManager *replication.Manager
	if cfg.Replication.Enabled {
		peers := make([]replication.Peer, len(cfg.Replication.Peers))
		for i, p := range cfg.Replication.Peers {
			peers[i] = replication.Peer{ID: p.ID, Addr: p.Address}
		}
		bootstrap := replication.RoleFollower
		if cfg.Replication.IsPrimary {
			bootstrap = replication.RolePrimary
		}
		replManager = replication.NewManager(replication.Options{
			NodeID:             cfg.Replication.NodeID,
			Peers:              peers,
			Bootstrap:          bootstrap,
			HeartbeatInterval:  config.ParseDuration(cfg.Replication.HeartbeatInterval, 500*time.Millisecond, logger),
			ElectionTimeoutMin: config.ParseDuration(cfg.Replication.ElectionTimeoutMin, 2*time.Second, logger),
			ElectionTimeoutMax: config.ParseDuration(cfg.Replication.ElectionTimeoutMax, 4*time.Second, logger),
			Engine:             eng,
			HookManager:        hookManager,
			Logger:             logger,
		})
		replManager.Start()
	}

	handler := server.NewHandler(eng, replManager, logger)
	srv := server.NewTCPServer(cfg.Server.ListenAddress, handler, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
		}
	}

	srv.Stop()
	if replManager != nil {
		replManager.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("Engine close reported errors", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nexuskv-server:", err)
		os.Exit(1)
	}
}
