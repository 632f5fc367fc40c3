package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"opflow/config"
	"opflow/db"
	"opflow/executor"
	qhttp "opflow/http"
	"opflow/logger"
	"opflow/monitoring"
	"opflow/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	flag.Parse()

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	zlog, level, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize database
	store, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		zlog.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("database initialized", zap.String("path", cfg.Database.Path))
	if ids, err := store.RecoverInterrupted(ctx); err != nil {
		zlog.Fatal("failed to recover interrupted operators", zap.Error(err))
	} else if len(ids) > 0 {
		zlog.Warn("operators interrupted by a previous shutdown marked as error", zap.Strings("operators", ids))
	}

	// 4. Execution stack
	artifacts, err := pipeline.NewArtifactStore(cfg.Storage, zlog)
	if err != nil {
		zlog.Fatal("failed to open artifact store", zap.Error(err))
	}
	hub := monitoring.NewWebSocketHub(zlog)
	go hub.Start()
	defer hub.Stop()

	metrics := monitoring.NewMetricsCollector()
	go metrics.StartSystemMetrics(ctx, 15*time.Second)

	orch, err := executor.NewOrchestrator(executor.Dependencies{
		Store:     store,
		Sources:   store,
		Session:   pipeline.NewRemoteSession(pipeline.NewLocalSession(zlog), cfg.Remote, zlog),
		Artifacts: artifacts,
		Events:    hub,
		Metrics:   metrics,
	}, cfg.Executor, zlog)
	if err != nil {
		zlog.Fatal("failed to build orchestrator", zap.Error(err))
	}

	// 5. Hot reload of log level and executor timeout
	if _, err := os.Stat(*configPath); err == nil {
		err := config.Watch(ctx, *configPath, zlog, func(next *config.Config) {
			if l, err := logger.ParseLevel(next.Log.Level); err == nil {
				level.SetLevel(l)
			}
			orch.SetTimeout(next.Executor.Timeout)
			zlog.Info("runtime settings updated",
				zap.String("log_level", level.String()),
				zap.Duration("executor_timeout", orch.Timeout()))
		})
		if err != nil {
			zlog.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	// 6. Start HTTP server
	server := qhttp.NewServer(cfg.HTTP, qhttp.NewAPI(orch, store, hub, metrics, zlog), zlog)
	go func() {
		if err := server.Start(); err != nil {
			zlog.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	// 7. Handle graceful shutdown
	<-ctx.Done()
	zlog.Info("shutting down")
	if err := server.Stop(); err != nil {
		zlog.Warn("server forced to shutdown", zap.Error(err))
	}
	zlog.Info("exiting")
}

// loadConfig reads the configuration file, falling back to the defaults when
// it does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}
