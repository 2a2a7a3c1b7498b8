package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipewright-labs/pipewright-go/internal/archive"
	"github.com/pipewright-labs/pipewright-go/internal/config"
	"github.com/pipewright-labs/pipewright-go/internal/events"
	"github.com/pipewright-labs/pipewright-go/internal/platform/env"
	"github.com/pipewright-labs/pipewright-go/internal/platform/objectstore"
	"github.com/pipewright-labs/pipewright-go/internal/platform/postgres"
	repopg "github.com/pipewright-labs/pipewright-go/internal/repo/postgres"
	"github.com/pipewright-labs/pipewright-go/internal/service/nodeexec"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := env.String("PIPEWRIGHT_CONFIG_PATH", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("invalid config", "path", configPath, "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	nodes := repopg.NewNodeExecutionStore(db)
	planMetadata := repopg.NewPlanMetadataStore(db)

	var emitter events.Emitter = events.NoopEmitter{}
	if cfg.Events.Enabled {
		emitter = events.NewOutboxEmitter(db)
	}

	service := nodeexec.New(nodes, planMetadata, emitter, nodeexec.NewSlogPublisher(logger), cfg.ModuleName, logger)
	if service == nil {
		logger.Error("service wiring failed")
		os.Exit(2)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		store, err := objectstore.NewMinioStoreWithClient(client)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		archiver = archive.NewArchiver(nodes, store, storeCfg.BucketArchives, logger)
	}

	if cfg.Recovery.Enabled {
		startRecoverySweeper(ctx, recoverySweeperDeps{
			logger:     logger,
			nodes:      nodes,
			service:    service,
			archiver:   archiver,
			interval:   cfg.Recovery.Interval.Std(),
			staleAfter: cfg.Recovery.StaleAfter.Std(),
		})
	}

	logger.Info("orchestrator started",
		"module", cfg.ModuleName,
		"events_enabled", cfg.Events.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"recovery_enabled", cfg.Recovery.Enabled,
	)

	<-ctx.Done()
	logger.Info("orchestrator stopping")
}
