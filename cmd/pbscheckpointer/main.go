// Command pbscheckpointer runs the Checkpoint Service cycle standalone,
// against the same journal/NoSQL/blob backends a pbsnode process uses,
// without serving the HTTP control surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/internal/blobstore"
	"github.com/privacybudget/pbs-core/internal/budgetkey"
	"github.com/privacybudget/pbs-core/internal/checkpoint"
	"github.com/privacybudget/pbs-core/internal/config"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var js journal.Service
	switch cfg.Journal.Backend {
	case config.JournalBackendBolt:
		js, err = journal.OpenBoltService(cfg.Journal.BoltDB.Path)
	default:
		js = journal.NewMemoryService()
	}
	if err != nil {
		logger.Fatal("failed to construct journal service", zap.Error(err))
	}
	defer js.Close()

	var np nosql.Provider
	if cfg.NoSQL.Backend == config.NoSQLBackendDynamo {
		np, err = nosql.NewDynamoProvider(context.Background())
	} else {
		np = nosql.NewMemoryProvider()
	}
	if err != nil {
		logger.Fatal("failed to construct nosql provider", zap.Error(err))
	}

	var blobs blobstore.Store
	if cfg.Blob.Backend == config.BlobBackendS3 {
		blobs, err = blobstore.NewS3Store(context.Background(), cfg.Blob.S3.Bucket)
	} else {
		blobs, err = blobstore.NewLocalStore(cfg.Blob.Local.Dir)
	}
	if err != nil {
		logger.Fatal("failed to construct blob store", zap.Error(err))
	}

	provider := budgetkey.NewProvider(uuid.New(), js, np, cfg.NoSQL.TableName)
	go provider.Run()

	ctx := context.Background()
	defer func() {
		if err := provider.Stop(ctx); err != nil {
			logger.Warn("budget key provider stop reported an error", zap.Error(err))
		}
	}()

	svc := checkpoint.NewService(js, provider, blobs, cfg.Blob.Partition, logger,
		checkpoint.WithInterval(cfg.CheckpointInterval()))

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("failed to start checkpoint service", zap.Error(err))
	}

	logger.Info("pbscheckpointer running", zap.Duration("interval", cfg.CheckpointInterval()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("pbscheckpointer shutting down...")
	if err := svc.Shutdown(); err != nil {
		logger.Error("checkpoint service forced shutdown", zap.Error(err))
	}
	logger.Info("pbscheckpointer stopped")
}
