// Command pbsnode wires the Journal Service, NoSQL Provider, Budget Key
// Provider, and Checkpoint Service behind a minimal HTTP control surface
// for local and integration use.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/cmd/pbsnode/internal/handlers"
	"github.com/privacybudget/pbs-core/internal/blobstore"
	"github.com/privacybudget/pbs-core/internal/budgetkey"
	"github.com/privacybudget/pbs-core/internal/checkpoint"
	"github.com/privacybudget/pbs-core/internal/config"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	js, err := buildJournal(cfg)
	if err != nil {
		logger.Fatal("failed to construct journal service", zap.Error(err))
	}
	defer js.Close()

	np, err := buildNoSQL(cfg)
	if err != nil {
		logger.Fatal("failed to construct nosql provider", zap.Error(err))
	}

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		logger.Fatal("failed to construct blob store", zap.Error(err))
	}

	providerID := uuid.New()
	provider := budgetkey.NewProvider(providerID, js, np, cfg.NoSQL.TableName)
	go provider.Run()
	ctx := context.Background()
	defer func() {
		if err := provider.Stop(ctx); err != nil {
			logger.Warn("budget key provider stop reported an error", zap.Error(err))
		}
	}()

	if _, perr := js.Recover(ctx); perr != nil && perr.Code != pbserrors.CodeNoLogsToProcess {
		logger.Warn("journal recover reported an error", zap.Error(perr))
	}

	checkpointSvc := checkpoint.NewService(js, provider, blobs, cfg.Blob.Partition, logger,
		checkpoint.WithInterval(cfg.CheckpointInterval()))
	if err := checkpointSvc.Start(ctx); err != nil {
		logger.Fatal("failed to start checkpoint service", zap.Error(err))
	}
	defer checkpointSvc.Shutdown()

	budgetHandler := handlers.NewBudgetHandler(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.Health)
	mux.HandleFunc("POST /v1/budget-keys/{key}/consume", budgetHandler.Commit)
	mux.HandleFunc("POST /v1/budget-keys/{key}/notify", budgetHandler.Notify)
	mux.HandleFunc("POST /v1/budget-keys/{key}/abort", budgetHandler.Abort)
	mux.HandleFunc("GET /v1/budget-keys/{key}/budget", budgetHandler.GetBudget)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	port := getEnvOrDefaultInt("PBS_NODE_PORT", 8090)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("pbsnode starting", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start pbsnode", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("pbsnode shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("pbsnode forced to shutdown", zap.Error(err))
	}
	logger.Info("pbsnode stopped")
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("PBS_LOG_FORMAT") == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildJournal(cfg *config.Config) (journal.Service, error) {
	switch cfg.Journal.Backend {
	case config.JournalBackendBolt:
		return journal.OpenBoltService(cfg.Journal.BoltDB.Path)
	default:
		return journal.NewMemoryService(), nil
	}
}

func buildNoSQL(cfg *config.Config) (nosql.Provider, error) {
	switch cfg.NoSQL.Backend {
	case config.NoSQLBackendDynamo:
		return nosql.NewDynamoProvider(context.Background())
	default:
		return nosql.NewMemoryProvider(), nil
	}
}

func buildBlobStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobBackendS3:
		return blobstore.NewS3Store(context.Background(), cfg.Blob.S3.Bucket)
	default:
		return blobstore.NewLocalStore(cfg.Blob.Local.Dir)
	}
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			return iv
		}
	}
	return defaultValue
}
