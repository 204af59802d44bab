package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlanywhere/sqlanywhere/internal/api"
	"github.com/sqlanywhere/sqlanywhere/internal/auth"
	"github.com/sqlanywhere/sqlanywhere/internal/config"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/query/federated"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/azure"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/gcs"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/local"
	s3store "github.com/sqlanywhere/sqlanywhere/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlanywhere-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	registry := newRegistry(cfg, logger)
	queryEngine := federated.NewEngine(registry, federated.OptionsFromConfig(cfg), logger)

	deps := api.Dependencies{
		Logger:      logger,
		QueryEngine: queryEngine,
		Readiness: api.CombineReadinessChecks(
			api.CheckSchemes(registry),
			api.CheckSpoolDir(cfg),
		),
		DependencyTimout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Any("schemes", registry.Schemes()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// newRegistry registers file:// and s3:// always; gs:// and az:// only when
// enabled. Cloud clients are created on first use.
func newRegistry(cfg config.Config, logger *slog.Logger) *storage.Registry {
	registry := storage.NewRegistry(storage.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logger)

	registry.Register("file", local.Factory())
	registry.Register("s3", s3store.Factory(s3store.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		SessionToken:    cfg.ObjectStore.SessionToken,
		UseSSL:          cfg.ObjectStore.UseSSL,
	}), storage.Retried())
	if cfg.GCS.Enabled {
		registry.Register("gs", gcs.Factory(gcs.Config{
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		}), storage.Retried())
	}
	if cfg.Azure.Enabled {
		registry.Register("az", azure.Factory(azure.Config{
			AccountName: cfg.Azure.AccountName,
			AccountKey:  cfg.Azure.AccountKey,
			ServiceURL:  cfg.Azure.ServiceURL,
		}), storage.Retried())
	}
	return registry
}
