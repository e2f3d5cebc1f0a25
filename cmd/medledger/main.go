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

	"github.com/hibiken/asynq"

	"github.com/medledger/medledger/internal/alerting"
	"github.com/medledger/medledger/internal/app"
	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/catalog"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/observability"
	"github.com/medledger/medledger/internal/platform/cache"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/policy"
	"github.com/medledger/medledger/internal/stock"
	"github.com/medledger/medledger/internal/verification"
	"github.com/medledger/medledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	engineMetrics := observability.NewEngineMetrics(metrics.Registerer())

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	catalogClient := catalog.NewClient(cfg.CatalogBaseURL, redisClient, cfg.CatalogCacheTTL)
	policyClient := policy.NewClient(cfg.PolicyBaseURL, redisClient, cfg.PolicyCacheTTL)

	ledgerStore := ledger.NewStore(pool, cfg.LedgerLockTimeout)

	alertRepo := alerting.NewRepository(pool)
	alertService := alerting.NewService(alertRepo, queueClient, logger, alerting.ServiceConfig{
		ExpiringWindowDays: cfg.ExpiringWindowDays,
	})
	alertHandler := alerting.NewHandler(logger, alertService)

	stockService := stock.NewService(ledgerStore, catalogClient, alertService, logger, engineMetrics)
	stockHandler := stock.NewHandler(logger, stockService)

	verificationRepo := verification.NewRepository(pool)
	verificationService := verification.NewService(verificationRepo, catalogClient, policyClient, logger, engineMetrics)
	verificationHandler := verification.NewHandler(logger, verificationService)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	jobHandler := jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		StockHandler:        stockHandler,
		VerificationHandler: verificationHandler,
		AlertHandler:        alertHandler,
		AuditHandler:        auditHandler,
		JobHandler:          jobHandler,
		Pool:                pool,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server run", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
