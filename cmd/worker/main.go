package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/retail-ledger/internal/app"
	jobmetrics "github.com/odyssey-erp/retail-ledger/internal/jobs"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if cfg.StoreDriver != app.StoreDriverPostgres {
		logger.Error("worker needs the postgres store driver", slog.String("store", cfg.StoreDriver))
		os.Exit(1)
	}

	rt, err := app.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close(logger)

	metrics := observability.NewMetrics()
	services, err := app.NewServices(app.ServicesParams{
		Config:  cfg,
		Logger:  logger,
		Store:   rt.Store,
		Locker:  rt.Locker,
		Audit:   rt.Audit,
		Keys:    rt.Keys,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: cfg.AppReadTimeout}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	resumeJob := jobs.NewSagaResumeJob(services.Conversion, cfg.SagaStallAfter, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(services.Ledger, services.Credit, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(rt.Keys, cfg.IdempotencyRetention, logger, jobMetrics)

	resumeTask, err := jobs.NewResumeStalledTask(cfg.SagaStallAfter)
	if err != nil {
		logger.Error("build resume task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewIntegrityTask()
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskConversionResumeStalled, Handler: resumeJob.HandleStalled},
			{Type: jobs.TaskConversionResume, Handler: resumeJob.HandleOne},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 1m", Task: resumeTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(cfg.SagaStallAfter)}},
			{Spec: "30 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
