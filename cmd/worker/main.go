package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reflyh2/assetflow/internal/app"
	"github.com/reflyh2/assetflow/internal/assets"
	jobmetrics "github.com/reflyh2/assetflow/internal/jobs"
	"github.com/reflyh2/assetflow/internal/platform/cache"
	"github.com/reflyh2/assetflow/internal/platform/db"
	"github.com/reflyh2/assetflow/internal/shared"
	"github.com/reflyh2/assetflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
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

	locker := shared.NewLocker(redisClient, cfg.ScheduleLockTTL)
	auditLogger := shared.NewAuditLogger(pool)
	assetsRepo := assets.NewRepository(pool)
	assetsService := assets.NewService(assetsRepo, locker, auditLogger, nil, logger)

	metrics := jobmetrics.NewMetrics(nil)
	postingJob := jobs.NewDepreciationPostJob(assetsService, logger, metrics)
	integrityJob := jobs.NewScheduleIntegrityJob(assetsService, logger, metrics)

	postingTask, err := jobs.NewDepreciationPostTask(time.Time{})
	if err != nil {
		logger.Error("build posting task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDepreciationPost, Handler: postingJob.Handle},
			{Type: jobs.TaskScheduleIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: postingTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * 0", Task: jobs.NewScheduleIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
