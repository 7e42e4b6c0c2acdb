package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reflyh2/assetflow/cmd/assetflow/cli"
	"github.com/reflyh2/assetflow/internal/app"
	"github.com/reflyh2/assetflow/internal/assets"
	"github.com/reflyh2/assetflow/internal/observability"
	"github.com/reflyh2/assetflow/internal/payments"
	"github.com/reflyh2/assetflow/internal/platform/cache"
	"github.com/reflyh2/assetflow/internal/platform/db"
	"github.com/reflyh2/assetflow/internal/shared"
	"github.com/reflyh2/assetflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(os.Args[2:]))
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
	locker := shared.NewLocker(redisClient, cfg.ScheduleLockTTL)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	auditLogger := shared.NewAuditLogger(pool)

	assetsRepo := assets.NewRepository(pool)
	assetsService := assets.NewService(assetsRepo, locker, auditLogger, metrics, logger)
	assetsHandler := assets.NewHandler(logger, assetsService)

	paymentsRepo := payments.NewRepository(pool)
	paymentsService := payments.NewService(paymentsRepo, locker, idempotencyStore, auditLogger, metrics, logger)
	paymentsHandler := payments.NewHandler(logger, paymentsService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AssetsHandler:   assetsHandler,
		PaymentsHandler: paymentsHandler,
		JobHandler:      jobHandler,
		Pool:            pool,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobs dispatches the operator subcommands: `assetflow jobs trigger
// <name>` and `assetflow jobs stats`.
func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit JSON output")
	scheduled := fs.Int("scheduled", 0, "number of scheduled tasks to list with stats")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: load config: %v\n", err)
		return 1
	}
	ops, err := cli.NewJobsCLIFromRedis(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() {
		if err := ops.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs: close: %v\n", err)
		}
	}()

	ctx := context.Background()
	switch fs.Arg(0) {
	case "trigger":
		return ops.TriggerCommand(ctx, cli.TriggerOptions{Name: fs.Arg(1), JSONOutput: *jsonOut})
	case "stats":
		return ops.StatsCommand(ctx, cli.StatsOptions{Scheduled: *scheduled, JSONOutput: *jsonOut})
	default:
		_, _ = fmt.Fprintln(os.Stderr, "usage: assetflow jobs [-json] [-scheduled n] trigger <name> | stats")
		return 2
	}
}
