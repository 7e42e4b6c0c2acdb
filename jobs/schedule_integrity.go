package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/reflyh2/assetflow/internal/assets"
	jobmetrics "github.com/reflyh2/assetflow/internal/jobs"
	"github.com/reflyh2/assetflow/internal/schedule"
)

// integrityPageSize bounds how many assets one listing round-trip fetches.
const integrityPageSize = 100

// ScheduleIntegrityJob re-derives every asset's schedule from its stored
// settled state and flags the ones that no longer reconcile with their
// acquisition terms. The scan is read-only; corrupted schedules are
// reported, never repaired.
type ScheduleIntegrityJob struct {
	Assets  *assets.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewScheduleIntegrityJob wires dependencies for the verification handler.
func NewScheduleIntegrityJob(assetsSvc *assets.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ScheduleIntegrityJob {
	return &ScheduleIntegrityJob{Assets: assetsSvc, Logger: logger, Metrics: metrics}
}

// Handle processes schedule verification tasks.
func (j *ScheduleIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Assets == nil {
		return errors.New("schedule integrity: handler not configured")
	}

	tracker := j.metrics().Track(TaskScheduleIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting schedule integrity scan")

	var checked, corrupted int
	for page := 1; ; page++ {
		batch, meta, err := j.Assets.ListAssets(ctx, assets.ListAssetsRequest{Page: page, PerPage: integrityPageSize})
		if err != nil {
			resultErr = err
			logger.Error("list assets", slog.Any("error", err))
			return resultErr
		}
		for _, a := range batch {
			checked++
			err := j.Assets.VerifySchedule(ctx, a.ID)
			if err == nil {
				continue
			}
			var inconsistent *schedule.InconsistentScheduleError
			if errors.As(err, &inconsistent) {
				corrupted++
				logger.Error("schedule failed verification",
					slog.Int64("asset_id", a.ID),
					slog.String("code", a.Code),
					slog.String("reason", inconsistent.Reason))
				continue
			}
			resultErr = err
			logger.Error("verify schedule", slog.Int64("asset_id", a.ID), slog.Any("error", err))
			return resultErr
		}
		if page >= meta.TotalPages {
			break
		}
	}

	logger.Info("schedule integrity scan finished",
		slog.Int("checked", checked),
		slog.Int("corrupted", corrupted))
	return resultErr
}

func (j *ScheduleIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ScheduleIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
