package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/reflyh2/assetflow/internal/assets"
	jobmetrics "github.com/reflyh2/assetflow/internal/jobs"
	"github.com/reflyh2/assetflow/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// postingConcurrency bounds how many assets are posted in parallel. Each
// asset runs in its own transaction under its own advisory lock, so
// parallelism across assets is safe.
const postingConcurrency = 4

// DepreciationPostJob posts scheduled depreciation and amortization entries
// that have come due.
type DepreciationPostJob struct {
	Assets  *assets.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDepreciationPostJob wires dependencies for the posting handler.
func NewDepreciationPostJob(assetsSvc *assets.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *DepreciationPostJob {
	return &DepreciationPostJob{
		Assets:  assetsSvc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes depreciation posting tasks.
func (j *DepreciationPostJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Assets == nil {
		return errors.New("depreciation post: handler not configured")
	}
	var payload DepreciationPostPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	until := j.now()
	if payload.Until != "" {
		parsed, err := time.Parse(payloadDateLayout, payload.Until)
		if err != nil {
			return asynq.SkipRetry
		}
		until = parsed
	}

	tracker := j.metrics().Track(TaskDepreciationPost)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("until", until))
	logger.Info("starting depreciation posting")

	due, err := j.Assets.ListAssetsWithDueDepreciation(ctx, until)
	if err != nil {
		resultErr = err
		logger.Error("list due assets", slog.Any("error", err))
		return resultErr
	}
	if len(due) == 0 {
		logger.Info("no depreciation entries due")
		return resultErr
	}

	var posted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(postingConcurrency)
	for _, assetID := range due {
		g.Go(func() error {
			n, err := j.Assets.ProcessDepreciation(ctx, assetID, until)
			if err != nil {
				// Another writer holds the asset; the next run picks it up.
				if errors.Is(err, shared.ErrConflict) {
					logger.Warn("asset busy, skipping", slog.Int64("asset_id", assetID))
					return nil
				}
				return err
			}
			posted.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		logger.Error("post depreciation", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddEntriesPosted(int(posted.Load()))
	logger.Info("depreciation posting finished",
		slog.Int("assets", len(due)),
		slog.Int64("entries", posted.Load()))
	return resultErr
}

func (j *DepreciationPostJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DepreciationPostJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *DepreciationPostJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
