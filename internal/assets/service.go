package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/reflyh2/assetflow/internal/observability"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrInvalidTerms  = errors.New("invalid acquisition terms")
)

// Service orchestrates asset CRUD and schedule generation. Every multi-line
// mutation runs inside one repository transaction under the asset's advisory
// lock.
type Service struct {
	repo    Repository
	locker  *shared.Locker
	audit   *shared.AuditLogger
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   schedule.Clock
}

// NewService builds the assets service. locker, audit and metrics may be nil.
func NewService(repo Repository, locker *shared.Locker, audit *shared.AuditLogger, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, locker: locker, audit: audit, metrics: metrics, logger: logger, clock: schedule.SystemClock{}}
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "asset",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// SetClock overrides the service clock, used by tests and the seeder.
func (s *Service) SetClock(clock schedule.Clock) {
	s.clock = clock
}

// CreateAsset stores the asset and its full generated schedule atomically.
func (s *Service) CreateAsset(ctx context.Context, input CreateAssetInput) (AssetWithSchedule, error) {
	if err := validateTerms(input.Terms); err != nil {
		return AssetWithSchedule{}, err
	}
	lines, err := schedule.Generate(input.Terms)
	if err != nil {
		return AssetWithSchedule{}, fmt.Errorf("%w: %s", ErrInvalidTerms, err)
	}

	var assetID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateAsset(ctx, input)
		if err != nil {
			return err
		}
		assetID = id
		return tx.InsertLines(ctx, id, lines)
	})
	if err != nil {
		return AssetWithSchedule{}, err
	}

	s.metrics.CountScheduleGenerated(string(input.Terms.Type), len(lines))
	s.recordAudit(ctx, "asset.create", assetID, map[string]any{
		"acquisition_type": string(input.Terms.Type),
		"schedule_lines":   len(lines),
	})
	s.logger.Info("asset created",
		slog.Int64("asset_id", assetID),
		slog.String("acquisition_type", string(input.Terms.Type)),
		slog.Int("schedule_lines", len(lines)))
	return s.repo.GetAssetWithSchedule(ctx, assetID)
}

// UpdateAsset applies a master-data and terms edit. The mutation guard
// rejects changes to locked fields once any line is settled; otherwise the
// unsettled part of the schedule is wiped and regenerated against the new
// terms, leaving settled history untouched.
func (s *Service) UpdateAsset(ctx context.Context, id int64, input UpdateAssetInput) (AssetWithSchedule, error) {
	if err := validateTerms(input.Terms); err != nil {
		return AssetWithSchedule{}, err
	}

	lock, err := s.locker.Acquire(ctx, shared.ScheduleLockKey(id))
	if err != nil {
		return AssetWithSchedule{}, err
	}
	defer lock.Release(ctx)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		asset, err := tx.GetAssetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return ErrAssetNotFound
			}
			return err
		}
		stored, err := tx.ListLines(ctx, id)
		if err != nil {
			return err
		}
		existing := Lines(stored)

		if guardErr := schedule.CheckMutable(existing, asset.Terms, input.Terms); guardErr != nil {
			return guardErr
		}
		if err := tx.UpdateAsset(ctx, id, input); err != nil {
			return err
		}

		rebuilt, err := schedule.Recalculate(existing, input.Terms)
		if err != nil {
			return err
		}
		if err := tx.DeleteUnsettledLines(ctx, id); err != nil {
			return err
		}
		return tx.InsertLines(ctx, id, unsettledOnly(rebuilt))
	})
	if err != nil {
		return AssetWithSchedule{}, err
	}

	s.metrics.CountRecalculation()
	s.recordAudit(ctx, "asset.update", id, map[string]any{
		"acquisition_type": string(input.Terms.Type),
	})
	s.logger.Info("asset updated", slog.Int64("asset_id", id))
	return s.repo.GetAssetWithSchedule(ctx, id)
}

// GetAsset returns the asset without its schedule.
func (s *Service) GetAsset(ctx context.Context, id int64) (Asset, error) {
	asset, err := s.repo.GetAsset(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return Asset{}, ErrAssetNotFound
	}
	return asset, err
}

// GetAssetWithSchedule returns the asset and its full ordered schedule.
func (s *Service) GetAssetWithSchedule(ctx context.Context, id int64) (AssetWithSchedule, error) {
	out, err := s.repo.GetAssetWithSchedule(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return AssetWithSchedule{}, ErrAssetNotFound
	}
	return out, err
}

// VerifySchedule recomputes the asset's schedule from its stored settled
// state and reports whether the stored lines still reconcile with the
// terms. It never writes; an InconsistentScheduleError here means an
// out-of-band change corrupted the schedule.
func (s *Service) VerifySchedule(ctx context.Context, id int64) error {
	out, err := s.GetAssetWithSchedule(ctx, id)
	if err != nil {
		return err
	}
	_, err = schedule.Recalculate(Lines(out.Lines), out.Terms)
	return err
}

// ListAssets returns a page of assets matching the filter.
func (s *Service) ListAssets(ctx context.Context, req ListAssetsRequest) ([]Asset, shared.Pagination, error) {
	return s.repo.ListAssets(ctx, req)
}

// ListAssetsWithDueDepreciation exposes the posting worklist.
func (s *Service) ListAssetsWithDueDepreciation(ctx context.Context, until time.Time) ([]int64, error) {
	return s.repo.ListAssetsWithDueDepreciation(ctx, until)
}

// ProcessDepreciation posts every scheduled depreciation entry dated on or
// before the cutoff, returning how many entries were processed. Posting is
// the transition the allocator never performs; once processed, an entry is
// settled history for the guard and the recalculator.
func (s *Service) ProcessDepreciation(ctx context.Context, assetID int64, until time.Time) (int, error) {
	lock, err := s.locker.Acquire(ctx, shared.ScheduleLockKey(assetID))
	if err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	cutoff := until
	if cutoff.IsZero() {
		cutoff = s.clock.Now()
	}

	processed := 0
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAssetForUpdate(ctx, assetID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return ErrAssetNotFound
			}
			return err
		}
		stored, err := tx.ListLines(ctx, assetID)
		if err != nil {
			return err
		}
		for _, l := range stored {
			if l.Kind != schedule.KindDepreciation && l.Kind != schedule.KindAmortization {
				continue
			}
			if l.Status != schedule.StatusScheduled || l.DueDate.After(cutoff) {
				continue
			}
			if err := tx.MarkLineProcessed(ctx, l.ID); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if processed > 0 {
		s.metrics.CountEntriesProcessed(processed)
		s.recordAudit(ctx, "asset.post_depreciation", assetID, map[string]any{
			"entries": processed,
			"until":   cutoff.Format("2006-01-02"),
		})
		s.logger.Info("depreciation posted",
			slog.Int64("asset_id", assetID),
			slog.Int("entries", processed))
	}
	return processed, nil
}

func validateTerms(terms schedule.AcquisitionTerms) error {
	if !terms.Type.Valid() {
		return fmt.Errorf("%w: unknown acquisition type %q", ErrInvalidTerms, terms.Type)
	}
	switch terms.Type {
	case schedule.AcquisitionOutrightPurchase:
		if terms.PurchaseDate.IsZero() || !terms.PurchaseCost.IsPositive() {
			return fmt.Errorf("%w: outright purchase needs purchase date and cost", ErrInvalidTerms)
		}
	case schedule.AcquisitionFinancedPurchase:
		if terms.PurchaseDate.IsZero() || !terms.PurchaseCost.IsPositive() {
			return fmt.Errorf("%w: financed purchase needs purchase date and cost", ErrInvalidTerms)
		}
		if !terms.FinancingAmount.IsPositive() || terms.TermMonths <= 0 || terms.FirstPaymentDate.IsZero() {
			return fmt.Errorf("%w: financed purchase needs financing amount, term and first payment date", ErrInvalidTerms)
		}
	case schedule.AcquisitionFixedRental, schedule.AcquisitionPeriodicRental:
		if terms.RentalStartDate.IsZero() || terms.RentalEndDate.IsZero() || !terms.RentalAmount.IsPositive() {
			return fmt.Errorf("%w: rental needs start, end and amount", ErrInvalidTerms)
		}
		if terms.RentalEndDate.Before(terms.RentalStartDate) {
			return fmt.Errorf("%w: rental end before start", ErrInvalidTerms)
		}
	}
	return nil
}

func unsettledOnly(lines []schedule.Line) []schedule.Line {
	var out []schedule.Line
	for _, l := range lines {
		if !l.Settled() {
			out = append(out, l)
		}
	}
	return out
}
