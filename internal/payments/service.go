package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reflyh2/assetflow/internal/assets"
	"github.com/reflyh2/assetflow/internal/observability"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrLineNotFound       = errors.New("schedule line not found")
	ErrNoAllocations      = errors.New("at least one allocation is required")
	ErrInvalidAllocation  = errors.New("allocation amounts must be non-negative and not all zero")
	ErrOverAllocation     = errors.New("allocation exceeds the line's outstanding amount")
	ErrLineNotAllocatable = errors.New("depreciation entries cannot receive payments")
)

// Service records payments and keeps schedules consistent. Every mutation
// runs the full reverse/reapply/recalculate chain inside one repository
// transaction, under advisory locks on all touched assets taken in
// ascending ID order.
type Service struct {
	repo        Repository
	locker      *shared.Locker
	idempotency *shared.IdempotencyStore
	audit       *shared.AuditLogger
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewService builds the payments service. locker, idempotency, audit and
// metrics may be nil.
func NewService(repo Repository, locker *shared.Locker, idempotency *shared.IdempotencyStore, audit *shared.AuditLogger, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, locker: locker, idempotency: idempotency, audit: audit, metrics: metrics, logger: logger}
}

func (s *Service) recordAudit(ctx context.Context, action string, paymentID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "payment",
		EntityID: strconv.FormatInt(paymentID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// CreatePayment stores a payment, applies its allocations to the targeted
// schedule lines, and recalculates the unpaid tail of every touched asset.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (PaymentWithAllocations, error) {
	if len(input.Allocations) == 0 {
		return PaymentWithAllocations{}, ErrNoAllocations
	}
	if input.Reference == uuid.Nil {
		input.Reference = uuid.New()
	}
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.Reference.String(), "payments"); err != nil {
			return PaymentWithAllocations{}, err
		}
	}

	var paymentID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := s.lockAllocationTargets(ctx, tx, input.Allocations)
		if err != nil {
			return err
		}

		number, err := tx.GeneratePaymentNumber(ctx)
		if err != nil {
			return err
		}
		amounts := sumAmounts(input.Allocations)
		id, err := tx.CreatePayment(ctx, input, number, amounts)
		if err != nil {
			return err
		}
		paymentID = id

		if err := s.applyAllocations(ctx, tx, id, input.Allocations, lines, input); err != nil {
			return err
		}
		return s.recalculateAssets(ctx, tx, touchedAssets(collectValues(lines)))
	})
	if err != nil {
		if s.idempotency != nil {
			_ = s.idempotency.Delete(ctx, input.Reference.String())
		}
		return PaymentWithAllocations{}, err
	}

	s.logger.Info("payment recorded",
		slog.Int64("payment_id", paymentID),
		slog.Int("allocations", len(input.Allocations)))
	s.recordAudit(ctx, "payment.create", paymentID, map[string]any{
		"reference":   input.Reference.String(),
		"allocations": len(input.Allocations),
	})
	return s.repo.GetPaymentWithAllocations(ctx, paymentID)
}

// UpdatePayment replaces a payment's allocation set: the old set is fully
// reversed (restoring every line's paid totals and status), the new set is
// applied, and every asset touched by either set is recalculated.
func (s *Service) UpdatePayment(ctx context.Context, id int64, input UpdatePaymentInput) (PaymentWithAllocations, error) {
	if len(input.Allocations) == 0 {
		return PaymentWithAllocations{}, ErrNoAllocations
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		touched, err := s.reverseAllocations(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAllocations(ctx, id); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, id, input, sumAmounts(input.Allocations)); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return ErrPaymentNotFound
			}
			return err
		}

		lines, err := s.lockAllocationTargets(ctx, tx, input.Allocations)
		if err != nil {
			return err
		}
		create := CreatePaymentInput{PaidAt: input.PaidAt, Method: input.Method, Note: input.Note, Allocations: input.Allocations}
		if err := s.applyAllocations(ctx, tx, id, input.Allocations, lines, create); err != nil {
			return err
		}

		touched = mergeIDs(touched, touchedAssets(collectValues(lines)))
		return s.recalculateAssets(ctx, tx, touched)
	})
	if err != nil {
		return PaymentWithAllocations{}, err
	}

	s.logger.Info("payment updated", slog.Int64("payment_id", id))
	s.recordAudit(ctx, "payment.update", id, map[string]any{
		"allocations": len(input.Allocations),
	})
	return s.repo.GetPaymentWithAllocations(ctx, id)
}

// DeletePayment reverses the payment's allocations, removes it, and
// recalculates every touched asset.
func (s *Service) DeletePayment(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		touched, err := s.reverseAllocations(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAllocations(ctx, id); err != nil {
			return err
		}
		if err := tx.DeletePayment(ctx, id); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return ErrPaymentNotFound
			}
			return err
		}
		return s.recalculateAssets(ctx, tx, touched)
	})
	if err != nil {
		return err
	}
	s.logger.Info("payment deleted", slog.Int64("payment_id", id))
	s.recordAudit(ctx, "payment.delete", id, nil)
	return nil
}

// GetPayment returns a payment with its allocation breakdown.
func (s *Service) GetPayment(ctx context.Context, id int64) (PaymentWithAllocations, error) {
	p, err := s.repo.GetPaymentWithAllocations(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return PaymentWithAllocations{}, ErrPaymentNotFound
	}
	return p, err
}

// ListPayments returns all payments, newest first.
func (s *Service) ListPayments(ctx context.Context) ([]Payment, error) {
	return s.repo.ListPayments(ctx)
}

// lockAllocationTargets fetches and row-locks every targeted line, keyed by
// line ID, and validates that each target can receive an allocation.
func (s *Service) lockAllocationTargets(ctx context.Context, tx TxRepository, allocs []AllocationInput) (map[int64]*assets.StoredLine, error) {
	ids := make([]int64, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.LineID)
	}
	lines, err := tx.GetLinesForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*assets.StoredLine, len(lines))
	for i := range lines {
		byID[lines[i].ID] = &lines[i]
	}
	for _, a := range allocs {
		line, ok := byID[a.LineID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d", ErrLineNotFound, a.LineID)
		}
		if line.Kind == schedule.KindDepreciation || line.Kind == schedule.KindAmortization {
			return nil, fmt.Errorf("%w: line %d", ErrLineNotAllocatable, a.LineID)
		}
	}
	return byID, nil
}

// applyAllocations applies each allocation to its line, enforcing the
// allocation invariants, persists the new settlement state, and records
// the allocation rows. A negative amount would net the line back toward
// pending and detach it from the payment on the next recalculation, so
// amounts are rejected here even though the handler already screens them.
func (s *Service) applyAllocations(ctx context.Context, tx TxRepository, paymentID int64, allocs []AllocationInput, lines map[int64]*assets.StoredLine, input CreatePaymentInput) error {
	for _, a := range allocs {
		line := lines[a.LineID]

		if a.Principal.IsNegative() || a.Interest.IsNegative() ||
			(a.Principal.IsZero() && a.Interest.IsZero()) {
			return fmt.Errorf("%w: line %d", ErrInvalidAllocation, a.LineID)
		}

		outstandingPrincipal, outstandingInterest := line.Outstanding()
		if a.Principal.GreaterThan(outstandingPrincipal.Add(schedule.Epsilon)) ||
			a.Interest.GreaterThan(outstandingInterest.Add(schedule.Epsilon)) {
			return fmt.Errorf("%w: line %d", ErrOverAllocation, a.LineID)
		}

		schedule.Apply(&line.Line, a.Principal, a.Interest, input.PaidAt)
		if err := tx.UpdateLineSettlement(ctx, *line); err != nil {
			return err
		}
		if err := tx.CreateAllocation(ctx, paymentID, Allocation{
			PaymentID: paymentID,
			LineID:    line.ID,
			AssetID:   line.AssetID,
			Principal: a.Principal,
			Interest:  a.Interest,
		}); err != nil {
			return err
		}
	}
	return nil
}

// reverseAllocations undoes the payment's existing allocation set and
// returns the touched asset IDs.
func (s *Service) reverseAllocations(ctx context.Context, tx TxRepository, paymentID int64) ([]int64, error) {
	allocs, err := tx.ListAllocations(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.LineID)
	}
	lines, err := tx.GetLinesForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*assets.StoredLine, len(lines))
	for i := range lines {
		byID[lines[i].ID] = &lines[i]
	}
	for _, a := range allocs {
		line, ok := byID[a.LineID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d", ErrLineNotFound, a.LineID)
		}
		schedule.Reverse(&line.Line, a.Principal, a.Interest)
		if err := tx.UpdateLineSettlement(ctx, *line); err != nil {
			return nil, err
		}
	}
	return touchedAssets(collectValues(byID)), nil
}

// recalculateAssets regenerates the unpaid tail of every affected asset's
// schedule from its current settled state. Assets arrive in ascending ID
// order so locks nest consistently. The advisory lock is released when the
// function returns; the row locks taken here hold until commit.
func (s *Service) recalculateAssets(ctx context.Context, tx TxRepository, assetIDs []int64) error {
	var locks []*shared.Lock
	defer func() {
		for _, l := range locks {
			l.Release(ctx)
		}
	}()

	for _, assetID := range assetIDs {
		lock, err := s.locker.Acquire(ctx, shared.ScheduleLockKey(assetID))
		if err != nil {
			return err
		}
		locks = append(locks, lock)

		terms, err := tx.LockAsset(ctx, assetID)
		if err != nil {
			return err
		}
		stored, err := tx.ListAssetLines(ctx, assetID)
		if err != nil {
			return err
		}
		rebuilt, err := schedule.Recalculate(assets.Lines(stored), terms)
		if err != nil {
			return err
		}
		if err := tx.DeleteUnsettledLines(ctx, assetID); err != nil {
			return err
		}
		var fresh []schedule.Line
		for _, l := range rebuilt {
			if !l.Settled() {
				fresh = append(fresh, l)
			}
		}
		if err := tx.InsertLines(ctx, assetID, fresh); err != nil {
			return err
		}
		s.metrics.CountRecalculation()
	}
	return nil
}

func sumAmounts(allocs []AllocationInput) Amounts {
	var out Amounts
	out.Principal = decimal.Zero
	out.Interest = decimal.Zero
	for _, a := range allocs {
		out.Principal = out.Principal.Add(a.Principal)
		out.Interest = out.Interest.Add(a.Interest)
	}
	out.Total = out.Principal.Add(out.Interest)
	return out
}

func collectValues(m map[int64]*assets.StoredLine) []assets.StoredLine {
	out := make([]assets.StoredLine, 0, len(m))
	for _, l := range m {
		out = append(out, *l)
	}
	return out
}

func mergeIDs(a, b []int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, id := range append(append([]int64(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
