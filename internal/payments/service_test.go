package payments

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/reflyh2/assetflow/internal/assets"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

type memoryRepo struct {
	terms       map[int64]schedule.AcquisitionTerms
	lines       map[int64]*assets.StoredLine
	payments    map[int64]Payment
	allocations map[int64][]Allocation

	nextLineID    int64
	nextPaymentID int64
	nextAllocID   int64
	numberCursor  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		terms:       make(map[int64]schedule.AcquisitionTerms),
		lines:       make(map[int64]*assets.StoredLine),
		payments:    make(map[int64]Payment),
		allocations: make(map[int64][]Allocation),
	}
}

// seedAsset generates and stores the schedule for terms, returning the
// asset ID.
func (r *memoryRepo) seedAsset(t *testing.T, assetID int64, terms schedule.AcquisitionTerms) {
	t.Helper()
	r.terms[assetID] = terms
	lines, err := schedule.Generate(terms)
	require.NoError(t, err)
	tx := &memoryTx{repo: r}
	require.NoError(t, tx.InsertLines(context.Background(), assetID, lines))
}

func (r *memoryRepo) assetLines(assetID int64) []assets.StoredLine {
	var out []assets.StoredLine
	for _, l := range r.lines {
		if l.AssetID == assetID {
			out = append(out, *l)
		}
	}
	sortStoredLines(out)
	return out
}

func sortStoredLines(lines []assets.StoredLine) {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Kind != lines[j].Kind {
			return lines[i].Kind < lines[j].Kind
		}
		return lines[i].Seq < lines[j].Seq
	})
}

// WithTx snapshots the store and restores it when fn fails, mirroring a
// rolled-back transaction.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) snapshot() *memoryRepo {
	snap := newMemoryRepo()
	snap.nextLineID, snap.nextPaymentID, snap.nextAllocID, snap.numberCursor =
		r.nextLineID, r.nextPaymentID, r.nextAllocID, r.numberCursor
	for id, t := range r.terms {
		snap.terms[id] = t
	}
	for id, l := range r.lines {
		cp := *l
		snap.lines[id] = &cp
	}
	for id, p := range r.payments {
		snap.payments[id] = p
	}
	for id, as := range r.allocations {
		snap.allocations[id] = append([]Allocation(nil), as...)
	}
	return snap
}

func (r *memoryRepo) restore(snap *memoryRepo) {
	r.terms, r.lines, r.payments, r.allocations = snap.terms, snap.lines, snap.payments, snap.allocations
	r.nextLineID, r.nextPaymentID, r.nextAllocID, r.numberCursor =
		snap.nextLineID, snap.nextPaymentID, snap.nextAllocID, snap.numberCursor
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) GetPaymentWithAllocations(ctx context.Context, id int64) (PaymentWithAllocations, error) {
	p, err := r.GetPayment(ctx, id)
	if err != nil {
		return PaymentWithAllocations{}, err
	}
	return PaymentWithAllocations{Payment: p, Allocations: append([]Allocation(nil), r.allocations[id]...)}, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		out = append(out, p)
	}
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) CreatePayment(ctx context.Context, input CreatePaymentInput, number string, amount Amounts) (int64, error) {
	tx.repo.nextPaymentID++
	id := tx.repo.nextPaymentID
	tx.repo.payments[id] = Payment{
		ID: id, Number: number, Reference: input.Reference,
		PaidAt: input.PaidAt, Method: input.Method, Note: input.Note,
		Amount: amount.Total, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return id, nil
}

func (tx *memoryTx) UpdatePayment(ctx context.Context, id int64, input UpdatePaymentInput, amount Amounts) error {
	p, ok := tx.repo.payments[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.PaidAt, p.Method, p.Note, p.Amount = input.PaidAt, input.Method, input.Note, amount.Total
	tx.repo.payments[id] = p
	return nil
}

func (tx *memoryTx) DeletePayment(ctx context.Context, id int64) error {
	if _, ok := tx.repo.payments[id]; !ok {
		return shared.ErrNotFound
	}
	delete(tx.repo.payments, id)
	return nil
}

func (tx *memoryTx) GeneratePaymentNumber(ctx context.Context) (string, error) {
	tx.repo.numberCursor++
	return fmt.Sprintf("PAY-%06d", tx.repo.numberCursor), nil
}

func (tx *memoryTx) CreateAllocation(ctx context.Context, paymentID int64, alloc Allocation) error {
	tx.repo.nextAllocID++
	alloc.ID = tx.repo.nextAllocID
	alloc.PaymentID = paymentID
	tx.repo.allocations[paymentID] = append(tx.repo.allocations[paymentID], alloc)
	return nil
}

func (tx *memoryTx) DeleteAllocations(ctx context.Context, paymentID int64) error {
	delete(tx.repo.allocations, paymentID)
	return nil
}

func (tx *memoryTx) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return append([]Allocation(nil), tx.repo.allocations[paymentID]...), nil
}

func (tx *memoryTx) LockAsset(ctx context.Context, assetID int64) (schedule.AcquisitionTerms, error) {
	terms, ok := tx.repo.terms[assetID]
	if !ok {
		return schedule.AcquisitionTerms{}, shared.ErrNotFound
	}
	return terms, nil
}

func (tx *memoryTx) GetLinesForUpdate(ctx context.Context, lineIDs []int64) ([]assets.StoredLine, error) {
	var out []assets.StoredLine
	for _, id := range lineIDs {
		if l, ok := tx.repo.lines[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (tx *memoryTx) ListAssetLines(ctx context.Context, assetID int64) ([]assets.StoredLine, error) {
	return tx.repo.assetLines(assetID), nil
}

func (tx *memoryTx) UpdateLineSettlement(ctx context.Context, line assets.StoredLine) error {
	stored, ok := tx.repo.lines[line.ID]
	if !ok {
		return shared.ErrNotFound
	}
	stored.PaidPrincipal = line.PaidPrincipal
	stored.PaidInterest = line.PaidInterest
	stored.Status = line.Status
	stored.PaidDate = line.PaidDate
	return nil
}

func (tx *memoryTx) DeleteUnsettledLines(ctx context.Context, assetID int64) error {
	for id, l := range tx.repo.lines {
		if l.AssetID == assetID && (l.Status == schedule.StatusPending || l.Status == schedule.StatusScheduled) {
			delete(tx.repo.lines, id)
		}
	}
	return nil
}

func (tx *memoryTx) InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error {
	for _, l := range lines {
		tx.repo.nextLineID++
		tx.repo.lines[tx.repo.nextLineID] = &assets.StoredLine{
			ID: tx.repo.nextLineID, AssetID: assetID, Line: l,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
	}
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func financedTerms() schedule.AcquisitionTerms {
	return schedule.AcquisitionTerms{
		Type:             schedule.AcquisitionFinancedPurchase,
		PurchaseDate:     date(2024, time.January, 15),
		PurchaseCost:     dec("12000000"),
		DownPayment:      dec("2000000"),
		FinancingAmount:  dec("10000000"),
		InterestRate:     dec("12"),
		TermMonths:       12,
		FirstPaymentDate: date(2024, time.February, 1),
		Frequency:        schedule.FrequencyMonthly,
	}
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil, nil)
}

// firstInstallment returns the stored line for the first amortized
// installment (the down payment is seq 0).
func firstInstallment(t *testing.T, repo *memoryRepo, assetID int64) assets.StoredLine {
	t.Helper()
	for _, l := range repo.assetLines(assetID) {
		if l.Kind == schedule.KindFinancingPayment && l.Seq == 1 {
			return l
		}
	}
	t.Fatal("installment not found")
	return assets.StoredLine{}
}

func TestCreatePaymentMarksLinePaid(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	target := firstInstallment(t, repo, 1)
	payment, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Method: "bank_transfer",
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: target.Principal, Interest: target.Interest},
		},
	})
	require.NoError(t, err)
	require.Len(t, payment.Allocations, 1)
	require.True(t, payment.Amount.Equal(target.Principal.Add(target.Interest)))

	updated := firstInstallment(t, repo, 1)
	require.Equal(t, schedule.StatusPaid, updated.Status)
	require.NotNil(t, updated.PaidDate)

	// The schedule still reconciles: 13 lines, and pending installment
	// principal covers exactly what remains of the financing amount.
	all := repo.assetLines(1)
	require.Len(t, all, 13)
	pendingPrincipal := decimal.Zero
	for _, l := range all {
		if l.Seq >= 1 && l.Status == schedule.StatusPending {
			pendingPrincipal = pendingPrincipal.Add(l.Principal)
		}
	}
	want := dec("10000000").Sub(target.Principal)
	require.True(t, pendingPrincipal.Sub(want).Abs().LessThanOrEqual(schedule.Epsilon),
		"pending principal %s want %s", pendingPrincipal, want)
}

func TestCreatePaymentPartialAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	target := firstInstallment(t, repo, 1)
	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: dec("100000"), Interest: target.Interest},
		},
	})
	require.NoError(t, err)
	require.Equal(t, schedule.StatusPartial, firstInstallment(t, repo, 1).Status)
}

func TestCreatePaymentRejectsOverAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	target := firstInstallment(t, repo, 1)
	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: target.Principal.Add(dec("1")), Interest: target.Interest},
		},
	})
	require.ErrorIs(t, err, ErrOverAllocation)

	// Nothing was persisted for the failed payment.
	require.Empty(t, repo.payments)
	require.Equal(t, schedule.StatusPending, firstInstallment(t, repo, 1).Status)
}

func TestCreatePaymentRejectsNegativeAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	// A negative allocation would net the line back to pending while the
	// allocation row keeps pointing at it; recalculation then replaces the
	// line and strands the payment.
	target := firstInstallment(t, repo, 1)
	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: dec("-500"), Interest: target.Interest},
		},
	})
	require.ErrorIs(t, err, ErrInvalidAllocation)
	require.Empty(t, repo.payments)
	require.Equal(t, schedule.StatusPending, firstInstallment(t, repo, 1).Status)
	require.True(t, firstInstallment(t, repo, 1).PaidPrincipal.IsZero())
}

func TestCreatePaymentRejectsZeroAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	target := firstInstallment(t, repo, 1)
	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: decimal.Zero, Interest: decimal.Zero},
		},
	})
	require.ErrorIs(t, err, ErrInvalidAllocation)
	require.Empty(t, repo.payments)
}

func TestUpdatePaymentRejectsNegativeAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	target := firstInstallment(t, repo, 1)
	payment, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: target.Principal, Interest: target.Interest},
		},
	})
	require.NoError(t, err)

	_, err = service.UpdatePayment(context.Background(), payment.ID, UpdatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: dec("-1"), Interest: decimal.Zero},
		},
	})
	require.ErrorIs(t, err, ErrInvalidAllocation)

	// The rolled-back transaction leaves the original allocation intact,
	// so the payment can still be deleted cleanly.
	require.Equal(t, schedule.StatusPaid, firstInstallment(t, repo, 1).Status)
	require.NoError(t, service.DeletePayment(context.Background(), payment.ID))
}

func TestCreatePaymentRejectsDepreciationTarget(t *testing.T) {
	terms := financedTerms()
	terms.DepreciationMethod = schedule.MethodStraightLine
	terms.UsefulLifeMonths = 12
	terms.FirstDepreciationDate = date(2024, time.January, 31)

	repo := newMemoryRepo()
	repo.seedAsset(t, 1, terms)
	service := newTestService(repo)

	var entry assets.StoredLine
	for _, l := range repo.assetLines(1) {
		if l.Kind == schedule.KindDepreciation {
			entry = l
			break
		}
	}
	require.NotZero(t, entry.ID)

	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt:      date(2024, time.February, 1),
		Allocations: []AllocationInput{{LineID: entry.ID, Principal: entry.Amount}},
	})
	require.ErrorIs(t, err, ErrLineNotAllocatable)
}

func TestDeletePaymentRestoresSchedule(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	before := repo.assetLines(1)
	target := firstInstallment(t, repo, 1)

	payment, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: target.ID, Principal: target.Principal, Interest: target.Interest},
		},
	})
	require.NoError(t, err)

	require.NoError(t, service.DeletePayment(context.Background(), payment.ID))

	after := repo.assetLines(1)
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].Kind, after[i].Kind)
		require.Equal(t, before[i].Seq, after[i].Seq)
		require.Equal(t, schedule.StatusPending, after[i].Status)
		require.True(t, after[i].Amount.Equal(before[i].Amount),
			"line %d amount %s want %s", i, after[i].Amount, before[i].Amount)
		require.True(t, after[i].PaidPrincipal.IsZero())
	}
	_, err = service.GetPayment(context.Background(), payment.ID)
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestUpdatePaymentMovesAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedAsset(t, 1, financedTerms())
	service := newTestService(repo)

	first := firstInstallment(t, repo, 1)
	payment, err := service.CreatePayment(context.Background(), CreatePaymentInput{
		PaidAt: date(2024, time.February, 1),
		Allocations: []AllocationInput{
			{LineID: first.ID, Principal: first.Principal, Interest: first.Interest},
		},
	})
	require.NoError(t, err)
	require.Equal(t, schedule.StatusPaid, firstInstallment(t, repo, 1).Status)

	// Move the payment to the second installment instead.
	var second assets.StoredLine
	for _, l := range repo.assetLines(1) {
		if l.Kind == schedule.KindFinancingPayment && l.Seq == 2 {
			second = l
			break
		}
	}
	require.NotZero(t, second.ID)

	updated, err := service.UpdatePayment(context.Background(), payment.ID, UpdatePaymentInput{
		PaidAt: date(2024, time.March, 1),
		Allocations: []AllocationInput{
			{LineID: second.ID, Principal: second.Principal, Interest: second.Interest},
		},
	})
	require.NoError(t, err)
	require.Len(t, updated.Allocations, 1)
	require.Equal(t, second.ID, updated.Allocations[0].LineID)

	require.Equal(t, schedule.StatusPending, firstInstallment(t, repo, 1).Status)
	for _, l := range repo.assetLines(1) {
		if l.ID == second.ID {
			require.Equal(t, schedule.StatusPaid, l.Status)
		}
	}
}

func TestDeleteUnknownPayment(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)
	err := service.DeletePayment(context.Background(), 99)
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestCreatePaymentRequiresAllocations(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)
	_, err := service.CreatePayment(context.Background(), CreatePaymentInput{PaidAt: date(2024, time.January, 1)})
	require.ErrorIs(t, err, ErrNoAllocations)
}
