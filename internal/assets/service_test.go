package assets

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

type memoryRepo struct {
	assets map[int64]Asset
	lines  map[int64]*StoredLine

	nextAssetID int64
	nextLineID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{assets: make(map[int64]Asset), lines: make(map[int64]*StoredLine)}
}

func (r *memoryRepo) assetLines(assetID int64) []StoredLine {
	var out []StoredLine
	for _, l := range r.lines {
		if l.AssetID == assetID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetAsset(ctx context.Context, id int64) (Asset, error) {
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, shared.ErrNotFound
	}
	return a, nil
}

func (r *memoryRepo) GetAssetWithSchedule(ctx context.Context, id int64) (AssetWithSchedule, error) {
	a, err := r.GetAsset(ctx, id)
	if err != nil {
		return AssetWithSchedule{}, err
	}
	return AssetWithSchedule{Asset: a, Lines: r.assetLines(id)}, nil
}

func (r *memoryRepo) ListAssets(ctx context.Context, req ListAssetsRequest) ([]Asset, shared.Pagination, error) {
	var out []Asset
	for _, a := range r.assets {
		if req.Category != "" && a.Category != req.Category {
			continue
		}
		if req.Type != "" && a.Terms.Type != req.Type {
			continue
		}
		out = append(out, a)
	}
	return out, shared.NewPagination(req.Page, req.PerPage, len(out)), nil
}

func (r *memoryRepo) ListAssetsWithDueDepreciation(ctx context.Context, until time.Time) ([]int64, error) {
	seen := map[int64]bool{}
	var out []int64
	for _, l := range r.lines {
		if l.Kind != schedule.KindDepreciation && l.Kind != schedule.KindAmortization {
			continue
		}
		if l.Status == schedule.StatusScheduled && !l.DueDate.After(until) && !seen[l.AssetID] {
			seen[l.AssetID] = true
			out = append(out, l.AssetID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) CreateAsset(ctx context.Context, input CreateAssetInput) (int64, error) {
	tx.repo.nextAssetID++
	id := tx.repo.nextAssetID
	tx.repo.assets[id] = Asset{
		ID: id, Code: input.Code, Name: input.Name, Category: input.Category,
		Notes: input.Notes, Terms: input.Terms,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return id, nil
}

func (tx *memoryTx) UpdateAsset(ctx context.Context, id int64, input UpdateAssetInput) error {
	a, ok := tx.repo.assets[id]
	if !ok {
		return shared.ErrNotFound
	}
	a.Name, a.Category, a.Notes, a.Terms = input.Name, input.Category, input.Notes, input.Terms
	a.UpdatedAt = time.Now()
	tx.repo.assets[id] = a
	return nil
}

func (tx *memoryTx) GetAssetForUpdate(ctx context.Context, id int64) (Asset, error) {
	return tx.repo.GetAsset(ctx, id)
}

func (tx *memoryTx) ListLines(ctx context.Context, assetID int64) ([]StoredLine, error) {
	return tx.repo.assetLines(assetID), nil
}

func (tx *memoryTx) InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error {
	for _, l := range lines {
		tx.repo.nextLineID++
		tx.repo.lines[tx.repo.nextLineID] = &StoredLine{
			ID: tx.repo.nextLineID, AssetID: assetID, Line: l,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
	}
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

func (tx *memoryTx) MarkLineProcessed(ctx context.Context, lineID int64) error {
	l, ok := tx.repo.lines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	l.Status = schedule.StatusProcessed
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
	return NewService(repo, nil, nil, nil, nil)
}

func TestCreateAssetGeneratesSchedule(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	out, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Delivery truck", Category: "vehicles",
		Terms: financedTerms(),
	})
	require.NoError(t, err)
	require.Len(t, out.Lines, 13)
	require.Equal(t, 0, out.Lines[0].Seq)
	require.True(t, out.Lines[0].Principal.Equal(dec("2000000")))
	for _, l := range out.Lines {
		require.Equal(t, schedule.StatusPending, l.Status)
	}
}

func TestCreateAssetCasualRentalHasNoSchedule(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	out, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "EQ-007", Name: "Rented crane", Category: "equipment",
		Terms: schedule.AcquisitionTerms{Type: schedule.AcquisitionCasualRental},
	})
	require.NoError(t, err)
	require.Empty(t, out.Lines)
}

func TestCreateAssetRejectsInvalidTerms(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	terms := financedTerms()
	terms.FirstPaymentDate = time.Time{}
	_, err := service.CreateAsset(context.Background(), CreateAssetInput{Code: "X", Name: "X", Terms: terms})
	require.ErrorIs(t, err, ErrInvalidTerms)
	require.Empty(t, repo.assets)
}

func TestUpdateAssetRegeneratesWhenNothingSettled(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Truck", Terms: financedTerms(),
	})
	require.NoError(t, err)

	terms := financedTerms()
	terms.TermMonths = 24
	out, err := service.UpdateAsset(context.Background(), created.ID, UpdateAssetInput{
		Name: "Truck", Terms: terms,
	})
	require.NoError(t, err)
	require.Len(t, out.Lines, 25)

	principal := decimal.Zero
	for _, l := range out.Lines {
		if l.Seq >= 1 {
			principal = principal.Add(l.Principal)
		}
	}
	require.True(t, principal.Sub(dec("10000000")).Abs().LessThanOrEqual(schedule.Epsilon),
		"installment principal %s", principal)
}

func TestUpdateAssetLockedAfterSettlement(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Truck", Terms: financedTerms(),
	})
	require.NoError(t, err)

	// Settle the first installment by hand.
	for _, l := range repo.assetLines(created.ID) {
		if l.Seq == 1 {
			stored := repo.lines[l.ID]
			stored.Status = schedule.StatusPaid
			stored.PaidPrincipal = l.Principal
			stored.PaidInterest = l.Interest
		}
	}

	terms := financedTerms()
	terms.InterestRate = dec("10")
	_, err = service.UpdateAsset(context.Background(), created.ID, UpdateAssetInput{Name: "Truck", Terms: terms})
	var locked *schedule.LockedFieldError
	require.ErrorAs(t, err, &locked)
	require.Contains(t, locked.Fields, "interest_rate")
}

func TestUpdateAssetAllowedAfterSettlement(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Truck", Terms: financedTerms(),
	})
	require.NoError(t, err)

	var settledID int64
	for _, l := range repo.assetLines(created.ID) {
		if l.Seq == 1 {
			stored := repo.lines[l.ID]
			stored.Status = schedule.StatusPaid
			stored.PaidPrincipal = l.Principal
			stored.PaidInterest = l.Interest
			settledID = l.ID
		}
	}

	// Master data edits with unchanged terms pass the guard, and the
	// settled line survives the regeneration untouched.
	out, err := service.UpdateAsset(context.Background(), created.ID, UpdateAssetInput{
		Name: "Truck (repainted)", Terms: financedTerms(),
	})
	require.NoError(t, err)
	require.Equal(t, "Truck (repainted)", out.Name)

	settled, ok := repo.lines[settledID]
	require.True(t, ok)
	require.Equal(t, schedule.StatusPaid, settled.Status)
	require.Len(t, out.Lines, 13)
}

func TestProcessDepreciation(t *testing.T) {
	terms := schedule.AcquisitionTerms{
		Type:                  schedule.AcquisitionOutrightPurchase,
		PurchaseDate:          date(2024, time.January, 15),
		PurchaseCost:          dec("12000000"),
		DownPayment:           dec("12000000"),
		DepreciationMethod:    schedule.MethodStraightLine,
		UsefulLifeMonths:      12,
		FirstDepreciationDate: date(2024, time.January, 31),
	}

	repo := newMemoryRepo()
	service := newTestService(repo)

	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "MC-002", Name: "Press", Terms: terms,
	})
	require.NoError(t, err)

	due, err := service.ListAssetsWithDueDepreciation(context.Background(), date(2024, time.March, 31))
	require.NoError(t, err)
	require.Equal(t, []int64{created.ID}, due)

	processed, err := service.ProcessDepreciation(context.Background(), created.ID, date(2024, time.March, 31))
	require.NoError(t, err)
	require.Equal(t, 3, processed)

	// A second run over the same window is a no-op.
	processed, err = service.ProcessDepreciation(context.Background(), created.ID, date(2024, time.March, 31))
	require.NoError(t, err)
	require.Equal(t, 0, processed)

	// Depreciation terms are now locked.
	changed := terms
	changed.UsefulLifeMonths = 24
	_, err = service.UpdateAsset(context.Background(), created.ID, UpdateAssetInput{Name: "Press", Terms: changed})
	var locked *schedule.LockedFieldError
	require.ErrorAs(t, err, &locked)
}

func TestGetAssetWithScheduleOrdersLinesByDueDate(t *testing.T) {
	terms := financedTerms()
	terms.DepreciationMethod = schedule.MethodStraightLine
	terms.UsefulLifeMonths = 12
	terms.FirstDepreciationDate = date(2024, time.January, 31)

	repo := newMemoryRepo()
	service := newTestService(repo)
	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Truck", Terms: terms,
	})
	require.NoError(t, err)

	out, err := service.GetAssetWithSchedule(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, out.Lines, 25)

	// Financing and depreciation lines interleave chronologically rather
	// than grouping by kind.
	for i := 1; i < len(out.Lines); i++ {
		require.False(t, out.Lines[i].DueDate.Before(out.Lines[i-1].DueDate),
			"line %d due %s before line %d due %s", i, out.Lines[i].DueDate, i-1, out.Lines[i-1].DueDate)
	}
	require.Equal(t, schedule.KindFinancingPayment, out.Lines[0].Kind)
	require.True(t, out.Lines[0].DueDate.Equal(date(2024, time.January, 15)))
	require.Equal(t, schedule.KindDepreciation, out.Lines[1].Kind)
	require.True(t, out.Lines[1].DueDate.Equal(date(2024, time.January, 31)))
	require.Equal(t, schedule.KindFinancingPayment, out.Lines[2].Kind)
}

func TestVerifySchedule(t *testing.T) {
	repo := newMemoryRepo()
	service := newTestService(repo)

	created, err := service.CreateAsset(context.Background(), CreateAssetInput{
		Code: "VH-001", Name: "Truck", Terms: financedTerms(),
	})
	require.NoError(t, err)
	require.NoError(t, service.VerifySchedule(context.Background(), created.ID))

	// Settle the first half, then corrupt one settled line so the covered
	// principal exceeds the financed amount.
	for _, l := range repo.assetLines(created.ID) {
		if l.Seq > 6 {
			continue
		}
		stored := repo.lines[l.ID]
		stored.Status = schedule.StatusPaid
		stored.PaidPrincipal = stored.Principal
		stored.PaidInterest = stored.Interest
		if stored.Seq == 6 {
			stored.Principal = stored.Principal.Add(dec("10000000"))
			stored.PaidPrincipal = stored.Principal
		}
	}

	err = service.VerifySchedule(context.Background(), created.ID)
	var inconsistent *schedule.InconsistentScheduleError
	require.ErrorAs(t, err, &inconsistent)

	require.ErrorIs(t, service.VerifySchedule(context.Background(), 999), ErrAssetNotFound)
}
