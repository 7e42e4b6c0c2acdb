package assets

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflyh2/assetflow/internal/platform/db"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

// Repository defines asset and schedule-line data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetAsset(ctx context.Context, id int64) (Asset, error)
	GetAssetWithSchedule(ctx context.Context, id int64) (AssetWithSchedule, error)
	ListAssets(ctx context.Context, req ListAssetsRequest) ([]Asset, shared.Pagination, error)
	ListAssetsWithDueDepreciation(ctx context.Context, until time.Time) ([]int64, error)
}

// TxRepository defines operations inside one schedule transaction. Callers
// must take the asset row lock before reading or mutating its lines.
type TxRepository interface {
	CreateAsset(ctx context.Context, input CreateAssetInput) (int64, error)
	UpdateAsset(ctx context.Context, id int64, input UpdateAssetInput) error
	GetAssetForUpdate(ctx context.Context, id int64) (Asset, error)

	ListLines(ctx context.Context, assetID int64) ([]StoredLine, error)
	InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error
	DeleteUnsettledLines(ctx context.Context, assetID int64) error
	MarkLineProcessed(ctx context.Context, lineID int64) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTxRepository struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction. Any error rolls the
// whole schedule mutation back; partial schedules are never persisted.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const assetColumns = `id, code, name, category, notes,
	acquisition_type, purchase_date, purchase_cost, down_payment, financing_amount,
	interest_rate, term_months, first_payment_date, payment_frequency,
	rental_amount, rental_start_date, rental_end_date,
	depreciation_method, useful_life_months, salvage_value, first_depreciation_date, intangible,
	created_at, updated_at`

func scanAsset(row pgx.Row) (Asset, error) {
	var a Asset
	var purchaseDate, firstPayment, rentalStart, rentalEnd, firstDepreciation *time.Time
	err := row.Scan(
		&a.ID, &a.Code, &a.Name, &a.Category, &a.Notes,
		&a.Terms.Type, &purchaseDate, &a.Terms.PurchaseCost, &a.Terms.DownPayment, &a.Terms.FinancingAmount,
		&a.Terms.InterestRate, &a.Terms.TermMonths, &firstPayment, &a.Terms.Frequency,
		&a.Terms.RentalAmount, &rentalStart, &rentalEnd,
		&a.Terms.DepreciationMethod, &a.Terms.UsefulLifeMonths, &a.Terms.SalvageValue, &firstDepreciation, &a.Terms.Intangible,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, shared.ErrNotFound
		}
		return Asset{}, err
	}
	a.Terms.PurchaseDate = deref(purchaseDate)
	a.Terms.FirstPaymentDate = deref(firstPayment)
	a.Terms.RentalStartDate = deref(rentalStart)
	a.Terms.RentalEndDate = deref(rentalEnd)
	a.Terms.FirstDepreciationDate = deref(firstDepreciation)
	return a, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *pgRepository) GetAsset(ctx context.Context, id int64) (Asset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, id)
	return scanAsset(row)
}

func (r *pgRepository) GetAssetWithSchedule(ctx context.Context, id int64) (AssetWithSchedule, error) {
	asset, err := r.GetAsset(ctx, id)
	if err != nil {
		return AssetWithSchedule{}, err
	}
	lines, err := queryLines(ctx, r.pool, id, false)
	if err != nil {
		return AssetWithSchedule{}, err
	}
	return AssetWithSchedule{Asset: asset, Lines: lines}, nil
}

func (r *pgRepository) ListAssets(ctx context.Context, req ListAssetsRequest) ([]Asset, shared.Pagination, error) {
	where := ` FROM assets WHERE 1=1`
	args := []any{}
	if req.Category != "" {
		args = append(args, req.Category)
		where += ` AND category=$1`
	}
	if req.Type != "" {
		args = append(args, string(req.Type))
		where += ` AND acquisition_type=$` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*)`+where, args...).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(req.Page, req.PerPage, total)

	args = append(args, page.PerPage)
	query := `SELECT ` + assetColumns + where + ` ORDER BY code LIMIT $` + strconv.Itoa(len(args))
	args = append(args, (page.Page-1)*page.PerPage)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, shared.Pagination{}, err
		}
		out = append(out, a)
	}
	return out, page, rows.Err()
}

// ListAssetsWithDueDepreciation returns IDs of assets that still have
// scheduled depreciation entries dated on or before the cutoff. The posting
// worker walks this list.
func (r *pgRepository) ListAssetsWithDueDepreciation(ctx context.Context, until time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT asset_id FROM asset_schedule_lines
		WHERE kind IN ('depreciation','amortization') AND status='scheduled' AND due_date <= $1
		ORDER BY asset_id`, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgTxRepository) CreateAsset(ctx context.Context, input CreateAssetInput) (int64, error) {
	t := input.Terms
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO assets
		(code, name, category, notes,
		 acquisition_type, purchase_date, purchase_cost, down_payment, financing_amount,
		 interest_rate, term_months, first_payment_date, payment_frequency,
		 rental_amount, rental_start_date, rental_end_date,
		 depreciation_method, useful_life_months, salvage_value, first_depreciation_date, intangible,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,now(),now())
		RETURNING id`,
		input.Code, input.Name, input.Category, input.Notes,
		string(t.Type), nullable(t.PurchaseDate), t.PurchaseCost, t.DownPayment, t.FinancingAmount,
		t.InterestRate, t.TermMonths, nullable(t.FirstPaymentDate), string(t.Frequency),
		t.RentalAmount, nullable(t.RentalStartDate), nullable(t.RentalEndDate),
		string(t.DepreciationMethod), t.UsefulLifeMonths, t.SalvageValue, nullable(t.FirstDepreciationDate), t.Intangible,
	).Scan(&id)
	return id, err
}

func (r *pgTxRepository) UpdateAsset(ctx context.Context, id int64, input UpdateAssetInput) error {
	t := input.Terms
	tag, err := r.tx.Exec(ctx, `UPDATE assets SET
		name=$2, category=$3, notes=$4,
		acquisition_type=$5, purchase_date=$6, purchase_cost=$7, down_payment=$8, financing_amount=$9,
		interest_rate=$10, term_months=$11, first_payment_date=$12, payment_frequency=$13,
		rental_amount=$14, rental_start_date=$15, rental_end_date=$16,
		depreciation_method=$17, useful_life_months=$18, salvage_value=$19, first_depreciation_date=$20, intangible=$21,
		updated_at=now()
		WHERE id=$1`,
		id, input.Name, input.Category, input.Notes,
		string(t.Type), nullable(t.PurchaseDate), t.PurchaseCost, t.DownPayment, t.FinancingAmount,
		t.InterestRate, t.TermMonths, nullable(t.FirstPaymentDate), string(t.Frequency),
		t.RentalAmount, nullable(t.RentalStartDate), nullable(t.RentalEndDate),
		string(t.DepreciationMethod), t.UsefulLifeMonths, t.SalvageValue, nullable(t.FirstDepreciationDate), t.Intangible,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// GetAssetForUpdate takes the row lock serializing schedule mutations for
// this asset. NOWAIT turns a held lock into shared.ErrConflict instead of
// blocking for the transaction timeout.
func (r *pgTxRepository) GetAssetForUpdate(ctx context.Context, id int64) (Asset, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1 FOR UPDATE NOWAIT`, id)
	asset, err := scanAsset(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return Asset{}, shared.ErrConflict
		}
		return Asset{}, err
	}
	return asset, nil
}

func (r *pgTxRepository) ListLines(ctx context.Context, assetID int64) ([]StoredLine, error) {
	return queryLines(ctx, r.tx, assetID, true)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, assetID int64, forUpdate bool) ([]StoredLine, error) {
	query := `SELECT id, asset_id, kind, seq, due_date, period_start, period_end,
		principal, interest, amount, cumulative, remaining,
		status, paid_principal, paid_interest, paid_date, notes, created_at, updated_at
		FROM asset_schedule_lines WHERE asset_id=$1 ORDER BY due_date, kind, seq`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLine(rows pgx.Rows) (StoredLine, error) {
	var l StoredLine
	var periodStart, periodEnd, paidDate *time.Time
	err := rows.Scan(
		&l.ID, &l.AssetID, &l.Kind, &l.Seq, &l.DueDate, &periodStart, &periodEnd,
		&l.Principal, &l.Interest, &l.Amount, &l.Cumulative, &l.Remaining,
		&l.Status, &l.PaidPrincipal, &l.PaidInterest, &paidDate, &l.Notes, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return StoredLine{}, err
	}
	l.PeriodStart = deref(periodStart)
	l.PeriodEnd = deref(periodEnd)
	l.PaidDate = paidDate
	return l, nil
}

func (r *pgTxRepository) InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error {
	for _, l := range lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO asset_schedule_lines
			(asset_id, kind, seq, due_date, period_start, period_end,
			 principal, interest, amount, cumulative, remaining,
			 status, paid_principal, paid_interest, paid_date, notes, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())`,
			assetID, string(l.Kind), l.Seq, l.DueDate, nullable(l.PeriodStart), nullable(l.PeriodEnd),
			l.Principal, l.Interest, l.Amount, l.Cumulative, l.Remaining,
			string(l.Status), l.PaidPrincipal, l.PaidInterest, l.PaidDate, l.Notes,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteUnsettledLines removes every line payments and postings have not
// touched. Settled history stays.
func (r *pgTxRepository) DeleteUnsettledLines(ctx context.Context, assetID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM asset_schedule_lines
		WHERE asset_id=$1 AND status IN ('pending','scheduled')`, assetID)
	return err
}

func (r *pgTxRepository) MarkLineProcessed(ctx context.Context, lineID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE asset_schedule_lines SET status='processed', updated_at=now()
		WHERE id=$1 AND status='scheduled'`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
