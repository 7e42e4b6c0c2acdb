package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/reflyh2/assetflow/internal/assets"
	"github.com/reflyh2/assetflow/internal/platform/db"
	"github.com/reflyh2/assetflow/internal/schedule"
	"github.com/reflyh2/assetflow/internal/shared"
)

// Repository defines payment data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetPayment(ctx context.Context, id int64) (Payment, error)
	GetPaymentWithAllocations(ctx context.Context, id int64) (PaymentWithAllocations, error)
	ListPayments(ctx context.Context) ([]Payment, error)
}

// TxRepository defines the operations of one allocation transaction. The
// payments module reads and writes asset schedule lines directly: the
// reverse/reapply/recalculate chain must commit as a unit, so it cannot be
// split across a second module's transaction.
type TxRepository interface {
	CreatePayment(ctx context.Context, input CreatePaymentInput, number string, amount Amounts) (int64, error)
	UpdatePayment(ctx context.Context, id int64, input UpdatePaymentInput, amount Amounts) error
	DeletePayment(ctx context.Context, id int64) error
	GeneratePaymentNumber(ctx context.Context) (string, error)

	CreateAllocation(ctx context.Context, paymentID int64, alloc Allocation) error
	DeleteAllocations(ctx context.Context, paymentID int64) error
	ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error)

	LockAsset(ctx context.Context, assetID int64) (schedule.AcquisitionTerms, error)
	GetLinesForUpdate(ctx context.Context, lineIDs []int64) ([]assets.StoredLine, error)
	ListAssetLines(ctx context.Context, assetID int64) ([]assets.StoredLine, error)
	UpdateLineSettlement(ctx context.Context, line assets.StoredLine) error
	DeleteUnsettledLines(ctx context.Context, assetID int64) error
	InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error
}

// Amounts is the payment's component totals, derived from its allocations.
type Amounts struct {
	Principal decimal.Decimal
	Interest  decimal.Decimal
	Total     decimal.Decimal
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

// WithTx wraps fn in a repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT id, number, reference, paid_at, method, note, amount, created_at, updated_at
		 FROM payments WHERE id=$1`, id))
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Number, &p.Reference, &p.PaidAt, &p.Method, &p.Note, &p.Amount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, shared.ErrNotFound
	}
	return p, err
}

func (r *pgRepository) GetPaymentWithAllocations(ctx context.Context, id int64) (PaymentWithAllocations, error) {
	p, err := r.GetPayment(ctx, id)
	if err != nil {
		return PaymentWithAllocations{}, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, line_id, asset_id, principal, interest, created_at
		 FROM payment_allocations WHERE payment_id=$1 ORDER BY id`, id)
	if err != nil {
		return PaymentWithAllocations{}, err
	}
	defer rows.Close()
	out := PaymentWithAllocations{Payment: p}
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.LineID, &a.AssetID, &a.Principal, &a.Interest, &a.CreatedAt); err != nil {
			return PaymentWithAllocations{}, err
		}
		out.Allocations = append(out.Allocations, a)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListPayments(ctx context.Context) ([]Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, reference, paid_at, method, note, amount, created_at, updated_at
		 FROM payments ORDER BY paid_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) CreatePayment(ctx context.Context, input CreatePaymentInput, number string, amount Amounts) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO payments
		(number, reference, paid_at, method, note, amount, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now()) RETURNING id`,
		number, input.Reference, input.PaidAt, input.Method, input.Note, amount.Total,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, shared.ErrConflict
		}
		return 0, err
	}
	return id, nil
}

func (r *pgTxRepository) UpdatePayment(ctx context.Context, id int64, input UpdatePaymentInput, amount Amounts) error {
	tag, err := r.tx.Exec(ctx, `UPDATE payments SET paid_at=$2, method=$3, note=$4, amount=$5, updated_at=now() WHERE id=$1`,
		id, input.PaidAt, input.Method, input.Note, amount.Total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *pgTxRepository) DeletePayment(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM payments WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *pgTxRepository) GeneratePaymentNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('payment_number_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY-%06d", seq), nil
}

func (r *pgTxRepository) CreateAllocation(ctx context.Context, paymentID int64, alloc Allocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO payment_allocations
		(payment_id, line_id, asset_id, principal, interest, created_at)
		VALUES ($1,$2,$3,$4,$5,now())`,
		paymentID, alloc.LineID, alloc.AssetID, alloc.Principal, alloc.Interest)
	return err
}

func (r *pgTxRepository) DeleteAllocations(ctx context.Context, paymentID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM payment_allocations WHERE payment_id=$1`, paymentID)
	return err
}

func (r *pgTxRepository) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, payment_id, line_id, asset_id, principal, interest, created_at
		 FROM payment_allocations WHERE payment_id=$1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.LineID, &a.AssetID, &a.Principal, &a.Interest, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LockAsset takes the owning asset's row lock and returns its terms for
// recalculation. NOWAIT maps a held lock to shared.ErrConflict.
func (r *pgTxRepository) LockAsset(ctx context.Context, assetID int64) (schedule.AcquisitionTerms, error) {
	var terms schedule.AcquisitionTerms
	var purchaseDate, firstPayment, rentalStart, rentalEnd, firstDepreciation *time.Time
	err := r.tx.QueryRow(ctx, `SELECT
		acquisition_type, purchase_date, purchase_cost, down_payment, financing_amount,
		interest_rate, term_months, first_payment_date, payment_frequency,
		rental_amount, rental_start_date, rental_end_date,
		depreciation_method, useful_life_months, salvage_value, first_depreciation_date, intangible
		FROM assets WHERE id=$1 FOR UPDATE NOWAIT`, assetID).Scan(
		&terms.Type, &purchaseDate, &terms.PurchaseCost, &terms.DownPayment, &terms.FinancingAmount,
		&terms.InterestRate, &terms.TermMonths, &firstPayment, &terms.Frequency,
		&terms.RentalAmount, &rentalStart, &rentalEnd,
		&terms.DepreciationMethod, &terms.UsefulLifeMonths, &terms.SalvageValue, &firstDepreciation, &terms.Intangible,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return terms, shared.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return terms, shared.ErrConflict
		}
		return terms, err
	}
	terms.PurchaseDate = derefTime(purchaseDate)
	terms.FirstPaymentDate = derefTime(firstPayment)
	terms.RentalStartDate = derefTime(rentalStart)
	terms.RentalEndDate = derefTime(rentalEnd)
	terms.FirstDepreciationDate = derefTime(firstDepreciation)
	return terms, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const lineColumns = `id, asset_id, kind, seq, due_date, period_start, period_end,
	principal, interest, amount, cumulative, remaining,
	status, paid_principal, paid_interest, paid_date, notes, created_at, updated_at`

func (r *pgTxRepository) GetLinesForUpdate(ctx context.Context, lineIDs []int64) ([]assets.StoredLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lineColumns+`
		FROM asset_schedule_lines WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lineIDs)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

func (r *pgTxRepository) ListAssetLines(ctx context.Context, assetID int64) ([]assets.StoredLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lineColumns+`
		FROM asset_schedule_lines WHERE asset_id=$1 ORDER BY kind, seq FOR UPDATE`, assetID)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

func collectLines(rows pgx.Rows) ([]assets.StoredLine, error) {
	defer rows.Close()
	var out []assets.StoredLine
	for rows.Next() {
		var l assets.StoredLine
		var periodStart, periodEnd, paidDate *time.Time
		err := rows.Scan(
			&l.ID, &l.AssetID, &l.Kind, &l.Seq, &l.DueDate, &periodStart, &periodEnd,
			&l.Principal, &l.Interest, &l.Amount, &l.Cumulative, &l.Remaining,
			&l.Status, &l.PaidPrincipal, &l.PaidInterest, &paidDate, &l.Notes, &l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		l.PeriodStart = derefTime(periodStart)
		l.PeriodEnd = derefTime(periodEnd)
		l.PaidDate = paidDate
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *pgTxRepository) UpdateLineSettlement(ctx context.Context, line assets.StoredLine) error {
	tag, err := r.tx.Exec(ctx, `UPDATE asset_schedule_lines
		SET paid_principal=$2, paid_interest=$3, status=$4, paid_date=$5, updated_at=now()
		WHERE id=$1`,
		line.ID, line.PaidPrincipal, line.PaidInterest, string(line.Status), line.PaidDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *pgTxRepository) DeleteUnsettledLines(ctx context.Context, assetID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM asset_schedule_lines
		WHERE asset_id=$1 AND status IN ('pending','scheduled')`, assetID)
	return err
}

func (r *pgTxRepository) InsertLines(ctx context.Context, assetID int64, lines []schedule.Line) error {
	for _, l := range lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO asset_schedule_lines
			(asset_id, kind, seq, due_date, period_start, period_end,
			 principal, interest, amount, cumulative, remaining,
			 status, paid_principal, paid_interest, paid_date, notes, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())`,
			assetID, string(l.Kind), l.Seq, l.DueDate, nullableTime(l.PeriodStart), nullableTime(l.PeriodEnd),
			l.Principal, l.Interest, l.Amount, l.Cumulative, l.Remaining,
			string(l.Status), l.PaidPrincipal, l.PaidInterest, l.PaidDate, l.Notes,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
