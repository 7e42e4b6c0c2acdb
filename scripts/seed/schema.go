package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		acquisition_type TEXT NOT NULL,
		purchase_date DATE,
		purchase_cost NUMERIC(18,2) NOT NULL DEFAULT 0,
		down_payment NUMERIC(18,2) NOT NULL DEFAULT 0,
		financing_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		interest_rate NUMERIC(9,4) NOT NULL DEFAULT 0,
		term_months INT NOT NULL DEFAULT 0,
		first_payment_date DATE,
		payment_frequency TEXT NOT NULL DEFAULT 'monthly',
		rental_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		rental_start_date DATE,
		rental_end_date DATE,
		depreciation_method TEXT NOT NULL DEFAULT '',
		useful_life_months INT NOT NULL DEFAULT 0,
		salvage_value NUMERIC(18,2) NOT NULL DEFAULT 0,
		first_depreciation_date DATE,
		intangible BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS asset_schedule_lines (
		id BIGSERIAL PRIMARY KEY,
		asset_id BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		seq INT NOT NULL,
		due_date DATE NOT NULL,
		period_start DATE,
		period_end DATE,
		principal NUMERIC(18,2) NOT NULL DEFAULT 0,
		interest NUMERIC(18,2) NOT NULL DEFAULT 0,
		amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		cumulative NUMERIC(18,2) NOT NULL DEFAULT 0,
		remaining NUMERIC(18,2) NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		paid_principal NUMERIC(18,2) NOT NULL DEFAULT 0,
		paid_interest NUMERIC(18,2) NOT NULL DEFAULT 0,
		paid_date DATE,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (asset_id, kind, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_lines_due
		ON asset_schedule_lines (kind, status, due_date)`,
	`CREATE SEQUENCE IF NOT EXISTS payment_number_seq`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		reference UUID NOT NULL,
		paid_at DATE NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_allocations (
		id BIGSERIAL PRIMARY KEY,
		payment_id BIGINT NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
		line_id BIGINT NOT NULL REFERENCES asset_schedule_lines(id),
		asset_id BIGINT NOT NULL REFERENCES assets(id),
		principal NUMERIC(18,2) NOT NULL DEFAULT 0,
		interest NUMERIC(18,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		meta JSONB,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
