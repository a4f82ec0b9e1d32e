package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently by Migrate. Every balance-bearing row is
// written by the ledger service only.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		currency    TEXT NOT NULL,
		balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		held        BIGINT NOT NULL DEFAULT 0 CHECK (held >= 0),
		min_balance BIGINT NOT NULL DEFAULT 0 CHECK (min_balance >= 0),
		status      TEXT NOT NULL DEFAULT 'active',
		version     INT NOT NULL DEFAULT 1,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_owner_kind_idx ON accounts (owner_id, kind)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		amount          BIGINT NOT NULL,
		entry_type      TEXT NOT NULL,
		balance_before  BIGINT NOT NULL,
		balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
		correlation_ref TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL,
		reversed_by     TEXT REFERENCES ledger_entries(id),
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_correlation_idx ON ledger_entries (correlation_ref)`,

	`CREATE TABLE IF NOT EXISTS payment_requests (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		account_id         TEXT NOT NULL REFERENCES accounts(id),
		direction          TEXT NOT NULL,
		purpose            TEXT NOT NULL,
		purpose_ref        TEXT NOT NULL DEFAULT '',
		amount             BIGINT NOT NULL CHECK (amount > 0),
		currency           TEXT NOT NULL,
		provider           TEXT NOT NULL,
		provider_reference TEXT,
		phone              TEXT NOT NULL,
		status             TEXT NOT NULL,
		failure_reason     TEXT,
		idempotency_key    TEXT NOT NULL,
		needs_review       BOOLEAN NOT NULL DEFAULT false,
		ledger_entry_id    TEXT REFERENCES ledger_entries(id),
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_requests_live_key_idx
		ON payment_requests (owner_id, idempotency_key)
		WHERE status NOT IN ('failed', 'cancelled')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_requests_provider_ref_idx
		ON payment_requests (provider, provider_reference)
		WHERE provider_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS payment_requests_status_idx ON payment_requests (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS payment_events (
		id          BIGSERIAL PRIMARY KEY,
		payment_id  TEXT NOT NULL REFERENCES payment_requests(id),
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		source      TEXT NOT NULL,
		detail      JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sacco_savings_accounts (
		account_id       TEXT PRIMARY KEY REFERENCES accounts(id),
		member_id        TEXT NOT NULL UNIQUE,
		interest_rate    NUMERIC(10,6) NOT NULL,
		accrued_interest BIGINT NOT NULL DEFAULT 0,
		minimum_balance  BIGINT NOT NULL DEFAULT 0,
		last_accrued_on  DATE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sacco_loans (
		id                  TEXT PRIMARY KEY,
		member_id           TEXT NOT NULL,
		savings_account_id  TEXT NOT NULL REFERENCES accounts(id),
		loan_account_id     TEXT REFERENCES accounts(id),
		principal           BIGINT NOT NULL CHECK (principal > 0),
		interest_rate       NUMERIC(10,6) NOT NULL,
		term_months         INT NOT NULL,
		outstanding         BIGINT NOT NULL DEFAULT 0 CHECK (outstanding >= 0),
		accrued_interest    BIGINT NOT NULL DEFAULT 0,
		total_repaid        BIGINT NOT NULL DEFAULT 0,
		status              TEXT NOT NULL,
		approved_by         TEXT,
		disbursed_at        TIMESTAMPTZ,
		due_date            TIMESTAMPTZ,
		last_accrued_period TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (disbursed_at IS NULL OR total_repaid + outstanding = principal + accrued_interest)
	)`,
	`CREATE INDEX IF NOT EXISTS sacco_loans_member_idx ON sacco_loans (member_id, status)`,

	`CREATE TABLE IF NOT EXISTS dividend_periods (
		label      TEXT PRIMARY KEY,
		starts_on  DATE NOT NULL,
		ends_on    DATE NOT NULL,
		surplus    BIGINT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dividend_distributions (
		id                 TEXT PRIMARY KEY,
		period_label       TEXT NOT NULL REFERENCES dividend_periods(label),
		member_id          TEXT NOT NULL,
		savings_account_id TEXT NOT NULL REFERENCES accounts(id),
		average_balance    NUMERIC(20,4) NOT NULL,
		amount             BIGINT NOT NULL,
		ledger_entry_id    TEXT NOT NULL REFERENCES ledger_entries(id),
		status             TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (period_label, savings_account_id)
	)`,

	`CREATE TABLE IF NOT EXISTS credit_conversions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		credit_account_id  TEXT NOT NULL REFERENCES accounts(id),
		savings_account_id TEXT NOT NULL REFERENCES accounts(id),
		credits            BIGINT NOT NULL,
		cash_amount        BIGINT NOT NULL,
		fee                BIGINT NOT NULL,
		net_amount         BIGINT NOT NULL,
		rate               TEXT NOT NULL,
		idempotency_key    TEXT NOT NULL UNIQUE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS credit_conversions_user_day_idx ON credit_conversions (user_id, created_at)`,
}

// Migrate creates any missing tables and indexes inside one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
