// Package postgres opens a PostgreSQL-backed engine.TxStore through the
// pgx database/sql driver. Unlike SQLite it supports independent concurrent
// transactions and row locks, so both reservation strategies are safe here.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/claim-bucketing/store/sqlstore"
)

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Rebind:            rebind,
	ForUpdate:         " FOR UPDATE",
	IsUniqueViolation: isUniqueViolation,
}

// Options tunes the connection pool. Zero values keep database/sql defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string, opts Options) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect), nil
}

// Schema mirrors the SQLite schema with native types. Amounts are
// unscaled NUMERIC so totals keep every submitted digit, as in the other
// stores.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		grouping_key TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		claim_count INTEGER NOT NULL DEFAULT 0,
		total_amount NUMERIC NOT NULL,
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		triggered_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		approval_comment TEXT NOT NULL DEFAULT '',
		approved_at TIMESTAMPTZ,
		payment_id TEXT,
		artifact_location TEXT NOT NULL DEFAULT '',
		artifact_checksum TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		awaiting_approval_since TIMESTAMPTZ,
		generation_started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_buckets_open_key
		ON buckets(grouping_key) WHERE status = 'ACCUMULATING'`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_status ON buckets(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS bucket_claims (
		seq BIGSERIAL PRIMARY KEY,
		claim_id TEXT NOT NULL UNIQUE,
		bucket_id TEXT NOT NULL REFERENCES buckets(id),
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		network TEXT,
		route TEXT,
		amount NUMERIC NOT NULL,
		service_date TIMESTAMPTZ NOT NULL,
		attributes_json TEXT,
		admitted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bucket_claims_bucket ON bucket_claims(bucket_id, seq)`,

	`CREATE TABLE IF NOT EXISTS reservation_ranges (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		start_number BIGINT NOT NULL,
		end_number BIGINT NOT NULL,
		next_number BIGINT NOT NULL,
		used BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL,
		routing_number TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (start_number <= end_number),
		CHECK (used >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ranges_payer ON reservation_ranges(payer_id, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS released_instruments (
		range_id TEXT NOT NULL REFERENCES reservation_ranges(id),
		number BIGINT NOT NULL,
		released_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (range_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL REFERENCES buckets(id),
		instrument_number BIGINT NOT NULL,
		range_id TEXT,
		source TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		status TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL,
		routing_number TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		assigned_by TEXT NOT NULL,
		assigned_at TIMESTAMPTZ NOT NULL,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMPTZ,
		issued_at TIMESTAMPTZ,
		voided_by TEXT NOT NULL DEFAULT '',
		voided_at TIMESTAMPTZ,
		void_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_open_bucket_id
		ON payments(bucket_id) WHERE status <> 'VOIDED'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_open_instrument
		ON payments(account_number, instrument_number) WHERE status <> 'VOIDED'`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		bucket_id TEXT,
		payment_id TEXT,
		range_id TEXT,
		instrument BIGINT NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_bucket ON audit_log(bucket_id) WHERE bucket_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_audit_payment ON audit_log(payment_id) WHERE payment_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS ingestion_checkpoints (
		consumer TEXT PRIMARY KEY,
		position BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
