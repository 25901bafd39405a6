/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Opens a SQLite database, applies the schema and returns an
  engine.TxStore. Queries are shared with PostgreSQL through sqlstore;
  this package owns the DDL and the driver specifics.

KEY TABLES:
  buckets:               One row per bucket, versioned for optimistic updates
  bucket_claims:         Claim membership (append-only)
  reservation_ranges:    Check number blocks per payer
  released_instruments:  Free list of returned numbers per range
  payments:              Check instruments assigned to buckets
  audit_log:             Append-only history
  ingestion_checkpoints: Consumer positions for the claim feed

INDEXES:
  - idx_buckets_open_key: at most one ACCUMULATING bucket per grouping key
  - idx_payments_open_bucket_id: at most one non-voided payment per bucket
  - idx_payments_open_instrument: a check number is held once per account

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection so a
  transaction never waits on a lock held by another connection of the same
  process; WithTx therefore serializes every writer, and the shared
  reservation strategy is the right fit.

WAL MODE:
  Opened with WAL so readers in other processes don't block the writer.

USAGE:
  store, err := sqlite.New("./data/claims.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlstore: Query implementation
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/claim-bucketing/store/sqlstore"
)

// Dialect is the SQLite flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueConstraintError,
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := sqlstore.Migrate(context.Background(), db, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect), nil
}

// Schema is applied in order by New.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		grouping_key TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		claim_count INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL,
		requires_approval BOOLEAN NOT NULL DEFAULT 0,
		triggered_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		approval_comment TEXT NOT NULL DEFAULT '',
		approved_at TIMESTAMP,
		payment_id TEXT,
		artifact_location TEXT NOT NULL DEFAULT '',
		artifact_checksum TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		awaiting_approval_since TIMESTAMP,
		generation_started_at TIMESTAMP,
		completed_at TIMESTAMP,
		failed_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_buckets_open_key
		ON buckets(grouping_key) WHERE status = 'ACCUMULATING'`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_status ON buckets(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS bucket_claims (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_id TEXT NOT NULL UNIQUE,
		bucket_id TEXT NOT NULL REFERENCES buckets(id),
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		network TEXT,
		route TEXT,
		amount TEXT NOT NULL,
		service_date TIMESTAMP NOT NULL,
		attributes_json TEXT,
		admitted_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bucket_claims_bucket ON bucket_claims(bucket_id, seq)`,

	`CREATE TABLE IF NOT EXISTS reservation_ranges (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		start_number INTEGER NOT NULL,
		end_number INTEGER NOT NULL,
		next_number INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL,
		routing_number TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		CHECK (start_number <= end_number),
		CHECK (used >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ranges_payer ON reservation_ranges(payer_id, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS released_instruments (
		range_id TEXT NOT NULL REFERENCES reservation_ranges(id),
		number INTEGER NOT NULL,
		released_at TIMESTAMP NOT NULL,
		PRIMARY KEY (range_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL REFERENCES buckets(id),
		instrument_number INTEGER NOT NULL,
		range_id TEXT,
		source TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL,
		routing_number TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		assigned_by TEXT NOT NULL,
		assigned_at TIMESTAMP NOT NULL,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMP,
		issued_at TIMESTAMP,
		voided_by TEXT NOT NULL DEFAULT '',
		voided_at TIMESTAMP,
		void_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_open_bucket_id
		ON payments(bucket_id) WHERE status <> 'VOIDED'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_open_instrument
		ON payments(account_number, instrument_number) WHERE status <> 'VOIDED'`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		occurred_at TIMESTAMP NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		bucket_id TEXT,
		payment_id TEXT,
		range_id TEXT,
		instrument INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_bucket ON audit_log(bucket_id) WHERE bucket_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_audit_payment ON audit_log(payment_id) WHERE payment_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS ingestion_checkpoints (
		consumer TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
