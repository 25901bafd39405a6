/*
Package sqlstore implements engine.TxStore over database/sql.

PURPOSE:
  One implementation of every persistence interface, shared by the SQLite
  and PostgreSQL packages. The dialect supplies placeholder rebinding, the
  row-lock suffix and unique-violation detection; the schemas live with
  each driver package.

TRANSACTIONS:
  WithTx runs fn against a Store bound to one *sql.Tx. Everything fn does
  through that Store commits or rolls back together. Code inside fn must
  not call the outer Store: on a single-connection SQLite pool that would
  wait forever for the connection fn already holds.

ROW LOCKS:
  LockAccumulatingBucket and LockRange append the dialect's ForUpdate
  suffix (" FOR UPDATE" on PostgreSQL). SQLite has one writer, so the
  suffix is empty there.

UNIQUE INDEXES (both schemas):
  buckets(grouping_key) WHERE status = 'ACCUMULATING'
  payments(bucket_id) WHERE status <> 'VOIDED'
  payments(account_number, instrument_number) WHERE status <> 'VOIDED'
  bucket_claims(claim_id)

SEE ALSO:
  - store/sqlite: SQLite schema and constructor
  - store/postgres: PostgreSQL schema and constructor
  - engine/store.go: Interface definitions
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/claim-bucketing/engine"
)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name              string
	Rebind            func(query string) string
	ForUpdate         string
	IsUniqueViolation func(err error) bool
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements engine.TxStore.
type Store struct {
	*conn
	db *sql.DB
}

func New(db *sql.DB, d Dialect) *Store {
	if d.Rebind == nil {
		d.Rebind = func(q string) string { return q }
	}
	return &Store{conn: &conn{q: db, d: d}, db: db}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx, d: s.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate applies schema statements in order.
func Migrate(ctx context.Context, db *sql.DB, statements []string) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}

// conn implements engine.Store over a pool or a transaction.
type conn struct {
	q queryer
	d Dialect
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.Rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.Rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.Rebind(query), args...)
}

// =============================================================================
// BUCKETS
// =============================================================================

const bucketColumns = `id, grouping_key, rule_id, payer_id, payee_id, status, version, attempts,
	claim_count, total_amount, requires_approval, triggered_by,
	approved_by, approval_comment, approved_at, payment_id,
	artifact_location, artifact_checksum, last_error,
	created_at, last_activity_at, awaiting_approval_since, generation_started_at, completed_at, failed_at`

func (c *conn) GetBucket(ctx context.Context, id engine.BucketID) (*engine.Bucket, error) {
	row := c.queryRow(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrBucketNotFound
	}
	return b, err
}

func (c *conn) LockAccumulatingBucket(ctx context.Context, key engine.GroupingKey) (*engine.Bucket, error) {
	row := c.queryRow(ctx, `SELECT `+bucketColumns+` FROM buckets
		WHERE grouping_key = ? AND status = ?`+c.d.ForUpdate, key, engine.StatusAccumulating)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (c *conn) InsertBucket(ctx context.Context, b *engine.Bucket) error {
	_, err := c.exec(ctx, `INSERT INTO buckets (`+bucketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bucketArgs(b)...)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return fmt.Errorf("insert bucket %s: %w", b.ID, engine.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert bucket: %w", err)
	}
	return nil
}

func (c *conn) UpdateBucket(ctx context.Context, b *engine.Bucket, expected engine.BucketStatus) error {
	res, err := c.exec(ctx, `UPDATE buckets SET
			status = ?, version = version + 1, attempts = ?,
			claim_count = ?, total_amount = ?, requires_approval = ?, triggered_by = ?,
			approved_by = ?, approval_comment = ?, approved_at = ?, payment_id = ?,
			artifact_location = ?, artifact_checksum = ?, last_error = ?,
			last_activity_at = ?, awaiting_approval_since = ?, generation_started_at = ?,
			completed_at = ?, failed_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		b.Status, b.Attempts,
		b.ClaimCount, b.TotalAmount, b.RequiresApproval, joinConditions(b.TriggeredBy),
		b.ApprovedBy, b.ApprovalComment, nullTime(b.ApprovedAt), nullPaymentID(b.PaymentID),
		b.ArtifactLocation, b.ArtifactChecksum, b.LastError,
		b.LastActivityAt, nullTime(b.AwaitingApprovalSince), nullTime(b.GenerationStartedAt),
		nullTime(b.CompletedAt), nullTime(b.FailedAt),
		b.ID, expected, b.Version,
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return fmt.Errorf("update bucket %s: %w", b.ID, engine.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to update bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := c.GetBucket(ctx, b.ID); err != nil {
			return err
		}
		return engine.ErrConcurrentModification
	}
	b.Version++
	return nil
}

func (c *conn) ListBuckets(ctx context.Context, filter engine.BucketFilter) ([]engine.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets WHERE 1 = 1`
	var args []any
	if filter.PayerID != "" {
		query += ` AND payer_id = ?`
		args = append(args, filter.PayerID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	var out []engine.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBucket(row scanner) (*engine.Bucket, error) {
	var (
		b                                                  engine.Bucket
		triggeredBy                                        string
		approvedAt, awaitingSince, genStarted, done, fails sql.NullTime
		paymentID                                          sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Key, &b.RuleID, &b.PayerID, &b.PayeeID, &b.Status, &b.Version, &b.Attempts,
		&b.ClaimCount, &b.TotalAmount, &b.RequiresApproval, &triggeredBy,
		&b.ApprovedBy, &b.ApprovalComment, &approvedAt, &paymentID,
		&b.ArtifactLocation, &b.ArtifactChecksum, &b.LastError,
		&b.CreatedAt, &b.LastActivityAt, &awaitingSince, &genStarted, &done, &fails,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan bucket: %w", err)
	}
	b.TriggeredBy = splitConditions(triggeredBy)
	b.ApprovedAt = timeOf(approvedAt)
	b.AwaitingApprovalSince = timeOf(awaitingSince)
	b.GenerationStartedAt = timeOf(genStarted)
	b.CompletedAt = timeOf(done)
	b.FailedAt = timeOf(fails)
	b.CreatedAt = b.CreatedAt.UTC()
	b.LastActivityAt = b.LastActivityAt.UTC()
	if paymentID.Valid {
		id := engine.PaymentID(paymentID.String)
		b.PaymentID = &id
	}
	return &b, nil
}

func bucketArgs(b *engine.Bucket) []any {
	return []any{
		b.ID, b.Key, b.RuleID, b.PayerID, b.PayeeID, b.Status, b.Version, b.Attempts,
		b.ClaimCount, b.TotalAmount, b.RequiresApproval, joinConditions(b.TriggeredBy),
		b.ApprovedBy, b.ApprovalComment, nullTime(b.ApprovedAt), nullPaymentID(b.PaymentID),
		b.ArtifactLocation, b.ArtifactChecksum, b.LastError,
		b.CreatedAt, b.LastActivityAt, nullTime(b.AwaitingApprovalSince), nullTime(b.GenerationStartedAt),
		nullTime(b.CompletedAt), nullTime(b.FailedAt),
	}
}

// =============================================================================
// CLAIMS
// =============================================================================

func (c *conn) AppendClaim(ctx context.Context, bucketID engine.BucketID, claim engine.Claim) error {
	var network, route sql.NullString
	if claim.Routing != nil {
		network = nullString(claim.Routing.Network)
		route = nullString(claim.Routing.Route)
	}
	attrs, err := encodeMap(claim.Attributes)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `INSERT INTO bucket_claims
		(claim_id, bucket_id, payer_id, payee_id, network, route, amount, service_date, attributes_json, admitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, bucketID, claim.PayerID, claim.PayeeID, network, route,
		claim.Amount, claim.ServiceDate.UTC(), attrs, time.Now().UTC(),
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return engine.ErrDuplicateClaim
		}
		return fmt.Errorf("failed to append claim: %w", err)
	}
	return nil
}

func (c *conn) ClaimBucket(ctx context.Context, id engine.ClaimID) (engine.BucketID, bool, error) {
	var bucketID engine.BucketID
	err := c.queryRow(ctx, `SELECT bucket_id FROM bucket_claims WHERE claim_id = ?`, id).Scan(&bucketID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up claim: %w", err)
	}
	return bucketID, true, nil
}

func (c *conn) ListClaims(ctx context.Context, bucketID engine.BucketID) ([]engine.Claim, error) {
	rows, err := c.query(ctx, `SELECT claim_id, payer_id, payee_id, network, route, amount, service_date, attributes_json
		FROM bucket_claims WHERE bucket_id = ? ORDER BY seq`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []engine.Claim
	for rows.Next() {
		var (
			cl             engine.Claim
			network, route sql.NullString
			attrs          sql.NullString
		)
		if err := rows.Scan(&cl.ID, &cl.PayerID, &cl.PayeeID, &network, &route, &cl.Amount, &cl.ServiceDate, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		if network.Valid || route.Valid {
			cl.Routing = &engine.RoutingPair{Network: network.String, Route: route.String}
		}
		cl.ServiceDate = cl.ServiceDate.UTC()
		if cl.Attributes, err = decodeMap(attrs); err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// =============================================================================
// RESERVATION RANGES
// =============================================================================

const rangeColumns = `id, payer_id, start_number, end_number, next_number, used, status,
	bank_name, account_number, routing_number, created_at, updated_at`

func (c *conn) InsertRange(ctx context.Context, r *engine.ReservationRange) error {
	_, err := c.exec(ctx, `INSERT INTO reservation_ranges (`+rangeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PayerID, r.StartNumber, r.EndNumber, r.NextNumber, r.Used, r.Status,
		r.BankName, r.AccountNumber, r.RoutingNumber, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: range %s already exists", engine.ErrInvalidRange, r.ID)
		}
		return fmt.Errorf("failed to insert range: %w", err)
	}
	return nil
}

func (c *conn) GetRange(ctx context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	return c.getRange(ctx, id, "")
}

func (c *conn) LockRange(ctx context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	return c.getRange(ctx, id, c.d.ForUpdate)
}

func (c *conn) getRange(ctx context.Context, id engine.RangeID, suffix string) (*engine.ReservationRange, error) {
	row := c.queryRow(ctx, `SELECT `+rangeColumns+` FROM reservation_ranges WHERE id = ?`+suffix, id)
	r, err := scanRange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRangeNotFound
	}
	return r, err
}

func (c *conn) UpdateRange(ctx context.Context, r *engine.ReservationRange) error {
	res, err := c.exec(ctx, `UPDATE reservation_ranges
		SET next_number = ?, used = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		r.NextNumber, r.Used, r.Status, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update range: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrRangeNotFound
	}
	return nil
}

func (c *conn) ListRanges(ctx context.Context, filter engine.RangeFilter) ([]engine.ReservationRange, error) {
	query := `SELECT ` + rangeColumns + ` FROM reservation_ranges WHERE 1 = 1`
	var args []any
	if filter.PayerID != "" {
		query += ` AND payer_id = ?`
		args = append(args, filter.PayerID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranges: %w", err)
	}
	defer rows.Close()

	var out []engine.ReservationRange
	for rows.Next() {
		r, err := scanRange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRange(row scanner) (*engine.ReservationRange, error) {
	var r engine.ReservationRange
	err := row.Scan(&r.ID, &r.PayerID, &r.StartNumber, &r.EndNumber, &r.NextNumber, &r.Used, &r.Status,
		&r.BankName, &r.AccountNumber, &r.RoutingNumber, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan range: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (c *conn) PopReleasedNumber(ctx context.Context, id engine.RangeID) (int64, bool, error) {
	var number sql.NullInt64
	if err := c.queryRow(ctx, `SELECT MIN(number) FROM released_instruments WHERE range_id = ?`, id).Scan(&number); err != nil {
		return 0, false, fmt.Errorf("failed to query released numbers: %w", err)
	}
	if !number.Valid {
		return 0, false, nil
	}
	if _, err := c.exec(ctx, `DELETE FROM released_instruments WHERE range_id = ? AND number = ?`, id, number.Int64); err != nil {
		return 0, false, fmt.Errorf("failed to take released number: %w", err)
	}
	return number.Int64, true, nil
}

func (c *conn) PushReleasedNumber(ctx context.Context, id engine.RangeID, number int64) error {
	_, err := c.exec(ctx, `INSERT INTO released_instruments (range_id, number, released_at) VALUES (?, ?, ?)`,
		id, number, time.Now().UTC())
	if err != nil && !c.d.IsUniqueViolation(err) {
		return fmt.Errorf("failed to release number: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, bucket_id, instrument_number, range_id, source, amount, status,
	bank_name, account_number, routing_number, memo,
	assigned_by, assigned_at, acknowledged_by, acknowledged_at, issued_at,
	voided_by, voided_at, void_reason`

func (c *conn) InsertPayment(ctx context.Context, p *engine.Payment) error {
	var rangeID sql.NullString
	if p.RangeID != nil {
		rangeID = nullString(string(*p.RangeID))
	}
	_, err := c.exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BucketID, p.InstrumentNumber, rangeID, p.Source, p.Amount, p.Status,
		p.BankName, p.AccountNumber, p.RoutingNumber, p.Memo,
		p.AssignedBy, p.AssignedAt, p.AcknowledgedBy, nullTime(p.AcknowledgedAt), nullTime(p.IssuedAt),
		p.VoidedBy, nullTime(p.VoidedAt), p.VoidReason,
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			if strings.Contains(err.Error(), "bucket_id") {
				return engine.ErrPaymentAlreadyAssigned
			}
			return engine.ErrDuplicateInstrument
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id engine.PaymentID) (*engine.Payment, error) {
	row := c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrPaymentNotFound
	}
	return p, err
}

func (c *conn) UpdatePayment(ctx context.Context, p *engine.Payment) error {
	res, err := c.exec(ctx, `UPDATE payments SET
			status = ?, acknowledged_by = ?, acknowledged_at = ?, issued_at = ?,
			voided_by = ?, voided_at = ?, void_reason = ?
		WHERE id = ?`,
		p.Status, p.AcknowledgedBy, nullTime(p.AcknowledgedAt), nullTime(p.IssuedAt),
		p.VoidedBy, nullTime(p.VoidedAt), p.VoidReason, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrPaymentNotFound
	}
	return nil
}

func (c *conn) ActivePayment(ctx context.Context, bucketID engine.BucketID) (*engine.Payment, error) {
	row := c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE bucket_id = ? AND status <> ?`,
		bucketID, engine.PaymentVoided)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPayment(row scanner) (*engine.Payment, error) {
	var (
		p                         engine.Payment
		rangeID                   sql.NullString
		ackAt, issuedAt, voidedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.BucketID, &p.InstrumentNumber, &rangeID, &p.Source, &p.Amount, &p.Status,
		&p.BankName, &p.AccountNumber, &p.RoutingNumber, &p.Memo,
		&p.AssignedBy, &p.AssignedAt, &p.AcknowledgedBy, &ackAt, &issuedAt,
		&p.VoidedBy, &voidedAt, &p.VoidReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if rangeID.Valid {
		id := engine.RangeID(rangeID.String)
		p.RangeID = &id
	}
	p.AssignedAt = p.AssignedAt.UTC()
	p.AcknowledgedAt = timeOf(ackAt)
	p.IssuedAt = timeOf(issuedAt)
	p.VoidedAt = timeOf(voidedAt)
	return &p, nil
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (c *conn) AppendAudit(ctx context.Context, e engine.AuditLogEntry) error {
	payload, err := encodeMap(e.Payload)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `INSERT INTO audit_log
		(id, occurred_at, actor, action, bucket_id, payment_id, range_id, instrument, reason, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Actor, e.Action,
		nullString(string(e.BucketID)), nullString(string(e.PaymentID)), nullString(string(e.RangeID)),
		e.Instrument, e.Reason, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (c *conn) QueryAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditLogEntry, error) {
	query := `SELECT id, occurred_at, actor, action, bucket_id, payment_id, range_id, instrument, reason, payload_json
		FROM audit_log WHERE 1 = 1`
	var args []any
	if filter.BucketID != "" {
		query += ` AND bucket_id = ?`
		args = append(args, filter.BucketID)
	}
	if filter.PaymentID != "" {
		query += ` AND payment_id = ?`
		args = append(args, filter.PaymentID)
	}
	if filter.RangeID != "" {
		query += ` AND range_id = ?`
		args = append(args, filter.RangeID)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (` + placeholders(len(filter.Actions)) + `)`
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []engine.AuditLogEntry
	for rows.Next() {
		var (
			e                            engine.AuditLogEntry
			bucketID, paymentID, rangeID sql.NullString
			payload                      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &bucketID, &paymentID, &rangeID,
			&e.Instrument, &e.Reason, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.BucketID = engine.BucketID(bucketID.String)
		e.PaymentID = engine.PaymentID(paymentID.String)
		e.RangeID = engine.RangeID(rangeID.String)
		if e.Payload, err = decodeMap(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// INGESTION CHECKPOINTS
// =============================================================================

func (c *conn) GetCheckpoint(ctx context.Context, consumer string) (*engine.Checkpoint, error) {
	cp := engine.Checkpoint{Consumer: consumer}
	err := c.queryRow(ctx, `SELECT position, updated_at FROM ingestion_checkpoints WHERE consumer = ?`, consumer).
		Scan(&cp.Position, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

func (c *conn) SaveCheckpoint(ctx context.Context, cp engine.Checkpoint) error {
	_, err := c.exec(ctx, `INSERT INTO ingestion_checkpoints (consumer, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		cp.Consumer, cp.Position, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullPaymentID(id *engine.PaymentID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func timeOf(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func joinConditions(cs []engine.Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitConditions(s string) []engine.Condition {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]engine.Condition, len(parts))
	for i, p := range parts {
		out[i] = engine.Condition(p)
	}
	return out
}

func encodeMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode map: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode map: %w", err)
	}
	return m, nil
}
