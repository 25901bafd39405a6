/*
store.go - Persistence interfaces for buckets, reservations and payments

PURPOSE:
  Defines the boundary between engine logic and the database. Two classes of
  transactional capability are supported through the same interfaces:

    - Stores whose WithTx can run alongside other independent transactions
      (PostgreSQL): reservations may commit on their own.
    - Stores that serialize every writer (SQLite, memory): everything that
      must be atomic runs inside one WithTx.

KEY INTERFACES:
  Store:    All reads and writes, usable inside or outside a transaction
  TxStore:  Store plus WithTx for atomic multi-record writes

LOCKING CONTRACT:
  LockAccumulatingBucket and LockRange return the record with exclusive
  access for the remainder of the enclosing transaction. Outside a
  transaction they behave like plain reads.

OPTIMISTIC CHECKS:
  UpdateBucket writes only if the stored status and version still match
  the expected values and returns ErrConcurrentModification otherwise.
  The stored version is bumped on every successful update.

APPEND-ONLY:
  Claims and audit entries are never updated or deleted.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and demos
  - store/sqlite: SQLite (single writer)
  - store/postgres: PostgreSQL (row locks)
*/
package engine

import "context"

type BucketStore interface {
	GetBucket(ctx context.Context, id BucketID) (*Bucket, error)

	// LockAccumulatingBucket returns the ACCUMULATING bucket for key, or nil.
	LockAccumulatingBucket(ctx context.Context, key GroupingKey) (*Bucket, error)

	InsertBucket(ctx context.Context, b *Bucket) error

	// UpdateBucket persists b if the stored row is still at expected status
	// and b.Version. On success b.Version is incremented.
	UpdateBucket(ctx context.Context, b *Bucket, expected BucketStatus) error

	ListBuckets(ctx context.Context, filter BucketFilter) ([]Bucket, error)
}

type ClaimStore interface {
	// AppendClaim records claim as a member of bucketID.
	// Returns ErrDuplicateClaim if the claim ID was admitted before.
	AppendClaim(ctx context.Context, bucketID BucketID, claim Claim) error

	// ClaimBucket returns the bucket a claim was admitted to.
	ClaimBucket(ctx context.Context, id ClaimID) (BucketID, bool, error)

	ListClaims(ctx context.Context, bucketID BucketID) ([]Claim, error)
}

type ReservationStore interface {
	InsertRange(ctx context.Context, r *ReservationRange) error
	GetRange(ctx context.Context, id RangeID) (*ReservationRange, error)
	LockRange(ctx context.Context, id RangeID) (*ReservationRange, error)
	UpdateRange(ctx context.Context, r *ReservationRange) error

	// ListRanges returns ranges oldest first (created_at, id).
	ListRanges(ctx context.Context, filter RangeFilter) ([]ReservationRange, error)

	// PopReleasedNumber removes and returns the lowest released number of a range.
	PopReleasedNumber(ctx context.Context, id RangeID) (int64, bool, error)
	PushReleasedNumber(ctx context.Context, id RangeID, number int64) error
}

type PaymentStore interface {
	// InsertPayment returns ErrDuplicateInstrument if the number is held by a
	// non-voided payment on the same account.
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error

	// ActivePayment returns the bucket's non-voided payment, or nil.
	ActivePayment(ctx context.Context, bucketID BucketID) (*Payment, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditLogEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)
}

type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, consumer string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	BucketStore
	ClaimStore
	ReservationStore
	PaymentStore
	AuditLog
	CheckpointStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
