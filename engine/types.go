/*
Package engine provides the claim bucketing engine.

PURPOSE:
  Accumulates a continuous stream of claims into buckets keyed by a grouping
  rule, decides when a bucket is done, routes it through approval and check
  assignment, and finally hands it to an artifact encoder.

KEY CONCEPTS IN THIS FILE (types.go):
  - Claim: An immutable financial record submitted by a claim source
  - Bucket: The accumulation target for claims sharing a GroupingKey
  - ReservationRange: A block of sequential check numbers for a payer
  - Payment: A check instrument assigned to a bucket
  - AuditLogEntry: Append-only record of every state-changing action

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Type Safety: Distinct ID types for buckets, claims, payments, ranges
  3. Auditability: Every transition and allocation leaves an audit entry
  4. Retention: Buckets are never deleted, terminal states stay for audit

SEE ALSO:
  - aggregator.go: Claim admission
  - lifecycle.go: Bucket state machine
  - reservation.go: Check number pool
  - payment.go: Payment assignment and compensation
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClaimID string
type BucketID string
type PaymentID string
type RangeID string
type RuleID string
type PayerID string
type PayeeID string

// GroupingKey determines which bucket a claim joins.
type GroupingKey string

// =============================================================================
// CLAIM - External input, immutable once admitted
// =============================================================================

// RoutingPair is the optional sub-grouping pair carried by a claim.
type RoutingPair struct {
	Network string `json:"network"`
	Route   string `json:"route"`
}

type Claim struct {
	ID          ClaimID           `json:"id"`
	PayerID     PayerID           `json:"payer_id"`
	PayeeID     PayeeID           `json:"payee_id"`
	Routing     *RoutingPair      `json:"routing,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	ServiceDate time.Time         `json:"service_date"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// =============================================================================
// BUCKET - Accumulation target
// =============================================================================

type BucketStatus string

const (
	StatusAccumulating     BucketStatus = "ACCUMULATING"
	StatusAwaitingApproval BucketStatus = "AWAITING_APPROVAL"
	StatusGenerating       BucketStatus = "GENERATING"
	StatusCompleted        BucketStatus = "COMPLETED"
	StatusFailed           BucketStatus = "FAILED"
)

// IsTerminal reports whether the bucket's financial content is frozen.
func (s BucketStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Bucket struct {
	ID       BucketID
	Key      GroupingKey
	RuleID   RuleID
	PayerID  PayerID
	PayeeID  PayeeID
	Status   BucketStatus
	Version  int64
	Attempts int

	ClaimCount  int
	TotalAmount decimal.Decimal

	// Set by the commit policy when the bucket leaves ACCUMULATING.
	RequiresApproval bool
	TriggeredBy      []Condition

	// Approval tracking
	ApprovedBy      string
	ApprovalComment string
	ApprovedAt      *time.Time

	PaymentID *PaymentID

	// Generation result
	ArtifactLocation string
	ArtifactChecksum string
	LastError        string

	CreatedAt             time.Time
	LastActivityAt        time.Time
	AwaitingApprovalSince *time.Time
	GenerationStartedAt   *time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
}

// IsApproved reports whether approval metadata has been recorded.
func (b *Bucket) IsApproved() bool {
	return b.ApprovedAt != nil
}

// ApprovalSatisfied is true when approval is not required or already given.
func (b *Bucket) ApprovalSatisfied() bool {
	return !b.RequiresApproval || b.IsApproved()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b *Bucket) Clone() *Bucket {
	c := *b
	c.TriggeredBy = append([]Condition(nil), b.TriggeredBy...)
	c.ApprovedAt = cloneTime(b.ApprovedAt)
	c.AwaitingApprovalSince = cloneTime(b.AwaitingApprovalSince)
	c.GenerationStartedAt = cloneTime(b.GenerationStartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.FailedAt = cloneTime(b.FailedAt)
	if b.PaymentID != nil {
		id := *b.PaymentID
		c.PaymentID = &id
	}
	return &c
}

// BucketRef is what the aggregator hands back to a claim source.
type BucketRef struct {
	BucketID  BucketID
	Key       GroupingKey
	Status    BucketStatus
	Duplicate bool // claim was already admitted earlier
}

// BucketSnapshot is the read-only view given to the artifact encoder.
type BucketSnapshot struct {
	Bucket  Bucket
	Claims  []Claim
	Payment *Payment
	TakenAt time.Time
}

type BucketFilter struct {
	Statuses []BucketStatus
	PayerID  PayerID
	Limit    int
}

// =============================================================================
// RESERVATION RANGE - Pre-allocated sequential check numbers
// =============================================================================

type RangeStatus string

const (
	RangeActive    RangeStatus = "ACTIVE"
	RangeExhausted RangeStatus = "EXHAUSTED"
	RangeCancelled RangeStatus = "CANCELLED"
)

type ReservationRange struct {
	ID            RangeID
	PayerID       PayerID
	StartNumber   int64
	EndNumber     int64
	NextNumber    int64 // lowest number never handed out
	Used          int64 // numbers currently held by payments
	Status        RangeStatus
	BankName      string
	AccountNumber string
	RoutingNumber string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Size is the number of instruments in the range (inclusive bounds).
func (r ReservationRange) Size() int64 {
	return r.EndNumber - r.StartNumber + 1
}

func (r ReservationRange) Available() int64 {
	return r.Size() - r.Used
}

func (r ReservationRange) Contains(number int64) bool {
	return number >= r.StartNumber && number <= r.EndNumber
}

// Overlaps reports whether two ranges share any number.
func (r ReservationRange) Overlaps(o ReservationRange) bool {
	return r.StartNumber <= o.EndNumber && o.StartNumber <= r.EndNumber
}

type RangeFilter struct {
	PayerID  PayerID
	Statuses []RangeStatus
}

// Instrument is a check number handed out by the reservation pool.
type Instrument struct {
	Number        int64
	RangeID       RangeID
	PayerID       PayerID
	BankName      string
	AccountNumber string
	RoutingNumber string
}

// InstrumentDetails are supplied by an operator for manual assignment.
type InstrumentDetails struct {
	Number        int64  `json:"number"`
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number"`
	Memo          string `json:"memo"`
}

// =============================================================================
// PAYMENT - Check instrument assigned to a bucket
// =============================================================================

type PaymentStatus string

const (
	PaymentAssigned     PaymentStatus = "ASSIGNED"
	PaymentAcknowledged PaymentStatus = "ACKNOWLEDGED"
	PaymentIssued       PaymentStatus = "ISSUED"
	PaymentVoided       PaymentStatus = "VOIDED"
)

type PaymentSource string

const (
	SourceAutomatic PaymentSource = "automatic"
	SourceManual    PaymentSource = "manual"
)

type Payment struct {
	ID               PaymentID
	BucketID         BucketID
	InstrumentNumber int64
	RangeID          *RangeID // nil for manual instruments
	Source           PaymentSource
	Amount           decimal.Decimal
	Status           PaymentStatus
	BankName         string
	AccountNumber    string
	RoutingNumber    string
	Memo             string

	AssignedBy     string
	AssignedAt     time.Time
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	IssuedAt       *time.Time
	VoidedBy       string
	VoidedAt       *time.Time
	VoidReason     string
}

// =============================================================================
// AUDIT LOG - Append-only, who did what when
// =============================================================================

type AuditAction string

const (
	AuditBucketCreated       AuditAction = "bucket_created"
	AuditBucketTransition    AuditAction = "bucket_transition"
	AuditApproval            AuditAction = "approval"
	AuditRejection           AuditAction = "rejection"
	AuditInstrumentReserved  AuditAction = "instrument_reserved"
	AuditInstrumentReleased  AuditAction = "instrument_released"
	AuditPaymentAssigned     AuditAction = "payment_assigned"
	AuditPaymentAcknowledged AuditAction = "payment_acknowledged"
	AuditPaymentIssued       AuditAction = "payment_issued"
	AuditPaymentVoided       AuditAction = "payment_voided"
	AuditCompensationFailed  AuditAction = "compensation_failed"
	AuditRangeCreated        AuditAction = "range_created"
	AuditRangeCancelled      AuditAction = "range_cancelled"
)

type AuditLogEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     AuditAction
	BucketID   BucketID
	PaymentID  PaymentID
	RangeID    RangeID
	Instrument int64
	Reason     string
	Payload    map[string]string
}

type AuditFilter struct {
	BucketID  BucketID
	PaymentID PaymentID
	RangeID   RangeID
	Actions   []AuditAction
	Limit     int
}

// Checkpoint tracks the last processed position of a claim ingestion consumer.
type Checkpoint struct {
	Consumer  string
	Position  int64
	UpdatedAt time.Time
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// MustParseDecimal parses s or returns zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
