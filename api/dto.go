/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("1250.00"), never JSON numbers.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/claim-bucketing/engine"
	"github.com/warp/claim-bucketing/ingest"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitClaimRequest is the body of POST /api/claims, one line of an
// ingest file.
type SubmitClaimRequest = ingest.ClaimRecord

// ActorRequest carries the acting operator when auth is disabled, plus an
// optional comment or reason.
type ActorRequest struct {
	Actor   string `json:"actor,omitempty"`
	Comment string `json:"comment,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ManualCheckRequest struct {
	Actor string `json:"actor,omitempty"`
	engine.InstrumentDetails
}

type CreateRangeRequest struct {
	Actor         string `json:"actor,omitempty"`
	PayerID       string `json:"payer_id"`
	StartNumber   int64  `json:"start_number"`
	EndNumber     int64  `json:"end_number"`
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BucketRefDTO struct {
	BucketID  string `json:"bucket_id"`
	Key       string `json:"grouping_key"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type BucketDTO struct {
	ID                    string     `json:"id"`
	Key                   string     `json:"grouping_key"`
	RuleID                string     `json:"rule_id"`
	PayerID               string     `json:"payer_id"`
	PayeeID               string     `json:"payee_id"`
	Status                string     `json:"status"`
	ClaimCount            int        `json:"claim_count"`
	TotalAmount           string     `json:"total_amount"`
	RequiresApproval      bool       `json:"requires_approval"`
	TriggeredBy           []string   `json:"triggered_by,omitempty"`
	ApprovedBy            string     `json:"approved_by,omitempty"`
	ApprovalComment       string     `json:"approval_comment,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
	PaymentID             string     `json:"payment_id,omitempty"`
	Attempts              int        `json:"attempts"`
	ArtifactLocation      string     `json:"artifact_location,omitempty"`
	ArtifactChecksum      string     `json:"artifact_checksum,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	LastActivityAt        time.Time  `json:"last_activity_at"`
	AwaitingApprovalSince *time.Time `json:"awaiting_approval_since,omitempty"`
	GenerationStartedAt   *time.Time `json:"generation_started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	FailedAt              *time.Time `json:"failed_at,omitempty"`
}

type ClaimDTO struct {
	ID          string            `json:"id"`
	PayerID     string            `json:"payer_id"`
	PayeeID     string            `json:"payee_id"`
	Network     string            `json:"network,omitempty"`
	Route       string            `json:"route,omitempty"`
	Amount      string            `json:"amount"`
	ServiceDate string            `json:"service_date"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// BucketDetailDTO is GET /api/buckets/{id}.
type BucketDetailDTO struct {
	Bucket  BucketDTO   `json:"bucket"`
	Claims  []ClaimDTO  `json:"claims"`
	Payment *PaymentDTO `json:"payment,omitempty"`
}

type PaymentDTO struct {
	ID               string     `json:"id"`
	BucketID         string     `json:"bucket_id"`
	InstrumentNumber int64      `json:"instrument_number"`
	RangeID          string     `json:"range_id,omitempty"`
	Source           string     `json:"source"`
	Amount           string     `json:"amount"`
	Status           string     `json:"status"`
	BankName         string     `json:"bank_name"`
	AccountNumber    string     `json:"account_number"`
	RoutingNumber    string     `json:"routing_number"`
	Memo             string     `json:"memo,omitempty"`
	AssignedBy       string     `json:"assigned_by"`
	AssignedAt       time.Time  `json:"assigned_at"`
	AcknowledgedBy   string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	IssuedAt         *time.Time `json:"issued_at,omitempty"`
	VoidedBy         string     `json:"voided_by,omitempty"`
	VoidedAt         *time.Time `json:"voided_at,omitempty"`
	VoidReason       string     `json:"void_reason,omitempty"`
}

type RangeDTO struct {
	ID            string    `json:"id"`
	PayerID       string    `json:"payer_id"`
	StartNumber   int64     `json:"start_number"`
	EndNumber     int64     `json:"end_number"`
	NextNumber    int64     `json:"next_number"`
	Used          int64     `json:"used"`
	Available     int64     `json:"available"`
	Status        string    `json:"status"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	RoutingNumber string    `json:"routing_number"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type AuditEntryDTO struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	BucketID   string            `json:"bucket_id,omitempty"`
	PaymentID  string            `json:"payment_id,omitempty"`
	RangeID    string            `json:"range_id,omitempty"`
	Instrument int64             `json:"instrument,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBucketDTO(b engine.Bucket) BucketDTO {
	dto := BucketDTO{
		ID:                    string(b.ID),
		Key:                   string(b.Key),
		RuleID:                string(b.RuleID),
		PayerID:               string(b.PayerID),
		PayeeID:               string(b.PayeeID),
		Status:                string(b.Status),
		ClaimCount:            b.ClaimCount,
		TotalAmount:           b.TotalAmount.StringFixed(2),
		RequiresApproval:      b.RequiresApproval,
		ApprovedBy:            b.ApprovedBy,
		ApprovalComment:       b.ApprovalComment,
		ApprovedAt:            b.ApprovedAt,
		Attempts:              b.Attempts,
		ArtifactLocation:      b.ArtifactLocation,
		ArtifactChecksum:      b.ArtifactChecksum,
		LastError:             b.LastError,
		CreatedAt:             b.CreatedAt,
		LastActivityAt:        b.LastActivityAt,
		AwaitingApprovalSince: b.AwaitingApprovalSince,
		GenerationStartedAt:   b.GenerationStartedAt,
		CompletedAt:           b.CompletedAt,
		FailedAt:              b.FailedAt,
	}
	for _, c := range b.TriggeredBy {
		dto.TriggeredBy = append(dto.TriggeredBy, string(c))
	}
	if b.PaymentID != nil {
		dto.PaymentID = string(*b.PaymentID)
	}
	return dto
}

func toClaimDTO(c engine.Claim) ClaimDTO {
	dto := ClaimDTO{
		ID:          string(c.ID),
		PayerID:     string(c.PayerID),
		PayeeID:     string(c.PayeeID),
		Amount:      c.Amount.StringFixed(2),
		ServiceDate: c.ServiceDate.Format("2006-01-02"),
		Attributes:  c.Attributes,
	}
	if c.Routing != nil {
		dto.Network = c.Routing.Network
		dto.Route = c.Routing.Route
	}
	return dto
}

func toPaymentDTO(p *engine.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	dto := &PaymentDTO{
		ID:               string(p.ID),
		BucketID:         string(p.BucketID),
		InstrumentNumber: p.InstrumentNumber,
		Source:           string(p.Source),
		Amount:           p.Amount.StringFixed(2),
		Status:           string(p.Status),
		BankName:         p.BankName,
		AccountNumber:    p.AccountNumber,
		RoutingNumber:    p.RoutingNumber,
		Memo:             p.Memo,
		AssignedBy:       p.AssignedBy,
		AssignedAt:       p.AssignedAt,
		AcknowledgedBy:   p.AcknowledgedBy,
		AcknowledgedAt:   p.AcknowledgedAt,
		IssuedAt:         p.IssuedAt,
		VoidedBy:         p.VoidedBy,
		VoidedAt:         p.VoidedAt,
		VoidReason:       p.VoidReason,
	}
	if p.RangeID != nil {
		dto.RangeID = string(*p.RangeID)
	}
	return dto
}

func toRangeDTO(r engine.ReservationRange) RangeDTO {
	return RangeDTO{
		ID:            string(r.ID),
		PayerID:       string(r.PayerID),
		StartNumber:   r.StartNumber,
		EndNumber:     r.EndNumber,
		NextNumber:    r.NextNumber,
		Used:          r.Used,
		Available:     r.Available(),
		Status:        string(r.Status),
		BankName:      r.BankName,
		AccountNumber: r.AccountNumber,
		RoutingNumber: r.RoutingNumber,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toAuditDTO(e engine.AuditLogEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Actor:      e.Actor,
		Action:     string(e.Action),
		BucketID:   string(e.BucketID),
		PaymentID:  string(e.PaymentID),
		RangeID:    string(e.RangeID),
		Instrument: e.Instrument,
		Reason:     e.Reason,
		Payload:    e.Payload,
	}
}
