/*
handlers.go - HTTP API handlers for the claim bucketing engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every decision to the engine.

ENDPOINTS:
  Claims:
    POST   /api/claims                         Submit a claim

  Buckets:
    GET    /api/buckets                        List (?status=A,B&payer_id=&limit=)
    GET    /api/buckets/{id}                   Bucket with claims and payment
    POST   /api/buckets/{id}/approve           Approve
    POST   /api/buckets/{id}/reject            Reject back to ACCUMULATING
    POST   /api/buckets/{id}/checks/auto       Reserve and assign a check
    POST   /api/buckets/{id}/checks/manual     Assign operator-supplied check
    POST   /api/buckets/{id}/force-generate    Generate now
    POST   /api/buckets/{id}/retry             Retry a FAILED bucket

  Payments:
    POST   /api/payments/{id}/acknowledge      Acknowledge an assigned check
    POST   /api/payments/{id}/void             Void (the number is not reissued)

  Reservation ranges:
    GET    /api/ranges                         List (?payer_id=)
    POST   /api/ranges                         Create
    POST   /api/ranges/{id}/cancel             Cancel

  Audit:
    GET    /api/audit                          Query (?bucket_id=&payment_id=&range_id=&limit=)

ACTOR:
  With auth enabled the token subject is the actor. Without it the body's
  "actor" field is used, falling back to "anonymous".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, invalid claim, no grouping rule
  - 404: Bucket, payment or range not found
  - 409: Invalid state, concurrent modification, duplicate assignment
  - 422: No available instruments, amount mismatch, payment not ready
  - 500: Internal errors, including compensation failures

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/claim-bucketing/auth"
	"github.com/warp/claim-bucketing/engine"
)

const anonymousActor = "anonymous"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	logger *slog.Logger
}

func NewHandler(e *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: e, logger: logger}
}

// =============================================================================
// CLAIMS
// =============================================================================

func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req SubmitClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := req.Claim()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid claim", err)
		return
	}

	ref, err := h.Engine.Aggregator.Submit(r.Context(), claim)
	if err != nil {
		h.fail(w, "Failed to submit claim", err)
		return
	}

	status := http.StatusCreated
	if ref.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, BucketRefDTO{
		BucketID:  string(ref.BucketID),
		Key:       string(ref.Key),
		Status:    string(ref.Status),
		Duplicate: ref.Duplicate,
	})
}

// =============================================================================
// BUCKETS
// =============================================================================

func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.BucketFilter{PayerID: engine.PayerID(q.Get("payer_id"))}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, engine.BucketStatus(strings.ToUpper(s)))
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	buckets, err := h.Engine.Buckets(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list buckets", err)
		return
	}
	dtos := make([]BucketDTO, len(buckets))
	for i, b := range buckets {
		dtos[i] = toBucketDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.Bucket(r.Context(), bucketID(r))
	if err != nil {
		h.fail(w, "Failed to load bucket", err)
		return
	}
	dto := BucketDetailDTO{
		Bucket:  toBucketDTO(snap.Bucket),
		Claims:  make([]ClaimDTO, len(snap.Claims)),
		Payment: toPaymentDTO(snap.Payment),
	}
	for i, c := range snap.Claims {
		dto.Claims[i] = toClaimDTO(c)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ApproveBucket(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	b, err := h.Engine.Approvals.Approve(r.Context(), bucketID(r), actorOf(r, req.Actor), req.Comment)
	if err != nil {
		h.fail(w, "Failed to approve bucket", err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(*b))
}

func (h *Handler) RejectBucket(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	b, err := h.Engine.Approvals.Reject(r.Context(), bucketID(r), actorOf(r, req.Actor), req.Comment)
	if err != nil {
		h.fail(w, "Failed to reject bucket", err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(*b))
}

func (h *Handler) AssignCheckAutomatically(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	p, err := h.Engine.Payments.AssignAutomatically(r.Context(), bucketID(r), actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to assign check", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) AssignCheckManually(w http.ResponseWriter, r *http.Request) {
	var req ManualCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.Engine.Payments.AssignManually(r.Context(), bucketID(r), req.InstrumentDetails, actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to assign check", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) ForceGenerate(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	b, err := h.Engine.Approvals.ForceGenerate(r.Context(), bucketID(r), actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to force generation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toBucketDTO(*b))
}

func (h *Handler) RetryBucket(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	b, err := h.Engine.Approvals.RetryFailed(r.Context(), bucketID(r), actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to retry bucket", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toBucketDTO(*b))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (h *Handler) AcknowledgePayment(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	p, err := h.Engine.Payments.Acknowledge(r.Context(), paymentID(r), actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to acknowledge payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	p, err := h.Engine.Payments.Void(r.Context(), paymentID(r), actorOf(r, req.Actor), req.Reason)
	if err != nil {
		h.fail(w, "Failed to void payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// =============================================================================
// RESERVATION RANGES
// =============================================================================

func (h *Handler) ListRanges(w http.ResponseWriter, r *http.Request) {
	ranges, err := h.Engine.Pool.ListRanges(r.Context(), engine.RangeFilter{
		PayerID: engine.PayerID(r.URL.Query().Get("payer_id")),
	})
	if err != nil {
		h.fail(w, "Failed to list ranges", err)
		return
	}
	dtos := make([]RangeDTO, len(ranges))
	for i, rg := range ranges {
		dtos[i] = toRangeDTO(rg)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateRange(w http.ResponseWriter, r *http.Request) {
	var req CreateRangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rg, err := h.Engine.Pool.CreateRange(r.Context(), engine.ReservationRange{
		PayerID:       engine.PayerID(req.PayerID),
		StartNumber:   req.StartNumber,
		EndNumber:     req.EndNumber,
		BankName:      req.BankName,
		AccountNumber: req.AccountNumber,
		RoutingNumber: req.RoutingNumber,
	}, actorOf(r, req.Actor))
	if err != nil {
		h.fail(w, "Failed to create range", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRangeDTO(*rg))
}

func (h *Handler) CancelRange(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	id := engine.RangeID(chi.URLParam(r, "id"))
	rg, err := h.Engine.Pool.CancelRange(r.Context(), id, actorOf(r, req.Actor), req.Reason)
	if err != nil {
		h.fail(w, "Failed to cancel range", err)
		return
	}
	writeJSON(w, http.StatusOK, toRangeDTO(*rg))
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter := engine.AuditFilter{
		BucketID:  engine.BucketID(q.Get("bucket_id")),
		PaymentID: engine.PaymentID(q.Get("payment_id")),
		RangeID:   engine.RangeID(q.Get("range_id")),
		Limit:     limit,
	}
	for _, a := range splitList(q.Get("action")) {
		filter.Actions = append(filter.Actions, engine.AuditAction(a))
	}

	entries, err := h.Engine.Audit(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var compErr *engine.CompensationError
	switch {
	case errors.As(err, &compErr):
		return http.StatusInternalServerError, "compensation_failed"
	case engine.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case engine.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	case engine.IsConflict(err), errors.Is(err, engine.ErrStaleTransition):
		return http.StatusConflict, "conflict"
	case engine.IsUnprocessable(err):
		return http.StatusUnprocessableEntity, "unprocessable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func actorOf(r *http.Request, fallback string) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	if fallback != "" {
		return fallback
	}
	return anonymousActor
}

func bucketID(r *http.Request) engine.BucketID {
	return engine.BucketID(chi.URLParam(r, "id"))
}

func paymentID(r *http.Request) engine.PaymentID {
	return engine.PaymentID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
