/*
approval.go - Operator actions on buckets

PURPOSE:
  Approve, reject, force generation and retry. Each runs in one store
  transaction and checks its status precondition against the row read
  inside that transaction, so a stale caller gets InvalidStateError
  instead of overwriting a newer state.

APPROVAL AND PAYMENT:
  Approval alone moves a bucket to GENERATING only if payment readiness
  already holds. Otherwise the bucket stays AWAITING_APPROVAL with the
  approval recorded, and assignment or acknowledgment completes the move.
  With AutoAssignOnApproval the service tries an automatic assignment right
  after the approval commits.
*/
package engine

import (
	"context"
	"log/slog"
)

type ApprovalService struct {
	lifecycle *Lifecycle
	router    *Router
	payments  *PaymentService
	logger    *slog.Logger
}

func NewApprovalService(l *Lifecycle, router *Router, payments *PaymentService) *ApprovalService {
	return &ApprovalService{lifecycle: l, router: router, payments: payments, logger: l.logger}
}

// Approve records approval on an AWAITING_APPROVAL bucket.
func (a *ApprovalService) Approve(ctx context.Context, id BucketID, approver, comment string) (*Bucket, error) {
	wf := a.lifecycle.catalog.Workflow()
	var result *Bucket

	out, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusAwaitingApproval {
			return &InvalidStateError{BucketID: id, Current: b.Status, Expected: []BucketStatus{StatusAwaitingApproval}, Op: "approve"}
		}

		now := a.lifecycle.now()
		b.ApprovedBy = approver
		b.ApprovalComment = comment
		b.ApprovedAt = timePtr(now)
		if err := a.lifecycle.audit(ctx, s, AuditLogEntry{
			Actor:    approver,
			Action:   AuditApproval,
			BucketID: id,
			Reason:   comment,
		}); err != nil {
			return err
		}

		advanced, err := a.lifecycle.advanceIfReady(ctx, s, out, b, transitionInfo{Actor: approver, Reason: "approved"})
		if err != nil {
			return err
		}
		if !advanced && wf.PaymentRequired && wf.AutoAssignOnApproval {
			existing, err := s.ActivePayment(ctx, id)
			if err != nil {
				return err
			}
			if existing == nil {
				out.assign = append(out.assign, id)
			}
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out.assign) > 0 {
		a.payments.assignPending(ctx, out, approver)
		return a.lifecycle.store.GetBucket(ctx, id)
	}
	return result, nil
}

// Reject sends an AWAITING_APPROVAL bucket back to ACCUMULATING, clearing
// approval metadata and voiding any assigned payment.
func (a *ApprovalService) Reject(ctx context.Context, id BucketID, approver, comment string) (*Bucket, error) {
	var result *Bucket
	_, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusAwaitingApproval {
			return &InvalidStateError{BucketID: id, Current: b.Status, Expected: []BucketStatus{StatusAwaitingApproval}, Op: "reject"}
		}

		open, err := s.LockAccumulatingBucket(ctx, b.Key)
		if err != nil {
			return err
		}
		if open != nil {
			return ErrAccumulatingBucketExists
		}

		pay, err := s.ActivePayment(ctx, id)
		if err != nil {
			return err
		}
		if pay != nil {
			if err := a.payments.voidPayment(ctx, s, b, pay, approver, "bucket rejected: "+comment); err != nil {
				return err
			}
		}

		b.ApprovedBy = ""
		b.ApprovalComment = ""
		b.ApprovedAt = nil
		b.RequiresApproval = false
		b.TriggeredBy = nil
		if err := a.lifecycle.audit(ctx, s, AuditLogEntry{
			Actor:    approver,
			Action:   AuditRejection,
			BucketID: id,
			Reason:   comment,
		}); err != nil {
			return err
		}
		result = b
		return a.lifecycle.transition(ctx, s, out, b, StatusAccumulating, transitionInfo{Actor: approver, Reason: "rejected: " + comment})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ForceGenerate skips threshold and commit policy. Payment readiness still
// applies: an ACCUMULATING bucket whose payment is not ready is parked
// waiting for an instrument, an AWAITING_APPROVAL one fails with
// ErrPaymentNotReady.
func (a *ApprovalService) ForceGenerate(ctx context.Context, id BucketID, actor string) (*Bucket, error) {
	var result *Bucket
	out, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		result = b
		switch b.Status {
		case StatusAccumulating:
			ev := Evaluation{Triggered: true, MetBy: []Condition{ConditionDefault}, ThresholdID: "forced"}
			return a.router.Route(ctx, s, out, b, ev, ActionGenerate)
		case StatusAwaitingApproval:
			b.RequiresApproval = false
			return a.lifecycle.transition(ctx, s, out, b, StatusGenerating, transitionInfo{Actor: actor, Reason: "forced by operator"})
		default:
			return &InvalidStateError{
				BucketID: id,
				Current:  b.Status,
				Expected: []BucketStatus{StatusAccumulating, StatusAwaitingApproval},
				Op:       "force generate",
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if len(out.assign) > 0 {
		a.payments.assignPending(ctx, out, actor)
		return a.lifecycle.store.GetBucket(ctx, id)
	}
	return result, nil
}

// RetryFailed re-dispatches a FAILED bucket.
func (a *ApprovalService) RetryFailed(ctx context.Context, id BucketID, actor string) (*Bucket, error) {
	var result *Bucket
	_, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusFailed {
			return &InvalidStateError{BucketID: id, Current: b.Status, Expected: []BucketStatus{StatusFailed}, Op: "retry"}
		}
		result = b
		return a.lifecycle.transition(ctx, s, out, b, StatusGenerating, transitionInfo{Actor: actor, Reason: "retry requested", Retry: true})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
