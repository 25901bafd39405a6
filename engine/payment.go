/*
payment.go - Payment assignment service

PURPOSE:
  Attaches a check instrument to a bucket that is waiting to generate, and
  manages the payment afterwards (acknowledge, void).

OPERATIONS:
  AssignAutomatically: next instrument from the payer's ranges, through the
                       configured ReservationStrategy
  AssignManually:      operator-supplied instrument, no range involved
  Acknowledge:         ASSIGNED -> ACKNOWLEDGED, amount must still match
  Void:                any unissued payment -> VOIDED, bucket unlinked

ASSIGNABLE BUCKETS:
  Only AWAITING_APPROVAL buckets accept an instrument. The amount is frozen
  to the bucket total at assignment, so accumulating buckets are excluded.

After assignment or acknowledgment the bucket moves to GENERATING as soon as
approval and payment readiness both hold.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type PaymentService struct {
	store     TxStore
	lifecycle *Lifecycle
	strategy  ReservationStrategy
	logger    *slog.Logger
}

func NewPaymentService(l *Lifecycle, strategy ReservationStrategy) *PaymentService {
	return &PaymentService{store: l.store, lifecycle: l, strategy: strategy, logger: l.logger}
}

// Strategy reports the reservation strategy in use.
func (p *PaymentService) Strategy() ReservationMode {
	return p.strategy.Mode()
}

// AssignAutomatically reserves the payer's next instrument for the bucket.
// ErrNoAvailableInstruments leaves everything as it was.
func (p *PaymentService) AssignAutomatically(ctx context.Context, id BucketID, actor string) (*Payment, error) {
	b, err := p.store.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.checkAssignable(ctx, p.store, b); err != nil {
		return nil, err
	}

	var payment *Payment
	out := &outbox{}
	_, err = p.strategy.WithInstrument(ctx, InstrumentRequest{PayerID: b.PayerID, BucketID: id, Actor: actor},
		func(s Store, inst Instrument) error {
			out.generation = out.generation[:0]
			rangeID := inst.RangeID
			pay, err := p.attach(ctx, s, out, id, actor, Payment{
				InstrumentNumber: inst.Number,
				RangeID:          &rangeID,
				Source:           SourceAutomatic,
				BankName:         inst.BankName,
				AccountNumber:    inst.AccountNumber,
				RoutingNumber:    inst.RoutingNumber,
			})
			payment = pay
			return err
		})
	if err != nil {
		return nil, err
	}
	p.lifecycle.flush(ctx, out)
	return payment, nil
}

// AssignManually records an operator-supplied instrument.
func (p *PaymentService) AssignManually(ctx context.Context, id BucketID, details InstrumentDetails, actor string) (*Payment, error) {
	if details.Number <= 0 {
		return nil, fmt.Errorf("%w: number must be positive", ErrInvalidInstrument)
	}
	if details.AccountNumber == "" {
		return nil, fmt.Errorf("%w: account number is required", ErrInvalidInstrument)
	}

	var payment *Payment
	_, err := p.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		pay, err := p.attach(ctx, s, out, id, actor, Payment{
			InstrumentNumber: details.Number,
			Source:           SourceManual,
			BankName:         details.BankName,
			AccountNumber:    details.AccountNumber,
			RoutingNumber:    details.RoutingNumber,
			Memo:             details.Memo,
		})
		payment = pay
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// attach creates the payment from template and links it to the bucket.
func (p *PaymentService) attach(ctx context.Context, s Store, out *outbox, id BucketID, actor string, pay Payment) (*Payment, error) {
	b, err := s.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.checkAssignable(ctx, s, b); err != nil {
		return nil, err
	}

	now := p.lifecycle.now()
	pay.ID = PaymentID(uuid.NewString())
	pay.BucketID = id
	pay.Amount = b.TotalAmount
	pay.Status = PaymentAssigned
	pay.AssignedBy = actor
	pay.AssignedAt = now
	if err := s.InsertPayment(ctx, &pay); err != nil {
		return nil, fmt.Errorf("insert payment for bucket %s: %w", id, err)
	}

	if err := p.lifecycle.audit(ctx, s, AuditLogEntry{
		Actor:      actor,
		Action:     AuditPaymentAssigned,
		BucketID:   id,
		PaymentID:  pay.ID,
		RangeID:    derefRange(pay.RangeID),
		Instrument: pay.InstrumentNumber,
		Reason:     string(pay.Source) + " assignment",
		Payload:    map[string]string{"amount": pay.Amount.StringFixed(2)},
	}); err != nil {
		return nil, err
	}

	b.PaymentID = &pay.ID
	if _, err := p.lifecycle.advanceIfReady(ctx, s, out, b, transitionInfo{Actor: actor, Reason: "payment assigned"}); err != nil {
		return nil, err
	}

	p.logger.Info("payment assigned",
		"bucket_id", id, "payment_id", pay.ID, "number", pay.InstrumentNumber, "source", pay.Source)
	return &pay, nil
}

func (p *PaymentService) checkAssignable(ctx context.Context, s Store, b *Bucket) error {
	if b.Status != StatusAwaitingApproval {
		return &InvalidStateError{BucketID: b.ID, Current: b.Status, Expected: []BucketStatus{StatusAwaitingApproval}, Op: "assign payment"}
	}
	existing, err := s.ActivePayment(ctx, b.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: bucket %s has payment %s", ErrPaymentAlreadyAssigned, b.ID, existing.ID)
	}
	return nil
}

// Acknowledge confirms an ASSIGNED payment. The amount must still equal the
// bucket total.
func (p *PaymentService) Acknowledge(ctx context.Context, id PaymentID, actor string) (*Payment, error) {
	var pay *Payment
	_, err := p.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		var err error
		pay, err = s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if pay.Status != PaymentAssigned {
			return fmt.Errorf("%w: payment %s is %s, expected %s", ErrInvalidState, id, pay.Status, PaymentAssigned)
		}
		b, err := s.GetBucket(ctx, pay.BucketID)
		if err != nil {
			return err
		}
		if !pay.Amount.Equal(b.TotalAmount) {
			return &AmountMismatchError{PaymentID: id, BucketID: b.ID, PaymentTotal: pay.Amount, BucketTotal: b.TotalAmount}
		}

		pay.Status = PaymentAcknowledged
		pay.AcknowledgedBy = actor
		pay.AcknowledgedAt = timePtr(p.lifecycle.now())
		if err := s.UpdatePayment(ctx, pay); err != nil {
			return fmt.Errorf("update payment %s: %w", id, err)
		}
		if err := p.lifecycle.audit(ctx, s, AuditLogEntry{
			Actor:      actor,
			Action:     AuditPaymentAcknowledged,
			BucketID:   b.ID,
			PaymentID:  id,
			Instrument: pay.InstrumentNumber,
		}); err != nil {
			return err
		}

		if b.Status != StatusAwaitingApproval {
			return nil
		}
		ready, err := p.lifecycle.ready(ctx, s, b)
		if err != nil || !ready {
			return err
		}
		return p.lifecycle.transition(ctx, s, out, b, StatusGenerating, transitionInfo{Actor: actor, Reason: "payment acknowledged"})
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// Void cancels an unissued payment and unlinks it from its bucket. Voided
// numbers are not returned to the range.
func (p *PaymentService) Void(ctx context.Context, id PaymentID, actor, reason string) (*Payment, error) {
	var pay *Payment
	_, err := p.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		var err error
		pay, err = s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		b, err := s.GetBucket(ctx, pay.BucketID)
		if err != nil {
			return err
		}
		switch b.Status {
		case StatusAccumulating, StatusAwaitingApproval, StatusFailed:
		default:
			return &InvalidStateError{
				BucketID: b.ID,
				Current:  b.Status,
				Expected: []BucketStatus{StatusAccumulating, StatusAwaitingApproval, StatusFailed},
				Op:       "void payment",
			}
		}
		if err := p.voidPayment(ctx, s, b, pay, actor, reason); err != nil {
			return err
		}
		return s.UpdateBucket(ctx, b, b.Status)
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// voidPayment marks pay voided and unlinks it from b. The caller persists b.
func (p *PaymentService) voidPayment(ctx context.Context, s Store, b *Bucket, pay *Payment, actor, reason string) error {
	if pay.Status == PaymentVoided || pay.Status == PaymentIssued {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidState, pay.ID, pay.Status)
	}
	pay.Status = PaymentVoided
	pay.VoidedBy = actor
	pay.VoidedAt = timePtr(p.lifecycle.now())
	pay.VoidReason = reason
	if err := s.UpdatePayment(ctx, pay); err != nil {
		return fmt.Errorf("update payment %s: %w", pay.ID, err)
	}
	if b.PaymentID != nil && *b.PaymentID == pay.ID {
		b.PaymentID = nil
	}
	return p.lifecycle.audit(ctx, s, AuditLogEntry{
		Actor:      actor,
		Action:     AuditPaymentVoided,
		BucketID:   b.ID,
		PaymentID:  pay.ID,
		RangeID:    derefRange(pay.RangeID),
		Instrument: pay.InstrumentNumber,
		Reason:     reason,
	})
}

// assignPending runs the automatic assignments queued by a committed
// transaction. Failures leave the bucket waiting and are only logged.
func (p *PaymentService) assignPending(ctx context.Context, out *outbox, actor string) {
	if out == nil {
		return
	}
	for _, id := range out.assign {
		pay, err := p.AssignAutomatically(ctx, id, actor)
		switch {
		case err == nil:
			p.logger.Info("instrument assigned automatically", "bucket_id", id, "payment_id", pay.ID)
		case errors.Is(err, ErrNoAvailableInstruments):
			p.logger.Warn("no instrument available, bucket waits for manual assignment", "bucket_id", id, "error", err)
		default:
			p.logger.Error("automatic instrument assignment failed", "bucket_id", id, "error", err)
		}
	}
}

func derefRange(id *RangeID) RangeID {
	if id == nil {
		return ""
	}
	return *id
}
