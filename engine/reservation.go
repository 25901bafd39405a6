/*
reservation.go - Check number pool

PURPOSE:
  Hands out sequential check numbers from a payer's reservation ranges and
  takes them back on compensation.

ALLOCATION ORDER:
  Ranges are tried oldest first. Within a range, released numbers are
  reissued (lowest first) before fresh ones are drawn from NextNumber.

INVARIANTS:
  - Used <= Size at all times
  - Used and NextNumber change only under LockRange
  - The issued set is [StartNumber, NextNumber) minus the released list,
    so no number is ever held twice

A failed Reserve leaves every range untouched.
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type ReservationPool struct {
	store  TxStore
	logger *slog.Logger
	now    func() time.Time
}

func NewReservationPool(store TxStore, logger *slog.Logger, now func() time.Time) *ReservationPool {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ReservationPool{store: store, logger: logger, now: func() time.Time { return now().UTC() }}
}

// Reserve takes the next instrument for payer inside s.
func (p *ReservationPool) Reserve(ctx context.Context, s Store, payer PayerID, bucketID BucketID, actor string) (Instrument, error) {
	ranges, err := s.ListRanges(ctx, RangeFilter{PayerID: payer, Statuses: []RangeStatus{RangeActive}})
	if err != nil {
		return Instrument{}, fmt.Errorf("list ranges for payer %s: %w", payer, err)
	}

	for _, candidate := range ranges {
		r, err := s.LockRange(ctx, candidate.ID)
		if err != nil {
			return Instrument{}, fmt.Errorf("lock range %s: %w", candidate.ID, err)
		}
		if r.Status != RangeActive || r.Available() <= 0 {
			continue
		}

		number, reused, err := s.PopReleasedNumber(ctx, r.ID)
		if err != nil {
			return Instrument{}, fmt.Errorf("pop released number of range %s: %w", r.ID, err)
		}
		if !reused {
			if r.NextNumber > r.EndNumber {
				continue
			}
			number = r.NextNumber
			r.NextNumber++
		}
		r.Used++
		if r.Available() == 0 {
			r.Status = RangeExhausted
		}
		r.UpdatedAt = p.now()
		if err := s.UpdateRange(ctx, r); err != nil {
			return Instrument{}, fmt.Errorf("update range %s: %w", r.ID, err)
		}

		inst := instrumentOf(r, number)
		if err := appendAudit(ctx, s, p.now(), AuditLogEntry{
			Actor:      actor,
			Action:     AuditInstrumentReserved,
			BucketID:   bucketID,
			RangeID:    r.ID,
			Instrument: number,
			Reason:     "reserved for bucket " + string(bucketID),
			Payload:    map[string]string{"used": strconv.FormatInt(r.Used, 10), "reused": strconv.FormatBool(reused)},
		}); err != nil {
			return Instrument{}, err
		}
		p.logger.Debug("instrument reserved", "range_id", r.ID, "number", number, "bucket_id", bucketID)
		return inst, nil
	}

	return Instrument{}, fmt.Errorf("%w: payer %s", ErrNoAvailableInstruments, payer)
}

// Release returns inst to its range inside s.
func (p *ReservationPool) Release(ctx context.Context, s Store, inst Instrument, bucketID BucketID, reason string) error {
	r, err := s.LockRange(ctx, inst.RangeID)
	if err != nil {
		return fmt.Errorf("lock range %s: %w", inst.RangeID, err)
	}
	if !r.Contains(inst.Number) || r.Used == 0 || inst.Number >= r.NextNumber {
		return fmt.Errorf("%w: number %d was not issued from range %s", ErrInvalidRange, inst.Number, r.ID)
	}

	if inst.Number == r.NextNumber-1 {
		r.NextNumber--
	} else if err := s.PushReleasedNumber(ctx, r.ID, inst.Number); err != nil {
		return fmt.Errorf("push released number %d: %w", inst.Number, err)
	}
	r.Used--
	if r.Status == RangeExhausted {
		r.Status = RangeActive
	}
	r.UpdatedAt = p.now()
	if err := s.UpdateRange(ctx, r); err != nil {
		return fmt.Errorf("update range %s: %w", r.ID, err)
	}

	return appendAudit(ctx, s, p.now(), AuditLogEntry{
		Action:     AuditInstrumentReleased,
		BucketID:   bucketID,
		RangeID:    r.ID,
		Instrument: inst.Number,
		Reason:     reason,
		Payload:    map[string]string{"used": strconv.FormatInt(r.Used, 10)},
	})
}

// =============================================================================
// RANGE ADMINISTRATION
// =============================================================================

// CreateRange registers a new block of check numbers. Ranges on the same
// bank account may not overlap.
func (p *ReservationPool) CreateRange(ctx context.Context, r ReservationRange, actor string) (*ReservationRange, error) {
	switch {
	case r.PayerID == "":
		return nil, fmt.Errorf("%w: payer is required", ErrInvalidRange)
	case r.AccountNumber == "":
		return nil, fmt.Errorf("%w: account number is required", ErrInvalidRange)
	case r.StartNumber <= 0 || r.EndNumber < r.StartNumber:
		return nil, fmt.Errorf("%w: bounds %d-%d", ErrInvalidRange, r.StartNumber, r.EndNumber)
	}

	now := p.now()
	if r.ID == "" {
		r.ID = RangeID(uuid.NewString())
	}
	r.NextNumber = r.StartNumber
	r.Used = 0
	r.Status = RangeActive
	r.CreatedAt = now
	r.UpdatedAt = now

	err := p.store.WithTx(ctx, func(s Store) error {
		existing, err := s.ListRanges(ctx, RangeFilter{})
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Status != RangeCancelled && e.AccountNumber == r.AccountNumber && e.Overlaps(r) {
				return fmt.Errorf("%w: overlaps range %s (%d-%d)", ErrInvalidRange, e.ID, e.StartNumber, e.EndNumber)
			}
		}
		if err := s.InsertRange(ctx, &r); err != nil {
			return err
		}
		return appendAudit(ctx, s, now, AuditLogEntry{
			Actor:   actor,
			Action:  AuditRangeCreated,
			RangeID: r.ID,
			Payload: map[string]string{
				"payer_id": string(r.PayerID),
				"start":    strconv.FormatInt(r.StartNumber, 10),
				"end":      strconv.FormatInt(r.EndNumber, 10),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("reservation range created",
		"range_id", r.ID, "payer_id", r.PayerID, "start", r.StartNumber, "end", r.EndNumber)
	return &r, nil
}

// CancelRange stops further allocation. Issued numbers stay valid.
func (p *ReservationPool) CancelRange(ctx context.Context, id RangeID, actor, reason string) (*ReservationRange, error) {
	var out *ReservationRange
	err := p.store.WithTx(ctx, func(s Store) error {
		r, err := s.LockRange(ctx, id)
		if err != nil {
			return err
		}
		out = r
		if r.Status == RangeCancelled {
			return nil
		}
		r.Status = RangeCancelled
		r.UpdatedAt = p.now()
		if err := s.UpdateRange(ctx, r); err != nil {
			return err
		}
		return appendAudit(ctx, s, r.UpdatedAt, AuditLogEntry{
			Actor:   actor,
			Action:  AuditRangeCancelled,
			RangeID: id,
			Reason:  reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *ReservationPool) ListRanges(ctx context.Context, filter RangeFilter) ([]ReservationRange, error) {
	return p.store.ListRanges(ctx, filter)
}

func instrumentOf(r *ReservationRange, number int64) Instrument {
	return Instrument{
		Number:        number,
		RangeID:       r.ID,
		PayerID:       r.PayerID,
		BankName:      r.BankName,
		AccountNumber: r.AccountNumber,
		RoutingNumber: r.RoutingNumber,
	}
}

func appendAudit(ctx context.Context, s Store, now time.Time, e AuditLogEntry) error {
	e.ID = uuid.NewString()
	e.Timestamp = now
	if e.Actor == "" {
		e.Actor = systemActor
	}
	if err := s.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}
