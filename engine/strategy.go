/*
strategy.go - How instrument reservation joins the assignment transaction

PURPOSE:
  The payment service needs "reserve an instrument, then do work that uses
  it" to be all-or-nothing. Stores differ in how they can deliver that, so
  the choice is a strategy selected by configuration.

STRATEGIES:
  IndependentCommitReservation (Strategy A)
    1. Reserve in its own transaction and commit.
    2. Run the work in a second transaction.
    3. If the work fails, release the instrument in a third transaction.
    A failed release is not retried. It is logged as critical, audited when
    possible, counted, and returned as *CompensationError.

  SharedTransactionReservation (Strategy B)
    Reserve and work run in one transaction. Any failure rolls back both.

INVARIANT (both):
  After the call returns an error, the instrument is either fully available
  again or named in a CompensationError.
*/
package engine

import (
	"context"
	"log/slog"
	"strconv"
)

// ReservationStrategy runs work with a freshly reserved instrument.
type ReservationStrategy interface {
	Mode() ReservationMode
	WithInstrument(ctx context.Context, req InstrumentRequest, work func(Store, Instrument) error) (Instrument, error)
}

// InstrumentRequest identifies who wants an instrument and for what.
type InstrumentRequest struct {
	PayerID  PayerID
	BucketID BucketID
	Actor    string
}

// NewReservationStrategy returns the strategy for mode.
func NewReservationStrategy(mode ReservationMode, store TxStore, pool *ReservationPool, metrics Metrics, logger *slog.Logger) ReservationStrategy {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mode == ReservationIndependent {
		return &IndependentCommitReservation{store: store, pool: pool, metrics: metrics, logger: logger}
	}
	return &SharedTransactionReservation{store: store, pool: pool, metrics: metrics}
}

// =============================================================================
// STRATEGY A - Independent commit with compensation
// =============================================================================

type IndependentCommitReservation struct {
	store   TxStore
	pool    *ReservationPool
	metrics Metrics
	logger  *slog.Logger
}

func (r *IndependentCommitReservation) Mode() ReservationMode { return ReservationIndependent }

func (r *IndependentCommitReservation) WithInstrument(ctx context.Context, req InstrumentRequest, work func(Store, Instrument) error) (Instrument, error) {
	var inst Instrument
	if err := r.store.WithTx(ctx, func(s Store) error {
		var err error
		inst, err = r.pool.Reserve(ctx, s, req.PayerID, req.BucketID, req.Actor)
		return err
	}); err != nil {
		return Instrument{}, err
	}
	r.metrics.InstrumentReserved(ReservationIndependent)

	workErr := r.store.WithTx(ctx, func(s Store) error {
		return work(s, inst)
	})
	if workErr == nil {
		return inst, nil
	}

	// Compensation runs on a context that outlives a cancelled request.
	cctx := context.WithoutCancel(ctx)
	releaseErr := r.store.WithTx(cctx, func(s Store) error {
		return r.pool.Release(cctx, s, inst, req.BucketID, "compensation: "+workErr.Error())
	})
	if releaseErr == nil {
		r.metrics.InstrumentReleased(ReservationIndependent)
		r.logger.Warn("instrument released after failed assignment",
			"bucket_id", req.BucketID, "range_id", inst.RangeID, "number", inst.Number, "error", workErr)
		return Instrument{}, workErr
	}

	r.metrics.CompensationFailed()
	r.logger.Error("CRITICAL: instrument orphaned, manual release required",
		"bucket_id", req.BucketID,
		"range_id", inst.RangeID,
		"number", inst.Number,
		"error", workErr,
		"release_error", releaseErr)

	if auditErr := r.store.WithTx(cctx, func(s Store) error {
		return appendAudit(cctx, s, r.pool.now(), AuditLogEntry{
			Actor:      req.Actor,
			Action:     AuditCompensationFailed,
			BucketID:   req.BucketID,
			RangeID:    inst.RangeID,
			Instrument: inst.Number,
			Reason:     releaseErr.Error(),
			Payload:    map[string]string{"cause": workErr.Error(), "number": strconv.FormatInt(inst.Number, 10)},
		})
	}); auditErr != nil {
		r.logger.Error("could not audit orphaned instrument", "number", inst.Number, "error", auditErr)
	}

	return Instrument{}, &CompensationError{
		Instrument: inst,
		BucketID:   req.BucketID,
		Cause:      workErr,
		ReleaseErr: releaseErr,
	}
}

// =============================================================================
// STRATEGY B - Single shared transaction
// =============================================================================

type SharedTransactionReservation struct {
	store   TxStore
	pool    *ReservationPool
	metrics Metrics
}

func (r *SharedTransactionReservation) Mode() ReservationMode { return ReservationShared }

func (r *SharedTransactionReservation) WithInstrument(ctx context.Context, req InstrumentRequest, work func(Store, Instrument) error) (Instrument, error) {
	var (
		inst     Instrument
		reserved bool
	)
	err := r.store.WithTx(ctx, func(s Store) error {
		var err error
		inst, err = r.pool.Reserve(ctx, s, req.PayerID, req.BucketID, req.Actor)
		if err != nil {
			return err
		}
		reserved = true
		return work(s, inst)
	})
	if err != nil {
		if reserved {
			// rolled back together with the work
			r.metrics.InstrumentReleased(ReservationShared)
		}
		return Instrument{}, err
	}
	r.metrics.InstrumentReserved(ReservationShared)
	return inst, nil
}
