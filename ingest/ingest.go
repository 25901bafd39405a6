/*
Package ingest feeds claims from a JSON-lines source into the aggregator.

PURPOSE:
  Batch intake for claim sources that deliver files instead of calling the
  API. Each line is one claim in the same shape POST /api/claims accepts.

CHECKPOINTS:
  The consumer's position (last processed line) is stored after every
  line, so a rerun after a crash or a partial failure starts where the
  previous run stopped. Redelivered claims are harmless anyway: the
  aggregator is idempotent on claim ID.

FAILURES:
  Lines the engine rejects as client errors (malformed claim, no grouping
  rule) are logged, counted and skipped. Any other error stops the run
  with the checkpoint on the last good line.
*/
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/claim-bucketing/engine"
)

// ClaimRecord is the wire form of a claim.
type ClaimRecord struct {
	ID          string            `json:"id"`
	PayerID     string            `json:"payer_id"`
	PayeeID     string            `json:"payee_id"`
	Network     string            `json:"network,omitempty"`
	Route       string            `json:"route,omitempty"`
	Amount      string            `json:"amount"`
	ServiceDate string            `json:"service_date"` // YYYY-MM-DD
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Claim converts the record. Amount and date syntax errors wrap
// engine.ErrInvalidClaim.
func (r ClaimRecord) Claim() (engine.Claim, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return engine.Claim{}, fmt.Errorf("%w: amount %q", engine.ErrInvalidClaim, r.Amount)
	}
	date, err := time.Parse("2006-01-02", r.ServiceDate)
	if err != nil {
		return engine.Claim{}, fmt.Errorf("%w: service_date %q, expected YYYY-MM-DD", engine.ErrInvalidClaim, r.ServiceDate)
	}
	claim := engine.Claim{
		ID:          engine.ClaimID(r.ID),
		PayerID:     engine.PayerID(r.PayerID),
		PayeeID:     engine.PayeeID(r.PayeeID),
		Amount:      amount,
		ServiceDate: date,
		Attributes:  r.Attributes,
	}
	if r.Network != "" || r.Route != "" {
		claim.Routing = &engine.RoutingPair{Network: r.Network, Route: r.Route}
	}
	return claim, nil
}

// Submitter admits one claim.
type Submitter interface {
	Submit(ctx context.Context, claim engine.Claim) (engine.BucketRef, error)
}

type Result struct {
	Start     int64 // position the run resumed after
	Position  int64 // last processed line
	Admitted  int
	Duplicate int
	Rejected  int
}

type Runner struct {
	submitter   Submitter
	checkpoints engine.CheckpointStore
	logger      *slog.Logger
	now         func() time.Time
}

func NewRunner(submitter Submitter, checkpoints engine.CheckpointStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{submitter: submitter, checkpoints: checkpoints, logger: logger, now: time.Now}
}

// Run reads src line by line, skipping lines at or before consumer's
// checkpoint.
func (r *Runner) Run(ctx context.Context, consumer string, src io.Reader) (Result, error) {
	var res Result
	cp, err := r.checkpoints.GetCheckpoint(ctx, consumer)
	if err != nil {
		return res, err
	}
	if cp != nil {
		res.Start = cp.Position
		res.Position = cp.Position
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var line int64
	for scanner.Scan() {
		line++
		if line <= res.Start {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := r.process(ctx, line, scanner.Bytes(), &res); err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		res.Position = line
		if err := r.checkpoints.SaveCheckpoint(ctx, engine.Checkpoint{
			Consumer:  consumer,
			Position:  line,
			UpdatedAt: r.now().UTC(),
		}); err != nil {
			return res, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read claims: %w", err)
	}

	r.logger.Info("ingest finished", "consumer", consumer, "from", res.Start, "to", res.Position,
		"admitted", res.Admitted, "duplicate", res.Duplicate, "rejected", res.Rejected)
	return res, nil
}

func (r *Runner) process(ctx context.Context, line int64, raw []byte, res *Result) error {
	if len(raw) == 0 {
		return nil
	}
	var rec ClaimRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("skipping malformed line", "line", line, "error", err)
		res.Rejected++
		return nil
	}
	claim, err := rec.Claim()
	if err == nil {
		var ref engine.BucketRef
		ref, err = r.submitter.Submit(ctx, claim)
		if err == nil {
			if ref.Duplicate {
				res.Duplicate++
			} else {
				res.Admitted++
			}
			return nil
		}
	}
	if engine.IsClientError(err) {
		r.logger.Warn("claim rejected", "line", line, "claim_id", rec.ID, "error", err)
		res.Rejected++
		return nil
	}
	return err
}
