/*
lifecycle.go - Bucket state machine

PURPOSE:
  Owns every legal bucket transition. Other components decide WHEN to move a
  bucket; Lifecycle decides WHETHER the move is legal, stamps timestamps,
  writes the audit entry and queues generation work.

STATES:
  ACCUMULATING ──► AWAITING_APPROVAL ──► GENERATING ──► COMPLETED
       │                 │                    │
       └─────────────────┼──► GENERATING      └──► FAILED ──(retry)──► GENERATING
                         └──► ACCUMULATING (rejection)

READINESS:
  A bucket may enter GENERATING only when approval is satisfied
  (not required, or recorded) and IsPaymentReady holds.

STALE TRANSITIONS:
  Every write is a compare-and-set on (status, version). A mismatch surfaces
  as ErrStaleTransition. Automatic callers log and drop it; operator actions
  report it.

EVENTS:
  Transitions into GENERATING are collected in an outbox and published only
  after the enclosing transaction commits.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var legalTransitions = map[BucketStatus][]BucketStatus{
	StatusAccumulating:     {StatusAwaitingApproval, StatusGenerating},
	StatusAwaitingApproval: {StatusGenerating, StatusAccumulating},
	StatusGenerating:       {StatusCompleted, StatusFailed},
	StatusFailed:           {StatusGenerating},
}

// CanTransition reports whether from -> to is a legal edge. FAILED -> GENERATING
// is legal only for an explicit retry.
func CanTransition(from, to BucketStatus, retry bool) bool {
	if from == StatusFailed && !retry {
		return false
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsPaymentReady is the payment half of the generation precondition.
func IsPaymentReady(p *Payment, wf Workflow) bool {
	if !wf.PaymentRequired {
		return true
	}
	if p == nil {
		return false
	}
	switch p.Status {
	case PaymentAssigned:
		return !wf.AcknowledgmentRequired
	case PaymentAcknowledged, PaymentIssued:
		return true
	default:
		return false
	}
}

// GenerationRequested asks the dispatcher to encode a bucket.
type GenerationRequested struct {
	BucketID    BucketID
	Attempt     int
	RequestedAt time.Time
}

// Publisher accepts generation work. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, ev GenerationRequested)
}

// outbox collects side effects that may only run after commit.
type outbox struct {
	generation []GenerationRequested
	assign     []BucketID // buckets waiting on automatic instrument assignment
}

type transitionInfo struct {
	Actor  string
	Reason string
	Retry  bool
}

type Lifecycle struct {
	store     TxStore
	catalog   Catalog
	publisher Publisher
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewLifecycle(store TxStore, catalog Catalog, publisher Publisher, metrics Metrics, logger *slog.Logger, now func() time.Time) *Lifecycle {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return now().UTC() },
	}
}

// atomically runs fn in one store transaction and publishes queued
// generation requests once it commits.
func (l *Lifecycle) atomically(ctx context.Context, fn func(Store, *outbox) error) (*outbox, error) {
	out := &outbox{}
	if err := l.store.WithTx(ctx, func(s Store) error {
		return fn(s, out)
	}); err != nil {
		return nil, err
	}
	l.flush(ctx, out)
	return out, nil
}

func (l *Lifecycle) flush(ctx context.Context, out *outbox) {
	if l.publisher == nil {
		return
	}
	for _, ev := range out.generation {
		l.publisher.Publish(ctx, ev)
	}
}

// transition moves b to status to inside s. b is updated in place.
func (l *Lifecycle) transition(ctx context.Context, s Store, out *outbox, b *Bucket, to BucketStatus, info transitionInfo) error {
	from := b.Status
	if !CanTransition(from, to, info.Retry) {
		return &InvalidStateError{BucketID: b.ID, Current: from, Expected: sourcesOf(to), Op: "transition to " + string(to)}
	}

	now := l.now()
	switch to {
	case StatusGenerating:
		ready, err := l.ready(ctx, s, b)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("%w: bucket %s", ErrPaymentNotReady, b.ID)
		}
		b.GenerationStartedAt = timePtr(now)
		b.Attempts++
		b.LastError = ""
		b.FailedAt = nil
	case StatusAwaitingApproval:
		b.AwaitingApprovalSince = timePtr(now)
	case StatusAccumulating:
		b.AwaitingApprovalSince = nil
		b.LastActivityAt = now
	case StatusCompleted:
		b.CompletedAt = timePtr(now)
	case StatusFailed:
		b.FailedAt = timePtr(now)
	}
	b.Status = to

	if err := s.UpdateBucket(ctx, b, from); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return fmt.Errorf("%w: bucket %s %s -> %s: %w", ErrStaleTransition, b.ID, from, to, err)
		}
		return fmt.Errorf("update bucket %s: %w", b.ID, err)
	}

	if err := l.audit(ctx, s, AuditLogEntry{
		Actor:    info.Actor,
		Action:   AuditBucketTransition,
		BucketID: b.ID,
		Reason:   info.Reason,
		Payload:  map[string]string{"from": string(from), "to": string(to)},
	}); err != nil {
		return err
	}

	l.metrics.BucketTransition(from, to)
	if to == StatusGenerating {
		out.generation = append(out.generation, GenerationRequested{BucketID: b.ID, Attempt: b.Attempts, RequestedAt: now})
	}
	l.logger.Info("bucket transition",
		"bucket_id", b.ID, "from", from, "to", to, "actor", info.Actor, "reason", info.Reason)
	return nil
}

// ready reports whether b may enter GENERATING.
func (l *Lifecycle) ready(ctx context.Context, s Store, b *Bucket) (bool, error) {
	if !b.ApprovalSatisfied() {
		return false, nil
	}
	wf := l.catalog.Workflow()
	if !wf.PaymentRequired {
		return true, nil
	}
	p, err := s.ActivePayment(ctx, b.ID)
	if err != nil {
		return false, fmt.Errorf("load payment for bucket %s: %w", b.ID, err)
	}
	return IsPaymentReady(p, wf), nil
}

// advanceIfReady moves an AWAITING_APPROVAL bucket to GENERATING when
// readiness holds, or persists b unchanged in status otherwise.
func (l *Lifecycle) advanceIfReady(ctx context.Context, s Store, out *outbox, b *Bucket, info transitionInfo) (bool, error) {
	if b.Status == StatusAwaitingApproval {
		ready, err := l.ready(ctx, s, b)
		if err != nil {
			return false, err
		}
		if ready {
			return true, l.transition(ctx, s, out, b, StatusGenerating, info)
		}
	}
	if err := s.UpdateBucket(ctx, b, b.Status); err != nil {
		return false, fmt.Errorf("update bucket %s: %w", b.ID, err)
	}
	return false, nil
}

// CompleteGeneration records a successful encode and moves the bucket to
// COMPLETED. A bucket that already left GENERATING is left alone.
func (l *Lifecycle) CompleteGeneration(ctx context.Context, id BucketID, meta ArtifactMetadata) error {
	_, err := l.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusGenerating {
			l.logger.Warn("generation result for bucket no longer generating",
				"bucket_id", id, "status", b.Status)
			return nil
		}
		b.ArtifactLocation = meta.Location
		b.ArtifactChecksum = meta.Checksum
		if err := l.transition(ctx, s, out, b, StatusCompleted, transitionInfo{Actor: systemActor, Reason: "artifact generated"}); err != nil {
			return err
		}

		p, err := s.ActivePayment(ctx, id)
		if err != nil {
			return err
		}
		if p == nil || p.Status == PaymentIssued {
			return nil
		}
		p.Status = PaymentIssued
		p.IssuedAt = timePtr(l.now())
		if err := s.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("issue payment %s: %w", p.ID, err)
		}
		return l.audit(ctx, s, AuditLogEntry{
			Actor:      systemActor,
			Action:     AuditPaymentIssued,
			BucketID:   id,
			PaymentID:  p.ID,
			Instrument: p.InstrumentNumber,
			Reason:     "artifact generated",
		})
	})
	return l.quiet(err, id, "complete generation")
}

// FailGeneration moves the bucket to FAILED and records cause.
func (l *Lifecycle) FailGeneration(ctx context.Context, id BucketID, cause error) error {
	_, err := l.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusGenerating {
			l.logger.Warn("generation failure for bucket no longer generating",
				"bucket_id", id, "status", b.Status)
			return nil
		}
		b.LastError = cause.Error()
		return l.transition(ctx, s, out, b, StatusFailed, transitionInfo{Actor: systemActor, Reason: cause.Error()})
	})
	return l.quiet(err, id, "fail generation")
}

// quiet drops stale transitions after logging them.
func (l *Lifecycle) quiet(err error, id BucketID, op string) error {
	if err != nil && errors.Is(err, ErrStaleTransition) {
		l.logger.Warn("stale transition abandoned", "bucket_id", id, "op", op, "error", err)
		return nil
	}
	return err
}

func (l *Lifecycle) audit(ctx context.Context, s Store, e AuditLogEntry) error {
	return appendAudit(ctx, s, l.now(), e)
}

func sourcesOf(to BucketStatus) []BucketStatus {
	var out []BucketStatus
	for _, from := range []BucketStatus{StatusAccumulating, StatusAwaitingApproval, StatusGenerating, StatusFailed} {
		for _, s := range legalTransitions[from] {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}

const systemActor = "system"
