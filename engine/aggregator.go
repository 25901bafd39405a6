/*
aggregator.go - Claim admission

PURPOSE:
  Puts each claim into the open bucket of its grouping key and decides,
  while still holding the key, whether the bucket is done.

SUBMIT:
  1. Resolve the grouping rule (ErrNoActiveGroupingRule: nothing touched)
  2. Derive the key and take the per-key lock
  3. In one transaction:
     - redelivered claim ID: return its bucket, no mutation
     - lock or create the ACCUMULATING bucket for the key
     - append the claim, bump count, total and last activity
     - evaluate the threshold, resolve the policy, route if triggered
  4. After commit: queued generation work is published and pending
     automatic instrument assignments run

SWEEP:
  Time and idle thresholds fire without new claims, so a background
  sweeper re-evaluates every ACCUMULATING bucket under the same key lock.

CONCURRENCY:
  The in-process KeyLocker orders submitters of one process. Across
  processes the store's row lock and the unique index on open buckets per
  key do the same job; a lost create race surfaces as
  ErrConcurrentModification and the submit is retried.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const submitAttempts = 3

type Aggregator struct {
	catalog   Catalog
	locker    *KeyLocker
	lifecycle *Lifecycle
	resolver  *CommitResolver
	router    *Router
	payments  *PaymentService
	metrics   Metrics
	logger    *slog.Logger
}

func NewAggregator(catalog Catalog, locker *KeyLocker, l *Lifecycle, resolver *CommitResolver, router *Router, payments *PaymentService) *Aggregator {
	return &Aggregator{
		catalog:   catalog,
		locker:    locker,
		lifecycle: l,
		resolver:  resolver,
		router:    router,
		payments:  payments,
		metrics:   l.metrics,
		logger:    l.logger,
	}
}

// Submit admits one claim. Redelivery of an admitted claim returns the
// original bucket with Duplicate set.
func (a *Aggregator) Submit(ctx context.Context, claim Claim) (BucketRef, error) {
	if err := ValidateClaim(claim); err != nil {
		return BucketRef{}, err
	}
	rule, err := ResolveRule(a.catalog.Rules(), claim)
	if err != nil {
		return BucketRef{}, err
	}
	key, err := rule.KeyFor(claim)
	if err != nil {
		return BucketRef{}, err
	}

	unlock := a.locker.Lock(key)
	defer unlock()

	for attempt := 1; ; attempt++ {
		ref, out, err := a.admit(ctx, rule, key, claim)
		if err == nil {
			a.metrics.ClaimAdmitted(rule.ID, ref.Duplicate)
			a.payments.assignPending(ctx, out, systemActor)
			return ref, nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt == submitAttempts {
			return BucketRef{}, fmt.Errorf("submit claim %s: %w", claim.ID, err)
		}
		a.logger.Warn("claim admission raced, retrying", "claim_id", claim.ID, "key", key, "attempt", attempt)
	}
}

func (a *Aggregator) admit(ctx context.Context, rule GroupingRule, key GroupingKey, claim Claim) (BucketRef, *outbox, error) {
	var ref BucketRef
	out, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		if existing, ok, err := s.ClaimBucket(ctx, claim.ID); err != nil {
			return err
		} else if ok {
			b, err := s.GetBucket(ctx, existing)
			if err != nil {
				return err
			}
			ref = BucketRef{BucketID: b.ID, Key: b.Key, Status: b.Status, Duplicate: true}
			return nil
		}

		now := a.lifecycle.now()
		b, err := s.LockAccumulatingBucket(ctx, key)
		if err != nil {
			return err
		}
		if b == nil {
			b, err = a.openBucket(ctx, s, rule, key, claim, now)
			if err != nil {
				return err
			}
		}

		if err := s.AppendClaim(ctx, b.ID, claim); err != nil {
			return err
		}
		b.ClaimCount++
		b.TotalAmount = b.TotalAmount.Add(claim.Amount)
		b.LastActivityAt = now
		if err := s.UpdateBucket(ctx, b, StatusAccumulating); err != nil {
			return err
		}

		if _, err := a.evaluate(ctx, s, out, b, now, false); err != nil {
			return err
		}
		ref = BucketRef{BucketID: b.ID, Key: key, Status: b.Status}
		return nil
	})
	return ref, out, err
}

func (a *Aggregator) openBucket(ctx context.Context, s Store, rule GroupingRule, key GroupingKey, claim Claim, now time.Time) (*Bucket, error) {
	b := &Bucket{
		ID:             BucketID(uuid.NewString()),
		Key:            key,
		RuleID:         rule.ID,
		PayerID:        claim.PayerID,
		PayeeID:        claim.PayeeID,
		Status:         StatusAccumulating,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.InsertBucket(ctx, b); err != nil {
		return nil, err
	}
	if err := a.lifecycle.audit(ctx, s, AuditLogEntry{
		Action:   AuditBucketCreated,
		BucketID: b.ID,
		Payload:  map[string]string{"key": string(key), "rule_id": string(rule.ID)},
	}); err != nil {
		return nil, err
	}
	a.logger.Info("bucket opened", "bucket_id", b.ID, "key", key, "rule_id", rule.ID)
	return b, nil
}

// evaluate checks b's threshold and routes it when triggered. A sweep only
// acts on time and idle conditions.
func (a *Aggregator) evaluate(ctx context.Context, s Store, out *outbox, b *Bucket, now time.Time, sweep bool) (bool, error) {
	def := a.resolver.Threshold(b.RuleID)
	ev := Evaluate(*b, def, now)
	if sweep {
		ev = ev.Elapsed()
	}
	if !ev.Triggered {
		return false, nil
	}
	action := a.resolver.Resolve(b.RuleID, ev)
	a.logger.Debug("threshold triggered",
		"bucket_id", b.ID, "threshold_id", ev.ThresholdID, "met_by", ev.MetBy, "action", action)
	if err := a.router.Route(ctx, s, out, b, ev, action); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep re-evaluates the time and idle thresholds of every ACCUMULATING
// bucket at now and returns how many were routed. Per-bucket failures are
// logged and skipped.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) (int, error) {
	open, err := a.lifecycle.store.ListBuckets(ctx, BucketFilter{Statuses: []BucketStatus{StatusAccumulating}})
	if err != nil {
		return 0, fmt.Errorf("list accumulating buckets: %w", err)
	}

	routed := 0
	for _, candidate := range open {
		if ctx.Err() != nil {
			return routed, ctx.Err()
		}
		triggered, err := a.sweepOne(ctx, candidate, now)
		if err != nil {
			a.logger.Error("sweep bucket", "bucket_id", candidate.ID, "error", err)
			continue
		}
		if triggered {
			routed++
		}
	}
	return routed, nil
}

func (a *Aggregator) sweepOne(ctx context.Context, candidate Bucket, now time.Time) (bool, error) {
	unlock := a.locker.Lock(candidate.Key)
	defer unlock()

	triggered := false
	out, err := a.lifecycle.atomically(ctx, func(s Store, out *outbox) error {
		b, err := s.GetBucket(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if b.Status != StatusAccumulating {
			return nil
		}
		triggered, err = a.evaluate(ctx, s, out, b, now, true)
		return err
	})
	if err != nil {
		return false, a.lifecycle.quiet(err, candidate.ID, "sweep")
	}
	a.payments.assignPending(ctx, out, systemActor)
	return triggered, nil
}
