/*
sqlite_test.go - Store contract tests against an in-memory SQLite database

Tests for:
- Optimistic bucket updates (status + version compare-and-set)
- Unique indexes: one open bucket per key, one payment per bucket,
  one holder per check number and account
- Released number free list and checkpoints
- A full claim -> payment -> generation run through the engine
*/
package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claim-bucketing/engine"
	"github.com/warp/claim-bucketing/store/sqlstore"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openBucket(id engine.BucketID, key engine.GroupingKey) *engine.Bucket {
	return &engine.Bucket{
		ID:             id,
		Key:            key,
		RuleID:         "rule-pp",
		PayerID:        "acme",
		PayeeID:        "dr-who",
		Status:         engine.StatusAccumulating,
		TotalAmount:    decimal.Zero,
		CreatedAt:      t0,
		LastActivityAt: t0,
	}
}

// =============================================================================
// BUCKETS
// =============================================================================

func TestBucket_RoundTripAndCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	b := openBucket("b-1", "rule-pp|acme|dr-who")
	require.NoError(t, s.InsertBucket(ctx, b))

	b.ClaimCount = 2
	b.TotalAmount = decimal.RequireFromString("123.4567")
	b.TriggeredBy = []engine.Condition{engine.ConditionCount, engine.ConditionAmount}
	require.NoError(t, s.UpdateBucket(ctx, b, engine.StatusAccumulating))
	assert.Equal(t, int64(1), b.Version)

	got, err := s.GetBucket(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ClaimCount)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("123.4567")))
	assert.Equal(t, b.TriggeredBy, got.TriggeredBy)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.PaymentID)

	// stale version
	stale := *got
	stale.Version = 0
	err = s.UpdateBucket(ctx, &stale, engine.StatusAccumulating)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	// wrong expected status
	err = s.UpdateBucket(ctx, got, engine.StatusAwaitingApproval)
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	_, err = s.GetBucket(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrBucketNotFound)
}

func TestBucket_OneOpenBucketPerKey(t *testing.T) {
	// GIVEN: An ACCUMULATING bucket for a key
	// WHEN: A second ACCUMULATING bucket is inserted for the same key
	// THEN: The unique index rejects it as a concurrent modification, and
	//       the key is free again once the first bucket moves on

	ctx := context.Background()
	s := newStore(t)
	key := engine.GroupingKey("rule-pp|acme|dr-who")

	first := openBucket("b-1", key)
	require.NoError(t, s.InsertBucket(ctx, first))
	err := s.InsertBucket(ctx, openBucket("b-2", key))
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)

	locked, err := s.LockAccumulatingBucket(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, locked)
	assert.Equal(t, engine.BucketID("b-1"), locked.ID)

	first.Status = engine.StatusAwaitingApproval
	require.NoError(t, s.UpdateBucket(ctx, first, engine.StatusAccumulating))

	none, err := s.LockAccumulatingBucket(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, none)
	require.NoError(t, s.InsertBucket(ctx, openBucket("b-2", key)))
}

func TestClaims_OrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBucket(ctx, openBucket("b-1", "k")))

	first := engine.Claim{
		ID: "c-1", PayerID: "acme", PayeeID: "dr-who",
		Routing:     &engine.RoutingPair{Network: "net", Route: "east"},
		Amount:      decimal.RequireFromString("10.50"),
		ServiceDate: t0,
		Attributes:  map[string]string{"region": "north"},
	}
	second := engine.Claim{ID: "c-2", PayerID: "acme", PayeeID: "dr-who", Amount: decimal.NewFromInt(3), ServiceDate: t0}
	require.NoError(t, s.AppendClaim(ctx, "b-1", first))
	require.NoError(t, s.AppendClaim(ctx, "b-1", second))

	err := s.AppendClaim(ctx, "b-1", first)
	assert.ErrorIs(t, err, engine.ErrDuplicateClaim)

	claims, err := s.ListClaims(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, engine.ClaimID("c-1"), claims[0].ID)
	assert.Equal(t, first.Routing, claims[0].Routing)
	assert.Equal(t, "north", claims[0].Attributes["region"])
	assert.True(t, claims[0].Amount.Equal(first.Amount))
	assert.Nil(t, claims[1].Routing)

	bucketID, ok, err := s.ClaimBucket(ctx, "c-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, engine.BucketID("b-1"), bucketID)

	_, ok, err = s.ClaimBucket(ctx, "c-9")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// RANGES AND PAYMENTS
// =============================================================================

func TestRanges_ReleasedNumbersLowestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := &engine.ReservationRange{
		ID: "r-1", PayerID: "acme", StartNumber: 1, EndNumber: 10, NextNumber: 6, Used: 5,
		Status: engine.RangeActive, AccountNumber: "acct-1", CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.InsertRange(ctx, r))

	require.NoError(t, s.PushReleasedNumber(ctx, "r-1", 4))
	require.NoError(t, s.PushReleasedNumber(ctx, "r-1", 2))
	require.NoError(t, s.PushReleasedNumber(ctx, "r-1", 2))

	n, ok, err := s.PopReleasedNumber(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)
	n, _, _ = s.PopReleasedNumber(ctx, "r-1")
	assert.Equal(t, int64(4), n)
	_, ok, err = s.PopReleasedNumber(ctx, "r-1")
	require.NoError(t, err)
	assert.False(t, ok)

	r.Used = 10
	r.Status = engine.RangeExhausted
	require.NoError(t, s.UpdateRange(ctx, r))
	got, err := s.LockRange(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RangeExhausted, got.Status)

	active, err := s.ListRanges(ctx, engine.RangeFilter{PayerID: "acme", Statuses: []engine.RangeStatus{engine.RangeActive}})
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetRange(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrRangeNotFound)
}

func TestPayments_UniqueIndexes(t *testing.T) {
	// GIVEN: A bucket holding check 100 on account acct-1
	// WHEN: Inserting another payment for the bucket, or the same number
	//       on the same account for another bucket
	// THEN: Each is rejected with its own error; voiding frees both

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBucket(ctx, openBucket("b-1", "k1")))
	require.NoError(t, s.InsertBucket(ctx, openBucket("b-2", "k2")))

	pay := &engine.Payment{
		ID: "p-1", BucketID: "b-1", InstrumentNumber: 100, Source: engine.SourceManual,
		Amount: decimal.RequireFromString("99.99"), Status: engine.PaymentAssigned,
		AccountNumber: "acct-1", AssignedBy: "alice", AssignedAt: t0,
	}
	require.NoError(t, s.InsertPayment(ctx, pay))

	again := *pay
	again.ID = "p-2"
	again.InstrumentNumber = 101
	assert.ErrorIs(t, s.InsertPayment(ctx, &again), engine.ErrPaymentAlreadyAssigned)

	clash := *pay
	clash.ID = "p-3"
	clash.BucketID = "b-2"
	assert.ErrorIs(t, s.InsertPayment(ctx, &clash), engine.ErrDuplicateInstrument)

	active, err := s.ActivePayment(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Nil(t, active.RangeID)
	assert.True(t, active.Amount.Equal(pay.Amount))

	pay.Status = engine.PaymentVoided
	pay.VoidedBy = "alice"
	pay.VoidedAt = &t0
	require.NoError(t, s.UpdatePayment(ctx, pay))

	none, err := s.ActivePayment(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.NoError(t, s.InsertPayment(ctx, &clash))
}

// =============================================================================
// TRANSACTIONS, AUDIT, CHECKPOINTS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.InsertBucket(ctx, openBucket("b-1", "k")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetBucket(ctx, "b-1")
	assert.ErrorIs(t, err, engine.ErrBucketNotFound)
}

func TestAuditAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for i, action := range []engine.AuditAction{engine.AuditRangeCreated, engine.AuditInstrumentReserved, engine.AuditInstrumentReleased} {
		require.NoError(t, s.AppendAudit(ctx, engine.AuditLogEntry{
			ID: string(action), Timestamp: t0.Add(time.Duration(i) * time.Second), Actor: "ops",
			Action: action, RangeID: "r-1", Instrument: int64(i),
			Payload: map[string]string{"i": string(rune('a' + i))},
		}))
	}
	entries, err := s.QueryAudit(ctx, engine.AuditFilter{RangeID: "r-1", Actions: []engine.AuditAction{
		engine.AuditInstrumentReserved, engine.AuditInstrumentReleased,
	}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, engine.AuditInstrumentReserved, entries[0].Action)
	assert.Equal(t, "b", entries[0].Payload["i"])
	assert.Empty(t, entries[0].BucketID)

	cp, err := s.GetCheckpoint(ctx, "file:claims.jsonl")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.SaveCheckpoint(ctx, engine.Checkpoint{Consumer: "file:claims.jsonl", Position: 10, UpdatedAt: t0}))
	require.NoError(t, s.SaveCheckpoint(ctx, engine.Checkpoint{Consumer: "file:claims.jsonl", Position: 25, UpdatedAt: t0}))
	cp, err = s.GetCheckpoint(ctx, "file:claims.jsonl")
	require.NoError(t, err)
	assert.Equal(t, int64(25), cp.Position)
}

// =============================================================================
// END TO END
// =============================================================================

func TestEngineOnSQLite_ClaimToIssuedCheck(t *testing.T) {
	// GIVEN: The engine on SQLite with MANUAL approval and required payment
	// WHEN: Two claims trigger a bucket, it is approved and a check assigned
	// THEN: The bucket is generated and the check is issued

	ctx := context.Background()
	s := newStore(t)
	catalog, err := engine.NewStaticCatalog(
		[]engine.GroupingRule{{ID: "rule-pp", Strategy: engine.GroupByPayerPayee, Active: true, CreatedAt: t0}},
		[]engine.ThresholdDefinition{{ID: "th", Type: engine.ThresholdCount, CountLimit: 2, Active: true, CreatedAt: t0}},
		[]engine.CommitPolicy{{ID: "manual", Mode: engine.CommitManual, Active: true, CreatedAt: t0}},
		engine.Workflow{PaymentRequired: true},
	)
	require.NoError(t, err)

	encoded := make(chan engine.BucketID, 1)
	e, err := engine.New(engine.Options{
		Store:   s,
		Catalog: catalog,
		Encoder: engine.EncoderFunc(func(_ context.Context, snap engine.BucketSnapshot) (engine.ArtifactMetadata, error) {
			encoded <- snap.Bucket.ID
			return engine.ArtifactMetadata{Location: "file:///tmp/" + string(snap.Bucket.ID)}, nil
		}),
		Workers: 1,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	_, err = e.Pool.CreateRange(ctx, engine.ReservationRange{PayerID: "acme", StartNumber: 5000, EndNumber: 5999, AccountNumber: "acct-1"}, "ops")
	require.NoError(t, err)

	for _, id := range []engine.ClaimID{"c-1", "c-2"} {
		_, err := e.Aggregator.Submit(ctx, engine.Claim{ID: id, PayerID: "acme", PayeeID: "dr-who", Amount: decimal.NewFromInt(50), ServiceDate: t0})
		require.NoError(t, err)
	}
	waiting, err := e.Buckets(ctx, engine.BucketFilter{Statuses: []engine.BucketStatus{engine.StatusAwaitingApproval}})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	id := waiting[0].ID

	_, err = e.Approvals.Approve(ctx, id, "alice", "ok")
	require.NoError(t, err)
	pay, err := e.Payments.AssignAutomatically(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), pay.InstrumentNumber)

	select {
	case got := <-encoded:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("bucket was never encoded")
	}
	require.Eventually(t, func() bool {
		b, err := s.GetBucket(ctx, id)
		return err == nil && b.Status == engine.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	issued, err := e.Payment(ctx, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentIssued, issued.Status)
}
