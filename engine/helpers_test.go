package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/claim-bucketing/engine"
	"github.com/warp/claim-bucketing/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payerPayeeRule() engine.GroupingRule {
	return engine.GroupingRule{ID: "rule-pp", Name: "payer and payee", Strategy: engine.GroupByPayerPayee, Active: true, CreatedAt: t0}
}

func countThreshold(n int) engine.ThresholdDefinition {
	return engine.ThresholdDefinition{ID: "th-count", Type: engine.ThresholdCount, CountLimit: n, Active: true, CreatedAt: t0}
}

func policy(mode engine.CommitMode, hard ...engine.Condition) engine.CommitPolicy {
	return engine.CommitPolicy{ID: "policy-" + string(mode), Mode: mode, HardConditions: hard, Active: true, CreatedAt: t0}
}

type fixture struct {
	engine *engine.Engine
	mem    *store.Memory
	store  engine.TxStore
	clock  *clock
}

type setup struct {
	threshold engine.ThresholdDefinition
	policy    engine.CommitPolicy
	workflow  engine.Workflow
	encoder   engine.Encoder
	wrap      func(engine.TxStore) engine.TxStore
	queueSize int
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	if s.threshold.ID == "" {
		s.threshold = countThreshold(3)
	}
	if s.policy.ID == "" {
		s.policy = policy(engine.CommitAuto)
	}
	catalog, err := engine.NewStaticCatalog(
		[]engine.GroupingRule{payerPayeeRule()},
		[]engine.ThresholdDefinition{s.threshold},
		[]engine.CommitPolicy{s.policy},
		s.workflow,
	)
	require.NoError(t, err)

	mem := store.NewMemory()
	var st engine.TxStore = mem
	if s.wrap != nil {
		st = s.wrap(mem)
	}
	clk := newClock()
	e, err := engine.New(engine.Options{
		Store:     st,
		Catalog:   catalog,
		Encoder:   s.encoder,
		Logger:    quietLogger(),
		Now:       clk.Now,
		Workers:   2,
		QueueSize: s.queueSize,
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return &fixture{engine: e, mem: mem, store: st, clock: clk}
}

func claim(id, payer, payee, amount string) engine.Claim {
	return engine.Claim{
		ID:          engine.ClaimID(id),
		PayerID:     engine.PayerID(payer),
		PayeeID:     engine.PayeeID(payee),
		Amount:      decimal.RequireFromString(amount),
		ServiceDate: time.Date(2025, time.February, 14, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) submit(t *testing.T, c engine.Claim) engine.BucketRef {
	t.Helper()
	ref, err := f.engine.Aggregator.Submit(context.Background(), c)
	require.NoError(t, err)
	return ref
}

func (f *fixture) bucket(t *testing.T, id engine.BucketID) engine.Bucket {
	t.Helper()
	b, err := f.mem.GetBucket(context.Background(), id)
	require.NoError(t, err)
	return *b
}

func (f *fixture) rangeOf(t *testing.T, id engine.RangeID) engine.ReservationRange {
	t.Helper()
	r, err := f.mem.GetRange(context.Background(), id)
	require.NoError(t, err)
	return *r
}

func (f *fixture) createRange(t *testing.T, payer string, start, end int64) engine.ReservationRange {
	t.Helper()
	r, err := f.engine.Pool.CreateRange(context.Background(), engine.ReservationRange{
		PayerID:       engine.PayerID(payer),
		StartNumber:   start,
		EndNumber:     end,
		BankName:      "First Federal",
		AccountNumber: "acct-" + payer,
		RoutingNumber: "021000021",
	}, "ops")
	require.NoError(t, err)
	return *r
}

// awaitingBucket submits one claim under a MANUAL policy with count 1 and
// returns the resulting AWAITING_APPROVAL bucket.
func (f *fixture) awaitingBucket(t *testing.T, claimID, payer, payee, amount string) engine.Bucket {
	t.Helper()
	ref := f.submit(t, claim(claimID, payer, payee, amount))
	require.Equal(t, engine.StatusAwaitingApproval, ref.Status)
	return f.bucket(t, ref.BucketID)
}

func (f *fixture) auditActions(t *testing.T, filter engine.AuditFilter) []engine.AuditAction {
	t.Helper()
	entries, err := f.mem.QueryAudit(context.Background(), filter)
	require.NoError(t, err)
	out := make([]engine.AuditAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errInjected = errors.New("injected failure")

// faultyStore wraps a TxStore and fails selected writes made inside
// transactions once armed.
type faultyStore struct {
	engine.TxStore

	mu                sync.Mutex
	failBucketUpdates bool
	rangeUpdatesLeft int // -1 is unlimited
}

func newFaultyStore(inner engine.TxStore) *faultyStore {
	return &faultyStore{TxStore: inner, rangeUpdatesLeft: -1}
}

func (f *faultyStore) armBucketUpdates() {
	f.mu.Lock()
	f.failBucketUpdates = true
	f.mu.Unlock()
}

// allowRangeUpdates lets n more range updates through, then fails them.
func (f *faultyStore) allowRangeUpdates(n int) {
	f.mu.Lock()
	f.rangeUpdatesLeft = n
	f.mu.Unlock()
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s engine.Store) error {
		return fn(&faultyTx{Store: s, parent: f})
	})
}

type faultyTx struct {
	engine.Store
	parent *faultyStore
}

func (t *faultyTx) UpdateBucket(ctx context.Context, b *engine.Bucket, expected engine.BucketStatus) error {
	t.parent.mu.Lock()
	fail := t.parent.failBucketUpdates
	t.parent.mu.Unlock()
	if fail {
		return fmt.Errorf("update bucket %s: %w", b.ID, errInjected)
	}
	return t.Store.UpdateBucket(ctx, b, expected)
}

func (t *faultyTx) UpdateRange(ctx context.Context, r *engine.ReservationRange) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.rangeUpdatesLeft == 0 {
		return fmt.Errorf("update range %s: %w", r.ID, errInjected)
	}
	if t.parent.rangeUpdatesLeft > 0 {
		t.parent.rangeUpdatesLeft--
	}
	return t.Store.UpdateRange(ctx, r)
}

// =============================================================================
// ENCODERS
// =============================================================================

// recordingEncoder records snapshots and fails while failing is set.
type recordingEncoder struct {
	mu        sync.Mutex
	snapshots []engine.BucketSnapshot
	failing   bool
}

func (r *recordingEncoder) Encode(_ context.Context, snap engine.BucketSnapshot) (engine.ArtifactMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
	if r.failing {
		return engine.ArtifactMetadata{}, errors.New("template missing")
	}
	return engine.ArtifactMetadata{
		Location: fmt.Sprintf("mem://%s-%d", snap.Bucket.ID, snap.Bucket.Attempts),
		Checksum: "sha256:test",
	}, nil
}

func (r *recordingEncoder) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

func (r *recordingEncoder) calls() []engine.BucketSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.BucketSnapshot(nil), r.snapshots...)
}
