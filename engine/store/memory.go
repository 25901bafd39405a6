// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/claim-bucketing/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a TxStore held in maps. WithTx takes the write lock for the
// whole transaction, so it behaves like a single-writer database: lock
// methods are plain reads and every transaction is serialized.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	buckets     map[engine.BucketID]*engine.Bucket
	open        map[engine.GroupingKey]engine.BucketID
	claims      map[engine.BucketID][]engine.Claim
	claimIndex  map[engine.ClaimID]engine.BucketID
	ranges      map[engine.RangeID]*engine.ReservationRange
	released    map[engine.RangeID][]int64
	payments    map[engine.PaymentID]*engine.Payment
	audit       []engine.AuditLogEntry
	checkpoints map[string]engine.Checkpoint
}

func newState() *state {
	return &state{
		buckets:     make(map[engine.BucketID]*engine.Bucket),
		open:        make(map[engine.GroupingKey]engine.BucketID),
		claims:      make(map[engine.BucketID][]engine.Claim),
		claimIndex:  make(map[engine.ClaimID]engine.BucketID),
		ranges:      make(map[engine.RangeID]*engine.ReservationRange),
		released:    make(map[engine.RangeID][]int64),
		payments:    make(map[engine.PaymentID]*engine.Payment),
		checkpoints: make(map[string]engine.Checkpoint),
	}
}

// snapshot deep-copies the state for rollback.
func (st *state) snapshot() *state {
	c := newState()
	for k, v := range st.buckets {
		c.buckets[k] = v.Clone()
	}
	for k, v := range st.open {
		c.open[k] = v
	}
	for k, v := range st.claims {
		c.claims[k] = append([]engine.Claim(nil), v...)
	}
	for k, v := range st.claimIndex {
		c.claimIndex[k] = v
	}
	for k, v := range st.ranges {
		r := *v
		c.ranges[k] = &r
	}
	for k, v := range st.released {
		c.released[k] = append([]int64(nil), v...)
	}
	for k, v := range st.payments {
		c.payments[k] = clonePayment(v)
	}
	c.audit = append([]engine.AuditLogEntry(nil), st.audit...)
	for k, v := range st.checkpoints {
		c.checkpoints[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.snapshot()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) read() *view {
	return &view{st: m.st}
}

func (m *Memory) GetBucket(ctx context.Context, id engine.BucketID) (*engine.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBucket(ctx, id)
}

func (m *Memory) LockAccumulatingBucket(ctx context.Context, key engine.GroupingKey) (*engine.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().LockAccumulatingBucket(ctx, key)
}

func (m *Memory) InsertBucket(ctx context.Context, b *engine.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertBucket(ctx, b)
}

func (m *Memory) UpdateBucket(ctx context.Context, b *engine.Bucket, expected engine.BucketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateBucket(ctx, b, expected)
}

func (m *Memory) ListBuckets(ctx context.Context, filter engine.BucketFilter) ([]engine.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListBuckets(ctx, filter)
}

func (m *Memory) AppendClaim(ctx context.Context, bucketID engine.BucketID, claim engine.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendClaim(ctx, bucketID, claim)
}

func (m *Memory) ClaimBucket(ctx context.Context, id engine.ClaimID) (engine.BucketID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ClaimBucket(ctx, id)
}

func (m *Memory) ListClaims(ctx context.Context, bucketID engine.BucketID) ([]engine.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListClaims(ctx, bucketID)
}

func (m *Memory) InsertRange(ctx context.Context, r *engine.ReservationRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertRange(ctx, r)
}

func (m *Memory) GetRange(ctx context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetRange(ctx, id)
}

func (m *Memory) LockRange(ctx context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().LockRange(ctx, id)
}

func (m *Memory) UpdateRange(ctx context.Context, r *engine.ReservationRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateRange(ctx, r)
}

func (m *Memory) ListRanges(ctx context.Context, filter engine.RangeFilter) ([]engine.ReservationRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListRanges(ctx, filter)
}

func (m *Memory) PopReleasedNumber(ctx context.Context, id engine.RangeID) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PopReleasedNumber(ctx, id)
}

func (m *Memory) PushReleasedNumber(ctx context.Context, id engine.RangeID, number int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PushReleasedNumber(ctx, id, number)
}

func (m *Memory) InsertPayment(ctx context.Context, p *engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertPayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id engine.PaymentID) (*engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPayment(ctx, id)
}

func (m *Memory) UpdatePayment(ctx context.Context, p *engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdatePayment(ctx, p)
}

func (m *Memory) ActivePayment(ctx context.Context, bucketID engine.BucketID) (*engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ActivePayment(ctx, bucketID)
}

func (m *Memory) AppendAudit(ctx context.Context, entry engine.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendAudit(ctx, entry)
}

func (m *Memory) QueryAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().QueryAudit(ctx, filter)
}

func (m *Memory) GetCheckpoint(ctx context.Context, consumer string) (*engine.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetCheckpoint(ctx, consumer)
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp engine.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveCheckpoint(ctx, cp)
}

// =============================================================================
// VIEW - Unlocked access, the caller holds Memory.mu
// =============================================================================

type view struct {
	st *state
}

func (v *view) GetBucket(_ context.Context, id engine.BucketID) (*engine.Bucket, error) {
	b, ok := v.st.buckets[id]
	if !ok {
		return nil, engine.ErrBucketNotFound
	}
	return b.Clone(), nil
}

func (v *view) LockAccumulatingBucket(_ context.Context, key engine.GroupingKey) (*engine.Bucket, error) {
	id, ok := v.st.open[key]
	if !ok {
		return nil, nil
	}
	return v.st.buckets[id].Clone(), nil
}

func (v *view) InsertBucket(_ context.Context, b *engine.Bucket) error {
	if _, ok := v.st.buckets[b.ID]; ok {
		return engine.ErrConcurrentModification
	}
	if b.Status == engine.StatusAccumulating {
		if _, ok := v.st.open[b.Key]; ok {
			return engine.ErrConcurrentModification
		}
		v.st.open[b.Key] = b.ID
	}
	v.st.buckets[b.ID] = b.Clone()
	return nil
}

func (v *view) UpdateBucket(_ context.Context, b *engine.Bucket, expected engine.BucketStatus) error {
	stored, ok := v.st.buckets[b.ID]
	if !ok {
		return engine.ErrBucketNotFound
	}
	if stored.Status != expected || stored.Version != b.Version {
		return engine.ErrConcurrentModification
	}
	if b.Status == engine.StatusAccumulating {
		if other, ok := v.st.open[b.Key]; ok && other != b.ID {
			return engine.ErrConcurrentModification
		}
		v.st.open[b.Key] = b.ID
	} else if v.st.open[b.Key] == b.ID {
		delete(v.st.open, b.Key)
	}
	b.Version++
	v.st.buckets[b.ID] = b.Clone()
	return nil
}

func (v *view) ListBuckets(_ context.Context, filter engine.BucketFilter) ([]engine.Bucket, error) {
	var out []engine.Bucket
	for _, b := range v.st.buckets {
		if filter.PayerID != "" && b.PayerID != filter.PayerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, b.Status) {
			continue
		}
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) AppendClaim(_ context.Context, bucketID engine.BucketID, claim engine.Claim) error {
	if _, ok := v.st.claimIndex[claim.ID]; ok {
		return engine.ErrDuplicateClaim
	}
	if _, ok := v.st.buckets[bucketID]; !ok {
		return engine.ErrBucketNotFound
	}
	v.st.claims[bucketID] = append(v.st.claims[bucketID], claim)
	v.st.claimIndex[claim.ID] = bucketID
	return nil
}

func (v *view) ClaimBucket(_ context.Context, id engine.ClaimID) (engine.BucketID, bool, error) {
	b, ok := v.st.claimIndex[id]
	return b, ok, nil
}

func (v *view) ListClaims(_ context.Context, bucketID engine.BucketID) ([]engine.Claim, error) {
	return append([]engine.Claim(nil), v.st.claims[bucketID]...), nil
}

func (v *view) InsertRange(_ context.Context, r *engine.ReservationRange) error {
	if _, ok := v.st.ranges[r.ID]; ok {
		return engine.ErrInvalidRange
	}
	c := *r
	v.st.ranges[r.ID] = &c
	return nil
}

func (v *view) GetRange(_ context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	r, ok := v.st.ranges[id]
	if !ok {
		return nil, engine.ErrRangeNotFound
	}
	c := *r
	return &c, nil
}

func (v *view) LockRange(ctx context.Context, id engine.RangeID) (*engine.ReservationRange, error) {
	return v.GetRange(ctx, id)
}

func (v *view) UpdateRange(_ context.Context, r *engine.ReservationRange) error {
	if _, ok := v.st.ranges[r.ID]; !ok {
		return engine.ErrRangeNotFound
	}
	c := *r
	v.st.ranges[r.ID] = &c
	return nil
}

func (v *view) ListRanges(_ context.Context, filter engine.RangeFilter) ([]engine.ReservationRange, error) {
	var out []engine.ReservationRange
	for _, r := range v.st.ranges {
		if filter.PayerID != "" && r.PayerID != filter.PayerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsRangeStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) PopReleasedNumber(_ context.Context, id engine.RangeID) (int64, bool, error) {
	free := v.st.released[id]
	if len(free) == 0 {
		return 0, false, nil
	}
	n := free[0]
	v.st.released[id] = free[1:]
	return n, true, nil
}

func (v *view) PushReleasedNumber(_ context.Context, id engine.RangeID, number int64) error {
	free := v.st.released[id]
	i := sort.Search(len(free), func(i int) bool { return free[i] >= number })
	if i < len(free) && free[i] == number {
		return nil
	}
	free = append(free, 0)
	copy(free[i+1:], free[i:])
	free[i] = number
	v.st.released[id] = free
	return nil
}

func (v *view) InsertPayment(_ context.Context, p *engine.Payment) error {
	for _, existing := range v.st.payments {
		if existing.Status == engine.PaymentVoided {
			continue
		}
		if existing.BucketID == p.BucketID {
			return engine.ErrPaymentAlreadyAssigned
		}
		if existing.AccountNumber == p.AccountNumber && existing.InstrumentNumber == p.InstrumentNumber {
			return engine.ErrDuplicateInstrument
		}
	}
	v.st.payments[p.ID] = clonePayment(p)
	return nil
}

func (v *view) GetPayment(_ context.Context, id engine.PaymentID) (*engine.Payment, error) {
	p, ok := v.st.payments[id]
	if !ok {
		return nil, engine.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (v *view) UpdatePayment(_ context.Context, p *engine.Payment) error {
	if _, ok := v.st.payments[p.ID]; !ok {
		return engine.ErrPaymentNotFound
	}
	v.st.payments[p.ID] = clonePayment(p)
	return nil
}

func (v *view) ActivePayment(_ context.Context, bucketID engine.BucketID) (*engine.Payment, error) {
	for _, p := range v.st.payments {
		if p.BucketID == bucketID && p.Status != engine.PaymentVoided {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (v *view) AppendAudit(_ context.Context, entry engine.AuditLogEntry) error {
	v.st.audit = append(v.st.audit, entry)
	return nil
}

func (v *view) QueryAudit(_ context.Context, filter engine.AuditFilter) ([]engine.AuditLogEntry, error) {
	var out []engine.AuditLogEntry
	for _, e := range v.st.audit {
		if filter.BucketID != "" && e.BucketID != filter.BucketID {
			continue
		}
		if filter.PaymentID != "" && e.PaymentID != filter.PaymentID {
			continue
		}
		if filter.RangeID != "" && e.RangeID != filter.RangeID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (v *view) GetCheckpoint(_ context.Context, consumer string) (*engine.Checkpoint, error) {
	cp, ok := v.st.checkpoints[consumer]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (v *view) SaveCheckpoint(_ context.Context, cp engine.Checkpoint) error {
	v.st.checkpoints[cp.Consumer] = cp
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func clonePayment(p *engine.Payment) *engine.Payment {
	c := *p
	if p.RangeID != nil {
		id := *p.RangeID
		c.RangeID = &id
	}
	return &c
}

func containsStatus(list []engine.BucketStatus, s engine.BucketStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsRangeStatus(list []engine.RangeStatus, s engine.RangeStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsAction(list []engine.AuditAction, a engine.AuditAction) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
