package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claim-bucketing/engine"
)

// strategyFixture returns a MANUAL, payment-required engine whose store can
// be told to fail, with one approved AWAITING_APPROVAL bucket and a range.
func strategyFixture(t *testing.T, mode engine.ReservationMode) (*fixture, *faultyStore, engine.Bucket, engine.ReservationRange) {
	t.Helper()
	var fs *faultyStore
	f := newFixture(t, setup{
		threshold: countThreshold(1),
		policy:    policy(engine.CommitManual),
		workflow:  engine.Workflow{PaymentRequired: true, ReservationStrategy: mode},
		wrap: func(s engine.TxStore) engine.TxStore {
			fs = newFaultyStore(s)
			return fs
		},
	})
	require.Equal(t, mode, f.engine.Payments.Strategy())

	rng := f.createRange(t, "acme", 700, 709)
	b := f.awaitingBucket(t, "c-1", "acme", "dr-who", "120.00")
	_, err := f.engine.Approvals.Approve(context.Background(), b.ID, "alice", "")
	require.NoError(t, err)
	return f, fs, b, rng
}

// =============================================================================
// STRATEGY A - INDEPENDENT COMMIT
// =============================================================================

func TestIndependentCommit_WorkFails_InstrumentReleased(t *testing.T) {
	// GIVEN: Independent commit and a store that fails the bucket update
	// WHEN: A check is assigned automatically
	// THEN: The reservation committed, the work failed, compensation
	//       released the number and the range looks untouched

	f, fs, b, rng := strategyFixture(t, engine.ReservationIndependent)
	before := f.rangeOf(t, rng.ID)
	fs.armBucketUpdates()

	_, err := f.engine.Payments.AssignAutomatically(context.Background(), b.ID, "alice")
	require.ErrorIs(t, err, errInjected)
	assert.NotErrorIs(t, err, engine.ErrCompensationFailed)

	after := f.rangeOf(t, rng.ID)
	assert.Equal(t, before.Used, after.Used)
	assert.Equal(t, before.NextNumber, after.NextNumber)
	assert.Equal(t, engine.RangeActive, after.Status)

	got := f.bucket(t, b.ID)
	assert.Equal(t, engine.StatusAwaitingApproval, got.Status)
	assert.Nil(t, got.PaymentID)
	active, err := f.mem.ActivePayment(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Equal(t,
		[]engine.AuditAction{engine.AuditInstrumentReserved, engine.AuditInstrumentReleased},
		f.auditActions(t, engine.AuditFilter{RangeID: rng.ID, Actions: []engine.AuditAction{
			engine.AuditInstrumentReserved, engine.AuditInstrumentReleased,
		}}))
}

func TestIndependentCommit_ReleaseFails_CompensationError(t *testing.T) {
	// GIVEN: Independent commit, failing bucket updates, and one allowed range update
	//        that lets the reservation through but not the release
	// WHEN: A check is assigned automatically
	// THEN: The error names the orphaned instrument, the failure is audited
	//       and the number stays counted as used

	f, fs, b, rng := strategyFixture(t, engine.ReservationIndependent)
	fs.armBucketUpdates()
	fs.allowRangeUpdates(1)

	_, err := f.engine.Payments.AssignAutomatically(context.Background(), b.ID, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCompensationFailed)
	assert.ErrorIs(t, err, errInjected)

	var comp *engine.CompensationError
	require.ErrorAs(t, err, &comp)
	assert.Equal(t, int64(700), comp.Instrument.Number)
	assert.Equal(t, rng.ID, comp.Instrument.RangeID)
	assert.Equal(t, b.ID, comp.BucketID)
	assert.Error(t, comp.ReleaseErr)

	assert.Equal(t, int64(1), f.rangeOf(t, rng.ID).Used)

	entries, err := f.mem.QueryAudit(context.Background(), engine.AuditFilter{
		BucketID: b.ID,
		Actions:  []engine.AuditAction{engine.AuditCompensationFailed},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(700), entries[0].Instrument)
	assert.Equal(t, "alice", entries[0].Actor)
}

// =============================================================================
// STRATEGY B - SHARED TRANSACTION
// =============================================================================

func TestSharedTransaction_WorkFails_EverythingRolledBack(t *testing.T) {
	// GIVEN: Shared transaction and a store that fails the bucket update
	// WHEN: A check is assigned automatically
	// THEN: Reservation and work roll back together; no reservation is
	//       left in the audit trail

	f, fs, b, rng := strategyFixture(t, engine.ReservationShared)
	before := f.rangeOf(t, rng.ID)
	fs.armBucketUpdates()

	_, err := f.engine.Payments.AssignAutomatically(context.Background(), b.ID, "alice")
	require.ErrorIs(t, err, errInjected)

	assert.Equal(t, before, f.rangeOf(t, rng.ID))
	got := f.bucket(t, b.ID)
	assert.Equal(t, engine.StatusAwaitingApproval, got.Status)
	assert.Nil(t, got.PaymentID)
	assert.Empty(t, f.auditActions(t, engine.AuditFilter{
		RangeID: rng.ID,
		Actions: []engine.AuditAction{engine.AuditInstrumentReserved, engine.AuditInstrumentReleased},
	}))
}

func TestStrategies_SameRangeStateAfterFailedWork(t *testing.T) {
	// GIVEN: The same failure under each strategy
	// WHEN: Assignment fails and then succeeds once the fault is cleared
	// THEN: Both strategies hand out the same number next

	for _, mode := range []engine.ReservationMode{engine.ReservationIndependent, engine.ReservationShared} {
		t.Run(string(mode), func(t *testing.T) {
			f, fs, b, rng := strategyFixture(t, mode)
			fs.armBucketUpdates()
			_, err := f.engine.Payments.AssignAutomatically(context.Background(), b.ID, "alice")
			require.Error(t, err)

			fs.mu.Lock()
			fs.failBucketUpdates = false
			fs.mu.Unlock()

			pay, err := f.engine.Payments.AssignAutomatically(context.Background(), b.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(700), pay.InstrumentNumber)
			assert.Equal(t, int64(1), f.rangeOf(t, rng.ID).Used)
			assert.Equal(t, engine.StatusGenerating, f.bucket(t, b.ID).Status)
		})
	}
}

func TestSharedTransaction_IsDefault(t *testing.T) {
	f := newFixture(t, setup{})
	assert.Equal(t, engine.ReservationShared, f.engine.Payments.Strategy())
}
