package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claim-bucketing/engine"
	"github.com/warp/claim-bucketing/engine/store"
)

// fakeSubmitter admits each claim ID once and fails on the IDs in failOn.
type fakeSubmitter struct {
	seen   map[engine.ClaimID]bool
	order  []engine.ClaimID
	failOn map[engine.ClaimID]error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{seen: map[engine.ClaimID]bool{}, failOn: map[engine.ClaimID]error{}}
}

func (f *fakeSubmitter) Submit(_ context.Context, c engine.Claim) (engine.BucketRef, error) {
	if err := f.failOn[c.ID]; err != nil {
		return engine.BucketRef{}, err
	}
	if err := engine.ValidateClaim(c); err != nil {
		return engine.BucketRef{}, err
	}
	dup := f.seen[c.ID]
	f.seen[c.ID] = true
	if !dup {
		f.order = append(f.order, c.ID)
	}
	return engine.BucketRef{BucketID: "b-1", Status: engine.StatusAccumulating, Duplicate: dup}, nil
}

func line(id, amount string) string {
	return fmt.Sprintf(`{"id":%q,"payer_id":"acme","payee_id":"dr-who","amount":%q,"service_date":"2025-02-14"}`, id, amount)
}

func newRunner(sub Submitter, cps engine.CheckpointStore) *Runner {
	return NewRunner(sub, cps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// =============================================================================
// RECORDS
// =============================================================================

func TestClaimRecord_Claim(t *testing.T) {
	rec := ClaimRecord{ID: "c-1", PayerID: "acme", PayeeID: "dr-who", Network: "ach", Route: "r1", Amount: "12.30", ServiceDate: "2025-02-14"}
	c, err := rec.Claim()
	require.NoError(t, err)
	assert.Equal(t, "12.3", c.Amount.String())
	assert.Equal(t, 14, c.ServiceDate.Day())
	require.NotNil(t, c.Routing)
	assert.Equal(t, "ach", c.Routing.Network)

	rec.Network, rec.Route = "", ""
	c, err = rec.Claim()
	require.NoError(t, err)
	assert.Nil(t, c.Routing)

	_, err = ClaimRecord{Amount: "x", ServiceDate: "2025-02-14"}.Claim()
	assert.ErrorIs(t, err, engine.ErrInvalidClaim)
	_, err = ClaimRecord{Amount: "1", ServiceDate: "14/02/2025"}.Claim()
	assert.ErrorIs(t, err, engine.ErrInvalidClaim)
}

// =============================================================================
// RUNS
// =============================================================================

func TestRun_CountsAndSkipsBadLines(t *testing.T) {
	// GIVEN: A file with good, duplicate, malformed, invalid and empty lines
	src := strings.Join([]string{
		line("c-1", "10.00"),
		line("c-2", "20.00"),
		"",
		"{not json",
		line("c-1", "10.00"),
		line("c-3", "minus five"),
		`{"id":"c-4","payer_id":"acme","amount":"1","service_date":"2025-02-14"}`,
	}, "\n")
	sub := newFakeSubmitter()
	cps := store.NewMemory()

	// WHEN: The runner processes it
	res, err := newRunner(sub, cps).Run(context.Background(), "batch", strings.NewReader(src))

	// THEN: Everything is counted and the checkpoint is on the last line
	require.NoError(t, err)
	assert.Equal(t, Result{Start: 0, Position: 7, Admitted: 2, Duplicate: 1, Rejected: 3}, res)
	assert.Equal(t, []engine.ClaimID{"c-1", "c-2"}, sub.order)

	cp, err := cps.GetCheckpoint(context.Background(), "batch")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(7), cp.Position)
}

func TestRun_StopsOnStoreErrorAndResumes(t *testing.T) {
	// GIVEN: A submitter that fails on the third claim with a non-client error
	src := strings.Join([]string{line("c-1", "1"), line("c-2", "2"), line("c-3", "3"), line("c-4", "4")}, "\n")
	sub := newFakeSubmitter()
	sub.failOn["c-3"] = errors.New("connection reset")
	cps := store.NewMemory()
	r := newRunner(sub, cps)

	// WHEN: The first run hits the failure
	res, err := r.Run(context.Background(), "batch", strings.NewReader(src))

	// THEN: It stops with the checkpoint on the last good line
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, int64(2), res.Position)
	cp, err := cps.GetCheckpoint(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Position)

	// WHEN: The failure clears and the same file is run again
	delete(sub.failOn, "c-3")
	res, err = r.Run(context.Background(), "batch", strings.NewReader(src))

	// THEN: Only the remaining lines are processed
	require.NoError(t, err)
	assert.Equal(t, Result{Start: 2, Position: 4, Admitted: 2}, res)
	assert.Equal(t, []engine.ClaimID{"c-1", "c-2", "c-3", "c-4"}, sub.order)
}

func TestRun_ConsumersAreIndependent(t *testing.T) {
	src := line("c-1", "1") + "\n" + line("c-2", "2") + "\n"
	cps := store.NewMemory()

	_, err := newRunner(newFakeSubmitter(), cps).Run(context.Background(), "a", strings.NewReader(src))
	require.NoError(t, err)

	res, err := newRunner(newFakeSubmitter(), cps).Run(context.Background(), "b", strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Start)
	assert.Equal(t, 2, res.Admitted)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newRunner(newFakeSubmitter(), store.NewMemory()).Run(ctx, "batch", strings.NewReader(line("c-1", "1")))
	assert.ErrorIs(t, err, context.Canceled)
}
