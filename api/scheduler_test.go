package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTicker struct {
	calls atomic.Int32
	err   error
}

func (c *countingTicker) Tick(context.Context) (int, int, error) {
	c.calls.Add(1)
	return 1, 0, c.err
}

func TestSweepScheduler_TicksImmediatelyAndOnInterval(t *testing.T) {
	target := &countingTicker{}
	s := NewSweepScheduler(target, 10*time.Millisecond, quietLogger())

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	stopped := target.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, target.calls.Load())

	s.Stop()
}

func TestSweepScheduler_FailingTickKeepsRunning(t *testing.T) {
	target := &countingTicker{err: errors.New("store down")}
	s := NewSweepScheduler(target, 5*time.Millisecond, quietLogger())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSweepScheduler_DefaultInterval(t *testing.T) {
	s := NewSweepScheduler(&countingTicker{}, 0, nil)
	assert.Equal(t, time.Minute, s.CheckInterval)
}
