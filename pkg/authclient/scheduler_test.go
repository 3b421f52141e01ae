package authclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

func newTestScheduler(t *testing.T) (*scheduler, *clockwork.FakeClock, *atomic.Int32) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testEpoch)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var runs atomic.Int32
	s := newScheduler(ctx, clock, slogx.Discard(), func(context.Context) { runs.Add(1) })
	return s, clock, &runs
}

func TestSchedulerFiresOnce(t *testing.T) {
	t.Parallel()

	s, clock, runs := newTestScheduler(t)

	s.Schedule(time.Minute)
	s.Schedule(2 * time.Minute)
	require.True(t, s.Armed())
	require.True(t, testEpoch.Add(2*time.Minute).Equal(s.NextRun()))

	// The replaced task must not fire.
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, runs.Load())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.False(t, s.Armed())
	require.True(t, s.NextRun().IsZero())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, runs.Load())
}

func TestSchedulerStop(t *testing.T) {
	t.Parallel()

	s, clock, runs := newTestScheduler(t)

	s.Schedule(time.Minute)
	s.Stop()
	require.False(t, s.Armed())
	require.True(t, s.NextRun().IsZero())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, runs.Load())

	// Stop is idempotent.
	s.Stop()
}

func TestSchedulerNegativeDelay(t *testing.T) {
	t.Parallel()

	s, _, runs := newTestScheduler(t)

	s.Schedule(-time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSchedulerClosedBase(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testEpoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newScheduler(ctx, clock, slogx.Discard(), func(context.Context) {
		t.Error("scheduler ran after close")
	})
	s.Schedule(0)
	require.False(t, s.Armed())
}

func TestSchedulerRearmFromRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testEpoch)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var runs atomic.Int32
	var s *scheduler
	s = newScheduler(ctx, clock, slogx.Discard(), func(context.Context) {
		runs.Add(1)
		s.Schedule(time.Minute)
	})

	s.Schedule(time.Minute)
	for i := int32(1); i <= 3; i++ {
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(time.Minute)
		require.Eventually(t, func() bool { return runs.Load() == i }, time.Second, time.Millisecond)
	}
	require.True(t, s.Armed())
}
