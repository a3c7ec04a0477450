package regulate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	at := start
	return &at, func() time.Time { return at }
}

func TestRegulatorRateCeiling(t *testing.T) {
	reg := New(Config{MaxSends: 3, Window: time.Second}, nil)
	at, clock := fakeClock(time.Unix(1000, 0))
	reg.now = clock

	t.Run("when under the ceiling sends pass", func(t *testing.T) {
		require.True(t, reg.Tick())
		require.True(t, reg.Tick())
		require.True(t, reg.Tick())
	})

	t.Run("when the window is full sends are refused", func(t *testing.T) {
		require.False(t, reg.Tick())
		require.Equal(t, time.Second, reg.Delay())
	})

	t.Run("when old sends slide out capacity returns", func(t *testing.T) {
		*at = at.Add(400 * time.Millisecond)
		require.Equal(t, 600*time.Millisecond, reg.Delay())

		*at = at.Add(601 * time.Millisecond)
		require.Equal(t, time.Duration(0), reg.Delay())
		require.True(t, reg.Tick())
	})
}

func TestRegulatorOutstandingCeiling(t *testing.T) {
	reg := New(Config{MaxOutstanding: 2}, nil)

	require.True(t, reg.Tick())
	require.True(t, reg.Tick())
	require.Equal(t, 2, reg.Outstanding())

	t.Run("when saturated only a receive frees a slot", func(t *testing.T) {
		require.False(t, reg.Tick())

		var sent atomic.Bool
		done := make(chan error, 1)
		go func() {
			err := reg.NotifySend(context.Background())
			sent.Store(true)
			done <- err
		}()

		time.Sleep(30 * time.Millisecond)
		require.False(t, sent.Load())

		reg.NotifyReceive(5 * time.Millisecond)
		require.NoError(t, <-done)
		require.Equal(t, 2, reg.Outstanding())
	})

	t.Run("when the context expires the wait aborts", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, reg.NotifySend(ctx), context.DeadlineExceeded)
	})
}

func TestRegulatorReceiveNeverNegative(t *testing.T) {
	reg := New(Config{MaxOutstanding: 1}, nil)

	reg.NotifyReceive(time.Millisecond)
	require.Equal(t, 0, reg.Outstanding())

	require.True(t, reg.Tick())
	reg.NotifyReceive(time.Millisecond)
	reg.NotifyReceive(time.Millisecond)
	require.Equal(t, 0, reg.Outstanding())
}

func TestRegulatorSlowPeerBackoff(t *testing.T) {
	reg := New(Config{SlowThreshold: 10 * time.Millisecond}, nil)
	at, clock := fakeClock(time.Unix(2000, 0))
	reg.now = clock

	require.True(t, reg.Tick())
	reg.NotifyReceive(25 * time.Millisecond)

	require.Equal(t, 15*time.Millisecond, reg.Delay())
	require.False(t, reg.Tick())

	*at = at.Add(15 * time.Millisecond)
	require.Equal(t, time.Duration(0), reg.Delay())
	require.True(t, reg.Tick())
}

func TestSpeed(t *testing.T) {
	sp := NewSpeed(8)
	require.Zero(t, sp.TPS())

	base := time.Unix(3000, 0)
	for i := 0; i < 5; i++ {
		sp.Observe(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	require.InDelta(t, 10.0, sp.TPS(), 0.01)
	require.Equal(t, 100*time.Millisecond, sp.MeanGap())

	t.Run("when the ring wraps the oldest samples are evicted", func(t *testing.T) {
		for i := 5; i < 20; i++ {
			sp.Observe(base.Add(time.Duration(i) * 50 * time.Millisecond))
		}
		require.InDelta(t, 20.0, sp.TPS(), 0.01)
	})
}
