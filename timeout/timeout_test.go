package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Duration }

func (c *fakeClock) Elapsed() time.Duration { return c.now }

func TestKeepaliveSequence(t *testing.T) {
	const ms = time.Millisecond
	var (
		tr    Tracker
		clock fakeClock
		emits int
	)
	emit := func() (time.Duration, bool) {
		emits++
		return 100 * ms, true
	}

	tr.Tick(&clock, 100*ms, true, emit)
	d, ok := tr.Deadline()
	require.True(t, ok)
	require.Equal(t, 100*ms, d)

	clock.now = 50 * ms
	tr.Tick(&clock, 100*ms, false, emit)
	require.Zero(t, emits)

	clock.now = 150 * ms
	tr.Tick(&clock, 100*ms, false, emit)
	require.Equal(t, 1, emits)
	d, ok = tr.Deadline()
	require.True(t, ok)
	require.Equal(t, 250*ms, d)
}

func TestEmitNoneGoesIdle(t *testing.T) {
	var tr Tracker
	tr.Update(0, 100*time.Millisecond, true, nil)

	called := 0
	tr.Update(100*time.Millisecond, 0, false, func() (time.Duration, bool) {
		called++
		return 0, false
	})
	require.Equal(t, 1, called)
	require.False(t, tr.Armed())

	tr.Update(500*time.Millisecond, 0, false, func() (time.Duration, bool) {
		t.Fatal("idle tracker must not emit")
		return 0, false
	})
}

func TestIdleWithoutStartIsNoop(t *testing.T) {
	var tr Tracker
	for i := range 10 {
		tr.Update(time.Duration(i)*time.Second, 100*time.Millisecond, false, nil)
	}
	require.False(t, tr.Armed())
}

func TestStartWhileArmedKeepsDeadline(t *testing.T) {
	var tr Tracker
	tr.Update(0, 100*time.Millisecond, true, nil)
	tr.Update(10*time.Millisecond, 100*time.Millisecond, true, nil)
	d, _ := tr.Deadline()
	require.Equal(t, 100*time.Millisecond, d)
}

func TestNoDoubleFire(t *testing.T) {
	var tr Tracker
	emits := 0
	emit := func() (time.Duration, bool) {
		emits++
		return time.Second, true
	}
	tr.Update(0, 100*time.Millisecond, true, emit)

	// Repeated ticks at or past the first deadline fire once, then wait for
	// the re-armed deadline.
	for _, now := range []time.Duration{100, 100, 120, 500, 1099} {
		tr.Update(now*time.Millisecond, 0, false, emit)
	}
	require.Equal(t, 1, emits)

	tr.Update(1100*time.Millisecond, 0, false, emit)
	require.Equal(t, 2, emits)
}

func TestEpochElapsed(t *testing.T) {
	e := NewEpoch()
	time.Sleep(2 * time.Millisecond)
	require.GreaterOrEqual(t, e.Elapsed(), 2*time.Millisecond)
}
