package publication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var spyTimeouts = Timeouts{
	UntetheredWindowLimitNs: int64(100 * time.Millisecond),
	UntetheredLingerNs:      int64(100 * time.Millisecond),
	UntetheredRestingNs:     int64(100 * time.Millisecond),
}

func TestMinWorkingPositionExcludesResting(t *testing.T) {
	s := NewSubscribable()
	slow := NewTetherablePosition(1, false, 100)
	fast := NewTetherablePosition(2, true, 9000)
	s.Add(slow)
	s.Add(fast)

	assert.Equal(t, int64(100), s.MinWorkingPosition(10000))

	// Drive the lagging untethered spy to RESTING: it stops bounding the
	// minimum so cleaning can advance past it.
	s.CheckUntethered(spyTimeouts.UntetheredWindowLimitNs+1, 10000, spyTimeouts)
	require.Equal(t, TetherLinger, slow.State())
	s.CheckUntethered(2*spyTimeouts.UntetheredWindowLimitNs+2, 10000, spyTimeouts)
	require.Equal(t, TetherResting, slow.State())

	assert.Equal(t, int64(9000), s.MinWorkingPosition(10000))
	assert.Equal(t, int64(9000), s.MaxWorkingPosition())
	assert.Equal(t, 1, s.WorkingCount())
}

func TestUntetheredSpyRejoinsAfterResting(t *testing.T) {
	s := NewSubscribable()
	spy := NewTetherablePosition(1, false, 0)
	s.Add(spy)

	nowNs := spyTimeouts.UntetheredWindowLimitNs + 1
	s.CheckUntethered(nowNs, 1000, spyTimeouts)
	require.Equal(t, TetherLinger, spy.State())

	nowNs += spyTimeouts.UntetheredLingerNs + 1
	s.CheckUntethered(nowNs, 1000, spyTimeouts)
	require.Equal(t, TetherResting, spy.State())

	nowNs += spyTimeouts.UntetheredRestingNs + 1
	s.CheckUntethered(nowNs, 1000, spyTimeouts)
	assert.Equal(t, TetherActive, spy.State())
}

func TestTetheredSpyNeverRests(t *testing.T) {
	s := NewSubscribable()
	spy := NewTetherablePosition(1, true, 0)
	s.Add(spy)

	work := s.CheckUntethered(10*spyTimeouts.UntetheredWindowLimitNs, 1<<30, spyTimeouts)
	assert.Zero(t, work)
	assert.Equal(t, TetherActive, spy.State())
}

func TestKeepingUpSpyStaysActive(t *testing.T) {
	s := NewSubscribable()
	spy := NewTetherablePosition(1, false, 5000)
	s.Add(spy)

	// Position ahead of the window limit refreshes the deadline each tick.
	for nowNs := int64(0); nowNs < 10*spyTimeouts.UntetheredWindowLimitNs; nowNs += spyTimeouts.UntetheredWindowLimitNs / 2 {
		s.CheckUntethered(nowNs, 1000, spyTimeouts)
	}
	assert.Equal(t, TetherActive, spy.State())
}

func TestRemoveByRegistrationID(t *testing.T) {
	s := NewSubscribable()
	s.Add(NewTetherablePosition(1, true, 0))
	s.Add(NewTetherablePosition(2, true, 0))

	assert.True(t, s.Remove(1))
	assert.False(t, s.Remove(1))
	assert.Equal(t, 1, s.Size())
}
