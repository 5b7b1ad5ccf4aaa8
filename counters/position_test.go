package counters

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPositionProposeMax(t *testing.T) {
	p := NewPosition(100)

	assert.True(t, p.ProposeMax(200))
	assert.Equal(t, int64(200), p.Get())

	// A stale, lower proposal never regresses the position.
	assert.False(t, p.ProposeMax(150))
	assert.Equal(t, int64(200), p.Get())

	assert.False(t, p.ProposeMax(200))
}

func TestPositionSetAndGet(t *testing.T) {
	p := NewPosition(0)
	p.Set(4096)
	assert.Equal(t, int64(4096), p.Get())
}

func TestSystemCountersRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	sc := NewSystemCounters(reg)

	sc.ShortSends.Inc()
	sc.RetransmittedBytes.Add(1408)
	sc.MappedBytes.Add(196608)
	sc.MappedBytes.Sub(196608)

	assert.Equal(t, 1.0, testutil.ToFloat64(sc.ShortSends))
	assert.Equal(t, 1408.0, testutil.ToFloat64(sc.RetransmittedBytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(sc.MappedBytes))
}

func TestSystemCountersPrivateRegistry(t *testing.T) {
	// A nil registerer gets a private registry, so two instances never
	// collide on metric names.
	a := NewSystemCounters(nil)
	b := NewSystemCounters(nil)
	a.NaksReceived.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.NaksReceived))
}
