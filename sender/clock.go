package sender

import (
	"sync/atomic"
	"time"
)

// Clock is the nano-time source the poll loops compare deadlines against.
// Injected so tests can drive time directly.
type Clock interface {
	NowNs() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowNs() int64 {
	return time.Now().UnixNano()
}

// CachedClock serves a timestamp captured once per duty cycle, so the many
// deadline comparisons inside one cycle cost a single clock read.
type CachedClock struct {
	nowNs atomic.Int64
}

// NewCachedClock creates a cached clock seeded with the current time.
func NewCachedClock() *CachedClock {
	c := &CachedClock{}
	c.Update()
	return c
}

// Update captures the current time for subsequent NowNs calls.
func (c *CachedClock) Update() int64 {
	nowNs := time.Now().UnixNano()
	c.nowNs.Store(nowNs)
	return nowNs
}

func (c *CachedClock) NowNs() int64 {
	return c.nowNs.Load()
}

// ManualClock is a test clock advanced explicitly.
type ManualClock struct {
	nowNs atomic.Int64
}

func (c *ManualClock) NowNs() int64 {
	return c.nowNs.Load()
}

// Set moves the clock to nowNs.
func (c *ManualClock) Set(nowNs int64) {
	c.nowNs.Store(nowNs)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) int64 {
	return c.nowNs.Add(int64(d))
}
