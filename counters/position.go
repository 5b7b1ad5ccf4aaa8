// Package counters provides the shared position counters and monotonic event
// counters the transport engine publishes.
//
// Positions are byte offsets into the logical stream, updated by one context
// and read by others without locks. Each Position sits alone on its cache
// lines so the producer, sender and conductor never false-share.
package counters

import "sync/atomic"

// CacheLineLength is the assumed CPU cache line size used for padding.
const CacheLineLength = 64

// ReadablePosition is the read-only view of a position handed to observers.
type ReadablePosition interface {
	// Get reads the position with acquire semantics.
	Get() int64
}

// Position is a cache-line padded, atomically updated stream position.
type Position struct {
	_     [CacheLineLength]byte
	value atomic.Int64
	_     [CacheLineLength - 8]byte
}

// NewPosition returns a position seeded with an initial value.
func NewPosition(initial int64) *Position {
	p := &Position{}
	p.value.Store(initial)
	return p
}

// Get reads the position with acquire semantics.
func (p *Position) Get() int64 {
	return p.value.Load()
}

// Set writes the position with release semantics.
func (p *Position) Set(value int64) {
	p.value.Store(value)
}

// ProposeMax moves the position forward to value if it is greater than the
// current value. Returns true when the position advanced. Stale proposals
// never regress the position.
func (p *Position) ProposeMax(value int64) bool {
	for {
		current := p.value.Load()
		if value <= current {
			return false
		}
		if p.value.CompareAndSwap(current, value) {
			return true
		}
	}
}
