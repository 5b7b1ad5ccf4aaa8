package flowcontrol

import (
	"math"
	"net"

	"github.com/opd-ai/streamlog/protocol"
)

// tagged binds the limit to the slowest receiver carrying the configured
// group tag: a designated minority can throttle the sender while untagged
// receivers ride along best-effort. An optional required group size gates
// connectivity until enough tagged receivers have joined.
type tagged struct {
	tracker           *receiverTracker
	groupTag          int64
	requiredGroupSize int
}

func newTagged(opts Options) *tagged {
	return &tagged{
		tracker:           newReceiverTracker(opts.ReceiverTimeoutNs),
		groupTag:          opts.GroupTag,
		requiredGroupSize: opts.RequiredGroupSize,
	}
}

func (t *tagged) OnStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) int64 {
	t.tracker.onStatusMessage(sm, addr, initialTermID, positionBitsToShift, nowNs)
	return t.aggregate(senderLimit)
}

func (t *tagged) OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
}

func (t *tagged) OnIdle(nowNs int64, senderLimit int64) int64 {
	t.tracker.evictStale(nowNs)
	return t.aggregate(senderLimit)
}

func (t *tagged) HasRequiredReceivers() bool {
	return t.groupSize() >= t.requiredGroupSize && t.groupSize() > 0
}

func (t *tagged) groupSize() int {
	n := 0
	t.tracker.fold(func(state *receiverState) {
		if state.hasGroupTag && state.groupTag == t.groupTag {
			n++
		}
	})
	return n
}

func (t *tagged) aggregate(senderLimit int64) int64 {
	limit := int64(math.MaxInt64)
	matched := false
	t.tracker.fold(func(state *receiverState) {
		if state.hasGroupTag && state.groupTag == t.groupTag {
			matched = true
			if state.lastPositionWindow < limit {
				limit = state.lastPositionWindow
			}
		}
	})
	if !matched {
		return senderLimit
	}
	return limit
}
