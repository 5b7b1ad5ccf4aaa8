package flowcontrol

import (
	"math"
	"net"

	"github.com/opd-ai/streamlog/protocol"
)

// multicastMax lets the fastest live receiver bound the limit: slow receivers
// fall back on NAK-driven recovery rather than throttling the group.
type multicastMax struct {
	tracker *receiverTracker
}

func newMulticastMax(opts Options) *multicastMax {
	return &multicastMax{tracker: newReceiverTracker(opts.ReceiverTimeoutNs)}
}

func (m *multicastMax) OnStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) int64 {
	m.tracker.onStatusMessage(sm, addr, initialTermID, positionBitsToShift, nowNs)
	return m.aggregate(senderLimit)
}

func (m *multicastMax) OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
}

func (m *multicastMax) OnIdle(nowNs int64, senderLimit int64) int64 {
	m.tracker.evictStale(nowNs)
	return m.aggregate(senderLimit)
}

func (m *multicastMax) HasRequiredReceivers() bool {
	return m.tracker.size() > 0
}

func (m *multicastMax) aggregate(senderLimit int64) int64 {
	limit := senderLimit
	m.tracker.fold(func(state *receiverState) {
		if state.lastPositionWindow > limit {
			limit = state.lastPositionWindow
		}
	})
	return limit
}

// multicastMin binds the limit to the slowest live receiver so no live
// member of the group is ever overrun. Evicting a stale receiver lets the
// remaining group re-aggregate and move on.
type multicastMin struct {
	tracker *receiverTracker
}

func newMulticastMin(opts Options) *multicastMin {
	return &multicastMin{tracker: newReceiverTracker(opts.ReceiverTimeoutNs)}
}

func (m *multicastMin) OnStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) int64 {
	m.tracker.onStatusMessage(sm, addr, initialTermID, positionBitsToShift, nowNs)
	return m.aggregate(senderLimit)
}

func (m *multicastMin) OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
}

func (m *multicastMin) OnIdle(nowNs int64, senderLimit int64) int64 {
	m.tracker.evictStale(nowNs)
	return m.aggregate(senderLimit)
}

func (m *multicastMin) HasRequiredReceivers() bool {
	return m.tracker.size() > 0
}

func (m *multicastMin) aggregate(senderLimit int64) int64 {
	if m.tracker.size() == 0 {
		return senderLimit
	}
	limit := int64(math.MaxInt64)
	m.tracker.fold(func(state *receiverState) {
		if state.lastPositionWindow < limit {
			limit = state.lastPositionWindow
		}
	})
	return limit
}
