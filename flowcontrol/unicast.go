package flowcontrol

import (
	"net"

	"github.com/opd-ai/streamlog/protocol"
)

// unicast applies the single receiver's reported position plus its receiver
// window, unmodified. The last receiver to report wins; unicast channels
// have exactly one.
type unicast struct {
	tracker *receiverTracker
	limit   int64
}

func newUnicast(opts Options) *unicast {
	return &unicast{tracker: newReceiverTracker(opts.ReceiverTimeoutNs)}
}

func (u *unicast) OnStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) int64 {
	state := u.tracker.onStatusMessage(sm, addr, initialTermID, positionBitsToShift, nowNs)
	u.limit = state.lastPositionWindow
	return u.limit
}

func (u *unicast) OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
}

func (u *unicast) OnIdle(nowNs int64, senderLimit int64) int64 {
	u.tracker.evictStale(nowNs)
	return senderLimit
}

func (u *unicast) HasRequiredReceivers() bool {
	return u.tracker.size() > 0
}
