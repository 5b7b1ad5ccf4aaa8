package flowcontrol

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/protocol"
)

// receiverState is one live receiver as seen through its status messages.
type receiverState struct {
	lastPosition       int64
	lastPositionWindow int64
	timeOfLastStatusNs int64
	groupTag           int64
	hasGroupTag        bool
	addr               string
}

// receiverTracker tracks receiver liveness keyed by receiver id. Receivers
// that report id 0 (older peers) are keyed by a hash of their source address
// instead, so two id-less receivers behind different addresses stay distinct.
type receiverTracker struct {
	receivers *xsync.MapOf[int64, *receiverState]
	timeoutNs int64
}

func newReceiverTracker(timeoutNs int64) *receiverTracker {
	return &receiverTracker{
		receivers: xsync.NewMapOf[int64, *receiverState](),
		timeoutNs: timeoutNs,
	}
}

func receiverKey(sm *protocol.StatusMessage, addr net.Addr) int64 {
	if sm.ReceiverID != 0 {
		return sm.ReceiverID
	}
	return int64(xxhash.Sum64String(addr.String()))
}

// onStatusMessage refreshes (or creates) the entry for the reporting
// receiver and returns it.
func (t *receiverTracker) onStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) *receiverState {
	key := receiverKey(sm, addr)
	position := sm.Position(positionBitsToShift, initialTermID)

	state, loaded := t.receivers.LoadOrStore(key, &receiverState{})
	if !loaded {
		logrus.WithFields(logrus.Fields{
			"receiverId": key,
			"addr":       addr.String(),
			"position":   position,
		}).Debug("flow control tracking new receiver")
	}

	// Positions within one receiver only move forward; a reordered status
	// message must not drag the receiver backwards.
	if position > state.lastPosition || !loaded {
		state.lastPosition = position
		state.lastPositionWindow = position + int64(sm.ReceiverWindowLength)
	}
	state.timeOfLastStatusNs = nowNs
	state.groupTag = sm.GroupTag
	state.hasGroupTag = sm.HasGroupTag
	state.addr = addr.String()

	return state
}

// evictStale drops receivers whose last status message is older than the
// liveness timeout. Returns true when anything was evicted.
func (t *receiverTracker) evictStale(nowNs int64) bool {
	evicted := false
	t.receivers.Range(func(key int64, state *receiverState) bool {
		if nowNs-state.timeOfLastStatusNs > t.timeoutNs {
			t.receivers.Delete(key)
			evicted = true
			logrus.WithFields(logrus.Fields{
				"receiverId": key,
				"addr":       state.addr,
			}).Info("flow control evicted stale receiver")
		}
		return true
	})
	return evicted
}

// size returns the number of tracked receivers.
func (t *receiverTracker) size() int {
	return t.receivers.Size()
}

// fold visits every tracked receiver.
func (t *receiverTracker) fold(fn func(state *receiverState)) {
	t.receivers.Range(func(_ int64, state *receiverState) bool {
		fn(state)
		return true
	})
}
