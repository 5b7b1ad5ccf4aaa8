package flowcontrol

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/protocol"
)

// response binds the limit to a single designated response receiver: the
// first receiver to report becomes the designated endpoint and only its
// status messages move the limit thereafter. Used for response channels
// where exactly one requester consumes the stream.
type response struct {
	tracker      *receiverTracker
	designatedID int64
	designated   bool
	limit        int64
}

func newResponse(opts Options) *response {
	return &response{tracker: newReceiverTracker(opts.ReceiverTimeoutNs)}
}

func (r *response) OnStatusMessage(
	sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64,
) int64 {
	key := receiverKey(sm, addr)
	if !r.designated {
		r.designated = true
		r.designatedID = key
		logrus.WithFields(logrus.Fields{
			"receiverId": key,
			"addr":       addr.String(),
		}).Info("response flow control designated receiver")
	}
	state := r.tracker.onStatusMessage(sm, addr, initialTermID, positionBitsToShift, nowNs)
	if key != r.designatedID {
		return senderLimit
	}
	r.limit = state.lastPositionWindow
	return r.limit
}

func (r *response) OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
}

func (r *response) OnIdle(nowNs int64, senderLimit int64) int64 {
	if r.tracker.evictStale(nowNs) {
		if _, ok := r.tracker.receivers.Load(r.designatedID); !ok {
			r.designated = false
		}
	}
	return senderLimit
}

func (r *response) HasRequiredReceivers() bool {
	return r.designated && r.tracker.size() > 0
}
