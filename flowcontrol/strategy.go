// Package flowcontrol computes the sender limit position from receiver
// feedback. Each policy is a Strategy selected by name at publication
// construction; they differ only in how live receiver positions aggregate
// into one limit.
package flowcontrol

import (
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/streamlog/protocol"
)

// Strategy is the flow control call contract. All methods are invoked from
// the single sender context and must not block.
type Strategy interface {
	// OnStatusMessage feeds one receiver status message in and returns the
	// new sender limit candidate. The publication applies it monotonically;
	// a candidate below the current limit is a no-op there.
	OnStatusMessage(sm *protocol.StatusMessage, addr net.Addr, senderLimit int64, initialTermID int32, positionBitsToShift uint8, nowNs int64) int64

	// OnTriggerSendSetup observes a status message that elicited a setup
	// frame, before the setup is sent.
	OnTriggerSendSetup(sm *protocol.StatusMessage, addr net.Addr, nowNs int64)

	// OnIdle re-evaluates the limit with no new feedback, evicting
	// receivers that have gone quiet past the liveness timeout.
	OnIdle(nowNs int64, senderLimit int64) int64

	// HasRequiredReceivers reports whether enough receivers are live for
	// the publication to count as connected under this policy.
	HasRequiredReceivers() bool
}

// Policy names accepted by New.
const (
	PolicyUnicast      = "unicast"
	PolicyMulticastMax = "max"
	PolicyMulticastMin = "min"
	PolicyTagged       = "tagged"
	PolicyResponse     = "response"
)

// ErrUnknownPolicy indicates an unrecognised flow control policy name.
var ErrUnknownPolicy = errors.New("unknown flow control policy")

// Options configures strategy construction. The zero value is not valid;
// ReceiverTimeoutNs must be positive.
type Options struct {
	Policy string

	// ReceiverTimeoutNs evicts a receiver that has not sent a status
	// message within this window.
	ReceiverTimeoutNs int64

	// GroupTag is the tag a receiver must report to join tagged flow
	// control aggregation.
	GroupTag int64

	// RequiredGroupSize gates connectivity for the tagged policy: the
	// publication is not connected until this many tagged receivers are
	// live.
	RequiredGroupSize int
}

// New builds the strategy for a policy name.
func New(opts Options) (Strategy, error) {
	switch opts.Policy {
	case PolicyUnicast, "":
		return newUnicast(opts), nil
	case PolicyMulticastMax:
		return newMulticastMax(opts), nil
	case PolicyMulticastMin:
		return newMulticastMin(opts), nil
	case PolicyTagged:
		return newTagged(opts), nil
	case PolicyResponse:
		return newResponse(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, opts.Policy)
	}
}
