// Package publication implements the sender-side transport engine for one
// stream-session pair: it owns the mapped log, transmits committed frames
// within the flow control window, services NAK retransmission, and runs the
// lifecycle state machine from ACTIVE through DONE.
package publication

import (
	"errors"
	"fmt"

	"github.com/opd-ai/streamlog/flowcontrol"
	"github.com/opd-ai/streamlog/logbuffer"
)

// MTU bounds for a single datagram. The minimum leaves room for one aligned
// frame beyond the header; the maximum is the largest UDP payload.
const (
	MinMTULength = logbuffer.DataHeaderLength + logbuffer.FrameAlignment
	MaxMTULength = 65504
)

var (
	// ErrInvalidMTU indicates an MTU outside bounds or misaligned.
	ErrInvalidMTU = errors.New("invalid MTU length")

	// ErrInvalidTermOffset indicates a starting term offset that is not
	// frame aligned or lies outside the term.
	ErrInvalidTermOffset = errors.New("invalid term offset")

	// ErrInvalidParams indicates a parameter combination that cannot
	// describe a publication.
	ErrInvalidParams = errors.New("invalid publication params")
)

// Timeouts are the policy durations the engine compares deadlines against.
// All are nanoseconds; none causes a blocking wait.
type Timeouts struct {
	// SetupNs is the interval between setup frames while no receiver has
	// confirmed the stream.
	SetupNs int64

	// HeartbeatNs is the idle interval after which a connected publication
	// emits a heartbeat frame.
	HeartbeatNs int64

	// ConnectionNs declares the publication disconnected when no status
	// message arrives within it.
	ConnectionNs int64

	// LingerNs holds a drained publication before DONE so in-flight data
	// can be NAKed and recovered.
	LingerNs int64

	// UnblockNs force-advances past a torn frame when the consumer has
	// been stalled behind an unrotated term for this long.
	UnblockNs int64

	// UntetheredWindowLimitNs moves a lagging untethered spy to LINGER.
	UntetheredWindowLimitNs int64

	// UntetheredLingerNs moves a lingering untethered spy to RESTING,
	// removing it from flow control aggregation.
	UntetheredLingerNs int64

	// UntetheredRestingNs returns a resting spy to ACTIVE for another try.
	UntetheredRestingNs int64

	// RetransmitDelayNs delays servicing a NAK; zero resends immediately.
	RetransmitDelayNs int64

	// RetransmitLingerNs debounces identical NAK ranges after a resend.
	RetransmitLingerNs int64

	// ReceiverLivenessNs evicts receivers that stop sending status
	// messages.
	ReceiverLivenessNs int64
}

// Params are the fully resolved numeric parameters for one publication.
// Channel URI parsing happens upstream; the engine never sees raw text.
type Params struct {
	SessionID      int32
	StreamID       int32
	InitialTermID  int32
	RegistrationID int64

	// TermID and TermOffset position the stream start, for late-start
	// publications resuming an existing position.
	TermID     int32
	TermOffset int32

	TermLength int32
	MTULength  int32

	// MaxMessagesPerSend caps datagrams per send invocation.
	MaxMessagesPerSend int

	// LogFileName is the path the raw log is mapped at.
	LogFileName string

	// Sparse skips pre-touching the mapped pages.
	Sparse bool

	// SpiesSimulateConnection treats an attached spy as a connection, so
	// a publication with only local consumers is not blocked forever.
	SpiesSimulateConnection bool

	// SignalEndOfStream emits the EOS flag on heartbeats once draining.
	SignalEndOfStream bool

	FlowControl flowcontrol.Options
	Timeouts    Timeouts
}

// Validate rejects parameter combinations the engine cannot honour.
// Configuration errors are construction-time and descriptive; nothing is
// silently coerced.
func (p *Params) Validate() error {
	if err := logbuffer.CheckTermLength(p.TermLength); err != nil {
		return err
	}
	if p.MTULength < MinMTULength || p.MTULength > MaxMTULength {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidMTU, p.MTULength, MinMTULength, MaxMTULength)
	}
	if p.MTULength%logbuffer.FrameAlignment != 0 {
		return fmt.Errorf("%w: %d not a multiple of %d", ErrInvalidMTU, p.MTULength, logbuffer.FrameAlignment)
	}
	if p.TermOffset < 0 || p.TermOffset >= p.TermLength {
		return fmt.Errorf("%w: %d outside term of %d", ErrInvalidTermOffset, p.TermOffset, p.TermLength)
	}
	if p.TermOffset%logbuffer.FrameAlignment != 0 {
		return fmt.Errorf("%w: %d not a multiple of %d", ErrInvalidTermOffset, p.TermOffset, logbuffer.FrameAlignment)
	}
	if p.TermID-p.InitialTermID < 0 {
		return fmt.Errorf("%w: term id %d precedes initial term id %d", ErrInvalidParams, p.TermID, p.InitialTermID)
	}
	if p.MaxMessagesPerSend <= 0 {
		return fmt.Errorf("%w: max messages per send %d", ErrInvalidParams, p.MaxMessagesPerSend)
	}
	if p.LogFileName == "" {
		return fmt.Errorf("%w: empty log file name", ErrInvalidParams)
	}
	if p.Timeouts.ReceiverLivenessNs <= 0 {
		return fmt.Errorf("%w: receiver liveness timeout %d", ErrInvalidParams, p.Timeouts.ReceiverLivenessNs)
	}
	return nil
}
