package publication

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/counters"
	"github.com/opd-ai/streamlog/flowcontrol"
	"github.com/opd-ai/streamlog/logbuffer"
	"github.com/opd-ai/streamlog/protocol"
	"github.com/opd-ai/streamlog/retransmit"
)

// SendChannel is the datagram channel a publication transmits on. Send goes
// to the channel's configured destination; SendTo targets a specific
// receiver, used for RTT echo replies. A short write returns the byte count
// without an error.
type SendChannel interface {
	Send(buf []byte) (int, error)
	SendTo(buf []byte, addr net.Addr) (int, error)
}

// State is the publication lifecycle state. Transitions are total-ordered
// ACTIVE, DRAINING, LINGER, DONE, with revoke jumping straight to DONE.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateLinger
	StateDone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateLinger:
		return "linger"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// maxResendsPerSend bounds retransmission work sharing a send invocation so
// a NAK backlog cannot starve fresh data.
const maxResendsPerSend = 4

// ErrPublicationClosed indicates an append to a publication past ACTIVE.
var ErrPublicationClosed = errors.New("publication closed")

// NetworkPublication is the sender-side engine for one stream-session pair.
// It owns the mapped log and transmits committed frames within the flow
// control window.
//
// Three contexts touch it without locks: the producer appends through Offer,
// the sender context drives Send and the feedback handlers, and the
// conductor drives OnTimeEvent and UpdatePublisherPositionAndLimit. Shared
// fields use atomics; each context's private fields sit in its own padded
// group so the hot sender fields never share a cache line with conductor
// bookkeeping.
type NetworkPublication struct {
	sessionID      int32
	streamID       int32
	initialTermID  int32
	registrationID int64

	termLength          int32
	termLengthMask      int64
	mtuLength           int32
	positionBitsToShift uint8
	termWindowLength    int64
	maxMessagesPerSend  int

	spiesSimulateConnection bool
	signalEndOfStream       bool
	timeouts                Timeouts

	log         *logbuffer.RawLog
	meta        logbuffer.Meta
	appender    *logbuffer.Appender
	channel     SendChannel
	fc          flowcontrol.Strategy
	isResponse  bool
	retransmits *retransmit.Handler
	sc          *counters.SystemCounters
	logger      *logrus.Entry

	pubPos *counters.Position
	pubLmt *counters.Position
	sndPos *counters.Position
	sndLmt *counters.Position

	subscribable *Subscribable

	state             atomic.Int32
	isConnected       atomic.Bool
	hasReceivers      atomic.Bool
	hasSpies          atomic.Bool
	isEndOfStream     atomic.Bool
	hasSenderReleased atomic.Bool
	isRevoked         atomic.Bool

	cleanPosition             atomic.Int64
	timeOfLastStatusMessageNs atomic.Int64

	// conductor-owned
	_                                  [64]byte
	timeOfLastStateChangeNs            int64
	lastConsumerPosition               int64
	timeOfLastConsumerPositionUpdateNs int64

	// sender-owned hot fields
	_                           [64]byte
	timeOfLastDataOrHeartbeatNs int64
	timeOfLastSetupNs           int64
	shouldSendSetupFrame        bool
	responseAddr                net.Addr
	scratch                     []byte
	_                           [64]byte

	closed bool
}

// NewNetworkPublication validates params, maps the log and seeds every
// position from the starting term id and offset. nowNs anchors the setup and
// heartbeat deadlines.
func NewNetworkPublication(params Params, channel SendChannel, sc *counters.SystemCounters, nowNs int64) (*NetworkPublication, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	fcOpts := params.FlowControl
	if fcOpts.ReceiverTimeoutNs == 0 {
		fcOpts.ReceiverTimeoutNs = params.Timeouts.ReceiverLivenessNs
	}
	fc, err := flowcontrol.New(fcOpts)
	if err != nil {
		return nil, err
	}

	log, err := logbuffer.MapRawLog(params.LogFileName, params.TermLength, params.Sparse)
	if err != nil {
		return nil, err
	}

	positionBitsToShift := logbuffer.PositionBitsToShift(params.TermLength)
	termCount := logbuffer.ComputeTermCount(params.TermID, params.InitialTermID)
	activeIndex := logbuffer.IndexByTermCount(termCount)

	meta := log.Meta
	meta.SetInitialTermID(params.InitialTermID)
	meta.SetMTULength(params.MTULength)
	meta.SetCorrelationID(params.RegistrationID)
	for i := 0; i < logbuffer.PartitionCount; i++ {
		if i == activeIndex {
			meta.SetRawTail(i, int64(params.TermID)<<32|int64(params.TermOffset))
			continue
		}
		// Prime the inactive partitions with the term ids rotation expects.
		delta := int32(i) - int32(activeIndex)
		if delta < 0 {
			delta += logbuffer.PartitionCount
		}
		meta.InitialiseTailWithTermID(i, params.TermID+delta-logbuffer.PartitionCount)
	}
	meta.SetActiveTermCountOrdered(termCount)

	startPosition := logbuffer.ComputePosition(params.TermID, params.TermOffset, positionBitsToShift, params.InitialTermID)

	p := &NetworkPublication{
		sessionID:               params.SessionID,
		streamID:                params.StreamID,
		initialTermID:           params.InitialTermID,
		registrationID:          params.RegistrationID,
		termLength:              params.TermLength,
		termLengthMask:          int64(params.TermLength) - 1,
		mtuLength:               params.MTULength,
		positionBitsToShift:     positionBitsToShift,
		termWindowLength:        int64(params.TermLength / 2),
		maxMessagesPerSend:      params.MaxMessagesPerSend,
		spiesSimulateConnection: params.SpiesSimulateConnection,
		signalEndOfStream:       params.SignalEndOfStream,
		timeouts:                params.Timeouts,
		log:                     log,
		meta:                    meta,
		appender:                logbuffer.NewAppender(log, params.SessionID, params.StreamID, params.InitialTermID, params.MTULength),
		channel:                 channel,
		fc:                      fc,
		isResponse:              params.FlowControl.Policy == flowcontrol.PolicyResponse,
		retransmits:             retransmit.NewHandler(params.Timeouts.RetransmitDelayNs, params.Timeouts.RetransmitLingerNs),
		sc:                      sc,
		pubPos:                  counters.NewPosition(startPosition),
		pubLmt:                  counters.NewPosition(startPosition),
		sndPos:                  counters.NewPosition(startPosition),
		sndLmt:                  counters.NewPosition(startPosition),
		subscribable:            NewSubscribable(),
		shouldSendSetupFrame:    true,
		scratch:                 make([]byte, 0, protocol.RttMeasurementLength),
		logger: logrus.WithFields(logrus.Fields{
			"sessionId":      params.SessionID,
			"streamId":       params.StreamID,
			"registrationId": params.RegistrationID,
		}),
	}
	p.cleanPosition.Store(startPosition)
	p.timeOfLastStatusMessageNs.Store(nowNs)
	p.timeOfLastDataOrHeartbeatNs = nowNs
	p.timeOfLastSetupNs = nowNs - params.Timeouts.SetupNs - 1
	p.timeOfLastStateChangeNs = nowNs
	p.timeOfLastConsumerPositionUpdateNs = nowNs
	p.lastConsumerPosition = startPosition

	sc.MappedBytes.Add(float64(log.Length()))
	p.logger.WithFields(logrus.Fields{
		"termLength": params.TermLength,
		"mtu":        params.MTULength,
		"policy":     fcOpts.Policy,
	}).Info("created network publication")

	return p, nil
}

// Identity accessors.

func (p *NetworkPublication) SessionID() int32      { return p.sessionID }
func (p *NetworkPublication) StreamID() int32       { return p.streamID }
func (p *NetworkPublication) InitialTermID() int32  { return p.initialTermID }
func (p *NetworkPublication) RegistrationID() int64 { return p.registrationID }

// State returns the lifecycle state.
func (p *NetworkPublication) State() State {
	return State(p.state.Load())
}

func (p *NetworkPublication) setState(state State, nowNs int64) {
	old := State(p.state.Swap(int32(state)))
	p.timeOfLastStateChangeNs = nowNs
	p.logger.WithFields(logrus.Fields{
		"from": old.String(),
		"to":   state.String(),
	}).Debug("publication state change")
}

// Position returns the producer position derived from the active raw tail.
func (p *NetworkPublication) Position() int64 {
	return p.producerPosition()
}

// SenderPosition returns the highest transmitted position.
func (p *NetworkPublication) SenderPosition() int64 { return p.sndPos.Get() }

// SenderLimit returns the flow control bound on transmission.
func (p *NetworkPublication) SenderLimit() int64 { return p.sndLmt.Get() }

// PublisherLimit returns the bound on what the producer may append.
func (p *NetworkPublication) PublisherLimit() int64 { return p.pubLmt.Get() }

// CleanPosition returns the highest position whose term space is zeroed.
func (p *NetworkPublication) CleanPosition() int64 { return p.cleanPosition.Load() }

// IsConnected reports whether the publication currently has a live
// connection, real or spy-simulated.
func (p *NetworkPublication) IsConnected() bool { return p.isConnected.Load() }

// IsEndOfStream reports whether the stream will not grow further.
func (p *NetworkPublication) IsEndOfStream() bool { return p.isEndOfStream.Load() }

func (p *NetworkPublication) producerPosition() int64 {
	termCount := p.meta.ActiveTermCountVolatile()
	index := logbuffer.IndexByTermCount(termCount)
	rawTail := p.meta.RawTailVolatile(index)
	termOffset := logbuffer.TermOffset(rawTail, p.termLength)
	return logbuffer.ComputePosition(logbuffer.TermID(rawTail), termOffset, p.positionBitsToShift, p.initialTermID)
}

// Offer appends one message through the producer side of the log, bounded by
// the publisher limit. Retryable conditions surface as ErrBackPressured and
// ErrAdminAction.
func (p *NetworkPublication) Offer(payload []byte) (int64, error) {
	if p.State() != StateActive {
		return 0, ErrPublicationClosed
	}
	return p.appender.Append(payload, p.pubLmt.Get())
}

// Send is the sender duty cycle: setup elicitation, data within the window,
// heartbeat on idle, and bounded retransmission work. Returns bytes of data
// sent.
func (p *NetworkPublication) Send(nowNs int64) int {
	if p.State() == StateDone {
		return 0
	}

	senderPosition := p.sndPos.Get()
	activeTermID := logbuffer.ComputeTermIDFromPosition(senderPosition, p.positionBitsToShift, p.initialTermID)
	termOffset := int32(senderPosition & p.termLengthMask)

	if p.shouldSendSetupFrame {
		p.setupMessageCheck(nowNs, activeTermID, termOffset)
	}

	bytesSent := p.sendData(nowNs, senderPosition, termOffset)
	if bytesSent == 0 {
		p.heartbeatMessageCheck(nowNs, activeTermID, termOffset)
		p.sndLmt.ProposeMax(p.fc.OnIdle(nowNs, p.sndLmt.Get()))
	}

	if !p.isRevoked.Load() {
		p.retransmits.ProcessTimeouts(nowNs, p.resend, maxResendsPerSend)
	}

	if p.State() != StateActive && p.sndPos.Get() >= p.producerPosition() {
		p.hasSenderReleased.Store(true)
	}

	return bytesSent
}

func (p *NetworkPublication) isSendingAllowed() bool {
	switch p.State() {
	case StateActive:
		return p.hasReceivers.Load() || p.isConnected.Load()
	case StateDraining:
		return p.hasReceivers.Load()
	default:
		return false
	}
}

// transmit routes through the channel's fixed destination, or to the
// captured response endpoint once a response-mode receiver has identified
// itself.
func (p *NetworkPublication) transmit(buf []byte) (int, error) {
	if p.isResponse && p.responseAddr != nil {
		return p.channel.SendTo(buf, p.responseAddr)
	}
	return p.channel.Send(buf)
}

func (p *NetworkPublication) sendData(nowNs int64, senderPosition int64, termOffset int32) int {
	availableWindow := min64(p.sndLmt.Get(), p.producerPosition()) - senderPosition
	if availableWindow <= 0 || !p.isSendingAllowed() {
		return 0
	}

	// One datagram per chunk, each bounded by the MTU, up to
	// maxMessagesPerSend datagrams per invocation.
	bytesSent := 0
	position := senderPosition
	offset := termOffset
	for i := 0; i < p.maxMessagesPerSend && availableWindow > 0; i++ {
		scanLimit := int32(min64(availableWindow, int64(p.mtuLength)))
		if remaining := p.termLength - offset; scanLimit > remaining {
			scanLimit = remaining
		}

		index := logbuffer.IndexByPosition(position, p.positionBitsToShift)
		term := p.log.Terms[index]

		available, padding := logbuffer.ScanForAvailability(term, offset, scanLimit)
		if available <= 0 {
			break
		}

		n, err := p.transmit(term[offset : offset+available])
		if err != nil || n < int(available) {
			p.sc.ShortSends.Inc()
			break
		}

		bytesSent += int(available)
		position += int64(available + padding)
		availableWindow -= int64(available + padding)
		offset = int32(position & p.termLengthMask)
		p.sndPos.Set(position)
	}

	if bytesSent > 0 {
		p.timeOfLastDataOrHeartbeatNs = nowNs
	}
	return bytesSent
}

func (p *NetworkPublication) setupMessageCheck(nowNs int64, activeTermID, termOffset int32) {
	if nowNs <= p.timeOfLastSetupNs+p.timeouts.SetupNs {
		return
	}

	setup := &protocol.SetupFrame{
		TermOffset:    termOffset,
		SessionID:     p.sessionID,
		StreamID:      p.streamID,
		InitialTermID: p.initialTermID,
		ActiveTermID:  activeTermID,
		TermLength:    p.termLength,
		MTULength:     p.mtuLength,
	}
	buf := setup.Serialize(p.scratch[:0])

	n, err := p.transmit(buf)
	if err != nil || n < len(buf) {
		p.sc.ShortSends.Inc()
		return
	}
	p.sc.SetupsSent.Inc()
	p.timeOfLastSetupNs = nowNs
	if p.hasReceivers.Load() {
		p.shouldSendSetupFrame = false
	}
}

func (p *NetworkPublication) heartbeatMessageCheck(nowNs int64, activeTermID, termOffset int32) {
	if nowNs <= p.timeOfLastDataOrHeartbeatNs+p.timeouts.HeartbeatNs {
		return
	}
	if !p.isConnected.Load() && !p.hasReceivers.Load() {
		return
	}

	termID, offset := activeTermID, termOffset
	isEOS := p.isEndOfStream.Load() && p.signalEndOfStream
	if isEOS {
		// The EOS position is pinned; heartbeats report it, not the tail.
		eos := p.meta.EndOfStreamPosition()
		termID = logbuffer.ComputeTermIDFromPosition(eos, p.positionBitsToShift, p.initialTermID)
		offset = int32(eos & p.termLengthMask)
	}

	hb := protocol.NewHeartbeat(p.sessionID, p.streamID, termID, offset, isEOS)
	buf := hb.Serialize(p.scratch[:0])

	n, err := p.transmit(buf)
	if err != nil || n < len(buf) {
		p.sc.ShortSends.Inc()
	} else {
		p.sc.HeartbeatsSent.Inc()
	}
	p.timeOfLastDataOrHeartbeatNs = nowNs
}

// matchesStream guards the feedback handlers: a frame carrying another
// session or stream id is a misdirected or spoofed datagram and must not
// touch liveness or flow control state.
func (p *NetworkPublication) matchesStream(sessionID, streamID int32) bool {
	if sessionID != p.sessionID || streamID != p.streamID {
		p.sc.ProtocolViolations.Inc()
		p.logger.WithFields(logrus.Fields{
			"frameSessionId": sessionID,
			"frameStreamId":  streamID,
		}).Debug("dropping feedback frame for another stream")
		return false
	}
	return true
}

// OnStatusMessage handles receiver feedback: liveness refresh, setup
// elicitation, flow control update, and the connected transition.
func (p *NetworkPublication) OnStatusMessage(sm *protocol.StatusMessage, addr net.Addr, nowNs int64) {
	if !p.matchesStream(sm.SessionID, sm.StreamID) {
		return
	}
	if p.State() == StateDone {
		return
	}
	p.sc.StatusMessagesReceived.Inc()
	p.timeOfLastStatusMessageNs.Store(nowNs)
	p.hasReceivers.Store(true)

	if sm.Flags&protocol.SendSetupFlag != 0 {
		p.fc.OnTriggerSendSetup(sm, addr, nowNs)
		p.shouldSendSetupFrame = true
	}
	if p.isResponse {
		p.responseAddr = addr
	}

	limit := p.fc.OnStatusMessage(sm, addr, p.sndLmt.Get(), p.initialTermID, p.positionBitsToShift, nowNs)
	p.sndLmt.ProposeMax(limit)

	if !p.isConnected.Load() && p.fc.HasRequiredReceivers() {
		p.isConnected.Store(true)
		p.meta.SetIsConnected(true)
		p.logger.WithField("addr", addr.String()).Info("publication connected")
	}
}

// OnNak validates a loss report against [cleanPosition, senderPosition) and
// feeds it to the retransmit handler. Invalid and overflowing NAKs are
// counted, never fatal.
func (p *NetworkPublication) OnNak(nak *protocol.NakFrame, nowNs int64) {
	if !p.matchesStream(nak.SessionID, nak.StreamID) {
		return
	}
	p.sc.NaksReceived.Inc()
	if p.State() == StateDone || p.isRevoked.Load() {
		return
	}

	nakPosition := logbuffer.ComputePosition(nak.TermID, nak.TermOffset, p.positionBitsToShift, p.initialTermID)
	if nak.Length <= 0 || nak.TermOffset < 0 || nak.TermOffset >= p.termLength ||
		nakPosition < p.cleanPosition.Load() || nakPosition >= p.sndPos.Get() {
		p.sc.InvalidNaks.Inc()
		p.logger.WithFields(logrus.Fields{
			"termId":     nak.TermID,
			"termOffset": nak.TermOffset,
			"length":     nak.Length,
		}).Debug("dropping invalid NAK")
		return
	}

	if _, dropped := p.retransmits.OnNak(nak.TermID, nak.TermOffset, nak.Length, nowNs, p.resend); dropped {
		p.sc.RetransmitOverflow.Inc()
	}
}

// resend re-reads a range from the log and retransmits it through the normal
// framing path. It bypasses the sender limit but never passes the sender
// position.
func (p *NetworkPublication) resend(termID, termOffset, length int32) error {
	senderPosition := p.sndPos.Get()
	resendPosition := logbuffer.ComputePosition(termID, termOffset, p.positionBitsToShift, p.initialTermID)
	bytesLeft := min64(int64(length), senderPosition-resendPosition)
	if bytesLeft <= 0 {
		return nil
	}

	sent := false
	for bytesLeft > 0 {
		index := logbuffer.IndexByPosition(resendPosition, p.positionBitsToShift)
		offset := int32(resendPosition & p.termLengthMask)
		term := p.log.Terms[index]

		scanLimit := int32(min64(bytesLeft, int64(p.mtuLength)))
		if remaining := p.termLength - offset; scanLimit > remaining {
			scanLimit = remaining
		}

		available, padding := logbuffer.ScanForAvailability(term, offset, scanLimit)
		if available <= 0 {
			break
		}

		n, err := p.transmit(term[offset : offset+available])
		if err != nil {
			return fmt.Errorf("resending term %d offset %d: %w", termID, offset, err)
		}
		if n < int(available) {
			p.sc.ShortSends.Inc()
			break
		}

		sent = true
		p.sc.RetransmittedBytes.Add(float64(available))
		resendPosition += int64(available + padding)
		bytesLeft -= int64(available + padding)
	}

	if sent {
		p.sc.RetransmitsSent.Inc()
	}
	return nil
}

// OnRttMeasurement echoes a reply when the REPLY flag is set; one-way
// measurements are ignored.
func (p *NetworkPublication) OnRttMeasurement(rttm *protocol.RttMeasurement, addr net.Addr, nowNs int64) {
	if !p.matchesStream(rttm.SessionID, rttm.StreamID) {
		return
	}
	if rttm.Flags&protocol.ReplyFlag == 0 {
		return
	}

	reply := &protocol.RttMeasurement{
		SessionID:       p.sessionID,
		StreamID:        p.streamID,
		EchoTimestampNs: rttm.EchoTimestampNs,
		ReceptionDelta:  nowNs - rttm.EchoTimestampNs,
		ReceiverID:      rttm.ReceiverID,
	}
	buf := reply.Serialize(p.scratch[:0])
	if n, err := p.channel.SendTo(buf, addr); err != nil || n < len(buf) {
		p.sc.ShortSends.Inc()
	}
}

// UpdatePublisherPositionAndLimit is the conductor duty cycle for producer
// back pressure: the publisher limit follows the slowest consumer plus the
// term window, never crossing into a term that has not been cleaned, and
// cleaning advances one contiguous chunk at a time one term behind the
// slowest consumer. With no live connection the limit decays to the sender
// position so a disconnected producer cannot run unbounded.
func (p *NetworkPublication) UpdatePublisherPositionAndLimit() int {
	if p.State() != StateActive {
		return 0
	}

	workCount := 0
	p.pubPos.Set(p.producerPosition())

	if p.isConnected.Load() || (p.spiesSimulateConnection && p.hasSpies.Load()) {
		minConsumerPosition := p.sndPos.Get()
		if p.hasSpies.Load() {
			minConsumerPosition = p.subscribable.MinWorkingPosition(minConsumerPosition)
		}

		proposedLimit := minConsumerPosition + p.termWindowLength
		if proposedLimit > p.pubLmt.Get() {
			p.cleanBufferTo(minConsumerPosition - int64(p.termLength))
			if p.termCountOf(proposedLimit)-p.termCountOf(p.cleanPosition.Load()) < logbuffer.PartitionCount {
				p.pubLmt.Set(proposedLimit)
				workCount = 1
			}
		}
	} else {
		senderPosition := p.sndPos.Get()
		if p.pubLmt.Get() > senderPosition {
			p.pubLmt.Set(senderPosition)
			p.cleanBufferTo(senderPosition - int64(p.termLength))
			workCount = 1
		}
	}

	return workCount
}

func (p *NetworkPublication) termCountOf(position int64) int32 {
	return int32(position >> p.positionBitsToShift)
}

// cleanBufferTo zeroes term space up to position, at most one contiguous
// chunk to the end of the current dirty term per call.
func (p *NetworkPublication) cleanBufferTo(position int64) {
	cleanPosition := p.cleanPosition.Load()
	if position <= cleanPosition {
		return
	}

	index := logbuffer.IndexByPosition(cleanPosition, p.positionBitsToShift)
	offset := int32(cleanPosition & p.termLengthMask)
	length := int32(min64(position-cleanPosition, int64(p.termLength-offset)))

	logbuffer.CleanTermSection(p.log.Terms[index], offset, length)
	p.cleanPosition.Store(cleanPosition + int64(length))
}

// OnTimeEvent is the conductor tick: connection liveness, lifecycle
// transitions, untethered spy management and blocked publisher detection.
func (p *NetworkPublication) OnTimeEvent(nowNs int64) {
	switch p.State() {
	case StateActive:
		p.updateConnectedStatus(nowNs)
		producerPosition := p.producerPosition()
		p.pubPos.Set(producerPosition)
		p.checkForBlockedPublisher(nowNs, producerPosition)

		windowLimit := p.sndPos.Get() - p.termWindowLength + (p.termWindowLength >> 3)
		p.subscribable.CheckUntethered(nowNs, windowLimit, p.timeouts)

	case StateDraining:
		senderPosition := p.sndPos.Get()
		producerPosition := p.producerPosition()
		if senderPosition < producerPosition {
			if logbuffer.Unblock(p.log.Terms[:], p.meta, senderPosition, p.termLength) {
				p.sc.UnblockedPublications.Inc()
				return
			}
			if p.hasReceivers.Load() {
				return
			}
		}

		if !p.isEndOfStream.Load() {
			p.meta.SetEndOfStreamPosition(producerPosition)
			p.isEndOfStream.Store(true)
		}
		if p.subscribable.WorkingCount() == 0 || p.subscribable.MaxWorkingPosition() >= producerPosition {
			p.setState(StateLinger, nowNs)
		}

	case StateLinger:
		if p.sndPos.Get() >= p.producerPosition() {
			p.hasSenderReleased.Store(true)
		}
		if p.hasSenderReleased.Load() && nowNs > p.timeOfLastStateChangeNs+p.timeouts.LingerNs {
			p.setState(StateDone, nowNs)
		}
	}
}

func (p *NetworkPublication) updateConnectedStatus(nowNs int64) {
	spyConnected := p.spiesSimulateConnection && p.hasSpies.Load()
	statusMessagesStale := nowNs > p.timeOfLastStatusMessageNs.Load()+p.timeouts.ConnectionNs

	if p.hasReceivers.Load() && statusMessagesStale {
		p.hasReceivers.Store(false)
	}

	if p.isConnected.Load() {
		if !p.hasReceivers.Load() && !spyConnected && statusMessagesStale {
			p.isConnected.Store(false)
			p.meta.SetIsConnected(false)
			p.logger.Info("publication disconnected")
		}
	} else if spyConnected {
		p.isConnected.Store(true)
		p.meta.SetIsConnected(true)
	}
}

func (p *NetworkPublication) checkForBlockedPublisher(nowNs, producerPosition int64) {
	consumerPosition := p.sndPos.Get()
	if consumerPosition == p.lastConsumerPosition && producerPosition > consumerPosition {
		if nowNs > p.timeOfLastConsumerPositionUpdateNs+p.timeouts.UnblockNs {
			if logbuffer.Unblock(p.log.Terms[:], p.meta, consumerPosition, p.termLength) {
				p.sc.UnblockedPublications.Inc()
				p.logger.WithField("position", consumerPosition).Warn("force unblocked publication")
			}
			p.timeOfLastConsumerPositionUpdateNs = nowNs
		}
		return
	}
	p.lastConsumerPosition = consumerPosition
	p.timeOfLastConsumerPositionUpdateNs = nowNs
}

// AddSpyPosition attaches a local consumer. The first spy marks the
// publication as having spies, and connects it when spies simulate a
// connection.
func (p *NetworkPublication) AddSpyPosition(position *TetherablePosition) {
	p.subscribable.Add(position)
	p.hasSpies.Store(true)
	if p.spiesSimulateConnection && !p.isConnected.Load() {
		p.isConnected.Store(true)
		p.meta.SetIsConnected(true)
		p.logger.Info("publication connected by spy")
	}
}

// RemoveSpyPosition detaches a local consumer. hasSpies clears only when no
// working position remains.
func (p *NetworkPublication) RemoveSpyPosition(registrationID int64) {
	if p.subscribable.Remove(registrationID) && p.subscribable.WorkingCount() == 0 {
		p.hasSpies.Store(false)
	}
}

// BeginDrain marks the publication for removal: unflushed data moves it to
// DRAINING; an already drained publication lingers immediately.
func (p *NetworkPublication) BeginDrain(nowNs int64) {
	if p.State() != StateActive {
		return
	}
	if p.sndPos.Get() < p.producerPosition() {
		p.setState(StateDraining, nowNs)
		return
	}
	p.meta.SetEndOfStreamPosition(p.producerPosition())
	p.isEndOfStream.Store(true)
	p.setState(StateLinger, nowNs)
}

// Revoke tears the publication down immediately: EOS pins at the revoke
// position, data beyond it is never transmitted or retransmitted, and the
// state jumps straight to DONE.
func (p *NetworkPublication) Revoke(nowNs int64) {
	if p.State() == StateDone {
		return
	}
	revokePosition := p.sndPos.Get()
	p.meta.SetEndOfStreamPosition(revokePosition)
	p.isEndOfStream.Store(true)
	p.isRevoked.Store(true)
	p.hasSenderReleased.Store(true)
	p.sc.PublicationsRevoked.Inc()
	p.setState(StateDone, nowNs)
	p.logger.WithField("position", revokePosition).Info("publication revoked")
}

// HasReachedEndOfLife reports whether the publication can be reclaimed.
func (p *NetworkPublication) HasReachedEndOfLife() bool {
	return p.State() == StateDone && p.hasSenderReleased.Load()
}

// Close unmaps the log. The mapping must no longer be referenced.
func (p *NetworkPublication) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.sc.MappedBytes.Sub(float64(p.log.Length()))
	return p.log.Close()
}

// Free closes the publication and deletes the backing file.
func (p *NetworkPublication) Free() error {
	if err := p.Close(); err != nil {
		return err
	}
	return p.log.Delete()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
