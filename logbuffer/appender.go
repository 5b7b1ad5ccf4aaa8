package logbuffer

import (
	"errors"
	"fmt"
)

var (
	// ErrBackPressured indicates the publisher limit does not currently allow
	// the message to be appended. Retry after consumers progress.
	ErrBackPressured = errors.New("back pressured")

	// ErrAdminAction indicates the log rotated to the next term while
	// appending. Retry the append.
	ErrAdminAction = errors.New("admin action")

	// ErrMaxPayloadExceeded indicates the message does not fit in one frame.
	ErrMaxPayloadExceeded = errors.New("message exceeds max payload length")
)

// Appender writes frames into the active term on behalf of a single
// exclusive producer. The engine itself never appends; this is the producer
// side of the shared log, kept here so the two halves agree on the layout.
type Appender struct {
	log                 *RawLog
	sessionID           int32
	streamID            int32
	initialTermID       int32
	positionBitsToShift uint8
	maxPayloadLength    int32
}

// NewAppender creates an appender for a mapped log.
func NewAppender(log *RawLog, sessionID, streamID, initialTermID int32, mtuLength int32) *Appender {
	return &Appender{
		log:                 log,
		sessionID:           sessionID,
		streamID:            streamID,
		initialTermID:       initialTermID,
		positionBitsToShift: PositionBitsToShift(log.TermLength),
		maxPayloadLength:    mtuLength - DataHeaderLength,
	}
}

// MaxPayloadLength returns the largest message that fits in a single frame.
func (a *Appender) MaxPayloadLength() int32 {
	return a.maxPayloadLength
}

// Append writes one unfragmented message and returns the stream position
// after it. The frame length is written last with release ordering so the
// sender never transmits a partially written frame.
//
// Returns ErrBackPressured when the publisher limit is reached and
// ErrAdminAction when the append triggered a term rotation; both are
// retryable.
func (a *Appender) Append(payload []byte, publisherLimit int64) (int64, error) {
	length := int32(len(payload))
	if length > a.maxPayloadLength {
		return 0, fmt.Errorf("%w: length=%d max=%d", ErrMaxPayloadExceeded, length, a.maxPayloadLength)
	}

	meta := a.log.Meta
	termLength := a.log.TermLength
	frameLength := DataHeaderLength + length
	alignedLength := Align(frameLength, FrameAlignment)

	termCount := meta.ActiveTermCountVolatile()
	index := IndexByTermCount(termCount)
	rawTail := meta.RawTailVolatile(index)
	termID := TermID(rawTail)
	termOffset := TermOffset(rawTail, termLength)
	position := ComputeTermBeginPosition(termID, a.positionBitsToShift, a.initialTermID) + int64(termOffset)

	if position+int64(alignedLength) > publisherLimit {
		return 0, fmt.Errorf("%w: position=%d limit=%d", ErrBackPressured, position, publisherLimit)
	}

	prevTail := meta.GetAndAddRawTail(index, int64(alignedLength))
	claimedOffset := int32(prevTail & 0xFFFFFFFF)
	if TermID(prevTail) != termID || claimedOffset != termOffset {
		// Lost a race with a rotation; the caller retries.
		return 0, ErrAdminAction
	}

	resultingOffset := claimedOffset + alignedLength
	if resultingOffset > termLength {
		a.handleEndOfTerm(index, termID, termCount, claimedOffset)
		return 0, ErrAdminAction
	}

	term := a.log.Terms[index]
	term[claimedOffset+versionFieldOffset] = CurrentVersion
	SetFrameFlags(term, claimedOffset, UnfragmentedFlag)
	SetFrameType(term, claimedOffset, FrameTypeData)
	SetFrameTermOffset(term, claimedOffset, claimedOffset)
	PutInt32(term, claimedOffset+12, a.sessionID)
	PutInt32(term, claimedOffset+16, a.streamID)
	PutInt32(term, claimedOffset+20, termID)
	copy(term[claimedOffset+DataHeaderLength:], payload)
	SetFrameLengthOrdered(term, claimedOffset, frameLength)

	return position + int64(alignedLength), nil
}

// handleEndOfTerm pads out the remainder of the term the claim ran off the
// end of and rotates the log to the next term.
func (a *Appender) handleEndOfTerm(index int, termID, termCount, claimedOffset int32) {
	termLength := a.log.TermLength
	if claimedOffset < termLength {
		WritePaddingFrame(a.log.Terms[index], claimedOffset, termLength-claimedOffset)
	}
	a.log.Meta.RotateLog(termCount, termID)
}
