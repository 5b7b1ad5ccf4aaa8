package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusMessageLength is the length of a status message without the optional
// group tag.
const StatusMessageLength = 36

// StatusMessage is receiver-to-sender feedback reporting consumption
// progress; flow control turns it into a sender limit. A receiver that has
// not yet seen a setup frame sets SendSetupFlag to elicit one.
type StatusMessage struct {
	Header
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindowLength  int32
	ReceiverID            int64

	// GroupTag is appended by receivers participating in tagged flow
	// control; HasGroupTag records whether it was present.
	GroupTag    int64
	HasGroupTag bool
}

// Position computes the stream position the receiver reports having consumed.
func (s *StatusMessage) Position(positionBitsToShift uint8, initialTermID int32) int64 {
	termCount := int64(s.ConsumptionTermID - initialTermID)
	return (termCount << positionBitsToShift) + int64(s.ConsumptionTermOffset)
}

// Serialize appends the message to buf and returns the extended slice.
func (s *StatusMessage) Serialize(buf []byte) []byte {
	length := StatusMessageLength
	if s.HasGroupTag {
		length += 8
	}
	out := make([]byte, length)
	s.Header.FrameLength = int32(length)
	s.Header.Version = CurrentVersion
	s.Header.Type = TypeSM
	s.Header.writeTo(out)
	binary.LittleEndian.PutUint32(out[8:], uint32(s.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(s.StreamID))
	binary.LittleEndian.PutUint32(out[16:], uint32(s.ConsumptionTermID))
	binary.LittleEndian.PutUint32(out[20:], uint32(s.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(out[24:], uint32(s.ReceiverWindowLength))
	binary.LittleEndian.PutUint64(out[28:], uint64(s.ReceiverID))
	if s.HasGroupTag {
		binary.LittleEndian.PutUint64(out[36:], uint64(s.GroupTag))
	}
	return append(buf, out...)
}

// ParseStatusMessage reads a status message from buf.
func ParseStatusMessage(buf []byte) (*StatusMessage, error) {
	s := &StatusMessage{}
	if err := s.Header.readFrom(buf); err != nil {
		return nil, err
	}
	if s.Type != TypeSM {
		return nil, fmt.Errorf("%w: type=0x%x", ErrWrongFrameType, s.Type)
	}
	if len(buf) < StatusMessageLength {
		return nil, fmt.Errorf("%w: status message needs %d bytes, have %d", ErrFrameTooShort, StatusMessageLength, len(buf))
	}
	s.SessionID = int32(binary.LittleEndian.Uint32(buf[8:]))
	s.StreamID = int32(binary.LittleEndian.Uint32(buf[12:]))
	s.ConsumptionTermID = int32(binary.LittleEndian.Uint32(buf[16:]))
	s.ConsumptionTermOffset = int32(binary.LittleEndian.Uint32(buf[20:]))
	s.ReceiverWindowLength = int32(binary.LittleEndian.Uint32(buf[24:]))
	s.ReceiverID = int64(binary.LittleEndian.Uint64(buf[28:]))
	if len(buf) >= StatusMessageLength+8 {
		s.GroupTag = int64(binary.LittleEndian.Uint64(buf[36:]))
		s.HasGroupTag = true
	}
	return s, nil
}
