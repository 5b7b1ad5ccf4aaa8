package protocol

import (
	"encoding/binary"
	"fmt"
)

// RttMeasurementLength is the fixed length of an RTT measurement frame.
const RttMeasurementLength = 40

// RttMeasurement carries round-trip-time probing between receiver and
// sender. A frame with ReplyFlag set requests an echo; the reply carries the
// original echo timestamp plus the turnaround delta.
type RttMeasurement struct {
	Header
	SessionID       int32
	StreamID        int32
	EchoTimestampNs int64
	ReceptionDelta  int64
	ReceiverID      int64
}

// Serialize appends the frame to buf and returns the extended slice.
func (r *RttMeasurement) Serialize(buf []byte) []byte {
	out := make([]byte, RttMeasurementLength)
	r.Header.FrameLength = RttMeasurementLength
	r.Header.Version = CurrentVersion
	r.Header.Type = TypeRttm
	r.Header.writeTo(out)
	binary.LittleEndian.PutUint32(out[8:], uint32(r.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(r.StreamID))
	binary.LittleEndian.PutUint64(out[16:], uint64(r.EchoTimestampNs))
	binary.LittleEndian.PutUint64(out[24:], uint64(r.ReceptionDelta))
	binary.LittleEndian.PutUint64(out[32:], uint64(r.ReceiverID))
	return append(buf, out...)
}

// ParseRttMeasurement reads an RTT measurement frame from buf.
func ParseRttMeasurement(buf []byte) (*RttMeasurement, error) {
	r := &RttMeasurement{}
	if err := r.Header.readFrom(buf); err != nil {
		return nil, err
	}
	if r.Type != TypeRttm {
		return nil, fmt.Errorf("%w: type=0x%x", ErrWrongFrameType, r.Type)
	}
	if len(buf) < RttMeasurementLength {
		return nil, fmt.Errorf("%w: RTT frame needs %d bytes, have %d", ErrFrameTooShort, RttMeasurementLength, len(buf))
	}
	r.SessionID = int32(binary.LittleEndian.Uint32(buf[8:]))
	r.StreamID = int32(binary.LittleEndian.Uint32(buf[12:]))
	r.EchoTimestampNs = int64(binary.LittleEndian.Uint64(buf[16:]))
	r.ReceptionDelta = int64(binary.LittleEndian.Uint64(buf[24:]))
	r.ReceiverID = int64(binary.LittleEndian.Uint64(buf[32:]))
	return r, nil
}
