package protocol

import (
	"encoding/binary"
	"fmt"
)

// SetupFrameLength is the fixed length of a setup frame.
const SetupFrameLength = 40

// SetupFrame announces stream parameters to receivers so they can allocate
// their side of the log before data arrives. It is sent until the first
// status message confirms a receiver, and again whenever elicited.
type SetupFrame struct {
	Header
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTULength     int32
	TTL           int32
}

// Serialize appends the frame to buf and returns the extended slice.
func (s *SetupFrame) Serialize(buf []byte) []byte {
	out := make([]byte, SetupFrameLength)
	s.Header.FrameLength = SetupFrameLength
	s.Header.Version = CurrentVersion
	s.Header.Type = TypeSetup
	s.Header.writeTo(out)
	binary.LittleEndian.PutUint32(out[8:], uint32(s.TermOffset))
	binary.LittleEndian.PutUint32(out[12:], uint32(s.SessionID))
	binary.LittleEndian.PutUint32(out[16:], uint32(s.StreamID))
	binary.LittleEndian.PutUint32(out[20:], uint32(s.InitialTermID))
	binary.LittleEndian.PutUint32(out[24:], uint32(s.ActiveTermID))
	binary.LittleEndian.PutUint32(out[28:], uint32(s.TermLength))
	binary.LittleEndian.PutUint32(out[32:], uint32(s.MTULength))
	binary.LittleEndian.PutUint32(out[36:], uint32(s.TTL))
	return append(buf, out...)
}

// ParseSetupFrame reads a setup frame from buf.
func ParseSetupFrame(buf []byte) (*SetupFrame, error) {
	s := &SetupFrame{}
	if err := s.Header.readFrom(buf); err != nil {
		return nil, err
	}
	if s.Type != TypeSetup {
		return nil, fmt.Errorf("%w: type=0x%x", ErrWrongFrameType, s.Type)
	}
	if len(buf) < SetupFrameLength {
		return nil, fmt.Errorf("%w: setup frame needs %d bytes, have %d", ErrFrameTooShort, SetupFrameLength, len(buf))
	}
	s.TermOffset = int32(binary.LittleEndian.Uint32(buf[8:]))
	s.SessionID = int32(binary.LittleEndian.Uint32(buf[12:]))
	s.StreamID = int32(binary.LittleEndian.Uint32(buf[16:]))
	s.InitialTermID = int32(binary.LittleEndian.Uint32(buf[20:]))
	s.ActiveTermID = int32(binary.LittleEndian.Uint32(buf[24:]))
	s.TermLength = int32(binary.LittleEndian.Uint32(buf[28:]))
	s.MTULength = int32(binary.LittleEndian.Uint32(buf[32:]))
	s.TTL = int32(binary.LittleEndian.Uint32(buf[36:]))
	return s, nil
}
