package protocol

import (
	"encoding/binary"
	"fmt"
)

// NakFrameLength is the fixed length of a NAK frame.
const NakFrameLength = 28

// NakFrame identifies a lost byte range the receiver needs retransmitted.
type NakFrame struct {
	Header
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// Serialize appends the frame to buf and returns the extended slice.
func (n *NakFrame) Serialize(buf []byte) []byte {
	out := make([]byte, NakFrameLength)
	n.Header.FrameLength = NakFrameLength
	n.Header.Version = CurrentVersion
	n.Header.Type = TypeNak
	n.Header.writeTo(out)
	binary.LittleEndian.PutUint32(out[8:], uint32(n.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(n.StreamID))
	binary.LittleEndian.PutUint32(out[16:], uint32(n.TermID))
	binary.LittleEndian.PutUint32(out[20:], uint32(n.TermOffset))
	binary.LittleEndian.PutUint32(out[24:], uint32(n.Length))
	return append(buf, out...)
}

// ParseNakFrame reads a NAK frame from buf.
func ParseNakFrame(buf []byte) (*NakFrame, error) {
	n := &NakFrame{}
	if err := n.Header.readFrom(buf); err != nil {
		return nil, err
	}
	if n.Type != TypeNak {
		return nil, fmt.Errorf("%w: type=0x%x", ErrWrongFrameType, n.Type)
	}
	if len(buf) < NakFrameLength {
		return nil, fmt.Errorf("%w: NAK frame needs %d bytes, have %d", ErrFrameTooShort, NakFrameLength, len(buf))
	}
	n.SessionID = int32(binary.LittleEndian.Uint32(buf[8:]))
	n.StreamID = int32(binary.LittleEndian.Uint32(buf[12:]))
	n.TermID = int32(binary.LittleEndian.Uint32(buf[16:]))
	n.TermOffset = int32(binary.LittleEndian.Uint32(buf[20:]))
	n.Length = int32(binary.LittleEndian.Uint32(buf[24:]))
	return n, nil
}
