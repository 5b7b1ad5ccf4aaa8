package protocol

import (
	"encoding/binary"
	"fmt"
)

// DataHeaderLength is the fixed length of a data frame header. Heartbeats are
// data headers with a zero frame length and no payload.
const DataHeaderLength = 32

// DataHeader describes a data or padding frame on the wire. The header layout
// matches the in-log frame layout so log bytes are transmitted verbatim.
type DataHeader struct {
	Header
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	TermID        int32
	ReservedValue int64
}

// Serialize appends the header to buf and returns the extended slice.
func (d *DataHeader) Serialize(buf []byte) []byte {
	out := make([]byte, DataHeaderLength)
	d.Header.writeTo(out)
	binary.LittleEndian.PutUint32(out[8:], uint32(d.TermOffset))
	binary.LittleEndian.PutUint32(out[12:], uint32(d.SessionID))
	binary.LittleEndian.PutUint32(out[16:], uint32(d.StreamID))
	binary.LittleEndian.PutUint32(out[20:], uint32(d.TermID))
	binary.LittleEndian.PutUint64(out[24:], uint64(d.ReservedValue))
	return append(buf, out...)
}

// ParseDataHeader reads a data header from buf.
func ParseDataHeader(buf []byte) (*DataHeader, error) {
	d := &DataHeader{}
	if err := d.Header.readFrom(buf); err != nil {
		return nil, err
	}
	if len(buf) < DataHeaderLength {
		return nil, fmt.Errorf("%w: data header needs %d bytes, have %d", ErrFrameTooShort, DataHeaderLength, len(buf))
	}
	if d.Type != TypeData && d.Type != TypePad {
		return nil, fmt.Errorf("%w: type=0x%x", ErrWrongFrameType, d.Type)
	}
	d.TermOffset = int32(binary.LittleEndian.Uint32(buf[8:]))
	d.SessionID = int32(binary.LittleEndian.Uint32(buf[12:]))
	d.StreamID = int32(binary.LittleEndian.Uint32(buf[16:]))
	d.TermID = int32(binary.LittleEndian.Uint32(buf[20:]))
	d.ReservedValue = int64(binary.LittleEndian.Uint64(buf[24:]))
	return d, nil
}

// NewHeartbeat builds the zero-length data frame emitted when a connected
// publication has been idle past the heartbeat timeout. isEndOfStream sets
// the EOS flag so receivers learn the stream will not grow further.
func NewHeartbeat(sessionID, streamID, termID, termOffset int32, isEndOfStream bool) *DataHeader {
	flags := UnfragmentedFlag
	if isEndOfStream {
		flags |= EndOfStreamFlag
	}
	return &DataHeader{
		Header: Header{
			FrameLength: 0,
			Version:     CurrentVersion,
			Flags:       flags,
			Type:        TypeData,
		},
		TermOffset: termOffset,
		SessionID:  sessionID,
		StreamID:   streamID,
		TermID:     termID,
	}
}
