// Package protocol implements the wire frames the sender touches: data and
// padding headers, setup frames, and the feedback frames receivers send back
// (status messages, NAKs, RTT measurements).
//
// All fields are little-endian. Frames are hand-packed: the formats are fixed
// by the protocol, so each type carries its own Serialize and Parse pair.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header types.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeNak   uint16 = 0x02
	TypeSM    uint16 = 0x03
	TypeErr   uint16 = 0x04
	TypeSetup uint16 = 0x05
	TypeRttm  uint16 = 0x06
)

// Frame flags.
const (
	BeginFragFlag   uint8 = 0x80
	EndFragFlag     uint8 = 0x40
	UnfragmentedFlag uint8 = BeginFragFlag | EndFragFlag
	EndOfStreamFlag uint8 = 0x20

	// SendSetupFlag on a status message elicits a setup frame.
	SendSetupFlag uint8 = 0x80

	// ReplyFlag on an RTT measurement requests an echo from the sender.
	ReplyFlag uint8 = 0x80
)

// CurrentVersion is the protocol version written into every frame header.
const CurrentVersion uint8 = 0x0

// Basic header layout shared by every frame.
const (
	frameLengthOffset = 0
	versionOffset     = 4
	flagsOffset       = 5
	typeOffset        = 6
	headerLength      = 8
)

var (
	// ErrFrameTooShort indicates a buffer shorter than the frame it claims
	// to hold.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrWrongFrameType indicates a frame of an unexpected type.
	ErrWrongFrameType = errors.New("wrong frame type")
)

// Header is the leading fields common to every frame.
type Header struct {
	FrameLength int32
	Version     uint8
	Flags       uint8
	Type        uint16
}

func (h *Header) writeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[frameLengthOffset:], uint32(h.FrameLength))
	buf[versionOffset] = h.Version
	buf[flagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(buf[typeOffset:], h.Type)
}

func (h *Header) readFrom(buf []byte) error {
	if len(buf) < headerLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(buf))
	}
	h.FrameLength = int32(binary.LittleEndian.Uint32(buf[frameLengthOffset:]))
	h.Version = buf[versionOffset]
	h.Flags = buf[flagsOffset]
	h.Type = binary.LittleEndian.Uint16(buf[typeOffset:])
	return nil
}

// PeekType returns the type field of a serialized frame without parsing it.
func PeekType(buf []byte) (uint16, error) {
	if len(buf) < headerLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(buf))
	}
	return binary.LittleEndian.Uint16(buf[typeOffset:]), nil
}
