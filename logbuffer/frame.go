package logbuffer

// Frame layout within a term. Every frame starts with a 32-byte aligned
// header:
//
//	0..3   frame length (volatile read, release write - written last to
//	       publish frame completion)
//	4      version
//	5      flags (B)egin fragment 0x80, (E)nd fragment 0x40, EOS 0x20
//	6..7   type
//	8..11  term offset
//	12..31 stream identity and reserved value
const (
	// FrameAlignment is the byte alignment of every frame boundary.
	FrameAlignment = 32

	// DataHeaderLength is the length of a data frame header.
	DataHeaderLength = 32

	lengthFieldOffset     = 0
	versionFieldOffset    = 4
	flagsFieldOffset      = 5
	typeFieldOffset       = 6
	termOffsetFieldOffset = 8
)

// Frame header flags.
const (
	BeginFragFlag    uint8 = 0x80
	EndFragFlag      uint8 = 0x40
	UnfragmentedFlag uint8 = BeginFragFlag | EndFragFlag
	EndOfStreamFlag  uint8 = 0x20
)

// Frame types the log buffer distinguishes. Padding frames fill the unusable
// remainder of a term so that positions stay frame aligned across rotation.
const (
	FrameTypePad  uint16 = 0x00
	FrameTypeData uint16 = 0x01
)

// CurrentVersion is the frame header version written by this engine.
const CurrentVersion uint8 = 0x0

// Align rounds value up to the next multiple of alignment, which must be a
// power of two.
func Align(value, alignment int32) int32 {
	return (value + (alignment - 1)) &^ (alignment - 1)
}

// FrameLengthVolatile reads a frame length with acquire semantics. A zero
// length means the frame is not yet committed by the producer.
func FrameLengthVolatile(term []byte, frameOffset int32) int32 {
	return GetInt32Volatile(term, frameOffset+lengthFieldOffset)
}

// SetFrameLengthOrdered writes a frame length with release semantics,
// publishing the frame to readers.
func SetFrameLengthOrdered(term []byte, frameOffset, frameLength int32) {
	PutInt32Ordered(term, frameOffset+lengthFieldOffset, frameLength)
}

// FrameVersion reads the version field of a frame.
func FrameVersion(term []byte, frameOffset int32) uint8 {
	return term[frameOffset+versionFieldOffset]
}

// FrameFlags reads the flags field of a frame.
func FrameFlags(term []byte, frameOffset int32) uint8 {
	return term[frameOffset+flagsFieldOffset]
}

// SetFrameFlags writes the flags field of a frame.
func SetFrameFlags(term []byte, frameOffset int32, flags uint8) {
	term[frameOffset+flagsFieldOffset] = flags
}

// FrameType reads the type field of a frame.
func FrameType(term []byte, frameOffset int32) uint16 {
	return uint16(term[frameOffset+typeFieldOffset]) |
		uint16(term[frameOffset+typeFieldOffset+1])<<8
}

// SetFrameType writes the type field of a frame.
func SetFrameType(term []byte, frameOffset int32, frameType uint16) {
	term[frameOffset+typeFieldOffset] = byte(frameType)
	term[frameOffset+typeFieldOffset+1] = byte(frameType >> 8)
}

// FrameTermOffset reads the term offset field of a frame.
func FrameTermOffset(term []byte, frameOffset int32) int32 {
	return GetInt32(term, frameOffset+termOffsetFieldOffset)
}

// SetFrameTermOffset writes the term offset field of a frame.
func SetFrameTermOffset(term []byte, frameOffset, termOffset int32) {
	PutInt32(term, frameOffset+termOffsetFieldOffset, termOffset)
}

// IsPaddingFrame reports whether the frame at frameOffset is padding.
func IsPaddingFrame(term []byte, frameOffset int32) bool {
	return FrameType(term, frameOffset) == FrameTypePad
}

// WritePaddingFrame writes a committed padding frame covering length bytes at
// frameOffset. The length field is written last with release ordering.
func WritePaddingFrame(term []byte, frameOffset, length int32) {
	term[frameOffset+versionFieldOffset] = CurrentVersion
	SetFrameFlags(term, frameOffset, UnfragmentedFlag)
	SetFrameType(term, frameOffset, FrameTypePad)
	SetFrameTermOffset(term, frameOffset, frameOffset)
	SetFrameLengthOrdered(term, frameOffset, length)
}
