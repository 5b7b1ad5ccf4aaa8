package logbuffer

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// PartitionCount is the fixed number of term buffers a log cycles through.
	PartitionCount = 3

	// TermMinLength is the smallest permitted term buffer length.
	TermMinLength = 64 * 1024
	// TermMaxLength is the largest permitted term buffer length.
	TermMaxLength = 1024 * 1024 * 1024

	// PageSize is the size of the metadata page appended after the terms.
	PageSize = 4 * 1024

	// LogMetaDataLength is the mapped length of the metadata section.
	LogMetaDataLength = PageSize
)

// Metadata field offsets. The tail counters lead so that the producer's hot
// read-modify-write stays on its own cache lines, away from the fields the
// conductor updates.
const (
	tailCounter0Offset         = 0
	activeTermCountOffset      = PartitionCount * 8
	endOfStreamPositionOffset  = 128
	isConnectedOffset          = 136
	activeTransportCountOffset = 140
	correlationIDOffset        = 256
	initialTermIDOffset        = 264
	mtuLengthOffset            = 272
	termLengthOffset           = 276
	pageSizeOffset             = 280
)

var (
	// ErrInvalidTermLength indicates a term length outside the permitted range
	// or not a power of two.
	ErrInvalidTermLength = errors.New("invalid term length")
)

// CheckTermLength validates a term buffer length.
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength {
		return fmt.Errorf("%w: %d is less than min length %d", ErrInvalidTermLength, termLength, TermMinLength)
	}
	if termLength > TermMaxLength {
		return fmt.Errorf("%w: %d is greater than max length %d", ErrInvalidTermLength, termLength, TermMaxLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrInvalidTermLength, termLength)
	}
	return nil
}

// ComputeLogLength returns the total mapped length for a log with the given
// term length.
func ComputeLogLength(termLength int32) int64 {
	return int64(termLength)*PartitionCount + LogMetaDataLength
}

// PositionBitsToShift returns the shift used to convert between stream
// positions and term counts for a power-of-two term length.
func PositionBitsToShift(termLength int32) uint8 {
	return uint8(bits.TrailingZeros32(uint32(termLength)))
}

// TermID extracts the term id from a raw tail value.
func TermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffset extracts the tail offset from a raw tail value, capped at the
// term length once the producer has run off the end of the term.
func TermOffset(rawTail int64, termLength int32) int32 {
	tail := rawTail & 0xFFFFFFFF
	if tail < int64(termLength) {
		return int32(tail)
	}
	return termLength
}

// ComputeTermCount returns the number of terms between an active term id and
// the initial term id, accounting for wrap.
func ComputeTermCount(activeTermID, initialTermID int32) int32 {
	return activeTermID - initialTermID
}

// ComputePosition computes the stream position for a term id and offset.
func ComputePosition(activeTermID, termOffset int32, positionBitsToShift uint8, initialTermID int32) int64 {
	termCount := int64(ComputeTermCount(activeTermID, initialTermID))
	return (termCount << positionBitsToShift) + int64(termOffset)
}

// ComputeTermBeginPosition computes the stream position at which a term starts.
func ComputeTermBeginPosition(activeTermID int32, positionBitsToShift uint8, initialTermID int32) int64 {
	return int64(ComputeTermCount(activeTermID, initialTermID)) << positionBitsToShift
}

// ComputeTermIDFromPosition maps a stream position back to its term id.
func ComputeTermIDFromPosition(position int64, positionBitsToShift uint8, initialTermID int32) int32 {
	return int32(position>>positionBitsToShift) + initialTermID
}

// ComputeTermOffsetFromPosition maps a stream position to its offset within
// the term.
func ComputeTermOffsetFromPosition(position int64, positionBitsToShift uint8) int32 {
	mask := (int64(1) << positionBitsToShift) - 1
	return int32(position & mask)
}

// IndexByTermCount returns the partition index used by a term count.
func IndexByTermCount(termCount int32) int {
	idx := int(termCount % PartitionCount)
	if idx < 0 {
		idx += PartitionCount
	}
	return idx
}

// IndexByPosition returns the partition index holding a stream position.
func IndexByPosition(position int64, positionBitsToShift uint8) int {
	return IndexByTermCount(int32(position >> positionBitsToShift))
}

// Meta is an accessor view over the mapped metadata page.
type Meta struct {
	buf []byte
}

// NewMeta wraps a metadata buffer. The buffer must be at least
// LogMetaDataLength bytes.
func NewMeta(buf []byte) Meta {
	return Meta{buf: buf}
}

// RawTailVolatile reads the raw tail of a partition with acquire semantics.
func (m Meta) RawTailVolatile(partitionIndex int) int64 {
	return GetInt64Volatile(m.buf, int32(tailCounter0Offset+partitionIndex*8))
}

// SetRawTail writes the raw tail of a partition with plain semantics. Used
// only during initialisation before the log is shared.
func (m Meta) SetRawTail(partitionIndex int, rawTail int64) {
	PutInt64(m.buf, int32(tailCounter0Offset+partitionIndex*8), rawTail)
}

// CasRawTail compare-and-swaps the raw tail of a partition.
func (m Meta) CasRawTail(partitionIndex int, expected, updated int64) bool {
	return CasInt64(m.buf, int32(tailCounter0Offset+partitionIndex*8), expected, updated)
}

// GetAndAddRawTail adds delta to the raw tail of a partition, returning the
// previous value. This is the producer's claim operation.
func (m Meta) GetAndAddRawTail(partitionIndex int, delta int64) int64 {
	return AddInt64(m.buf, int32(tailCounter0Offset+partitionIndex*8), delta) - delta
}

// ActiveTermCountVolatile reads the active term count with acquire semantics.
func (m Meta) ActiveTermCountVolatile() int32 {
	return GetInt32Volatile(m.buf, activeTermCountOffset)
}

// SetActiveTermCountOrdered writes the active term count with release semantics.
func (m Meta) SetActiveTermCountOrdered(termCount int32) {
	PutInt32Ordered(m.buf, activeTermCountOffset, termCount)
}

// CasActiveTermCount compare-and-swaps the active term count.
func (m Meta) CasActiveTermCount(expected, updated int32) bool {
	return CasInt32(m.buf, activeTermCountOffset, expected, updated)
}

// EndOfStreamPosition reads the end-of-stream position with acquire semantics.
func (m Meta) EndOfStreamPosition() int64 {
	return GetInt64Volatile(m.buf, endOfStreamPositionOffset)
}

// SetEndOfStreamPosition writes the end-of-stream position with release
// semantics.
func (m Meta) SetEndOfStreamPosition(position int64) {
	PutInt64Ordered(m.buf, endOfStreamPositionOffset, position)
}

// IsConnected reports whether a consumer is connected, per the flag the
// conductor publishes for the producer to observe.
func (m Meta) IsConnected() bool {
	return GetInt32Volatile(m.buf, isConnectedOffset) == 1
}

// SetIsConnected publishes the connected flag with release semantics.
func (m Meta) SetIsConnected(isConnected bool) {
	v := int32(0)
	if isConnected {
		v = 1
	}
	PutInt32Ordered(m.buf, isConnectedOffset, v)
}

// ActiveTransportCount reads the count of live receiver transports.
func (m Meta) ActiveTransportCount() int32 {
	return GetInt32Volatile(m.buf, activeTransportCountOffset)
}

// SetActiveTransportCount publishes the count of live receiver transports.
func (m Meta) SetActiveTransportCount(count int32) {
	PutInt32Ordered(m.buf, activeTransportCountOffset, count)
}

// CorrelationID returns the registration correlation id of the log.
func (m Meta) CorrelationID() int64 {
	return GetInt64(m.buf, correlationIDOffset)
}

// SetCorrelationID stores the registration correlation id.
func (m Meta) SetCorrelationID(id int64) {
	PutInt64(m.buf, correlationIDOffset, id)
}

// InitialTermID returns the initial term id of the stream.
func (m Meta) InitialTermID() int32 {
	return GetInt32(m.buf, initialTermIDOffset)
}

// SetInitialTermID stores the initial term id of the stream.
func (m Meta) SetInitialTermID(id int32) {
	PutInt32(m.buf, initialTermIDOffset, id)
}

// MTULength returns the MTU recorded for the stream.
func (m Meta) MTULength() int32 {
	return GetInt32(m.buf, mtuLengthOffset)
}

// SetMTULength stores the MTU for the stream.
func (m Meta) SetMTULength(mtu int32) {
	PutInt32(m.buf, mtuLengthOffset, mtu)
}

// TermLength returns the term length recorded in the metadata.
func (m Meta) TermLength() int32 {
	return GetInt32(m.buf, termLengthOffset)
}

// SetTermLength stores the term length in the metadata.
func (m Meta) SetTermLength(termLength int32) {
	PutInt32(m.buf, termLengthOffset, termLength)
}

// SetPageSize stores the page size in the metadata.
func (m Meta) SetPageSize(pageSize int32) {
	PutInt32(m.buf, pageSizeOffset, pageSize)
}

// RotateLog moves the log forward one term: the tail of the next partition is
// seeded with the next term id and the active term count advanced. Both steps
// are CAS-guarded so concurrent rotations settle on one winner.
func (m Meta) RotateLog(currentTermCount, currentTermID int32) bool {
	nextTermID := currentTermID + 1
	nextTermCount := currentTermCount + 1
	nextIndex := IndexByTermCount(nextTermCount)
	expectedTermID := nextTermID - PartitionCount
	newRawTail := int64(nextTermID) << 32

	for {
		rawTail := m.RawTailVolatile(nextIndex)
		if expectedTermID != TermID(rawTail) {
			break
		}
		if m.CasRawTail(nextIndex, rawTail, newRawTail) {
			break
		}
	}

	return m.CasActiveTermCount(currentTermCount, nextTermCount)
}

// InitialiseTailWithTermID seeds a partition's tail for a term id with no
// data. Used only before the log is shared.
func (m Meta) InitialiseTailWithTermID(partitionIndex int, termID int32) {
	m.SetRawTail(partitionIndex, int64(termID)<<32)
}
