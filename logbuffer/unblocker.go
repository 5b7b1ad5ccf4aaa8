package logbuffer

// UnblockStatus is the outcome of an unblock attempt on a term.
type UnblockStatus int

const (
	// UnblockNoAction means nothing was blocked at the offset.
	UnblockNoAction UnblockStatus = iota
	// Unblocked means an abandoned claim was committed as padding.
	Unblocked
	// UnblockedToEnd means the term was padded through to its end.
	UnblockedToEnd
)

// UnblockTerm attempts to unblock a term at blockedOffset when a producer has
// claimed space but died or stalled before committing it.
//
// A claim in progress holds the negated frame length; an abandoned claim that
// never wrote its header holds zero. In either case the gap up to the next
// committed frame, or to the tail, is committed as a padding frame so
// consumers can progress.
func UnblockTerm(term []byte, blockedOffset, tailOffset int32) UnblockStatus {
	frameLength := FrameLengthVolatile(term, blockedOffset)

	if frameLength < 0 {
		WritePaddingFrame(term, blockedOffset, -frameLength)
		return Unblocked
	}

	if frameLength == 0 {
		capacity := int32(len(term))
		currentOffset := blockedOffset + FrameAlignment

		for currentOffset < tailOffset {
			if FrameLengthVolatile(term, currentOffset) != 0 {
				WritePaddingFrame(term, blockedOffset, currentOffset-blockedOffset)
				return Unblocked
			}
			currentOffset += FrameAlignment
		}

		if currentOffset == capacity && FrameLengthVolatile(term, blockedOffset) == 0 {
			WritePaddingFrame(term, blockedOffset, capacity-blockedOffset)
			return UnblockedToEnd
		}
	}

	return UnblockNoAction
}

// Unblock attempts to unblock a log at the given stream position, rotating
// the log when the blocked term was padded through to its end. Returns true
// when progress was made.
func Unblock(terms [][]byte, meta Meta, blockedPosition int64, termLength int32) bool {
	positionBitsToShift := PositionBitsToShift(termLength)
	blockedTermCount := int32(blockedPosition >> positionBitsToShift)
	blockedOffset := ComputeTermOffsetFromPosition(blockedPosition, positionBitsToShift)
	initialTermID := meta.InitialTermID()
	expectedTermID := initialTermID + blockedTermCount

	index := IndexByTermCount(blockedTermCount)
	term := terms[index]
	rawTail := meta.RawTailVolatile(index)
	tailOffset := TermOffset(rawTail, termLength)

	// The producer may have rotated past the blocked term already; in that
	// case only the active term count lags and needs to catch up.
	if TermID(rawTail) != expectedTermID {
		return meta.CasActiveTermCount(blockedTermCount-1, blockedTermCount)
	}

	switch UnblockTerm(term, blockedOffset, tailOffset) {
	case UnblockedToEnd:
		meta.RotateLog(blockedTermCount, expectedTermID)
		return true
	case Unblocked:
		return true
	}

	return false
}
