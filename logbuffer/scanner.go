package logbuffer

// ScanForAvailability scans a term from offset for contiguous committed bytes
// ready to transmit, bounded by maxLength. It returns the number of bytes to
// transmit and the padding to additionally advance the position by without
// transmitting.
//
// Scanning stops at the first uncommitted frame (zero or negative length). A
// padding frame contributes only its header to the transmitted bytes; the
// remainder of the padding is returned so the caller can step the position
// over the unusable tail of the term.
func ScanForAvailability(term []byte, offset, maxLength int32) (available, padding int32) {
	capacity := int32(len(term))
	if maxLength > capacity-offset {
		maxLength = capacity - offset
	}

	for (available + padding) < maxLength {
		frameOffset := offset + available + padding
		frameLength := FrameLengthVolatile(term, frameOffset)
		if frameLength <= 0 {
			break
		}

		alignedFrameLength := Align(frameLength, FrameAlignment)
		isPadding := IsPaddingFrame(term, frameOffset)
		if isPadding {
			padding = alignedFrameLength - DataHeaderLength
			alignedFrameLength = DataHeaderLength
		}

		available += alignedFrameLength

		if (available + padding) > maxLength {
			available -= alignedFrameLength
			padding = 0
			break
		}
		if isPadding {
			// Frames beyond the padding go out on the next pass so the wire
			// bytes stay contiguous with the scan origin.
			break
		}
	}

	return available, padding
}
