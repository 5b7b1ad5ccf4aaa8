package logbuffer

// CleanTermSection zeroes length bytes of a dirty term starting at termOffset
// so the space can be reused without a lagging reader seeing a torn frame.
// The leading eight bytes are written last with release ordering: a reader
// polling the frame length at the start of the section observes zero only
// after the rest of the section is already zeroed.
func CleanTermSection(term []byte, termOffset, length int32) {
	if length <= 8 {
		if length > 0 {
			PutInt64Ordered(term, termOffset, 0)
		}
		return
	}

	section := term[termOffset+8 : termOffset+length]
	for i := range section {
		section[i] = 0
	}
	PutInt64Ordered(term, termOffset, 0)
}
