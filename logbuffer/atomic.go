package logbuffer

import (
	"sync/atomic"
	"unsafe"
)

// Atomic accessors over a mapped byte region. Offsets must be aligned to the
// size of the value; the mapping itself is page aligned, and every field in
// the log layout keeps natural alignment, so the casts below are safe.

// GetInt32Volatile reads an int32 at offset with acquire semantics.
func GetInt32Volatile(buf []byte, offset int32) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&buf[offset])))
}

// PutInt32Ordered writes an int32 at offset with release semantics.
func PutInt32Ordered(buf []byte, offset int32, value int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&buf[offset])), value)
}

// GetInt64Volatile reads an int64 at offset with acquire semantics.
func GetInt64Volatile(buf []byte, offset int32) int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&buf[offset])))
}

// PutInt64Ordered writes an int64 at offset with release semantics.
func PutInt64Ordered(buf []byte, offset int32, value int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&buf[offset])), value)
}

// CasInt64 compare-and-swaps the int64 at offset.
func CasInt64(buf []byte, offset int32, expected, updated int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(unsafe.Pointer(&buf[offset])), expected, updated)
}

// CasInt32 compare-and-swaps the int32 at offset.
func CasInt32(buf []byte, offset int32, expected, updated int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(unsafe.Pointer(&buf[offset])), expected, updated)
}

// AddInt64 atomically adds delta to the int64 at offset and returns the new value.
func AddInt64(buf []byte, offset int32, delta int64) int64 {
	return atomic.AddInt64((*int64)(unsafe.Pointer(&buf[offset])), delta)
}

// GetInt32 reads an int32 at offset with plain semantics.
func GetInt32(buf []byte, offset int32) int32 {
	return *(*int32)(unsafe.Pointer(&buf[offset]))
}

// PutInt32 writes an int32 at offset with plain semantics.
func PutInt32(buf []byte, offset int32, value int32) {
	*(*int32)(unsafe.Pointer(&buf[offset])) = value
}

// GetInt64 reads an int64 at offset with plain semantics.
func GetInt64(buf []byte, offset int32) int64 {
	return *(*int64)(unsafe.Pointer(&buf[offset]))
}

// PutInt64 writes an int64 at offset with plain semantics.
func PutInt64(buf []byte, offset int32, value int64) {
	*(*int64)(unsafe.Pointer(&buf[offset])) = value
}
