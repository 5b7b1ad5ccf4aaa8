// Package logbuffer implements the shared, memory-mapped log that carries a
// stream between a local producer and the sender.
//
// A log is a single file holding a fixed set of equal-length term buffers
// followed by one metadata page. The producer appends frames to the active
// term by moving a raw tail counter; the sender and local spies read frames
// back out. All cross-thread fields are accessed with acquire/release
// semantics so that readers never observe a torn value.
package logbuffer
