package logbuffer

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// RawLog is a memory-mapped log: PartitionCount term buffers followed by the
// metadata page, all views over a single mapping.
type RawLog struct {
	Terms      [PartitionCount][]byte
	Meta       Meta
	TermLength int32

	path    string
	mapping []byte
}

// MapRawLog creates (or truncates) the file at path and maps it as a log with
// the given term length. With sparse set the file is left unallocated and
// pages fault in on first touch; otherwise the mapping is pre-zeroed so no
// page faults hit the send path.
//
// A mapping failure is fatal for the publication being created: no partial
// state is retained.
func MapRawLog(path string, termLength int32, sparse bool) (*RawLog, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}

	logLength := ComputeLogLength(termLength)
	mapping, err := mapFile(path, logLength, sparse)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("mapping raw log %s: %w", path, err)
	}

	l := &RawLog{
		TermLength: termLength,
		path:       path,
		mapping:    mapping,
	}
	for i := 0; i < PartitionCount; i++ {
		begin := int64(i) * int64(termLength)
		l.Terms[i] = mapping[begin : begin+int64(termLength)]
	}
	l.Meta = NewMeta(mapping[logLength-LogMetaDataLength:])
	l.Meta.SetTermLength(termLength)
	l.Meta.SetPageSize(PageSize)

	logrus.WithFields(logrus.Fields{
		"path":       path,
		"termLength": termLength,
		"logLength":  logLength,
		"sparse":     sparse,
	}).Debug("mapped raw log")

	return l, nil
}

// Length returns the total mapped length of the log.
func (l *RawLog) Length() int64 {
	return int64(len(l.mapping))
}

// Path returns the file backing the log.
func (l *RawLog) Path() string {
	return l.path
}

// Close unmaps the log. The mapping must no longer be referenced by any
// producer, sender or spy.
func (l *RawLog) Close() error {
	if l.mapping == nil {
		return nil
	}
	err := unmapFile(l.mapping)
	l.mapping = nil
	for i := range l.Terms {
		l.Terms[i] = nil
	}
	l.Meta = Meta{}
	if err != nil {
		return fmt.Errorf("unmapping raw log %s: %w", l.path, err)
	}
	logrus.WithField("path", l.path).Debug("unmapped raw log")
	return nil
}

// Delete removes the backing file. The log must already be closed.
func (l *RawLog) Delete() error {
	if l.mapping != nil {
		return fmt.Errorf("raw log %s still mapped", l.path)
	}
	return os.Remove(l.path)
}
