//go:build unix

package logbuffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapTestLog(t *testing.T, termLength int32) *RawLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.logbuffer")
	log, err := MapRawLog(path, termLength, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		log.Close()
	})
	return log
}

func TestMapRawLog(t *testing.T) {
	const termLength = 64 * 1024
	log := mapTestLog(t, termLength)

	assert.Equal(t, ComputeLogLength(termLength), log.Length())
	for i := 0; i < PartitionCount; i++ {
		assert.Len(t, log.Terms[i], termLength)
	}
	assert.Equal(t, int32(termLength), log.Meta.TermLength())
}

func TestMapRawLogRejectsBadTermLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.logbuffer")
	_, err := MapRawLog(path, 1000, true)
	require.ErrorIs(t, err, ErrInvalidTermLength)

	// No partial state is retained on failure.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRawLogCloseAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.logbuffer")
	log, err := MapRawLog(path, 64*1024, true)
	require.NoError(t, err)

	require.Error(t, log.Delete(), "delete must fail while mapped")
	require.NoError(t, log.Close())
	require.NoError(t, log.Delete())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAppenderRoundTrip(t *testing.T) {
	const termLength = 64 * 1024
	log := mapTestLog(t, termLength)
	log.Meta.SetInitialTermID(1)
	log.Meta.InitialiseTailWithTermID(0, 1)
	log.Meta.InitialiseTailWithTermID(1, 1-PartitionCount+1)
	log.Meta.InitialiseTailWithTermID(2, 1-PartitionCount+2)

	appender := NewAppender(log, 100, 200, 1, 1408)

	payload := []byte("hello, log")
	position, err := appender.Append(payload, int64(termLength))
	require.NoError(t, err)
	assert.Equal(t, int64(Align(DataHeaderLength+int32(len(payload)), FrameAlignment)), position)

	term := log.Terms[0]
	assert.Equal(t, int32(DataHeaderLength+len(payload)), FrameLengthVolatile(term, 0))
	assert.Equal(t, FrameTypeData, FrameType(term, 0))
	assert.Equal(t, payload, term[DataHeaderLength:DataHeaderLength+len(payload)])
}

func TestAppenderBackPressure(t *testing.T) {
	log := mapTestLog(t, 64*1024)
	log.Meta.SetInitialTermID(1)
	log.Meta.InitialiseTailWithTermID(0, 1)

	appender := NewAppender(log, 100, 200, 1, 1408)

	_, err := appender.Append([]byte("blocked"), 0)
	require.ErrorIs(t, err, ErrBackPressured)
}

func TestAppenderRotatesAtTermEnd(t *testing.T) {
	const termLength = 64 * 1024
	log := mapTestLog(t, termLength)
	log.Meta.SetInitialTermID(1)
	log.Meta.InitialiseTailWithTermID(0, 1)
	log.Meta.InitialiseTailWithTermID(1, 1-PartitionCount+1)
	log.Meta.InitialiseTailWithTermID(2, 1-PartitionCount+2)

	appender := NewAppender(log, 100, 200, 1, 1408)
	payload := make([]byte, 1000)

	var position int64
	var rotations int
	for i := 0; i < 80; i++ {
		p, err := appender.Append(payload, int64(2*termLength))
		if err != nil {
			require.ErrorIs(t, err, ErrAdminAction)
			rotations++
			continue
		}
		position = p
	}

	assert.Equal(t, 1, rotations)
	assert.Equal(t, int32(1), log.Meta.ActiveTermCountVolatile())
	assert.Greater(t, position, int64(termLength))
}
