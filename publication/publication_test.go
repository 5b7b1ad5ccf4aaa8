package publication

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/streamlog/counters"
	"github.com/opd-ai/streamlog/flowcontrol"
	"github.com/opd-ai/streamlog/logbuffer"
	"github.com/opd-ai/streamlog/protocol"
)

const (
	testTermLength    = int32(64 * 1024)
	testMTU           = int32(1376)
	testWindow        = testTermLength / 2
	testInitialTermID = int32(100)
	testBits          = uint8(16)
)

var testTimeouts = Timeouts{
	SetupNs:                 int64(100 * time.Millisecond),
	HeartbeatNs:             int64(100 * time.Millisecond),
	ConnectionNs:            int64(5 * time.Second),
	LingerNs:                int64(500 * time.Millisecond),
	UnblockNs:               int64(time.Second),
	UntetheredWindowLimitNs: int64(time.Second),
	UntetheredLingerNs:      int64(time.Second),
	UntetheredRestingNs:     int64(time.Second),
	RetransmitDelayNs:       0,
	RetransmitLingerNs:      int64(10 * time.Millisecond),
	ReceiverLivenessNs:      int64(10 * time.Second),
}

type sentFrame struct {
	buf  []byte
	addr net.Addr
}

// frameRecorder is an in-memory SendChannel capturing every transmission.
type frameRecorder struct {
	frames []sentFrame
	short  bool
}

func (r *frameRecorder) Send(buf []byte) (int, error) {
	return r.SendTo(buf, nil)
}

func (r *frameRecorder) SendTo(buf []byte, addr net.Addr) (int, error) {
	if r.short {
		return len(buf) / 2, nil
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	r.frames = append(r.frames, sentFrame{buf: cp, addr: addr})
	return len(buf), nil
}

func (r *frameRecorder) countType(frameType uint16) int {
	n := 0
	for _, f := range r.frames {
		if t, err := protocol.PeekType(f.buf); err == nil && t == frameType {
			n++
		}
	}
	return n
}

func testParams(t *testing.T) Params {
	t.Helper()
	return Params{
		SessionID:          7,
		StreamID:           1001,
		InitialTermID:      testInitialTermID,
		RegistrationID:     42,
		TermID:             testInitialTermID,
		TermLength:         testTermLength,
		MTULength:          testMTU,
		MaxMessagesPerSend: 2,
		LogFileName:        filepath.Join(t.TempDir(), "publication.logbuffer"),
		SignalEndOfStream:  true,
		FlowControl:        flowcontrol.Options{Policy: flowcontrol.PolicyUnicast},
		Timeouts:           testTimeouts,
	}
}

func newTestPublication(t *testing.T, mutate func(*Params)) (*NetworkPublication, *frameRecorder, *counters.SystemCounters) {
	t.Helper()
	params := testParams(t)
	if mutate != nil {
		mutate(&params)
	}
	rec := &frameRecorder{}
	sc := counters.NewSystemCounters(nil)
	pub, err := NewNetworkPublication(params, rec, sc, 0)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Free() })
	return pub, rec, sc
}

func receiverAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40123}
}

func statusMessageAt(position int64, window int32) *protocol.StatusMessage {
	return &protocol.StatusMessage{
		SessionID:             7,
		StreamID:              1001,
		ConsumptionTermID:     testInitialTermID + int32(position>>testBits),
		ConsumptionTermOffset: int32(position & int64(testTermLength-1)),
		ReceiverWindowLength:  window,
		ReceiverID:            1,
	}
}

func nakAt(termID, termOffset, length int32) *protocol.NakFrame {
	return &protocol.NakFrame{
		SessionID:  7,
		StreamID:   1001,
		TermID:     termID,
		TermOffset: termOffset,
		Length:     length,
	}
}

func connect(t *testing.T, pub *NetworkPublication, nowNs int64) {
	t.Helper()
	pub.OnStatusMessage(statusMessageAt(pub.SenderPosition(), testWindow), receiverAddr(), nowNs)
	require.True(t, pub.IsConnected())
	pub.UpdatePublisherPositionAndLimit()
}

func TestNewRejectsInvalidParams(t *testing.T) {
	params := testParams(t)
	params.MTULength = 1375 // not frame aligned
	_, err := NewNetworkPublication(params, &frameRecorder{}, counters.NewSystemCounters(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidMTU)

	params = testParams(t)
	params.TermLength = 3 << 14 // not a power of two
	_, err = NewNetworkPublication(params, &frameRecorder{}, counters.NewSystemCounters(nil), 0)
	assert.ErrorIs(t, err, logbuffer.ErrInvalidTermLength)

	params = testParams(t)
	params.TermOffset = 100 // not frame aligned
	_, err = NewNetworkPublication(params, &frameRecorder{}, counters.NewSystemCounters(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidTermOffset)
}

func TestSetupFrameRepeatsOnTimeoutUntilConfirmed(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)

	pub.Send(0)
	assert.Equal(t, 1, rec.countType(protocol.TypeSetup))

	// Within the setup interval no further setup goes out.
	pub.Send(testTimeouts.SetupNs / 2)
	assert.Equal(t, 1, rec.countType(protocol.TypeSetup))

	pub.Send(testTimeouts.SetupNs + 1)
	assert.Equal(t, 2, rec.countType(protocol.TypeSetup))

	// A confirmed receiver stops the setup repetition after one more pass.
	pub.OnStatusMessage(statusMessageAt(0, testWindow), receiverAddr(), testTimeouts.SetupNs+2)
	pub.Send(2*testTimeouts.SetupNs + 2)
	setups := rec.countType(protocol.TypeSetup)
	pub.Send(4*testTimeouts.SetupNs + 2)
	assert.Equal(t, setups, rec.countType(protocol.TypeSetup))
	assert.Equal(t, float64(setups), testutil.ToFloat64(sc.SetupsSent))
}

func TestStatusMessageElicitsSetupFrame(t *testing.T) {
	pub, rec, _ := newTestPublication(t, nil)

	pub.Send(0)
	pub.OnStatusMessage(statusMessageAt(0, testWindow), receiverAddr(), 1)
	pub.Send(testTimeouts.SetupNs + 1)
	confirmed := rec.countType(protocol.TypeSetup)

	sm := statusMessageAt(0, testWindow)
	sm.Flags = protocol.SendSetupFlag
	pub.OnStatusMessage(sm, receiverAddr(), 2*testTimeouts.SetupNs+2)
	pub.Send(3*testTimeouts.SetupNs + 3)
	assert.Equal(t, confirmed+1, rec.countType(protocol.TypeSetup))
}

// Drives 2000 messages end to end with a receiver consuming everything it is
// sent, exercising back pressure, term rotation and buffer cleaning.
func TestMessagesDrainThroughFlowControlWindow(t *testing.T) {
	pub, _, _ := newTestPublication(t, nil)

	const messageCount = 2000
	payload := make([]byte, 20)
	alignedFrame := int64(64)
	totalBytes := alignedFrame * messageCount

	nowNs := int64(0)
	offered := 0
	for i := 0; i < 100000; i++ {
		if offered == messageCount && pub.SenderPosition() == pub.Position() {
			break
		}
		if offered < messageCount {
			if _, err := pub.Offer(payload); err == nil {
				offered++
			}
		}
		pub.Send(nowNs)
		pub.OnStatusMessage(statusMessageAt(pub.SenderPosition(), testWindow), receiverAddr(), nowNs)
		pub.UpdatePublisherPositionAndLimit()
		nowNs += int64(time.Millisecond)
	}

	assert.Equal(t, messageCount, offered)
	assert.Equal(t, totalBytes, pub.Position())
	assert.Equal(t, totalBytes, pub.SenderPosition())

	// Cleaning trails the consumer by exactly one term once steady.
	assert.Equal(t, totalBytes-int64(testTermLength), pub.CleanPosition())
	assert.LessOrEqual(t, pub.CleanPosition(), pub.SenderPosition())
	assert.LessOrEqual(t, pub.SenderPosition(), pub.SenderLimit())
}

func TestNakTriggersSingleRetransmission(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	payload := make([]byte, 20)
	for i := 0; i < 5; i++ {
		_, err := pub.Offer(payload)
		require.NoError(t, err)
	}
	pub.Send(0)
	require.Equal(t, int64(320), pub.SenderPosition())
	framesAfterSend := len(rec.frames)

	pub.OnNak(nakAt(testInitialTermID, 0, 64), 1)
	assert.Equal(t, framesAfterSend+1, len(rec.frames))
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.RetransmitsSent))
	assert.Equal(t, float64(64), testutil.ToFloat64(sc.RetransmittedBytes))

	// The identical NAK inside the debounce window is suppressed.
	pub.OnNak(nakAt(testInitialTermID, 0, 64), 2)
	assert.Equal(t, framesAfterSend+1, len(rec.frames))
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.RetransmitsSent))
}

func TestInvalidNakIsCountedAndDropped(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	framesBefore := len(rec.frames)

	// Beyond the sender position: nothing has been sent yet.
	pub.OnNak(nakAt(testInitialTermID, 0, 64), 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.InvalidNaks))

	pub.OnNak(nakAt(testInitialTermID, -32, 64), 0)
	pub.OnNak(nakAt(testInitialTermID, 0, 0), 0)
	assert.Equal(t, float64(3), testutil.ToFloat64(sc.InvalidNaks))
	assert.Equal(t, framesBefore, len(rec.frames))
	assert.Equal(t, float64(3), testutil.ToFloat64(sc.NaksReceived))
}

func TestHeartbeatOncePerTimeoutInterval(t *testing.T) {
	pub, _, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	pub.Send(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.HeartbeatsSent))

	pub.Send(testTimeouts.HeartbeatNs + 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.HeartbeatsSent))

	// Same instant again: the deadline has been re-armed.
	pub.Send(testTimeouts.HeartbeatNs + 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.HeartbeatsSent))

	pub.Send(2*testTimeouts.HeartbeatNs + 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(sc.HeartbeatsSent))
}

func TestPublisherLimitDecaysToSenderPositionWhenDisconnected(t *testing.T) {
	pub, _, _ := newTestPublication(t, nil)
	connect(t, pub, 0)
	assert.Equal(t, int64(testWindow), pub.PublisherLimit())

	pub.OnTimeEvent(testTimeouts.ConnectionNs + 1)
	assert.False(t, pub.IsConnected())

	pub.UpdatePublisherPositionAndLimit()
	assert.Equal(t, pub.SenderPosition(), pub.PublisherLimit())
}

func TestShortSendDoesNotAdvanceSenderPosition(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	_, err := pub.Offer(make([]byte, 20))
	require.NoError(t, err)

	rec.short = true
	pub.Send(0)
	assert.Equal(t, int64(0), pub.SenderPosition())
	assert.Positive(t, testutil.ToFloat64(sc.ShortSends))

	rec.short = false
	pub.Send(1)
	assert.Equal(t, int64(64), pub.SenderPosition())
}

func TestLifecycleDrainsThroughLingerToDone(t *testing.T) {
	pub, _, _ := newTestPublication(t, nil)
	connect(t, pub, 0)

	for i := 0; i < 10; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}

	pub.BeginDrain(0)
	assert.Equal(t, StateDraining, pub.State())

	// Unsent data holds the publication in DRAINING while receivers remain.
	pub.OnTimeEvent(1)
	assert.Equal(t, StateDraining, pub.State())

	pub.Send(2)
	assert.Equal(t, pub.Position(), pub.SenderPosition())

	pub.OnTimeEvent(3)
	assert.Equal(t, StateLinger, pub.State())
	assert.True(t, pub.IsEndOfStream())

	// The linger window holds DONE off until it expires.
	pub.OnTimeEvent(testTimeouts.LingerNs / 2)
	assert.Equal(t, StateLinger, pub.State())

	pub.OnTimeEvent(3 + testTimeouts.LingerNs + 1)
	assert.Equal(t, StateDone, pub.State())
	assert.True(t, pub.HasReachedEndOfLife())

	_, err := pub.Offer(make([]byte, 20))
	assert.ErrorIs(t, err, ErrPublicationClosed)
}

func TestDrainedPublicationLingersImmediately(t *testing.T) {
	pub, _, _ := newTestPublication(t, nil)

	pub.BeginDrain(0)
	assert.Equal(t, StateLinger, pub.State())
	assert.True(t, pub.IsEndOfStream())
}

func TestRevokeJumpsToDoneAndSuppressesRetransmission(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	for i := 0; i < 5; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}
	pub.Send(0)
	require.Equal(t, int64(320), pub.SenderPosition())

	pub.Revoke(1)
	assert.Equal(t, StateDone, pub.State())
	assert.True(t, pub.HasReachedEndOfLife())
	assert.True(t, pub.IsEndOfStream())
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.PublicationsRevoked))

	framesAfterRevoke := len(rec.frames)

	// NAKs for already sent data are ignored after revoke.
	pub.OnNak(nakAt(testInitialTermID, 0, 64), 2)
	assert.Equal(t, framesAfterRevoke, len(rec.frames))
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.RetransmitsSent))

	assert.Equal(t, 0, pub.Send(3))
	assert.Equal(t, framesAfterRevoke, len(rec.frames))

	_, err := pub.Offer(make([]byte, 20))
	assert.ErrorIs(t, err, ErrPublicationClosed)
}

func TestSpySimulatedConnection(t *testing.T) {
	pub, _, _ := newTestPublication(t, func(p *Params) {
		p.SpiesSimulateConnection = true
	})

	assert.False(t, pub.IsConnected())
	spy := NewTetherablePosition(1, true, 0)
	pub.AddSpyPosition(spy)
	assert.True(t, pub.IsConnected())

	// The publisher limit follows the spy as the only consumer.
	pub.UpdatePublisherPositionAndLimit()
	assert.Equal(t, int64(testWindow), pub.PublisherLimit())

	_, err := pub.Offer(make([]byte, 20))
	assert.NoError(t, err)

	// Removing the only working spy clears the simulated connection input.
	pub.RemoveSpyPosition(1)
	pub.OnTimeEvent(testTimeouts.ConnectionNs + 1)
	pub.UpdatePublisherPositionAndLimit()
	assert.Equal(t, pub.SenderPosition(), pub.PublisherLimit())
}

func TestBlockedPublisherForceUnblocked(t *testing.T) {
	pub, _, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	// An abandoned claim: space taken on the raw tail with no committed
	// frame, then a committed frame after it.
	pub.meta.GetAndAddRawTail(0, 64)
	_, err := pub.Offer(make([]byte, 20))
	require.NoError(t, err)
	require.Equal(t, int64(128), pub.Position())

	pub.Send(0)
	assert.Equal(t, int64(0), pub.SenderPosition())

	pub.OnTimeEvent(testTimeouts.UnblockNs + 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.UnblockedPublications))

	// The gap is now a padding frame; the sender steps over it in one
	// datagram and sends the committed frame behind it in the next.
	pub.Send(testTimeouts.UnblockNs + 2)
	assert.Equal(t, int64(128), pub.SenderPosition())
}

func TestSendSplitsDataIntoMTUSizedDatagrams(t *testing.T) {
	pub, rec, _ := newTestPublication(t, nil)
	connect(t, pub, 0)

	// 40 aligned frames of 64 bytes: more committed data than one MTU holds.
	for i := 0; i < 40; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}
	require.Equal(t, int64(2560), pub.Position())

	sent := pub.Send(0)
	assert.Equal(t, 2560, sent)
	assert.Equal(t, int64(2560), pub.SenderPosition())

	dataDatagrams := 0
	for _, f := range rec.frames {
		if tp, err := protocol.PeekType(f.buf); err == nil && tp == protocol.TypeData {
			dataDatagrams++
			assert.LessOrEqual(t, len(f.buf), int(testMTU))
		}
	}
	assert.Equal(t, 2, dataDatagrams)
}

func TestSendBoundedByMaxMessagesPerSend(t *testing.T) {
	pub, _, _ := newTestPublication(t, func(p *Params) {
		p.MaxMessagesPerSend = 1
	})
	connect(t, pub, 0)

	for i := 0; i < 40; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}

	// 21 aligned frames fit in one 1376-byte datagram.
	pub.Send(0)
	assert.Equal(t, int64(1344), pub.SenderPosition())
	pub.Send(1)
	assert.Equal(t, int64(2560), pub.SenderPosition())
}

func TestFeedbackForAnotherStreamIsDropped(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)

	sm := statusMessageAt(0, testWindow)
	sm.SessionID = 99
	pub.OnStatusMessage(sm, receiverAddr(), 0)
	assert.False(t, pub.IsConnected())
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.StatusMessagesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(sc.ProtocolViolations))

	connect(t, pub, 0)
	for i := 0; i < 5; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}
	pub.Send(0)
	framesAfterSend := len(rec.frames)

	nak := nakAt(testInitialTermID, 0, 64)
	nak.StreamID = 2002
	pub.OnNak(nak, 1)
	assert.Equal(t, framesAfterSend, len(rec.frames))
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.NaksReceived))
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.RetransmitsSent))

	probe := &protocol.RttMeasurement{SessionID: 8, StreamID: 1001, EchoTimestampNs: 1}
	probe.Flags = protocol.ReplyFlag
	pub.OnRttMeasurement(probe, receiverAddr(), 2)
	assert.Equal(t, framesAfterSend, len(rec.frames))
	assert.Equal(t, float64(3), testutil.ToFloat64(sc.ProtocolViolations))
}

func TestResendOfCleanedRangeSendsNothing(t *testing.T) {
	pub, rec, sc := newTestPublication(t, nil)
	connect(t, pub, 0)

	for i := 0; i < 5; i++ {
		_, err := pub.Offer(make([]byte, 20))
		require.NoError(t, err)
	}
	pub.Send(0)
	require.Equal(t, int64(320), pub.SenderPosition())
	framesAfterSend := len(rec.frames)

	// Zero the range as the cleaner would between NAK acceptance and the
	// delayed resend; the scan finds no committed frame there.
	logbuffer.CleanTermSection(pub.log.Terms[0], 0, 64)
	require.NoError(t, pub.resend(testInitialTermID, 0, 64))
	assert.Equal(t, framesAfterSend, len(rec.frames))
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.RetransmitsSent))
	assert.Equal(t, float64(0), testutil.ToFloat64(sc.RetransmittedBytes))
}

func TestRttMeasurementEchoedOnlyWhenReplyRequested(t *testing.T) {
	pub, rec, _ := newTestPublication(t, nil)

	probe := &protocol.RttMeasurement{
		SessionID:       7,
		StreamID:        1001,
		EchoTimestampNs: 12345,
		ReceiverID:      9,
	}
	pub.OnRttMeasurement(probe, receiverAddr(), 20000)
	assert.Empty(t, rec.frames)

	probe.Flags = protocol.ReplyFlag
	pub.OnRttMeasurement(probe, receiverAddr(), 20000)
	require.Len(t, rec.frames, 1)

	reply, err := protocol.ParseRttMeasurement(rec.frames[0].buf)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), reply.EchoTimestampNs)
	assert.Equal(t, int64(20000-12345), reply.ReceptionDelta)
	assert.Equal(t, int64(9), reply.ReceiverID)
	assert.Equal(t, receiverAddr().String(), rec.frames[0].addr.String())
}
