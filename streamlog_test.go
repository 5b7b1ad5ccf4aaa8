package streamlog

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/streamlog/config"
	"github.com/opd-ai/streamlog/protocol"
	"github.com/opd-ai/streamlog/sender"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.TermLength = 64 * 1024
	cfg.MTULength = 1376
	cfg.SetupTimeout = config.Duration{Duration: 20 * time.Millisecond}
	cfg.HeartbeatTimeout = config.Duration{Duration: 20 * time.Millisecond}
	cfg.LingerTimeout = config.Duration{Duration: 50 * time.Millisecond}
	return cfg
}

func feedbackAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 48000}
}

func queueStatusMessage(ep *sender.LoopbackEndpoint, pub *Publication, window int32) {
	position := pub.pub.SenderPosition()
	sm := &protocol.StatusMessage{
		SessionID:             pub.pub.SessionID(),
		StreamID:              pub.pub.StreamID(),
		ConsumptionTermID:     pub.pub.InitialTermID() + int32(position>>16),
		ConsumptionTermOffset: int32(position & (64*1024 - 1)),
		ReceiverWindowLength:  window,
		ReceiverID:            7,
	}
	ep.QueueFeedback(sm.Serialize(nil), feedbackAddr())
}

func TestDriverPublishesDrainAndReclaim(t *testing.T) {
	d, err := NewDriver(testConfig(t), nil)
	require.NoError(t, err)
	d.Start()
	defer d.Close()

	ep := sender.NewLoopbackEndpoint()
	pub, err := d.addPublication(9, ep)
	require.NoError(t, err)

	const messageCount = 200
	payload := make([]byte, 20)
	offered := 0
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if offered == messageCount && pub.pub.SenderPosition() == pub.Position() {
			break
		}
		if offered < messageCount {
			if _, err := pub.Offer(payload); err == nil {
				offered++
			}
		}
		queueStatusMessage(ep, pub, 32*1024)
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, messageCount, offered)
	assert.Equal(t, int64(messageCount*64), pub.Position())
	assert.Equal(t, pub.Position(), pub.pub.SenderPosition())
	assert.True(t, pub.IsConnected())
	assert.Positive(t, ep.SentCount())

	require.NoError(t, d.RemovePublication(pub.RegistrationID()))
	assert.Eventually(t, func() bool {
		return d.PublicationCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDriverRevokeReclaimsImmediately(t *testing.T) {
	d, err := NewDriver(testConfig(t), nil)
	require.NoError(t, err)
	d.Start()
	defer d.Close()

	ep := sender.NewLoopbackEndpoint()
	pub, err := d.addPublication(4, ep)
	require.NoError(t, err)

	require.NoError(t, d.RevokePublication(pub.RegistrationID()))
	assert.Eventually(t, func() bool {
		return d.PublicationCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDriverRejectsUnknownRegistration(t *testing.T) {
	d, err := NewDriver(testConfig(t), nil)
	require.NoError(t, err)
	defer d.Close()

	assert.ErrorIs(t, d.RemovePublication(12345), ErrUnknownPublication)
	assert.ErrorIs(t, d.RevokePublication(12345), ErrUnknownPublication)
}

func TestDriverSendsSetupOverUDP(t *testing.T) {
	receiver, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	d, err := NewDriver(testConfig(t), nil)
	require.NoError(t, err)
	d.Start()
	defer d.Close()

	pub, err := d.AddPublication(5, receiver.LocalAddr().String())
	require.NoError(t, err)

	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := receiver.ReadFrom(buf)
	require.NoError(t, err)

	setup, err := protocol.ParseSetupFrame(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, pub.pub.SessionID(), setup.SessionID)
	assert.Equal(t, int32(5), setup.StreamID)
	assert.Equal(t, int32(64*1024), setup.TermLength)
}

func TestSpyLifecycleThroughFacade(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpiesSimulateConnection = true
	d, err := NewDriver(cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	ep := sender.NewLoopbackEndpoint()
	pub, err := d.addPublication(6, ep)
	require.NoError(t, err)

	spy := pub.AddSpy(900, true)
	assert.True(t, pub.IsConnected())

	// The conductor extends the publisher limit off the spy position.
	d.DoConductorWork()
	_, err = pub.Offer(make([]byte, 20))
	assert.NoError(t, err)

	spy.Set(64)
	pub.RemoveSpy(900)
}
