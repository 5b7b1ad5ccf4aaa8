// Package sender drives transmission: a cooperative poll loop over the
// registered publications, each with a datagram endpoint carrying data out
// and receiver feedback back in. No call in this package blocks.
package sender

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/protocol"
	"github.com/opd-ai/streamlog/publication"
)

// FeedbackHandler consumes the receiver-to-sender frames an endpoint polls
// in. NetworkPublication implements it.
type FeedbackHandler interface {
	OnStatusMessage(sm *protocol.StatusMessage, addr net.Addr, nowNs int64)
	OnNak(nak *protocol.NakFrame, nowNs int64)
	OnRttMeasurement(rttm *protocol.RttMeasurement, addr net.Addr, nowNs int64)
}

// Endpoint is a publication's datagram channel plus the feedback poll on the
// same socket.
type Endpoint interface {
	publication.SendChannel

	// PollFeedback drains pending feedback frames to the handler without
	// blocking. Returns the number of frames dispatched.
	PollFeedback(h FeedbackHandler, nowNs int64) int

	Close() error
}

// maxFeedbackPerPoll bounds feedback dispatch per duty cycle so a status
// message flood cannot starve data sends.
const maxFeedbackPerPoll = 16

// dispatchFrame routes one feedback frame by type. Unknown and malformed
// frames are dropped with a debug log; the wire is not a trusted input.
func dispatchFrame(buf []byte, addr net.Addr, h FeedbackHandler, nowNs int64) {
	frameType, err := protocol.PeekType(buf)
	if err != nil {
		logrus.WithError(err).Debug("dropping truncated feedback frame")
		return
	}

	switch frameType {
	case protocol.TypeSM:
		sm, err := protocol.ParseStatusMessage(buf)
		if err != nil {
			logrus.WithError(err).Debug("dropping malformed status message")
			return
		}
		h.OnStatusMessage(sm, addr, nowNs)
	case protocol.TypeNak:
		nak, err := protocol.ParseNakFrame(buf)
		if err != nil {
			logrus.WithError(err).Debug("dropping malformed NAK")
			return
		}
		h.OnNak(nak, nowNs)
	case protocol.TypeRttm:
		rttm, err := protocol.ParseRttMeasurement(buf)
		if err != nil {
			logrus.WithError(err).Debug("dropping malformed RTT measurement")
			return
		}
		h.OnRttMeasurement(rttm, addr, nowNs)
	default:
		logrus.WithField("type", frameType).Debug("ignoring unexpected frame type")
	}
}

// UDPEndpoint sends datagrams to a fixed destination over one socket and
// polls the same socket for feedback.
type UDPEndpoint struct {
	conn net.PacketConn
	dest net.Addr
	buf  []byte
}

// NewUDPEndpoint binds localAddr (empty for ephemeral) and resolves
// remoteAddr as the fixed destination.
func NewUDPEndpoint(localAddr, remoteAddr string) (*UDPEndpoint, error) {
	if localAddr == "" {
		localAddr = ":0"
	}
	dest, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", remoteAddr, err)
	}
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", localAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"local":  conn.LocalAddr().String(),
		"remote": dest.String(),
	}).Debug("opened UDP endpoint")

	return &UDPEndpoint{
		conn: conn,
		dest: dest,
		buf:  make([]byte, publication.MaxMTULength),
	}, nil
}

// LocalAddr returns the bound socket address.
func (e *UDPEndpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *UDPEndpoint) Send(buf []byte) (int, error) {
	return e.conn.WriteTo(buf, e.dest)
}

func (e *UDPEndpoint) SendTo(buf []byte, addr net.Addr) (int, error) {
	return e.conn.WriteTo(buf, addr)
}

// PollFeedback reads pending datagrams without blocking, dispatching each to
// the handler.
func (e *UDPEndpoint) PollFeedback(h FeedbackHandler, nowNs int64) int {
	workCount := 0
	for workCount < maxFeedbackPerPoll {
		// An already-expired deadline makes the read a non-blocking drain.
		if err := e.conn.SetReadDeadline(time.Unix(0, 1)); err != nil {
			return workCount
		}
		n, addr, err := e.conn.ReadFrom(e.buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				logrus.WithError(err).Debug("feedback read failed")
			}
			return workCount
		}
		dispatchFrame(e.buf[:n], addr, h, nowNs)
		workCount++
	}
	return workCount
}

func (e *UDPEndpoint) Close() error {
	return e.conn.Close()
}

type feedbackEntry struct {
	buf  []byte
	addr net.Addr
}

// LoopbackEndpoint is an in-memory Endpoint for tests: transmissions are
// recorded, and the test queues feedback frames as the receiver.
type LoopbackEndpoint struct {
	mu       sync.Mutex
	sent     []feedbackEntry
	feedback []feedbackEntry

	// ShortSend makes the next Send accept only half the bytes.
	ShortSend bool
}

// NewLoopbackEndpoint creates an empty loopback endpoint.
func NewLoopbackEndpoint() *LoopbackEndpoint {
	return &LoopbackEndpoint{}
}

func (e *LoopbackEndpoint) Send(buf []byte) (int, error) {
	return e.SendTo(buf, nil)
}

func (e *LoopbackEndpoint) SendTo(buf []byte, addr net.Addr) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ShortSend {
		e.ShortSend = false
		return len(buf) / 2, nil
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	e.sent = append(e.sent, feedbackEntry{buf: cp, addr: addr})
	return len(buf), nil
}

// QueueFeedback enqueues a serialized feedback frame as if it arrived from
// addr.
func (e *LoopbackEndpoint) QueueFeedback(buf []byte, addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	e.feedback = append(e.feedback, feedbackEntry{buf: cp, addr: addr})
}

func (e *LoopbackEndpoint) PollFeedback(h FeedbackHandler, nowNs int64) int {
	e.mu.Lock()
	pending := e.feedback
	e.feedback = nil
	e.mu.Unlock()

	for _, f := range pending {
		dispatchFrame(f.buf, f.addr, h, nowNs)
	}
	return len(pending)
}

// TakeSent returns and clears the recorded transmissions.
func (e *LoopbackEndpoint) TakeSent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.sent))
	for i, f := range e.sent {
		out[i] = f.buf
	}
	e.sent = nil
	return out
}

// SentCount returns the number of recorded transmissions.
func (e *LoopbackEndpoint) SentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func (e *LoopbackEndpoint) Close() error {
	return nil
}
