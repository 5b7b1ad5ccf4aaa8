// Package streamlog is a sender-side transport engine for UDP log
// streaming: producers append to a memory-mapped, term-rotating log and the
// driver transmits committed frames to receivers under feedback-driven flow
// control, with NAK retransmission and lifecycle management.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.LogDir = "/dev/shm/streamlog"
//
//	driver, err := streamlog.NewDriver(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	driver.Start()
//	defer driver.Close()
//
//	pub, err := driver.AddPublication(1001, "10.0.0.2:40123")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    if _, err := pub.Offer(payload); err == nil {
//	        break
//	    }
//	}
package streamlog

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/config"
	"github.com/opd-ai/streamlog/counters"
	"github.com/opd-ai/streamlog/publication"
	"github.com/opd-ai/streamlog/sender"
)

const (
	senderIdleSleep   = 100 * time.Microsecond
	conductorInterval = 10 * time.Millisecond
)

// ErrUnknownPublication indicates a registration id the driver does not
// hold.
var ErrUnknownPublication = errors.New("unknown publication")

// Driver owns the live publication set and the two engine duty cycles: the
// sender loop transmitting data and the conductor loop driving lifecycle,
// cleaning and back pressure.
type Driver struct {
	cfg     config.Config
	clock   *sender.CachedClock
	metrics *counters.SystemCounters
	snd     *sender.Sender

	mu     sync.Mutex
	pubs   map[int64]*publication.NetworkPublication
	nextID int64

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Publication is the producer-facing handle for one registered stream.
type Publication struct {
	driver *Driver
	pub    *publication.NetworkPublication
}

// NewDriver validates cfg and builds a stopped driver. Metrics register on
// reg; pass nil for a private registry.
func NewDriver(cfg config.Config, reg prometheus.Registerer) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := sender.NewCachedClock()
	return &Driver{
		cfg:     cfg,
		clock:   clock,
		metrics: counters.NewSystemCounters(reg),
		snd:     sender.NewSender(clock),
		pubs:    make(map[int64]*publication.NetworkPublication),
		stop:    make(chan struct{}),
	}, nil
}

// Start launches the sender and conductor goroutines.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(2)
	go d.senderLoop()
	go d.conductorLoop()
	logrus.Info("streamlog driver started")
}

func (d *Driver) senderLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if d.DoSenderWork() == 0 {
			time.Sleep(senderIdleSleep)
		}
	}
}

func (d *Driver) conductorLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(conductorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.DoConductorWork()
		}
	}
}

// DoSenderWork runs one sender duty cycle and returns the work done. Exposed
// so callers managing their own threads can drive the engine directly.
func (d *Driver) DoSenderWork() int {
	d.clock.Update()
	return d.snd.DoWork()
}

// DoConductorWork runs one conductor duty cycle: time events, publisher
// limit updates and end-of-life reclamation.
func (d *Driver) DoConductorWork() int {
	nowNs := d.clock.Update()

	d.mu.Lock()
	defer d.mu.Unlock()

	workCount := 0
	for id, pub := range d.pubs {
		pub.OnTimeEvent(nowNs)
		workCount += pub.UpdatePublisherPositionAndLimit()

		if pub.HasReachedEndOfLife() {
			d.snd.Deregister(id)
			if err := pub.Free(); err != nil {
				logrus.WithError(err).WithField("registrationId", id).Warn("freeing publication")
			}
			delete(d.pubs, id)
			workCount++
			logrus.WithField("registrationId", id).Info("publication reclaimed")
		}
	}
	return workCount
}

// AddPublication registers a stream toward remoteAddr and returns the
// producer handle. The session id and initial term id are randomized per
// publication.
func (d *Driver) AddPublication(streamID int32, remoteAddr string) (*Publication, error) {
	endpoint, err := sender.NewUDPEndpoint("", remoteAddr)
	if err != nil {
		return nil, err
	}
	pub, err := d.addPublication(streamID, endpoint)
	if err != nil {
		endpoint.Close()
		return nil, err
	}
	return pub, nil
}

func (d *Driver) addPublication(streamID int32, endpoint sender.Endpoint) (*Publication, error) {
	d.mu.Lock()
	d.nextID++
	registrationID := d.nextID
	d.mu.Unlock()

	sessionID := rand.Int31()
	initialTermID := rand.Int31()

	params := publication.Params{
		SessionID:               sessionID,
		StreamID:                streamID,
		InitialTermID:           initialTermID,
		RegistrationID:          registrationID,
		TermID:                  initialTermID,
		TermLength:              d.cfg.TermLength,
		MTULength:               d.cfg.MTULength,
		MaxMessagesPerSend:      d.cfg.MaxMessagesPerSend,
		LogFileName:             filepath.Join(d.cfg.LogDir, fmt.Sprintf("%d-%d.logbuffer", streamID, registrationID)),
		Sparse:                  d.cfg.SparseFiles,
		SpiesSimulateConnection: d.cfg.SpiesSimulateConnection,
		SignalEndOfStream:       d.cfg.SignalEndOfStream,
		FlowControl:             d.cfg.FlowControlOptions(),
		Timeouts:                d.cfg.PublicationTimeouts(),
	}

	pub, err := publication.NewNetworkPublication(params, endpoint, d.metrics, d.clock.NowNs())
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.pubs[registrationID] = pub
	d.mu.Unlock()
	d.snd.Register(pub, endpoint)

	return &Publication{driver: d, pub: pub}, nil
}

// RemovePublication drives a publication into its drain and linger sequence;
// the conductor reclaims it once drained.
func (d *Driver) RemovePublication(registrationID int64) error {
	d.mu.Lock()
	pub, ok := d.pubs[registrationID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPublication, registrationID)
	}
	pub.BeginDrain(d.clock.NowNs())
	return nil
}

// RevokePublication tears a publication down immediately, discarding
// anything not yet transmitted.
func (d *Driver) RevokePublication(registrationID int64) error {
	d.mu.Lock()
	pub, ok := d.pubs[registrationID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPublication, registrationID)
	}
	pub.Revoke(d.clock.NowNs())
	return nil
}

// PublicationCount returns the number of live publications.
func (d *Driver) PublicationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pubs)
}

// Close stops the duty cycles and reclaims every remaining publication.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.started {
		close(d.stop)
	}
	wasStarted := d.started
	d.started = false
	d.mu.Unlock()
	if wasStarted {
		d.wg.Wait()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for id, pub := range d.pubs {
		d.snd.Deregister(id)
		if err := pub.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.pubs, id)
	}
	logrus.Info("streamlog driver closed")
	return firstErr
}

// Offer appends one message, returning the stream position after it.
// ErrBackPressured and ErrAdminAction are retryable.
func (p *Publication) Offer(payload []byte) (int64, error) {
	return p.pub.Offer(payload)
}

// Position returns the producer position.
func (p *Publication) Position() int64 {
	return p.pub.Position()
}

// IsConnected reports whether a receiver (or simulated spy connection) is
// live.
func (p *Publication) IsConnected() bool {
	return p.pub.IsConnected()
}

// RegistrationID identifies the publication to RemovePublication and
// RevokePublication.
func (p *Publication) RegistrationID() int64 {
	return p.pub.RegistrationID()
}

// AddSpy attaches a local consumer position. Untethered spies are parked
// when they lag rather than stalling the publisher.
func (p *Publication) AddSpy(registrationID int64, tethered bool) *publication.TetherablePosition {
	spy := publication.NewTetherablePosition(registrationID, tethered, p.pub.SenderPosition())
	p.pub.AddSpyPosition(spy)
	return spy
}

// RemoveSpy detaches a local consumer position.
func (p *Publication) RemoveSpy(registrationID int64) {
	p.pub.RemoveSpyPosition(registrationID)
}
