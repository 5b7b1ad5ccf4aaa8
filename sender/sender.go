package sender

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/publication"
)

type registration struct {
	pub      *publication.NetworkPublication
	endpoint Endpoint
}

// Sender is the cooperative transmission loop: each DoWork pass polls
// feedback and runs the send duty cycle for every registered publication.
// Registration is mutated from the conductor; DoWork runs on the sender
// goroutine. Mutations publish a fresh slice so DoWork iterates its snapshot
// without copying on the hot path.
type Sender struct {
	clock Clock

	mu   sync.RWMutex
	regs []registration
}

// NewSender creates a sender using clock for all deadlines.
func NewSender(clock Clock) *Sender {
	return &Sender{clock: clock}
}

// Register adds a publication and its endpoint to the duty cycle.
func (s *Sender) Register(pub *publication.NetworkPublication, endpoint Endpoint) {
	s.mu.Lock()
	regs := make([]registration, len(s.regs), len(s.regs)+1)
	copy(regs, s.regs)
	s.regs = append(regs, registration{pub: pub, endpoint: endpoint})
	s.mu.Unlock()
	logrus.WithField("registrationId", pub.RegistrationID()).Debug("sender registered publication")
}

// Deregister removes a publication from the duty cycle and closes its
// endpoint. Reports whether it was registered.
func (s *Sender) Deregister(registrationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.regs {
		if reg.pub.RegistrationID() == registrationID {
			regs := make([]registration, 0, len(s.regs)-1)
			regs = append(regs, s.regs[:i]...)
			regs = append(regs, s.regs[i+1:]...)
			s.regs = regs
			if err := reg.endpoint.Close(); err != nil {
				logrus.WithError(err).Warn("closing sender endpoint")
			}
			logrus.WithField("registrationId", registrationID).Debug("sender deregistered publication")
			return true
		}
	}
	return false
}

// Size returns the number of registered publications.
func (s *Sender) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regs)
}

// DoWork runs one duty cycle over every registered publication and returns
// the work done; zero means the caller may idle.
func (s *Sender) DoWork() int {
	nowNs := s.clock.NowNs()

	s.mu.RLock()
	regs := s.regs
	s.mu.RUnlock()

	workCount := 0
	for _, reg := range regs {
		workCount += reg.endpoint.PollFeedback(reg.pub, nowNs)
		workCount += reg.pub.Send(nowNs)
	}
	return workCount
}
