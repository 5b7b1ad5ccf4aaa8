package publication

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamlog/counters"
)

// TetherState classifies a spy position for liveness aggregation. Resting
// positions are excluded so an inattentive spy cannot stall the publisher.
type TetherState int32

const (
	// TetherActive positions count toward flow control and cleaning.
	TetherActive TetherState = iota
	// TetherLinger positions have lagged past the window limit and are on
	// notice; they still count while the linger runs down.
	TetherLinger
	// TetherResting positions are excluded from aggregation until the
	// resting timeout returns them to active.
	TetherResting
)

// TetherablePosition is one local consumer's consumption marker. The
// position counter is advanced by the consumer; the tether state machine is
// driven by the conductor.
type TetherablePosition struct {
	RegistrationID int64

	// IsTether keeps the position in aggregation unconditionally. Untethered
	// positions run the ACTIVE, LINGER, RESTING cycle when they lag.
	IsTether bool

	position           *counters.Position
	state              atomic.Int32
	timeOfLastUpdateNs int64
}

// NewTetherablePosition creates a consumer marker starting at position.
func NewTetherablePosition(registrationID int64, isTether bool, initialPosition int64) *TetherablePosition {
	t := &TetherablePosition{
		RegistrationID: registrationID,
		IsTether:       isTether,
		position:       counters.NewPosition(initialPosition),
	}
	t.state.Store(int32(TetherActive))
	return t
}

// Get returns the consumption position.
func (t *TetherablePosition) Get() int64 {
	return t.position.Get()
}

// Set advances the consumption position. Called by the consumer.
func (t *TetherablePosition) Set(position int64) {
	t.position.Set(position)
}

// State returns the tether state.
func (t *TetherablePosition) State() TetherState {
	return TetherState(t.state.Load())
}

func (t *TetherablePosition) setState(state TetherState) {
	t.state.Store(int32(state))
}

// Subscribable is the registry of local spy positions attached to one
// publication. Membership is mutated from the conductor context only;
// aggregation reads are safe from any context.
type Subscribable struct {
	mu        sync.RWMutex
	positions []*TetherablePosition
}

// NewSubscribable creates an empty registry.
func NewSubscribable() *Subscribable {
	return &Subscribable{}
}

// Add registers a spy position.
func (s *Subscribable) Add(position *TetherablePosition) {
	s.mu.Lock()
	s.positions = append(s.positions, position)
	s.mu.Unlock()
}

// Remove deregisters a spy position by registration id and reports whether
// it was present.
func (s *Subscribable) Remove(registrationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.positions {
		if p.RegistrationID == registrationID {
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
			return true
		}
	}
	return false
}

// WorkingCount returns the number of positions not in RESTING.
func (s *Subscribable) WorkingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.State() != TetherResting {
			n++
		}
	}
	return n
}

// Size returns the total number of registered positions.
func (s *Subscribable) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// MinWorkingPosition folds the slowest non-resting spy into floor: the
// result bounds how far term cleaning and the publisher limit may advance.
func (s *Subscribable) MinWorkingPosition(floor int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	minPosition := floor
	for _, p := range s.positions {
		if p.State() == TetherResting {
			continue
		}
		if pos := p.Get(); pos < minPosition {
			minPosition = pos
		}
	}
	return minPosition
}

// MaxWorkingPosition returns the furthest non-resting spy position, used for
// drain checks. Returns math.MinInt64 when no working position exists.
func (s *Subscribable) MaxWorkingPosition() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	maxPosition := int64(math.MinInt64)
	for _, p := range s.positions {
		if p.State() == TetherResting {
			continue
		}
		if pos := p.Get(); pos > maxPosition {
			maxPosition = pos
		}
	}
	return maxPosition
}

// CheckUntethered runs the untethered spy state machine for one conductor
// tick. windowLimit is the position below which an untethered spy counts as
// lagging. Returns the number of state transitions taken.
func (s *Subscribable) CheckUntethered(nowNs, windowLimit int64, t Timeouts) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	workCount := 0
	for _, p := range s.positions {
		if p.IsTether {
			continue
		}
		switch p.State() {
		case TetherActive:
			if p.Get() > windowLimit {
				p.timeOfLastUpdateNs = nowNs
			} else if nowNs > p.timeOfLastUpdateNs+t.UntetheredWindowLimitNs {
				p.setState(TetherLinger)
				p.timeOfLastUpdateNs = nowNs
				workCount++
				logrus.WithField("registrationId", p.RegistrationID).
					Debug("untethered position lagging, lingering")
			}
		case TetherLinger:
			if nowNs > p.timeOfLastUpdateNs+t.UntetheredLingerNs {
				p.setState(TetherResting)
				p.timeOfLastUpdateNs = nowNs
				workCount++
				logrus.WithField("registrationId", p.RegistrationID).
					Debug("untethered position resting")
			}
		case TetherResting:
			if nowNs > p.timeOfLastUpdateNs+t.UntetheredRestingNs {
				p.setState(TetherActive)
				p.timeOfLastUpdateNs = nowNs
				workCount++
				logrus.WithField("registrationId", p.RegistrationID).
					Debug("untethered position rejoining")
			}
		}
	}
	return workCount
}
