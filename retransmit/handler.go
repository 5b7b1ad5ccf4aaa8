// Package retransmit tracks NAK-driven retransmission requests for one
// publication: merging overlapping loss ranges, delaying resends per policy,
// and debouncing repeat requests for a range that was just serviced.
package retransmit

import (
	"github.com/sirupsen/logrus"
)

// MaxRetransmits bounds the outstanding retransmit actions per publication.
// Requests beyond the bound are dropped and counted by the caller, never
// queued unboundedly and never blocking.
const MaxRetransmits = 16

// ResendFunc re-reads a term range from the log and transmits it.
type ResendFunc func(termID, termOffset, length int32) error

type actionState int

const (
	// stateDelayed waits for the configured NAK delay before resending, so
	// a retransmission already in flight can suppress follow-up NAKs.
	stateDelayed actionState = iota
	// stateLingering holds the serviced range so an identical NAK inside
	// the debounce window is suppressed.
	stateLingering
)

type action struct {
	termID     int32
	termOffset int32
	length     int32
	state      actionState
	expiryNs   int64
}

func (a *action) end() int32 {
	return a.termOffset + a.length
}

// covers reports whether the action's range fully contains [offset, offset+length).
func (a *action) covers(offset, length int32) bool {
	return a.termOffset <= offset && offset+length <= a.end()
}

// overlapsOrAdjacent reports whether [offset, offset+length) touches the
// action's range.
func (a *action) overlapsOrAdjacent(offset, length int32) bool {
	return offset <= a.end() && a.termOffset <= offset+length
}

// Handler is the per-publication retransmit state machine. It is driven
// entirely from the sender context; no method blocks.
type Handler struct {
	active   []*action
	delayNs  int64
	lingerNs int64
}

// NewHandler creates a handler with the given NAK delay and debounce linger.
// A zero delay services NAKs immediately, the unicast default.
func NewHandler(delayNs, lingerNs int64) *Handler {
	return &Handler{
		active:   make([]*action, 0, MaxRetransmits),
		delayNs:  delayNs,
		lingerNs: lingerNs,
	}
}

// PendingCount returns the number of outstanding actions.
func (h *Handler) PendingCount() int {
	return len(h.active)
}

// OnNak feeds one validated NAK range in. Returns true when the range was
// accepted (queued, merged, or immediately serviced) and false when it was
// suppressed by the debounce linger or dropped on overflow; dropped reports
// the overflow case so the caller can count it.
func (h *Handler) OnNak(termID, termOffset, length int32, nowNs int64, resend ResendFunc) (accepted, dropped bool) {
	for _, a := range h.active {
		if a.termID != termID {
			continue
		}
		if a.covers(termOffset, length) {
			// Already queued or just serviced; suppress.
			return false, false
		}
		if a.overlapsOrAdjacent(termOffset, length) && a.state == stateDelayed {
			// Merge into the pending action so one pass covers the union.
			begin := min32(a.termOffset, termOffset)
			end := max32(a.end(), termOffset+length)
			a.termOffset = begin
			a.length = end - begin
			return true, false
		}
		if a.overlapsOrAdjacent(termOffset, length) && a.state == stateLingering {
			// Clamp to the part the recent resend did not cover.
			if termOffset < a.termOffset {
				length = a.termOffset - termOffset
			} else {
				length = termOffset + length - a.end()
				termOffset = a.end()
			}
			if length <= 0 {
				return false, false
			}
		}
	}

	if len(h.active) >= MaxRetransmits {
		logrus.WithFields(logrus.Fields{
			"termId":     termID,
			"termOffset": termOffset,
			"length":     length,
		}).Debug("retransmit set full, dropping NAK")
		return false, true
	}

	a := &action{termID: termID, termOffset: termOffset, length: length}
	if h.delayNs == 0 {
		if err := resend(termID, termOffset, length); err != nil {
			// Transient send failure: keep the action delayed so the next
			// timeout pass retries it.
			a.state = stateDelayed
			a.expiryNs = nowNs
		} else {
			a.state = stateLingering
			a.expiryNs = nowNs + h.lingerNs
		}
	} else {
		a.state = stateDelayed
		a.expiryNs = nowNs + h.delayNs
	}
	h.active = append(h.active, a)
	return true, false
}

// ProcessTimeouts services expired actions: delayed actions past their delay
// are resent and move to lingering; lingering actions past the debounce
// window are retired. Work is bounded by maxResends so a NAK backlog cannot
// starve fresh data sends sharing the same sender invocation.
func (h *Handler) ProcessTimeouts(nowNs int64, resend ResendFunc, maxResends int) int {
	workCount := 0
	kept := h.active[:0]

	for _, a := range h.active {
		switch a.state {
		case stateDelayed:
			if nowNs >= a.expiryNs && workCount < maxResends {
				if err := resend(a.termID, a.termOffset, a.length); err == nil {
					a.state = stateLingering
					a.expiryNs = nowNs + h.lingerNs
				}
				workCount++
			}
			kept = append(kept, a)
		case stateLingering:
			if nowNs < a.expiryNs {
				kept = append(kept, a)
			}
		}
	}

	h.active = kept
	return workCount
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
