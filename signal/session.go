package signal

import "github.com/evdnx/trendcore/types"

// LineState is the hysteretic side of price relative to the trend line.
type LineState int

const (
	Neutral LineState = iota
	Above
	Below
)

func (s LineState) String() string {
	switch s {
	case Above:
		return "ABOVE"
	case Below:
		return "BELOW"
	}
	return "NEUTRAL"
}

// Allows reports whether the state permits a trade in side's direction.
func (s LineState) Allows(side types.Side) bool {
	return (side == types.Buy && s == Above) || (side == types.Sell && s == Below)
}

// PendingReapproach is a direction-valid signal that was too far from the
// line; it waits for price to come back within the reapproach distance.
type PendingReapproach struct {
	CreatedIndex int
	Side         types.Side
	Tag          string
}

// PendingRrRelax is a signal that failed the minimum risk-reward filter and
// is retried against the relaxed ratio for a bounded number of bars.
type PendingRrRelax struct {
	OriginIndex int
	Side        types.Side
}

// Session is the per-symbol signal context. Every evaluation reads and
// writes only this value, so independent sessions never interfere.
type Session struct {
	State          LineState
	LastTransition int
	Reapproach     *PendingReapproach
	RrRelax        *PendingRrRelax

	lastEvaluated int
}

func NewSession() *Session {
	return &Session{LastTransition: -1, lastEvaluated: -1}
}

// Reset returns the session to its initial state.
func (s *Session) Reset() {
	*s = *NewSession()
}

// SetRrRelax records a pending relaxation unless one is already active.
// It reports whether a new record was created.
func (s *Session) SetRrRelax(index int, side types.Side) bool {
	if s.RrRelax != nil {
		return false
	}
	s.RrRelax = &PendingRrRelax{OriginIndex: index, Side: side}
	return true
}

func (s *Session) ClearRrRelax() { s.RrRelax = nil }

// RrRelaxFor reports whether a live pending relaxation matches side.
func (s *Session) RrRelaxFor(side types.Side) bool {
	return s.RrRelax != nil && s.RrRelax.Side == side
}

// expireRrRelax drops the pending relaxation once it is older than window
// bars. A non-positive window expires it immediately.
func (s *Session) expireRrRelax(index, window int) bool {
	if s.RrRelax == nil {
		return false
	}
	if window <= 0 || index-s.RrRelax.OriginIndex > window {
		s.RrRelax = nil
		return true
	}
	return false
}
