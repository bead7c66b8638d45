// Package signal turns closed-bar trend-line crosses into planned trade
// directions, filtered by a hysteretic line state, a distance gate with
// delayed re-entry, and a risk-reward relaxation window.
package signal

import (
	"math"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/indicator"
	"github.com/evdnx/trendcore/types"
)

// Reason tags carried by emitted decisions.
const (
	TagCross            = "EMA_CROSS"
	TagReapproachSuffix = "_REAPPROACH"
	TagRrPending        = "EMA_CROSS_PENDING"
	TagRegime           = "EMA_REGIME"
)

// Why a bar produced no trade.
const (
	ReasonDuplicate         = "already_evaluated"
	ReasonNoCross           = "no_cross"
	ReasonDirection         = "direction_gate"
	ReasonDistance          = "distance_pending_set"
	ReasonReapproachWaiting = "reapproach_waiting"
	ReasonReapproachExpired = "reapproach_expired"
	ReasonNoLine            = "line_unavailable"
	ReasonOnLine            = "close_on_line"
)

// Params are the entry thresholds in price units.
type Params struct {
	// Regime trades the side of the line instead of the cross.
	Regime          bool
	EnterEps        float64
	HysteresisRatio float64
	MinHoldBars     int
	// MaxDistance = 0 disables the distance gate.
	MaxDistance           float64
	ReapproachWindow      int
	ReapproachMaxDistance float64
	RRRelaxEnabled        bool
	RRRelaxWindow         int
}

// ExitEps is the hysteresis exit threshold.
func (p Params) ExitEps() float64 { return p.EnterEps * p.HysteresisRatio }

// ParamsFrom converts the entry section from user pips to price units.
func ParamsFrom(cfg config.EntryConfig, sym types.SymbolInfo) Params {
	return Params{
		Regime:                cfg.Mode == config.EntryModeRegime,
		EnterEps:              sym.PipsToPrice(cfg.DeadzonePips),
		HysteresisRatio:       max(0, cfg.HysteresisRatio),
		MinHoldBars:           max(0, cfg.MinHoldBars),
		MaxDistance:           sym.PipsToPrice(cfg.MaxDistancePips),
		ReapproachWindow:      max(1, cfg.ReapproachWindowBars),
		ReapproachMaxDistance: sym.PipsToPrice(cfg.ReapproachMaxDistancePips),
		RRRelaxEnabled:        cfg.RRRelaxEnabled,
		RRRelaxWindow:         max(0, cfg.RRRelaxWindowBars),
	}
}

// Input is the two most recent closed bars against the trend line.
type Input struct {
	Index     int
	PrevClose float64
	Close     float64
	PrevLine  float64
	Line      float64
	// Value is the price-source value of the bar at Index.
	Value float64
}

// BuildInput extracts the evaluation input from bars (forming bar last) and
// a line computed over the closed bars.
func BuildInput(bars types.Bars, line []float64, source string) (Input, bool) {
	i1 := bars.LastClosedIndex()
	i2 := i1 - 1
	if i2 < 0 || i1 >= len(line) {
		return Input{}, false
	}
	if line[i1] == 0 || line[i2] == 0 {
		return Input{}, false
	}
	return Input{
		Index:     i1,
		PrevClose: bars[i2].Close,
		Close:     bars[i1].Close,
		PrevLine:  line[i2],
		Line:      line[i1],
		Value:     indicator.Source(bars[i1], source),
	}, true
}

// Decision is the result of evaluating one closed bar.
type Decision struct {
	OK    bool
	Side  types.Side
	Tag   string
	Index int
	// Relaxed marks a retry of a pending risk-reward relaxation.
	Relaxed bool
	Reason  string
	// Transition is set when the line state changed during evaluation.
	Transition bool
}

type Evaluator struct {
	p Params
}

func NewEvaluator(p Params) *Evaluator { return &Evaluator{p: p} }

func (e *Evaluator) Params() Params { return e.p }

// Evaluate processes the closed bar described by in. A bar index is
// evaluated at most once per session; repeats return ReasonDuplicate.
func (e *Evaluator) Evaluate(s *Session, in Input) Decision {
	d := Decision{Index: in.Index}
	if in.Index <= s.lastEvaluated {
		d.Reason = ReasonDuplicate
		return d
	}
	s.lastEvaluated = in.Index

	if e.p.RRRelaxEnabled {
		s.expireRrRelax(in.Index, e.p.RRRelaxWindow)
	} else {
		s.RrRelax = nil
	}
	if e.p.Regime {
		return e.regime(d, in)
	}

	crossUp := in.PrevClose <= in.PrevLine && in.Close > in.Line
	crossDown := in.PrevClose >= in.PrevLine && in.Close < in.Line

	if crossUp || crossDown {
		side := types.Buy
		if crossDown {
			side = types.Sell
		}
		// a new cross always wins over anything pending
		s.Reapproach = nil
		s.RrRelax = nil

		d.Transition = e.updateState(s, in.Index, in.Value, in.Line)
		if !s.State.Allows(side) {
			d.Reason = ReasonDirection
			return d
		}
		if e.p.MaxDistance > 0 && math.Abs(in.Close-in.Line) > e.p.MaxDistance {
			s.Reapproach = &PendingReapproach{CreatedIndex: in.Index, Side: side, Tag: TagCross}
			d.Reason = ReasonDistance
			return d
		}
		return accept(d, side, TagCross, false)
	}

	if r := s.Reapproach; r != nil {
		if in.Index-r.CreatedIndex > e.p.ReapproachWindow {
			s.Reapproach = nil
			d.Reason = ReasonReapproachExpired
			return d
		}
		if math.Abs(in.Close-in.Line) > e.p.ReapproachMaxDistance {
			d.Reason = ReasonReapproachWaiting
			return d
		}
		s.Reapproach = nil
		d.Transition = e.updateState(s, in.Index, in.Value, in.Line)
		if !s.State.Allows(r.Side) {
			d.Reason = ReasonDirection
			return d
		}
		return accept(d, r.Side, r.Tag+TagReapproachSuffix, false)
	}

	if p := s.RrRelax; p != nil {
		if !s.State.Allows(p.Side) {
			d.Reason = ReasonDirection
			return d
		}
		return accept(d, p.Side, TagRrPending, true)
	}

	d.Reason = ReasonNoCross
	return d
}

// regime plans a buy while the last closed bar finished above the line and
// a sell while it finished below. The hysteresis state, distance gate and
// re-approach do not apply.
func (e *Evaluator) regime(d Decision, in Input) Decision {
	switch {
	case in.Close > in.Line:
		return accept(d, types.Buy, TagRegime, false)
	case in.Close < in.Line:
		return accept(d, types.Sell, TagRegime, false)
	}
	d.Reason = ReasonOnLine
	return d
}

func accept(d Decision, side types.Side, tag string, relaxed bool) Decision {
	d.OK = true
	d.Side = side
	d.Tag = tag
	d.Relaxed = relaxed
	d.Reason = ""
	return d
}

// updateState applies the hysteresis rule and the min-hold constraint.
// It reports whether a transition was accepted.
func (e *Evaluator) updateState(s *Session, index int, value, line float64) bool {
	desired := NextState(s.State, value, line, e.p.EnterEps, e.p.ExitEps())
	if desired == s.State {
		return false
	}
	if s.LastTransition >= 0 && index-s.LastTransition < e.p.MinHoldBars {
		return false
	}
	s.State = desired
	s.LastTransition = index
	return true
}

// NextState is the pure hysteresis rule: a held side is only left once
// value crosses the line by more than exitEps; from Neutral a side is
// entered once value clears the line by more than enterEps.
func NextState(prev LineState, value, line, enterEps, exitEps float64) LineState {
	switch prev {
	case Above:
		if value < line-exitEps {
			return Below
		}
		return Above
	case Below:
		if value > line+exitEps {
			return Above
		}
		return Below
	}
	if value > line+enterEps {
		return Above
	}
	if value < line-enterEps {
		return Below
	}
	return Neutral
}
