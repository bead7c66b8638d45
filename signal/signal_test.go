package signal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/types"
)

func testParams() Params {
	return Params{
		EnterEps:              0.10, // 10 pips at 0.01
		HysteresisRatio:       0.6,
		MinHoldBars:           2,
		MaxDistance:           0.50,
		ReapproachWindow:      3,
		ReapproachMaxDistance: 0.40,
		RRRelaxEnabled:        true,
		RRRelaxWindow:         6,
	}
}

func bar(idx int, prevClose, close, prevLine, line float64) Input {
	return Input{Index: idx, PrevClose: prevClose, Close: close, PrevLine: prevLine, Line: line, Value: close}
}

// ---------------------------------------------------------------------
// Hysteresis
// ---------------------------------------------------------------------

func TestNextStateHysteresis(t *testing.T) {
	p := testParams()
	if math.Abs(p.ExitEps()-0.06) > 1e-12 {
		t.Fatalf("expected exitEps 0.06, got %v", p.ExitEps())
	}
	// 100.5 → 100.02 against line 100 stays Above: 100.02 is not below 99.94
	s := NextState(Above, 100.5, 100, p.EnterEps, p.ExitEps())
	s = NextState(s, 100.02, 100, p.EnterEps, p.ExitEps())
	if s != Above {
		t.Fatalf("expected Above to hold at 100.02, got %s", s)
	}
	if s = NextState(Above, 99.95, 100, p.EnterEps, p.ExitEps()); s != Above {
		t.Fatalf("99.95 is inside exitEps, expected Above, got %s", s)
	}
	if s = NextState(Above, 99.93, 100, p.EnterEps, p.ExitEps()); s != Below {
		t.Fatalf("expected flip to Below at 99.93, got %s", s)
	}
	if s = NextState(Neutral, 100.08, 100, p.EnterEps, p.ExitEps()); s != Neutral {
		t.Fatalf("inside the deadzone Neutral must hold, got %s", s)
	}
	if s = NextState(Neutral, 99.85, 100, p.EnterEps, p.ExitEps()); s != Below {
		t.Fatalf("expected Below past enterEps, got %s", s)
	}
}

func TestCrossInsideDeadzoneIsRejected(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	d := e.Evaluate(s, bar(10, 99.99, 100.05, 100, 100))
	if d.OK || d.Reason != ReasonDirection {
		t.Fatalf("expected direction rejection, got %+v", d)
	}
	if s.State != Neutral {
		t.Fatalf("expected Neutral, got %s", s.State)
	}
}

func TestCrossUpEmitsBuy(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	d := e.Evaluate(s, bar(10, 99.9, 100.3, 100, 100))
	if !d.OK || d.Side != types.Buy || d.Tag != TagCross {
		t.Fatalf("expected buy cross, got %+v", d)
	}
	if !d.Transition || s.State != Above || s.LastTransition != 10 {
		t.Fatalf("expected transition to Above at 10, got %s @%d", s.State, s.LastTransition)
	}
}

func TestSameIndexEvaluatedOnce(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	in := bar(10, 99.9, 100.3, 100, 100)
	if d := e.Evaluate(s, in); !d.OK {
		t.Fatalf("first evaluation should emit, got %+v", d)
	}
	if d := e.Evaluate(s, in); d.OK || d.Reason != ReasonDuplicate {
		t.Fatalf("second evaluation must not emit, got %+v", d)
	}
}

// ---------------------------------------------------------------------
// Min-hold
// ---------------------------------------------------------------------

func TestMinHoldBarsSuppressesEarlyFlip(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()

	if d := e.Evaluate(s, bar(10, 99.9, 100.3, 100, 100)); !d.OK || d.Side != types.Buy {
		t.Fatalf("expected buy at 10, got %+v", d)
	}
	// one bar later a strong cross down is suppressed by min-hold
	d := e.Evaluate(s, bar(11, 100.3, 99.5, 100, 100))
	if d.OK || d.Reason != ReasonDirection || s.State != Above {
		t.Fatalf("expected min-hold suppression, got %+v state=%s", d, s.State)
	}
	// crossing back up keeps Above and trades
	if d := e.Evaluate(s, bar(12, 99.5, 100.3, 100, 100)); !d.OK || d.Side != types.Buy {
		t.Fatalf("expected buy at 12, got %+v", d)
	}
	// three bars after the last transition the flip is accepted
	d = e.Evaluate(s, bar(13, 100.3, 99.7, 100, 100))
	if !d.OK || d.Side != types.Sell || s.LastTransition != 13 {
		t.Fatalf("expected sell with transition at 13, got %+v last=%d", d, s.LastTransition)
	}
}

func TestTransitionsRespectMinHoldOnRandomWalk(t *testing.T) {
	p := testParams()
	p.MinHoldBars = 3
	e := NewEvaluator(p)
	s := NewSession()
	rng := rand.New(rand.NewSource(7))

	prev, line := 100.0, 100.0
	last := -1
	for i := 1; i < 2000; i++ {
		c := 100 + (rng.Float64()-0.5)*1.2
		d := e.Evaluate(s, bar(i, prev, c, line, line))
		if d.Transition {
			if last >= 0 && i-last < p.MinHoldBars {
				t.Fatalf("transitions at %d and %d are closer than %d bars", last, i, p.MinHoldBars)
			}
			last = i
		}
		if d.OK && !s.State.Allows(d.Side) {
			t.Fatalf("emitted %s while state is %s", d.Side, s.State)
		}
		prev = c
	}
}

// ---------------------------------------------------------------------
// Distance gate and reapproach
// ---------------------------------------------------------------------

func TestDistanceGateSetsPendingThenReapproach(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()

	d := e.Evaluate(s, bar(10, 99.9, 100.8, 100, 100))
	if d.OK || d.Reason != ReasonDistance {
		t.Fatalf("expected pending instead of a trade, got %+v", d)
	}
	if s.Reapproach == nil || s.Reapproach.Side != types.Buy || s.Reapproach.CreatedIndex != 10 {
		t.Fatalf("expected pending buy at 10, got %+v", s.Reapproach)
	}

	// still too far for the reapproach distance
	if d = e.Evaluate(s, bar(11, 100.8, 100.6, 100, 100.1)); d.OK || d.Reason != ReasonReapproachWaiting {
		t.Fatalf("expected waiting, got %+v", d)
	}

	d = e.Evaluate(s, bar(12, 100.6, 100.4, 100.1, 100.1))
	if !d.OK || d.Side != types.Buy || d.Tag != TagCross+TagReapproachSuffix {
		t.Fatalf("expected reapproach buy, got %+v", d)
	}
	if s.Reapproach != nil {
		t.Fatal("pending must be consumed")
	}
}

func TestReapproachExpires(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	e.Evaluate(s, bar(10, 99.9, 100.8, 100, 100))
	for i := 11; i <= 13; i++ {
		if d := e.Evaluate(s, bar(i, 100.8, 100.8, 100, 100)); d.Reason != ReasonReapproachWaiting {
			t.Fatalf("bar %d: expected waiting, got %+v", i, d)
		}
	}
	d := e.Evaluate(s, bar(14, 100.8, 100.2, 100, 100))
	if d.OK || d.Reason != ReasonReapproachExpired || s.Reapproach != nil {
		t.Fatalf("expected expiry at age 4, got %+v", d)
	}
}

func TestNewCrossResetsPending(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	e.Evaluate(s, bar(10, 99.9, 100.8, 100, 100))
	s.SetRrRelax(10, types.Buy)

	// cross down well below the line, far enough to flip after min-hold
	d := e.Evaluate(s, bar(12, 100.8, 99.8, 100, 100))
	if s.Reapproach != nil || s.RrRelax != nil {
		t.Fatalf("a new cross must clear both pendings, got %+v / %+v", s.Reapproach, s.RrRelax)
	}
	if !d.OK || d.Side != types.Sell {
		t.Fatalf("expected sell, got %+v", d)
	}
}

// ---------------------------------------------------------------------
// Risk-reward relaxation pending
// ---------------------------------------------------------------------

func TestRrRelaxRetriesUntilExpiry(t *testing.T) {
	e := NewEvaluator(testParams())
	s := NewSession()
	if d := e.Evaluate(s, bar(10, 99.9, 100.3, 100, 100)); !d.OK {
		t.Fatalf("expected buy, got %+v", d)
	}
	if !s.SetRrRelax(10, types.Buy) || s.SetRrRelax(10, types.Buy) {
		t.Fatal("SetRrRelax must create exactly once")
	}

	d := e.Evaluate(s, bar(11, 100.3, 100.4, 100, 100))
	if !d.OK || !d.Relaxed || d.Tag != TagRrPending || d.Side != types.Buy {
		t.Fatalf("expected relaxed retry, got %+v", d)
	}
	if !s.RrRelaxFor(types.Buy) || s.RrRelaxFor(types.Sell) {
		t.Fatal("pending must match buy only")
	}

	// age 7 > window 6 → expired, no more retries
	d = e.Evaluate(s, bar(17, 100.4, 100.4, 100, 100))
	if d.OK || s.RrRelax != nil {
		t.Fatalf("expected expiry, got %+v", d)
	}
}

func TestRrRelaxDisabledDropsPending(t *testing.T) {
	p := testParams()
	p.RRRelaxEnabled = false
	e := NewEvaluator(p)
	s := NewSession()
	s.SetRrRelax(5, types.Buy)
	if d := e.Evaluate(s, bar(6, 100, 100, 100, 100)); d.OK {
		t.Fatalf("disabled relaxation must not retry, got %+v", d)
	}
}

// ---------------------------------------------------------------------
// Inputs
// ---------------------------------------------------------------------

func TestBuildInputUsesClosedBars(t *testing.T) {
	bars := types.Bars{
		{Close: 1}, {Close: 2}, {Close: 3, High: 4, Low: 2}, {Close: 99}, // last is forming
	}
	line := []float64{1.5, 1.5, 2.5}
	in, ok := BuildInput(bars, line, config.SourceHL2)
	if !ok {
		t.Fatal("expected input")
	}
	if in.Index != 2 || in.Close != 3 || in.PrevClose != 2 || in.Line != 2.5 || in.Value != 3 {
		t.Fatalf("unexpected input %+v", in)
	}
	if _, ok := BuildInput(bars, []float64{0, 0, 2.5}, config.SourceClose); ok {
		t.Fatal("unseeded line values must be rejected")
	}
}

func TestParamsFromScalesMetals(t *testing.T) {
	sym := types.SymbolInfo{Name: "XAUUSD", PipSize: 0.01}
	p := ParamsFrom(config.Default().Entry, sym)
	if math.Abs(p.EnterEps-1.0) > 1e-9 || math.Abs(p.MaxDistance-5.0) > 1e-9 {
		t.Fatalf("expected 10 pips → 1.0 and 50 pips → 5.0, got %v / %v", p.EnterEps, p.MaxDistance)
	}
}

// ---------------------------------------------------------------------
// Regime mode
// ---------------------------------------------------------------------

func TestRegimeTradesSideOfLine(t *testing.T) {
	p := testParams()
	p.Regime = true
	e := NewEvaluator(p)
	s := NewSession()

	// far above the line without any cross: the distance gate does not apply
	if d := e.Evaluate(s, bar(10, 101, 101, 100, 100)); !d.OK || d.Side != types.Buy || d.Tag != TagRegime {
		t.Fatalf("expected a regime buy, got %+v", d)
	}
	if d := e.Evaluate(s, bar(11, 101, 99.99, 100, 100)); !d.OK || d.Side != types.Sell {
		t.Fatalf("expected a regime sell, got %+v", d)
	}
	if d := e.Evaluate(s, bar(12, 100, 100, 100, 100)); d.OK || d.Reason != ReasonOnLine {
		t.Fatalf("a close on the line plans nothing, got %+v", d)
	}
	if d := e.Evaluate(s, bar(12, 100, 101, 100, 100)); d.OK || d.Reason != ReasonDuplicate {
		t.Fatalf("a bar is evaluated once in regime mode too, got %+v", d)
	}
	if s.Reapproach != nil || s.State != Neutral {
		t.Fatal("regime mode leaves the cross state untouched")
	}
}

func TestParamsFromEntryMode(t *testing.T) {
	cfg := config.Default().Entry
	if ParamsFrom(cfg, types.SymbolInfo{PipSize: 0.01}).Regime {
		t.Fatal("default mode is cross")
	}
	cfg.Mode = config.EntryModeRegime
	if !ParamsFrom(cfg, types.SymbolInfo{PipSize: 0.01}).Regime {
		t.Fatal("regime mode not mapped")
	}
}
