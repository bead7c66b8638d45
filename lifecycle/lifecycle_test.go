package lifecycle

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/metrics"
	"github.com/evdnx/trendcore/testutils"
	"github.com/evdnx/trendcore/types"
	"github.com/evdnx/trendcore/window"
)

var t0 = time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

type fakeWindow struct{ state window.State }

func (f *fakeWindow) State(time.Time) window.State { return f.state }

type harness struct {
	m      *Manager
	mock   *testutils.MockExecutor
	log    *testutils.MockLogger
	win    *fakeWindow
	closes map[string]string
	cfg    config.Config
}

// testConfig: 100 risk budget, no min-hold, breakeven off.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Risk.Amount = 100
	cfg.Risk.MinHoldMinutes = 0
	cfg.Breakeven.Trigger = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	mock := testutils.NewMockExecutor(100_000)
	h := &harness{
		mock:   mock,
		log:    testutils.NewMockLogger(),
		win:    &fakeWindow{state: window.AllowNewEntries},
		closes: make(map[string]string),
		cfg:    cfg,
	}
	h.m = New(cfg, mock, h.win, h.log)
	h.m.OnClose(func(id, reason string) { h.closes[id] = reason })
	return h
}

// bar opens a base bar at t and sets a zero-spread quote at price.
func (h *harness) bar(t time.Time, price float64) {
	h.mock.OpenBar(t, price)
	h.mock.SetQuote(t, price, price)
}

func (h *harness) quote(t time.Time, price float64) {
	h.mock.SetQuote(t, price, price)
}

func (h *harness) open(t *testing.T, side types.Side, qty, stopDist float64) types.Position {
	t.Helper()
	pos, err := h.mock.Submit(context.Background(), types.Order{Side: side, Qty: qty, Label: h.cfg.Label})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.m.Track(pos, stopDist)
	return pos
}

func (h *harness) position(id string) (types.Position, bool) {
	for _, p := range h.mock.Positions() {
		if p.ID == id {
			return p, true
		}
	}
	return types.Position{}, false
}

// ---------------------------------------------------------------------
// Emergency close
// ---------------------------------------------------------------------

func TestEmergencyCloseThreshold(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.bar(t0, 2000)
	pos := h.open(t, types.Buy, 100, 2)

	// 100 units: every 0.01 of adverse move costs 1.
	h.quote(t0.Add(time.Minute), 1998.81)
	h.m.OnTick(ctx, t0.Add(time.Minute))
	if h.mock.Count("close") != 0 {
		t.Fatal("-119 is above the -120 threshold and must not close")
	}

	h.quote(t0.Add(2*time.Minute), 1998.75)
	h.m.OnTick(ctx, t0.Add(2*time.Minute))
	if h.mock.Count("close") != 1 {
		t.Fatalf("-125 must close, calls %+v", h.mock.Calls())
	}
	if h.closes[pos.ID] != types.CloseEmergency {
		t.Fatalf("expected emergency initiator, got %q", h.closes[pos.ID])
	}
	if _, ok := h.position(pos.ID); ok {
		t.Fatal("position should be gone")
	}
	h.m.OnTick(ctx, t0.Add(3*time.Minute))
	if h.m.Tracked() != 0 {
		t.Fatal("closed position side-state must be purged")
	}
}

func TestEmergencyCloseRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.bar(t0, 2000)
	h.open(t, types.Buy, 100, 2)
	h.mock.FailClose = true

	h.quote(t0.Add(time.Minute), 1998)
	h.m.OnTick(ctx, t0.Add(time.Minute))
	h.m.OnTick(ctx, t0.Add(time.Minute))
	if h.mock.Count("close") != 2 {
		t.Fatalf("a failed request must not block the next one, got %d", h.mock.Count("close"))
	}
	if !h.log.Has("emergency_close_failed") {
		t.Fatal("expected emergency_close_failed log")
	}
}

func TestMinHoldSuppressesEmergencyClose(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MinHoldMinutes = 5
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.bar(t0, 2000)
	h.open(t, types.Buy, 100, 2)

	h.quote(t0.Add(time.Minute), 1998)
	h.m.OnTick(ctx, t0.Add(time.Minute))
	if h.mock.Count("close") != 0 {
		t.Fatal("young position must not be closed")
	}
	h.quote(t0.Add(6*time.Minute), 1998)
	h.m.OnTick(ctx, t0.Add(6*time.Minute))
	if h.mock.Count("close") != 1 {
		t.Fatal("expected the close once min-hold elapsed")
	}
}

// ---------------------------------------------------------------------
// Breakeven and the per-bar guard
// ---------------------------------------------------------------------

func TestBreakevenMovesStopOncePerBar(t *testing.T) {
	cfg := testConfig()
	cfg.Breakeven.Trigger = 50
	cfg.Boost.Stage1Enabled = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.bar(t0, 2000)
	pos := h.open(t, types.Buy, 100, 2)
	if err := h.mock.Modify(ctx, pos.ID, types.Price(1998), nil); err != nil {
		t.Fatal(err)
	}
	h.m.BeginBar(t0)

	h.quote(t0.Add(time.Minute), 2001)
	h.win.state = window.HoldOnly
	h.m.OnTick(ctx, t0.Add(time.Minute))
	if h.mock.Count("modify") != 1 {
		t.Fatal("no modify may be sent outside the entry window")
	}

	h.win.state = window.AllowNewEntries
	h.mock.ModifyFailures = 1
	h.m.OnTick(ctx, t0.Add(time.Minute))
	h.m.OnTick(ctx, t0.Add(2*time.Minute))
	if h.mock.Count("modify") != 2 {
		t.Fatalf("expected exactly one breakeven attempt this bar, got %d modifies", h.mock.Count("modify"))
	}

	h.m.BeginBar(t0.Add(5 * time.Minute))
	h.m.OnTick(ctx, t0.Add(5*time.Minute))
	got, _ := h.position(pos.ID)
	if got.StopLoss == nil || !near(*got.StopLoss, 2000) {
		t.Fatalf("stop should sit at entry, got %v", got.StopLoss)
	}
	h.m.BeginBar(t0.Add(10 * time.Minute))
	h.m.OnTick(ctx, t0.Add(10*time.Minute))
	if h.mock.Count("modify") != 3 {
		t.Fatal("a stop at entry must not be moved again")
	}
}

func TestBreakevenBelowTriggerDoesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Breakeven.Trigger = 500
	h := newHarness(t, cfg)
	h.bar(t0, 2000)
	h.open(t, types.Buy, 100, 2)
	h.quote(t0.Add(time.Minute), 2001)
	h.m.OnTick(context.Background(), t0.Add(time.Minute))
	if h.mock.Count("modify") != 0 {
		t.Fatal("profit 100 is below the 500 trigger")
	}
}

// ---------------------------------------------------------------------
// Stage1 / Stage2 boost
// ---------------------------------------------------------------------

// boostHarness builds 25 hourly bars with a swing high of 2010 at index 18.
func boostHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	cfg.Boost.Stage1Lookback = 10
	h := newHarness(t, cfg)
	for i := 0; i < 25; i++ {
		p := 2000.0
		if i == 18 {
			p = 2010
		}
		h.bar(t0.Add(time.Duration(i)*time.Hour), p)
	}
	return h
}

func TestStage1SetsStructuralTarget(t *testing.T) {
	h := boostHarness(t)
	ctx := context.Background()
	now := t0.Add(24 * time.Hour)
	pos := h.open(t, types.Buy, 10, 2)
	before := testutil.ToFloat64(metrics.BoostTransitions.WithLabelValues("stage1"))

	h.quote(now.Add(time.Minute), 2001)
	h.m.OnTick(ctx, now.Add(time.Minute))
	if st, _ := h.m.State(pos.ID); st.Stage1 {
		t.Fatal("R 0.5 is below the 0.9 trigger")
	}

	h.quote(now.Add(2*time.Minute), 2002)
	h.m.OnTick(ctx, now.Add(2*time.Minute))
	st, _ := h.m.State(pos.ID)
	if !st.Stage1 || st.Stage2 {
		t.Fatalf("expected Stage1 only, got %+v", st)
	}
	got, _ := h.position(pos.ID)
	// swing 2010 less the 50 pip (5.0) buffer
	if got.TakeProfit == nil || !near(*got.TakeProfit, 2005) {
		t.Fatalf("expected structural target 2005, got %v", got.TakeProfit)
	}
	if d := testutil.ToFloat64(metrics.BoostTransitions.WithLabelValues("stage1")) - before; d != 1 {
		t.Fatalf("expected one stage1 transition, got %v", d)
	}
	if !h.log.Has("stage1_modify_ok") {
		t.Fatal("expected stage1_modify_ok log")
	}
}

func TestStage1AlreadySetWithinHalfTick(t *testing.T) {
	h := boostHarness(t)
	ctx := context.Background()
	now := t0.Add(24 * time.Hour)
	pos := h.open(t, types.Buy, 10, 2)
	if err := h.mock.Modify(ctx, pos.ID, nil, types.Price(2005.004)); err != nil {
		t.Fatal(err)
	}
	h.mock.Reset()

	h.quote(now.Add(time.Minute), 2002)
	h.m.OnTick(ctx, now.Add(time.Minute))
	if st, _ := h.m.State(pos.ID); !st.Stage1 {
		t.Fatal("a matching target must satisfy Stage1")
	}
	if h.mock.Count("modify") != 0 {
		t.Fatal("no modify is needed when the target already matches")
	}
}

func TestStage2NeverBeforeStage1(t *testing.T) {
	h := boostHarness(t)
	ctx := context.Background()
	now := t0.Add(24 * time.Hour)
	pos := h.open(t, types.Buy, 10, 2)

	// R 2.0 clears both thresholds but Stage1 cannot be applied.
	h.win.state = window.HoldOnly
	for i := 1; i <= 3; i++ {
		h.quote(now.Add(time.Duration(i)*time.Minute), 2004)
		h.m.OnTick(ctx, now.Add(time.Duration(i)*time.Minute))
	}
	if st, _ := h.m.State(pos.ID); st.Stage1 || st.Stage2 {
		t.Fatalf("nothing may activate while Stage1 is blocked, got %+v", st)
	}

	h.win.state = window.AllowNewEntries
	h.m.OnTick(ctx, now.Add(4*time.Minute))
	st, _ := h.m.State(pos.ID)
	if !st.Stage1 || st.Stage2 {
		t.Fatalf("Stage1 first, got %+v", st)
	}
	h.m.OnTick(ctx, now.Add(5*time.Minute))
	st, _ = h.m.State(pos.ID)
	if !st.Stage2 || st.Stage2StartIndex < 0 || st.SwingLevel != nil {
		t.Fatalf("expected Stage2 with a fresh swing watch, got %+v", st)
	}
}

func TestStage2ThresholdCorrectedUpToStage1(t *testing.T) {
	cfg := config.Default()
	cfg.Boost.Stage1R = 1.5
	cfg.Boost.Stage2R = 0.5
	if got := cfg.Boost.EffectiveStage2R(); got != 1.5 {
		t.Fatalf("expected r2 corrected to 1.5, got %v", got)
	}
}

// ---------------------------------------------------------------------
// Stage2 exits
// ---------------------------------------------------------------------

func stage2(h *harness, id string, start int) {
	st := h.m.states[id]
	st.Stage1, st.Stage2, st.Stage2StartIndex = true, true, start
}

func TestSwingBreakClosesOnClosedBarOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	step := 15 * time.Minute
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * step) }

	for i, p := range []float64{2000, 2000, 1999, 1998, 1999, 2000} {
		h.bar(at(i), p)
	}
	h.bar(at(6), 1999)
	pos := h.open(t, types.Buy, 10, 2)
	stage2(h, pos.ID, 0)

	// bar 5 closes and confirms the pivot at 3
	h.m.OnTick(ctx, at(6))
	st, _ := h.m.State(pos.ID)
	if st.SwingLevel == nil || !near(*st.SwingLevel, 1998) {
		t.Fatalf("expected swing low 1998, got %v", st.SwingLevel)
	}

	// intrabar break of the swing
	h.quote(at(6).Add(time.Minute), 1997.5)
	h.m.OnTick(ctx, at(6).Add(time.Minute))
	if h.mock.Count("close") != 0 {
		t.Fatal("an intrabar touch must not trigger the exit")
	}

	h.bar(at(7), 1997.5)
	h.m.OnTick(ctx, at(7))
	if h.mock.Count("close") != 1 || h.closes[pos.ID] != types.CloseSwingBreak {
		t.Fatalf("expected a swing-break close, got %+v / %v", h.mock.Calls(), h.closes)
	}
}

func TestSwingConfirmedDuringMinHoldStillExits(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MinHoldMinutes = 20
	h := newHarness(t, cfg)
	ctx := context.Background()
	step := 15 * time.Minute
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * step) }

	for i, p := range []float64{2000, 2000, 1999, 1998, 1999, 2000} {
		h.bar(at(i), p)
	}
	h.bar(at(6), 1999)
	pos := h.open(t, types.Buy, 10, 2)
	stage2(h, pos.ID, 0)

	// the pivot at 3 confirms while the position is still young
	h.m.OnTick(ctx, at(6))
	st, _ := h.m.State(pos.ID)
	if st.SwingLevel == nil || !near(*st.SwingLevel, 1998) {
		t.Fatalf("swing must be tracked under min-hold, got %v", st.SwingLevel)
	}

	h.bar(at(7), 1997.5)
	h.m.OnTick(ctx, at(7))
	if h.mock.Count("close") != 0 {
		t.Fatal("min-hold must hold the exit back")
	}

	h.bar(at(8), 1997.5)
	h.m.OnTick(ctx, at(8))
	if h.mock.Count("close") != 1 || h.closes[pos.ID] != types.CloseSwingBreak {
		t.Fatalf("expected a swing-break close once min-hold ended, got %+v", h.mock.Calls())
	}
}

func TestSwingBeforeStage2StartIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	step := 15 * time.Minute
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * step) }
	for i, p := range []float64{2000, 2000, 1999, 1998, 1999, 2000, 2001} {
		h.bar(at(i), p)
	}
	pos := h.open(t, types.Buy, 10, 2)
	stage2(h, pos.ID, 4)

	h.m.OnTick(context.Background(), at(6))
	if st, _ := h.m.State(pos.ID); st.SwingLevel != nil {
		t.Fatalf("pivot at 3 predates Stage2 start 4, got %v", *st.SwingLevel)
	}
}

func TestRoundNumberFiresOncePerLevel(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	day := 24 * time.Hour
	h.bar(t0, 1900)
	h.bar(t0.Add(day), 1950)
	h.bar(t0.Add(2*day), 2080)
	now := t0.Add(3 * day)
	h.bar(now, 2080)

	a := h.open(t, types.Buy, 10, 2)
	b := h.open(t, types.Buy, 10, 2)
	stage2(h, a.ID, 0)
	stage2(h, b.ID, 0)

	h.m.OnTick(ctx, now)
	for _, id := range []string{a.ID, b.ID} {
		if st, _ := h.m.State(id); st.RoundLevel == nil || *st.RoundLevel != 2100 {
			t.Fatalf("expected 2100 armed for %s, got %+v", id, st)
		}
	}

	h.quote(now.Add(time.Minute), 2100.5)
	h.m.OnTick(ctx, now.Add(time.Minute))
	if h.mock.Count("close") != 1 || h.closes[a.ID] != types.CloseRoundNumber {
		t.Fatalf("exactly one position may take the 2100 level, got %v", h.closes)
	}
	st, _ := h.m.State(b.ID)
	if st.RoundLevel == nil || *st.RoundLevel != 2200 {
		t.Fatalf("second position should re-arm at 2200, got %+v", st)
	}

	h.m.OnTick(ctx, now.Add(2*time.Minute))
	if h.mock.Count("close") != 1 {
		t.Fatal("a used level must never fire again")
	}
}

func TestRoundNumberKeptWhenCloseFails(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	day := 24 * time.Hour
	h.bar(t0, 1900)
	h.bar(t0.Add(day), 1950)
	h.bar(t0.Add(2*day), 2080)
	now := t0.Add(3 * day)
	h.bar(now, 2080)
	a := h.open(t, types.Buy, 10, 2)
	stage2(h, a.ID, 0)
	h.m.OnTick(ctx, now)

	h.mock.FailClose = true
	h.quote(now.Add(time.Minute), 2100.5)
	h.m.OnTick(ctx, now.Add(time.Minute))
	if _, used := h.m.usedRounds[2100]; used {
		t.Fatal("a failed close must not consume the level")
	}
	if st, _ := h.m.State(a.ID); st.RoundLevel == nil || *st.RoundLevel != 2100 {
		t.Fatalf("2100 should stay armed, got %+v", st)
	}

	h.mock.FailClose = false
	next := now.Add(5 * time.Minute)
	h.m.BeginBar(next)
	h.m.OnTick(ctx, next)
	if h.mock.Count("close") != 2 || h.closes[a.ID] != types.CloseRoundNumber {
		t.Fatalf("expected the retry to close, got %+v", h.mock.Calls())
	}
	if _, used := h.m.usedRounds[2100]; !used {
		t.Fatal("the level is used once the close succeeds")
	}
}

func TestRoundNumberNeedsAllTimeHigh(t *testing.T) {
	h := newHarness(t, testConfig())
	day := 24 * time.Hour
	h.bar(t0, 2100)
	h.bar(t0.Add(day), 1950)
	h.bar(t0.Add(2*day), 2080)
	now := t0.Add(3 * day)
	h.bar(now, 2080)
	a := h.open(t, types.Buy, 10, 2)
	stage2(h, a.ID, 0)

	h.m.OnTick(context.Background(), now)
	if st, _ := h.m.State(a.ID); st.RoundLevel != nil {
		t.Fatal("no level may be armed without an all-time-high close")
	}
}

func TestAllTimeHighAndRoundLevels(t *testing.T) {
	mk := func(closes ...float64) types.Bars {
		out := make(types.Bars, len(closes))
		for i, c := range closes {
			out[i] = types.Bar{Close: c}
		}
		return out
	}
	if _, ok := AllTimeHigh(mk(1, 2)); ok {
		t.Fatal("two bars are not enough")
	}
	if _, ok := AllTimeHigh(mk(1, 3, 3, 9)); ok {
		t.Fatal("an equal close is not a breakout")
	}
	if c, ok := AllTimeHigh(mk(1, 2, 3, 0)); !ok || c != 3 {
		t.Fatal("expected breakout at 3; the forming bar is ignored")
	}

	cases := []struct {
		side     types.Side
		bid, ask float64
		want     float64
	}{
		{types.Buy, 2050, 2050.2, 2100},
		{types.Buy, 2100, 2100.2, 2200},
		{types.Sell, 2050, 2050.2, 2000},
		{types.Sell, 1999.8, 2000, 1900},
	}
	for _, c := range cases {
		got, ok := NextRoundLevel(c.side, c.bid, c.ask, 100)
		if !ok || got != c.want {
			t.Fatalf("%s %v/%v: expected %v, got %v", c.side, c.bid, c.ask, c.want, got)
		}
	}
}

// ---------------------------------------------------------------------
// Bookkeeping
// ---------------------------------------------------------------------

func TestSyncAdoptsAndPurges(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.bar(t0, 2000)
	pos, _ := h.mock.Submit(ctx, types.Order{Side: types.Sell, Qty: 1, Label: h.cfg.Label})
	_ = h.mock.Modify(ctx, pos.ID, types.Price(2003), nil)
	_, _ = h.mock.Submit(ctx, types.Order{Side: types.Sell, Qty: 1, Label: "SOMEONE_ELSE"})

	h.m.OnTick(ctx, t0)
	st, ok := h.m.State(pos.ID)
	if !ok || !near(st.InitialStop, 3) || h.m.Tracked() != 1 {
		t.Fatalf("expected the own position adopted with a 3.0 stop, got %+v (tracked %d)", st, h.m.Tracked())
	}

	_ = h.mock.Close(ctx, pos.ID)
	if purged := h.m.Sync(nil); len(purged) != 1 || purged[0] != pos.ID {
		t.Fatalf("expected %s purged, got %v", pos.ID, purged)
	}
}

func TestResetClearsEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.bar(t0, 2000)
	pos := h.open(t, types.Buy, 1, 2)
	h.m.usedRounds[2100] = struct{}{}
	h.m.emergency[pos.ID] = struct{}{}
	h.m.claim(pos.ID, ActionBreakeven)

	h.m.Reset()
	if h.m.Tracked() != 0 || len(h.m.usedRounds) != 0 || len(h.m.emergency) != 0 || len(h.m.guard) != 0 {
		t.Fatal("reset must clear all side-state")
	}
	if !h.m.claim(pos.ID, ActionBreakeven) {
		t.Fatal("guard slot should be free after reset")
	}
}

func TestUnrealizedR(t *testing.T) {
	long := types.Position{Side: types.Buy, EntryPrice: 100}
	if r, ok := UnrealizedR(long, 2, 103, 103.2); !ok || !near(r, 1.5) {
		t.Fatalf("expected 1.5R, got %v", r)
	}
	short := types.Position{Side: types.Sell, EntryPrice: 100}
	if r, _ := UnrealizedR(short, 2, 98.8, 99); !near(r, 0.5) {
		t.Fatalf("short R measured from ask, got %v", r)
	}
	if _, ok := UnrealizedR(long, 0, 103, 103); ok {
		t.Fatal("zero stop distance has no R")
	}
}
