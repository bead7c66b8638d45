package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/evdnx/trendcore/indicator"
	"github.com/evdnx/trendcore/levels"
	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/metrics"
	"github.com/evdnx/trendcore/types"
)

// UnrealizedR is the favourable excursion of p over its initial stop
// distance: bid − entry for a long, entry − ask for a short.
func UnrealizedR(p types.Position, stopDist, bid, ask float64) (float64, bool) {
	if stopDist <= 0 {
		return 0, false
	}
	profit := bid - p.EntryPrice
	if p.Side == types.Sell {
		profit = p.EntryPrice - ask
	}
	return profit / stopDist, true
}

func (m *Manager) applyBoost(ctx context.Context, now time.Time, open []types.Position, bid, ask float64) {
	b := m.cfg.Boost
	if !b.Stage1Enabled || !m.cfg.Target.Enabled {
		return
	}
	r1 := max(0, b.Stage1R)
	r2 := max(0, b.EffectiveStage2R())

	for _, p := range open {
		st := m.states[p.ID]
		if st == nil {
			continue
		}
		if st.Stage2 {
			m.stage2Exit(ctx, now, p, st, bid, ask)
			continue
		}
		r, ok := UnrealizedR(p, st.InitialStop, bid, ask)
		if !ok {
			continue
		}
		switch {
		case !st.Stage1:
			if r+rEpsilon >= r1 {
				m.stage1(ctx, now, p, st, r, bid, ask)
			}
		case b.Stage2Enabled && r+rEpsilon >= r2:
			m.enterStage2(now, p, st, r, r2)
		}
	}
}

// stage1 swaps the target for the higher-timeframe structural target. A
// target already within half a tick of it counts as done.
func (m *Manager) stage1(ctx context.Context, now time.Time, p types.Position, st *BoostState, r, bid, ask float64) {
	b := m.cfg.Boost
	policy := levels.StructuralTarget{
		Timeframe:  m.stage1TF,
		LR:         b.Stage1SwingLR,
		Lookback:   b.Stage1Lookback,
		BufferPips: b.Stage1BufferPips,
		MinPips:    m.cfg.Target.MinPips,
	}
	lvl, err := policy.Target(levels.Request{Source: m.exec, Symbol: m.sym, Side: p.Side, Entry: p.EntryPrice}, levels.Level{})
	if err != nil {
		if m.claim(p.ID, "LOG_S1_NO_TARGET") {
			m.log.Debug("stage1_no_target", logger.String("id", p.ID), logger.Err(err))
		}
		return
	}

	if p.TakeProfit != nil && math.Abs(*p.TakeProfit-lvl.Price) <= m.sym.TickSize*0.5 {
		st.Stage1 = true
		metrics.BoostTransitions.WithLabelValues("stage1").Inc()
		m.log.Info("stage1_already_set",
			logger.String("id", p.ID),
			logger.Float64("unrealized_r", r),
			logger.Float64("target", lvl.Price),
		)
		return
	}

	if !m.modifyOncePerBar(ctx, now, p, p.StopLoss, types.Price(lvl.Price), ActionStage1, bid, ask) {
		if m.claim(p.ID, "LOG_S1_MODIFY_FAIL") {
			m.log.Debug("stage1_modify_skipped",
				logger.String("id", p.ID),
				logger.Float64("unrealized_r", r),
				logger.Float64("target", lvl.Price),
			)
		}
		return
	}
	st.Stage1 = true
	metrics.BoostTransitions.WithLabelValues("stage1").Inc()
	m.log.Info("stage1_modify_ok",
		logger.String("id", p.ID),
		logger.String("side", string(p.Side)),
		logger.Float64("unrealized_r", r),
		logger.Price("previous_target", p.TakeProfit),
		logger.Float64("target", lvl.Price),
	)
}

// enterStage2 switches p to exit-only mode and records where the swing
// watch starts.
func (m *Manager) enterStage2(now time.Time, p types.Position, st *BoostState, r, r2 float64) {
	st.Stage2 = true
	st.Stage2StartIndex = m.exec.Bars(m.stage2TF).IndexAt(now)
	st.SwingLevel = nil
	st.RoundLevel = nil
	metrics.BoostTransitions.WithLabelValues("stage2").Inc()
	m.log.Info("stage2_mode_on",
		logger.String("id", p.ID),
		logger.String("side", string(p.Side)),
		logger.Float64("trigger_r", r2),
		logger.Float64("unrealized_r", r),
		logger.Int("start_index", st.Stage2StartIndex),
	)
}

// stage2Exit closes p on a round-number first touch during an all-time-high
// breakout, otherwise on a closed-bar break of the tracked swing. Swings keep
// being tracked while min-hold holds the exits back.
func (m *Manager) stage2Exit(ctx context.Context, now time.Time, p types.Position, st *BoostState, bid, ask float64) {
	bars := m.exec.Bars(m.stage2TF)
	m.updateSwings(bars)
	if m.MinHoldActive(p, now) {
		return
	}
	if m.roundNumberExit(ctx, p, st, bid, ask) {
		return
	}
	m.swingBreakExit(ctx, p, st, bars)
}

// AllTimeHigh reports whether the last closed bar's close exceeds every
// earlier close. Fewer than three bars never qualify.
func AllTimeHigh(bars types.Bars) (float64, bool) {
	if len(bars) < 3 {
		return 0, false
	}
	last := bars.LastClosedIndex()
	c := bars[last].Close
	for i := 0; i < last; i++ {
		if bars[i].Close >= c {
			return c, false
		}
	}
	return c, true
}

// NextRoundLevel is the next multiple of step in the position's favour:
// above the bid for a long, below the ask for a short.
func NextRoundLevel(side types.Side, bid, ask, step float64) (float64, bool) {
	if step <= 0 {
		return 0, false
	}
	if side == types.Buy {
		if bid <= 0 {
			return 0, false
		}
		return (math.Floor(bid/step) + 1) * step, true
	}
	if ask <= 0 {
		return 0, false
	}
	return (math.Ceil(ask/step) - 1) * step, true
}

func (m *Manager) roundNumberExit(ctx context.Context, p types.Position, st *BoostState, bid, ask float64) bool {
	d1Close, ath := AllTimeHigh(m.exec.Bars(m.athTF))
	if !ath {
		return false
	}
	if st.RoundLevel != nil {
		if _, used := m.usedRounds[*st.RoundLevel]; used {
			st.RoundLevel = nil
		}
	}
	if st.RoundLevel == nil {
		lvl, ok := NextRoundLevel(p.Side, bid, ask, m.cfg.Boost.RoundStep)
		if !ok {
			return false
		}
		if _, used := m.usedRounds[lvl]; used {
			return false
		}
		st.RoundLevel = types.Price(lvl)
		m.log.Debug("stage2_round_armed", logger.String("id", p.ID), logger.Float64("level", lvl))
		return false
	}

	lvl := *st.RoundLevel
	price := bid
	touched := bid >= lvl
	if p.Side == types.Sell {
		price = ask
		touched = ask <= lvl
	}
	if !touched {
		return false
	}
	m.log.Info("stage2_exit_round_number",
		logger.String("id", p.ID),
		logger.String("side", string(p.Side)),
		logger.Float64("ath_close", d1Close),
		logger.Float64("level", lvl),
		logger.Float64("price", price),
	)
	if m.closeOncePerBar(ctx, p, types.CloseRoundNumber) {
		m.usedRounds[lvl] = struct{}{}
	}
	return true
}

// updateSwings examines the pivot confirmed by the newest closed bar once per
// bar and hands it to every Stage2 position that started at or before it.
func (m *Manager) updateSwings(bars types.Bars) {
	lastClosed := bars.LastClosedIndex()
	if lastClosed <= 0 || lastClosed == m.lastSwingClosed {
		return
	}
	lr := max(1, m.cfg.Boost.Stage2SwingLR)
	if len(bars) < 2*lr+3 {
		return
	}
	m.lastSwingClosed = lastClosed

	idx, low, high := indicator.ConfirmPivot(bars, lr)
	if idx < 0 || (low == nil && high == nil) {
		return
	}
	for _, p := range m.owned() {
		st := m.states[p.ID]
		if st == nil || !st.Stage2 || st.Stage2StartIndex < 0 || idx < st.Stage2StartIndex {
			continue
		}
		var pivot *indicator.SwingPoint
		if p.Side == types.Buy {
			pivot = low
		} else {
			pivot = high
		}
		if pivot == nil {
			continue
		}
		changed := st.SwingLevel == nil || math.Abs(*st.SwingLevel-pivot.Price) > m.sym.TickSize*0.5
		st.SwingLevel = types.Price(pivot.Price)
		if changed {
			m.log.Info("stage2_swing_set",
				logger.String("id", p.ID),
				logger.String("side", string(p.Side)),
				logger.Int("lr", lr),
				logger.Int("pivot_index", idx),
				logger.Float64("swing", pivot.Price),
				logger.Time("pivot_time", bars[idx].OpenTime),
			)
		}
	}
}

func (m *Manager) swingBreakExit(ctx context.Context, p types.Position, st *BoostState, bars types.Bars) bool {
	if len(bars) < 3 || st.SwingLevel == nil {
		return false
	}
	swing := *st.SwingLevel
	c := bars[bars.LastClosedIndex()].Close
	broken := (p.Side == types.Buy && c < swing) || (p.Side == types.Sell && c > swing)
	if !broken {
		return false
	}
	if m.closeOncePerBar(ctx, p, types.CloseSwingBreak) {
		m.log.Info("stage2_exit_swing_break",
			logger.String("id", p.ID),
			logger.String("side", string(p.Side)),
			logger.Float64("swing", swing),
			logger.Float64("close", c),
		)
	}
	return true
}
