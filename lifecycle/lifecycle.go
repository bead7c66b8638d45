// Package lifecycle manages open positions after the fill: the breakeven
// move, the two-stage structural boost with its exits, minimum-hold
// suppression and the emergency close on drawdown.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/metrics"
	"github.com/evdnx/trendcore/risk"
	"github.com/evdnx/trendcore/types"
	"github.com/evdnx/trendcore/window"
)

// Action tags of the per-bar guard.
const (
	ActionBreakeven = "BREAKEVEN"
	ActionStage1    = "STRUCTURE_TP_STAGE1"
)

const rEpsilon = 1e-12

// BoostState is the engine-side record of one position, keyed by its id.
type BoostState struct {
	Stage1 bool
	Stage2 bool
	// SwingLevel is the Stage2 swing-break level; nil until a pivot forms
	// after Stage2 began.
	SwingLevel *float64
	// Stage2StartIndex is the Stage2-timeframe bar index at which the exit
	// mode began, -1 before that.
	Stage2StartIndex int
	// RoundLevel is the round-number level armed for the first-touch exit.
	RoundLevel *float64
	// InitialStop is the stop distance the position was opened with; the
	// unrealized R is measured against it.
	InitialStop float64
}

func (s BoostState) clone() BoostState {
	s.SwingLevel = copyPrice(s.SwingLevel)
	s.RoundLevel = copyPrice(s.RoundLevel)
	return s
}

// Window reports the trading window state. *window.Controller satisfies it.
type Window interface {
	State(now time.Time) window.State
}

// CloseRecorder receives the initiator tag of every close the manager
// issues.
type CloseRecorder func(id, reason string)

// Manager owns all per-position side-state. It is driven from the single
// engine goroutine and takes no locks.
type Manager struct {
	cfg     config.Config
	exec    executor.Executor
	sym     types.SymbolInfo
	win     Window
	log     logger.Logger
	onClose CloseRecorder

	stage1TF types.Timeframe
	stage2TF types.Timeframe
	athTF    types.Timeframe

	states    map[string]*BoostState
	emergency map[string]struct{}
	// usedRounds holds every round-number level that already fired.
	usedRounds map[float64]struct{}

	guard   map[string]struct{}
	barTime time.Time

	// lastSwingClosed is the last Stage2-timeframe closed index whose pivot
	// was examined.
	lastSwingClosed int
}

// New creates a manager. win may be nil, in which case modifications are
// never held back by the session.
func New(cfg config.Config, exec executor.Executor, win Window, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg:             cfg,
		exec:            exec,
		sym:             exec.Symbol(),
		win:             win,
		log:             log,
		onClose:         func(string, string) {},
		stage1TF:        types.Timeframe(cfg.Boost.Stage1Timeframe),
		stage2TF:        types.Timeframe(cfg.Boost.Stage2Timeframe),
		athTF:           types.Timeframe(cfg.Boost.ATHTimeframe),
		states:          make(map[string]*BoostState),
		emergency:       make(map[string]struct{}),
		usedRounds:      make(map[float64]struct{}),
		guard:           make(map[string]struct{}),
		lastSwingClosed: -1,
	}
}

// OnClose installs the close recorder.
func (m *Manager) OnClose(fn CloseRecorder) {
	if fn != nil {
		m.onClose = fn
	}
}

// Track starts managing a freshly opened position. stopDist is the distance
// the stop was attached at; zero lets the manager derive it from the live
// stop on first sight.
func (m *Manager) Track(pos types.Position, stopDist float64) {
	st, ok := m.states[pos.ID]
	if !ok {
		st = &BoostState{Stage2StartIndex: -1}
		m.states[pos.ID] = st
	}
	if stopDist > 0 {
		st.InitialStop = stopDist
	}
}

// State returns a copy of the side-state of id.
func (m *Manager) State(id string) (BoostState, bool) {
	st, ok := m.states[id]
	if !ok {
		return BoostState{}, false
	}
	return st.clone(), true
}

// Tracked is the number of positions with side-state.
func (m *Manager) Tracked() int { return len(m.states) }

// BeginBar clears the per-bar guard. t is the open time of the new bar and
// becomes part of every guard key until the next call.
func (m *Manager) BeginBar(t time.Time) {
	m.barTime = t
	clear(m.guard)
}

// Reset drops every piece of side-state. Used-round levels are cleared as
// well, so a restarted engine starts from a clean slate.
func (m *Manager) Reset() {
	clear(m.states)
	clear(m.emergency)
	clear(m.usedRounds)
	clear(m.guard)
	m.lastSwingClosed = -1
}

// Sync adopts untracked open positions and purges side-state whose position
// has disappeared. It returns the purged ids.
func (m *Manager) Sync(open []types.Position) []string {
	live := make(map[string]struct{}, len(open))
	for _, p := range open {
		live[p.ID] = struct{}{}
		st, ok := m.states[p.ID]
		if !ok {
			st = &BoostState{Stage2StartIndex: -1}
			m.states[p.ID] = st
		}
		if st.InitialStop <= 0 && p.StopLoss != nil {
			if d := math.Abs(p.EntryPrice - *p.StopLoss); d > m.sym.PipSize*0.1 {
				st.InitialStop = d
			}
		}
	}
	var purged []string
	for id := range m.states {
		if _, ok := live[id]; !ok {
			delete(m.states, id)
			delete(m.emergency, id)
			purged = append(purged, id)
		}
	}
	for id := range m.emergency {
		if _, ok := live[id]; !ok {
			delete(m.emergency, id)
		}
	}
	if len(purged) > 0 {
		m.log.Debug("lifecycle_purged", logger.Int("count", len(purged)))
	}
	return purged
}

// OnTick runs one management pass: breakeven, boost, then emergency close.
// Each phase reads the positions afresh so it sees what the previous one
// changed.
func (m *Manager) OnTick(ctx context.Context, now time.Time) {
	bid, ask, err := m.exec.Quote()
	if err != nil {
		return
	}
	m.Sync(m.owned())

	for _, p := range m.owned() {
		m.applyBreakeven(ctx, now, p, bid, ask)
	}
	m.applyBoost(ctx, now, m.owned(), bid, ask)
	m.applyEmergency(ctx, now, m.owned())
}

func (m *Manager) owned() []types.Position {
	return executor.Owned(m.exec, m.cfg.Label)
}

// MinHoldActive reports whether discretionary closes of p are still
// suppressed at now.
func (m *Manager) MinHoldActive(p types.Position, now time.Time) bool {
	hold := m.cfg.Risk.MinHold()
	if hold <= 0 || p.OpenTime.IsZero() {
		return false
	}
	return now.Sub(p.OpenTime) < hold
}

func (m *Manager) applyBreakeven(ctx context.Context, now time.Time, p types.Position, bid, ask float64) {
	trigger := m.cfg.Breakeven.Trigger
	if trigger <= 0 || p.NetProfit < trigger {
		return
	}
	if p.StopLoss != nil && (*p.StopLoss-p.EntryPrice)*p.Side.Sign() >= 0 {
		return
	}
	if m.modifyOncePerBar(ctx, now, p, types.Price(p.EntryPrice), p.TakeProfit, ActionBreakeven, bid, ask) {
		m.log.Info("breakeven_moved",
			logger.String("id", p.ID),
			logger.String("side", string(p.Side)),
			logger.Float64("entry", p.EntryPrice),
			logger.Float64("net_profit", p.NetProfit),
		)
	}
}

func (m *Manager) applyEmergency(ctx context.Context, now time.Time, open []types.Position) {
	budget, _ := risk.Budget(m.cfg.Risk, m.exec.Balance())
	if budget <= 0 {
		return
	}
	threshold := -budget * max(1, m.cfg.Risk.EmergencyMultiplier)
	for _, p := range open {
		if m.MinHoldActive(p, now) {
			continue
		}
		if _, ok := m.emergency[p.ID]; ok {
			continue
		}
		if p.NetProfit > threshold {
			continue
		}
		m.emergency[p.ID] = struct{}{}
		m.onClose(p.ID, types.CloseEmergency)
		m.log.Warn("emergency_close",
			logger.String("id", p.ID),
			logger.Float64("net_profit", p.NetProfit),
			logger.Float64("threshold", threshold),
		)
		if err := m.exec.Close(ctx, p.ID); err != nil {
			delete(m.emergency, p.ID)
			m.log.Error("emergency_close_failed", logger.String("id", p.ID), logger.Err(err))
			continue
		}
		metrics.PositionsClosed.WithLabelValues(types.CloseEmergency).Inc()
	}
}

// claim takes the guard slot for (id, bar, action) and reports whether it
// was free.
func (m *Manager) claim(id, action string) bool {
	key := fmt.Sprintf("%s|%d|%s", id, m.barTime.UnixNano(), action)
	if _, ok := m.guard[key]; ok {
		return false
	}
	m.guard[key] = struct{}{}
	return true
}

// modifyOncePerBar sends at most one modify per position, bar and action.
// Outside the entry window and for levels the broker would refuse nothing
// is sent and the guard slot stays free.
func (m *Manager) modifyOncePerBar(ctx context.Context, now time.Time, p types.Position, sl, tp *float64, action string, bid, ask float64) bool {
	if m.win != nil && m.win.State(now) != window.AllowNewEntries {
		return false
	}
	if err := executor.ValidateLevels(p.Side, bid, ask, sl, tp); err != nil {
		m.log.Debug("modify_skipped_invalid_levels",
			logger.String("id", p.ID),
			logger.String("action", action),
			logger.Err(err),
		)
		return false
	}
	if !m.claim(p.ID, action) {
		return false
	}
	if err := m.exec.Modify(ctx, p.ID, sl, tp); err != nil {
		m.log.Warn("modify_failed",
			logger.String("id", p.ID),
			logger.String("action", action),
			logger.Err(err),
		)
		return false
	}
	return true
}

// closeOncePerBar closes p at most once per bar for reason.
func (m *Manager) closeOncePerBar(ctx context.Context, p types.Position, reason string) bool {
	if !m.claim(p.ID, reason) {
		return false
	}
	m.onClose(p.ID, reason)
	if err := m.exec.Close(ctx, p.ID); err != nil {
		m.log.Error("close_failed", logger.String("id", p.ID), logger.String("reason", reason), logger.Err(err))
		return false
	}
	metrics.PositionsClosed.WithLabelValues(reason).Inc()
	return true
}

func copyPrice(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
