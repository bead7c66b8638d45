// Package strategy wires the trend-line engine together: closed bars feed
// the signal evaluator and the order controller, ticks drive position
// management and timer pulses enforce the trading window.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/indicator"
	"github.com/evdnx/trendcore/lifecycle"
	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/metrics"
	"github.com/evdnx/trendcore/news"
	"github.com/evdnx/trendcore/order"
	"github.com/evdnx/trendcore/permission"
	"github.com/evdnx/trendcore/signal"
	"github.com/evdnx/trendcore/types"
	"github.com/evdnx/trendcore/window"
)

// skipLogInterval throttles skip-by-gates lines, measured in engine time.
const skipLogInterval = 5 * time.Minute

// Engine is the single-symbol trading engine. OnBar, OnTick and OnTimer are
// expected to be called from one goroutine in delivery order.
type Engine struct {
	cfg     config.Config
	exec    executor.Executor
	log     logger.Logger
	loc     *time.Location
	primary types.Timeframe

	news    news.Gate
	perm    *permission.Gate
	eval    *signal.Evaluator
	session *signal.Session
	orders  *order.Controller
	life    *lifecycle.Manager
	win     *window.Controller
	skipLog *rate.Limiter

	inBar   atomic.Bool
	stopped atomic.Bool

	mu           sync.RWMutex
	closeReasons map[string]string
}

// NewEngine validates cfg and builds every component. A nil news gate
// allows all entries.
func NewEngine(cfg config.Config, exec executor.Executor, gate news.Gate, log logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	log = logger.With(log, logger.String("symbol", cfg.Symbol), logger.String("label", cfg.Label))
	if gate == nil {
		gate = news.AllowAll{}
	}

	win, err := window.NewController(cfg.Window, loc, log)
	if err != nil {
		return nil, fmt.Errorf("trading window: %w", err)
	}
	perm := permission.New()
	orders, err := order.New(cfg, exec, gate, perm, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		exec:         exec,
		log:          log,
		loc:          loc,
		primary:      types.Timeframe(cfg.Entry.Timeframe),
		news:         gate,
		perm:         perm,
		eval:         signal.NewEvaluator(signal.ParamsFrom(cfg.Entry, exec.Symbol())),
		session:      signal.NewSession(),
		orders:       orders,
		life:         lifecycle.New(cfg, exec, win, log),
		win:          win,
		skipLog:      rate.NewLimiter(rate.Every(skipLogInterval), 1),
		closeReasons: make(map[string]string),
	}
	orders.OnClose(e.recordClose)
	e.life.OnClose(e.recordClose)

	log.Info("engine_ready",
		logger.String("stop_policy", orders.StopPolicy().Name()),
		logger.Bool("target_enabled", orders.TargetPolicy() != nil),
		logger.Bool("window_enabled", cfg.Window.Enabled),
		logger.String("timezone", loc.String()),
	)
	return e, nil
}

// Permission returns the operator trade-permission gate.
func (e *Engine) Permission() *permission.Gate { return e.perm }

// Session exposes the signal context (read-only use).
func (e *Engine) Session() *signal.Session { return e.session }

// Lifecycle exposes the position manager.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.life }

// Window exposes the trading window controller.
func (e *Engine) Window() *window.Controller { return e.win }

// CloseReason returns the initiator tag of an engine-initiated close.
func (e *Engine) CloseReason(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.closeReasons[id]
	return r, ok
}

func (e *Engine) recordClose(id, reason string) {
	e.mu.Lock()
	e.closeReasons[id] = reason
	e.mu.Unlock()
}

// OnBar evaluates the bar that just closed on the primary timeframe.
func (e *Engine) OnBar(ctx context.Context, now time.Time) {
	if e.stopped.Load() {
		return
	}
	if !e.inBar.CompareAndSwap(false, true) {
		e.log.Warn("on_bar_reentered", logger.Time("now", now))
		return
	}
	defer e.inBar.Store(false)

	bars := e.exec.Bars(e.primary)
	if n := len(bars); n > 0 {
		e.life.BeginBar(bars[n-1].OpenTime)
	}
	metrics.BalanceGauge.Set(e.exec.Balance())
	if bars.Count() < e.cfg.Entry.MinBars {
		return
	}

	state := e.win.State(now)
	metrics.WindowState.Set(float64(state))
	if state != window.AllowNewEntries {
		e.skip(now, "time_window", state.String())
		return
	}
	if ok, reason := e.news.EntryAllowed(now); !ok {
		e.skip(now, order.GateNews, reason)
		return
	}

	line, err := indicator.EMA(bars.Closed().Closes(), e.cfg.Entry.EMAPeriod)
	if err != nil {
		e.log.Debug("line_unavailable", logger.Err(err))
		return
	}
	in, ok := signal.BuildInput(bars, line, e.cfg.Entry.PriceSource)
	if !ok {
		return
	}

	d := e.eval.Evaluate(e.session, in)
	if !d.OK {
		if d.Reason != signal.ReasonNoCross && d.Reason != signal.ReasonDuplicate {
			e.log.Debug("signal_held",
				logger.String("reason", d.Reason),
				logger.Int("index", d.Index),
				logger.String("line_state", e.session.State.String()),
			)
		}
		return
	}

	metrics.SignalsEmitted.WithLabelValues(string(d.Side), d.Tag).Inc()
	e.log.Info("signal",
		logger.String("side", string(d.Side)),
		logger.String("tag", d.Tag),
		logger.Int("index", d.Index),
		logger.Bool("relaxed", d.Relaxed),
		logger.Float64("close", in.Close),
		logger.Float64("line", in.Line),
		logger.Clock("bar_time", bars[d.Index].OpenTime, e.loc),
	)

	res := e.orders.Place(ctx, e.session, order.Request{
		Side:    d.Side,
		Tag:     d.Tag,
		Index:   d.Index,
		Relaxed: d.Relaxed,
		Close:   in.Close,
		Line:    in.Line,
		Now:     now,
	})
	if !res.Placed {
		e.skip(now, res.Gate, res.Reason)
		return
	}
	e.life.Track(res.Position, res.StopDistance)
}

// OnTick records the tick and runs position management unless the window
// is force-flat.
func (e *Engine) OnTick(ctx context.Context, now time.Time) {
	e.win.Touch(now)
	open := executor.Owned(e.exec, e.cfg.Label)
	for _, id := range e.life.Sync(open) {
		e.win.Forget(id)
	}
	metrics.PositionsOpen.WithLabelValues(e.cfg.Label).Set(float64(len(open)))

	if state := e.win.State(now); state == window.ForceFlat {
		if len(open) > 0 {
			e.skip(now, "time_window", state.String())
		}
		return
	}
	e.life.OnTick(ctx, now)
}

// OnTimer refreshes the effective force-flat boundary, applies the
// market-follow triggers and liquidates inside the force-flat window. A
// disabled window skips all of it.
func (e *Engine) OnTimer(ctx context.Context, now time.Time) {
	if !e.win.Enabled() {
		return
	}
	e.win.UpdateEffectiveForceFlat(now, e.exec)

	if open := executor.Owned(e.exec, e.cfg.Label); len(open) > 0 {
		if trigger, ok := e.win.MarketFollowTrigger(now, e.exec); ok {
			e.liquidate(ctx, open, types.CloseMarketClose, trigger)
		}
	}

	state := e.win.State(now)
	metrics.WindowState.Set(float64(state))
	if state == window.ForceFlat {
		e.liquidate(ctx, executor.Owned(e.exec, e.cfg.Label), types.CloseMarketClose, window.TriggerForceFlat)
	}
}

// liquidate closes every position once. A failed close is released so the
// next pulse tries again.
func (e *Engine) liquidate(ctx context.Context, open []types.Position, reason, trigger string) {
	for _, p := range open {
		if !e.win.RequestClose(p.ID) {
			continue
		}
		e.recordClose(p.ID, reason)
		if err := e.exec.Close(ctx, p.ID); err != nil {
			e.win.Forget(p.ID)
			e.log.Error("force_flat_close_failed", logger.String("id", p.ID), logger.Err(err))
			continue
		}
		metrics.PositionsClosed.WithLabelValues(reason).Inc()
		e.log.Warn("market_follow_force_flat",
			logger.String("id", p.ID),
			logger.String("trigger", trigger),
			logger.String("reason", reason),
		)
	}
}

// Stop ends signal generation. With liquidate set every owned position is
// closed first. All per-position state, guards and the signal session are
// cleared either way.
func (e *Engine) Stop(ctx context.Context, liquidate bool) error {
	e.stopped.Store(true)
	var errs []error
	if liquidate {
		for _, p := range executor.Owned(e.exec, e.cfg.Label) {
			e.recordClose(p.ID, types.CloseShutdown)
			if err := e.exec.Close(ctx, p.ID); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.ID, err))
				continue
			}
			metrics.PositionsClosed.WithLabelValues(types.CloseShutdown).Inc()
		}
	}
	e.life.Reset()
	e.win.Reset()
	e.session.Reset()
	e.log.Info("engine_stopped", logger.Bool("liquidate", liquidate), logger.Int("close_errors", len(errs)))
	return errors.Join(errs...)
}

// skip logs a blocked entry at most once per skipLogInterval of engine time.
func (e *Engine) skip(now time.Time, gate, detail string) {
	if !e.skipLog.AllowN(now, 1) {
		return
	}
	e.log.Info("skip_by_gates",
		logger.String("gate", gate),
		logger.String("detail", detail),
		logger.Clock("now", now, e.loc),
	)
}
