// Package order turns a planned direction into a protected market position:
// entry gates, stop and target placement, the risk-reward filter, sizing and
// a bounded stop-attachment retry.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/levels"
	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/metrics"
	"github.com/evdnx/trendcore/news"
	"github.com/evdnx/trendcore/permission"
	"github.com/evdnx/trendcore/risk"
	"github.com/evdnx/trendcore/signal"
	"github.com/evdnx/trendcore/types"
)

// Gates that can reject an entry.
const (
	GatePermission   = "permission"
	GateNews         = "news"
	GateMaxPositions = "max_positions"
	GateQuote        = "quote"
	GateSpread       = "spread"
	GateDirection    = "direction_filter"
	GateStop         = "stop"
	GateTarget       = "target"
	GateRR           = "min_rr"
	GateSizing       = "sizing"
	GateBroker       = "broker"
)

// rrEpsilon absorbs float noise in the risk-reward comparison.
const rrEpsilon = 1e-12

var (
	errAbandon          = errors.New("abandoned")
	errStopNotAttached  = errors.New("stop loss not attached")
	errPositionVanished = errors.New("position vanished before protection check")
)

// Request is a planned entry.
type Request struct {
	Side    types.Side
	Tag     string
	Index   int
	Relaxed bool
	// Close and Line feed the optional direction filter.
	Close float64
	Line  float64
	Now   time.Time
}

// Result describes what Place did.
type Result struct {
	Placed   bool
	Position types.Position
	// Gate and Reason are set when nothing was placed.
	Gate   string
	Reason string
	// StopDistance is the distance actually attached, in price units.
	StopDistance float64
	Attempts     int
	RR           float64
	// RelaxPending is set when the risk-reward failure armed a relaxation.
	RelaxPending bool
}

// CloseRecorder receives the initiator tag of every close the controller
// issues.
type CloseRecorder func(id, reason string)

type Controller struct {
	cfg     config.Config
	exec    executor.Executor
	sym     types.SymbolInfo
	stop    levels.StopPolicy
	target  levels.TargetPolicy
	sizer   risk.Sizer
	news    news.Gate
	perm    *permission.Gate
	log     logger.Logger
	onClose CloseRecorder
}

// New resolves the configured policies once. A nil target policy means
// targets are disabled.
func New(cfg config.Config, exec executor.Executor, gate news.Gate, perm *permission.Gate, log logger.Logger) (*Controller, error) {
	primary := types.Timeframe(cfg.Entry.Timeframe)
	stop, err := levels.ResolveStop(cfg.Stop, primary)
	if err != nil {
		return nil, fmt.Errorf("stop policy: %w", err)
	}
	var target levels.TargetPolicy
	if cfg.Target.Enabled {
		if target, err = levels.ResolveTarget(cfg.Target, primary); err != nil {
			return nil, fmt.Errorf("target policy: %w", err)
		}
	}
	if gate == nil {
		gate = news.AllowAll{}
	}
	if perm == nil {
		perm = permission.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	sym := exec.Symbol()
	return &Controller{
		cfg:     cfg,
		exec:    exec,
		sym:     sym,
		stop:    stop,
		target:  target,
		sizer:   risk.NewSizer(sym, cfg.Risk),
		news:    gate,
		perm:    perm,
		log:     log,
		onClose: func(string, string) {},
	}, nil
}

// OnClose installs the close recorder.
func (c *Controller) OnClose(fn CloseRecorder) {
	if fn != nil {
		c.onClose = fn
	}
}

func (c *Controller) StopPolicy() levels.StopPolicy     { return c.stop }
func (c *Controller) TargetPolicy() levels.TargetPolicy { return c.target }

// Place runs the entry gates and, when they pass, opens and protects a
// position. Failures never escape: they come back as a Result with Gate set.
func (c *Controller) Place(ctx context.Context, s *signal.Session, req Request) Result {
	if ok, reason := c.perm.Allowed(); !ok {
		return c.reject(GatePermission, reason)
	}
	if ok, reason := c.news.EntryAllowed(req.Now); !ok {
		return c.reject(GateNews, reason)
	}
	if n := len(executor.Owned(c.exec, c.cfg.Label)); n >= c.cfg.Risk.MaxPositions {
		return c.reject(GateMaxPositions, fmt.Sprintf("%d open", n))
	}
	bid, ask, err := c.exec.Quote()
	if err != nil {
		return c.reject(GateQuote, err.Error())
	}
	if limit := c.sym.PipsToPrice(c.cfg.Risk.MaxSpreadPips); limit > 0 && ask-bid > limit {
		return c.reject(GateSpread, fmt.Sprintf("spread %.5f > %.5f", ask-bid, limit))
	}
	if c.cfg.Entry.DirectionFilter {
		if (req.Side == types.Buy && req.Close <= req.Line) || (req.Side == types.Sell && req.Close >= req.Line) {
			return c.reject(GateDirection, "close on wrong side of line")
		}
	}

	entry := ask
	if req.Side == types.Sell {
		entry = bid
	}
	lr := levels.Request{Source: c.exec, Symbol: c.sym, Side: req.Side, Entry: entry}
	stop, err := c.stop.Stop(lr)
	if err != nil {
		return c.reject(GateStop, fmt.Sprintf("%s: %v", c.stop.Name(), err))
	}

	var rr float64
	if c.target != nil {
		tgt, err := c.target.Target(lr, stop)
		if err != nil {
			return c.reject(GateTarget, fmt.Sprintf("%s: %v", c.target.Name(), err))
		}
		rr = tgt.Distance / stop.Distance
		if res, ok := c.checkRR(s, req, rr); !ok {
			return res
		}
	}

	budget, mode := risk.Budget(c.cfg.Risk, c.exec.Balance())
	pos, dist, attempts, err := c.execute(ctx, req, lr, stop, budget)
	if err != nil {
		gate := GateBroker
		if errors.Is(err, risk.ErrBelowMinimum) || errors.Is(err, risk.ErrNoBudget) {
			gate = GateSizing
		}
		res := c.reject(gate, err.Error())
		res.Attempts = attempts
		return res
	}

	s.ClearRrRelax()
	metrics.PositionsOpen.WithLabelValues(c.cfg.Label).Set(float64(len(executor.Owned(c.exec, c.cfg.Label))))
	c.log.Info("order_placed",
		logger.String("id", pos.ID),
		logger.String("side", string(req.Side)),
		logger.String("tag", req.Tag),
		logger.Float64("volume", pos.Volume),
		logger.Float64("entry", pos.EntryPrice),
		logger.Price("sl", pos.StopLoss),
		logger.Price("tp", pos.TakeProfit),
		logger.Float64("rr", rr),
		logger.String("risk_mode", string(mode)),
		logger.Float64("risk_budget", budget),
		logger.Int("attempts", attempts),
	)
	return Result{
		Placed:       true,
		Position:     pos,
		StopDistance: dist,
		Attempts:     attempts,
		RR:           rr,
	}
}

// checkRR applies the minimum risk-reward filter, substituting the relaxed
// ratio while a matching relaxation is pending.
func (c *Controller) checkRR(s *signal.Session, req Request, rr float64) (Result, bool) {
	e := c.cfg.Entry
	minRR := e.MinRR
	relaxed := e.RRRelaxEnabled && (req.Relaxed || s.RrRelaxFor(req.Side))
	if relaxed {
		minRR = e.RRRelaxedRatio
	}
	if minRR <= 0 || rr+rrEpsilon >= minRR {
		return Result{}, true
	}
	res := c.reject(GateRR, fmt.Sprintf("rr %.3f < %.3f", rr, minRR))
	res.RR = rr
	if e.RRRelaxEnabled && !relaxed && s.SetRrRelax(req.Index, req.Side) {
		res.RelaxPending = true
		c.log.Info("rr_relax_pending_set",
			logger.String("side", string(req.Side)),
			logger.Int("origin_index", req.Index),
			logger.Float64("rr", rr),
			logger.Float64("relaxed_ratio", e.RRRelaxedRatio),
		)
	}
	return res, false
}

type phase int

const (
	phaseAttempt phase = iota
	phaseWiden
	phaseSuccess
	phaseAbandon
)

// execute is the bounded attach-protection state machine:
// Attempt → Success | WidenAndRetry | Abandon.
func (c *Controller) execute(ctx context.Context, req Request, lr levels.Request, stop levels.Level, budget float64) (types.Position, float64, int, error) {
	maxAttempts := max(1, c.cfg.Retry.MaxAttempts)
	step := max(0, c.cfg.Retry.StepPips) * c.sym.PipSize

	var (
		pos     types.Position
		lastErr error
		dist    = stop.Distance
		n       = 1
		ph      = phaseAttempt
	)
	for {
		switch ph {
		case phaseAttempt:
			pos, lastErr = c.attempt(ctx, req, lr, dist, budget)
			switch {
			case lastErr == nil:
				ph = phaseSuccess
			case errors.Is(lastErr, errAbandon), n >= maxAttempts:
				ph = phaseAbandon
			default:
				ph = phaseWiden
			}
		case phaseWiden:
			n++
			dist += step
			c.log.Warn("stop_widened_retry",
				logger.Int("attempt", n),
				logger.Float64("stop_distance", dist),
				logger.Err(lastErr),
			)
			ph = phaseAttempt
		case phaseSuccess:
			return pos, dist, n, nil
		case phaseAbandon:
			c.log.Warn("order_abandoned", logger.Int("attempts", n), logger.Err(lastErr))
			return types.Position{}, dist, n, lastErr
		}
	}
}

// attempt sizes, submits and protects one order. If a required stop cannot
// be attached the position is closed before returning.
func (c *Controller) attempt(ctx context.Context, req Request, lr levels.Request, dist, budget float64) (types.Position, error) {
	vol, err := c.sizer.Volume(budget, c.sym.PriceToPips(dist))
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: %w", errAbandon, err)
	}
	o := types.Order{Symbol: c.sym.Name, Side: req.Side, Qty: vol, Label: c.cfg.Label, Comment: req.Tag}
	pos, err := c.exec.Submit(ctx, o)
	if err != nil {
		c.log.Error("order_submit_failed",
			logger.String("side", string(o.Side)),
			logger.Float64("qty", o.Qty),
			logger.Err(err),
		)
		if errors.Is(err, executor.ErrMarketClosed) || errors.Is(err, executor.ErrNoQuote) || errors.Is(err, executor.ErrInvalidOrder) {
			return types.Position{}, fmt.Errorf("%w: %w", errAbandon, err)
		}
		return types.Position{}, err
	}
	metrics.OrdersSubmitted.WithLabelValues(c.cfg.Label).Inc()
	c.log.Info("order_submitted",
		logger.String("id", pos.ID),
		logger.String("side", string(o.Side)),
		logger.Float64("qty", o.Qty),
		logger.Float64("fill", pos.EntryPrice),
		logger.String("ctx", req.Tag),
	)

	// levels are re-expressed off the actual fill
	var sl, tp *float64
	if c.cfg.Stop.Enabled {
		sl = types.Price(levels.StopAt(c.sym, req.Side, pos.EntryPrice, dist).Price)
	}
	if d := c.targetDistance(lr, dist); d > 0 {
		tp = types.Price(levels.TargetAt(c.sym, req.Side, pos.EntryPrice, d).Price)
	}
	if sl == nil && tp == nil {
		return pos, nil
	}

	err = c.exec.Modify(ctx, pos.ID, sl, tp)
	if err == nil && sl != nil {
		live, ok := executor.Find(c.exec, pos.ID)
		switch {
		case !ok:
			return types.Position{}, fmt.Errorf("%w: %w", errAbandon, errPositionVanished)
		case live.StopLoss == nil:
			err = errStopNotAttached
		}
	}
	if err == nil {
		if live, ok := executor.Find(c.exec, pos.ID); ok {
			pos = live
		}
		return pos, nil
	}
	if sl == nil {
		// only the target failed; an unprotected stop was not required
		c.log.Warn("target_set_failed", logger.String("id", pos.ID), logger.Err(err))
		return pos, nil
	}

	c.onClose(pos.ID, types.CloseStopNotSet)
	metrics.ProtectionRetries.Inc()
	if cerr := c.exec.Close(ctx, pos.ID); cerr != nil {
		c.log.Error("protection_close_failed", logger.String("id", pos.ID), logger.Err(cerr))
		return types.Position{}, fmt.Errorf("%w: %w", errAbandon, cerr)
	}
	metrics.PositionsClosed.WithLabelValues(types.CloseStopNotSet).Inc()
	c.log.Warn("sl_set_failed_close",
		logger.String("id", pos.ID),
		logger.Float64("stop_distance", dist),
		logger.Err(err),
	)
	return types.Position{}, fmt.Errorf("protection not attached: %w", err)
}

// targetDistance recomputes the target for a widened stop; policies that do
// not depend on the stop return the same distance every attempt.
func (c *Controller) targetDistance(lr levels.Request, stopDist float64) float64 {
	if c.target == nil {
		return 0
	}
	stop := levels.StopAt(c.sym, lr.Side, lr.Entry, stopDist)
	tgt, err := c.target.Target(lr, stop)
	if err != nil {
		return 0
	}
	return tgt.Distance
}

func (c *Controller) reject(gate, reason string) Result {
	metrics.EntriesRejected.WithLabelValues(gate).Inc()
	c.log.Debug("entry_rejected", logger.String("gate", gate), logger.String("reason", reason))
	return Result{Gate: gate, Reason: reason}
}
