// Package window resolves the trading session gate and the market-follow
// liquidation triggers.
package window

import (
	"fmt"
	"time"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/logger"
)

// State is the tri-state session gate.
type State int

const (
	AllowNewEntries State = iota
	HoldOnly
	ForceFlat
)

func (s State) String() string {
	switch s {
	case AllowNewEntries:
		return "ALLOW_NEW_ENTRIES"
	case HoldOnly:
		return "HOLD_ONLY"
	case ForceFlat:
		return "FORCE_FLAT"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Market-follow triggers.
const (
	TriggerMarketClosed = "market_closed"
	TriggerTillClose    = "time_till_close"
	TriggerTickStall    = "tick_stall"
	TriggerForceFlat    = "force_flat_time"
)

// InWindow reports whether minute lies in [start, end), wrapping past
// midnight when start > end. start == end covers the whole day.
func InWindow(minute, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// Schedule holds the three boundaries in minutes after midnight.
type Schedule struct {
	Start     int
	End       int
	ForceFlat int
}

func NewSchedule(cfg config.WindowConfig) (Schedule, error) {
	var s Schedule
	var err error
	if s.Start, err = config.ParseHHMM(cfg.Start); err != nil {
		return s, err
	}
	if s.End, err = config.ParseHHMM(cfg.End); err != nil {
		return s, err
	}
	if s.ForceFlat, err = config.ParseHHMM(cfg.ForceFlat); err != nil {
		return s, err
	}
	return s, nil
}

// StateAt resolves minute against the schedule using forceFlat as the
// force-flat boundary. ForceFlat (forceFlat → start) wins over the entry
// window (start → end); everything else is HoldOnly.
func (s Schedule) StateAt(minute, forceFlat int) State {
	if InWindow(minute, forceFlat, s.Start) {
		return ForceFlat
	}
	if InWindow(minute, s.Start, s.End) {
		return AllowNewEntries
	}
	return HoldOnly
}

// Market is the broker's session clock.
type Market interface {
	MarketHours(now time.Time) (open bool, tillClose time.Duration, err error)
}

// Controller tracks the effective force-flat boundary, the last tick time
// and which positions already received a market-follow close request.
type Controller struct {
	cfg   config.WindowConfig
	sched Schedule
	loc   *time.Location
	log   logger.Logger

	effectiveFF   int
	lastLoggedDay string
	lastLoggedFF  int
	lastTick      time.Time
	requested     map[string]struct{}
}

func NewController(cfg config.WindowConfig, loc *time.Location, log logger.Logger) (*Controller, error) {
	sched, err := NewSchedule(cfg)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{
		cfg:          cfg,
		sched:        sched,
		loc:          loc,
		log:          log,
		effectiveFF:  sched.ForceFlat,
		lastLoggedFF: -1,
		requested:    make(map[string]struct{}),
	}, nil
}

func (c *Controller) Enabled() bool { return c.cfg.Enabled }

func (c *Controller) Schedule() Schedule { return c.sched }

// EffectiveForceFlat is the force-flat boundary in use, in minutes.
func (c *Controller) EffectiveForceFlat() int { return c.effectiveFF }

// State returns the gate at now. A disabled filter always allows entries.
func (c *Controller) State(now time.Time) State {
	if !c.cfg.Enabled {
		return AllowNewEntries
	}
	local := now.In(c.loc)
	return c.sched.StateAt(local.Hour()*60+local.Minute(), c.effectiveFF)
}

// Touch records the arrival of a tick.
func (c *Controller) Touch(now time.Time) { c.lastTick = now }

func (c *Controller) LastTick() time.Time { return c.lastTick }

// UpdateEffectiveForceFlat moves the force-flat boundary earlier when the
// market closes before the fixed schedule allows. Readings that are
// unavailable, non-positive or beyond the ignore horizon keep the fixed
// boundary.
func (c *Controller) UpdateEffectiveForceFlat(now time.Time, m Market) {
	c.effectiveFF = c.sched.ForceFlat
	if m == nil {
		return
	}
	open, till, err := m.MarketHours(now)
	if err != nil || !open || till <= 0 {
		return
	}
	if c.cfg.TillCloseIgnoreHours > 0 && till > time.Duration(c.cfg.TillCloseIgnoreHours)*time.Hour {
		return
	}

	closeAt := now.Add(till).In(c.loc)
	buffered := closeAt.Add(-time.Duration(c.cfg.CloseBufferMinutes) * time.Minute)
	fixed := time.Date(closeAt.Year(), closeAt.Month(), closeAt.Day(),
		c.sched.ForceFlat/60, c.sched.ForceFlat%60, 0, 0, c.loc)
	eff := fixed
	if buffered.Before(fixed) {
		eff = buffered
	}
	c.effectiveFF = eff.Hour()*60 + eff.Minute()

	day := now.In(c.loc).Format(time.DateOnly)
	if day == c.lastLoggedDay && c.effectiveFF == c.lastLoggedFF {
		return
	}
	c.lastLoggedDay = day
	c.lastLoggedFF = c.effectiveFF
	if c.effectiveFF != c.sched.ForceFlat {
		c.log.Info("market_close_adjust",
			logger.String("fixed_force_flat", hhmm(c.sched.ForceFlat)),
			logger.String("effective_force_flat", hhmm(c.effectiveFF)),
			logger.Clock("market_close", closeAt, c.loc),
			logger.Int("buffer_min", c.cfg.CloseBufferMinutes),
		)
	}
}

// MarketFollowTrigger reports whether open positions must be liquidated
// regardless of the schedule: the market reports closed, the time to close
// is below the threshold, or ticks have stalled. An unreadable market clock
// is treated as open so only the tick-stall rule applies.
func (c *Controller) MarketFollowTrigger(now time.Time, m Market) (string, bool) {
	if !c.cfg.Enabled || !c.cfg.MarketFollowEnabled {
		return "", false
	}
	if m != nil {
		open, till, err := m.MarketHours(now)
		if err == nil {
			if !open {
				return TriggerMarketClosed, true
			}
			if till <= time.Duration(c.cfg.TillCloseMinutes)*time.Minute {
				return TriggerTillClose, true
			}
		}
	}
	if !c.lastTick.IsZero() && c.cfg.TickStallMinutes > 0 &&
		now.Sub(c.lastTick) >= time.Duration(c.cfg.TickStallMinutes)*time.Minute {
		return TriggerTickStall, true
	}
	return "", false
}

// RequestClose marks id as liquidated by the controller and reports whether
// this is the first request for it.
func (c *Controller) RequestClose(id string) bool {
	if _, ok := c.requested[id]; ok {
		return false
	}
	c.requested[id] = struct{}{}
	return true
}

// Forget drops bookkeeping for a position that is gone.
func (c *Controller) Forget(id string) { delete(c.requested, id) }

// Reset clears all per-position bookkeeping and the tick clock.
func (c *Controller) Reset() {
	c.requested = make(map[string]struct{})
	c.lastTick = time.Time{}
	c.effectiveFF = c.sched.ForceFlat
}

func hhmm(m int) string { return fmt.Sprintf("%02d:%02d", m/60, m%60) }
