package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Policy selectors. Each decision point resolves its selector once into a
// concrete policy value; nothing downstream branches on raw strings.
const (
	PolicyFixed        = "fixed"
	PolicyVolatility   = "volatility"
	PolicyStructural   = "structural"
	PolicyStopMultiple = "stop_multiple"
)

// Entry modes. Cross trades the closed-bar line cross through the direction,
// distance and re-approach gates; regime trades the side of the line the
// last closed bar finished on.
const (
	EntryModeCross  = "cross"
	EntryModeRegime = "regime"
)

// Price sources for the directional value.
const (
	SourceClose   = "close"
	SourceOpen    = "open"
	SourceHL2     = "hl2"
	SourceTypical = "typical"
)

// Config holds every tunable parameter of the engine. Pip values are in
// user pips (metals are scaled by the symbol's pip scale) unless the field
// comment says internal pips.
type Config struct {
	Symbol   string `yaml:"symbol"`
	Label    string `yaml:"label"`
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`

	Risk      RiskConfig      `yaml:"risk"`
	Entry     EntryConfig     `yaml:"entry"`
	Stop      StopConfig      `yaml:"stop"`
	Target    TargetConfig    `yaml:"target"`
	Boost     BoostConfig     `yaml:"boost"`
	Breakeven BreakevenConfig `yaml:"breakeven"`
	Window    WindowConfig    `yaml:"window"`
	Retry     RetryConfig     `yaml:"retry"`
	News      NewsConfig      `yaml:"news"`
}

type RiskConfig struct {
	// Exactly one of Amount / Percent must be positive.
	Amount  float64 `yaml:"amount"`
	Percent float64 `yaml:"percent"`
	// BufferPips is always added to the sizing distance (internal pips).
	BufferPips              float64 `yaml:"buffer_pips"`
	SlippagePips            float64 `yaml:"slippage_pips"`
	IncludeSlippageInSizing bool    `yaml:"include_slippage_in_sizing"`
	EmergencyMultiplier     float64 `yaml:"emergency_multiplier"`
	MaxPositions            int     `yaml:"max_positions"`
	// MaxLots caps the order size; 0 = unlimited.
	MaxLots       float64 `yaml:"max_lots"`
	MaxSpreadPips float64 `yaml:"max_spread_pips"`
	// MinHoldMinutes suppresses discretionary closes on young positions.
	MinHoldMinutes int `yaml:"min_hold_minutes"`
}

type EntryConfig struct {
	Mode            string  `yaml:"mode"`
	Timeframe       string  `yaml:"timeframe"`
	EMAPeriod       int     `yaml:"ema_period"`
	PriceSource     string  `yaml:"price_source"`
	DeadzonePips    float64 `yaml:"deadzone_pips"`
	HysteresisRatio float64 `yaml:"hysteresis_ratio"`
	MinHoldBars     int     `yaml:"min_hold_bars"`
	// MaxDistancePips = 0 disables the distance gate.
	MaxDistancePips           float64 `yaml:"max_distance_pips"`
	ReapproachWindowBars      int     `yaml:"reapproach_window_bars"`
	ReapproachMaxDistancePips float64 `yaml:"reapproach_max_distance_pips"`
	DirectionFilter           bool    `yaml:"direction_filter"`
	MinRR                     float64 `yaml:"min_rr"`
	RRRelaxEnabled            bool    `yaml:"rr_relax_enabled"`
	RRRelaxWindowBars         int     `yaml:"rr_relax_window_bars"`
	RRRelaxedRatio            float64 `yaml:"rr_relaxed_ratio"`
	// MinBars is the primary-series history required before OnBar acts.
	MinBars int `yaml:"min_bars"`
}

type StopConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Policy        string  `yaml:"policy"`
	MinPips       float64 `yaml:"min_pips"`
	MaxPips       float64 `yaml:"max_pips"`
	ATRPeriod     int     `yaml:"atr_period"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	SwingLR       int     `yaml:"swing_lr"`
	SwingLookback int     `yaml:"swing_lookback"`
	BufferPips    float64 `yaml:"buffer_pips"`
	// BlockIfNoSwing rejects the entry instead of falling back to the
	// volatility stop when no structural swing exists.
	BlockIfNoSwing bool `yaml:"block_if_no_swing"`
}

type TargetConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Policy         string  `yaml:"policy"`
	FixedPips      float64 `yaml:"fixed_pips"`
	MinPips        float64 `yaml:"min_pips"`
	StopMultiple   float64 `yaml:"stop_multiple"`
	ATRPeriod      int     `yaml:"atr_period"`
	ATRMultiplier  float64 `yaml:"atr_multiplier"`
	SwingTimeframe string  `yaml:"swing_timeframe"`
	SwingLR        int     `yaml:"swing_lr"`
	SwingLookback  int     `yaml:"swing_lookback"`
	BufferPips     float64 `yaml:"buffer_pips"`
}

type BoostConfig struct {
	Stage1Enabled bool    `yaml:"stage1_enabled"`
	Stage1R       float64 `yaml:"stage1_r"`
	Stage2Enabled bool    `yaml:"stage2_enabled"`
	Stage2R       float64 `yaml:"stage2_r"`
	// Structural target used by Stage1 (higher timeframe).
	Stage1Timeframe  string  `yaml:"stage1_timeframe"`
	Stage1SwingLR    int     `yaml:"stage1_swing_lr"`
	Stage1Lookback   int     `yaml:"stage1_lookback"`
	Stage1BufferPips float64 `yaml:"stage1_buffer_pips"`
	// Swing-break watch used by Stage2 (lower timeframe).
	Stage2Timeframe string `yaml:"stage2_timeframe"`
	Stage2SwingLR   int    `yaml:"stage2_swing_lr"`
	// Round-number exit.
	ATHTimeframe string  `yaml:"ath_timeframe"`
	RoundStep    float64 `yaml:"round_step"`
}

type BreakevenConfig struct {
	// Trigger is the unrealized profit (account currency); 0 disables.
	Trigger float64 `yaml:"trigger"`
}

type WindowConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Start     string `yaml:"start"`
	End       string `yaml:"end"`
	ForceFlat string `yaml:"force_flat"`

	MarketFollowEnabled  bool `yaml:"market_follow_enabled"`
	CloseBufferMinutes   int  `yaml:"close_buffer_minutes"`
	TillCloseMinutes     int  `yaml:"till_close_minutes"`
	TickStallMinutes     int  `yaml:"tick_stall_minutes"`
	TillCloseIgnoreHours int  `yaml:"till_close_ignore_hours"`
	TimerIntervalSeconds int  `yaml:"timer_interval_seconds"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// StepPips widens the stop per attempt (internal pips).
	StepPips float64 `yaml:"step_pips"`
}

type NewsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CalendarFile  string `yaml:"calendar_file"`
	BeforeMinutes int    `yaml:"before_minutes"`
	AfterMinutes  int    `yaml:"after_minutes"`
}

// Default returns the production defaults of the XAUUSD M5 profile.
func Default() Config {
	return Config{
		Symbol:   "XAUUSD",
		Label:    "TRENDCORE_EMA_M5",
		Timezone: "Asia/Tokyo",
		LogLevel: "info",
		Risk: RiskConfig{
			Amount:              1000,
			BufferPips:          50,
			SlippagePips:        50,
			EmergencyMultiplier: 1.2,
			MaxPositions:        1,
			MaxLots:             2.5,
			MinHoldMinutes:      5,
		},
		Entry: EntryConfig{
			Mode:                      EntryModeCross,
			Timeframe:                 "M5",
			EMAPeriod:                 20,
			PriceSource:               SourceClose,
			DeadzonePips:              10,
			HysteresisRatio:           0.6,
			MinHoldBars:               2,
			MaxDistancePips:           50,
			ReapproachWindowBars:      36,
			ReapproachMaxDistancePips: 40,
			MinRR:                     1.0,
			RRRelaxEnabled:            true,
			RRRelaxWindowBars:         6,
			RRRelaxedRatio:            0.7,
			MinBars:                   50,
		},
		Stop: StopConfig{
			Enabled:        true,
			Policy:         PolicyVolatility,
			MinPips:        20,
			MaxPips:        100,
			ATRPeriod:      14,
			ATRMultiplier:  0.5,
			SwingLR:        2,
			SwingLookback:  80,
			BufferPips:     100,
			BlockIfNoSwing: true,
		},
		Target: TargetConfig{
			Enabled:        true,
			Policy:         PolicyStopMultiple,
			StopMultiple:   1.0,
			ATRPeriod:      14,
			ATRMultiplier:  2.0,
			SwingTimeframe: "H1",
			SwingLR:        2,
			SwingLookback:  200,
			BufferPips:     50,
		},
		Boost: BoostConfig{
			Stage1Enabled:    true,
			Stage1R:          0.9,
			Stage2Enabled:    true,
			Stage2R:          1.8,
			Stage1Timeframe:  "H1",
			Stage1SwingLR:    2,
			Stage1Lookback:   200,
			Stage1BufferPips: 50,
			Stage2Timeframe:  "M15",
			Stage2SwingLR:    2,
			ATHTimeframe:     "D1",
			RoundStep:        100,
		},
		Breakeven: BreakevenConfig{Trigger: 1000},
		Window: WindowConfig{
			Enabled:              true,
			Start:                "09:15",
			End:                  "02:00",
			ForceFlat:            "02:50",
			MarketFollowEnabled:  true,
			CloseBufferMinutes:   15,
			TillCloseMinutes:     15,
			TickStallMinutes:     5,
			TillCloseIgnoreHours: 18,
			TimerIntervalSeconds: 1,
		},
		Retry: RetryConfig{MaxAttempts: 5, StepPips: 10},
		News: NewsConfig{
			BeforeMinutes: 60,
			AfterMinutes:  60,
		},
	}
}

// Validate checks that all numeric fields are within sensible bounds.
// It returns the first encountered error, allowing the caller to surface a
// clear configuration problem before any trading starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if strings.TrimSpace(c.Label) == "" {
		return errors.New("label is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	// risk mode: exactly one input
	if c.Risk.Amount < 0 || c.Risk.Percent < 0 {
		return errors.New("risk amount and percent cannot be negative")
	}
	switch {
	case c.Risk.Amount > 0 && c.Risk.Percent > 0:
		return errors.New("risk amount and risk percent are both set; choose one")
	case c.Risk.Amount <= 0 && c.Risk.Percent <= 0:
		return errors.New("risk amount or risk percent is required")
	}
	if c.Risk.Percent > 100 {
		return fmt.Errorf("risk percent (%f) must be <= 100", c.Risk.Percent)
	}
	if c.Risk.EmergencyMultiplier < 1 {
		return fmt.Errorf("emergency multiplier (%f) must be >= 1", c.Risk.EmergencyMultiplier)
	}
	if c.Risk.MaxPositions < 1 {
		return errors.New("max positions must be at least 1")
	}
	if c.Risk.MaxLots < 0 || c.Risk.BufferPips < 0 || c.Risk.SlippagePips < 0 || c.Risk.MaxSpreadPips < 0 {
		return errors.New("risk pip allowances and lot cap cannot be negative")
	}
	if c.Risk.MinHoldMinutes < 0 {
		return errors.New("min hold minutes cannot be negative")
	}

	if err := c.validateEntry(); err != nil {
		return err
	}
	if err := c.validateLevels(); err != nil {
		return err
	}
	if err := c.validateBoost(); err != nil {
		return err
	}
	if c.Breakeven.Trigger < 0 {
		return errors.New("breakeven trigger cannot be negative")
	}
	if err := c.validateWindow(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max attempts must be at least 1")
	}
	if c.Retry.StepPips < 0 {
		return errors.New("retry step pips cannot be negative")
	}
	if c.News.BeforeMinutes < 0 || c.News.AfterMinutes < 0 {
		return errors.New("news before/after minutes cannot be negative")
	}
	return nil
}

func (c *Config) validateEntry() error {
	e := c.Entry
	switch e.Mode {
	case EntryModeCross, EntryModeRegime:
	default:
		return fmt.Errorf("unknown entry mode %q", e.Mode)
	}
	if !knownTimeframe(e.Timeframe) {
		return fmt.Errorf("entry timeframe %q is not supported", e.Timeframe)
	}
	if e.EMAPeriod <= 0 {
		return errors.New("EMA period must be positive")
	}
	switch e.PriceSource {
	case SourceClose, SourceOpen, SourceHL2, SourceTypical:
	default:
		return fmt.Errorf("unknown price source %q", e.PriceSource)
	}
	if e.DeadzonePips < 0 {
		return errors.New("deadzone pips cannot be negative")
	}
	if e.HysteresisRatio < 0 || e.HysteresisRatio > 1 {
		return fmt.Errorf("hysteresis ratio (%f) must be between 0 and 1", e.HysteresisRatio)
	}
	if e.MinHoldBars < 0 {
		return errors.New("min hold bars cannot be negative")
	}
	if e.MaxDistancePips < 0 || e.ReapproachMaxDistancePips < 0 {
		return errors.New("entry distances cannot be negative")
	}
	if e.ReapproachWindowBars < 1 {
		return errors.New("reapproach window must be at least 1 bar")
	}
	if e.MinRR < 0 || e.RRRelaxedRatio < 0 {
		return errors.New("risk-reward ratios cannot be negative")
	}
	if e.RRRelaxWindowBars < 0 {
		return errors.New("RR relax window cannot be negative")
	}
	if e.MinBars < 2 {
		return errors.New("min bars must be at least 2")
	}
	return nil
}

func (c *Config) validateLevels() error {
	s := c.Stop
	switch s.Policy {
	case PolicyFixed, PolicyVolatility, PolicyStructural:
	default:
		return fmt.Errorf("unknown stop policy %q", s.Policy)
	}
	if s.MinPips < 0 || s.MaxPips < 0 || s.BufferPips < 0 || s.ATRMultiplier < 0 {
		return errors.New("stop distances and multipliers cannot be negative")
	}
	if s.Enabled && s.Policy == PolicyFixed && s.MinPips <= 0 {
		return errors.New("fixed stop policy requires min_pips > 0")
	}
	if s.ATRPeriod <= 0 {
		return errors.New("stop ATR period must be positive")
	}
	if s.SwingLR < 1 || s.SwingLookback < 10 {
		return errors.New("stop swing lr must be >= 1 and lookback >= 10")
	}

	t := c.Target
	switch t.Policy {
	case PolicyFixed, PolicyVolatility, PolicyStructural, PolicyStopMultiple:
	default:
		return fmt.Errorf("unknown target policy %q", t.Policy)
	}
	if t.FixedPips < 0 || t.MinPips < 0 || t.StopMultiple < 0 || t.ATRMultiplier < 0 || t.BufferPips < 0 {
		return errors.New("target distances and multipliers cannot be negative")
	}
	if t.ATRPeriod <= 0 {
		return errors.New("target ATR period must be positive")
	}
	if !knownTimeframe(t.SwingTimeframe) {
		return fmt.Errorf("target swing timeframe %q is not supported", t.SwingTimeframe)
	}
	if t.SwingLR < 1 || t.SwingLookback < 10 {
		return errors.New("target swing lr must be >= 1 and lookback >= 10")
	}
	return nil
}

func (c *Config) validateBoost() error {
	b := c.Boost
	if b.Stage1R < 0 || b.Stage2R < 0 {
		return errors.New("boost R thresholds cannot be negative")
	}
	for _, tf := range []string{b.Stage1Timeframe, b.Stage2Timeframe, b.ATHTimeframe} {
		if !knownTimeframe(tf) {
			return fmt.Errorf("boost timeframe %q is not supported", tf)
		}
	}
	if b.Stage1SwingLR < 1 || b.Stage2SwingLR < 1 {
		return errors.New("boost swing lr must be at least 1")
	}
	if b.Stage1Lookback < 10 {
		return errors.New("stage1 lookback must be at least 10")
	}
	if b.Stage1BufferPips < 0 {
		return errors.New("stage1 buffer cannot be negative")
	}
	if b.RoundStep <= 0 {
		return errors.New("round step must be positive")
	}
	return nil
}

func (c *Config) validateWindow() error {
	w := c.Window
	for name, v := range map[string]string{"start": w.Start, "end": w.End, "force_flat": w.ForceFlat} {
		if _, err := ParseHHMM(v); err != nil {
			return fmt.Errorf("window %s: %w", name, err)
		}
	}
	if w.CloseBufferMinutes < 0 || w.TillCloseMinutes < 0 || w.TickStallMinutes < 0 || w.TillCloseIgnoreHours < 0 {
		return errors.New("market-follow thresholds cannot be negative")
	}
	if w.TimerIntervalSeconds < 1 {
		return errors.New("timer interval must be at least 1 second")
	}
	return nil
}

// EffectiveStage2R returns the Stage2 threshold corrected upward to Stage1R.
func (b BoostConfig) EffectiveStage2R() float64 {
	if b.Stage2R < b.Stage1R {
		return b.Stage1R
	}
	return b.Stage2R
}

// Location resolves the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	name := c.Timezone
	if name == "" {
		name = "Asia/Tokyo"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// MinHold is the discretionary-close suppression period.
func (r RiskConfig) MinHold() time.Duration {
	return time.Duration(r.MinHoldMinutes) * time.Minute
}

// ParseHHMM parses "HH:MM" into minutes after midnight.
func ParseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func knownTimeframe(tf string) bool {
	switch tf {
	case "M5", "M15", "H1", "D1":
		return true
	}
	return false
}
