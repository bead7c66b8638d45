// Package levels computes stop-loss and take-profit prices under the fixed,
// volatility and structural policies.
package levels

import (
	"errors"
	"fmt"
	"math"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/indicator"
	"github.com/evdnx/trendcore/types"
)

var (
	// ErrNotFound: no qualifying swing in range or not enough bars.
	ErrNotFound = errors.New("no qualifying swing")
	// ErrUnavailable: the policy has no usable reading (ATR missing, zero
	// distance configured).
	ErrUnavailable = errors.New("level unavailable")
	// ErrWrongSide: the computed level is not beyond entry in the expected
	// direction.
	ErrWrongSide = errors.New("level on wrong side of entry")
	// ErrTooWide: a structural stop exceeds the configured maximum.
	ErrTooWide = errors.New("stop wider than maximum")
)

// BarSource supplies bar series per timeframe. The executor satisfies it.
type BarSource interface {
	Bars(tf types.Timeframe) types.Bars
}

// Level is an absolute price plus its distance from entry.
type Level struct {
	Price    float64
	Distance float64
	// Pips is Distance in internal pips.
	Pips float64
}

func (l Level) String() string {
	return fmt.Sprintf("%.5f (%.1f pips)", l.Price, l.Pips)
}

// StopAt places a stop dist away from entry against side.
func StopAt(sym types.SymbolInfo, side types.Side, entry, dist float64) Level {
	return Level{Price: entry - side.Sign()*dist, Distance: dist, Pips: sym.PriceToPips(dist)}
}

// TargetAt places a target dist away from entry in favour of side.
func TargetAt(sym types.SymbolInfo, side types.Side, entry, dist float64) Level {
	return Level{Price: entry + side.Sign()*dist, Distance: dist, Pips: sym.PriceToPips(dist)}
}

// Request is the input every policy sees.
type Request struct {
	Source BarSource
	Symbol types.SymbolInfo
	Side   types.Side
	Entry  float64
}

type StopPolicy interface {
	Stop(r Request) (Level, error)
	Name() string
}

type TargetPolicy interface {
	// Target may use the already computed stop (stop-multiple policy).
	Target(r Request, stop Level) (Level, error)
	Name() string
}

// ---------------------------------------------------------------------------
// Stops
// ---------------------------------------------------------------------------

// FixedStop is a constant pip distance.
type FixedStop struct {
	Pips float64
}

func (FixedStop) Name() string { return config.PolicyFixed }

func (p FixedStop) Stop(r Request) (Level, error) {
	d := r.Symbol.PipsToPrice(p.Pips)
	if d <= 0 {
		return Level{}, ErrUnavailable
	}
	return StopAt(r.Symbol, r.Side, r.Entry, d), nil
}

// VolatilityStop is Multiplier × ATR, floored at MinPips. With neither
// reading usable the stop is unavailable.
type VolatilityStop struct {
	Timeframe  types.Timeframe
	Period     int
	Multiplier float64
	MinPips    float64
}

func (VolatilityStop) Name() string { return config.PolicyVolatility }

func (p VolatilityStop) Stop(r Request) (Level, error) {
	floor := r.Symbol.PipsToPrice(p.MinPips)
	var fromATR float64
	if atr, err := indicator.ATR(r.Source.Bars(p.Timeframe).Closed(), p.Period); err == nil {
		fromATR = max(0, p.Multiplier) * atr
	}
	d := max(floor, fromATR)
	if d <= 0 {
		return Level{}, ErrUnavailable
	}
	return StopAt(r.Symbol, r.Side, r.Entry, d), nil
}

// StructuralStop sits BufferPips beyond the most recent swing against the
// trade (swing low for a buy, swing high for a sell).
type StructuralStop struct {
	Timeframe  types.Timeframe
	LR         int
	Lookback   int
	BufferPips float64
	// MaxPips rejects wider stops; 0 disables the check.
	MaxPips float64
}

func (StructuralStop) Name() string { return config.PolicyStructural }

func (p StructuralStop) Stop(r Request) (Level, error) {
	bars := r.Source.Bars(p.Timeframe)
	buf := r.Symbol.PipsToPrice(p.BufferPips)
	var (
		sp indicator.SwingPoint
		ok bool
	)
	if r.Side == types.Buy {
		sp, ok = indicator.LastSwingLow(bars, p.LR, p.Lookback)
	} else {
		sp, ok = indicator.LastSwingHigh(bars, p.LR, p.Lookback)
	}
	if !ok {
		return Level{}, ErrNotFound
	}
	price := sp.Price - r.Side.Sign()*buf
	dist := r.Side.Sign() * (r.Entry - price)
	if dist <= 0 {
		return Level{}, ErrWrongSide
	}
	lvl := Level{Price: price, Distance: dist, Pips: r.Symbol.PriceToPips(dist)}
	if limit := r.Symbol.PipsToPrice(p.MaxPips); limit > 0 && dist > limit {
		return lvl, fmt.Errorf("%w: %.1f pips", ErrTooWide, lvl.Pips)
	}
	return lvl, nil
}

// StopFallback tries Primary and, when it reports a missing reading,
// Secondary. Every other error is final.
type StopFallback struct {
	Primary   StopPolicy
	Secondary StopPolicy
}

func (f StopFallback) Name() string { return f.Primary.Name() + ">" + f.Secondary.Name() }

func (f StopFallback) Stop(r Request) (Level, error) {
	lvl, err := f.Primary.Stop(r)
	if err == nil {
		return lvl, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrWrongSide) {
		return f.Secondary.Stop(r)
	}
	return Level{}, err
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

type FixedTarget struct {
	Pips float64
}

func (FixedTarget) Name() string { return config.PolicyFixed }

func (p FixedTarget) Target(r Request, _ Level) (Level, error) {
	d := r.Symbol.PipsToPrice(p.Pips)
	if d <= 0 {
		return Level{}, ErrUnavailable
	}
	return TargetAt(r.Symbol, r.Side, r.Entry, d), nil
}

type VolatilityTarget struct {
	Timeframe  types.Timeframe
	Period     int
	Multiplier float64
}

func (VolatilityTarget) Name() string { return config.PolicyVolatility }

func (p VolatilityTarget) Target(r Request, _ Level) (Level, error) {
	atr, err := indicator.ATR(r.Source.Bars(p.Timeframe).Closed(), p.Period)
	if err != nil {
		return Level{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d := max(0, p.Multiplier) * atr
	if d <= 0 {
		return Level{}, ErrUnavailable
	}
	return TargetAt(r.Symbol, r.Side, r.Entry, d), nil
}

// StopMultiple places the target at Multiple × the stop distance.
type StopMultiple struct {
	Multiple float64
}

func (StopMultiple) Name() string { return config.PolicyStopMultiple }

func (p StopMultiple) Target(r Request, stop Level) (Level, error) {
	d := stop.Distance * max(0, p.Multiple)
	if d <= 0 {
		return Level{}, ErrUnavailable
	}
	return TargetAt(r.Symbol, r.Side, r.Entry, d), nil
}

// StructuralTarget sits BufferPips short of the most recent swing in the
// trade's favour (swing high for a buy). MinPips pushes a too-close target
// out before the side check.
type StructuralTarget struct {
	Timeframe  types.Timeframe
	LR         int
	Lookback   int
	BufferPips float64
	MinPips    float64
}

func (StructuralTarget) Name() string { return config.PolicyStructural }

func (p StructuralTarget) Target(r Request, _ Level) (Level, error) {
	bars := r.Source.Bars(p.Timeframe)
	var (
		sp indicator.SwingPoint
		ok bool
	)
	if r.Side == types.Buy {
		sp, ok = indicator.LastSwingHigh(bars, p.LR, p.Lookback)
	} else {
		sp, ok = indicator.LastSwingLow(bars, p.LR, p.Lookback)
	}
	if !ok {
		return Level{}, ErrNotFound
	}
	sign := r.Side.Sign()
	price := sp.Price - sign*r.Symbol.PipsToPrice(p.BufferPips)
	if floor := r.Symbol.PipsToPrice(p.MinPips); floor > 0 && math.Abs(price-r.Entry) < floor {
		price = r.Entry + sign*floor
	}
	dist := sign * (price - r.Entry)
	if dist <= 0 {
		return Level{}, ErrWrongSide
	}
	return Level{Price: price, Distance: dist, Pips: r.Symbol.PriceToPips(dist)}, nil
}

// TargetFallback mirrors StopFallback for targets.
type TargetFallback struct {
	Primary   TargetPolicy
	Secondary TargetPolicy
}

func (f TargetFallback) Name() string { return f.Primary.Name() + ">" + f.Secondary.Name() }

func (f TargetFallback) Target(r Request, stop Level) (Level, error) {
	lvl, err := f.Primary.Target(r, stop)
	if err == nil {
		return lvl, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrWrongSide) {
		return f.Secondary.Target(r, stop)
	}
	return Level{}, err
}

// TargetFloor enforces a minimum target distance.
type TargetFloor struct {
	Policy  TargetPolicy
	MinPips float64
}

func (f TargetFloor) Name() string { return f.Policy.Name() }

func (f TargetFloor) Target(r Request, stop Level) (Level, error) {
	lvl, err := f.Policy.Target(r, stop)
	if err != nil {
		return lvl, err
	}
	if floor := r.Symbol.PipsToPrice(f.MinPips); floor > 0 && lvl.Distance < floor {
		return TargetAt(r.Symbol, r.Side, r.Entry, floor), nil
	}
	return lvl, nil
}
