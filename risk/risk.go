package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/types"
)

var (
	// ErrBelowMinimum is returned when the sized volume rounds below the
	// broker's minimum tradable quantity.
	ErrBelowMinimum = errors.New("volume below broker minimum")
	// ErrNoBudget is returned when the risk budget resolves to zero.
	ErrNoBudget = errors.New("risk budget is zero")
)

type Mode string

const (
	ModeAmount  Mode = "AMOUNT"
	ModePercent Mode = "PERCENT"
)

// Budget resolves the per-trade risk in account currency.
func Budget(cfg config.RiskConfig, balance float64) (float64, Mode) {
	if cfg.Percent > 0 {
		return balance * cfg.Percent / 100, ModePercent
	}
	return cfg.Amount, ModeAmount
}

// Sizer converts a risk budget and a stop distance into a volume.
type Sizer struct {
	Symbol types.SymbolInfo
	// BufferPips is added to every sizing distance (internal pips).
	BufferPips float64
	// SlippagePips is in user pips; scaled by the symbol's pip scale.
	SlippagePips    float64
	IncludeSlippage bool
	// MaxLots caps the volume; 0 = unlimited.
	MaxLots float64
}

// NewSizer builds a Sizer from the risk section.
func NewSizer(sym types.SymbolInfo, cfg config.RiskConfig) Sizer {
	return Sizer{
		Symbol:          sym,
		BufferPips:      cfg.BufferPips,
		SlippagePips:    cfg.SlippagePips,
		IncludeSlippage: cfg.IncludeSlippageInSizing,
		MaxLots:         cfg.MaxLots,
	}
}

// SizingPips is the distance (internal pips) the budget is spread over.
func (s Sizer) SizingPips(stopPips float64) float64 {
	d := stopPips + max(0, s.BufferPips)
	if s.IncludeSlippage {
		d += max(0, s.SlippagePips) * s.Symbol.Scale()
	}
	return d
}

// Volume sizes an order risking budget over a stop of stopPips (internal
// pips). The result is normalized down to the volume step and capped.
func (s Sizer) Volume(budget, stopPips float64) (float64, error) {
	if budget <= 0 {
		return 0, ErrNoBudget
	}
	if stopPips <= 0 {
		return 0, fmt.Errorf("stop distance %.2f pips must be positive", stopPips)
	}
	sizing := s.SizingPips(stopPips)
	if s.Symbol.PipValue <= 0 {
		return 0, fmt.Errorf("symbol %s has no pip value", s.Symbol.Name)
	}
	raw := budget / (sizing * s.Symbol.PipValue)
	vol := Normalize(raw, s.Symbol.VolumeStep)
	if vol <= 0 || vol < s.Symbol.MinVolume {
		return 0, fmt.Errorf("%w: %.4f < %.4f", ErrBelowMinimum, vol, s.Symbol.MinVolume)
	}
	if s.MaxLots > 0 && s.Symbol.LotSize > 0 {
		capUnits := Normalize(s.MaxLots*s.Symbol.LotSize, s.Symbol.VolumeStep)
		if capUnits > 0 && vol > capUnits {
			vol = capUnits
		}
	}
	if s.Symbol.MaxVolume > 0 && vol > s.Symbol.MaxVolume {
		vol = Normalize(s.Symbol.MaxVolume, s.Symbol.VolumeStep)
	}
	return vol, nil
}

// Normalize floors v to a multiple of step using exact decimal arithmetic.
// A non-positive step returns v unchanged.
func Normalize(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	st := decimal.NewFromFloat(step)
	return d.Div(st).Floor().Mul(st).InexactFloat64()
}
