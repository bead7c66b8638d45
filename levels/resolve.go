package levels

import (
	"fmt"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/types"
)

// ResolveStop turns the stop section into a concrete policy. primary is the
// entry timeframe; volatility and structural stops read it.
func ResolveStop(cfg config.StopConfig, primary types.Timeframe) (StopPolicy, error) {
	vol := VolatilityStop{
		Timeframe:  primary,
		Period:     cfg.ATRPeriod,
		Multiplier: cfg.ATRMultiplier,
		MinPips:    cfg.MinPips,
	}
	switch cfg.Policy {
	case config.PolicyFixed:
		return FixedStop{Pips: cfg.MinPips}, nil
	case config.PolicyVolatility:
		return vol, nil
	case config.PolicyStructural:
		st := StructuralStop{
			Timeframe:  primary,
			LR:         cfg.SwingLR,
			Lookback:   cfg.SwingLookback,
			BufferPips: cfg.BufferPips,
			MaxPips:    cfg.MaxPips,
		}
		if cfg.BlockIfNoSwing {
			return st, nil
		}
		return StopFallback{Primary: st, Secondary: vol}, nil
	}
	return nil, fmt.Errorf("unknown stop policy %q", cfg.Policy)
}

// ResolveTarget turns the target section into a concrete policy with the
// minimum-distance floor applied.
func ResolveTarget(cfg config.TargetConfig, primary types.Timeframe) (TargetPolicy, error) {
	var p TargetPolicy
	vol := VolatilityTarget{Timeframe: primary, Period: cfg.ATRPeriod, Multiplier: cfg.ATRMultiplier}
	switch cfg.Policy {
	case config.PolicyFixed:
		p = FixedTarget{Pips: cfg.FixedPips}
	case config.PolicyVolatility:
		p = vol
	case config.PolicyStructural:
		p = TargetFallback{
			Primary: StructuralTarget{
				Timeframe:  types.Timeframe(cfg.SwingTimeframe),
				LR:         cfg.SwingLR,
				Lookback:   cfg.SwingLookback,
				BufferPips: cfg.BufferPips,
			},
			Secondary: vol,
		}
	case config.PolicyStopMultiple:
		p = StopMultiple{Multiple: cfg.StopMultiple}
	default:
		return nil, fmt.Errorf("unknown target policy %q", cfg.Policy)
	}
	if cfg.MinPips > 0 {
		p = TargetFloor{Policy: p, MinPips: cfg.MinPips}
	}
	return p, nil
}
