// Package indicator computes the trend line, volatility and swing
// structure the engine trades on. All functions take closed bars only.
package indicator

import (
	"errors"
	"fmt"

	"github.com/evdnx/goti"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/types"
)

// ErrInsufficientData is returned when a series is too short for the
// requested lookback.
var ErrInsufficientData = errors.New("insufficient bar history")

// EMA returns the exponential moving average of closes, seeded with the
// simple average of the first period values. The first period-1 entries
// are zero (not yet seeded).
func EMA(closes []float64, period int) ([]float64, error) {
	if period <= 0 || len(closes) < period {
		return nil, ErrInsufficientData
	}
	ma, err := goti.NewMovingAverage(goti.EMAMovingAverage, period)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(closes))
	for i, c := range closes {
		if err := ma.AddValue(c); err != nil {
			return nil, fmt.Errorf("ema sample %d: %w", i, err)
		}
		if v, err := ma.Calculate(); err == nil {
			out[i] = v
		}
	}
	return out, nil
}

// ATR returns the simple average of the last period true ranges over bars,
// or ErrInsufficientData when fewer than period+1 bars exist.
func ATR(bars types.Bars, period int) (float64, error) {
	if period <= 0 || len(bars) <= period {
		return 0, ErrInsufficientData
	}
	atr, err := goti.NewAverageTrueRangeWithParams(period, goti.WithCloseValidation(false))
	if err != nil {
		return 0, err
	}
	for _, b := range bars[len(bars)-period-1:] {
		if err := atr.AddCandle(b.High, b.Low, b.Close); err != nil {
			return 0, fmt.Errorf("atr candle %s: %w", b.OpenTime.Format("2006-01-02 15:04"), err)
		}
	}
	v, err := atr.Calculate()
	if err != nil || v <= 0 {
		return 0, ErrInsufficientData
	}
	return v, nil
}

// Source extracts the directional value of a bar.
func Source(b types.Bar, src string) float64 {
	switch src {
	case config.SourceOpen:
		return b.Open
	case config.SourceHL2:
		return (b.High + b.Low) * 0.5
	case config.SourceTypical:
		return (b.High + b.Low + b.Close) / 3.0
	default:
		return b.Close
	}
}
