package types

import "time"

type Timeframe string

const (
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	D1  Timeframe = "D1"
)

// Duration returns the bar length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case D1:
		return 24 * time.Hour
	}
	return 0
}

type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// Bars is an ordered bar series. The last element is still forming and is
// never used for decisions.
type Bars []Bar

func (b Bars) Count() int { return len(b) }

// LastClosedIndex is Count()-2; negative when nothing has closed yet.
func (b Bars) LastClosedIndex() int { return len(b) - 2 }

// Closed returns the series without the forming bar.
func (b Bars) Closed() Bars {
	if len(b) < 2 {
		return nil
	}
	return b[:len(b)-1]
}

// IndexAt returns the index of the bar whose open time is <= t, scanning
// from the newest bar. It returns -1 for an empty series and 0 when t
// precedes every bar.
func (b Bars) IndexAt(t time.Time) int {
	if len(b) == 0 {
		return -1
	}
	for i := len(b) - 1; i >= 0; i-- {
		if !b[i].OpenTime.After(t) {
			return i
		}
	}
	return 0
}

func (b Bars) Closes() []float64 {
	out := make([]float64, len(b))
	for i, bar := range b {
		out[i] = bar.Close
	}
	return out
}

func (b Bars) Highs() []float64 {
	out := make([]float64, len(b))
	for i, bar := range b {
		out[i] = bar.High
	}
	return out
}

func (b Bars) Lows() []float64 {
	out := make([]float64, len(b))
	for i, bar := range b {
		out[i] = bar.Low
	}
	return out
}
