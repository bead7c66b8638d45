package indicator

import "github.com/evdnx/trendcore/types"

// SwingPoint is a bar whose extreme strictly dominates lr bars on each side.
type SwingPoint struct {
	Index  int
	Price  float64
	IsHigh bool
}

// MinSwingBars is the history a structural search needs for the given
// left/right width and lookback.
func MinSwingBars(lr, lookback int) int {
	return lookback + 2*lr + 5
}

// LastSwingLow scans bars (the last element is the forming bar) backwards
// from the newest bar whose right side is fully closed and returns the most
// recent swing low inside the lookback.
func LastSwingLow(bars types.Bars, lr, lookback int) (SwingPoint, bool) {
	return lastSwing(bars, lr, lookback, false)
}

// LastSwingHigh is the swing-high counterpart of LastSwingLow.
func LastSwingHigh(bars types.Bars, lr, lookback int) (SwingPoint, bool) {
	return lastSwing(bars, lr, lookback, true)
}

func lastSwing(bars types.Bars, lr, lookback int, high bool) (SwingPoint, bool) {
	lr = max(1, lr)
	lookback = max(10, lookback)
	n := len(bars)
	if n < MinSwingBars(lr, lookback) {
		return SwingPoint{}, false
	}
	start := n - lr - 2
	end := max(lr, n-lookback)
	for i := start; i >= end; i-- {
		if isPivot(bars, i, lr, high) {
			return SwingPoint{Index: i, Price: extreme(bars[i], high), IsHigh: high}, true
		}
	}
	return SwingPoint{}, false
}

func extreme(b types.Bar, high bool) float64 {
	if high {
		return b.High
	}
	return b.Low
}

func isPivot(bars types.Bars, i, lr int, high bool) bool {
	if i-lr < 0 || i+lr >= len(bars) {
		return false
	}
	v := extreme(bars[i], high)
	for j := 1; j <= lr; j++ {
		l, r := extreme(bars[i-j], high), extreme(bars[i+j], high)
		if high {
			if l >= v || r >= v {
				return false
			}
		} else if l <= v || r <= v {
			return false
		}
	}
	return true
}

// ConfirmPivot checks the bar lr positions behind the last closed bar, the
// newest pivot whose right side just closed. Either result may be nil.
func ConfirmPivot(bars types.Bars, lr int) (index int, low, high *SwingPoint) {
	lr = max(1, lr)
	if len(bars) < 2*lr+3 {
		return -1, nil, nil
	}
	lastClosed := bars.LastClosedIndex()
	index = lastClosed - lr
	if index-lr < 0 {
		return -1, nil, nil
	}
	if isPivot(bars, index, lr, false) {
		low = &SwingPoint{Index: index, Price: bars[index].Low}
	}
	if isPivot(bars, index, lr, true) {
		high = &SwingPoint{Index: index, Price: bars[index].High, IsHigh: true}
	}
	return index, low, high
}
