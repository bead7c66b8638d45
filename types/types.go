package types

import (
	"strings"
	"time"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for Buy and -1 for Sell.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a market order. Protection is attached afterwards as absolute
// prices computed from the actual fill.
type Order struct {
	Symbol string
	Side   Side
	Qty    float64
	Label  string
	// meta
	Comment string
}

// Position is the broker's view of an open position. The engine never adds
// fields to it; derived state lives in maps keyed by ID.
type Position struct {
	ID         string
	Symbol     string
	Label      string
	Side       Side
	EntryPrice float64
	StopLoss   *float64
	TakeProfit *float64
	Volume     float64
	OpenTime   time.Time
	// NetProfit is the unrealized result in account currency.
	NetProfit float64
}

// Price returns a pointer to v, handy for optional stop/target levels.
func Price(v float64) *float64 { return &v }

// SymbolInfo carries the tradable-unit constraints of a symbol.
type SymbolInfo struct {
	Name     string
	PipSize  float64
	TickSize float64
	// PipValue is the account-currency value of one pip for one unit.
	PipValue   float64
	MinVolume  float64
	MaxVolume  float64
	VolumeStep float64
	// LotSize is the number of units in one lot (max-lots cap).
	LotSize float64
	// PipScale converts user pips into internal pips (metals quote
	// user pips at ten internal pips). Zero means auto-detect.
	PipScale float64
}

// Scale returns the effective user→internal pip multiplier.
func (s SymbolInfo) Scale() float64 {
	if s.PipScale > 0 {
		return s.PipScale
	}
	name := strings.ToUpper(s.Name)
	if strings.Contains(name, "XAU") || strings.Contains(name, "XAG") {
		return 10
	}
	return 1
}

// PipsToPrice converts user-facing pips into a price distance.
func (s SymbolInfo) PipsToPrice(pips float64) float64 {
	if pips <= 0 {
		return 0
	}
	return pips * s.Scale() * s.PipSize
}

// PriceToPips converts a price distance into internal pips.
func (s SymbolInfo) PriceToPips(dist float64) float64 {
	if s.PipSize <= 0 {
		return 0
	}
	return dist / s.PipSize
}

// Initiator tags of engine-initiated closes.
const (
	CloseEmergency   = "EMERGENCY_CLOSE"
	CloseRoundNumber = "S2_EXIT_ATH_RN_FIRST_TOUCH"
	CloseSwingBreak  = "S2_EXIT_SWING_BREAK"
	CloseStopNotSet  = "SL_SET_FAILED_CLOSE"
	CloseMarketClose = "FORCE_CLOSE:MARKET_CLOSE"
	CloseShutdown    = "FORCE_CLOSE:SHUTDOWN"
)
