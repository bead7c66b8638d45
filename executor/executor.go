// Package executor defines the broker gateway the engine trades through and
// an in-memory paper broker for back-testing and replay.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/evdnx/trendcore/types"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidStops     = errors.New("invalid protection levels")
	ErrNoQuote          = errors.New("no quote available")
	ErrMarketClosed     = errors.New("market closed")
)

// Executor is the broker gateway. Positions are owned by the broker; callers
// only ever see copies.
type Executor interface {
	Symbol() types.SymbolInfo
	Quote() (bid, ask float64, err error)
	// Bars returns the series of tf, oldest first; the last bar is forming.
	Bars(tf types.Timeframe) types.Bars
	Positions() []types.Position
	Balance() float64
	// Submit places a market order without protection.
	Submit(ctx context.Context, o types.Order) (types.Position, error)
	// Modify sets absolute protection levels; nil removes a level.
	Modify(ctx context.Context, id string, sl, tp *float64) error
	Close(ctx context.Context, id string) error
	MarketHours(now time.Time) (open bool, tillClose time.Duration, err error)
}

// Find returns the open position with id.
func Find(e Executor, id string) (types.Position, bool) {
	for _, p := range e.Positions() {
		if p.ID == id {
			return p, true
		}
	}
	return types.Position{}, false
}

// Owned returns the open positions on the executor's symbol carrying label.
func Owned(e Executor, label string) []types.Position {
	sym := e.Symbol().Name
	var out []types.Position
	for _, p := range e.Positions() {
		if p.Symbol == sym && p.Label == label {
			out = append(out, p)
		}
	}
	return out
}
