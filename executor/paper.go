package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/types"
)

// Close reasons recorded by the paper broker.
const (
	ClosedManual     = "manual"
	ClosedStopLoss   = "stop_loss"
	ClosedTakeProfit = "take_profit"
)

// ClosedTrade is a realised position.
type ClosedTrade struct {
	Position   types.Position
	ClosePrice float64
	CloseTime  time.Time
	Reason     string
	Profit     float64
}

// SessionFunc reports the market session at now.
type SessionFunc func(now time.Time) (open bool, tillClose time.Duration)

// Option configures a PaperExecutor.
type Option func(*PaperExecutor)

// WithSlippage fills market orders price units worse than the quote.
func WithSlippage(price float64) Option {
	return func(p *PaperExecutor) { p.slippage = price }
}

// WithSession installs a market-hours model. Without one the market is
// always open with a distant close.
func WithSession(fn SessionFunc) Option {
	return func(p *PaperExecutor) { p.session = fn }
}

// WithTimeframes sets the aggregated series maintained besides the base.
func WithTimeframes(tfs ...types.Timeframe) Option {
	return func(p *PaperExecutor) { p.frames = tfs }
}

func WithLogger(log logger.Logger) Option {
	return func(p *PaperExecutor) { p.log = log }
}

// PaperExecutor is a single-symbol in-memory broker. Base-timeframe bars are
// opened with OpenBar and grown by SetQuote, which also fires resting
// stop-loss and take-profit levels.
type PaperExecutor struct {
	mu sync.RWMutex

	sym      types.SymbolInfo
	base     types.Timeframe
	frames   []types.Timeframe
	bars     map[types.Timeframe]types.Bars
	bid, ask float64
	now      time.Time
	balance  float64
	slippage float64
	session  SessionFunc
	log      logger.Logger

	positions map[string]*types.Position
	order     []string
	history   []ClosedTrade
}

// NewPaperExecutor creates a broker for sym whose base series is base.
func NewPaperExecutor(sym types.SymbolInfo, base types.Timeframe, balance float64, opts ...Option) *PaperExecutor {
	p := &PaperExecutor{
		sym:       sym,
		base:      base,
		frames:    []types.Timeframe{types.M15, types.H1, types.D1},
		bars:      make(map[types.Timeframe]types.Bars),
		balance:   balance,
		log:       logger.NewNop(),
		positions: make(map[string]*types.Position),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PaperExecutor) Symbol() types.SymbolInfo { return p.sym }

func (p *PaperExecutor) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now
}

func (p *PaperExecutor) Quote() (float64, float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bid <= 0 || p.ask <= 0 {
		return 0, 0, ErrNoQuote
	}
	return p.bid, p.ask, nil
}

func (p *PaperExecutor) Bars(tf types.Timeframe) types.Bars {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src := p.bars[tf]
	out := make(types.Bars, len(src))
	copy(out, src)
	return out
}

func (p *PaperExecutor) Balance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}

func (p *PaperExecutor) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, clonePosition(*p.positions[id]))
	}
	return out
}

// History returns realised trades, oldest first.
func (p *PaperExecutor) History() []ClosedTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ClosedTrade, len(p.history))
	copy(out, p.history)
	return out
}

func (p *PaperExecutor) MarketHours(now time.Time) (bool, time.Duration, error) {
	if p.session == nil {
		return true, 7 * 24 * time.Hour, nil
	}
	open, till := p.session(now)
	return open, till, nil
}

// OpenBar starts a new base bar at t with every price at open and rolls the
// aggregated series.
func (p *PaperExecutor) OpenBar(t time.Time, open float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := types.Bar{OpenTime: t, Open: open, High: open, Low: open, Close: open}
	p.bars[p.base] = append(p.bars[p.base], b)
	for _, tf := range p.frames {
		bucket := t.Truncate(tf.Duration())
		s := p.bars[tf]
		if n := len(s); n > 0 && s[n-1].OpenTime.Equal(bucket) {
			s[n-1] = grow(s[n-1], open)
			continue
		}
		p.bars[tf] = append(s, types.Bar{OpenTime: bucket, Open: open, High: open, Low: open, Close: open})
	}
}

// SetQuote moves the market. The forming bars follow the bid; resting
// protection levels that the move reaches are filled at their level.
func (p *PaperExecutor) SetQuote(now time.Time, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	p.bid, p.ask = bid, ask
	for _, tf := range append([]types.Timeframe{p.base}, p.frames...) {
		if s := p.bars[tf]; len(s) > 0 {
			s[len(s)-1] = grow(s[len(s)-1], bid)
		}
	}
	for _, id := range append([]string(nil), p.order...) {
		pos := p.positions[id]
		if price, reason, hit := p.triggered(pos); hit {
			p.closeLocked(id, price, reason)
			continue
		}
		pos.NetProfit = p.profit(pos, p.exitPrice(pos.Side))
	}
}

func (p *PaperExecutor) Submit(_ context.Context, o types.Order) (types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Qty <= 0 || (p.sym.MinVolume > 0 && o.Qty < p.sym.MinVolume) ||
		(p.sym.MaxVolume > 0 && o.Qty > p.sym.MaxVolume) {
		return types.Position{}, fmt.Errorf("%w: volume %v", ErrInvalidOrder, o.Qty)
	}
	if o.Symbol != "" && o.Symbol != p.sym.Name {
		return types.Position{}, fmt.Errorf("%w: symbol %s", ErrInvalidOrder, o.Symbol)
	}
	if p.bid <= 0 || p.ask <= 0 {
		return types.Position{}, ErrNoQuote
	}
	if open, _, _ := p.MarketHours(p.now); !open {
		return types.Position{}, ErrMarketClosed
	}

	fill := p.ask + p.slippage
	if o.Side == types.Sell {
		fill = p.bid - p.slippage
	}
	pos := &types.Position{
		ID:         uuid.NewString(),
		Symbol:     p.sym.Name,
		Label:      o.Label,
		Side:       o.Side,
		EntryPrice: fill,
		Volume:     o.Qty,
		OpenTime:   p.now,
	}
	pos.NetProfit = p.profit(pos, p.exitPrice(pos.Side))
	p.positions[pos.ID] = pos
	p.order = append(p.order, pos.ID)
	p.log.Debug("paper_fill",
		logger.String("id", pos.ID),
		logger.String("side", string(pos.Side)),
		logger.Float64("volume", pos.Volume),
		logger.Float64("price", fill),
	)
	return clonePosition(*pos), nil
}

// Modify rejects levels on the wrong side of the market, as a live broker
// would.
func (p *PaperExecutor) Modify(_ context.Context, id string, sl, tp *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if err := ValidateLevels(pos.Side, p.bid, p.ask, sl, tp); err != nil {
		return err
	}
	pos.StopLoss = copyPrice(sl)
	pos.TakeProfit = copyPrice(tp)
	return nil
}

func (p *PaperExecutor) Close(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	p.closeLocked(id, p.exitPrice(pos.Side), ClosedManual)
	return nil
}

// ValidateLevels checks that a long's stop is below bid and its target above
// ask, mirrored for shorts.
func ValidateLevels(side types.Side, bid, ask float64, sl, tp *float64) error {
	if side == types.Buy {
		if sl != nil && *sl >= bid {
			return fmt.Errorf("%w: long stop %.5f not below bid %.5f", ErrInvalidStops, *sl, bid)
		}
		if tp != nil && *tp <= ask {
			return fmt.Errorf("%w: long target %.5f not above ask %.5f", ErrInvalidStops, *tp, ask)
		}
		return nil
	}
	if sl != nil && *sl <= ask {
		return fmt.Errorf("%w: short stop %.5f not above ask %.5f", ErrInvalidStops, *sl, ask)
	}
	if tp != nil && *tp >= bid {
		return fmt.Errorf("%w: short target %.5f not below bid %.5f", ErrInvalidStops, *tp, bid)
	}
	return nil
}

func (p *PaperExecutor) triggered(pos *types.Position) (float64, string, bool) {
	if pos.Side == types.Buy {
		if pos.StopLoss != nil && p.bid <= *pos.StopLoss {
			return *pos.StopLoss, ClosedStopLoss, true
		}
		if pos.TakeProfit != nil && p.bid >= *pos.TakeProfit {
			return *pos.TakeProfit, ClosedTakeProfit, true
		}
		return 0, "", false
	}
	if pos.StopLoss != nil && p.ask >= *pos.StopLoss {
		return *pos.StopLoss, ClosedStopLoss, true
	}
	if pos.TakeProfit != nil && p.ask <= *pos.TakeProfit {
		return *pos.TakeProfit, ClosedTakeProfit, true
	}
	return 0, "", false
}

func (p *PaperExecutor) closeLocked(id string, price float64, reason string) {
	pos := p.positions[id]
	profit := p.profit(pos, price)
	p.balance += profit
	closed := clonePosition(*pos)
	closed.NetProfit = profit
	p.history = append(p.history, ClosedTrade{
		Position:   closed,
		ClosePrice: price,
		CloseTime:  p.now,
		Reason:     reason,
		Profit:     profit,
	})
	delete(p.positions, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.log.Debug("paper_close",
		logger.String("id", id),
		logger.String("reason", reason),
		logger.Float64("price", price),
		logger.Float64("profit", profit),
	)
}

func (p *PaperExecutor) exitPrice(side types.Side) float64 {
	if side == types.Buy {
		return p.bid
	}
	return p.ask
}

// profit converts a price move into account currency via the pip value.
func (p *PaperExecutor) profit(pos *types.Position, exit float64) float64 {
	if p.sym.PipSize <= 0 {
		return 0
	}
	move := (exit - pos.EntryPrice) * pos.Side.Sign()
	return move / p.sym.PipSize * p.sym.PipValue * pos.Volume
}

func grow(b types.Bar, price float64) types.Bar {
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	return b
}

func copyPrice(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func clonePosition(p types.Position) types.Position {
	p.StopLoss = copyPrice(p.StopLoss)
	p.TakeProfit = copyPrice(p.TakeProfit)
	return p
}
