package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/types"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("injected failure")

// Call is one recorded broker call.
type Call struct {
	Op    string
	ID    string
	Order types.Order
	SL    *float64
	TP    *float64
}

// MockExecutor wraps the paper broker, records every trading call and can
// inject failures.
type MockExecutor struct {
	*executor.PaperExecutor

	mu    sync.RWMutex
	calls []Call

	// FailSubmit makes every Submit fail.
	FailSubmit bool
	// ModifyFailures makes the next n Modify calls fail.
	ModifyFailures int
	// DropStops makes the next n Modify calls succeed without attaching
	// the stop loss.
	DropStops int
	// FailClose makes every Close fail.
	FailClose bool
	// MarketErr is returned by MarketHours when set.
	MarketErr error
}

// NewMockExecutor creates a gold-like symbol broker on the M5 base series
// with the supplied starting balance.
func NewMockExecutor(balance float64, opts ...executor.Option) *MockExecutor {
	return &MockExecutor{
		PaperExecutor: executor.NewPaperExecutor(GoldSymbol(), types.M5, balance, opts...),
	}
}

// GoldSymbol is a 0.01-pip metal whose pip is worth 0.01 per unit.
func GoldSymbol() types.SymbolInfo {
	return types.SymbolInfo{
		Name:       "XAUUSD",
		PipSize:    0.01,
		TickSize:   0.01,
		PipValue:   0.01,
		MinVolume:  1,
		MaxVolume:  100_000,
		VolumeStep: 1,
		LotSize:    100,
	}
}

func (m *MockExecutor) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *MockExecutor) Submit(ctx context.Context, o types.Order) (types.Position, error) {
	m.record(Call{Op: "submit", Order: o})
	if m.FailSubmit {
		return types.Position{}, ErrInjected
	}
	return m.PaperExecutor.Submit(ctx, o)
}

func (m *MockExecutor) Modify(ctx context.Context, id string, sl, tp *float64) error {
	m.record(Call{Op: "modify", ID: id, SL: sl, TP: tp})
	if m.ModifyFailures > 0 {
		m.ModifyFailures--
		return ErrInjected
	}
	if m.DropStops > 0 {
		m.DropStops--
		sl = nil
	}
	return m.PaperExecutor.Modify(ctx, id, sl, tp)
}

func (m *MockExecutor) Close(ctx context.Context, id string) error {
	m.record(Call{Op: "close", ID: id})
	if m.FailClose {
		return ErrInjected
	}
	return m.PaperExecutor.Close(ctx, id)
}

func (m *MockExecutor) MarketHours(now time.Time) (bool, time.Duration, error) {
	if m.MarketErr != nil {
		return false, 0, m.MarketErr
	}
	return m.PaperExecutor.MarketHours(now)
}

// Calls returns a copy of all recorded calls.
func (m *MockExecutor) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Count returns how many calls of op were made.
func (m *MockExecutor) Count(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Orders returns the submitted orders (useful for assertions).
func (m *MockExecutor) Orders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, c := range m.calls {
		if c.Op == "submit" {
			out = append(out, c.Order)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
