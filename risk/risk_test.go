package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/types"
)

func goldSymbol() types.SymbolInfo {
	return types.SymbolInfo{
		Name:       "XAUUSD",
		PipSize:    0.01,
		TickSize:   0.01,
		PipValue:   0.01,
		MinVolume:  1,
		MaxVolume:  10_000,
		VolumeStep: 1,
		LotSize:    100,
	}
}

func TestBudgetModes(t *testing.T) {
	amt, mode := Budget(config.RiskConfig{Amount: 100}, 50_000)
	if amt != 100 || mode != ModeAmount {
		t.Fatalf("expected fixed 100, got %v (%s)", amt, mode)
	}
	amt, mode = Budget(config.RiskConfig{Percent: 1}, 50_000)
	if amt != 500 || mode != ModePercent {
		t.Fatalf("expected 1%% of 50k = 500, got %v (%s)", amt, mode)
	}
}

func TestVolumeBasic(t *testing.T) {
	s := Sizer{Symbol: goldSymbol()}
	// risk 1000 over 2000 internal pips at 0.01 per pip → 50 units
	vol, err := s.Volume(1000, 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vol != 50 {
		t.Fatalf("expected 50 units, got %v", vol)
	}
}

func TestVolumeIncludesBufferAndSlippage(t *testing.T) {
	s := Sizer{Symbol: goldSymbol(), BufferPips: 50, SlippagePips: 5, IncludeSlippage: true}
	// sizing = 200 + 50 + 5*10 = 300 pips; raw = 90 / (300*0.01) = 30
	if got := s.SizingPips(200); got != 300 {
		t.Fatalf("expected 300 sizing pips, got %v", got)
	}
	vol, err := s.Volume(90, 200)
	if err != nil {
		t.Fatal(err)
	}
	if vol != 30 {
		t.Fatalf("expected 30, got %v", vol)
	}
	s.IncludeSlippage = false
	if got := s.SizingPips(200); got != 250 {
		t.Fatalf("slippage must be excluded when disabled, got %v", got)
	}
}

func TestVolumeRespectsMinimum(t *testing.T) {
	s := Sizer{Symbol: goldSymbol()}
	_, err := s.Volume(1, 2000) // raw 0.05 < 1
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestVolumeCappedByMaxLots(t *testing.T) {
	s := Sizer{Symbol: goldSymbol(), MaxLots: 2.5}
	vol, err := s.Volume(1_000_000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if vol != 250 {
		t.Fatalf("expected cap at 2.5 lots = 250 units, got %v", vol)
	}
}

func TestVolumeRejectsZeroInputs(t *testing.T) {
	s := Sizer{Symbol: goldSymbol()}
	if _, err := s.Volume(0, 100); !errors.Is(err, ErrNoBudget) {
		t.Fatalf("expected ErrNoBudget, got %v", err)
	}
	if _, err := s.Volume(100, 0); err == nil {
		t.Fatal("expected error for zero stop distance")
	}
}

func TestNormalizeFloorsToStep(t *testing.T) {
	if got := Normalize(66.669, 0.01); math.Abs(got-66.66) > 1e-12 {
		t.Fatalf("expected 66.66, got %v", got)
	}
	// 0.3/0.1 is 2.9999... in binary floating point; decimal keeps it at 3.
	if got := Normalize(0.3, 0.1); math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("expected 0.3, got %v", got)
	}
	if got := Normalize(7.5, 0); got != 7.5 {
		t.Fatalf("zero step must be a no-op, got %v", got)
	}
}
