// Package strategy_test provides tests for the engine registry and the
// reference engines.
package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/strategy"
	"github.com/meridian-desk/coordinator/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func snapshot(price, fast, slow float64, trend float64) *types.MarketSnapshot {
	return &types.MarketSnapshot{
		Instrument:    "BTC/USDT",
		Timestamp:     time.Now(),
		Price:         d(price),
		FastMA:        d(fast),
		SlowMA:        d(slow),
		TrendStrength: trend,
		Volatility:    1.0,
	}
}

func TestRegistryHasAllKinds(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	for _, kind := range []types.StrategyKind{
		types.StrategyRange, types.StrategyAveraging, types.StrategyTrend,
	} {
		if _, ok := r.Engine(kind); !ok {
			t.Errorf("engine %s not registered", kind)
		}
	}
}

func TestPerformanceTracking(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	r.RecordTrade(types.StrategyRange, d(100))
	r.RecordTrade(types.StrategyRange, d(-40))
	r.RecordTrade(types.StrategyRange, d(60))

	p := r.Performance(types.StrategyRange)
	if p.Trades != 3 || p.Wins != 2 {
		t.Errorf("stats = %+v, want 3 trades 2 wins", p)
	}
	if !p.RealizedPnL.Equal(d(120)) {
		t.Errorf("realized = %s, want 120", p.RealizedPnL)
	}
	if p.WinRate() < 0.66 || p.WinRate() > 0.67 {
		t.Errorf("win rate = %f", p.WinRate())
	}
}

func TestRangeEntryBelowBand(t *testing.T) {
	e := strategy.NewRangeEngine(zap.NewNop())
	// SlowMA 100, band 1%: entries trigger at or below 99.
	sig, err := e.GenerateSignal(context.Background(), snapshot(98.5, 99, 100, 12), d(10000))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig == nil || sig.Type != types.SignalTypeEntry || sig.Side != types.OrderSideBuy {
		t.Fatalf("signal = %+v, want buy entry", sig)
	}
	if sig.StopLoss.IsZero() {
		t.Error("entry carries no stop")
	}
}

func TestRangeSkipsInStrongTrend(t *testing.T) {
	e := strategy.NewRangeEngine(zap.NewNop())
	sig, err := e.GenerateSignal(context.Background(), snapshot(98.5, 99, 100, 40), d(10000))
	if err != nil || sig != nil {
		t.Errorf("sig = %+v err = %v, want no entry when trending", sig, err)
	}
}

func TestHandoffAllowsOnlyExits(t *testing.T) {
	e := strategy.NewRangeEngine(zap.NewNop())
	e.OnTransitionRequested("BTC/USDT")

	sig, _ := e.GenerateSignal(context.Background(), snapshot(98.5, 99, 100, 12), d(10000))
	if sig != nil {
		t.Fatalf("entry generated during handoff: %+v", sig)
	}

	e.NotePosition("BTC/USDT", &types.Position{
		Instrument: "BTC/USDT",
		Strategy:   types.StrategyRange,
		Side:       types.PositionSideLong,
		Quantity:   d(1),
		EntryPrice: d(98),
	})
	sig, _ = e.GenerateSignal(context.Background(), snapshot(101, 100, 100, 12), d(10000))
	if sig == nil || sig.Type != types.SignalTypeExit {
		t.Errorf("sig = %+v, want exit during handoff", sig)
	}
}

func TestAveragingEntersOnDip(t *testing.T) {
	e := strategy.NewAveragingEngine(zap.NewNop())
	// FastMA 100, trigger 1.5% below: 98.5.
	sig, err := e.GenerateSignal(context.Background(), snapshot(98, 100, 101, 20), d(8000))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig == nil || sig.Type != types.SignalTypeEntry {
		t.Fatalf("signal = %+v, want tranche entry", sig)
	}
	// One tranche is a quarter of the allocation.
	wantQty := d(8000).Mul(d(0.25)).Div(d(98)).Round(8)
	if !sig.Quantity.Equal(wantQty) {
		t.Errorf("quantity = %s, want %s", sig.Quantity, wantQty)
	}
}

func TestTrendEntryNeedsCrossoverAndStrength(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop())

	if sig, _ := e.GenerateSignal(context.Background(), snapshot(100, 101, 100, 20), d(10000)); sig != nil {
		t.Errorf("entry below trend strength floor: %+v", sig)
	}
	if sig, _ := e.GenerateSignal(context.Background(), snapshot(100, 99, 100, 40), d(10000)); sig != nil {
		t.Errorf("entry without crossover: %+v", sig)
	}

	sig, err := e.GenerateSignal(context.Background(), snapshot(100, 101, 100, 40), d(10000))
	if err != nil || sig == nil || sig.Type != types.SignalTypeEntry {
		t.Fatalf("sig = %+v err = %v, want entry", sig, err)
	}
}

func TestTrendExitsOnInvertedCrossover(t *testing.T) {
	e := strategy.NewTrendEngine(zap.NewNop())
	e.NotePosition("BTC/USDT", &types.Position{
		Instrument: "BTC/USDT",
		Strategy:   types.StrategyTrend,
		Side:       types.PositionSideLong,
		Quantity:   d(2),
		EntryPrice: d(95),
	})
	sig, _ := e.GenerateSignal(context.Background(), snapshot(100, 99, 100, 40), d(10000))
	if sig == nil || sig.Type != types.SignalTypeExit || sig.Side != types.OrderSideSell {
		t.Errorf("sig = %+v, want sell exit", sig)
	}
}

func TestCancelledContext(t *testing.T) {
	e := strategy.NewRangeEngine(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.GenerateSignal(ctx, snapshot(98.5, 99, 100, 12), d(10000)); err == nil {
		t.Error("cancelled context not surfaced")
	}
}
