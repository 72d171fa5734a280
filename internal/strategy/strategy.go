// Package strategy defines the engine contract the coordinator routes
// capital to, a registry keyed by strategy kind, and the reference range,
// averaging, and trend engines.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// Engine is one strategy family. Engines propose signals; they never size
// against the portfolio, place orders, or manage risk. The allocation
// passed to GenerateSignal is the capital the coordinator has committed to
// this engine on this instrument.
type Engine interface {
	Kind() types.StrategyKind
	GenerateSignal(ctx context.Context, snap *types.MarketSnapshot, allocation decimal.Decimal) (*types.Signal, error)
	// OnTransitionRequested tells the engine its instrument is being handed
	// off: it should propose only exits until the handoff completes.
	OnTransitionRequested(instrument string)
	// OnTransitionDone clears the handoff flag for an instrument.
	OnTransitionDone(instrument string)
	// NotePosition feeds the engine its open position after fills; nil
	// means flat.
	NotePosition(instrument string, pos *types.Position)
}

// Registry holds one engine per kind and the trailing performance stats
// the allocator consults.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	engines map[types.StrategyKind]Engine
	perf    map[types.StrategyKind]types.PerformanceStats
	window  int
}

// NewRegistry creates a registry pre-populated with the reference engines.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:  logger.Named("strategy"),
		engines: make(map[types.StrategyKind]Engine),
		perf:    make(map[types.StrategyKind]types.PerformanceStats),
		window:  50,
	}
	r.Register(NewRangeEngine(logger))
	r.Register(NewAveragingEngine(logger))
	r.Register(NewTrendEngine(logger))
	return r
}

// Register adds or replaces the engine for a kind.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Kind()] = e
}

// Engine returns the engine for a kind.
func (r *Registry) Engine(kind types.StrategyKind) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[kind]
	return e, ok
}

// Kinds returns all registered strategy kinds.
func (r *Registry) Kinds() []types.StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StrategyKind, 0, len(r.engines))
	for k := range r.engines {
		out = append(out, k)
	}
	return out
}

// RecordTrade folds one closed trade into the kind's trailing stats.
func (r *Registry) RecordTrade(kind types.StrategyKind, pnl decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.perf[kind]
	p.Trades++
	if pnl.GreaterThan(decimal.Zero) {
		p.Wins++
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	r.perf[kind] = p
}

// SetUnrealized updates the kind's open-position mark.
func (r *Registry) SetUnrealized(kind types.StrategyKind, pnl decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.perf[kind]
	p.UnrealizedPnL = pnl
	r.perf[kind] = p
}

// Performance returns the trailing stats for a kind. Satisfies the
// allocator's performance source.
func (r *Registry) Performance(kind types.StrategyKind) types.PerformanceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perf[kind]
}

// RestorePerformance loads persisted stats after a restart.
func (r *Registry) RestorePerformance(perf map[types.StrategyKind]types.PerformanceStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range perf {
		r.perf[k] = v
	}
}

// PerformanceSnapshot returns a copy of all trailing stats.
func (r *Registry) PerformanceSnapshot() map[types.StrategyKind]types.PerformanceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.StrategyKind]types.PerformanceStats, len(r.perf))
	for k, v := range r.perf {
		out[k] = v
	}
	return out
}

// baseEngine carries the handoff flags shared by the reference engines.
type baseEngine struct {
	logger *zap.Logger

	mu       sync.Mutex
	handoff  map[string]bool
	position map[string]*types.Position
}

func newBaseEngine(logger *zap.Logger, name string) baseEngine {
	return baseEngine{
		logger:   logger.Named(name),
		handoff:  make(map[string]bool),
		position: make(map[string]*types.Position),
	}
}

func (b *baseEngine) OnTransitionRequested(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handoff[instrument] = true
}

func (b *baseEngine) OnTransitionDone(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handoff, instrument)
}

func (b *baseEngine) inHandoff(instrument string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handoff[instrument]
}

// NotePosition records the engine's view of its open position, fed back by
// the coordinator after fills. A nil position means flat.
func (b *baseEngine) NotePosition(instrument string, pos *types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos == nil {
		delete(b.position, instrument)
		return
	}
	b.position[instrument] = pos
}

func (b *baseEngine) openPosition(instrument string) *types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position[instrument]
}

// exitSignal closes an open position at market.
func exitSignal(kind types.StrategyKind, pos *types.Position, price decimal.Decimal, reason string) *types.Signal {
	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	return &types.Signal{
		ID:         uuid.New().String(),
		Instrument: pos.Instrument,
		Strategy:   kind,
		Type:       types.SignalTypeExit,
		Side:       side,
		Price:      price,
		Quantity:   pos.Quantity,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
}

func sizeForAllocation(allocation, price decimal.Decimal, fraction float64) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return allocation.Mul(decimal.NewFromFloat(fraction)).Div(price).Round(8)
}

// RangeEngine fades moves away from the slow moving average inside a
// low-trend band. It buys below the band and exits back at the mean.
type RangeEngine struct {
	baseEngine
	bandWidth  decimal.Decimal // entry distance from SlowMA, fraction of price
	stopWidth  decimal.Decimal
	entryFrac  float64
	maxTrendSt float64
}

// NewRangeEngine creates the reference range engine.
func NewRangeEngine(logger *zap.Logger) *RangeEngine {
	return &RangeEngine{
		baseEngine: newBaseEngine(logger, "range-engine"),
		bandWidth:  decimal.NewFromFloat(0.01),
		stopWidth:  decimal.NewFromFloat(0.02),
		entryFrac:  0.5,
		maxTrendSt: 25,
	}
}

func (e *RangeEngine) Kind() types.StrategyKind { return types.StrategyRange }

func (e *RangeEngine) GenerateSignal(ctx context.Context, snap *types.MarketSnapshot, allocation decimal.Decimal) (*types.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos := e.openPosition(snap.Instrument)

	// Mean touched: take profit regardless of handoff state.
	if pos != nil && snap.Price.GreaterThanOrEqual(snap.SlowMA) {
		return exitSignal(e.Kind(), pos, snap.Price, "mean reversion target"), nil
	}
	if e.inHandoff(snap.Instrument) {
		if pos != nil {
			return exitSignal(e.Kind(), pos, snap.Price, "handoff unwind"), nil
		}
		return nil, nil
	}
	if pos != nil {
		return nil, nil
	}
	if snap.TrendStrength > e.maxTrendSt || allocation.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	entry := snap.SlowMA.Mul(decimal.NewFromInt(1).Sub(e.bandWidth))
	if snap.Price.GreaterThan(entry) {
		return nil, nil
	}
	qty := sizeForAllocation(allocation, snap.Price, e.entryFrac)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	return &types.Signal{
		ID:         uuid.New().String(),
		Instrument: snap.Instrument,
		Strategy:   e.Kind(),
		Type:       types.SignalTypeEntry,
		Side:       types.OrderSideBuy,
		Price:      snap.Price,
		Quantity:   qty,
		StopLoss:   snap.Price.Mul(decimal.NewFromInt(1).Sub(e.stopWidth)),
		Reason:     "price below range band",
		CreatedAt:  snap.Timestamp,
	}, nil
}

// AveragingEngine scales into weakness in small tranches and exits when
// price recovers past the fast moving average. It is the defensive engine
// routed to volatile and bearish regimes.
type AveragingEngine struct {
	baseEngine
	trancheFrac float64
	dipTrigger  decimal.Decimal // entry distance below FastMA, fraction
	stopWidth   decimal.Decimal
}

// NewAveragingEngine creates the reference averaging engine.
func NewAveragingEngine(logger *zap.Logger) *AveragingEngine {
	return &AveragingEngine{
		baseEngine:  newBaseEngine(logger, "averaging-engine"),
		trancheFrac: 0.25,
		dipTrigger:  decimal.NewFromFloat(0.015),
		stopWidth:   decimal.NewFromFloat(0.05),
	}
}

func (e *AveragingEngine) Kind() types.StrategyKind { return types.StrategyAveraging }

func (e *AveragingEngine) GenerateSignal(ctx context.Context, snap *types.MarketSnapshot, allocation decimal.Decimal) (*types.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos := e.openPosition(snap.Instrument)

	if pos != nil && snap.Price.GreaterThan(snap.FastMA) {
		return exitSignal(e.Kind(), pos, snap.Price, "recovery past fast ma"), nil
	}
	if e.inHandoff(snap.Instrument) {
		if pos != nil {
			return exitSignal(e.Kind(), pos, snap.Price, "handoff unwind"), nil
		}
		return nil, nil
	}
	if allocation.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	trigger := snap.FastMA.Mul(decimal.NewFromInt(1).Sub(e.dipTrigger))
	if snap.Price.GreaterThan(trigger) {
		return nil, nil
	}
	qty := sizeForAllocation(allocation, snap.Price, e.trancheFrac)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	return &types.Signal{
		ID:         uuid.New().String(),
		Instrument: snap.Instrument,
		Strategy:   e.Kind(),
		Type:       types.SignalTypeEntry,
		Side:       types.OrderSideBuy,
		Price:      snap.Price,
		Quantity:   qty,
		StopLoss:   snap.Price.Mul(decimal.NewFromInt(1).Sub(e.stopWidth)),
		Reason:     "averaging tranche on dip",
		CreatedAt:  snap.Timestamp,
	}, nil
}

// TrendEngine rides confirmed bull trends: it enters on a fast/slow
// crossover with strong trend readings and trails out when the crossover
// inverts.
type TrendEngine struct {
	baseEngine
	minTrendSt float64
	entryFrac  float64
	stopWidth  decimal.Decimal
}

// NewTrendEngine creates the reference trend engine.
func NewTrendEngine(logger *zap.Logger) *TrendEngine {
	return &TrendEngine{
		baseEngine: newBaseEngine(logger, "trend-engine"),
		minTrendSt: 32,
		entryFrac:  0.8,
		stopWidth:  decimal.NewFromFloat(0.04),
	}
}

func (e *TrendEngine) Kind() types.StrategyKind { return types.StrategyTrend }

func (e *TrendEngine) GenerateSignal(ctx context.Context, snap *types.MarketSnapshot, allocation decimal.Decimal) (*types.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos := e.openPosition(snap.Instrument)

	if pos != nil && snap.FastMA.LessThan(snap.SlowMA) {
		return exitSignal(e.Kind(), pos, snap.Price, "trend crossover inverted"), nil
	}
	if e.inHandoff(snap.Instrument) {
		if pos != nil {
			return exitSignal(e.Kind(), pos, snap.Price, "handoff unwind"), nil
		}
		return nil, nil
	}
	if pos != nil {
		return nil, nil
	}
	if snap.TrendStrength < e.minTrendSt || !snap.FastMA.GreaterThan(snap.SlowMA) {
		return nil, nil
	}
	if allocation.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	qty := sizeForAllocation(allocation, snap.Price, e.entryFrac)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	return &types.Signal{
		ID:         uuid.New().String(),
		Instrument: snap.Instrument,
		Strategy:   e.Kind(),
		Type:       types.SignalTypeEntry,
		Side:       types.OrderSideBuy,
		Price:      snap.Price,
		Quantity:   qty,
		StopLoss:   snap.Price.Mul(decimal.NewFromInt(1).Sub(e.stopWidth)),
		Reason:     "trend continuation entry",
		CreatedAt:  snap.Timestamp,
	}, nil
}
