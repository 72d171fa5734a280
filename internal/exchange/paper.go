// Package exchange defines the execution collaborator the coordinator
// submits orders to, plus a paper implementation that simulates fills with
// slippage and commission against the last observed mark.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// OrderExecutor is the execution venue. The coordinator never talks to an
// exchange directly; it goes through this interface so paper and live
// venues are interchangeable.
type OrderExecutor interface {
	Submit(ctx context.Context, order *types.Order) (*types.FillResult, error)
	// MarketExit flattens one strategy's position on an instrument at the
	// current mark. Used for handoff timeouts and the emergency unwind.
	MarketExit(ctx context.Context, instrument string, kind types.StrategyKind) (*types.FillResult, error)
	Positions(ctx context.Context) ([]*types.Position, error)
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	SlippageBps   decimal.Decimal `json:"slippageBps"`   // per-fill slippage in basis points
	CommissionBps decimal.Decimal `json:"commissionBps"` // taker commission in basis points
	// RejectEvery injects a rejection on every Nth submit, for failure-path
	// testing. Zero disables injection.
	RejectEvery int `json:"rejectEvery"`
}

// DefaultPaperConfig returns a 5bps slippage, 10bps commission venue.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps:   decimal.NewFromInt(5),
		CommissionBps: decimal.NewFromInt(10),
	}
}

type positionKey struct {
	instrument string
	kind       types.StrategyKind
}

// PaperExecutor simulates fills against the last mark per instrument.
type PaperExecutor struct {
	logger *zap.Logger
	config PaperConfig

	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	positions map[positionKey]*types.Position
	submits   int

	// OnRealized is called when a fill closes or reduces a position, with
	// the entry notional closed and the realized PnL. Called under the
	// executor lock; the callback must not call back into the executor.
	OnRealized func(instrument string, kind types.StrategyKind, notional, pnl decimal.Decimal)
}

// NewPaperExecutor creates an empty simulated venue.
func NewPaperExecutor(logger *zap.Logger, config PaperConfig) *PaperExecutor {
	return &PaperExecutor{
		logger:    logger.Named("paper"),
		config:    config,
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[positionKey]*types.Position),
	}
}

// SetMark updates the instrument's mark price and remarks open positions.
func (p *PaperExecutor) SetMark(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[instrument] = price
	for key, pos := range p.positions {
		if key.instrument != instrument {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = p.unrealizedLocked(pos)
	}
}

// Submit fills the order at the mark adjusted for slippage.
func (p *PaperExecutor) Submit(ctx context.Context, order *types.Order) (*types.FillResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits++
	if p.config.RejectEvery > 0 && p.submits%p.config.RejectEvery == 0 {
		return &types.FillResult{
			OrderID:  order.ID,
			Status:   types.OrderStatusRejected,
			FilledAt: time.Now(),
		}, fmt.Errorf("%w: injected venue rejection", types.ErrOrderRejected)
	}

	mark, ok := p.marks[order.Instrument]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no mark for %s", types.ErrDataUnavailable, order.Instrument)
	}
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive quantity", types.ErrOrderRejected)
	}

	price := p.slippedLocked(mark, order.Side)
	fill := &types.FillResult{
		OrderID:    order.ID,
		Status:     types.OrderStatusFilled,
		FilledQty:  order.Quantity,
		AvgPrice:   price,
		Commission: price.Mul(order.Quantity).Mul(p.config.CommissionBps).Div(decimal.NewFromInt(10000)),
		FilledAt:   time.Now(),
	}
	p.applyFillLocked(order, fill)
	p.logger.Debug("paper fill",
		zap.String("instrument", order.Instrument),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", price.String()),
	)
	return fill, nil
}

// MarketExit flattens one strategy's position at the mark.
func (p *PaperExecutor) MarketExit(ctx context.Context, instrument string, kind types.StrategyKind) (*types.FillResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	pos, ok := p.positions[positionKey{instrument, kind}]
	p.mu.Unlock()
	if !ok {
		// Already flat; a forced exit on a flat book is a no-op.
		return &types.FillResult{Status: types.OrderStatusFilled, FilledAt: time.Now()}, nil
	}

	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	return p.Submit(ctx, &types.Order{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Strategy:   kind,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Status:     types.OrderStatusPending,
		CreatedAt:  time.Now(),
	})
}

// Positions returns a copy of the open position book.
func (p *PaperExecutor) Positions(ctx context.Context) ([]*types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out, nil
}

// Position returns one strategy's open position, or nil when flat.
func (p *PaperExecutor) Position(instrument string, kind types.StrategyKind) *types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[positionKey{instrument, kind}]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

func (p *PaperExecutor) slippedLocked(mark decimal.Decimal, side types.OrderSide) decimal.Decimal {
	slip := mark.Mul(p.config.SlippageBps).Div(decimal.NewFromInt(10000))
	if side == types.OrderSideBuy {
		return mark.Add(slip)
	}
	return mark.Sub(slip)
}

func (p *PaperExecutor) unrealizedLocked(pos *types.Position) decimal.Decimal {
	diff := pos.CurrentPrice.Sub(pos.EntryPrice)
	if pos.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(pos.Quantity)
}

func (p *PaperExecutor) applyFillLocked(order *types.Order, fill *types.FillResult) {
	key := positionKey{order.Instrument, order.Strategy}
	pos, ok := p.positions[key]

	if !ok {
		side := types.PositionSideLong
		if order.Side == types.OrderSideSell {
			side = types.PositionSideShort
		}
		p.positions[key] = &types.Position{
			Instrument:   order.Instrument,
			Strategy:     order.Strategy,
			Side:         side,
			Quantity:     fill.FilledQty,
			EntryPrice:   fill.AvgPrice,
			CurrentPrice: fill.AvgPrice,
			OpenedAt:     fill.FilledAt,
		}
		return
	}

	increasing := (pos.Side == types.PositionSideLong && order.Side == types.OrderSideBuy) ||
		(pos.Side == types.PositionSideShort && order.Side == types.OrderSideSell)

	if increasing {
		// Volume-weighted average entry across tranches.
		oldVal := pos.EntryPrice.Mul(pos.Quantity)
		newVal := fill.AvgPrice.Mul(fill.FilledQty)
		pos.Quantity = pos.Quantity.Add(fill.FilledQty)
		pos.EntryPrice = oldVal.Add(newVal).Div(pos.Quantity)
		return
	}

	closed := decimal.Min(pos.Quantity, fill.FilledQty)
	diff := fill.AvgPrice.Sub(pos.EntryPrice)
	if pos.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(closed).Sub(fill.Commission)
	if p.OnRealized != nil {
		p.OnRealized(order.Instrument, order.Strategy, pos.EntryPrice.Mul(closed), pnl)
	}

	pos.Quantity = pos.Quantity.Sub(closed)
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, key)
	}
}
