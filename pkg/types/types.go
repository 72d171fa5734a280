// Package types provides shared type definitions for the strategy coordinator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is a discrete classification of current market behavior.
type Regime string

const (
	RegimeTightRange         Regime = "tight_range"
	RegimeWideRange          Regime = "wide_range"
	RegimeQuietTransition    Regime = "quiet_transition"
	RegimeVolatileTransition Regime = "volatile_transition"
	RegimeBullTrend          Regime = "bull_trend"
	RegimeBearTrend          Regime = "bear_trend"
	RegimeUnknown            Regime = "unknown"
)

// StrategyKind identifies a strategy family.
type StrategyKind string

const (
	StrategyRange     StrategyKind = "range"
	StrategyAveraging StrategyKind = "averaging"
	StrategyTrend     StrategyKind = "trend"
)

// MarketSnapshot is one immutable indicator reading for an instrument,
// produced once per classification tick.
type MarketSnapshot struct {
	Instrument    string          `json:"instrument"`
	Timestamp     time.Time       `json:"timestamp"`
	Price         decimal.Decimal `json:"price"`
	TrendStrength float64         `json:"trendStrength"` // ADX-like, 0-100
	Volatility    float64         `json:"volatility"`    // ATR as percent of price
	FastMA        decimal.Decimal `json:"fastMa"`
	SlowMA        decimal.Decimal `json:"slowMa"`
	VolumeRatio   float64         `json:"volumeRatio"`
}

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// SignalType distinguishes entries, which pass through the quality filter
// and risk tiers, from exits and protective orders, which never do.
type SignalType string

const (
	SignalTypeEntry    SignalType = "entry"
	SignalTypeExit     SignalType = "exit"
	SignalTypeStopLoss SignalType = "stop_loss"
	SignalTypeCounter  SignalType = "counter"
)

// IsEntry reports whether the signal opens new exposure.
func (t SignalType) IsEntry() bool { return t == SignalTypeEntry }

// Signal is a strategy engine's proposed action on an instrument.
type Signal struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Strategy   StrategyKind    `json:"strategy"`
	Type       SignalType      `json:"type"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// RiskAmount returns the capital at risk between entry and stop.
func (s *Signal) RiskAmount() decimal.Decimal {
	if s.StopLoss.IsZero() {
		return decimal.Zero
	}
	return s.Price.Sub(s.StopLoss).Abs().Mul(s.Quantity)
}

// Notional returns the order value at the proposed price.
func (s *Signal) Notional() decimal.Decimal {
	return s.Price.Mul(s.Quantity)
}

// Order represents an order handed to the execution collaborator.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Instrument    string          `json:"instrument"`
	Strategy      StrategyKind    `json:"strategy"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FillResult is the execution collaborator's response to a submitted order.
type FillResult struct {
	OrderID    string          `json:"orderId"`
	Status     OrderStatus     `json:"status"`
	FilledQty  decimal.Decimal `json:"filledQty"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	Commission decimal.Decimal `json:"commission"`
	FilledAt   time.Time       `json:"filledAt"`
}

// PositionSide represents long or short exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position represents live exposure on the exchange, used both for trading
// and for crash-recovery reconciliation.
type Position struct {
	Instrument    string          `json:"instrument"`
	Strategy      StrategyKind    `json:"strategy"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// PerformanceStats is the trailing trade history a strategy engine exposes
// for the allocator's performance factor.
type PerformanceStats struct {
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// WinRate returns the trailing win rate, or 0.5 with no history.
func (p PerformanceStats) WinRate() float64 {
	if p.Trades == 0 {
		return 0.5
	}
	return float64(p.Wins) / float64(p.Trades)
}
