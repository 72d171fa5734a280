// Package capital owns the shared capital pool and per-instrument
// allocation records. All mutation goes through Allocate/Confirm/Release
// under one lock; a request that would break a cap is rejected whole, never
// clamped, so committed capital can only drift through caller bugs that skip
// the confirm-or-release step.
package capital

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// PoolConfig describes the shared capital pool and its caps.
type PoolConfig struct {
	TotalCapital          decimal.Decimal `json:"totalCapital"`
	ReserveFraction       float64         `json:"reserveFraction"`       // capital never allocated
	MaxUtilization        float64         `json:"maxUtilization"`        // of the active pool
	MaxInstrumentFraction float64         `json:"maxInstrumentFraction"` // per-instrument cap
	MaxFamilyFraction     float64         `json:"maxFamilyFraction"`     // per-strategy-family cap
	MaxGroupFraction      float64         `json:"maxGroupFraction"`      // per-correlation-group cap
	IncludeUnrealizedPnL  bool            `json:"includeUnrealizedPnl"`  // performance factor policy
}

// DefaultPoolConfig returns the standard caps.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TotalCapital:          decimal.NewFromInt(100000),
		ReserveFraction:       0.15,
		MaxUtilization:        1.0,
		MaxInstrumentFraction: 0.25,
		MaxFamilyFraction:     0.40,
		MaxGroupFraction:      0.30,
		IncludeUnrealizedPnL:  false,
	}
}

// Record is the single allocation record an instrument owns. Reserved
// capital is provisionally held pending order confirmation; committed
// capital is confirmed as deployed.
type Record struct {
	Instrument  string                                   `json:"instrument"`
	Strategy    types.StrategyKind                       `json:"strategy"` // most recent requesting kind
	Reserved    map[types.StrategyKind]decimal.Decimal   `json:"reserved"`
	Committed   map[types.StrategyKind]decimal.Decimal   `json:"committed"`
	LastUpdated int64                                    `json:"lastUpdated"` // unix seconds
}

func newRecord(instrument string) *Record {
	return &Record{
		Instrument: instrument,
		Reserved:   make(map[types.StrategyKind]decimal.Decimal),
		Committed:  make(map[types.StrategyKind]decimal.Decimal),
	}
}

// Held returns reserved plus committed capital for the record.
func (r *Record) Held() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.Reserved {
		total = total.Add(v)
	}
	for _, v := range r.Committed {
		total = total.Add(v)
	}
	return total
}

// HeldFor returns reserved plus committed capital for one strategy kind.
func (r *Record) HeldFor(kind types.StrategyKind) decimal.Decimal {
	return r.Reserved[kind].Add(r.Committed[kind])
}

// CommittedTotal returns confirmed capital only.
func (r *Record) CommittedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.Committed {
		total = total.Add(v)
	}
	return total
}

func (r *Record) clone() *Record {
	out := newRecord(r.Instrument)
	out.Strategy = r.Strategy
	out.LastUpdated = r.LastUpdated
	for k, v := range r.Reserved {
		out.Reserved[k] = v
	}
	for k, v := range r.Committed {
		out.Committed[k] = v
	}
	return out
}

// ActivePool returns the capital available for allocation:
// total * (1 - reserveFraction).
func (c PoolConfig) ActivePool() decimal.Decimal {
	return c.TotalCapital.Mul(decimal.NewFromFloat(1 - c.ReserveFraction))
}

// PoolCeiling returns the hard invariant bound on held capital:
// total * (1 - reserveFraction) * maxUtilization.
func (c PoolConfig) PoolCeiling() decimal.Decimal {
	return c.ActivePool().Mul(decimal.NewFromFloat(c.MaxUtilization))
}
