package capital

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// GroupLookup resolves an instrument's correlation group for the group
// exposure cap. Correlation groups never influence price logic here.
type GroupLookup interface {
	GroupOf(instrument string) string
	GroupMembers(group string) []string
}

// PerformanceSource exposes trailing strategy performance for the
// performance factor.
type PerformanceSource interface {
	Performance(kind types.StrategyKind) types.PerformanceStats
}

// hint carries the master loop's routing context into allocation: the pair
// weight of the requesting strategy and the regime confidence.
type hint struct {
	pairWeight map[types.StrategyKind]float64
	confidence float64
}

// Allocator owns the capital pool. Concurrent Allocate calls for different
// instruments serialize on one mutex so an is-there-room check and the
// reservation it guards are a single atomic step.
type Allocator struct {
	logger *zap.Logger
	config PoolConfig
	groups GroupLookup
	perf   PerformanceSource

	mu      sync.Mutex
	records map[string]*Record
	hints   map[string]hint
	now     func() time.Time
}

// NewAllocator creates an allocator over an empty pool.
func NewAllocator(logger *zap.Logger, config PoolConfig, groups GroupLookup, perf PerformanceSource) *Allocator {
	return &Allocator{
		logger:  logger.Named("capital"),
		config:  config,
		groups:  groups,
		perf:    perf,
		records: make(map[string]*Record),
		hints:   make(map[string]hint),
		now:     time.Now,
	}
}

// Enroll creates the instrument's allocation record. Enrolling twice is a
// no-op.
func (a *Allocator) Enroll(instrument string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[instrument]; !ok {
		a.records[instrument] = newRecord(instrument)
		a.hints[instrument] = hint{confidence: 0.5}
	}
}

// Unenroll destroys the instrument's record. Held capital is dropped with
// it, so callers must flatten and release first.
func (a *Allocator) Unenroll(instrument string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, instrument)
	delete(a.hints, instrument)
}

// SetHint records the routing context for an instrument: per-strategy pair
// weights and the regime confidence. Called by the master loop after
// routing, before instrument loops allocate.
func (a *Allocator) SetHint(instrument string, weights map[types.StrategyKind]float64, confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[instrument]; !ok {
		return
	}
	w := make(map[types.StrategyKind]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	a.hints[instrument] = hint{pairWeight: w, confidence: confidence}
}

// Allocate reserves capital for an entry. It grants the full requested
// amount or denies: partial grants are never returned. A grant must be
// followed by Confirm once the order is accepted or Release on rejection,
// else committed capital permanently drifts.
func (a *Allocator) Allocate(instrument string, kind types.StrategyKind, requested decimal.Decimal) (decimal.Decimal, error) {
	if requested.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive request", types.ErrAllocationDenied)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrNotEnrolled, instrument)
	}

	activePool := a.config.ActivePool()
	ceiling := activePool.Mul(decimal.NewFromFloat(a.weightLocked(instrument, kind)))

	instrumentMax := activePool.Mul(decimal.NewFromFloat(a.config.MaxInstrumentFraction))
	if ceiling.GreaterThan(instrumentMax) {
		ceiling = instrumentMax
	}

	if rec.Held().Add(requested).GreaterThan(ceiling) {
		return decimal.Zero, fmt.Errorf("%w: instrument cap %s exceeded for %s",
			types.ErrAllocationDenied, ceiling.StringFixed(2), instrument)
	}

	familyMax := activePool.Mul(decimal.NewFromFloat(a.config.MaxFamilyFraction))
	if a.familyHeldLocked(kind).Add(requested).GreaterThan(familyMax) {
		return decimal.Zero, fmt.Errorf("%w: strategy family cap %s exceeded for %s",
			types.ErrAllocationDenied, familyMax.StringFixed(2), kind)
	}

	if group, ok := a.groupOf(instrument); ok {
		groupMax := activePool.Mul(decimal.NewFromFloat(a.config.MaxGroupFraction))
		if a.groupHeldLocked(group).Add(requested).GreaterThan(groupMax) {
			return decimal.Zero, fmt.Errorf("%w: correlation group %q cap %s exceeded",
				types.ErrAllocationDenied, group, groupMax.StringFixed(2))
		}
	}

	// Pool invariant is checked last and rejected, never clamped.
	if a.totalHeldLocked().Add(requested).GreaterThan(a.config.PoolCeiling()) {
		return decimal.Zero, fmt.Errorf("%w: pool ceiling %s would be exceeded",
			types.ErrInvariantViolation, a.config.PoolCeiling().StringFixed(2))
	}

	rec.Reserved[kind] = rec.Reserved[kind].Add(requested)
	rec.Strategy = kind
	rec.LastUpdated = a.now().Unix()

	a.logger.Debug("capital reserved",
		zap.String("instrument", instrument),
		zap.String("strategy", string(kind)),
		zap.String("amount", requested.StringFixed(2)),
	)
	return requested, nil
}

// Confirm converts reserved capital into committed capital once the order is
// accepted. The actual amount may be below the reservation; the remainder is
// released. Confirming more than was reserved is an invariant violation.
func (a *Allocator) Confirm(instrument string, kind types.StrategyKind, actual decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[instrument]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotEnrolled, instrument)
	}
	reserved := rec.Reserved[kind]
	if actual.GreaterThan(reserved) {
		return fmt.Errorf("%w: confirm %s exceeds reservation %s on %s",
			types.ErrInvariantViolation, actual.StringFixed(2), reserved.StringFixed(2), instrument)
	}
	rec.Reserved[kind] = reserved.Sub(actual)
	rec.Committed[kind] = rec.Committed[kind].Add(actual)
	rec.LastUpdated = a.now().Unix()
	return nil
}

// Release returns reserved or committed capital to the pool, reserved
// first. Releasing more than is held is an invariant violation.
func (a *Allocator) Release(instrument string, kind types.StrategyKind, amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[instrument]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotEnrolled, instrument)
	}
	held := rec.HeldFor(kind)
	if amount.GreaterThan(held) {
		return fmt.Errorf("%w: release %s exceeds held %s on %s",
			types.ErrInvariantViolation, amount.StringFixed(2), held.StringFixed(2), instrument)
	}

	fromReserved := decimal.Min(amount, rec.Reserved[kind])
	rec.Reserved[kind] = rec.Reserved[kind].Sub(fromReserved)
	rec.Committed[kind] = rec.Committed[kind].Sub(amount.Sub(fromReserved))
	rec.LastUpdated = a.now().Unix()
	return nil
}

// ReleaseCommitted returns committed capital to the pool when a position
// closes, so committed always mirrors live deployment. The amount is
// clamped at the kind's commitment because exit rounding can differ from
// the entry notional by a hair; the standing reservation is untouched.
func (a *Allocator) ReleaseCommitted(instrument string, kind types.StrategyKind, amount decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[instrument]
	if !ok || amount.Sign() <= 0 {
		return decimal.Zero
	}
	freed := decimal.Min(amount, rec.Committed[kind])
	rec.Committed[kind] = rec.Committed[kind].Sub(freed)
	rec.LastUpdated = a.now().Unix()
	return freed
}

// ReleaseAll returns every amount held by a strategy on an instrument,
// used when a transition completes or times out.
func (a *Allocator) ReleaseAll(instrument string, kind types.StrategyKind) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[instrument]
	if !ok {
		return decimal.Zero
	}
	freed := rec.HeldFor(kind)
	delete(rec.Reserved, kind)
	delete(rec.Committed, kind)
	rec.LastUpdated = a.now().Unix()
	return freed
}

// AllocationFor returns a copy of the instrument's record.
func (a *Allocator) AllocationFor(instrument string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[instrument]
	if !ok {
		return Record{}, false
	}
	return *rec.clone(), true
}

// CommittedByInstrument returns confirmed capital per instrument.
func (a *Allocator) CommittedByInstrument() map[string]decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(a.records))
	for k, rec := range a.records {
		out[k] = rec.CommittedTotal()
	}
	return out
}

// TotalHeld returns reserved plus committed capital across the pool.
func (a *Allocator) TotalHeld() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalHeldLocked()
}

// Config returns the pool configuration.
func (a *Allocator) Config() PoolConfig { return a.config }

// Snapshot returns copies of all records for persistence.
func (a *Allocator) Snapshot() map[string]Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Record, len(a.records))
	for k, rec := range a.records {
		out[k] = *rec.clone()
	}
	return out
}

// Restore replaces all records from a persisted snapshot.
func (a *Allocator) Restore(records map[string]Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = make(map[string]*Record, len(records))
	for k, v := range records {
		rec := v.clone()
		if rec.Instrument == "" {
			rec.Instrument = k
		}
		a.records[k] = rec
		if _, ok := a.hints[k]; !ok {
			a.hints[k] = hint{confidence: 0.5}
		}
	}
}

// weightLocked computes the normalized allocation weight for an instrument
// and requesting strategy:
// pairWeight * regimeConfidence * performanceFactor, normalized so weights
// across active instruments sum to one.
func (a *Allocator) weightLocked(instrument string, kind types.StrategyKind) float64 {
	raw := func(inst string, k types.StrategyKind) float64 {
		h := a.hints[inst]
		pw := 1.0
		if h.pairWeight != nil {
			if w, ok := h.pairWeight[k]; ok {
				pw = w
			}
		}
		conf := h.confidence
		if conf <= 0 {
			conf = 0.5
		}
		return pw * conf * a.performanceFactor(k)
	}

	mine := raw(instrument, kind)
	if mine <= 0 {
		return 0
	}
	sum := 0.0
	for inst := range a.records {
		if inst == instrument {
			sum += mine
			continue
		}
		k := a.records[inst].Strategy
		if k == "" {
			k = kind
		}
		sum += raw(inst, k)
	}
	if sum <= 0 {
		return 0
	}
	return mine / sum
}

// performanceFactor derives a [0, 1.2] multiplier from trailing win rate.
// Whether unrealized PnL shades the factor is a configured policy.
func (a *Allocator) performanceFactor(kind types.StrategyKind) float64 {
	if a.perf == nil {
		return 1.0
	}
	stats := a.perf.Performance(kind)
	factor := 2 * stats.WinRate()
	if factor > 1.2 {
		factor = 1.2
	}
	if factor < 0 {
		factor = 0
	}
	pnl := stats.RealizedPnL
	if a.config.IncludeUnrealizedPnL {
		pnl = pnl.Add(stats.UnrealizedPnL)
	}
	if pnl.Sign() < 0 && factor > 1.0 {
		factor = 1.0
	}
	return factor
}

func (a *Allocator) totalHeldLocked() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range a.records {
		total = total.Add(rec.Held())
	}
	return total
}

func (a *Allocator) familyHeldLocked(kind types.StrategyKind) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range a.records {
		total = total.Add(rec.HeldFor(kind))
	}
	return total
}

func (a *Allocator) groupHeldLocked(group string) decimal.Decimal {
	total := decimal.Zero
	if a.groups == nil {
		return total
	}
	for _, member := range a.groups.GroupMembers(group) {
		if rec, ok := a.records[member]; ok {
			total = total.Add(rec.Held())
		}
	}
	return total
}

func (a *Allocator) groupOf(instrument string) (string, bool) {
	if a.groups == nil {
		return "", false
	}
	group := a.groups.GroupOf(instrument)
	return group, group != ""
}
