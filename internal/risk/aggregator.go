// Package risk provides the three-tier risk aggregator: trade-level,
// instrument-level, and portfolio-level checks evaluated in order with the
// first failure short-circuiting, plus the portfolio emergency-halt
// protocol. Every entry-submitting path in the coordinator calls CheckEntry
// before touching the exchange.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// Config contains risk thresholds. Percentages are fractions of the base
// named in the comment.
type Config struct {
	TotalCapital decimal.Decimal `json:"totalCapital"`
	ActivePool   decimal.Decimal `json:"activePool"`

	TradeRiskPct          float64       `json:"tradeRiskPct"`          // of instrument allocation
	InstrumentDailyLossPct float64      `json:"instrumentDailyLossPct"` // of instrument allocation
	ConsecutiveLossLimit  int           `json:"consecutiveLossLimit"`
	LossCooldown          time.Duration `json:"lossCooldown"`

	MaxTotalExposurePct float64 `json:"maxTotalExposurePct"` // of total capital
	MaxGroupExposurePct float64 `json:"maxGroupExposurePct"` // of active pool
	ReducedModeLossPct  float64 `json:"reducedModeLossPct"`  // of total capital
	HaltLossPct         float64 `json:"haltLossPct"`         // of total capital

	UnwindTickLimit int `json:"unwindTickLimit"` // ticks before a forced market exit
}

// DefaultConfig returns the standard risk thresholds for a pool.
func DefaultConfig(totalCapital, activePool decimal.Decimal) Config {
	return Config{
		TotalCapital:           totalCapital,
		ActivePool:             activePool,
		TradeRiskPct:           0.02,
		InstrumentDailyLossPct: 0.03,
		ConsecutiveLossLimit:   3,
		LossCooldown:           2 * time.Hour,
		MaxTotalExposurePct:    0.70,
		MaxGroupExposurePct:    0.30,
		ReducedModeLossPct:     0.05,
		HaltLossPct:            0.10,
		UnwindTickLimit:        10,
	}
}

// PortfolioState is the singleton portfolio risk state, reconstructible
// from a snapshot after a crash.
type PortfolioState struct {
	PeakEquity    decimal.Decimal `json:"peakEquity"`
	CurrentEquity decimal.Decimal `json:"currentEquity"`
	DailyPnL      decimal.Decimal `json:"dailyPnl"`
	DayStart      time.Time       `json:"dayStart"`
	IsHalted      bool            `json:"isHalted"`
	HaltReason    string          `json:"haltReason,omitempty"`
	HaltedAt      time.Time       `json:"haltedAt,omitempty"`
}

// DailyLoss returns today's realized loss as a positive amount.
func (s PortfolioState) DailyLoss() decimal.Decimal {
	if s.DailyPnL.Sign() < 0 {
		return s.DailyPnL.Neg()
	}
	return decimal.Zero
}

// EntryRequest is everything the tiers need to judge one proposed entry.
type EntryRequest struct {
	Instrument string
	Strategy   types.StrategyKind
	RiskAmount decimal.Decimal // loss if the stop is hit
	Notional   decimal.Decimal // order value
	HasStop    bool
	Allocation decimal.Decimal // instrument's current allocation
	Group      string          // correlation group, empty if none
}

// Verdict is the outcome of an approved entry check. In REDUCED mode all new
// order sizes are halved.
type Verdict struct {
	SizeMultiplier decimal.Decimal `json:"sizeMultiplier"`
	Reduced        bool            `json:"reduced"`
}

// instrumentRisk is per-instrument trailing state for tier two.
type instrumentRisk struct {
	dailyPnL          decimal.Decimal
	consecutiveLosses int
	cooldownUntil     time.Time
	openByKind        map[types.StrategyKind]bool
	exposure          decimal.Decimal
}

// Aggregator evaluates the three risk tiers and owns the halt state. It is
// the only writer of PortfolioState.
type Aggregator struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	state       PortfolioState
	instruments map[string]*instrumentRisk
	unwinding   bool
	now         func() time.Time

	groups GroupLookup

	// OnHalt fires once per freeze, never on re-entry while halted. It is
	// invoked synchronously and must not call back into the aggregator.
	OnHalt func(reason string)
	// OnReduced fires when daily loss first crosses into REDUCED mode.
	// Same re-entrancy rule as OnHalt.
	OnReduced func(loss decimal.Decimal)
}

// GroupLookup resolves correlation group membership for the group exposure
// tier.
type GroupLookup interface {
	GroupMembers(group string) []string
}

// NewAggregator creates an aggregator with a fresh portfolio state.
func NewAggregator(logger *zap.Logger, config Config, groups GroupLookup) *Aggregator {
	now := time.Now()
	return &Aggregator{
		logger: logger.Named("risk"),
		config: config,
		state: PortfolioState{
			PeakEquity:    config.TotalCapital,
			CurrentEquity: config.TotalCapital,
			DayStart:      dayStart(now),
		},
		instruments: make(map[string]*instrumentRisk),
		now:         time.Now,
		groups:      groups,
	}
}

// CheckEntry runs the three tiers in order; the first failure wins. A nil
// error comes with a verdict whose multiplier reflects REDUCED mode.
func (ra *Aggregator) CheckEntry(req EntryRequest) (Verdict, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.rolloverLocked(ra.now())

	// Halt is the universal precondition, ahead of every tier.
	if ra.state.IsHalted {
		return Verdict{}, fmt.Errorf("%w: %s", types.ErrPortfolioHalted, ra.state.HaltReason)
	}

	if err := ra.checkTradeTierLocked(req); err != nil {
		return Verdict{}, err
	}
	if err := ra.checkInstrumentTierLocked(req); err != nil {
		return Verdict{}, err
	}
	if err := ra.checkPortfolioTierLocked(req); err != nil {
		return Verdict{}, err
	}

	v := Verdict{SizeMultiplier: decimal.NewFromInt(1)}
	if ra.reducedLocked() {
		v.SizeMultiplier = decimal.NewFromFloat(0.5)
		v.Reduced = true
	}
	return v, nil
}

// Tier one: per-trade risk bound and a mandatory stop.
func (ra *Aggregator) checkTradeTierLocked(req EntryRequest) error {
	if !req.HasStop {
		return fmt.Errorf("%w: entry without stop-loss distance", types.ErrOrderRejected)
	}
	maxRisk := req.Allocation.Mul(decimal.NewFromFloat(ra.config.TradeRiskPct))
	if req.RiskAmount.GreaterThan(maxRisk) {
		return fmt.Errorf("%w: trade risk %s exceeds %s",
			types.ErrOrderRejected, req.RiskAmount.StringFixed(2), maxRisk.StringFixed(2))
	}
	return nil
}

// Tier two: one open position per instrument per strategy kind, instrument
// daily loss bound, and the consecutive-loss cooldown.
func (ra *Aggregator) checkInstrumentTierLocked(req EntryRequest) error {
	ir := ra.instruments[req.Instrument]
	if ir == nil {
		return nil
	}
	if ir.openByKind[req.Strategy] {
		return fmt.Errorf("%w: %s already has an open %s position",
			types.ErrOrderRejected, req.Instrument, req.Strategy)
	}
	maxDaily := req.Allocation.Mul(decimal.NewFromFloat(ra.config.InstrumentDailyLossPct))
	if loss := negOf(ir.dailyPnL); loss.GreaterThan(maxDaily) {
		return fmt.Errorf("%w: %s daily loss %s exceeds %s",
			types.ErrOrderRejected, req.Instrument, loss.StringFixed(2), maxDaily.StringFixed(2))
	}
	if ra.now().Before(ir.cooldownUntil) {
		return fmt.Errorf("%w: %s in loss cooldown until %s",
			types.ErrOrderRejected, req.Instrument, ir.cooldownUntil.Format(time.RFC3339))
	}
	return nil
}

// Tier three: portfolio exposure, correlation-group exposure, and the daily
// loss thresholds.
func (ra *Aggregator) checkPortfolioTierLocked(req EntryRequest) error {
	maxExposure := ra.config.TotalCapital.Mul(decimal.NewFromFloat(ra.config.MaxTotalExposurePct))
	if ra.totalExposureLocked().Add(req.Notional).GreaterThan(maxExposure) {
		return fmt.Errorf("%w: total exposure would exceed %s",
			types.ErrOrderRejected, maxExposure.StringFixed(2))
	}

	if req.Group != "" && ra.groups != nil {
		maxGroup := ra.config.ActivePool.Mul(decimal.NewFromFloat(ra.config.MaxGroupExposurePct))
		if ra.groupExposureLocked(req.Group).Add(req.Notional).GreaterThan(maxGroup) {
			return fmt.Errorf("%w: group %q exposure would exceed %s",
				types.ErrOrderRejected, req.Group, maxGroup.StringFixed(2))
		}
	}

	haltAt := ra.config.TotalCapital.Mul(decimal.NewFromFloat(ra.config.HaltLossPct))
	if ra.state.DailyLoss().GreaterThanOrEqual(haltAt) {
		ra.haltLocked(fmt.Sprintf("daily loss %s reached halt threshold %s",
			ra.state.DailyLoss().StringFixed(2), haltAt.StringFixed(2)))
		return fmt.Errorf("%w: %s", types.ErrPortfolioHalted, ra.state.HaltReason)
	}
	return nil
}

// RecordOpen tracks a filled entry: one position per instrument per kind.
func (ra *Aggregator) RecordOpen(instrument string, kind types.StrategyKind, notional decimal.Decimal) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ir := ra.instrumentLocked(instrument)
	ir.openByKind[kind] = true
	ir.exposure = ir.exposure.Add(notional)
}

// RecordClose tracks a closed position and its realized PnL, feeding the
// daily loss counters, the consecutive-loss cooldown, and the equity curve.
// Crossing the halt threshold here freezes the portfolio immediately.
func (ra *Aggregator) RecordClose(instrument string, kind types.StrategyKind, notional, pnl decimal.Decimal) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	now := ra.now()
	ra.rolloverLocked(now)

	ir := ra.instrumentLocked(instrument)
	delete(ir.openByKind, kind)
	ir.exposure = ir.exposure.Sub(notional)
	if ir.exposure.Sign() < 0 {
		ir.exposure = decimal.Zero
	}
	ir.dailyPnL = ir.dailyPnL.Add(pnl)

	if pnl.Sign() < 0 {
		ir.consecutiveLosses++
		if ir.consecutiveLosses >= ra.config.ConsecutiveLossLimit {
			ir.cooldownUntil = now.Add(ra.config.LossCooldown)
			ra.logger.Warn("consecutive-loss cooldown engaged",
				zap.String("instrument", instrument),
				zap.Int("losses", ir.consecutiveLosses),
				zap.Time("until", ir.cooldownUntil),
			)
		}
	} else if pnl.Sign() > 0 {
		ir.consecutiveLosses = 0
	}

	wasReduced := ra.reducedLocked()
	ra.state.DailyPnL = ra.state.DailyPnL.Add(pnl)
	ra.state.CurrentEquity = ra.state.CurrentEquity.Add(pnl)
	if ra.state.CurrentEquity.GreaterThan(ra.state.PeakEquity) {
		ra.state.PeakEquity = ra.state.CurrentEquity
	}

	if !wasReduced && ra.reducedLocked() && ra.OnReduced != nil {
		ra.OnReduced(ra.state.DailyLoss())
	}

	haltAt := ra.config.TotalCapital.Mul(decimal.NewFromFloat(ra.config.HaltLossPct))
	if ra.state.DailyLoss().GreaterThanOrEqual(haltAt) {
		ra.haltLocked(fmt.Sprintf("daily loss %s reached halt threshold %s",
			ra.state.DailyLoss().StringFixed(2), haltAt.StringFixed(2)))
	}
}

// RecordRejection records an exchange-level rejection. Only a real fill
// failure on an open position counts toward the consecutive-loss cooldown;
// pre-trade rejections carry no strike.
func (ra *Aggregator) RecordRejection(instrument string, fillFailure bool) {
	if !fillFailure {
		return
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ir := ra.instrumentLocked(instrument)
	ir.consecutiveLosses++
	if ir.consecutiveLosses >= ra.config.ConsecutiveLossLimit {
		ir.cooldownUntil = ra.now().Add(ra.config.LossCooldown)
	}
}

// Halt freezes the portfolio. Idempotent: re-entering the halted state is a
// no-op and emits nothing.
func (ra *Aggregator) Halt(reason string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.haltLocked(reason)
}

func (ra *Aggregator) haltLocked(reason string) {
	if ra.state.IsHalted {
		return
	}
	ra.state.IsHalted = true
	ra.state.HaltReason = reason
	ra.state.HaltedAt = ra.now()
	ra.unwinding = true
	ra.logger.Error("portfolio halted", zap.String("reason", reason))
	if ra.OnHalt != nil {
		ra.OnHalt(reason)
	}
}

// Resume clears a halt after operator acknowledgement. The aggregator never
// self-clears. Peak equity and daily loss are untouched.
func (ra *Aggregator) Resume() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if !ra.state.IsHalted {
		return
	}
	ra.state.IsHalted = false
	ra.state.HaltReason = ""
	ra.state.HaltedAt = time.Time{}
	ra.unwinding = false
	ra.logger.Info("portfolio resumed by operator")
}

// IsHalted reports the freeze flag.
func (ra *Aggregator) IsHalted() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.state.IsHalted
}

// UnwindRequested reports whether instrument loops must close positions
// (stage two of the halt protocol).
func (ra *Aggregator) UnwindRequested() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.unwinding
}

// UnwindTickLimit returns the bounded tick count before a forced market
// exit during unwind.
func (ra *Aggregator) UnwindTickLimit() int { return ra.config.UnwindTickLimit }

// State returns a copy of the portfolio risk state.
func (ra *Aggregator) State() PortfolioState {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.state
}

// Restore replaces the portfolio state from a persisted snapshot.
func (ra *Aggregator) Restore(st PortfolioState) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.state = st
	ra.unwinding = st.IsHalted
}

// ResetPeakEquity is the explicit operator reset; peak equity never
// decreases otherwise.
func (ra *Aggregator) ResetPeakEquity() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.state.PeakEquity = ra.state.CurrentEquity
}

func (ra *Aggregator) reducedLocked() bool {
	reducedAt := ra.config.TotalCapital.Mul(decimal.NewFromFloat(ra.config.ReducedModeLossPct))
	return ra.state.DailyLoss().GreaterThanOrEqual(reducedAt)
}

func (ra *Aggregator) instrumentLocked(instrument string) *instrumentRisk {
	ir, ok := ra.instruments[instrument]
	if !ok {
		ir = &instrumentRisk{openByKind: make(map[types.StrategyKind]bool)}
		ra.instruments[instrument] = ir
	}
	return ir
}

func (ra *Aggregator) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, ir := range ra.instruments {
		total = total.Add(ir.exposure)
	}
	return total
}

func (ra *Aggregator) groupExposureLocked(group string) decimal.Decimal {
	total := decimal.Zero
	for _, member := range ra.groups.GroupMembers(group) {
		if ir, ok := ra.instruments[member]; ok {
			total = total.Add(ir.exposure)
		}
	}
	return total
}

// rolloverLocked resets daily counters at the fixed UTC calendar boundary.
func (ra *Aggregator) rolloverLocked(now time.Time) {
	if dayStart(now).After(ra.state.DayStart) {
		ra.state.DayStart = dayStart(now)
		ra.state.DailyPnL = decimal.Zero
		for _, ir := range ra.instruments {
			ir.dailyPnL = decimal.Zero
		}
	}
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func negOf(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return d.Neg()
	}
	return decimal.Zero
}
