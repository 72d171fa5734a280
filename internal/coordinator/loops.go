package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/internal/quality"
	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/internal/risk"
	"github.com/meridian-desk/coordinator/internal/router"
	"github.com/meridian-desk/coordinator/pkg/types"
)

// allocationAttempts bounds the halving retries when topping a strategy's
// reservation up against the whole-or-nothing allocator.
const allocationAttempts = 3

// masterLoop runs the classification tick. A tick that overruns the
// interval causes the next tick to be skipped, never queued.
func (c *Coordinator) masterLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MasterInterval)
	defer ticker.Stop()

	// Immediate first tick so a fresh start routes without waiting a full
	// interval.
	c.runMasterTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runMasterTick(ctx)
		}
	}
}

func (c *Coordinator) runMasterTick(ctx context.Context) {
	if c.masterBusy.Swap(true) {
		c.metrics.MasterLoopOverruns.Inc()
		c.logger.Warn("master tick overran, skipping")
		return
	}
	defer c.masterBusy.Store(false)

	start := time.Now()
	c.masterTick(ctx)
	c.metrics.MasterLoopDuration.Observe(time.Since(start).Seconds())
}

type classification struct {
	snap    *types.MarketSnapshot
	state   regime.State
	changed bool
}

// masterTick classifies every instrument, then routes, then allocates.
// The three phases are strictly ordered so allocation always sees the
// routing outcome of this tick, not a mix of ticks.
func (c *Coordinator) masterTick(ctx context.Context) {
	instruments := c.enrolled()

	var resultsMu sync.Mutex
	results := make(map[string]*classification, len(instruments))

	c.pool.Map(instruments, func(inst string) error {
		snap, err := c.feed.Snapshot(ctx, inst)
		if err != nil {
			// Data gap: hold the current regime, touch nothing.
			c.logger.Debug("snapshot unavailable", zap.String("instrument", inst), zap.Error(err))
			return err
		}
		c.observeMarket(snap)
		state, changed := c.classifier.Observe(*snap)

		resultsMu.Lock()
		results[inst] = &classification{snap: snap, state: state, changed: changed}
		resultsMu.Unlock()
		return nil
	})

	now := time.Now()
	for _, inst := range instruments {
		res, ok := results[inst]
		if !ok {
			continue
		}
		c.routeInstrument(inst, res, now)
	}

	if !c.riskAgg.IsHalted() {
		for _, inst := range instruments {
			if _, inFlight := c.transitions.Active(inst); inFlight {
				continue
			}
			c.topUpAllocations(inst)
		}
	}

	c.handleExpiredTransitions(ctx, now)
}

// observeMarket fans one snapshot into the mark, quality, and correlation
// books. Shared by both loops.
func (c *Coordinator) observeMarket(snap *types.MarketSnapshot) {
	if ms, ok := c.executor.(markSetter); ok {
		ms.SetMark(snap.Instrument, snap.Price)
	}
	c.filter.RecordTouch(snap.Instrument, snap.Price)
	c.correlation.Observe(snap.Instrument, snap.Price)
}

func (c *Coordinator) routeInstrument(inst string, res *classification, now time.Time) {
	if res.changed {
		c.metrics.RegimeTransitions.WithLabelValues(inst, string(res.state.Current)).Inc()
		c.publishRegimeChange(inst, res)
	}
	c.metrics.SetRegime(inst, string(res.state.Current), allRegimes)

	stressed := c.correlation.Stressed(inst)
	dec := c.router.Route(inst, res.state, stressed)
	if len(dec.Weights) > 0 {
		c.allocator.SetHint(inst, dec.Weights, res.state.Confidence)
	}
	if dec.Hold {
		return
	}

	switch {
	case dec.NeedsTransition():
		c.startTransition(inst, dec, now)
	case len(c.router.Active(inst)) == 0:
		// First activation: no exposure to unwind, switch directly.
		c.router.SetActive(inst, dec.Target)
		c.rememberTarget(inst, dec.Target)
		c.bus.Publish(&events.StrategySwitchedEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeStrategySwitched),
			Instrument: inst,
			To:         dec.Target,
		})
	}
}

func (c *Coordinator) publishRegimeChange(inst string, res *classification) {
	c.logger.Info("regime changed",
		zap.String("instrument", inst),
		zap.String("to", string(res.state.Current)),
		zap.Float64("confidence", res.state.Confidence),
	)
	c.bus.Publish(&events.RegimeChangedEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeRegimeChanged),
		Instrument: inst,
		To:         res.state.Current,
		Confidence: res.state.Confidence,
	})
}

func (c *Coordinator) startTransition(inst string, dec router.Decision, now time.Time) {
	st, err := c.transitions.Request(inst, dec.SwitchFrom, dec.SwitchTo, now)
	if err != nil {
		// A conflicting handoff is already in flight; the regime change
		// will be retried on the next tick if it persists.
		c.logger.Debug("transition request rejected", zap.String("instrument", inst), zap.Error(err))
		return
	}
	c.rememberTarget(inst, dec.Target)
	for _, kind := range c.router.Active(inst) {
		if e, ok := c.registry.Engine(kind); ok {
			e.OnTransitionRequested(inst)
		}
	}
	c.metrics.TransitionsStarted.Inc()
	c.bus.Publish(&events.TransitionEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeTransitionStarted),
		Instrument: inst,
		From:       st.From,
		To:         st.To,
	})
}

// topUpAllocations keeps each active strategy's standing reservation near
// its weighted budget. Requests are whole-or-nothing; on denial the
// request is halved and retried a bounded number of times.
func (c *Coordinator) topUpAllocations(inst string) {
	active := c.router.Active(inst)
	if len(active) == 0 {
		return
	}
	rec, ok := c.allocator.AllocationFor(inst)
	if !ok {
		return
	}

	cfg := c.allocator.Config()
	_, weights := router.TargetFor(c.currentRegime(inst), c.correlation.Stressed(inst))
	instrumentBudget := cfg.ActivePool().Mul(decimal.NewFromFloat(cfg.MaxInstrumentFraction))

	for _, kind := range active {
		w := weights[kind]
		if w == 0 {
			continue
		}
		desired := instrumentBudget.Mul(decimal.NewFromFloat(w))
		delta := desired.Sub(rec.HeldFor(kind))
		for attempt := 0; attempt < allocationAttempts && delta.GreaterThan(decimal.NewFromInt(1)); attempt++ {
			if _, err := c.allocator.Allocate(inst, kind, delta); err == nil {
				c.updateAllocationMetric(inst)
				break
			} else if errors.Is(err, types.ErrInvariantViolation) {
				c.logger.Error("pool ceiling refused allocation", zap.String("instrument", inst), zap.Error(err))
				c.metrics.AllocationDenials.Inc()
				break
			} else {
				c.metrics.AllocationDenials.Inc()
				delta = delta.Div(decimal.NewFromInt(2))
			}
		}
	}
}

func (c *Coordinator) currentRegime(inst string) types.Regime {
	if st, ok := c.classifier.StateFor(inst); ok {
		return st.Current
	}
	return types.RegimeUnknown
}

func (c *Coordinator) updateAllocationMetric(inst string) {
	if rec, ok := c.allocator.AllocationFor(inst); ok {
		c.metrics.AllocationsHeld.WithLabelValues(inst).Set(decimalToFloat(rec.Held()))
	}
}

func (c *Coordinator) handleExpiredTransitions(ctx context.Context, now time.Time) {
	for _, st := range c.transitions.ExpiredTransitions(now) {
		c.logger.Warn("transition deadline hit, forcing market exit",
			zap.String("instrument", st.Instrument),
			zap.String("from", string(st.From)),
		)
		if _, err := c.executor.MarketExit(ctx, st.Instrument, st.From); err != nil {
			c.logger.Error("forced exit failed", zap.String("instrument", st.Instrument), zap.Error(err))
			continue
		}
		c.metrics.TransitionsTimedOut.Inc()
		c.bus.Publish(&events.TransitionEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeTransitionTimedOut),
			Instrument: st.Instrument,
			From:       st.From,
			To:         st.To,
		})
		c.completeTransition(st.Instrument)
	}
}

// completeTransition finishes a handoff: release the outgoing capital,
// activate the incoming set, and clear engine flags.
func (c *Coordinator) completeTransition(inst string) {
	st, err := c.transitions.Complete(inst)
	if err != nil {
		c.logger.Error("transition completion failed", zap.String("instrument", inst), zap.Error(err))
		return
	}
	c.allocator.ReleaseAll(inst, st.From)
	c.updateAllocationMetric(inst)

	target := c.recallTarget(inst)
	if len(target) == 0 {
		target = []types.StrategyKind{st.To}
	}
	c.router.SetActive(inst, target)

	for _, kind := range c.registry.Kinds() {
		if e, ok := c.registry.Engine(kind); ok {
			e.OnTransitionDone(inst)
		}
	}
	if e, ok := c.registry.Engine(st.From); ok {
		e.NotePosition(inst, nil)
	}

	c.bus.Publish(&events.TransitionEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeTransitionCompleted),
		Instrument: inst,
		From:       st.From,
		To:         st.To,
	})
	c.bus.Publish(&events.StrategySwitchedEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeStrategySwitched),
		Instrument: inst,
		From:       []types.StrategyKind{st.From},
		To:         target,
	})
	c.logger.Info("transition completed",
		zap.String("instrument", inst),
		zap.String("from", string(st.From)),
		zap.String("to", string(st.To)),
	)
}

// instrumentLoop runs the per-instrument trading tick.
func (c *Coordinator) instrumentLoop(ctx context.Context, inst string) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.InstrumentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.instrumentTick(ctx, inst)
		}
	}
}

func (c *Coordinator) instrumentTick(ctx context.Context, inst string) {
	if c.riskAgg.IsHalted() {
		if c.riskAgg.UnwindRequested() {
			c.unwindInstrument(ctx, inst)
		}
		return
	}

	snap, err := c.feed.Snapshot(ctx, inst)
	if err != nil {
		// Hold: no data means no action this tick.
		return
	}
	c.observeMarket(snap)

	if tr, inFlight := c.transitions.Active(inst); inFlight {
		c.driveTransition(ctx, inst, tr.From, snap)
		return
	}

	for _, kind := range c.router.Active(inst) {
		c.runStrategyTick(ctx, inst, kind, snap)
	}
}

// unwindInstrument flattens strategy positions during the halt's unwind
// stage. Each position first gets a bounded number of ticks to close
// through its engine's own exit logic; positions still open past the limit
// are market-exited. Entries are already frozen.
func (c *Coordinator) unwindInstrument(ctx context.Context, inst string) {
	var open []types.StrategyKind
	for _, kind := range c.registry.Kinds() {
		if c.positionFor(ctx, inst, kind) != nil {
			open = append(open, kind)
		}
	}
	if len(open) == 0 {
		c.resetUnwindTicks(inst)
		return
	}

	forced := c.bumpUnwindTicks(inst) > c.riskAgg.UnwindTickLimit()
	snap, snapErr := c.feed.Snapshot(ctx, inst)
	if snapErr == nil {
		c.observeMarket(snap)
	}

	for _, kind := range open {
		if forced {
			if _, err := c.executor.MarketExit(ctx, inst, kind); err != nil {
				c.logger.Error("halt unwind exit failed",
					zap.String("instrument", inst),
					zap.String("strategy", string(kind)),
					zap.Error(err),
				)
				continue
			}
		} else {
			if snapErr != nil {
				continue
			}
			e, ok := c.registry.Engine(kind)
			if !ok {
				continue
			}
			e.NotePosition(inst, c.positionFor(ctx, inst, kind))
			rec, _ := c.allocator.AllocationFor(inst)
			sig, err := e.GenerateSignal(ctx, snap, rec.HeldFor(kind))
			if err != nil || sig == nil || sig.Type.IsEntry() {
				continue
			}
			if _, err := c.submitSignal(ctx, sig); err != nil {
				c.riskAgg.RecordRejection(inst, true)
				continue
			}
			if c.positionFor(ctx, inst, kind) != nil {
				continue
			}
		}
		c.allocator.ReleaseAll(inst, kind)
		if e, ok := c.registry.Engine(kind); ok {
			e.NotePosition(inst, nil)
		}
	}
}

func (c *Coordinator) bumpUnwindTicks(inst string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unwindTicks[inst]++
	return c.unwindTicks[inst]
}

func (c *Coordinator) resetUnwindTicks(inst string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unwindTicks, inst)
}

// driveTransition pushes an in-flight handoff forward: exit the outgoing
// position, then complete once flat. Recovered transitions reconcile
// against the live book the same way.
func (c *Coordinator) driveTransition(ctx context.Context, inst string, from types.StrategyKind, snap *types.MarketSnapshot) {
	pos := c.positionFor(ctx, inst, from)
	if pos == nil {
		c.transitions.MarkReconciled(inst)
		c.completeTransition(inst)
		return
	}

	e, ok := c.registry.Engine(from)
	if !ok {
		return
	}
	e.NotePosition(inst, pos)
	rec, _ := c.allocator.AllocationFor(inst)
	sig, err := e.GenerateSignal(ctx, snap, rec.HeldFor(from))
	if err != nil || sig == nil || sig.Type.IsEntry() {
		return
	}
	if _, err := c.submitSignal(ctx, sig); err != nil {
		return
	}
	if err := c.transitions.MarkUnwinding(inst); err == nil {
		c.logger.Debug("transition unwinding", zap.String("instrument", inst))
	}
	e.NotePosition(inst, c.positionFor(ctx, inst, from))
}

// runStrategyTick generates, filters, risk-checks, and executes one
// strategy's signal. Order of gates: quality filter first, then the risk
// tiers, then the venue.
func (c *Coordinator) runStrategyTick(ctx context.Context, inst string, kind types.StrategyKind, snap *types.MarketSnapshot) {
	e, ok := c.registry.Engine(kind)
	if !ok {
		return
	}
	rec, _ := c.allocator.AllocationFor(inst)
	budget := rec.HeldFor(kind)

	sig, err := e.GenerateSignal(ctx, snap, budget)
	if err != nil || sig == nil {
		return
	}

	if !sig.Type.IsEntry() {
		// Exits and protective orders bypass the filter and risk tiers. A
		// fill failure here is a strike: the open position stayed exposed.
		if _, err := c.submitSignal(ctx, sig); err != nil {
			c.riskAgg.RecordRejection(inst, true)
			return
		}
		e.NotePosition(inst, c.positionFor(ctx, inst, kind))
		return
	}

	res := c.filter.Evaluate(sig)
	c.metrics.SignalsFiltered.WithLabelValues(string(res.Grade)).Inc()
	if res.Grade == quality.GradeReject {
		return
	}
	sized := *sig
	sized.Quantity = res.Quantity

	verdict, err := c.riskAgg.CheckEntry(riskRequest(inst, kind, &sized, budget, c.correlation.GroupOf(inst)))
	if err != nil {
		c.metrics.RiskRejections.WithLabelValues(rejectionRule(err)).Inc()
		c.riskAgg.RecordRejection(inst, false)
		c.bus.Publish(&events.RiskLimitHitEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeRiskLimitHit),
			Instrument: inst,
			Rule:       rejectionRule(err),
			Message:    err.Error(),
		})
		return
	}
	sized.Quantity = sized.Quantity.Mul(verdict.SizeMultiplier)

	fill, err := c.submitSignal(ctx, &sized)
	if err != nil {
		// Rejected before any position opened: no cooldown strike.
		c.riskAgg.RecordRejection(inst, false)
		return
	}
	notional := fill.AvgPrice.Mul(fill.FilledQty)
	if err := c.allocator.Confirm(inst, kind, notional); err != nil {
		c.logger.Error("allocation confirm failed", zap.String("instrument", inst), zap.Error(err))
	}
	c.riskAgg.RecordOpen(inst, kind, notional)
	c.updateAllocationMetric(inst)
	e.NotePosition(inst, c.positionFor(ctx, inst, kind))
}

// submitSignal turns a signal into an order and submits it.
func (c *Coordinator) submitSignal(ctx context.Context, sig *types.Signal) (*types.FillResult, error) {
	order := &types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: sig.ID,
		Instrument:    sig.Instrument,
		Strategy:      sig.Strategy,
		Side:          sig.Side,
		Type:          types.OrderTypeMarket,
		Quantity:      sig.Quantity,
		Price:         sig.Price,
		StopLoss:      sig.StopLoss,
		Status:        types.OrderStatusPending,
		CreatedAt:     time.Now(),
	}
	fill, err := c.executor.Submit(ctx, order)
	if err != nil {
		c.metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		c.bus.Publish(&events.OrderEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeOrderRejected),
			OrderID:    order.ID,
			Instrument: order.Instrument,
			Strategy:   order.Strategy,
			Side:       order.Side,
			Quantity:   order.Quantity,
			Reason:     err.Error(),
		})
		return nil, err
	}
	c.metrics.OrdersSubmitted.WithLabelValues("filled").Inc()
	c.bus.Publish(&events.OrderEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeOrderFilled),
		OrderID:    order.ID,
		Instrument: order.Instrument,
		Strategy:   order.Strategy,
		Side:       order.Side,
		Quantity:   fill.FilledQty,
		Price:      fill.AvgPrice,
	})
	return fill, nil
}

// positionFor scans the venue book for one strategy's position.
func (c *Coordinator) positionFor(ctx context.Context, inst string, kind types.StrategyKind) *types.Position {
	positions, err := c.executor.Positions(ctx)
	if err != nil {
		return nil
	}
	for _, pos := range positions {
		if pos.Instrument == inst && pos.Strategy == kind {
			return pos
		}
	}
	return nil
}

func (c *Coordinator) enrolled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.instruments))
	for inst := range c.instruments {
		out = append(out, inst)
	}
	return out
}

func riskRequest(inst string, kind types.StrategyKind, sig *types.Signal, budget decimal.Decimal, group string) risk.EntryRequest {
	return risk.EntryRequest{
		Instrument: inst,
		Strategy:   kind,
		RiskAmount: sig.RiskAmount(),
		Notional:   sig.Notional(),
		HasStop:    !sig.StopLoss.IsZero(),
		Allocation: budget,
		Group:      group,
	}
}

func rejectionRule(err error) string {
	switch {
	case errors.Is(err, types.ErrPortfolioHalted):
		return "halted"
	case errors.Is(err, types.ErrOrderRejected):
		return "tier_rejection"
	default:
		return "other"
	}
}

var allRegimes = []string{
	string(types.RegimeTightRange),
	string(types.RegimeWideRange),
	string(types.RegimeQuietTransition),
	string(types.RegimeVolatileTransition),
	string(types.RegimeBullTrend),
	string(types.RegimeBearTrend),
	string(types.RegimeUnknown),
}
