// Package coordinator owns the control plane: it classifies regimes,
// routes strategies, allocates capital, gates every entry through the
// quality filter and risk tiers, and drives graceful handoffs. Strategy
// engines propose; the coordinator disposes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/capital"
	"github.com/meridian-desk/coordinator/internal/config"
	"github.com/meridian-desk/coordinator/internal/correlation"
	"github.com/meridian-desk/coordinator/internal/data"
	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/internal/exchange"
	"github.com/meridian-desk/coordinator/internal/metrics"
	"github.com/meridian-desk/coordinator/internal/quality"
	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/internal/risk"
	"github.com/meridian-desk/coordinator/internal/router"
	"github.com/meridian-desk/coordinator/internal/store"
	"github.com/meridian-desk/coordinator/internal/strategy"
	"github.com/meridian-desk/coordinator/internal/transition"
	"github.com/meridian-desk/coordinator/internal/workers"
	"github.com/meridian-desk/coordinator/pkg/types"
)

// markSetter is satisfied by venues that take external marks (the paper
// executor); live venues ignore it.
type markSetter interface {
	SetMark(instrument string, price decimal.Decimal)
}

// Coordinator wires the control-plane modules together and runs the
// master, instrument, and snapshot loops.
type Coordinator struct {
	logger *zap.Logger
	cfg    *config.Config

	classifier  *regime.Classifier
	router      *router.Router
	allocator   *capital.Allocator
	riskAgg     *risk.Aggregator
	filter      *quality.Filter
	transitions *transition.Manager
	correlation *correlation.Monitor
	registry    *strategy.Registry
	executor    exchange.OrderExecutor
	feed        data.Feed
	bus         *events.EventBus
	metrics     *metrics.Metrics
	stateStore  store.StateStore
	pool        *workers.Pool

	mu          sync.Mutex
	instruments map[string]context.CancelFunc
	// pendingTargets carries the routed strategy set of an in-flight
	// handoff until completion activates it.
	pendingTargets map[string][]types.StrategyKind
	// unwindTicks counts halt-unwind ticks per instrument; past the risk
	// config's limit the remaining positions are market-exited.
	unwindTicks map[string]int

	masterBusy atomic.Bool
	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New assembles a coordinator from its collaborators.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	feed data.Feed,
	executor exchange.OrderExecutor,
	stateStore store.StateStore,
) *Coordinator {
	log := logger.Named("coordinator")

	corr := correlation.NewMonitor(logger, cfg.Correlation)
	registry := strategy.NewRegistry(logger)
	m := metrics.New()

	c := &Coordinator{
		logger:      log,
		cfg:         cfg,
		classifier:  regime.NewClassifier(logger, cfg.Regime),
		router:      router.NewRouter(logger),
		allocator:   capital.NewAllocator(logger, cfg.Capital, corr, registry),
		riskAgg:     risk.NewAggregator(logger, cfg.Risk, corr),
		filter:      quality.NewFilter(logger, cfg.Quality),
		transitions: transition.NewManager(logger, cfg.Transition),
		correlation: corr,
		registry:    registry,
		executor:    executor,
		feed:        feed,
		bus:         events.NewEventBus(logger, cfg.Events),
		metrics:     m,
		stateStore:  stateStore,
		pool:        workers.NewPool(logger, workers.DefaultPoolConfig("master")),
		instruments: make(map[string]context.CancelFunc),

		pendingTargets: make(map[string][]types.StrategyKind),
		unwindTicks:    make(map[string]int),
	}

	c.riskAgg.OnHalt = func(reason string) {
		m.PortfolioHalts.Inc()
		c.bus.Publish(&events.PortfolioHaltedEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypePortfolioHalted),
			Reason:    reason,
		})
	}
	c.riskAgg.OnReduced = func(loss decimal.Decimal) {
		c.bus.Publish(&events.RiskLimitHitEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeRiskLimitHit),
			Rule:      "reduced_mode",
			Message:   fmt.Sprintf("daily loss %s past reduced threshold, sizes halved", loss),
		})
	}
	if paper, ok := executor.(*exchange.PaperExecutor); ok {
		paper.OnRealized = func(instrument string, kind types.StrategyKind, notional, pnl decimal.Decimal) {
			c.allocator.ReleaseCommitted(instrument, kind, notional)
			c.riskAgg.RecordClose(instrument, kind, notional, pnl)
			c.registry.RecordTrade(kind, pnl)
			m.PortfolioDailyPnL.Set(decimalToFloat(c.riskAgg.State().DailyPnL))
			c.updateAllocationMetric(instrument)
		}
	}
	return c
}

// Start recovers persisted state, enrolls configured instruments, and
// launches all loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return errors.New("coordinator already running")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pool.Start()

	if err := c.recover(c.ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	for _, inst := range c.cfg.Instruments {
		c.Enroll(inst)
	}

	c.wg.Add(2)
	go c.masterLoop(c.ctx)
	go c.snapshotLoop(c.ctx)

	c.logger.Info("coordinator started",
		zap.Strings("instruments", c.cfg.Instruments),
		zap.Duration("master_interval", c.cfg.MasterInterval),
	)
	return nil
}

// Stop halts all loops, persists a final snapshot, and shuts the bus down.
func (c *Coordinator) Stop() {
	if !c.running.Swap(false) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()
	if err := c.persist(); err != nil {
		c.logger.Error("final snapshot failed", zap.Error(err))
	}
	c.bus.Close()
	c.logger.Info("coordinator stopped")
}

// Enroll adds an instrument to coordination and starts its loop.
func (c *Coordinator) Enroll(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instruments[instrument]; ok {
		return
	}
	c.classifier.Enroll(instrument)
	c.allocator.Enroll(instrument)

	loopCtx, cancel := context.WithCancel(c.ctx)
	c.instruments[instrument] = cancel
	c.wg.Add(1)
	go c.instrumentLoop(loopCtx, instrument)
	c.logger.Info("instrument enrolled", zap.String("instrument", instrument))
}

// Unenroll stops an instrument's loop, flattens its positions, and
// releases its capital.
func (c *Coordinator) Unenroll(instrument string) error {
	c.mu.Lock()
	cancel, ok := c.instruments[instrument]
	if ok {
		delete(c.instruments, instrument)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotEnrolled, instrument)
	}
	cancel()

	for _, kind := range c.registry.Kinds() {
		if _, err := c.executor.MarketExit(context.Background(), instrument, kind); err != nil {
			c.logger.Error("unenroll exit failed",
				zap.String("instrument", instrument),
				zap.String("strategy", string(kind)),
				zap.Error(err),
			)
		}
		c.allocator.ReleaseAll(instrument, kind)
	}
	c.transitions.Abort(instrument)
	c.classifier.Unenroll(instrument)
	c.router.Unenroll(instrument)
	c.allocator.Unenroll(instrument)
	return nil
}

// Resume clears an emergency halt. Operator action only.
func (c *Coordinator) Resume() {
	c.riskAgg.Resume()
	c.mu.Lock()
	c.unwindTicks = make(map[string]int)
	c.mu.Unlock()
	c.bus.Publish(&events.PortfolioResumedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypePortfolioResumed),
	})
	c.logger.Warn("portfolio resumed by operator")
}

// ForceRegime pins an instrument's regime, bypassing hysteresis. Operator
// action for testing and incident response.
func (c *Coordinator) ForceRegime(instrument string, r types.Regime) error {
	return c.classifier.ForceRegime(instrument, r, time.Now())
}

// EventBus exposes the bus for API streaming.
func (c *Coordinator) EventBus() *events.EventBus { return c.bus }

// Metrics exposes the prometheus collectors for the API.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// InstrumentStatus is the per-instrument view served by the API.
type InstrumentStatus struct {
	Instrument string               `json:"instrument"`
	Regime     regime.State         `json:"regime"`
	Active     []types.StrategyKind `json:"active"`
	Allocation capital.Record       `json:"allocation"`
	Stressed   bool                 `json:"stressed"`
	Transition *transition.State    `json:"transition,omitempty"`
}

// Status is the coordinator-wide view served by the API.
type Status struct {
	Running     bool                 `json:"running"`
	Portfolio   risk.PortfolioState  `json:"portfolio"`
	Instruments []InstrumentStatus   `json:"instruments"`
	Events      events.Stats         `json:"events"`
	TotalHeld   decimal.Decimal      `json:"totalHeld"`
}

// Status assembles the current control-plane view.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	insts := make([]string, 0, len(c.instruments))
	for inst := range c.instruments {
		insts = append(insts, inst)
	}
	c.mu.Unlock()

	st := Status{
		Running:   c.running.Load(),
		Portfolio: c.riskAgg.State(),
		Events:    c.bus.Stats(),
		TotalHeld: c.allocator.TotalHeld(),
	}
	for _, inst := range insts {
		is := InstrumentStatus{
			Instrument: inst,
			Active:     c.router.Active(inst),
			Stressed:   c.correlation.Stressed(inst),
		}
		if rs, ok := c.classifier.StateFor(inst); ok {
			is.Regime = rs
		}
		if rec, ok := c.allocator.AllocationFor(inst); ok {
			is.Allocation = rec
		}
		if tr, ok := c.transitions.Active(inst); ok {
			is.Transition = &tr
		}
		st.Instruments = append(st.Instruments, is)
	}
	return st
}

func (c *Coordinator) rememberTarget(inst string, target []types.StrategyKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]types.StrategyKind, len(target))
	copy(kinds, target)
	c.pendingTargets[inst] = kinds
}

func (c *Coordinator) recallTarget(inst string) []types.StrategyKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.pendingTargets[inst]
	delete(c.pendingTargets, inst)
	return target
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
