// Package router maps the current market regime onto the strategy set
// allowed to trade an instrument. Switching is never done in place: when the
// target set differs from the active one the router emits a handoff request
// and the transition manager closes the old exposure before the new strategy
// may open any.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/pkg/types"
)

// routeEntry is one row of the static regime table. Weights are allocation
// hints consumed by the capital allocator, not trading-size decisions.
type routeEntry struct {
	kinds   []types.StrategyKind
	weights map[types.StrategyKind]float64
}

// regimeTable is the static regime -> strategy-set mapping. The first kind
// in each entry is the primary strategy; under correlation stress the set
// collapses to it.
var regimeTable = map[types.Regime]routeEntry{
	types.RegimeTightRange: {
		kinds:   []types.StrategyKind{types.StrategyRange},
		weights: map[types.StrategyKind]float64{types.StrategyRange: 1.0},
	},
	types.RegimeWideRange: {
		kinds:   []types.StrategyKind{types.StrategyRange},
		weights: map[types.StrategyKind]float64{types.StrategyRange: 1.0},
	},
	types.RegimeQuietTransition: {
		kinds: []types.StrategyKind{types.StrategyRange, types.StrategyAveraging},
		weights: map[types.StrategyKind]float64{
			types.StrategyRange:     0.6,
			types.StrategyAveraging: 0.4,
		},
	},
	types.RegimeVolatileTransition: {
		kinds:   []types.StrategyKind{types.StrategyAveraging},
		weights: map[types.StrategyKind]float64{types.StrategyAveraging: 1.0},
	},
	types.RegimeBullTrend: {
		kinds:   []types.StrategyKind{types.StrategyTrend},
		weights: map[types.StrategyKind]float64{types.StrategyTrend: 1.0},
	},
	types.RegimeBearTrend: {
		kinds:   []types.StrategyKind{types.StrategyAveraging},
		weights: map[types.StrategyKind]float64{types.StrategyAveraging: 1.0},
	},
}

// Decision is the routing outcome for one instrument on one master tick.
type Decision struct {
	Instrument string                          `json:"instrument"`
	Regime     types.Regime                    `json:"regime"`
	Target     []types.StrategyKind            `json:"target"`
	Weights    map[types.StrategyKind]float64  `json:"weights"`
	Hold       bool                            `json:"hold"`
	SwitchFrom types.StrategyKind              `json:"switchFrom,omitempty"`
	SwitchTo   types.StrategyKind              `json:"switchTo,omitempty"`
}

// NeedsTransition reports whether the decision asks for a strategy handoff.
func (d Decision) NeedsTransition() bool { return d.SwitchFrom != "" && d.SwitchTo != "" }

// Router tracks the active strategy set per instrument and produces routing
// decisions from regime state.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	active map[string][]types.StrategyKind
}

// NewRouter creates a router with no active strategies.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger: logger.Named("router"),
		active: make(map[string][]types.StrategyKind),
	}
}

// TargetFor returns the strategy set for a regime. Unknown regimes map to
// hold: an empty set with no teardown of the instrument.
func TargetFor(r types.Regime, stressed bool) ([]types.StrategyKind, map[types.StrategyKind]float64) {
	entry, ok := regimeTable[r]
	if !ok {
		return nil, nil
	}
	if stressed && len(entry.kinds) > 1 {
		primary := entry.kinds[0]
		return []types.StrategyKind{primary}, map[types.StrategyKind]float64{primary: 1.0}
	}
	return entry.kinds, entry.weights
}

// Route computes the decision for one instrument given its regime state and
// the portfolio correlation stress flag.
func (r *Router) Route(instrument string, st regime.State, stressed bool) Decision {
	target, weights := TargetFor(st.Current, stressed)

	d := Decision{
		Instrument: instrument,
		Regime:     st.Current,
		Target:     target,
		Weights:    weights,
		Hold:       len(target) == 0,
	}

	r.mu.RLock()
	active := r.active[instrument]
	r.mu.RUnlock()

	if len(active) == 0 || len(target) == 0 {
		// Nothing running, or holding: no handoff involved. Activation of
		// the target set is direct.
		return d
	}

	if !sameSet(active, target) {
		d.SwitchFrom = active[0]
		d.SwitchTo = target[0]
		r.logger.Debug("routing requests handoff",
			zap.String("instrument", instrument),
			zap.String("regime", string(st.Current)),
			zap.String("from", string(d.SwitchFrom)),
			zap.String("to", string(d.SwitchTo)),
		)
	}
	return d
}

// Active returns the currently active strategy set for an instrument.
func (r *Router) Active(instrument string) []types.StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StrategyKind, len(r.active[instrument]))
	copy(out, r.active[instrument])
	return out
}

// SetActive records the active strategy set, called on direct activation and
// on transition completion.
func (r *Router) SetActive(instrument string, kinds []types.StrategyKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		delete(r.active, instrument)
		return
	}
	out := make([]types.StrategyKind, len(kinds))
	copy(out, kinds)
	r.active[instrument] = out
}

// Unenroll drops active-set tracking for an instrument.
func (r *Router) Unenroll(instrument string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, instrument)
}

// ActiveSets returns a copy of all active strategy sets, for snapshotting.
func (r *Router) ActiveSets() map[string][]types.StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]types.StrategyKind, len(r.active))
	for k, v := range r.active {
		kinds := make([]types.StrategyKind, len(v))
		copy(kinds, v)
		out[k] = kinds
	}
	return out
}

// Restore replaces all active-set tracking from a persisted snapshot.
func (r *Router) Restore(active map[string][]types.StrategyKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string][]types.StrategyKind, len(active))
	for k, v := range active {
		kinds := make([]types.StrategyKind, len(v))
		copy(kinds, v)
		r.active[k] = kinds
	}
}

func sameSet(a, b []types.StrategyKind) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[types.StrategyKind]bool, len(a))
	for _, k := range a {
		seen[k] = true
	}
	for _, k := range b {
		if !seen[k] {
			return false
		}
	}
	return true
}
