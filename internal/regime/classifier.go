// Package regime provides market regime classification with hysteresis.
// A snapshot of trend strength, volatility, and moving averages maps to one
// of six regimes; a regime flip requires consecutive confirmations and a
// minimum dwell time so that boundary chatter never whipsaws the router.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// State is the per-instrument regime state. The classifier is its only
// writer; every other component treats regime as read-only truth.
type State struct {
	Current           types.Regime `json:"current"`
	Candidate         types.Regime `json:"candidate"`
	ConfirmationCount int          `json:"confirmationCount"`
	Confidence        float64      `json:"confidence"`
	LastTransitionAt  time.Time    `json:"lastTransitionAt"`
	LastClassifiedAt  time.Time    `json:"lastClassifiedAt"`
}

// Config configures the classifier thresholds and hysteresis.
type Config struct {
	TrendRangeMax         float64       // below this trend strength the market ranges
	TrendTransitionMin    float64       // transition band lower bound
	TrendTransitionMax    float64       // transition band upper bound
	VolRangeSplit         float64       // tight vs wide range volatility split (%)
	VolTransitionSplit    float64       // quiet vs volatile transition split (%)
	ConfirmationsRequired int           // consecutive candidate ticks before a flip
	MinDwell              time.Duration // minimum time between flips
}

// DefaultConfig returns the standard thresholds (trend strength on an
// ADX-like 0-100 scale, volatility as ATR percent of price).
func DefaultConfig() Config {
	return Config{
		TrendRangeMax:         18,
		TrendTransitionMin:    22,
		TrendTransitionMax:    32,
		VolRangeSplit:         1.0,
		VolTransitionSplit:    2.0,
		ConfirmationsRequired: 3,
		MinDwell:              4 * time.Hour,
	}
}

// Classifier converts market snapshots into regime state, one State per
// enrolled instrument.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu     sync.RWMutex
	states map[string]*State
}

// NewClassifier creates a classifier with no enrolled instruments.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	if config.ConfirmationsRequired <= 0 {
		config.ConfirmationsRequired = 3
	}
	return &Classifier{
		logger: logger.Named("regime"),
		config: config,
		states: make(map[string]*State),
	}
}

// Enroll creates regime state for an instrument. Enrolling twice is a no-op.
func (c *Classifier) Enroll(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[instrument]; !ok {
		c.states[instrument] = &State{Current: types.RegimeUnknown}
	}
}

// Unenroll destroys regime state for an instrument.
func (c *Classifier) Unenroll(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, instrument)
}

// Observe classifies one snapshot and applies the hysteresis protocol.
// It returns the updated state and whether the current regime flipped.
func (c *Classifier) Observe(snap types.MarketSnapshot) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[snap.Instrument]
	if !ok {
		st = &State{Current: types.RegimeUnknown}
		c.states[snap.Instrument] = st
	}
	st.LastClassifiedAt = snap.Timestamp

	classified, confidence := c.classify(snap, st.Current)
	if classified == types.RegimeUnknown {
		// Dead zone: keep everything as-is. Candidate tracking is not
		// advanced, matching a skipped tick.
		return *st, false
	}

	if classified == st.Current {
		st.Candidate = ""
		st.ConfirmationCount = 0
		st.Confidence = confidence
		return *st, false
	}

	if classified != st.Candidate {
		st.Candidate = classified
		st.ConfirmationCount = 1
	} else {
		st.ConfirmationCount++
	}

	dwellOK := st.LastTransitionAt.IsZero() ||
		snap.Timestamp.Sub(st.LastTransitionAt) >= c.config.MinDwell
	if st.ConfirmationCount >= c.config.ConfirmationsRequired && dwellOK {
		prev := st.Current
		st.Current = classified
		st.Candidate = ""
		st.ConfirmationCount = 0
		st.Confidence = confidence
		st.LastTransitionAt = snap.Timestamp
		c.logger.Info("regime changed",
			zap.String("instrument", snap.Instrument),
			zap.String("from", string(prev)),
			zap.String("to", string(classified)),
			zap.Float64("confidence", confidence),
		)
		return *st, true
	}

	return *st, false
}

// classify maps one snapshot onto a regime. Values inside the 18-22 trend
// gap, or a trend reading with equal moving averages, fall in the dead zone
// and return RegimeUnknown so the previous regime stands.
func (c *Classifier) classify(snap types.MarketSnapshot, current types.Regime) (types.Regime, float64) {
	trend := snap.TrendStrength
	vol := snap.Volatility

	switch {
	case trend < c.config.TrendRangeMax:
		conf := c.bandConfidence(c.config.TrendRangeMax-trend, c.config.TrendRangeMax)
		if vol < c.config.VolRangeSplit {
			return types.RegimeTightRange, conf
		}
		return types.RegimeWideRange, conf

	case trend >= c.config.TrendTransitionMin && trend <= c.config.TrendTransitionMax:
		mid := (c.config.TrendTransitionMin + c.config.TrendTransitionMax) / 2
		half := (c.config.TrendTransitionMax - c.config.TrendTransitionMin) / 2
		conf := c.bandConfidence(half-math.Abs(trend-mid), half)
		if vol < c.config.VolTransitionSplit {
			return types.RegimeQuietTransition, conf
		}
		return types.RegimeVolatileTransition, conf

	case trend > c.config.TrendTransitionMax:
		conf := c.bandConfidence(trend-c.config.TrendTransitionMax, 100-c.config.TrendTransitionMax)
		switch snap.FastMA.Cmp(snap.SlowMA) {
		case 1:
			return types.RegimeBullTrend, conf
		case -1:
			return types.RegimeBearTrend, conf
		}
		// Equal MAs give no direction.
		return types.RegimeUnknown, 0
	}

	// 18-22 gap.
	return types.RegimeUnknown, 0
}

// bandConfidence scales distance into a band onto [0.5, 1.0]: a reading at
// the boundary scores 0.5, deep inside the band approaches 1.0.
func (c *Classifier) bandConfidence(depth, width float64) float64 {
	if width <= 0 {
		return 0.5
	}
	conf := 0.5 + 0.5*depth/width
	if conf > 1 {
		conf = 1
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}

// StateFor returns a copy of the instrument's regime state.
func (c *Classifier) StateFor(instrument string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[instrument]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// States returns a copy of all regime states keyed by instrument.
func (c *Classifier) States() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.states))
	for k, v := range c.states {
		out[k] = *v
	}
	return out
}

// ForceRegime overrides an instrument's current regime. Manual operator
// action: it resets candidate tracking and stamps the transition time so
// dwell applies from the override.
func (c *Classifier) ForceRegime(instrument string, r types.Regime, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[instrument]
	if !ok {
		return types.ErrNotEnrolled
	}
	c.logger.Warn("regime forced by operator",
		zap.String("instrument", instrument),
		zap.String("from", string(st.Current)),
		zap.String("to", string(r)),
	)
	st.Current = r
	st.Candidate = ""
	st.ConfirmationCount = 0
	st.Confidence = 1
	st.LastTransitionAt = now
	return nil
}

// Restore replaces all regime state from a persisted snapshot.
func (c *Classifier) Restore(states map[string]State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]*State, len(states))
	for k, v := range states {
		st := v
		c.states[k] = &st
	}
}
