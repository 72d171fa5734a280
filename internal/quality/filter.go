// Package quality re-scores proposed entry signals against independently
// detected liquidity/structure zones. Exits, stop-losses, and strategy
// counter-orders bypass the filter entirely: they are never rejected for
// quality, only by the risk aggregator.
package quality

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// Grade is the filter's verdict on an entry signal.
type Grade string

const (
	GradeEnhanced Grade = "enhanced" // full size
	GradeNeutral  Grade = "neutral"  // half size
	GradeReject   Grade = "reject"   // drop the signal
)

// Zone is a price band flagged as structurally significant. Its influence
// decays after MaxTouches touches: a decayed zone can no longer upgrade a
// signal to enhanced.
type Zone struct {
	Instrument string          `json:"instrument"`
	Low        decimal.Decimal `json:"low"`
	High       decimal.Decimal `json:"high"`
	Side       types.OrderSide `json:"side"` // side the zone supports
	Touches    int             `json:"touches"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// Contains reports whether a price falls inside the band.
func (z *Zone) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.Low) && price.LessThanOrEqual(z.High)
}

// Config configures zone decay and rejection behavior.
type Config struct {
	MaxTouches    int  `json:"maxTouches"`    // touches before a zone decays
	RejectOpposed bool `json:"rejectOpposed"` // reject entries against a fresh opposing zone
}

// DefaultConfig returns the standard filter settings.
func DefaultConfig() Config {
	return Config{MaxTouches: 2, RejectOpposed: true}
}

// Result carries the grade and the adjusted quantity.
type Result struct {
	Grade    Grade           `json:"grade"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Filter holds the zone book per instrument.
type Filter struct {
	logger *zap.Logger
	config Config

	mu    sync.Mutex
	zones map[string][]*Zone
}

// NewFilter creates a filter with an empty zone book.
func NewFilter(logger *zap.Logger, config Config) *Filter {
	if config.MaxTouches <= 0 {
		config.MaxTouches = 2
	}
	return &Filter{
		logger: logger.Named("quality"),
		config: config,
		zones:  make(map[string][]*Zone),
	}
}

// SetZones replaces the zone book for an instrument, preserving touch
// counts of bands that survive re-detection.
func (f *Filter) SetZones(instrument string, zones []Zone) {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.zones[instrument]
	next := make([]*Zone, 0, len(zones))
	for _, z := range zones {
		z := z
		z.Instrument = instrument
		for _, prev := range old {
			if prev.Low.Equal(z.Low) && prev.High.Equal(z.High) {
				z.Touches = prev.Touches
				break
			}
		}
		next = append(next, &z)
	}
	f.zones[instrument] = next
}

// RecordTouch increments decay counters for every zone containing the
// price, called as the market trades through a band.
func (f *Filter) RecordTouch(instrument string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, z := range f.zones[instrument] {
		if z.Contains(price) {
			z.Touches++
		}
	}
}

// Evaluate grades one signal. Non-entry signals pass through untouched at
// full size.
func (f *Filter) Evaluate(sig *types.Signal) Result {
	if sig == nil {
		return Result{Grade: GradeReject}
	}
	if !sig.Type.IsEntry() {
		return Result{Grade: GradeEnhanced, Quantity: sig.Quantity}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var supporting, opposing *Zone
	for _, z := range f.zones[sig.Instrument] {
		if !z.Contains(sig.Price) {
			continue
		}
		if z.Side == sig.Side {
			supporting = z
		} else {
			opposing = z
		}
	}

	if opposing != nil && !f.decayed(opposing) && f.config.RejectOpposed {
		f.logger.Debug("entry rejected by opposing zone",
			zap.String("instrument", sig.Instrument),
			zap.String("side", string(sig.Side)),
		)
		return Result{Grade: GradeReject}
	}

	if supporting != nil && !f.decayed(supporting) {
		return Result{Grade: GradeEnhanced, Quantity: sig.Quantity}
	}

	// No fresh confluence, or the zone has decayed: a decayed zone cannot
	// upgrade a signal to enhanced.
	return Result{
		Grade:    GradeNeutral,
		Quantity: sig.Quantity.Mul(decimal.NewFromFloat(0.5)),
	}
}

// Zones returns a copy of the instrument's zone book.
func (f *Filter) Zones(instrument string) []Zone {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Zone, 0, len(f.zones[instrument]))
	for _, z := range f.zones[instrument] {
		out = append(out, *z)
	}
	return out
}

func (f *Filter) decayed(z *Zone) bool {
	return z.Touches > f.config.MaxTouches
}
