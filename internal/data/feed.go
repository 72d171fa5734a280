// Package data turns a price stream into the indicator snapshots the
// coordinator classifies on. Two feeds exist: a Binance websocket feed for
// live marks and a simulated random-walk feed for paper runs.
package data

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// Feed produces one indicator snapshot per instrument on demand.
type Feed interface {
	Snapshot(ctx context.Context, instrument string) (*types.MarketSnapshot, error)
}

const (
	fastPeriod = 12
	slowPeriod = 48
	maxWindow  = 96
)

// indicatorBook keeps a rolling close window per instrument and derives
// the snapshot fields from it.
type indicatorBook struct {
	mu     sync.Mutex
	closes map[string][]float64
	volume map[string][]float64
}

func newIndicatorBook() *indicatorBook {
	return &indicatorBook{
		closes: make(map[string][]float64),
		volume: make(map[string][]float64),
	}
}

func (b *indicatorBook) push(instrument string, price, volume float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	closes := append(b.closes[instrument], price)
	if len(closes) > maxWindow {
		closes = closes[len(closes)-maxWindow:]
	}
	b.closes[instrument] = closes

	vols := append(b.volume[instrument], volume)
	if len(vols) > maxWindow {
		vols = vols[len(vols)-maxWindow:]
	}
	b.volume[instrument] = vols
}

// snapshot derives the indicator reading, or an error while the window is
// still warming up.
func (b *indicatorBook) snapshot(instrument string, now time.Time) (*types.MarketSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	closes := b.closes[instrument]
	if len(closes) < slowPeriod {
		return nil, fmt.Errorf("%w: %s warming up (%d/%d closes)",
			types.ErrDataUnavailable, instrument, len(closes), slowPeriod)
	}

	price := closes[len(closes)-1]
	fast := mean(closes[len(closes)-fastPeriod:])
	slow := mean(closes[len(closes)-slowPeriod:])

	return &types.MarketSnapshot{
		Instrument:    instrument,
		Timestamp:     now,
		Price:         decimal.NewFromFloat(price),
		TrendStrength: trendStrength(closes),
		Volatility:    realizedVolPct(closes),
		FastMA:        decimal.NewFromFloat(fast),
		SlowMA:        decimal.NewFromFloat(slow),
		VolumeRatio:   volumeRatio(b.volume[instrument]),
	}, nil
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// realizedVolPct is the stddev of one-step returns, expressed as percent.
// It stands in for ATR-as-percent-of-price.
func realizedVolPct(closes []float64) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}
	rets := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 {
			rets = append(rets, closes[i]/closes[i-1]-1)
		}
	}
	m := mean(rets)
	var v float64
	for _, r := range rets {
		v += (r - m) * (r - m)
	}
	return math.Sqrt(v/float64(len(rets))) * 100
}

// trendStrength is an ADX-like 0-100 reading built from directional
// persistence: the net move over the window divided by the summed
// absolute moves.
func trendStrength(closes []float64) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}
	var net, gross float64
	for i := 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		net += d
		gross += math.Abs(d)
	}
	if gross == 0 {
		return 0
	}
	return math.Abs(net) / gross * 100
}

func volumeRatio(vols []float64) float64 {
	if len(vols) < 2 {
		return 1
	}
	avg := mean(vols)
	if avg == 0 {
		return 1
	}
	return vols[len(vols)-1] / avg
}

// SimConfig configures the random-walk feed.
type SimConfig struct {
	StartPrice float64 `json:"startPrice"`
	Drift      float64 `json:"drift"`    // per-step return bias
	StepVol    float64 `json:"stepVol"`  // per-step return stddev
	Seed       int64   `json:"seed"`
}

// DefaultSimConfig returns a mildly trending walk.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		StartPrice: 50000,
		Drift:      0.0001,
		StepVol:    0.004,
		Seed:       1,
	}
}

// SimFeed generates a seeded random walk per instrument. Every Snapshot
// call advances the walk one step, so the instrument loop cadence drives
// simulated time.
type SimFeed struct {
	logger *zap.Logger
	config SimConfig

	mu    sync.Mutex
	rng   *rand.Rand
	last  map[string]float64
	book  *indicatorBook
}

// NewSimFeed creates the feed and pre-warms the indicator window so the
// first snapshot is immediately available.
func NewSimFeed(logger *zap.Logger, config SimConfig, instruments []string) *SimFeed {
	f := &SimFeed{
		logger: logger.Named("sim-feed"),
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		last:   make(map[string]float64),
		book:   newIndicatorBook(),
	}
	for _, inst := range instruments {
		f.last[inst] = config.StartPrice
		for i := 0; i < slowPeriod; i++ {
			f.step(inst)
		}
	}
	return f
}

func (f *SimFeed) step(instrument string) float64 {
	price, ok := f.last[instrument]
	if !ok {
		price = f.config.StartPrice
	}
	ret := f.config.Drift + f.rng.NormFloat64()*f.config.StepVol
	price *= 1 + ret
	f.last[instrument] = price
	f.book.push(instrument, price, 1+f.rng.Float64())
	return price
}

// Snapshot advances the walk and returns the derived indicators.
func (f *SimFeed) Snapshot(ctx context.Context, instrument string) (*types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.step(instrument)
	f.mu.Unlock()
	return f.book.snapshot(instrument, time.Now())
}
