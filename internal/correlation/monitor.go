// Package correlation tracks named instrument groups and flags a group as
// stressed when its members' recent returns move together. Group
// membership is static configuration; stress is computed from rolling
// pairwise correlation of observed prices.
package correlation

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures group membership and the stress detector.
type Config struct {
	// Groups maps a group name to its member instruments. An instrument
	// belongs to at most one group.
	Groups map[string][]string `json:"groups"`
	// WindowSize is the number of returns kept per instrument.
	WindowSize int `json:"windowSize"`
	// MinSamples is the minimum overlapping returns before correlation is
	// trusted; below it a group is never stressed.
	MinSamples int `json:"minSamples"`
	// StressThreshold flags a group when its mean pairwise correlation
	// meets or exceeds it.
	StressThreshold float64 `json:"stressThreshold"`
}

// DefaultConfig returns the standard grouping for a crypto book.
func DefaultConfig() Config {
	return Config{
		Groups: map[string][]string{
			"btc-beta":    {"BTC/USDT", "ETH/USDT", "SOL/USDT"},
			"stablecoins": {"USDC/USDT", "DAI/USDT"},
		},
		WindowSize:      64,
		MinSamples:      16,
		StressThreshold: 0.85,
	}
}

// Monitor keeps rolling return windows per instrument and a stress flag
// per group.
type Monitor struct {
	logger *zap.Logger
	config Config

	mu        sync.RWMutex
	groupOf   map[string]string
	lastPrice map[string]decimal.Decimal
	returns   map[string][]float64
	stressed  map[string]bool
}

// NewMonitor builds the reverse membership index from config.
func NewMonitor(logger *zap.Logger, config Config) *Monitor {
	if config.WindowSize <= 0 {
		config.WindowSize = 64
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 16
	}
	groupOf := make(map[string]string)
	for name, members := range config.Groups {
		for _, inst := range members {
			groupOf[inst] = name
		}
	}
	return &Monitor{
		logger:    logger.Named("correlation"),
		config:    config,
		groupOf:   groupOf,
		lastPrice: make(map[string]decimal.Decimal),
		returns:   make(map[string][]float64),
		stressed:  make(map[string]bool),
	}
}

// GroupOf returns the group an instrument belongs to, or "" if ungrouped.
func (m *Monitor) GroupOf(instrument string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupOf[instrument]
}

// GroupMembers returns the configured members of a group.
func (m *Monitor) GroupMembers(group string) []string {
	members := m.config.Groups[group]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Observe feeds one price tick. Returns are log returns against the prior
// observation; the instrument's group stress flag is recomputed on every
// tick.
func (m *Monitor) Observe(instrument string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.lastPrice[instrument]; ok && prev.GreaterThan(decimal.Zero) {
		p, _ := price.Float64()
		q, _ := prev.Float64()
		window := append(m.returns[instrument], math.Log(p/q))
		if len(window) > m.config.WindowSize {
			window = window[len(window)-m.config.WindowSize:]
		}
		m.returns[instrument] = window
	}
	m.lastPrice[instrument] = price

	if group, ok := m.groupOf[instrument]; ok {
		was := m.stressed[group]
		now := m.groupStressedLocked(group)
		m.stressed[group] = now
		if now != was {
			m.logger.Info("group stress changed",
				zap.String("group", group),
				zap.Bool("stressed", now),
			)
		}
	}
}

// Stressed reports whether the instrument's group is currently flagged.
// Ungrouped instruments are never stressed.
func (m *Monitor) Stressed(instrument string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groupOf[instrument]
	if !ok {
		return false
	}
	return m.stressed[group]
}

// GroupStressed reports the flag for a named group.
func (m *Monitor) GroupStressed(group string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stressed[group]
}

// StressedGroups returns the names of all currently flagged groups.
func (m *Monitor) StressedGroups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, on := range m.stressed {
		if on {
			out = append(out, name)
		}
	}
	return out
}

func (m *Monitor) groupStressedLocked(group string) bool {
	members := m.config.Groups[group]
	var sum float64
	var pairs int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			r, ok := pearson(m.returns[members[i]], m.returns[members[j]], m.config.MinSamples)
			if !ok {
				continue
			}
			sum += r
			pairs++
		}
	}
	if pairs == 0 {
		return false
	}
	return sum/float64(pairs) >= m.config.StressThreshold
}

// pearson computes the correlation over the trailing overlap of two return
// windows. It reports false when the overlap is below minSamples or either
// series has no variance.
func pearson(a, b []float64, minSamples int) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minSamples {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}
