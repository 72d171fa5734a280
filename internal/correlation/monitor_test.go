// Package correlation_test provides tests for the group stress monitor.
package correlation_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/correlation"
)

func testConfig() correlation.Config {
	return correlation.Config{
		Groups: map[string][]string{
			"l1": {"BTC/USDT", "ETH/USDT"},
		},
		WindowSize:      32,
		MinSamples:      8,
		StressThreshold: 0.85,
	}
}

func feed(m *correlation.Monitor, instrument string, prices []float64) {
	for _, p := range prices {
		m.Observe(instrument, decimal.NewFromFloat(p))
	}
}

func TestGroupMembership(t *testing.T) {
	m := correlation.NewMonitor(zap.NewNop(), testConfig())
	if g := m.GroupOf("BTC/USDT"); g != "l1" {
		t.Errorf("GroupOf(BTC/USDT) = %q, want l1", g)
	}
	if g := m.GroupOf("DOGE/USDT"); g != "" {
		t.Errorf("GroupOf(DOGE/USDT) = %q, want ungrouped", g)
	}
	members := m.GroupMembers("l1")
	if len(members) != 2 {
		t.Errorf("members = %v, want two", members)
	}
}

func TestLockstepMovesFlagStress(t *testing.T) {
	m := correlation.NewMonitor(zap.NewNop(), testConfig())

	// Identical zig-zag paths correlate perfectly.
	base := []float64{100, 101, 99, 102, 98, 103, 97, 104, 96, 105, 95, 106}
	eth := make([]float64, len(base))
	for i, p := range base {
		eth[i] = p / 30
	}
	feed(m, "BTC/USDT", base)
	feed(m, "ETH/USDT", eth)

	if !m.Stressed("BTC/USDT") {
		t.Error("lockstep group not flagged stressed")
	}
	if !m.GroupStressed("l1") {
		t.Error("group flag not set")
	}
}

func TestOpposedMovesStayCalm(t *testing.T) {
	m := correlation.NewMonitor(zap.NewNop(), testConfig())

	up := []float64{100, 101, 99, 102, 98, 103, 97, 104, 96, 105, 95, 106}
	down := make([]float64, len(up))
	for i, p := range up {
		down[i] = 200 - p
	}
	feed(m, "BTC/USDT", up)
	feed(m, "ETH/USDT", down)

	if m.Stressed("BTC/USDT") {
		t.Error("anti-correlated group flagged stressed")
	}
}

func TestInsufficientSamplesNeverStress(t *testing.T) {
	m := correlation.NewMonitor(zap.NewNop(), testConfig())
	feed(m, "BTC/USDT", []float64{100, 101, 102})
	feed(m, "ETH/USDT", []float64{10, 10.1, 10.2})
	if m.Stressed("BTC/USDT") {
		t.Error("stress flagged below the sample floor")
	}
}

func TestUngroupedNeverStressed(t *testing.T) {
	m := correlation.NewMonitor(zap.NewNop(), testConfig())
	feed(m, "DOGE/USDT", []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 2})
	if m.Stressed("DOGE/USDT") {
		t.Error("ungrouped instrument reported stressed")
	}
}
