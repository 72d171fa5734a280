// Package capital_test provides tests for the capital allocator.
package capital_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/capital"
	"github.com/meridian-desk/coordinator/pkg/types"
)

type staticGroups struct {
	groups map[string][]string
}

func (s *staticGroups) GroupOf(instrument string) string {
	for name, members := range s.groups {
		for _, m := range members {
			if m == instrument {
				return name
			}
		}
	}
	return ""
}

func (s *staticGroups) GroupMembers(group string) []string {
	return s.groups[group]
}

type flatPerf struct{ stats types.PerformanceStats }

func (p *flatPerf) Performance(types.StrategyKind) types.PerformanceStats { return p.stats }

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newAllocator(groups capital.GroupLookup) *capital.Allocator {
	cfg := capital.DefaultPoolConfig()
	return capital.NewAllocator(zap.NewNop(), cfg, groups, nil)
}

func TestColdStartAllocation(t *testing.T) {
	// One active instrument, $100,000 pool, 15% reserve: a $20,000 request
	// normalizes to full weight and fits under the 25% instrument cap
	// ($21,250), so it is granted in full.
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)

	granted, err := a.Allocate("X/USDT", types.StrategyRange, d(20000))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !granted.Equal(d(20000)) {
		t.Errorf("granted %s, want 20000 in full", granted)
	}
}

func TestAllocationIsWholeOrNothing(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)

	// 25% of the $85,000 active pool is $21,250; $22,000 must be denied
	// outright, never partially granted.
	granted, err := a.Allocate("X/USDT", types.StrategyRange, d(22000))
	if !errors.Is(err, types.ErrAllocationDenied) {
		t.Fatalf("err = %v, want allocation denied", err)
	}
	if !granted.IsZero() {
		t.Errorf("granted %s on denial, want zero", granted)
	}
}

func TestCorrelationGroupCap(t *testing.T) {
	groups := &staticGroups{groups: map[string][]string{
		"l1": {"AAA/USDT", "BBB/USDT"},
	}}
	a := newAllocator(groups)
	a.Enroll("AAA/USDT")
	a.Enroll("BBB/USDT")
	a.SetHint("AAA/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.SetHint("BBB/USDT", map[types.StrategyKind]float64{types.StrategyTrend: 1.0}, 1.0)

	// Each instrument asks for 20% of the $85,000 active pool ($17,000).
	// The first fits; the second pushes the group to 40%, over the 30% cap
	// ($25,500), and must be denied.
	if _, err := a.Allocate("AAA/USDT", types.StrategyRange, d(17000)); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	_, err := a.Allocate("BBB/USDT", types.StrategyTrend, d(17000))
	if !errors.Is(err, types.ErrAllocationDenied) {
		t.Errorf("err = %v, want allocation denied for group cap", err)
	}
}

func TestFamilyCap(t *testing.T) {
	cfg := capital.DefaultPoolConfig()
	cfg.MaxInstrumentFraction = 1.0 // isolate the family cap
	a := capital.NewAllocator(zap.NewNop(), cfg, nil, nil)
	for _, inst := range []string{"A/USDT", "B/USDT", "C/USDT"} {
		a.Enroll(inst)
		a.SetHint(inst, map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	}

	// Family cap is 40% of $85,000 = $34,000. Per-instrument weight is a
	// third of the pool, so two $17,000 grants fit but a third breaks the
	// family ceiling.
	if _, err := a.Allocate("A/USDT", types.StrategyRange, d(17000)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := a.Allocate("B/USDT", types.StrategyRange, d(17000)); err != nil {
		t.Fatalf("second: %v", err)
	}
	_, err := a.Allocate("C/USDT", types.StrategyRange, d(17000))
	if !errors.Is(err, types.ErrAllocationDenied) {
		t.Errorf("err = %v, want family cap denial", err)
	}
}

func TestPoolInvariantHolds(t *testing.T) {
	cfg := capital.DefaultPoolConfig()
	cfg.MaxFamilyFraction = 1.0 // isolate the pool ceiling
	a := capital.NewAllocator(zap.NewNop(), cfg, nil, nil)

	// Enroll and fill instruments one at a time so each grant is taken at
	// the 25% instrument cap ($21,250 of the $85,000 active pool). Four
	// grants fill the pool exactly to its ceiling.
	for _, inst := range []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT"} {
		a.Enroll(inst)
		a.SetHint(inst, map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
		if _, err := a.Allocate(inst, types.StrategyRange, d(21250)); err != nil {
			t.Fatalf("allocate %s: %v", inst, err)
		}
		if a.TotalHeld().GreaterThan(cfg.PoolCeiling()) {
			t.Fatalf("held %s exceeds ceiling %s after %s",
				a.TotalHeld(), cfg.PoolCeiling(), inst)
		}
	}

	// A fifth request fits its own instrument cap but would push the pool
	// past $85,000; that is an invariant violation, never a clamp.
	a.Enroll("E/USDT")
	a.SetHint("E/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	_, err := a.Allocate("E/USDT", types.StrategyRange, d(17000))
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("err = %v, want invariant violation", err)
	}
	if a.TotalHeld().GreaterThan(cfg.PoolCeiling()) {
		t.Error("denied allocation still mutated the pool")
	}
}

func TestConfirmAndReleaseLifecycle(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)

	if _, err := a.Allocate("X/USDT", types.StrategyRange, d(10000)); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Partial fill: confirm $8,000 of the $10,000 reservation.
	if err := a.Confirm("X/USDT", types.StrategyRange, d(8000)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, _ := a.AllocationFor("X/USDT")
	if !rec.Committed[types.StrategyRange].Equal(d(8000)) {
		t.Errorf("committed = %s, want 8000", rec.Committed[types.StrategyRange])
	}
	if !rec.Reserved[types.StrategyRange].Equal(d(2000)) {
		t.Errorf("reserved = %s, want 2000 remaining", rec.Reserved[types.StrategyRange])
	}

	// Release the leftover reservation and part of the commitment.
	if err := a.Release("X/USDT", types.StrategyRange, d(5000)); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec, _ = a.AllocationFor("X/USDT")
	if !rec.Held().Equal(d(5000)) {
		t.Errorf("held = %s, want 5000", rec.Held())
	}
}

func TestConfirmBeyondReservationRejected(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.Allocate("X/USDT", types.StrategyRange, d(1000))

	err := a.Confirm("X/USDT", types.StrategyRange, d(2000))
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("err = %v, want invariant violation", err)
	}
}

func TestReleaseCommittedFreesClosedDeployment(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.Allocate("X/USDT", types.StrategyRange, d(12000))
	a.Confirm("X/USDT", types.StrategyRange, d(8000))

	// Closing the position frees its commitment but leaves the standing
	// reservation alone.
	freed := a.ReleaseCommitted("X/USDT", types.StrategyRange, d(8000))
	if !freed.Equal(d(8000)) {
		t.Errorf("freed = %s, want 8000", freed)
	}
	rec, _ := a.AllocationFor("X/USDT")
	if !rec.Committed[types.StrategyRange].IsZero() {
		t.Errorf("committed = %s after close, want zero", rec.Committed[types.StrategyRange])
	}
	if !rec.Reserved[types.StrategyRange].Equal(d(4000)) {
		t.Errorf("reserved = %s, want 4000 untouched", rec.Reserved[types.StrategyRange])
	}

	// A second allocate-confirm cycle goes through at full size: the pool
	// never drifts toward permanent exhaustion across trade cycles.
	if _, err := a.Allocate("X/USDT", types.StrategyRange, d(8000)); err != nil {
		t.Fatalf("reallocate after close: %v", err)
	}
	if err := a.Confirm("X/USDT", types.StrategyRange, d(8000)); err != nil {
		t.Fatalf("reconfirm after close: %v", err)
	}
}

func TestReleaseCommittedClampsAtCommitment(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.Allocate("X/USDT", types.StrategyRange, d(5000))
	a.Confirm("X/USDT", types.StrategyRange, d(5000))

	// An exit notional above the commitment frees only what was committed.
	freed := a.ReleaseCommitted("X/USDT", types.StrategyRange, d(6000))
	if !freed.Equal(d(5000)) {
		t.Errorf("freed = %s, want clamp at 5000", freed)
	}
	if !a.TotalHeld().IsZero() {
		t.Errorf("held = %s, want zero", a.TotalHeld())
	}
}

func TestReleaseBeyondHeldRejected(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	err := a.Release("X/USDT", types.StrategyRange, d(100))
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("err = %v, want invariant violation", err)
	}
}

func TestUnenrolledInstrumentDenied(t *testing.T) {
	a := newAllocator(nil)
	_, err := a.Allocate("GHOST/USDT", types.StrategyRange, d(100))
	if !errors.Is(err, types.ErrNotEnrolled) {
		t.Errorf("err = %v, want not enrolled", err)
	}
}

func TestPerformanceFactorShadesWeight(t *testing.T) {
	cfg := capital.DefaultPoolConfig()
	// A losing strategy with a 20% win rate gets factor 0.4, shrinking the
	// normalized weight and thus the cap.
	perf := &flatPerf{stats: types.PerformanceStats{
		Trades:      10,
		Wins:        2,
		RealizedPnL: decimal.NewFromInt(-500),
	}}
	a := capital.NewAllocator(zap.NewNop(), cfg, nil, perf)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)

	// Single instrument still normalizes to 1.0 against itself, so the
	// instrument cap governs; verify the grant path stays intact.
	if _, err := a.Allocate("X/USDT", types.StrategyRange, d(20000)); err != nil {
		t.Fatalf("allocate: %v", err)
	}
}

func TestReleaseAllFreesStrategyHoldings(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.Allocate("X/USDT", types.StrategyRange, d(9000))
	a.Confirm("X/USDT", types.StrategyRange, d(9000))

	freed := a.ReleaseAll("X/USDT", types.StrategyRange)
	if !freed.Equal(d(9000)) {
		t.Errorf("freed = %s, want 9000", freed)
	}
	if !a.TotalHeld().IsZero() {
		t.Errorf("held = %s after release all, want zero", a.TotalHeld())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := newAllocator(nil)
	a.Enroll("X/USDT")
	a.SetHint("X/USDT", map[types.StrategyKind]float64{types.StrategyRange: 1.0}, 1.0)
	a.Allocate("X/USDT", types.StrategyRange, d(5000))
	a.Confirm("X/USDT", types.StrategyRange, d(5000))

	restored := newAllocator(nil)
	restored.Restore(a.Snapshot())

	rec, ok := restored.AllocationFor("X/USDT")
	if !ok || !rec.Committed[types.StrategyRange].Equal(d(5000)) {
		t.Errorf("restored record = %+v, ok=%v", rec, ok)
	}
}
