// Package transition_test provides tests for the handoff state machine.
package transition_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/transition"
	"github.com/meridian-desk/coordinator/pkg/types"
)

func newManager() *transition.Manager {
	return transition.NewManager(zap.NewNop(), transition.DefaultConfig())
}

func TestRequestLocksInstrument(t *testing.T) {
	m := newManager()
	now := time.Now()

	st, err := m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, now)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if st.Phase != transition.PhaseLocked {
		t.Errorf("phase = %s, want locked", st.Phase)
	}
	if !st.Deadline.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("deadline = %v, want +2h", st.Deadline)
	}
	if _, ok := m.Active("BTC/USDT"); !ok {
		t.Error("instrument not reported active")
	}
}

func TestConflictingRequestRejected(t *testing.T) {
	m := newManager()
	now := time.Now()
	if _, err := m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, now); err != nil {
		t.Fatalf("first request: %v", err)
	}

	_, err := m.Request("BTC/USDT", types.StrategyRange, types.StrategyAveraging, now)
	if !errors.Is(err, types.ErrTransitionConflict) {
		t.Errorf("err = %v, want transition conflict", err)
	}
}

func TestIdenticalRequestIsIdempotent(t *testing.T) {
	m := newManager()
	now := time.Now()
	first, _ := m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, now)

	again, err := m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if !again.LockedAt.Equal(first.LockedAt) {
		t.Error("repeat request must return the existing handoff, not restart it")
	}
}

func TestLifecycleLockedUnwindingDone(t *testing.T) {
	m := newManager()
	m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, time.Now())

	if err := m.MarkUnwinding("BTC/USDT"); err != nil {
		t.Fatalf("mark unwinding: %v", err)
	}
	st, _ := m.Active("BTC/USDT")
	if st.Phase != transition.PhaseUnwinding {
		t.Errorf("phase = %s, want unwinding", st.Phase)
	}

	done, err := m.Complete("BTC/USDT")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.From != types.StrategyRange || done.To != types.StrategyTrend {
		t.Errorf("completed handoff = %s -> %s, want range -> trend", done.From, done.To)
	}
	if _, ok := m.Active("BTC/USDT"); ok {
		t.Error("completed handoff still active")
	}
}

func TestInvalidPhaseOrderRejected(t *testing.T) {
	m := newManager()
	m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, time.Now())
	if err := m.MarkUnwinding("BTC/USDT"); err != nil {
		t.Fatalf("mark unwinding: %v", err)
	}

	// Unwinding cannot go back to unwinding.
	if err := m.MarkUnwinding("BTC/USDT"); err == nil {
		t.Error("repeated unwinding advance accepted")
	}
}

func TestExpiredTransitions(t *testing.T) {
	m := newManager()
	start := time.Now()
	m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, start)
	m.Request("ETH/USDT", types.StrategyAveraging, types.StrategyRange, start.Add(time.Hour))

	expired := m.ExpiredTransitions(start.Add(2*time.Hour + time.Minute))
	if len(expired) != 1 || expired[0].Instrument != "BTC/USDT" {
		t.Fatalf("expired = %+v, want only BTC/USDT", expired)
	}

	// The deadline forces completion; a timed-out handoff is completable
	// straight from locked.
	if _, err := m.Complete("BTC/USDT"); err != nil {
		t.Errorf("complete after timeout: %v", err)
	}
}

func TestRestoreFailsClosed(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, now)
	snap := m.Snapshot()

	restored := newManager()
	restored.Restore(snap)

	st, ok := restored.Active("BTC/USDT")
	if !ok {
		t.Fatal("restored handoff missing")
	}
	if !st.Recovered {
		t.Error("restored handoff not marked recovered")
	}
	if st.Phase != transition.PhaseUnwinding {
		t.Errorf("phase = %s, want unwinding after restore", st.Phase)
	}

	restored.MarkReconciled("BTC/USDT")
	st, _ = restored.Active("BTC/USDT")
	if st.Recovered {
		t.Error("reconciled handoff still flagged recovered")
	}
}

func TestAbortDropsState(t *testing.T) {
	m := newManager()
	m.Request("BTC/USDT", types.StrategyRange, types.StrategyTrend, time.Now())
	m.Abort("BTC/USDT")
	if _, ok := m.Active("BTC/USDT"); ok {
		t.Error("aborted handoff still active")
	}
}
