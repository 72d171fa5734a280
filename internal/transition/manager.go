// Package transition executes the graceful strategy handoff on one
// instrument: close the outgoing strategy's exposure under a lock with a
// deadline, then let the incoming strategy take over. While a handoff is
// live the instrument may only place exit or reduce orders.
package transition

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// Phase is the handoff lifecycle. NONE is represented by absence of state.
type Phase string

const (
	PhaseLocked    Phase = "locked"
	PhaseUnwinding Phase = "unwinding"
	PhaseDone      Phase = "done"
)

// validNext is the single source of allowed phase transitions.
var validNext = map[Phase][]Phase{
	PhaseLocked:    {PhaseUnwinding, PhaseDone},
	PhaseUnwinding: {PhaseDone},
}

// State is one in-flight handoff. At most one exists per instrument.
type State struct {
	Instrument string             `json:"instrument"`
	From       types.StrategyKind `json:"from"`
	To         types.StrategyKind `json:"to"`
	Phase      Phase              `json:"phase"`
	LockedAt   time.Time          `json:"lockedAt"`
	Deadline   time.Time          `json:"deadline"`
	// Recovered marks a state loaded from a crash snapshot; the instrument
	// stays locked until live positions are reconciled.
	Recovered bool `json:"recovered,omitempty"`
}

// Expired reports whether the deadline has passed without completion.
func (s *State) Expired(now time.Time) bool {
	return s.Phase != PhaseDone && now.After(s.Deadline)
}

// Config configures the handoff deadline.
type Config struct {
	Deadline time.Duration `json:"deadline"`
}

// DefaultConfig returns the standard two-hour handoff deadline.
func DefaultConfig() Config {
	return Config{Deadline: 2 * time.Hour}
}

// Manager owns the per-instrument transition map behind one lock.
type Manager struct {
	logger *zap.Logger
	config Config

	mu     sync.Mutex
	active map[string]*State
}

// NewManager creates a manager with no transitions in flight.
func NewManager(logger *zap.Logger, config Config) *Manager {
	if config.Deadline <= 0 {
		config.Deadline = 2 * time.Hour
	}
	return &Manager{
		logger: logger.Named("transition"),
		config: config,
		active: make(map[string]*State),
	}
}

// Request starts a handoff for an instrument. A request matching the one
// already in flight returns the existing state; any other concurrent
// request is a conflict.
func (m *Manager) Request(instrument string, from, to types.StrategyKind, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.active[instrument]; ok {
		if cur.From == from && cur.To == to {
			return *cur, nil
		}
		return State{}, fmt.Errorf("%w: %s is moving %s -> %s",
			types.ErrTransitionConflict, instrument, cur.From, cur.To)
	}

	st := &State{
		Instrument: instrument,
		From:       from,
		To:         to,
		Phase:      PhaseLocked,
		LockedAt:   now,
		Deadline:   now.Add(m.config.Deadline),
	}
	m.active[instrument] = st
	m.logger.Info("transition locked",
		zap.String("instrument", instrument),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Time("deadline", st.Deadline),
	)
	return *st, nil
}

// MarkUnwinding advances the handoff once exit orders are in flight.
func (m *Manager) MarkUnwinding(instrument string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[instrument]
	if !ok {
		return fmt.Errorf("no transition active for %s", instrument)
	}
	return m.advanceLocked(st, PhaseUnwinding)
}

// Complete finishes the handoff after the outgoing position is confirmed
// flat (or after a forced exit on timeout) and deletes the state. The
// returned State tells the caller which allocations to release and grant.
func (m *Manager) Complete(instrument string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[instrument]
	if !ok {
		return State{}, fmt.Errorf("no transition active for %s", instrument)
	}
	if err := m.advanceLocked(st, PhaseDone); err != nil {
		return State{}, err
	}
	delete(m.active, instrument)
	m.logger.Info("transition complete",
		zap.String("instrument", instrument),
		zap.String("from", string(st.From)),
		zap.String("to", string(st.To)),
	)
	return *st, nil
}

// Abort drops a transition without completing it, used when the instrument
// is unenrolled mid-handoff.
func (m *Manager) Abort(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, instrument)
}

// Active returns the in-flight handoff for an instrument, if any. While one
// exists the instrument loop must not open new positions for either side.
func (m *Manager) Active(instrument string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[instrument]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// ExpiredTransitions returns handoffs whose deadline has passed. The caller
// forces a market exit of any remaining outgoing position and then calls
// Complete: a timeout is never cancellable without an exit.
func (m *Manager) ExpiredTransitions(now time.Time) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, st := range m.active {
		if st.Expired(now) {
			out = append(out, *st)
		}
	}
	return out
}

// MarkReconciled clears the recovered flag once live exchange positions
// agree with the snapshot.
func (m *Manager) MarkReconciled(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.active[instrument]; ok {
		st.Recovered = false
	}
}

// Snapshot returns copies of all in-flight transitions for persistence.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.active))
	for k, v := range m.active {
		out[k] = *v
	}
	return out
}

// Restore loads persisted transitions after a crash. Every restored state
// is marked recovered and forced to the unwinding phase: the coordinator
// fails closed until positions are confirmed flat.
func (m *Manager) Restore(states map[string]State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]*State, len(states))
	for k, v := range states {
		st := v
		if st.Phase == PhaseLocked {
			st.Phase = PhaseUnwinding
		}
		st.Recovered = true
		m.active[k] = &st
	}
}

func (m *Manager) advanceLocked(st *State, next Phase) error {
	for _, allowed := range validNext[st.Phase] {
		if allowed == next {
			st.Phase = next
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition %s -> %s on %s",
		types.ErrTransitionConflict, st.Phase, next, st.Instrument)
}
