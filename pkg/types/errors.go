package types

import "errors"

// Coordinator error taxonomy. Data, allocation, and order errors are handled
// locally per instrument; invariant violations and halt conditions surface to
// the operator control surface.
var (
	// ErrDataUnavailable means a snapshot fetch failed or indicators were
	// insufficient; the classifier keeps the previous regime for the tick.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrAllocationDenied means granting the request would violate a capital
	// cap; the caller skips the signal this cycle.
	ErrAllocationDenied = errors.New("allocation denied")

	// ErrOrderRejected is an exchange-level rejection; the reserved
	// allocation must be released.
	ErrOrderRejected = errors.New("order rejected")

	// ErrTransitionConflict means a transition was requested while another
	// one is active for the same instrument.
	ErrTransitionConflict = errors.New("transition already in progress")

	// ErrInvariantViolation means an operation would corrupt shared state
	// (e.g. committed capital exceeding the pool). Always fatal for the
	// operation, never silently clamped.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrPortfolioHalted is the universal precondition failure: every
	// entry-submitting path checks it first.
	ErrPortfolioHalted = errors.New("portfolio halted")

	// ErrNotEnrolled means the instrument has no live coordinator state.
	ErrNotEnrolled = errors.New("instrument not enrolled")
)
