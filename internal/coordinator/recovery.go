package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/store"
)

// recover loads the last snapshot and reconciles it against the live
// venue. A missing snapshot is a cold start. Persisted handoffs whose
// outgoing position is already flat complete immediately; any with live
// exposure stay locked and unwinding until confirmed flat.
func (c *Coordinator) recover(ctx context.Context) error {
	snap, err := c.stateStore.Load()
	if errors.Is(err, store.ErrNoSnapshot) {
		c.logger.Info("cold start, no prior state")
		return nil
	}
	if err != nil {
		return err
	}

	c.classifier.Restore(snap.Regimes)
	c.router.Restore(snap.ActiveSets)
	c.allocator.Restore(snap.Allocations)
	c.riskAgg.Restore(snap.Risk)
	c.transitions.Restore(snap.Transitions)
	c.registry.RestorePerformance(snap.Performance)

	for _, inst := range snap.Instruments {
		c.Enroll(inst)
	}

	for inst, tr := range c.transitions.Snapshot() {
		if pos := c.positionFor(ctx, inst, tr.From); pos == nil {
			c.transitions.MarkReconciled(inst)
			c.completeTransition(inst)
			continue
		}
		c.logger.Warn("recovered handoff has live exposure, staying locked",
			zap.String("instrument", inst),
			zap.String("from", string(tr.From)),
		)
	}

	c.logger.Info("state recovered",
		zap.Time("saved_at", snap.SavedAt),
		zap.Int("instruments", len(snap.Instruments)),
		zap.Bool("halted", snap.Risk.IsHalted),
	)
	return nil
}

// persist writes the current control-plane state.
func (c *Coordinator) persist() error {
	return c.stateStore.Save(&store.Snapshot{
		Instruments: c.enrolled(),
		Regimes:     c.classifier.States(),
		ActiveSets:  c.router.ActiveSets(),
		Allocations: c.allocator.Snapshot(),
		Risk:        c.riskAgg.State(),
		Transitions: c.transitions.Snapshot(),
		Performance: c.registry.PerformanceSnapshot(),
	})
}

// snapshotLoop persists state on a fixed cadence.
func (c *Coordinator) snapshotLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.persist(); err != nil {
				c.logger.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}
