// Package data_test provides tests for the indicator feeds.
package data_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/data"
	"github.com/meridian-desk/coordinator/pkg/types"
)

func TestSimFeedWarmsUpImmediately(t *testing.T) {
	f := data.NewSimFeed(zap.NewNop(), data.DefaultSimConfig(), []string{"BTC/USDT"})
	snap, err := f.Snapshot(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Instrument != "BTC/USDT" || snap.Price.IsZero() {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.FastMA.IsZero() || snap.SlowMA.IsZero() {
		t.Error("moving averages not computed")
	}
	if snap.TrendStrength < 0 || snap.TrendStrength > 100 {
		t.Errorf("trend strength = %f, want 0-100", snap.TrendStrength)
	}
}

func TestSimFeedUnknownInstrumentWarmsUp(t *testing.T) {
	f := data.NewSimFeed(zap.NewNop(), data.DefaultSimConfig(), []string{"BTC/USDT"})
	// An instrument not pre-warmed needs a full window before serving.
	_, err := f.Snapshot(context.Background(), "ETH/USDT")
	if !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("err = %v, want data unavailable while warming", err)
	}
}

func TestSimFeedIsDeterministic(t *testing.T) {
	cfg := data.DefaultSimConfig()
	a := data.NewSimFeed(zap.NewNop(), cfg, []string{"BTC/USDT"})
	b := data.NewSimFeed(zap.NewNop(), cfg, []string{"BTC/USDT"})

	sa, err := a.Snapshot(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sb, err := b.Snapshot(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !sa.Price.Equal(sb.Price) {
		t.Errorf("same seed diverged: %s vs %s", sa.Price, sb.Price)
	}
}

func TestSnapshotAdvancesWalk(t *testing.T) {
	f := data.NewSimFeed(zap.NewNop(), data.DefaultSimConfig(), []string{"BTC/USDT"})
	s1, _ := f.Snapshot(context.Background(), "BTC/USDT")
	s2, _ := f.Snapshot(context.Background(), "BTC/USDT")
	if s1.Price.Equal(s2.Price) {
		t.Error("walk did not advance between snapshots")
	}
}
