// Package events_test provides tests for the coordinator event bus.
package events_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/pkg/types"
)

func regimeEvent() *events.RegimeChangedEvent {
	return &events.RegimeChangedEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypeRegimeChanged),
		Instrument: "BTC/USDT",
		From:       types.RegimeTightRange,
		To:         types.RegimeBullTrend,
		Confidence: 0.9,
	}
}

func TestPublishDelivers(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.DefaultConfig())
	defer eb.Close()

	var mu sync.Mutex
	var got []events.Event
	done := make(chan struct{})
	eb.Subscribe(events.EventTypeRegimeChanged, func(e events.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		close(done)
		return nil
	})

	if !eb.Publish(regimeEvent()) {
		t.Fatal("publish reported drop")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].GetType() != events.EventTypeRegimeChanged {
		t.Errorf("delivered = %+v", got)
	}
	if got[0].GetID() == "" {
		t.Error("event missing ID")
	}
}

func TestTypeFiltering(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.DefaultConfig())
	defer eb.Close()

	delivered := make(chan events.EventType, 8)
	eb.Subscribe(events.EventTypePortfolioHalted, func(e events.Event) error {
		delivered <- e.GetType()
		return nil
	})

	eb.Publish(regimeEvent())
	eb.Publish(&events.PortfolioHaltedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypePortfolioHalted),
		Reason:    "daily loss",
	})

	select {
	case typ := <-delivered:
		if typ != events.EventTypePortfolioHalted {
			t.Errorf("delivered %s to halt subscriber", typ)
		}
	case <-time.After(time.Second):
		t.Fatal("halt event not delivered")
	}
}

func TestSubscribeAll(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.DefaultConfig())
	defer eb.Close()

	var count sync.WaitGroup
	count.Add(2)
	eb.SubscribeAll(func(events.Event) error {
		count.Done()
		return nil
	})

	eb.Publish(regimeEvent())
	eb.Publish(&events.PortfolioResumedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypePortfolioResumed),
	})

	done := make(chan struct{})
	go func() { count.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed events")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.DefaultConfig())

	delivered := make(chan struct{}, 8)
	sub := eb.Subscribe(events.EventTypeRegimeChanged, func(events.Event) error {
		delivered <- struct{}{}
		return nil
	})
	eb.Unsubscribe(sub)
	eb.Publish(regimeEvent())
	eb.Close() // drains the buffer before returning

	select {
	case <-delivered:
		t.Error("unsubscribed handler still invoked")
	default:
	}
}

func TestPublishAfterCloseDropsQuietly(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.DefaultConfig())
	eb.Close()

	// An operator action arriving after shutdown must drop, not panic.
	if eb.Publish(regimeEvent()) {
		t.Error("publish on a closed bus reported success")
	}
	if eb.Stats().Dropped == 0 {
		t.Error("drop counter not incremented")
	}
	eb.Close() // second close is a no-op
}

func TestFullBufferDropsNotBlocks(t *testing.T) {
	eb := events.NewEventBus(zap.NewNop(), events.Config{NumWorkers: 1, BufferSize: 1})

	block := make(chan struct{})
	eb.Subscribe(events.EventTypeRegimeChanged, func(events.Event) error {
		<-block
		return nil
	})

	// Saturate the single worker plus the one-slot buffer, then verify the
	// next publish returns instead of blocking.
	eb.Publish(regimeEvent())
	eb.Publish(regimeEvent())
	time.Sleep(50 * time.Millisecond)

	dropped := false
	for i := 0; i < 4; i++ {
		if !eb.Publish(regimeEvent()) {
			dropped = true
			break
		}
	}
	close(block)
	eb.Close()

	if !dropped {
		t.Error("publish never reported a drop with a saturated buffer")
	}
	if eb.Stats().Dropped == 0 {
		t.Error("drop counter not incremented")
	}
}
