// Package events routes coordinator lifecycle events to subscribers over a
// buffered worker pool. Publishing never blocks a trading loop: when the
// buffer is full the event is dropped and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeRegimeChanged       EventType = "regime_changed"
	EventTypeStrategySwitched    EventType = "strategy_switched"
	EventTypeAllocationUpdated   EventType = "allocation_updated"
	EventTypeRiskLimitHit        EventType = "risk_limit_hit"
	EventTypePortfolioHalted     EventType = "portfolio_halted"
	EventTypePortfolioResumed    EventType = "portfolio_resumed"
	EventTypeTransitionStarted   EventType = "transition_started"
	EventTypeTransitionCompleted EventType = "transition_completed"
	EventTypeTransitionTimedOut  EventType = "transition_timed_out"
	EventTypeOrderFilled         EventType = "order_filled"
	EventTypeOrderRejected       EventType = "order_rejected"
)

// Event is the interface all coordinator events satisfy.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a base event with a generated ID.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// RegimeChangedEvent fires when an instrument's confirmed regime flips.
type RegimeChangedEvent struct {
	BaseEvent
	Instrument string       `json:"instrument"`
	From       types.Regime `json:"from"`
	To         types.Regime `json:"to"`
	Confidence float64      `json:"confidence"`
}

// StrategySwitchedEvent fires when the router activates a new strategy set.
type StrategySwitchedEvent struct {
	BaseEvent
	Instrument string               `json:"instrument"`
	From       []types.StrategyKind `json:"from"`
	To         []types.StrategyKind `json:"to"`
}

// AllocationUpdatedEvent fires on allocation grants and releases.
type AllocationUpdatedEvent struct {
	BaseEvent
	Instrument string             `json:"instrument"`
	Strategy   types.StrategyKind `json:"strategy"`
	Held       decimal.Decimal    `json:"held"`
}

// RiskLimitHitEvent fires when any risk tier rejects an entry.
type RiskLimitHitEvent struct {
	BaseEvent
	Instrument string `json:"instrument,omitempty"`
	Rule       string `json:"rule"`
	Message    string `json:"message"`
}

// PortfolioHaltedEvent fires once per halt.
type PortfolioHaltedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// PortfolioResumedEvent fires on operator resume.
type PortfolioResumedEvent struct {
	BaseEvent
}

// TransitionEvent covers handoff start, completion, and timeout.
type TransitionEvent struct {
	BaseEvent
	Instrument string             `json:"instrument"`
	From       types.StrategyKind `json:"from"`
	To         types.StrategyKind `json:"to"`
}

// OrderEvent covers fills and rejections.
type OrderEvent struct {
	BaseEvent
	OrderID    string             `json:"orderId"`
	Instrument string             `json:"instrument"`
	Strategy   types.StrategyKind `json:"strategy"`
	Side       types.OrderSide    `json:"side"`
	Quantity   decimal.Decimal    `json:"quantity"`
	Price      decimal.Decimal    `json:"price"`
	Reason     string             `json:"reason,omitempty"`
}

// EventHandler processes one event. Delivery is at most once.
type EventHandler func(event Event) error

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// Config configures the event bus.
type Config struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig returns sensible defaults for a coordinator instance.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 4096}
}

// EventBus fans events out to subscribers through a worker pool.
type EventBus struct {
	logger *zap.Logger

	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event
	// closeMu orders Publish sends against the channel close so a late
	// publisher drops its event instead of panicking.
	closeMu sync.RWMutex
	closed  bool

	eventsPublished atomic.Int64
	eventsProcessed atomic.Int64
	eventsDropped   atomic.Int64
	handlerErrors   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventBus creates the bus and starts its workers.
func NewEventBus(logger *zap.Logger, config Config) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		logger:      logger.Named("events"),
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Handler: handler,
	}
	sub.active.Store(true)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	return sub
}

// Unsubscribe deactivates a subscription.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish enqueues an event without blocking. Returns false if the event
// was dropped: buffer full, or the bus already closed.
func (eb *EventBus) Publish(event Event) bool {
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		eb.eventsDropped.Add(1)
		return false
	}
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
		return true
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full",
			zap.String("type", string(event.GetType())),
		)
		return false
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Errors    int64 `json:"errors"`
}

// Stats returns the bus counters.
func (eb *EventBus) Stats() Stats {
	return Stats{
		Published: eb.eventsPublished.Load(),
		Processed: eb.eventsProcessed.Load(),
		Dropped:   eb.eventsDropped.Load(),
		Errors:    eb.handlerErrors.Load(),
	}
}

// Close stops the workers after draining the buffer. Idempotent; later
// publishes report a drop instead of panicking.
func (eb *EventBus) Close() {
	eb.closeMu.Lock()
	if eb.closed {
		eb.closeMu.Unlock()
		return
	}
	eb.closed = true
	eb.cancel()
	close(eb.eventChan)
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for event := range eb.eventChan {
		eb.dispatch(event)
	}
}

func (eb *EventBus) dispatch(event Event) {
	eb.mu.RLock()
	subs := make([]*Subscription, 0, len(eb.subscribers[event.GetType()])+len(eb.allSubscribers))
	subs = append(subs, eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if err := sub.Handler(event); err != nil {
			eb.handlerErrors.Add(1)
			eb.logger.Warn("event handler error",
				zap.String("type", string(event.GetType())),
				zap.Error(err),
			)
		}
	}
	eb.eventsProcessed.Add(1)
}
