package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what changed in the registry.
type EventType string

const (
	EventRegister          EventType = "register"
	EventDeregister        EventType = "deregister"
	EventHealthChange      EventType = "health_change"
	EventConfigUpdate      EventType = "config_update"
	EventDiscoveryError    EventType = "discovery_error"
	EventEndpointsUpdate   EventType = "endpoints_update"
	EventVersionRegister   EventType = "version_register"
	EventVersionDeprecate  EventType = "version_deprecate"
	EventRewriteRuleAdd    EventType = "rewrite_rule_add"
	EventRewriteRuleRemove EventType = "rewrite_rule_remove"
)

// ServiceEvent is a fire-and-forget notification about a registry change.
type ServiceEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	ServiceID string         `json:"service_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewServiceEvent stamps a new event with an id and the current time.
func NewServiceEvent(t EventType, serviceID string, data map[string]any) ServiceEvent {
	return ServiceEvent{
		ID:        uuid.NewString(),
		Type:      t,
		ServiceID: serviceID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// EventHandler receives events on a dedicated goroutine per subscriber.
type EventHandler func(ServiceEvent)

// DefaultSubscriberBuffer is the queue length of each subscriber.
const DefaultSubscriberBuffer = 256

// EventBus fans events out to subscribers without ever blocking the publisher.
// Each subscriber owns a buffered queue drained by its own goroutine; when the
// queue is full the event is dropped for that subscriber and counted.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	bufferSize  int
	dropped     atomic.Int64
	closed      bool
	logger      *slog.Logger

	// onDrop is called for every dropped event (metrics hook).
	onDrop func(ServiceEvent)
}

type subscriber struct {
	ch   chan ServiceEvent
	done chan struct{}
}

// NewEventBus creates an event bus. A bufferSize <= 0 uses DefaultSubscriberBuffer.
func NewEventBus(bufferSize int, logger *slog.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a handler and returns a function that removes it.
// The unsubscribe function waits for queued events to be handled.
func (b *EventBus) Subscribe(handler EventHandler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan ServiceEvent, b.bufferSize),
		done: make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			b.deliver(handler, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

// deliver isolates the bus from panicking handlers.
func (b *EventBus) deliver(handler EventHandler, ev ServiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"service_id", ev.ServiceID,
				"panic", r,
			)
		}
	}()
	handler(ev)
}

// Publish enqueues the event for every subscriber. It never blocks.
func (b *EventBus) Publish(ev ServiceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(ev)
			}
			b.logger.Warn("event dropped, subscriber queue full",
				"event_type", ev.Type,
				"service_id", ev.ServiceID,
			)
		}
	}
}

// Dropped returns how many deliveries were dropped because a queue was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// SetDropHook installs a callback invoked for each dropped delivery.
func (b *EventBus) SetDropHook(fn func(ServiceEvent)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Close stops all subscribers after their queues drain.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[uint64]*subscriber)
	for _, sub := range subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
