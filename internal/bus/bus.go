// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for the companion
const (
	// Activity claim events
	EventTypeActivityClaimed  EventType = "activity.claimed"
	EventTypeActivityHandoff  EventType = "activity.handoff"
	EventTypeActivityReleased EventType = "activity.released"

	// Idle loop events
	EventTypeIdleMotionStarted EventType = "idle.motion_started"
	EventTypeIdleScheduled     EventType = "idle.scheduled"

	// Watchdog events
	EventTypeWatchdogFired EventType = "watchdog.fired"

	// Turn events
	EventTypeTurnStarted   EventType = "turn.started"
	EventTypeTurnCompleted EventType = "turn.completed"
	EventTypeTurnFailed    EventType = "turn.failed"

	// Playback events
	EventTypePlaybackStarted  EventType = "playback.started"
	EventTypePlaybackFallback EventType = "playback.fallback"
	EventTypePlaybackEnded    EventType = "playback.ended"

	// Model events
	EventTypeModelLoaded     EventType = "model.loaded"
	EventTypeModelLoadFailed EventType = "model.load_failed"
	EventTypeModelUnloaded   EventType = "model.unloaded"
	EventTypeModelHit        EventType = "model.hit"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type and returns a func that removes it
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) func() {
	cancels := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		cancels = append(cancels, b.Subscribe(et, handler))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (b *EventBus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) snapshot(eventType EventType) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]subscription, len(b.handlers[eventType]))
	copy(subs, b.handlers[eventType])
	return subs
}

// Publish sends an event to all subscribed handlers without blocking
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	for _, sub := range b.snapshot(event.Type) {
		go sub.handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	if b == nil {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(sub.handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}
