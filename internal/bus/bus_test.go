package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSync_DeliversToSubscribers(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var got []Event
	record := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}
	b.Subscribe(EventTypeTurnStarted, record)
	b.Subscribe(EventTypeTurnStarted, record)
	b.Subscribe(EventTypeTurnFailed, record)

	b.PublishSync(Event{Type: EventTypeTurnStarted, Data: map[string]any{"kind": "user"}})

	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Data["kind"])
}

func TestPublish_Async(t *testing.T) {
	b := NewEventBus()
	var n atomic.Int32
	b.Subscribe(EventTypeModelLoaded, func(Event) { n.Add(1) })

	b.Publish(Event{Type: EventTypeModelLoaded})
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	b := NewEventBus()
	var first, second atomic.Int32
	unsub := b.Subscribe(EventTypeWatchdogFired, func(Event) { first.Add(1) })
	b.Subscribe(EventTypeWatchdogFired, func(Event) { second.Add(1) })

	unsub()
	unsub() // no-op
	b.PublishSync(Event{Type: EventTypeWatchdogFired})

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()
	var n atomic.Int32
	unsub := b.SubscribeMultiple([]EventType{
		EventTypeActivityClaimed,
		EventTypeActivityReleased,
	}, func(Event) { n.Add(1) })

	b.PublishSync(Event{Type: EventTypeActivityClaimed})
	b.PublishSync(Event{Type: EventTypeActivityReleased})
	b.PublishSync(Event{Type: EventTypeActivityHandoff})
	assert.Equal(t, int32(2), n.Load())

	unsub()
	b.PublishSync(Event{Type: EventTypeActivityClaimed})
	assert.Equal(t, int32(2), n.Load())
}

func TestNilBusAndClear(t *testing.T) {
	var nilBus *EventBus
	assert.NotPanics(t, func() {
		nilBus.Publish(Event{Type: EventTypeTurnCompleted})
		nilBus.PublishSync(Event{Type: EventTypeTurnCompleted})
	})

	b := NewEventBus()
	var n atomic.Int32
	b.Subscribe(EventTypeTurnCompleted, func(Event) { n.Add(1) })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeTurnCompleted})
	assert.Equal(t, int32(0), n.Load())
}
