package core

import (
	"context"
	"sync"

	"clearhub/core/types"
	"clearhub/observability"
)

const subscriberBuffer = 32

// NotificationBus fans state-change events out to the currently connected
// subscribers of a participant. Delivery is at-most-once: when nobody is
// connected the event is dropped, not queued; clients recover by polling
// channel state.
type NotificationBus struct {
	metrics *observability.BusMetrics

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan *types.Event
}

// NewNotificationBus constructs an empty bus.
func NewNotificationBus() *NotificationBus {
	return &NotificationBus{
		metrics: observability.Bus(),
		subs:    make(map[string]map[uint64]chan *types.Event),
	}
}

// Subscribe registers a live event sequence for the participant. The returned
// cancel function is idempotent and also runs when the context ends.
func (b *NotificationBus) Subscribe(ctx context.Context, participant string) (<-chan *types.Event, func()) {
	updates := make(chan *types.Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[participant] == nil {
		b.subs[participant] = make(map[uint64]chan *types.Event)
	}
	b.subs[participant][id] = updates
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[participant]; ok {
				if ch, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subs, participant)
				}
			}
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel
}

// Publish delivers the event to all currently connected subscribers for the
// participant without blocking; a full subscriber buffer drops the event.
// The sends happen under the bus lock: cancel closes subscriber channels
// under the same lock, so a racing unsubscribe can never turn a publish into
// a send on a closed channel.
func (b *NotificationBus) Publish(participant string, evt *types.Event) {
	if evt == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[participant] {
		select {
		case ch <- evt:
			b.metrics.RecordDelivered(evt.Type)
		default:
			b.metrics.RecordDropped(evt.Type)
		}
	}
}
