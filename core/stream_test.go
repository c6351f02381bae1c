package core

import (
	"context"
	"testing"
	"time"

	"clearhub/core/types"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	bus := NewNotificationBus()
	updates, cancel := bus.Subscribe(context.Background(), "clr1merchant")
	defer cancel()

	bus.Publish("clr1merchant", &types.Event{Type: "payment_received", Attributes: map[string]string{"nonce": "1"}})

	select {
	case evt := <-updates:
		if evt.Type != "payment_received" {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
		if evt.Attributes["nonce"] != "1" {
			t.Fatalf("unexpected attributes: %v", evt.Attributes)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestPublishOnlyReachesMatchingParticipant(t *testing.T) {
	bus := NewNotificationBus()
	merchant, cancelMerchant := bus.Subscribe(context.Background(), "clr1merchant")
	defer cancelMerchant()
	other, cancelOther := bus.Subscribe(context.Background(), "clr1other")
	defer cancelOther()

	bus.Publish("clr1merchant", &types.Event{Type: "payment_received"})

	select {
	case <-merchant:
	case <-time.After(time.Second):
		t.Fatalf("merchant did not receive event")
	}
	select {
	case evt := <-other:
		t.Fatalf("unexpected delivery to other participant: %+v", evt)
	default:
	}
}

func TestPublishWithoutSubscribersDrops(t *testing.T) {
	bus := NewNotificationBus()
	// Must not block or panic.
	bus.Publish("clr1nobody", &types.Event{Type: "channel_opened"})
}

func TestCancelClosesSubscription(t *testing.T) {
	bus := NewNotificationBus()
	updates, cancel := bus.Subscribe(context.Background(), "clr1merchant")

	cancel()
	cancel() // idempotent

	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	bus.Publish("clr1merchant", &types.Event{Type: "payment_received"})
}

func TestContextCancellationEndsSubscription(t *testing.T) {
	bus := NewNotificationBus()
	ctx, cancelCtx := context.WithCancel(context.Background())
	updates, cancel := bus.Subscribe(ctx, "clr1merchant")
	defer cancel()

	cancelCtx()

	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after context cancellation")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewNotificationBus()
	_, cancel := bus.Subscribe(context.Background(), "clr1merchant")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish("clr1merchant", &types.Event{Type: "payment_received"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber buffer")
	}
}

func TestPublishRacingCancelDoesNotPanic(t *testing.T) {
	bus := NewNotificationBus()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish("clr1merchant", &types.Event{Type: "payment_received"})
			}
		}
	}()

	// Churn subscriptions against the publisher: closing a subscriber channel
	// must never race a publish into a send on a closed channel.
	for i := 0; i < 1000; i++ {
		_, cancel := bus.Subscribe(context.Background(), "clr1merchant")
		cancel()
	}

	close(stop)
	<-done
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewNotificationBus()
	first, cancelFirst := bus.Subscribe(context.Background(), "clr1merchant")
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(context.Background(), "clr1merchant")
	defer cancelSecond()

	bus.Publish("clr1merchant", &types.Event{Type: "channel_closed"})

	for i, updates := range []<-chan *types.Event{first, second} {
		select {
		case evt := <-updates:
			if evt.Type != "channel_closed" {
				t.Fatalf("subscriber %d: unexpected event %s", i, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}
