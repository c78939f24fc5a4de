package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"engagekit/core"
)

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	bus.Subscribe(core.EventPointsAwarded, func(ctx context.Context, e core.Event) { count++ })
	bus.Publish(context.Background(), core.NewPointsAwarded("u", "p", 1, 1, 1, core.SourcePrimaryAPI))
	if count != 1 {
		t.Fatalf("want 1 got %d", count)
	}
}

func TestEventBusAsync(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	defer bus.Close()
	ch := make(chan struct{})
	bus.Subscribe(core.EventPointsAwarded, func(ctx context.Context, e core.Event) { close(ch) })
	bus.Publish(context.Background(), core.NewPointsAwarded("u", "p", 1, 1, 1, core.SourcePrimaryAPI))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	var got atomic.Int64
	bus.SubscribeAll(func(ctx context.Context, e core.Event) { got.Add(1) })
	for i := 0; i < 50; i++ {
		bus.Publish(context.Background(), core.NewPostReconciled("u", "p", 1, core.SourceEstimated))
	}
	bus.Close()
	if got.Load() != 50 {
		t.Fatalf("want 50 delivered got %d", got.Load())
	}
	bus.Publish(context.Background(), core.NewPostReconciled("u", "p", 1, core.SourceEstimated))
	bus.Close()
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	unsub := bus.Subscribe(core.EventPostSubmitted, func(ctx context.Context, e core.Event) { count++ })
	unsub()
	bus.Publish(context.Background(), core.NewPostSubmitted("u", "p", core.SourcePrimaryAPI))
	if count != 0 {
		t.Fatalf("handler ran after unsubscribe")
	}
}
