package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"engagekit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

type subscription struct {
	id int64
	fn func(context.Context, core.Event)
}

// EventBus fans domain events out to subscribers, inline or on a worker pool.
type EventBus struct {
	mode    DispatchMode
	mu      sync.RWMutex
	subs    map[core.EventType]map[int64]subscription
	nextID  int64
	queue   chan core.Event
	wg      sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Int64
	log     *slog.Logger
}

// NewEventBus creates a bus. Async buses start four workers over a bounded queue.
func NewEventBus(mode DispatchMode) *EventBus {
	eb := &EventBus{
		mode: mode,
		subs: make(map[core.EventType]map[int64]subscription),
		log:  slog.Default(),
	}
	if mode == DispatchAsync {
		eb.queue = make(chan core.Event, 1024)
		for i := 0; i < 4; i++ {
			eb.wg.Add(1)
			go eb.worker()
		}
	}
	return eb
}

func (e *EventBus) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.dispatch(context.Background(), ev)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *EventBus) Close() {
	e.once.Do(func() {
		e.closed.Store(true)
		if e.queue != nil {
			e.mu.Lock()
			close(e.queue)
			e.mu.Unlock()
			e.wg.Wait()
		}
	})
}

// Dropped returns how many async events were discarded because the queue was full.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type and returns its unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[typ], id)
	}
}

// SubscribeAll registers handler for every domain event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event)) func() {
	unsubs := []func(){
		e.Subscribe(core.EventPostSubmitted, handler),
		e.Subscribe(core.EventPointsAwarded, handler),
		e.Subscribe(core.EventPostReconciled, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers ev. Async publishing never blocks; a full queue drops the event.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.closed.Load() {
		return
	}
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return
	}
	select {
	case e.queue <- ev:
	default:
		if e.dropped.Add(1)%100 == 1 {
			e.log.Warn("event queue full, dropping events", "type", ev.Type, "dropped", e.dropped.Load())
		}
	}
}

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Type]
	handlers := make([]func(context.Context, core.Event), 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
