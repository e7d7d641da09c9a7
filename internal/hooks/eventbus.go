package hooks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// eventQueueSize bounds the async queue; events beyond it are dropped.
const eventQueueSize = 1000

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       HookEvent
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// EventBus manages event distribution to subscribers.
type EventBus struct {
	subscribers  map[HookEvent][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *EventContext
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
	dropped      atomic.Int64
	wg           sync.WaitGroup
}

// NewEventBus creates a new event bus and starts its async dispatcher.
func NewEventBus() *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		subscribers: make(map[HookEvent][]*Subscription),
		eventQueue:  make(chan *EventContext, eventQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	bus.wg.Add(1)
	go bus.processQueue()
	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *EventBus) Subscribe(event HookEvent, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *EventBus) SubscribeWithFilter(event HookEvent, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}
	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *EventBus) Publish(ctx *EventContext) {
	if b == nil || ctx == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[ctx.Event]
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		if sub.Filter != nil && !sub.Filter(ctx) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Panic in event subscriber for %s: %v", ctx.Event, r)
				}
			}()
			sub.Callback(ctx)
		}()
	}
}

// PublishAsync queues an event for the dispatcher. A full queue drops the event.
func (b *EventBus) PublishAsync(ctx *EventContext) {
	if b == nil || ctx == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown {
		return
	}
	select {
	case b.eventQueue <- ctx:
	default:
		b.dropped.Add(1)
		log.Warnf("Event queue full, dropping event: %s", ctx.Event)
	}
}

// Dropped returns how many async events were discarded because the queue was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *EventBus) processQueue() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.eventQueue:
			if !ok {
				return
			}
			b.Publish(event)
		}
	}
}

// Shutdown stops the dispatcher. Queued events not yet dispatched are discarded.
func (b *EventBus) Shutdown() {
	b.shutdownOnce.Do(func() {
		// Holding the write lock guarantees no PublishAsync is mid-send when the queue closes.
		b.mu.Lock()
		b.shutdown = true
		b.cancel()
		close(b.eventQueue)
		b.mu.Unlock()
		b.wg.Wait()
	})
}
