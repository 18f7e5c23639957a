// Package eventbus is an in-process publish/subscribe bus. Each subscriber
// has its own queue drained by its own goroutine, so a subscriber sees events
// in publish order and a slow subscriber never delays the publisher or other
// subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"statemux/internal/domain"
)

// DefaultQueueLimit bounds each subscriber's backlog. When full, the oldest
// pending event is dropped.
const DefaultQueueLimit = 1024

type item struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id        uint64
	eventType domain.EventType // empty = all events
	handler   domain.EventHandler

	mu       sync.Mutex
	queue    []item
	stopping bool
	wake     chan struct{}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	limit  int
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return NewWithLimit(logger, DefaultQueueLimit)
}

// NewWithLimit creates an event bus whose subscriber queues hold at most
// limit events. limit <= 0 selects DefaultQueueLimit.
func NewWithLimit(logger *slog.Logger, limit int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Bus{logger: logger, limit: limit}
}

// Publish enqueues event for every matching subscriber and returns without
// waiting for handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.eventType == "" || s.eventType == event.Type {
			b.enqueue(s, item{ctx: ctx, event: event})
		}
	}
}

func (b *Bus) enqueue(s *subscriber, it item) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= b.limit {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		b.logger.Warn("event subscriber lagging, dropped oldest event",
			"subscriber", s.id, "event", string(dropped.event.Type))
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		wake:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop(true)
		})
	}
}

// stop ends the subscriber loop. discard drops events not yet delivered.
func (s *subscriber) stop(discard bool) {
	s.mu.Lock()
	s.stopping = true
	if discard {
		s.queue = nil
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return
			}
			<-s.wake
			continue
		}
		it := s.queue[0]
		s.queue[0] = item{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.deliver(s, it)
	}
}

func (b *Bus) deliver(s *subscriber, it item) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(it.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(it.ctx, it.event)
}

// Close prevents new publishes, delivers everything already queued and waits
// for all subscriber goroutines to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	b.wg.Wait()
}
