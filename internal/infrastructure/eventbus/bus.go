// Package eventbus carries session facts (stats snapshots, lifecycle
// notices) from the runtime to loosely-coupled observers like the session
// index and a reattaching CLI.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/pkg/safego"
	"go.uber.org/zap"
)

// Event is one fact published on the bus.
type Event struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// New stamps a payload with the current time.
func New(kind string, payload any) Event {
	return Event{Kind: kind, At: time.Now(), Payload: payload}
}

// Handler consumes one event. Handlers run on the bus's dispatch goroutine
// in subscription order; a slow handler delays the ones behind it, not the
// publisher.
type Handler func(ctx context.Context, ev Event)

// Bus is the publish side plus subscription management.
type Bus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(kind string, h Handler)
	Close()
}

// InMemoryBus dispatches events through a buffered channel so publishers
// never block on handlers. When the buffer fills, new events are dropped
// with a warning rather than stalling the conversation loop.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	queue    chan queued
	closed   bool
	done     chan struct{}
	logger   *zap.Logger
}

type queued struct {
	ctx context.Context
	ev  Event
}

// NewInMemoryBus starts the dispatch goroutine with the given queue depth.
func NewInMemoryBus(logger *zap.Logger, depth int) *InMemoryBus {
	if depth <= 0 {
		depth = 256
	}
	b := &InMemoryBus{
		handlers: make(map[string][]Handler),
		queue:    make(chan queued, depth),
		done:     make(chan struct{}),
		logger:   logger,
	}
	safego.Go(logger, "eventbus-dispatch", b.dispatch)
	return b
}

// Publish enqueues ev without blocking; a full queue drops it. The read
// lock is held across the send so Close cannot close the queue between the
// closed check and the send.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.queue <- queued{ctx: ctx, ev: ev}:
	default:
		b.logger.Warn("event queue full, dropping event", zap.String("kind", ev.Kind))
	}
}

// Subscribe registers h for events of the given kind; "*" receives every
// event.
func (b *InMemoryBus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Close stops accepting events and waits for the queue to drain.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
}

func (b *InMemoryBus) dispatch() {
	defer close(b.done)
	for q := range b.queue {
		b.deliver(q.ctx, q.ev)
	}
}

func (b *InMemoryBus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, ev, h)
	}
}

func (b *InMemoryBus) invoke(ctx context.Context, ev Event, h Handler) {
	defer safego.Recover(b.logger, "eventbus-handler", nil)
	h(ctx, ev)
}
