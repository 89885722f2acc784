package bus

import (
	"context"
	"sync"
)

// Bus is the publish/subscribe collaborator. The harness publishes
// STATE_CHANGE and shutdown notifications and consumes control requests.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler for all events and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, handler func(Event)) (func(), error)
	Close() error
}

var _ Bus = (*MemBus)(nil)

// MemBus is an in-process Bus. Handlers are invoked synchronously on the
// publisher's goroutine.
type MemBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Event)
}

func NewMemBus() *MemBus {
	return &MemBus{handlers: make(map[int]func(Event))}
}

func (b *MemBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemBus) Subscribe(_ context.Context, handler func(Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	b.handlers = make(map[int]func(Event))
	b.mu.Unlock()
	return nil
}
