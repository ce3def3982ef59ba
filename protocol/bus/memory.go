package bus

import (
	"context"
	"sync"

	"github.com/relabs-tech/gartenio/core/logger"
)

// MemoryBus dispatches envelopes to in-process subscribers. Handlers
// run on the publisher's goroutine, in subscription order.
type MemoryBus struct {
	mu       sync.RWMutex
	closed   bool
	nextID   int
	handlers map[int]Handler
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, e Envelope) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ctx = logger.ContextWithLoggerFromData(ctx, e.LogContext)
	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

// Shutdown implements Bus.
func (b *MemoryBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}
