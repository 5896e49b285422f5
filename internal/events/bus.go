package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bus is a synchronous in-process event bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]handlerEntry
	nextID   uint64
	logger   zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]handlerEntry),
		logger:   logger.With().Str("component", "event-bus").Logger(),
	}
}

// On registers a handler for kind and returns a function removing it.
// The returned function is safe to call more than once.
func (b *Bus) On(kind Kind, h Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(kind, id) })
	}
}

func (b *Bus) off(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[kind]
	for i, entry := range list {
		if entry.id == id {
			b.handlers[kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
}

// Emit runs every handler of the event kind in registration order.
// Handler errors and panics are logged and never reach the emitter.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	list := b.handlers[ev.Kind()]
	handlers := make([]handlerEntry, len(list))
	copy(handlers, list)
	b.mu.RUnlock()

	for _, entry := range handlers {
		b.invoke(ctx, entry.fn, ev)
	}
}

// HandlerCount returns the number of handlers registered for kind
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", ev.Kind().String()).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	if err := h(ctx, ev); err != nil {
		b.logger.Error().Err(err).Str("event", ev.Kind().String()).Msg("event handler failed")
	}
}
