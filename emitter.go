package roomsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// emitter fans a value out to registered observers. Handlers run
// synchronously on the emitting goroutine; a handler panic is logged and
// the remaining handlers still run.
type emitter[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
	log      zerolog.Logger
}

func (e *emitter[T]) on(h func(T)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	handlers := append([]func(T){}, e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.log.Error().Interface("panic", p).Msg("observer panicked")
				}
			}()
			h(v)
		}()
	}
}
