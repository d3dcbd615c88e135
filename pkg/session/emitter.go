// Copyright 2024-2026 Aiku AI

package session

import "sync"

// Emitter is the shared listener registry embedded by session adapters.
// Handles are never reused within one Emitter, so a stale Off is harmless.
type Emitter struct {
	mu        sync.Mutex
	next      ListenerHandle
	listeners map[ListenerHandle]func(Event)
}

// On attaches fn and returns its handle.
func (e *Emitter) On(fn func(Event)) ListenerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[ListenerHandle]func(Event))
	}
	e.next++
	e.listeners[e.next] = fn
	return e.next
}

// Off detaches the listener identified by h.
func (e *Emitter) Off(h ListenerHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, h)
}

// ListenerCount returns the number of currently attached listeners.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Emit delivers evt to every attached listener. Listeners are invoked
// without the lock held so they may call On/Off reentrantly.
func (e *Emitter) Emit(evt Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}
