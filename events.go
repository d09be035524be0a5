package sio

import "sync"

// Handler is a listener for application events.
type Handler func(args ...any)

// reservedEvents are raised locally on sockets and never travel on the wire.
var reservedEvents = map[string]struct{}{
	"error":          {},
	"connect":        {},
	"disconnect":     {},
	"disconnecting":  {},
	"newListener":    {},
	"removeListener": {},
}

func isReservedEvent(event string) bool {
	_, ok := reservedEvents[event]
	return ok
}

// isReservedNamespaceEvent additionally covers "connection", which is a
// lifecycle event at the namespace level but an ordinary wire event on a
// socket.
func isReservedNamespaceEvent(event string) bool {
	return event == "connection" || isReservedEvent(event)
}

type registeredHandler struct {
	fn   Handler
	once bool
}

// emitter is a per-object publish-subscribe registry. Sockets and namespaces
// embed it; Emit* methods on those types shadow emitter.EmitLocal where the
// wire is involved.
type emitter struct {
	mu       sync.RWMutex
	handlers map[string][]*registeredHandler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]*registeredHandler)}
}

// On registers a persistent listener for the event.
func (e *emitter) On(event string, fn Handler) {
	e.mu.Lock()
	e.handlers[event] = append(e.handlers[event], &registeredHandler{fn: fn})
	e.mu.Unlock()
}

// Once registers a listener removed after its first invocation.
func (e *emitter) Once(event string, fn Handler) {
	e.mu.Lock()
	e.handlers[event] = append(e.handlers[event], &registeredHandler{fn: fn, once: true})
	e.mu.Unlock()
}

// Off removes every listener for the event.
func (e *emitter) Off(event string) {
	e.mu.Lock()
	delete(e.handlers, event)
	e.mu.Unlock()
}

// OffAll removes every listener for every event.
func (e *emitter) OffAll() {
	e.mu.Lock()
	e.handlers = make(map[string][]*registeredHandler)
	e.mu.Unlock()
}

// EmitLocal invokes the listeners registered for the event, in registration
// order, on the calling goroutine.
func (e *emitter) EmitLocal(event string, args ...any) {
	e.mu.Lock()
	registered := e.handlers[event]
	snapshot := make([]Handler, 0, len(registered))
	remaining := registered[:0]
	for _, h := range registered {
		snapshot = append(snapshot, h.fn)
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	if len(remaining) == 0 {
		delete(e.handlers, event)
	} else {
		e.handlers[event] = remaining
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(args...)
	}
}

// Listeners returns a snapshot of the listeners for the event.
func (e *emitter) Listeners(event string) []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Handler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		out = append(out, h.fn)
	}
	return out
}

// ListenerCount returns the number of listeners for the event.
func (e *emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
