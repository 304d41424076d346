// Package events implements the engine's typed event surface.
//
// Consumers attach listeners per event type. Listeners are invoked
// synchronously in registration order; a panic in one listener is recovered
// and logged without preventing the remaining listeners from running.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"marketstream/internal/model"
)

// Type names one of the engine's emitted events.
type Type string

// Event types emitted by the streaming engine.
const (
	Connected           Type = "connected"
	Disconnected        Type = "disconnected"
	MaxAttemptsReached  Type = "maxReconnectAttemptsReached"
	Subscribed          Type = "subscribed"
	Unsubscribed        Type = "unsubscribed"
	BufferUpdated       Type = "bufferUpdated"
	CandleUpdate        Type = "candleUpdate"
)

// Event is the payload delivered to listeners. Fields are populated
// depending on the event type: Key for subscription and buffer events,
// State for connection lifecycle events, Update and Buffer for data events.
type Event struct {
	Type   Type
	Key    model.StreamKey
	State  model.ConnectionState
	Update *model.StreamUpdate // latest update (candleUpdate, bufferUpdated)
	Buffer []model.Candle      // buffer snapshot (bufferUpdated)
	Err    error               // cause (disconnected, maxReconnectAttemptsReached)
}

// Handler consumes one event.
type Handler func(Event)

type listener struct {
	id int64
	fn Handler
}

// Emitter fans events out to registered listeners. The zero value is not
// usable; create one with NewEmitter.
type Emitter struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[Type][]listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[Type][]listener)}
}

// On registers a listener for the given event type and returns an id that
// can be passed to Off. Nil handlers are ignored and return 0.
func (e *Emitter) On(t Type, fn Handler) int64 {
	if fn == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[t] = append(e.listeners[t], listener{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a previously registered listener. Unknown ids are a no-op.
func (e *Emitter) Off(t Type, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[t]
	for i, l := range ls {
		if l.id == id {
			e.listeners[t] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all listeners registered for its type, in
// registration order. A panicking listener does not stop the others.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	ls := e.listeners[ev.Type]
	e.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(ev.Type)).
						Any("recover", r).
						Msg("panic in event listener")
				}
			}()
			l.fn(ev)
		}()
	}
}
