// Package dispatch maps event keys to handler sets.
//
// The same Table backs the client's event and lifecycle tables, the
// server-side connection's envelope and native tables and the server-wide
// handlers. It has no knowledge of the transport.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cch137/ws"
)

// Key identifies a handler set: either an event name or a pending-call id.
type Key struct {
	name string
	id   uint64
	call bool
}

// Name returns the key of a named event.
func Name(event string) Key {
	return Key{name: event}
}

// CallID returns the key of a pending call.
func CallID(id uint64) Key {
	return Key{id: id, call: true}
}

// IsCall reports whether k is a pending-call key.
func (k Key) IsCall() bool {
	return k.call
}

// ID returns the pending-call id of k, or 0 for named keys.
func (k Key) ID() uint64 {
	return k.id
}

func (k Key) String() string {
	if k.call {
		return fmt.Sprintf("#%d", k.id)
	}
	return k.name
}

type entry[M any] struct {
	id ws.HandlerID
	h  func(M)
}

// Table is a concurrency-safe table of handlers keyed by Key. M is the value
// handed to each handler.
type Table[M any] struct {
	mu       sync.Mutex
	next     ws.HandlerID
	handlers map[Key][]entry[M]
	logger   zerolog.Logger
}

// Dispatcher is the table of ws.Handler used for envelopes and lifecycle
// events.
type Dispatcher = Table[ws.Message]

// NewTable creates an empty Table. Handler panics are logged to logger.
func NewTable[M any](logger zerolog.Logger) *Table[M] {
	return &Table[M]{
		handlers: make(map[Key][]entry[M]),
		logger:   logger,
	}
}

// New creates an empty Dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return NewTable[ws.Message](logger)
}

// On registers h under key and returns its registration id.
func (d *Table[M]) On(key Key, h func(M)) ws.HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	d.handlers[key] = append(d.handlers[key], entry[M]{id: d.next, h: h})
	return d.next
}

// Once registers a one-shot handler under key. The registration removes
// itself before h runs, so h is invoked at most once even when several
// deliveries race, and never after a successful Remove of the returned id.
func (d *Table[M]) Once(key Key, h func(M)) ws.HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	id := d.next
	d.handlers[key] = append(d.handlers[key], entry[M]{id: id, h: func(msg M) {
		if d.Remove(key, id) {
			h(msg)
		}
	}})
	return id
}

// Invoke runs h outside the table with the same panic isolation as Call.
func (d *Table[M]) Invoke(key Key, h func(M), msg M) {
	d.invoke(key, entry[M]{h: h}, msg)
}

// Off removes the handler registered as id. The key is dropped once its set
// is empty.
func (d *Table[M]) Off(key Key, id ws.HandlerID) {
	d.Remove(key, id)
}

// Remove is Off reporting whether the registration was still present. Exactly
// one caller can observe true for a given registration.
func (d *Table[M]) Remove(key Key, id ws.HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, ok := d.handlers[key]
	if !ok {
		return false
	}
	for i, e := range entries {
		if e.id != id {
			continue
		}
		if len(entries) == 1 {
			delete(d.handlers, key)
		} else {
			rest := make([]entry[M], 0, len(entries)-1)
			rest = append(rest, entries[:i]...)
			d.handlers[key] = append(rest, entries[i+1:]...)
		}
		return true
	}
	return false
}

// Clear removes every handler registered under key.
func (d *Table[M]) Clear(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, key)
}

// Has reports whether any handler is registered under key.
func (d *Table[M]) Has(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[key]
	return ok
}

// Len returns the number of keys with at least one handler.
func (d *Table[M]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Call invokes every handler registered under key at the time of the call
// and returns how many were invoked. A panicking handler is logged and does
// not prevent the others from running.
func (d *Table[M]) Call(key Key, msg M) int {
	d.mu.Lock()
	entries := d.handlers[key]
	d.mu.Unlock()

	// entries is never mutated in place, so the snapshot is safe to range.
	for _, e := range entries {
		d.invoke(key, e, msg)
	}
	return len(entries)
}

func (d *Table[M]) invoke(key Key, e entry[M], msg M) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", key.String()).
				Uint64("handler", uint64(e.id)).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	e.h(msg)
}
