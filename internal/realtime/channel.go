// Package realtime – channel handle
//
// A Channel is the caller-facing handle for one subscription. Callers bind
// handlers per event name; the connection's read pump dispatches validated
// envelopes to them. Handlers run on the read-pump goroutine, so they must
// not block; the consuming packages hand work off to their own state.
package realtime

import (
	"sync"

	"github.com/manoslocales/fieldclient/internal/domain"
)

// Handler consumes one validated envelope.
type Handler func(domain.Envelope)

// Channel is one subscribed realtime channel.
type Channel struct {
	// Name is the logical channel name, e.g. "chat.7" or "workers".
	// Private channels carry the wire prefix only on the socket, never here.
	Name string

	private bool

	mu       sync.Mutex
	bindings map[string][]Handler
}

func newChannel(name string, private bool) *Channel {
	return &Channel{
		Name:     name,
		private:  private,
		bindings: make(map[string][]Handler),
	}
}

// Bind registers a handler for an event name. Binding the empty string
// receives every event on the channel, typing whispers included.
func (ch *Channel) Bind(event string, fn Handler) *Channel {
	if fn == nil {
		return ch
	}
	ch.mu.Lock()
	ch.bindings[event] = append(ch.bindings[event], fn)
	ch.mu.Unlock()
	return ch
}

// dispatch fans an envelope out to the event's handlers and any wildcard
// handlers. Handler slices are copied under the lock so a handler may bind
// further handlers without deadlocking.
func (ch *Channel) dispatch(env domain.Envelope) {
	ch.mu.Lock()
	handlers := make([]Handler, 0, len(ch.bindings[env.Event])+len(ch.bindings[""]))
	handlers = append(handlers, ch.bindings[env.Event]...)
	handlers = append(handlers, ch.bindings[""]...)
	ch.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// wireName returns the channel name as it appears on the socket.
func (ch *Channel) wireName() string {
	if ch.private {
		return "private-" + ch.Name
	}
	return ch.Name
}

// logicalName strips the private prefix from a wire channel name.
func logicalName(wire string) string {
	const prefix = "private-"
	if len(wire) > len(prefix) && wire[:len(prefix)] == prefix {
		return wire[len(prefix):]
	}
	return wire
}
