package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is the closed set of lifecycle and data events a Client emits.
type Event interface {
	isEvent()
}

// Connected is emitted once the handshake completes and buffered channel
// joins have been replayed.
type Connected struct {
	Kind Kind
}

// Disconnected is emitted when a connection or connection attempt ends.
// Local is true when Disconnect was called on this client.
type Disconnected struct {
	Reason string
	Local  bool
}

// Error reports a connect failure or a broken connection. It precedes the
// matching Disconnected.
type Error struct {
	Reason string
	Err    error
}

// Message is an inbound data event. Channel is the channel or event name
// the server published on.
type Message struct {
	Channel    string
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Error) isEvent()        {}
func (Message) isEvent()      {}

// Disconnect reasons.
const (
	ReasonLocal   = "local"
	ReasonTimeout = "timeout"
)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type handlerEntry[T Event] struct {
	id HandlerID
	fn func(T)
}

// handlers holds the typed callback lists of one client.
type handlers struct {
	mu           sync.RWMutex
	next         HandlerID
	connected    []handlerEntry[Connected]
	disconnected []handlerEntry[Disconnected]
	errors       []handlerEntry[Error]
	messages     []handlerEntry[Message]
}

func (h *handlers) nextID() HandlerID {
	h.next++
	return h.next
}

func (h *handlers) onConnected(fn func(Connected)) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID()
	h.connected = append(h.connected, handlerEntry[Connected]{id, fn})
	return id
}

func (h *handlers) onDisconnected(fn func(Disconnected)) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID()
	h.disconnected = append(h.disconnected, handlerEntry[Disconnected]{id, fn})
	return id
}

func (h *handlers) onError(fn func(Error)) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID()
	h.errors = append(h.errors, handlerEntry[Error]{id, fn})
	return id
}

func (h *handlers) onMessage(fn func(Message)) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID()
	h.messages = append(h.messages, handlerEntry[Message]{id, fn})
	return id
}

func (h *handlers) off(id HandlerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = without(h.connected, id)
	h.disconnected = without(h.disconnected, id)
	h.errors = without(h.errors, id)
	h.messages = without(h.messages, id)
}

func without[T Event](list []handlerEntry[T], id HandlerID) []handlerEntry[T] {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// dispatch invokes the handlers for ev in registration order. The list is
// copied first so handlers may register or remove handlers.
func (h *handlers) dispatch(ev Event) {
	h.mu.RLock()
	switch e := ev.(type) {
	case Connected:
		list := append([]handlerEntry[Connected](nil), h.connected...)
		h.mu.RUnlock()
		for _, entry := range list {
			entry.fn(e)
		}
	case Disconnected:
		list := append([]handlerEntry[Disconnected](nil), h.disconnected...)
		h.mu.RUnlock()
		for _, entry := range list {
			entry.fn(e)
		}
	case Error:
		list := append([]handlerEntry[Error](nil), h.errors...)
		h.mu.RUnlock()
		for _, entry := range list {
			entry.fn(e)
		}
	case Message:
		list := append([]handlerEntry[Message](nil), h.messages...)
		h.mu.RUnlock()
		for _, entry := range list {
			entry.fn(e)
		}
	default:
		h.mu.RUnlock()
	}
}
