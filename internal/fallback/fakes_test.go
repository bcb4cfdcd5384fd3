package fallback

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/livesync/internal/transport"
)

// fakeClient is a transport.Client driven by the test. Events are emitted
// synchronously on the calling goroutine.
type fakeClient struct {
	kind transport.Kind

	mu          sync.Mutex
	state       string // idle, connecting, connected
	channels    map[string]bool
	joinsSent   map[string]int
	connects    int
	disconnects int
	sent        []sentMessage
	connectErr  error

	nextID       transport.HandlerID
	connected    map[transport.HandlerID]func(transport.Connected)
	disconnected map[transport.HandlerID]func(transport.Disconnected)
	errs         map[transport.HandlerID]func(transport.Error)
	messages     map[transport.HandlerID]func(transport.Message)
}

type sentMessage struct {
	Type    string
	Payload any
	Channel string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		kind:         transport.KindRawPush,
		state:        "idle",
		channels:     make(map[string]bool),
		joinsSent:    make(map[string]int),
		connected:    make(map[transport.HandlerID]func(transport.Connected)),
		disconnected: make(map[transport.HandlerID]func(transport.Disconnected)),
		errs:         make(map[transport.HandlerID]func(transport.Error)),
		messages:     make(map[transport.HandlerID]func(transport.Message)),
	}
}

func (c *fakeClient) Kind() transport.Kind { return c.kind }

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	if c.state != "idle" {
		return nil
	}
	c.state = "connecting"
	c.connects++
	return nil
}

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	c.channels = make(map[string]bool)
	if c.state == "idle" {
		c.mu.Unlock()
		return nil
	}
	c.state = "idle"
	c.disconnects++
	handlers := c.disconnectedHandlers()
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(transport.Disconnected{Reason: transport.ReasonLocal, Local: true})
	}
	return nil
}

func (c *fakeClient) JoinChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[name] {
		return nil
	}
	c.channels[name] = true
	if c.state == "connected" {
		c.joinsSent[name]++
	}
	return nil
}

func (c *fakeClient) LeaveChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
	return nil
}

func (c *fakeClient) Send(eventType string, payload any, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != "connected" {
		return transport.ErrNotConnected
	}
	c.sent = append(c.sent, sentMessage{eventType, payload, channel})
	return nil
}

func (c *fakeClient) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name := range c.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == "connected"
}

func (c *fakeClient) OnConnected(fn func(transport.Connected)) transport.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.connected[c.nextID] = fn
	return c.nextID
}

func (c *fakeClient) OnDisconnected(fn func(transport.Disconnected)) transport.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.disconnected[c.nextID] = fn
	return c.nextID
}

func (c *fakeClient) OnError(fn func(transport.Error)) transport.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.errs[c.nextID] = fn
	return c.nextID
}

func (c *fakeClient) OnMessage(fn func(transport.Message)) transport.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.messages[c.nextID] = fn
	return c.nextID
}

func (c *fakeClient) Off(id transport.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connected, id)
	delete(c.disconnected, id)
	delete(c.errs, id)
	delete(c.messages, id)
}

func (c *fakeClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connected) + len(c.disconnected) + len(c.errs) + len(c.messages)
}

func (c *fakeClient) disconnectedHandlers() []func(transport.Disconnected) {
	var out []func(transport.Disconnected)
	for _, fn := range c.disconnected {
		out = append(out, fn)
	}
	return out
}

// emitConnected completes the handshake, replaying the subscription set
// first like the real client.
func (c *fakeClient) emitConnected() {
	c.mu.Lock()
	c.state = "connected"
	for name := range c.channels {
		c.joinsSent[name]++
	}
	var handlers []func(transport.Connected)
	for _, fn := range c.connected {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(transport.Connected{Kind: c.kind})
	}
}

// emitDrop reports a remote failure: Error then Disconnected.
func (c *fakeClient) emitDrop(reason string) {
	c.mu.Lock()
	c.state = "idle"
	var errHandlers []func(transport.Error)
	for _, fn := range c.errs {
		errHandlers = append(errHandlers, fn)
	}
	discHandlers := c.disconnectedHandlers()
	c.mu.Unlock()

	for _, fn := range errHandlers {
		fn(transport.Error{Reason: reason})
	}
	for _, fn := range discHandlers {
		fn(transport.Disconnected{Reason: reason})
	}
}

func (c *fakeClient) emitMessage(msg transport.Message) {
	c.mu.Lock()
	var handlers []func(transport.Message)
	for _, fn := range c.messages {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (c *fakeClient) stats() (connects, disconnects int, joins map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	joins = make(map[string]int, len(c.joinsSent))
	for k, v := range c.joinsSent {
		joins[k] = v
	}
	return c.connects, c.disconnects, joins
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// fakeProber answers with a switchable result.
type fakeProber struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (p *fakeProber) Probe(context.Context, string) bool {
	p.calls.Add(1)
	return p.healthy.Load()
}

// fakeNotifier records Notify calls.
type fakeNotifier struct {
	calls atomic.Int32
}

func (n *fakeNotifier) Notify(context.Context, string, string, any, string) error {
	n.calls.Add(1)
	return nil
}
