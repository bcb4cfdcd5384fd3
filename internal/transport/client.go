package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Client represents a single push connection to the server.
type Client interface {
	// Kind reports which wire implementation this client speaks.
	Kind() Kind

	// Connect starts the handshake in the background. It is a no-op while
	// connected or connecting. The outcome arrives as Connected, or as
	// Error followed by Disconnected. Cancelling ctx ends the session.
	Connect(ctx context.Context) error

	// Disconnect closes the connection, leaves every channel and emits
	// Disconnected{Reason: "local", Local: true}. Idempotent.
	Disconnect() error

	// JoinChannel adds name to the subscription set, sending the join
	// immediately when connected.
	JoinChannel(name string) error

	// LeaveChannel removes name from the subscription set.
	LeaveChannel(name string) error

	// Send publishes an event. Returns ErrNotConnected when down; nothing
	// is queued.
	Send(eventType string, payload any, channel string) error

	// Channels returns the subscription set, sorted.
	Channels() []string

	// IsConnected returns current connection state.
	IsConnected() bool

	OnConnected(fn func(Connected)) HandlerID
	OnDisconnected(fn func(Disconnected)) HandlerID
	OnError(fn func(Error)) HandlerID
	OnMessage(fn func(Message)) HandlerID

	// Off removes a handler registered with one of the On methods.
	Off(id HandlerID)
}

// conn is one established wire session.
type conn interface {
	// Read blocks for the next data message. Control frames are handled
	// internally.
	Read(ctx context.Context) (Message, error)
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
	Publish(ctx context.Context, eventType, channel string, payload json.RawMessage) error
	Ping(ctx context.Context) error
	LastSeen() time.Time
	Close() error
}

type dialFunc func(ctx context.Context, cfg Config) (conn, error)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
)

// client implements the Client interface on top of a dialFunc.
type client struct {
	kind   Kind
	cfg    Config
	dial   dialFunc
	logger *slog.Logger

	handlers handlers

	mu       sync.Mutex
	state    connState
	attempt  uint64 // bumped on every terminal transition; stale sessions compare against it
	conn     conn
	cancel   context.CancelFunc
	channels map[string]struct{}

	// Events are queued under mu together with the state change that
	// produced them, then delivered by whichever goroutine holds the
	// dispatching flag. This keeps delivery ordered and lets handlers call
	// back into the client.
	outbox      []Event
	dispatching bool
}

// New creates a client for kind.
func New(kind Kind, cfg Config, logger *slog.Logger) (Client, error) {
	switch kind {
	case KindRawPush:
		return newClient(kind, cfg, dialRaw, logger), nil
	case KindMultiplexed:
		return newClient(kind, cfg, dialMultiplexed, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %s", kind)
	}
}

func newClient(kind Kind, cfg Config, dial dialFunc, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &client{
		kind:     kind,
		cfg:      cfg,
		dial:     dial,
		logger:   logger.With("transport", kind.String()),
		channels: make(map[string]struct{}),
	}
}

func (c *client) Kind() Kind { return c.kind }

// Connect starts a connection attempt.
func (c *client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("transport url is required")
	}

	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.attempt++
	attempt := c.attempt
	session, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Debug("connecting", "url", c.cfg.URL)

	go c.run(session, attempt)
	return nil
}

// Disconnect closes the connection and clears the subscription set. The
// state changes under the lock; leaves and the close happen outside it.
func (c *client) Disconnect() error {
	c.mu.Lock()

	cn := c.conn
	var leave []string
	if cn != nil && c.state == stateConnected {
		leave = c.sortedChannelsLocked()
	}
	clear(c.channels)

	if c.state == stateIdle {
		c.mu.Unlock()
		return nil
	}

	c.attempt++
	c.state = stateIdle
	c.conn = nil
	cancelSession := c.cancel
	c.cancel = nil
	c.outbox = append(c.outbox, Disconnected{Reason: ReasonLocal, Local: true})
	c.mu.Unlock()

	if len(leave) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		for _, name := range leave {
			if err := cn.Leave(ctx, name); err != nil {
				c.logger.Debug("leave on disconnect failed", "channel", name, "error", err)
				break
			}
		}
		cancel()
	}
	if cancelSession != nil {
		cancelSession()
	}
	if cn != nil {
		if err := cn.Close(); err != nil {
			c.logger.Debug("close failed", "error", err)
		}
	}

	c.logger.Debug("disconnected", "reason", ReasonLocal)
	c.flush()
	return nil
}

// JoinChannel adds a channel to the subscription set.
func (c *client) JoinChannel(name string) error {
	if name == "" {
		return ErrEmptyChannel
	}

	c.mu.Lock()
	if _, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return nil
	}
	c.channels[name] = struct{}{}
	cn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected || cn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	// The channel stays in the set on failure so the next connect replays it.
	if err := cn.Join(ctx, name); err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	return nil
}

// LeaveChannel removes a channel from the subscription set.
func (c *client) LeaveChannel(name string) error {
	if name == "" {
		return ErrEmptyChannel
	}

	c.mu.Lock()
	if _, ok := c.channels[name]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, name)
	cn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected || cn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	if err := cn.Leave(ctx, name); err != nil {
		return fmt.Errorf("leave %s: %w", name, err)
	}
	return nil
}

// Send publishes an event over the connection.
func (c *client) Send(eventType string, payload any, channel string) error {
	c.mu.Lock()
	cn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected || cn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	return cn.Publish(ctx, eventType, channel, raw)
}

// Channels returns the current subscription set.
func (c *client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedChannelsLocked()
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *client) OnConnected(fn func(Connected)) HandlerID {
	return c.handlers.onConnected(fn)
}

func (c *client) OnDisconnected(fn func(Disconnected)) HandlerID {
	return c.handlers.onDisconnected(fn)
}

func (c *client) OnError(fn func(Error)) HandlerID {
	return c.handlers.onError(fn)
}

func (c *client) OnMessage(fn func(Message)) HandlerID {
	return c.handlers.onMessage(fn)
}

func (c *client) Off(id HandlerID) {
	c.handlers.off(id)
}

// run dials, replays the subscription set and reads until the session ends.
func (c *client) run(ctx context.Context, attempt uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	cn, err := c.dial(dialCtx, c.cfg)
	deadline, _ := dialCtx.Deadline()
	// Socket deadlines derived from ctx may fire just before ctx itself.
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded) || !time.Now().Before(deadline)
	cancel()

	if err != nil {
		if timedOut && ctx.Err() == nil {
			c.fail(attempt, nil, ReasonTimeout, ErrConnectTimeout)
		} else {
			c.fail(attempt, nil, err.Error(), &ConnectError{URL: c.cfg.URL, Err: err})
		}
		return
	}

	// Replay the subscription set without holding the lock. Joins and
	// leaves made meanwhile only touch the set, so repeat until the server
	// matches it.
	sent := make(map[string]struct{})
	var channels int
	for {
		c.mu.Lock()
		if c.attempt != attempt || c.state != stateConnecting {
			c.mu.Unlock()
			cn.Close()
			return
		}
		joins, leaves := c.replayDiffLocked(sent)
		if len(joins) == 0 && len(leaves) == 0 {
			c.conn = cn
			c.state = stateConnected
			c.outbox = append(c.outbox, Connected{Kind: c.kind})
			channels = len(c.channels)
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		if err := c.replay(cn, joins, leaves, sent); err != nil {
			c.fail(attempt, cn, "join replay failed", err)
			return
		}
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "channels", channels)
	c.flush()

	go c.keepalive(ctx, attempt, cn)
	c.readLoop(ctx, attempt, cn)
}

// replayDiffLocked returns the channels still to join and those joined
// earlier in this replay that have since been left. Caller holds c.mu.
func (c *client) replayDiffLocked(sent map[string]struct{}) (joins, leaves []string) {
	for _, name := range c.sortedChannelsLocked() {
		if _, ok := sent[name]; !ok {
			joins = append(joins, name)
		}
	}
	for name := range sent {
		if _, ok := c.channels[name]; !ok {
			leaves = append(leaves, name)
		}
	}
	sort.Strings(leaves)
	return joins, leaves
}

// replay sends joins and leaves on a session that is not yet published,
// recording the result in sent.
func (c *client) replay(cn conn, joins, leaves []string, sent map[string]struct{}) error {
	for _, name := range joins {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		err := cn.Join(ctx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
		sent[name] = struct{}{}
	}
	for _, name := range leaves {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		err := cn.Leave(ctx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("leave %s: %w", name, err)
		}
		delete(sent, name)
	}
	return nil
}

// readLoop forwards inbound messages until the connection breaks.
func (c *client) readLoop(ctx context.Context, attempt uint64, cn conn) {
	for {
		msg, err := cn.Read(ctx)
		if err != nil {
			c.fail(attempt, cn, err.Error(), err)
			return
		}

		c.mu.Lock()
		if c.attempt != attempt {
			c.mu.Unlock()
			return
		}
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		c.flush()
	}
}

// keepalive pings periodically and fails the session when the peer goes
// quiet for longer than PingTimeout.
func (c *client) keepalive(ctx context.Context, attempt uint64, cn conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cn.Close()
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			if err := cn.Ping(pingCtx); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			cancel()

			if lastSeen := cn.LastSeen(); time.Since(lastSeen) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_seen", lastSeen,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(attempt, cn, ErrStaleConnection.Error(), ErrStaleConnection)
				return
			}
		}
	}
}

// fail ends the current attempt with Error then Disconnected. Calls from a
// superseded attempt only close their connection.
func (c *client) fail(attempt uint64, cn conn, reason string, err error) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		if cn != nil {
			cn.Close()
		}
		return
	}

	wasConnected := c.state == stateConnected
	c.attempt++
	c.state = stateIdle
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.outbox = append(c.outbox, Error{Reason: reason, Err: err}, Disconnected{Reason: reason})
	c.mu.Unlock()

	if cn != nil {
		cn.Close()
	}

	if wasConnected {
		c.logger.Warn("connection lost", "reason", reason)
	} else {
		c.logger.Warn("connection attempt failed", "reason", reason)
	}
	c.flush()
}

// flush delivers queued events unless another goroutine already is.
func (c *client) flush() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true

	for len(c.outbox) > 0 {
		ev := c.outbox[0]
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		c.handlers.dispatch(ev)

		c.mu.Lock()
	}

	c.dispatching = false
	c.mu.Unlock()
}

func (c *client) sortedChannelsLocked() []string {
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
