package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// rawConn speaks JSON envelopes over a plain WebSocket.
type rawConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	lastSeen time.Time
}

func dialRaw(ctx context.Context, cfg Config) (conn, error) {
	header := http.Header{}
	for k, v := range cfg.Header {
		header[k] = v
	}
	header.Set("Accept", "application/json")

	// The handshake is bounded by ctx, which carries ConnectTimeout.
	var dialer websocket.Dialer
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}

	c := &rawConn{ws: ws, lastSeen: time.Now()}

	// Server sends ping, we respond with pong
	ws.SetPingHandler(func(data string) error {
		c.touch()
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	return c, nil
}

func (c *rawConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *rawConn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Read returns the next envelope as a Message. The session context is
// watched by the client, which closes the socket on cancellation.
func (c *rawConn) Read(ctx context.Context) (Message, error) {
	_, data, err := c.ws.ReadMessage()
	receivedAt := time.Now()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Message{}, fmt.Errorf("%w: %s", ErrServerClosed, ce.Text)
		}
		return Message{}, err
	}
	c.touch()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Not an envelope; surface it verbatim.
		return Message{Payload: json.RawMessage(data), ReceivedAt: receivedAt}, nil
	}

	channel := env.Channel
	if channel == "" {
		channel = env.Type
	}
	return Message{
		Channel:    channel,
		Type:       env.Type,
		Payload:    env.Payload,
		ReceivedAt: receivedAt,
	}, nil
}

func (c *rawConn) Join(ctx context.Context, channel string) error {
	return c.writeEnvelope(ctx, Envelope{Type: TypeJoin, Channel: channel})
}

func (c *rawConn) Leave(ctx context.Context, channel string) error {
	return c.writeEnvelope(ctx, Envelope{Type: TypeLeave, Channel: channel})
}

func (c *rawConn) Publish(ctx context.Context, eventType, channel string, payload json.RawMessage) error {
	return c.writeEnvelope(ctx, Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		Channel: channel,
		Payload: payload,
	})
}

func (c *rawConn) writeEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(deadline(ctx))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *rawConn) Ping(ctx context.Context) error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline(ctx))
}

func (c *rawConn) Close() error {
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(DefaultConfig().WriteTimeout)
}
