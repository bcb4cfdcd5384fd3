package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// multiplexedConn speaks Engine.IO v4 / Socket.IO v5 on the default
// namespace over a single WebSocket.
type multiplexedConn struct {
	ws        *websocket.Conn
	handshake eioHandshake

	mu       sync.RWMutex
	lastSeen time.Time
}

func dialMultiplexed(ctx context.Context, cfg Config) (conn, error) {
	ws, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: cfg.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}

	c := &multiplexedConn{ws: ws, lastSeen: time.Now()}
	if err := c.handshakeSession(ctx); err != nil {
		ws.CloseNow()
		return nil, err
	}
	return c, nil
}

// handshakeSession reads the open packet, connects the default namespace and
// waits for the server to acknowledge it.
func (c *multiplexedConn) handshakeSession(ctx context.Context) error {
	frame, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	h, err := parseHandshake(frame)
	if err != nil {
		return err
	}
	c.handshake = h

	if err := c.writeFrame(ctx, frameConnect); err != nil {
		return fmt.Errorf("connect namespace: %w", err)
	}

	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return fmt.Errorf("await namespace ack: %w", err)
		}
		if frame == "" {
			continue
		}

		switch frame[0] {
		case eioPing:
			if err := c.writeFrame(ctx, framePong); err != nil {
				return err
			}
		case eioClose:
			return ErrServerClosed
		case eioMessage:
			p, err := parseSocketPacket(frame[1:])
			if err != nil {
				return err
			}
			switch p.Type {
			case sioConnect:
				return nil
			case sioConnectError:
				var ce connectError
				if len(p.Data) > 0 {
					json.Unmarshal(p.Data, &ce)
				}
				return fmt.Errorf("namespace connect rejected: %s", ce.Message)
			}
		}
	}
}

func (c *multiplexedConn) readFrame(ctx context.Context) (string, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return "", fmt.Errorf("%w: %v", ErrServerClosed, err)
		}
		return "", err
	}
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	if typ != websocket.MessageText {
		// Binary attachments are not used by this client.
		return "", nil
	}
	return string(data), nil
}

func (c *multiplexedConn) writeFrame(ctx context.Context, frame string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(frame))
}

// Read returns the next event. Pings are answered inline.
func (c *multiplexedConn) Read(ctx context.Context) (Message, error) {
	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return Message{}, err
		}
		receivedAt := time.Now()
		if frame == "" {
			continue
		}

		switch frame[0] {
		case eioPing:
			if err := c.writeFrame(ctx, framePong); err != nil {
				return Message{}, fmt.Errorf("send pong: %w", err)
			}
		case eioClose:
			return Message{}, ErrServerClosed
		case eioMessage:
			p, err := parseSocketPacket(frame[1:])
			if err != nil {
				return Message{}, err
			}
			if p.Namespace != "/" {
				continue
			}

			switch p.Type {
			case sioEvent:
				name, payload, err := decodeEvent(p.Data)
				if err != nil {
					return Message{}, err
				}
				return Message{
					Channel:    name,
					Type:       name,
					Payload:    payload,
					ReceivedAt: receivedAt,
				}, nil
			case sioDisconnect:
				return Message{}, ErrServerClosed
			case sioConnectError:
				return Message{}, errors.New("namespace connect error")
			}
		}
	}
}

func (c *multiplexedConn) Join(ctx context.Context, channel string) error {
	return c.emit(ctx, TypeJoin, channel)
}

func (c *multiplexedConn) Leave(ctx context.Context, channel string) error {
	return c.emit(ctx, TypeLeave, channel)
}

func (c *multiplexedConn) Publish(ctx context.Context, eventType, channel string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if channel == "" {
		return c.emit(ctx, eventType, payload)
	}
	return c.emit(ctx, eventType, roomPayload{Room: channel, Data: payload})
}

func (c *multiplexedConn) emit(ctx context.Context, name string, args ...any) error {
	frame, err := encodeEvent(name, args...)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, frame)
}

// Ping is a no-op: in Engine.IO v4 the server pings and the client answers.
func (c *multiplexedConn) Ping(context.Context) error { return nil }

func (c *multiplexedConn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *multiplexedConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	c.writeFrame(ctx, frameDisconnect)
	cancel()
	return c.ws.CloseNow()
}
