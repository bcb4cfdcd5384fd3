package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrEmptyChannel    = errors.New("channel name is empty")
	ErrServerClosed    = errors.New("server closed the connection")
)

// ConnectError wraps a handshake failure reported by the wire layer.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Envelope is the raw push wire format. Join and leave requests use the
// "join"/"leave" types with Channel set.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Control envelope types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
)

// Config configures a Client.
type Config struct {
	URL            string        // Full WebSocket endpoint (see Endpoint)
	Header         http.Header   // Extra handshake headers
	ConnectTimeout time.Duration // Handshake deadline before ErrConnectTimeout
	PingInterval   time.Duration // Keepalive period
	PingTimeout    time.Duration // Max silence before the connection is stale
	WriteTimeout   time.Duration // Write deadline for sends
	ReadLimit      int64         // Max inbound frame size in bytes (0 = library default)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}
