package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind identifies a push transport implementation.
type Kind int

const (
	KindNone Kind = iota
	KindRawPush
	KindMultiplexed
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRawPush:
		return "raw"
	case KindMultiplexed:
		return "multiplexed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a kind name. Accepted aliases: "ws"/"websocket" for raw
// and "socketio"/"socket.io" for multiplexed.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "ws", "websocket":
		return KindRawPush, nil
	case "multiplexed", "socketio", "socket.io":
		return KindMultiplexed, nil
	case "none", "":
		return KindNone, nil
	default:
		return KindNone, fmt.Errorf("unknown transport kind %q", s)
	}
}

// Default handshake paths under the server base URL.
const (
	RawPath         = "/ws"
	MultiplexedPath = "/socket.io/"
)

// Endpoint derives the WebSocket endpoint for kind from an http(s) or
// ws(s) base URL.
func Endpoint(kind Kind, base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	path := strings.TrimRight(u.Path, "/")
	switch kind {
	case KindRawPush:
		u.Path = path + RawPath
	case KindMultiplexed:
		u.Path = path + MultiplexedPath
		q := u.Query()
		q.Set("EIO", "4")
		q.Set("transport", "websocket")
		u.RawQuery = q.Encode()
	default:
		return "", fmt.Errorf("no endpoint for transport kind %s", kind)
	}

	return u.String(), nil
}
