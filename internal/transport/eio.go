package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

// Fixed frames.
const (
	framePong       = "3"
	frameConnect    = "40"
	frameDisconnect = "41"
)

var errMalformedPacket = errors.New("malformed packet")

// eioHandshake is the JSON body of the Engine.IO open packet.
type eioHandshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"` // milliseconds
	PingTimeout  int64    `json:"pingTimeout"`  // milliseconds
	MaxPayload   int64    `json:"maxPayload"`
}

// liveness is how long the server may stay silent before the connection is
// stale: one ping interval plus the ping timeout.
func (h eioHandshake) liveness() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

func parseHandshake(frame string) (eioHandshake, error) {
	var h eioHandshake
	if len(frame) < 2 || frame[0] != eioOpen {
		return h, fmt.Errorf("%w: expected open packet, got %q", errMalformedPacket, truncate(frame))
	}
	if err := json.Unmarshal([]byte(frame[1:]), &h); err != nil {
		return h, fmt.Errorf("decode open packet: %w", err)
	}
	return h, nil
}

// sioPacket is a decoded Socket.IO packet.
type sioPacket struct {
	Type      byte
	Namespace string
	AckID     int // -1 when absent
	Data      json.RawMessage
}

// parseSocketPacket decodes the Socket.IO part of an Engine.IO message,
// i.e. the frame without its leading '4'.
func parseSocketPacket(s string) (sioPacket, error) {
	p := sioPacket{Namespace: "/", AckID: -1}
	if s == "" {
		return p, fmt.Errorf("%w: empty socket packet", errMalformedPacket)
	}

	p.Type = s[0]
	if p.Type < sioConnect || p.Type > '6' {
		return p, fmt.Errorf("%w: unknown socket packet type %q", errMalformedPacket, p.Type)
	}
	rest := s[1:]

	// Binary packets carry an attachment count terminated by '-'.
	if p.Type == '5' || p.Type == '6' {
		i := strings.IndexByte(rest, '-')
		if i < 0 {
			return p, fmt.Errorf("%w: binary packet without attachment count", errMalformedPacket)
		}
		rest = rest[i+1:]
	}

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:i]
		rest = rest[i+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(rest[:i])
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", errMalformedPacket, err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("%w: invalid json payload", errMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEvent splits an event payload ["name", args...] into the name and
// its payload. A single argument is returned as is, several are returned as
// a JSON array.
func decodeEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("decode event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", errMalformedPacket)
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}

	switch len(parts) {
	case 1:
		return name, nil, nil
	case 2:
		return name, parts[1], nil
	default:
		args, err := json.Marshal(parts[1:])
		if err != nil {
			return "", nil, err
		}
		return name, args, nil
	}
}

// encodeEvent builds a 42["name",args...] frame for the default namespace.
func encodeEvent(name string, args ...any) (string, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)

	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", name, err)
	}
	return string([]byte{eioMessage, sioEvent}) + string(data), nil
}

// roomPayload wraps a payload published to a specific room.
type roomPayload struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

// connectError is the body of a 44 packet.
type connectError struct {
	Message string `json:"message"`
}

func truncate(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
