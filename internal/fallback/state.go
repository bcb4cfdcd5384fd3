package fallback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/transport"
)

// Errors
var (
	ErrAlreadyMounted     = errors.New("orchestrator already mounted")
	ErrNotMounted         = errors.New("orchestrator not mounted")
	ErrReconnectThrottled = errors.New("reconnect throttled")
)

// Phase is the orchestrator's position in the connection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProbing
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProbing:
		return "probing"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of one component's connection state.
type State struct {
	ComponentID string
	Phase       Phase

	Connected  bool
	Connecting bool
	Transport  transport.Kind // KindNone unless Connected

	// UsingFallback and PollingActive are always equal: polling drives
	// updates exactly when a loop is registered for the component.
	UsingFallback bool
	PollingActive bool

	LastError        string
	LastProbeAt      time.Time
	LastProbeHealthy bool
	ConnectedAt      time.Time
	Reconnects       int
}

// NewComponentID returns feature suffixed with a short random id, so two
// mounted instances of one feature never share a polling registration.
func NewComponentID(feature string) string {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		feature = "component"
	}
	return feature + "-" + uuid.NewString()[:8]
}
