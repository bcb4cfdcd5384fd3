package polling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by StartPolling after Close.
var ErrClosed = errors.New("polling manager closed")

// Priority selects a row of the default interval table. The zero value is
// PriorityMedium.
type Priority int

const (
	PriorityMedium Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "high", "medium" or "low". Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// ActivityLevel is a caller's hint about how fresh its data needs to be.
type ActivityLevel int

const (
	ActivityUnset ActivityLevel = iota
	ActivityIdle
	ActivityActive
	ActivityCritical
)

func (a ActivityLevel) String() string {
	switch a {
	case ActivityUnset:
		return "unset"
	case ActivityIdle:
		return "idle"
	case ActivityActive:
		return "active"
	case ActivityCritical:
		return "critical"
	default:
		return fmt.Sprintf("activity(%d)", int(a))
	}
}

// ParseActivity parses "idle", "active" or "critical".
func ParseActivity(s string) (ActivityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return ActivityIdle, nil
	case "active":
		return ActivityActive, nil
	case "critical":
		return ActivityCritical, nil
	default:
		return ActivityUnset, fmt.Errorf("unknown activity level %q", s)
	}
}

// Callback refreshes a component's data. Its context is bounded by the
// current interval and cancelled on Close.
type Callback func(ctx context.Context) error

// Config describes one polling loop. Zero fields are filled from the
// defaults for Priority.
type Config struct {
	Priority        Priority
	Interval        time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	AdaptiveScaling *bool // nil means true
}

// Bounds is one row of the default table.
type Bounds struct {
	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultTable returns the priority-keyed defaults.
func DefaultTable() map[Priority]Bounds {
	return map[Priority]Bounds{
		PriorityHigh:   {Interval: 5 * time.Second, MinInterval: 2 * time.Second, MaxInterval: 15 * time.Second},
		PriorityMedium: {Interval: 15 * time.Second, MinInterval: 5 * time.Second, MaxInterval: 30 * time.Second},
		PriorityLow:    {Interval: 20 * time.Second, MinInterval: 10 * time.Second, MaxInterval: 60 * time.Second},
	}
}

// Status is a diagnostic snapshot of one registration.
type Status struct {
	Interval     time.Duration
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
	Active       bool
	Priority     Priority
	Activity     ActivityLevel
	Adaptive     bool
	Ticks        uint64
	Failures     uint64
	LastTick     time.Time
	LastError    string
}

// CallbackError describes a failed tick. Panic is set when the callback
// panicked rather than returning an error.
type CallbackError struct {
	ComponentID string
	Err         error
	Panic       any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("polling %s: callback panicked: %v", e.ComponentID, e.Panic)
	}
	return fmt.Sprintf("polling %s: %v", e.ComponentID, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Bool returns a pointer to b, for Config.AdaptiveScaling.
func Bool(b bool) *bool { return &b }
