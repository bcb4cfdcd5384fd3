package polling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/livesync/internal/clock"
	"github.com/rickgao/livesync/internal/metrics"
)

// churnThreshold is the minimum relative change before a recomputed interval
// is applied.
const churnThreshold = 0.2

// Manager runs independently scheduled polling loops keyed by component id.
type Manager struct {
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	defaults map[Priority]Bounds

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	regs      map[string]*registration
	connected bool            // app-wide push status, see SetWebSocketStatus
	pushed    map[string]bool // per-component push status
	closed    bool
}

type registration struct {
	id       string
	callback Callback
	cfg      Config // resolved, every field set
	adaptive bool

	interval time.Duration
	activity ActivityLevel
	timer    *clock.Timer
	gen      uint64 // bumped on every re-arm; a firing timer with an old gen is stale

	ticks     uint64
	failures  uint64
	lastTick  time.Time
	lastError string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records ticks and intervals.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithDefaults overrides rows of the default table.
func WithDefaults(table map[Priority]Bounds) Option {
	return func(m *Manager) {
		for p, b := range table {
			m.defaults[p] = b
		}
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		clock:    clock.Real(),
		logger:   slog.Default(),
		defaults: DefaultTable(),
		ctx:      ctx,
		cancel:   cancel,
		regs:     make(map[string]*registration),
		pushed:   make(map[string]bool),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Resolve merges cfg over the defaults for its priority.
func (m *Manager) Resolve(cfg Config) Config {
	d, ok := m.defaults[cfg.Priority]
	if !ok {
		d = m.defaults[PriorityMedium]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = min(d.MinInterval, cfg.Interval)
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = max(d.MaxInterval, cfg.Interval)
	}
	if cfg.MinInterval > cfg.MaxInterval {
		cfg.MinInterval, cfg.MaxInterval = cfg.MaxInterval, cfg.MinInterval
	}
	cfg.Interval = clamp(cfg.Interval, cfg.MinInterval, cfg.MaxInterval)
	if cfg.AdaptiveScaling == nil {
		cfg.AdaptiveScaling = Bool(true)
	}
	return cfg
}

// StartPolling registers callback under id and arms its timer. An existing
// registration for id is cancelled first.
func (m *Manager) StartPolling(id string, callback Callback, cfg Config) error {
	if id == "" {
		return fmt.Errorf("component id is required")
	}
	if callback == nil {
		return fmt.Errorf("callback is required for %s", id)
	}

	cfg = m.Resolve(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	var prev *registration
	if old, ok := m.regs[id]; ok {
		old.timer.Stop()
		old.gen++
		prev = old
	}

	reg := &registration{
		id:       id,
		callback: callback,
		cfg:      cfg,
		adaptive: *cfg.AdaptiveScaling,
		interval: cfg.Interval,
	}
	if prev != nil {
		reg.ticks, reg.failures = prev.ticks, prev.failures
	}
	m.regs[id] = reg

	if reg.adaptive && m.connectedLocked(id) {
		reg.interval = reg.target(true)
	}
	m.armLocked(reg)

	m.metrics.PollRegistered(id, reg.interval)
	m.metrics.SetActivePolls(len(m.regs))

	m.logger.Debug("polling started",
		"component", id,
		"interval", reg.interval,
		"priority", cfg.Priority,
		"replaced", prev != nil,
	)
	return nil
}

// StopPolling cancels and removes the registration for id. No-op when absent.
func (m *Manager) StopPolling(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return
	}
	reg.timer.Stop()
	reg.gen++
	delete(m.regs, id)

	m.metrics.PollRemoved(id)
	m.metrics.SetActivePolls(len(m.regs))

	m.logger.Debug("polling stopped", "component", id, "ticks", reg.ticks)
}

// IsPolling reports whether id has a registration.
func (m *Manager) IsPolling(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.regs[id]
	return ok
}

// AdjustPollingInterval records level for id and recomputes its interval.
// It returns the interval in effect afterwards and false when id is not
// registered.
func (m *Manager) AdjustPollingInterval(id string, level ActivityLevel) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return 0, false
	}
	reg.activity = level
	m.applyLocked(reg, reg.target(m.connectedLocked(id)))
	return reg.interval, true
}

// SetWebSocketStatus sets the app-wide push status, for deployments where
// every component shares one connection, and re-evaluates every adaptive
// registration.
func (m *Manager) SetWebSocketStatus(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = connected
	for id, reg := range m.regs {
		if reg.adaptive {
			m.applyLocked(reg, reg.target(m.connectedLocked(id)))
		}
	}
}

// SetComponentConnected records the push status of one component and
// re-evaluates only that component's registration. Other components are
// unaffected. Clearing the status forgets id.
func (m *Manager) SetComponentConnected(id string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connected {
		m.pushed[id] = true
	} else {
		delete(m.pushed, id)
	}
	if reg, ok := m.regs[id]; ok && reg.adaptive {
		m.applyLocked(reg, reg.target(m.connectedLocked(id)))
	}
}

// IsConnected reports the push status used for id's interval.
func (m *Manager) IsConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked(id)
}

func (m *Manager) connectedLocked(id string) bool {
	return m.connected || m.pushed[id]
}

// GetPollingStatus returns a snapshot of every registration.
func (m *Manager) GetPollingStatus() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.regs))
	for id, reg := range m.regs {
		out[id] = Status{
			Interval:     reg.interval,
			BaseInterval: reg.cfg.Interval,
			MinInterval:  reg.cfg.MinInterval,
			MaxInterval:  reg.cfg.MaxInterval,
			Active:       true,
			Priority:     reg.cfg.Priority,
			Activity:     reg.activity,
			Adaptive:     reg.adaptive,
			Ticks:        reg.ticks,
			Failures:     reg.failures,
			LastTick:     reg.lastTick,
			LastError:    reg.lastError,
		}
	}
	return out
}

// IDs returns the registered component ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.regs))
	for id := range m.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every loop and waits for running callbacks to return, or for
// ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, reg := range m.regs {
		reg.timer.Stop()
		reg.gen++
		m.metrics.PollRemoved(id)
	}
	clear(m.regs)
	m.metrics.SetActivePolls(0)
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Debug("polling manager closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// target computes the interval reg should run at.
func (r *registration) target(connected bool) time.Duration {
	base := r.cfg.Interval
	var next time.Duration

	switch {
	case connected:
		next = min(r.cfg.MaxInterval, base*2)
	case r.activity == ActivityCritical:
		next = r.cfg.MinInterval
	case r.activity == ActivityActive:
		next = max(r.cfg.MinInterval, base/2)
	case r.activity == ActivityIdle:
		next = r.cfg.MaxInterval
	default:
		next = base
	}

	return clamp(next, r.cfg.MinInterval, r.cfg.MaxInterval)
}

// applyLocked switches reg to next when it differs enough from the current
// interval.
func (m *Manager) applyLocked(reg *registration, next time.Duration) bool {
	cur := reg.interval
	diff := next - cur
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) <= float64(cur)*churnThreshold {
		return false
	}

	reg.interval = next
	reg.timer.Stop()
	m.armLocked(reg)
	m.metrics.PollRegistered(reg.id, next)

	m.logger.Debug("polling interval adjusted",
		"component", reg.id,
		"from", cur,
		"to", next,
		"activity", reg.activity,
		"connected", m.connectedLocked(reg.id),
	)
	return true
}

func (m *Manager) armLocked(reg *registration) {
	reg.gen++
	gen := reg.gen
	reg.timer = m.clock.AfterFunc(reg.interval, func() {
		m.tick(reg, gen)
	})
}

// tick runs one callback and re-arms the loop if the registration is still
// current.
func (m *Manager) tick(reg *registration, gen uint64) {
	m.mu.Lock()
	if m.closed || m.regs[reg.id] != reg || reg.gen != gen {
		m.mu.Unlock()
		return
	}
	callback := reg.callback
	interval := reg.interval
	m.wg.Add(1)
	m.mu.Unlock()

	err := m.invoke(reg.id, callback, interval)
	m.wg.Done()

	m.metrics.PollTick(reg.id, err != nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	reg.ticks++
	reg.lastTick = m.clock.Now()
	if err != nil {
		reg.failures++
		reg.lastError = err.Error()
	} else {
		reg.lastError = ""
	}

	if !m.closed && m.regs[reg.id] == reg && reg.gen == gen {
		m.armLocked(reg)
	}
}

// invoke calls the callback, converting errors and panics into a
// CallbackError that is logged and returned.
func (m *Manager) invoke(id string, callback Callback, interval time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(m.ctx, interval)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{ComponentID: id, Panic: r}
		}
		if err != nil {
			m.logger.Warn("polling callback failed", "component", id, "error", err)
		}
	}()

	if cbErr := callback(ctx); cbErr != nil {
		return &CallbackError{ComponentID: id, Err: cbErr}
	}
	return nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
