package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/livesync/internal/clock"
	"github.com/rickgao/livesync/internal/health"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/polling"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/transport"
)

// Notifier posts an outbound message over plain HTTP while push is down.
type Notifier interface {
	Notify(ctx context.Context, componentID, eventType string, payload any, room string) error
}

// Config holds orchestrator configuration.
type Config struct {
	ComponentID     string
	HealthURL       string
	Channels        []string       // Joined on every successful connect
	Polling         polling.Config // Loop used while push is down
	FallbackTimeout time.Duration  // Connect window before polling starts (default: 10s)
	RecheckInterval time.Duration  // Health recheck period (default: 30s)
	ReconnectEvery  time.Duration  // Min spacing of reconnect attempts (default: 5s)
	ReconnectBurst  int            // Reconnect attempts allowed back to back (default: 3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FallbackTimeout: 10 * time.Second,
		RecheckInterval: 30 * time.Second,
		ReconnectEvery:  5 * time.Second,
		ReconnectBurst:  3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	if c.ReconnectEvery <= 0 {
		c.ReconnectEvery = d.ReconnectEvery
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = d.ReconnectBurst
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for the fallback and recheck timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records transitions and connect attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithNotifier sets the HTTP path SendMessage uses while push is down.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithMessageHandler receives inbound push messages on the event loop.
// The handler must not block.
func WithMessageHandler(fn func(transport.Message)) Option {
	return func(o *Orchestrator) {
		o.onMessage = fn
	}
}

// Orchestrator keeps one component fresh: push when the server is healthy
// and the connection is up, polling otherwise.
//
// All state transitions happen on a single event-loop goroutine fed by an
// inbox. Transport events, timers, probe results and API calls are posted
// there and handled in arrival order.
type Orchestrator struct {
	cfg      Config
	client   transport.Client
	prober   health.Prober
	polls    *polling.Manager
	refresh  polling.Callback
	notifier Notifier

	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	onMessage func(transport.Message)

	inbox *queue.Growable[func()]
	ctx   context.Context
	done  chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	mounted   bool
	unmounted bool
	published State

	// Owned by the event loop.
	state         State
	active        bool
	polling       bool
	probing       bool
	activity      polling.ActivityLevel
	fallbackTimer *clock.Timer
	fallbackGen   uint64
	recheckTimer  *clock.Timer
	handlerIDs    []transport.HandlerID
}

// New creates an orchestrator. refresh is the component's polling callback
// and is also invoked once by SendMessage when push is down.
func New(
	cfg Config,
	client transport.Client,
	prober health.Prober,
	polls *polling.Manager,
	refresh polling.Callback,
	opts ...Option,
) (*Orchestrator, error) {
	switch {
	case cfg.ComponentID == "":
		return nil, errors.New("component id is required")
	case cfg.HealthURL == "":
		return nil, errors.New("health url is required")
	case client == nil:
		return nil, errors.New("transport client is required")
	case prober == nil:
		return nil, errors.New("health prober is required")
	case polls == nil:
		return nil, errors.New("polling manager is required")
	case refresh == nil:
		return nil, errors.New("refresh callback is required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:     cfg,
		client:  client,
		prober:  prober,
		polls:   polls,
		refresh: refresh,
		clock:   clock.Real(),
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst),
		inbox:   queue.New[func()](16),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With("component", cfg.ComponentID)
	o.state = State{ComponentID: cfg.ComponentID}
	o.published = o.state

	return o, nil
}

// ComponentID returns the id this orchestrator registers polling under.
func (o *Orchestrator) ComponentID() string { return o.cfg.ComponentID }

// Mount starts the state machine: probe, then connect or poll. Cancelling
// ctx ends the push session and in-flight probes; call Unmount to release
// everything else.
func (o *Orchestrator) Mount(ctx context.Context) error {
	o.mu.Lock()
	if o.mounted {
		o.mu.Unlock()
		return ErrAlreadyMounted
	}
	o.mounted = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.handlerIDs = []transport.HandlerID{
		o.client.OnConnected(func(e transport.Connected) {
			o.post(func() { o.handleConnected(e) })
		}),
		o.client.OnDisconnected(func(e transport.Disconnected) {
			o.post(func() { o.handleDisconnected(e) })
		}),
		o.client.OnError(func(e transport.Error) {
			o.post(func() { o.handleError(e) })
		}),
		o.client.OnMessage(func(e transport.Message) {
			o.post(func() { o.handleMessage(e) })
		}),
	}

	go o.run()
	o.post(o.begin)

	o.logger.Info("component mounted",
		"transport", o.client.Kind(),
		"channels", len(o.cfg.Channels),
	)
	return nil
}

// Unmount cancels every timer, deregisters polling, leaves channels and
// disconnects. It waits for the event loop to exit or ctx to expire.
// Idempotent.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	o.mu.Lock()
	if !o.mounted || o.unmounted {
		o.mu.Unlock()
		return nil
	}
	o.unmounted = true
	cancel := o.cancel
	o.mu.Unlock()

	o.post(o.teardown)
	o.inbox.Close()

	select {
	case <-o.done:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()

	o.logger.Info("component unmounted")
	return nil
}

// State returns the latest published snapshot. Safe to call from any
// goroutine, including message handlers.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.published
}

// SendMessage publishes over push when connected. Otherwise it posts through
// the Notifier, if any, and runs the refresh callback once so the caller
// still gets fresh data.
func (o *Orchestrator) SendMessage(ctx context.Context, eventType string, payload any, room string) error {
	if o.State().Connected {
		err := o.client.Send(eventType, payload, room)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotConnected) {
			o.logger.Warn("push send failed, falling back", "type", eventType, "error", err)
		}
	}

	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, o.cfg.ComponentID, eventType, payload, room); err != nil {
			o.logger.Warn("notify failed", "type", eventType, "error", err)
		}
	}

	if err := o.refresh(ctx); err != nil {
		return fmt.Errorf("fallback refresh: %w", err)
	}
	return nil
}

// Reconnect re-enters Connecting now, regardless of timers. Attempts are
// rate limited.
func (o *Orchestrator) Reconnect() error {
	o.mu.Lock()
	mounted := o.mounted && !o.unmounted
	o.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}

	if !o.limiter.AllowN(o.clock.Now(), 1) {
		o.metrics.ConnectAttempt(o.cfg.ComponentID, "throttled")
		return ErrReconnectThrottled
	}

	o.post(func() {
		if !o.active {
			return
		}
		o.logger.Info("manual reconnect", "phase", o.state.Phase)
		o.state.Reconnects++
		if o.state.Phase == PhaseConnected {
			// Local disconnects are ignored by handleDisconnected.
			o.client.Disconnect()
			o.state.Connected = false
			o.state.Transport = transport.KindNone
			o.polls.SetComponentConnected(o.cfg.ComponentID, false)
			// Polls until the new session reports Connected.
			o.startPolling()
		}
		o.connect()
	})
	return nil
}

// AdjustPollingActivity forwards level to the polling manager while this
// component is polling. The level is remembered for later loops.
func (o *Orchestrator) AdjustPollingActivity(level polling.ActivityLevel) {
	o.post(func() {
		o.activity = level
		if o.active && o.polling {
			o.polls.AdjustPollingInterval(o.cfg.ComponentID, level)
		}
	})
}

func (o *Orchestrator) post(fn func()) bool {
	return o.inbox.Send(fn)
}

// run is the event loop.
func (o *Orchestrator) run() {
	defer close(o.done)

	for {
		fn, ok := o.inbox.Receive()
		if !ok {
			return
		}
		fn()
		o.publish()
	}
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	o.published = o.state
	o.mu.Unlock()
}

// begin handles mount: pre-join channels, probe, arm the recheck timer.
func (o *Orchestrator) begin() {
	o.active = true

	// Buffered in the client's subscription set and replayed on connect.
	for _, ch := range o.cfg.Channels {
		if err := o.client.JoinChannel(ch); err != nil {
			o.logger.Warn("failed to join channel", "channel", ch, "error", err)
		}
	}

	o.setPhase(PhaseProbing)
	o.startProbe()
	o.armRecheck()
}

func (o *Orchestrator) teardown() {
	o.active = false

	o.fallbackTimer.Stop()
	o.fallbackGen++
	o.recheckTimer.Stop()

	if o.polling {
		o.polls.StopPolling(o.cfg.ComponentID)
		o.polling = false
	}
	o.polls.SetComponentConnected(o.cfg.ComponentID, false)

	for _, id := range o.handlerIDs {
		o.client.Off(id)
	}
	if err := o.client.Disconnect(); err != nil {
		o.logger.Debug("disconnect failed", "error", err)
	}

	o.state.Connected = false
	o.state.Connecting = false
	o.state.Transport = transport.KindNone
	o.state.UsingFallback = false
	o.state.PollingActive = false
	o.setPhase(PhaseIdle)
}

func (o *Orchestrator) startProbe() {
	if o.probing {
		return
	}
	o.probing = true

	ctx := o.ctx
	url := o.cfg.HealthURL
	go func() {
		healthy := o.prober.Probe(ctx, url)
		o.post(func() { o.handleProbe(healthy) })
	}()
}

func (o *Orchestrator) handleProbe(healthy bool) {
	o.probing = false
	if !o.active {
		return
	}

	o.state.LastProbeAt = o.clock.Now()
	o.state.LastProbeHealthy = healthy

	switch o.state.Phase {
	case PhaseProbing:
		if !healthy {
			o.logger.Info("server unhealthy, skipping push")
			o.state.LastError = "health probe failed"
			o.enterDisconnected()
			return
		}
		o.connect()

	case PhaseDisconnected:
		if !healthy {
			return
		}
		if !o.limiter.AllowN(o.clock.Now(), 1) {
			o.metrics.ConnectAttempt(o.cfg.ComponentID, "throttled")
			o.logger.Debug("reconnect throttled")
			return
		}
		o.state.Reconnects++
		o.connect()

	case PhaseConnected:
		if !healthy {
			// The transport reports its own drops.
			o.logger.Debug("server unhealthy while connected")
		}
	}
}

// connect enters Connecting and arms the fallback timer. Polling, if any,
// keeps running until Connected arrives.
func (o *Orchestrator) connect() {
	o.state.Connecting = true
	o.state.Connected = false
	o.setPhase(PhaseConnecting)
	o.metrics.ConnectAttempt(o.cfg.ComponentID, "started")

	o.fallbackTimer.Stop()
	o.fallbackGen++
	gen := o.fallbackGen
	o.fallbackTimer = o.clock.AfterFunc(o.cfg.FallbackTimeout, func() {
		o.post(func() { o.handleFallbackTimeout(gen) })
	})

	if err := o.client.Connect(o.ctx); err != nil {
		o.state.LastError = err.Error()
		o.metrics.ConnectAttempt(o.cfg.ComponentID, "failed")
		o.clearFallbackTimer()
		o.enterDisconnected()
	}
}

func (o *Orchestrator) handleFallbackTimeout(gen uint64) {
	if !o.active || gen != o.fallbackGen || o.state.Phase != PhaseConnecting {
		return
	}
	o.logger.Warn("push connect timed out, falling back to polling",
		"timeout", o.cfg.FallbackTimeout,
	)
	o.state.LastError = transport.ErrConnectTimeout.Error()
	o.metrics.ConnectAttempt(o.cfg.ComponentID, "failed")
	o.enterDisconnected()
}

func (o *Orchestrator) handleConnected(e transport.Connected) {
	if !o.active {
		return
	}
	o.clearFallbackTimer()

	// Stopped in the same handler so push and polling never overlap.
	o.stopPolling()

	o.state.Connected = true
	o.state.Connecting = false
	o.state.Transport = e.Kind
	o.state.LastError = ""
	o.state.ConnectedAt = o.clock.Now()
	o.setPhase(PhaseConnected)
	o.metrics.ConnectAttempt(o.cfg.ComponentID, "connected")

	// No-ops for channels already replayed by the client.
	for _, ch := range o.cfg.Channels {
		if err := o.client.JoinChannel(ch); err != nil {
			o.logger.Warn("failed to join channel", "channel", ch, "error", err)
		}
	}

	o.polls.SetComponentConnected(o.cfg.ComponentID, true)
}

func (o *Orchestrator) handleDisconnected(e transport.Disconnected) {
	if !o.active || e.Local {
		return
	}
	o.lost(e.Reason)
}

func (o *Orchestrator) handleError(e transport.Error) {
	if !o.active {
		return
	}
	o.lost(e.Reason)
}

// lost handles a transport failure. Only Connecting and Connected react;
// a failure while Connecting is handled like the fallback timer firing.
func (o *Orchestrator) lost(reason string) {
	switch o.state.Phase {
	case PhaseConnecting, PhaseConnected:
	default:
		return
	}

	if o.state.Phase == PhaseConnected {
		o.logger.Warn("push connection lost", "reason", reason)
	} else {
		o.logger.Warn("push connect failed", "reason", reason)
		o.metrics.ConnectAttempt(o.cfg.ComponentID, "failed")
	}

	o.state.LastError = reason
	o.clearFallbackTimer()
	o.enterDisconnected()
}

func (o *Orchestrator) handleMessage(e transport.Message) {
	if !o.active || o.onMessage == nil {
		return
	}
	o.onMessage(e)
}

// enterDisconnected moves to Disconnected and makes sure polling runs.
func (o *Orchestrator) enterDisconnected() {
	wasConnected := o.state.Connected

	o.state.Connected = false
	o.state.Connecting = false
	o.state.Transport = transport.KindNone
	o.setPhase(PhaseDisconnected)

	if wasConnected {
		o.polls.SetComponentConnected(o.cfg.ComponentID, false)
	}
	o.startPolling()
}

func (o *Orchestrator) startPolling() {
	if o.polling {
		return
	}

	if err := o.polls.StartPolling(o.cfg.ComponentID, o.refresh, o.cfg.Polling); err != nil {
		o.logger.Error("failed to start polling", "error", err)
		return
	}
	o.polling = true
	o.state.PollingActive = true
	o.state.UsingFallback = true

	if o.activity != polling.ActivityUnset {
		o.polls.AdjustPollingInterval(o.cfg.ComponentID, o.activity)
	}
}

func (o *Orchestrator) stopPolling() {
	if !o.polling {
		return
	}
	o.polls.StopPolling(o.cfg.ComponentID)
	o.polling = false
	o.state.PollingActive = false
	o.state.UsingFallback = false
}

func (o *Orchestrator) clearFallbackTimer() {
	o.fallbackTimer.Stop()
	o.fallbackTimer = nil
	o.fallbackGen++
}

func (o *Orchestrator) armRecheck() {
	o.recheckTimer = o.clock.AfterFunc(o.cfg.RecheckInterval, func() {
		o.post(o.handleRecheck)
	})
}

func (o *Orchestrator) handleRecheck() {
	if !o.active {
		return
	}
	o.armRecheck()
	o.startProbe()
}

func (o *Orchestrator) setPhase(p Phase) {
	if o.state.Phase == p {
		return
	}
	o.logger.Debug("phase changed", "from", o.state.Phase, "to", p)
	o.state.Phase = p
	o.metrics.Transition(o.cfg.ComponentID, p.String())
}
