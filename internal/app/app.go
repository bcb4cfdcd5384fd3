package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/clock"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/fallback"
	"github.com/rickgao/livesync/internal/health"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/notify"
	"github.com/rickgao/livesync/internal/poller"
	"github.com/rickgao/livesync/internal/polling"
	"github.com/rickgao/livesync/internal/provider"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport"
	"github.com/rickgao/livesync/internal/version"
)

// ErrUnknownComponent is returned for ids that are not configured.
var ErrUnknownComponent = errors.New("unknown component")

// ClientFactory builds a push client. transport.New is the default.
type ClientFactory func(kind transport.Kind, cfg transport.Config, logger *slog.Logger) (transport.Client, error)

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock sets the time source for orchestrators and polling loops.
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithClientFactory replaces transport.New.
func WithClientFactory(f ClientFactory) Option {
	return func(a *App) {
		if f != nil {
			a.newClient = f
		}
	}
}

// WithHTTPClient sets the client used for component polling.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) {
		a.httpClient = hc
	}
}

// WithQuery sets the highest-precedence transport source, as a
// provider.QueryParam value. Every mount and reload resolves against it.
func WithQuery(query url.Values) Option {
	return func(a *App) {
		a.query = query
	}
}

// component is one configured component and its current mount.
type component struct {
	cfg     config.ComponentConfig
	id      string
	fetcher *poller.Fetcher

	// Replaced on every mount.
	kind   transport.Kind
	source provider.Source
	client transport.Client
	orch   *fallback.Orchestrator
}

// App wires every configured component to a fallback orchestrator and
// serves the status endpoints.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	clock      clock.Clock
	newClient  ClientFactory
	httpClient *http.Client
	query      url.Values

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	polls    *polling.Manager
	prober   *health.HTTPProber
	notifier *notify.Client
	store    store.OverrideStore
	selector *provider.Selector

	// reloadMu serialises Mount, Unmount and Reload.
	reloadMu sync.Mutex
	mounted  bool
	ctx      context.Context

	mu         sync.RWMutex
	components []*component
	byID       map[string]*component
	snapshots  map[string]poller.Snapshot
}

// New builds the app from a validated config. st may be nil, which
// disables the persisted transport override.
func New(cfg *config.Config, st store.OverrideStore, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	a := &App{
		cfg:        cfg,
		logger:     slog.Default(),
		clock:      clock.Real(),
		newClient:  transport.New,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		registry:   prometheus.NewRegistry(),
		store:      st,
		byID:       make(map[string]*component),
		snapshots:  make(map[string]poller.Snapshot),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.polls = polling.NewManager(
		polling.WithClock(a.clock),
		polling.WithLogger(a.logger),
		polling.WithMetrics(a.metrics),
		polling.WithDefaults(pollingTable(cfg.Polling)),
	)

	a.prober = health.NewHTTPProber(
		health.WithTimeout(cfg.Health.Timeout),
		health.WithLogger(a.logger),
		health.WithMetrics(a.metrics),
	)

	if cfg.Notify.Enabled {
		a.notifier = notify.NewClient(cfg.Server.BaseURL,
			notify.WithPath(cfg.Server.NotifyPath),
			notify.WithTimeout(cfg.Notify.Timeout),
			notify.WithRetries(cfg.Notify.MaxRetries, 500*time.Millisecond),
			notify.WithBreaker(cfg.Notify.BreakerFailures, cfg.Notify.BreakerCooldown),
			notify.WithLogger(a.logger),
			notify.WithMetrics(a.metrics),
		)
	}

	def := transport.KindNone
	if cfg.Transport.Kind != "" {
		kind, err := transport.ParseKind(cfg.Transport.Kind)
		if err != nil {
			return nil, err
		}
		def = kind
	}
	a.selector = provider.NewSelector(st,
		provider.WithKey(cfg.Store.Key),
		provider.WithDefault(def),
		provider.WithReloadHook(a.Reload),
		provider.WithLogger(a.logger),
	)

	for _, cc := range cfg.Components {
		id := cc.ID
		if id == "" {
			id = fallback.NewComponentID(cc.Feature)
		}
		c := &component{cfg: cc, id: id}
		c.fetcher = poller.New(poller.Config{}, id, cc.PollURL, a.httpClient,
			poller.SnapshotHandlerFunc(a.storeSnapshot), a.logger)

		a.components = append(a.components, c)
		a.byID[id] = c
	}

	return a, nil
}

// Selector returns the transport selector, whose override changes reload
// the app.
func (a *App) Selector() *provider.Selector { return a.selector }

// Polls returns the shared polling manager.
func (a *App) Polls() *polling.Manager { return a.polls }

// Mount resolves a transport for every component and mounts them in
// parallel. ctx bounds the lifetime of the push sessions.
func (a *App) Mount(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.mounted {
		return nil
	}
	a.ctx = ctx
	if err := a.mountLocked(ctx); err != nil {
		if uerr := a.unmountLocked(context.Background()); uerr != nil {
			a.logger.Warn("cleanup after failed mount", "error", uerr)
		}
		return err
	}
	a.mounted = true
	return nil
}

// Unmount tears every component down in parallel.
func (a *App) Unmount(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if !a.mounted {
		return nil
	}
	a.mounted = false
	return a.unmountLocked(ctx)
}

// Reload unmounts everything, re-resolves transports and mounts again.
// Running clients are never switched in place.
func (a *App) Reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if !a.mounted {
		return nil
	}

	a.logger.Info("reloading components")
	if err := a.unmountLocked(ctx); err != nil {
		a.logger.Warn("unmount during reload failed", "error", err)
	}
	return a.mountLocked(a.ctx)
}

// Close unmounts, stops every polling loop and closes the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Unmount(ctx)
	if perr := a.polls.Close(ctx); perr != nil && err == nil {
		err = perr
	}
	if a.store != nil {
		if serr := a.store.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (a *App) mountLocked(ctx context.Context) error {
	a.mu.RLock()
	comps := append([]*component(nil), a.components...)
	a.mu.RUnlock()

	var g errgroup.Group
	for _, c := range comps {
		c := c
		g.Go(func() error {
			return a.mountComponent(ctx, c)
		})
	}
	return g.Wait()
}

func (a *App) unmountLocked(ctx context.Context) error {
	a.mu.RLock()
	comps := append([]*component(nil), a.components...)
	a.mu.RUnlock()

	var g errgroup.Group
	for _, c := range comps {
		c := c
		a.mu.RLock()
		orch := c.orch
		a.mu.RUnlock()
		if orch == nil {
			continue
		}
		g.Go(func() error {
			if err := orch.Unmount(ctx); err != nil {
				return fmt.Errorf("unmount %s: %w", c.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) mountComponent(ctx context.Context, c *component) error {
	kind, source := a.selector.ResolveSource(ctx, a.query)
	logger := a.logger.With("component", c.id)

	endpoint, err := transport.Endpoint(kind, a.cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("component %s: %w", c.id, err)
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	client, err := a.newClient(kind, transport.Config{
		URL:            endpoint,
		Header:         header,
		ConnectTimeout: a.cfg.Transport.ConnectTimeout,
		PingInterval:   a.cfg.Transport.PingInterval,
		PingTimeout:    a.cfg.Transport.PingTimeout,
		WriteTimeout:   a.cfg.Transport.WriteTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("component %s: %w", c.id, err)
	}

	priority, err := polling.ParsePriority(c.cfg.Priority)
	if err != nil {
		return fmt.Errorf("component %s: %w", c.id, err)
	}

	opts := []fallback.Option{
		fallback.WithClock(a.clock),
		fallback.WithLogger(a.logger),
		fallback.WithMetrics(a.metrics),
		fallback.WithMessageHandler(func(m transport.Message) {
			a.storeSnapshot(poller.Snapshot{
				ComponentID: c.id,
				Source:      poller.SourcePush,
				Body:        m.Payload,
				FetchedAt:   time.Now().UTC(),
			})
		}),
	}
	if a.notifier != nil {
		opts = append(opts, fallback.WithNotifier(a.notifier))
	}

	orch, err := fallback.New(fallback.Config{
		ComponentID: c.id,
		HealthURL:   strings.TrimRight(a.cfg.Server.BaseURL, "/") + a.cfg.Server.HealthPath,
		Channels:    c.cfg.Channels,
		Polling: polling.Config{
			Priority:        priority,
			Interval:        c.cfg.Interval,
			AdaptiveScaling: c.cfg.Adaptive,
		},
		FallbackTimeout: a.cfg.Fallback.Timeout,
		RecheckInterval: a.cfg.Health.RecheckInterval,
		ReconnectEvery:  a.cfg.Fallback.ReconnectEvery,
		ReconnectBurst:  a.cfg.Fallback.ReconnectBurst,
	}, client, a.prober, a.polls, c.fetcher.Refresh, opts...)
	if err != nil {
		return fmt.Errorf("component %s: %w", c.id, err)
	}

	if err := orch.Mount(ctx); err != nil {
		return fmt.Errorf("component %s: %w", c.id, err)
	}

	a.mu.Lock()
	c.kind = kind
	c.source = source
	c.client = client
	c.orch = orch
	a.mu.Unlock()

	logger.Info("component started", "transport", kind, "source", source)
	return nil
}

func (a *App) storeSnapshot(s poller.Snapshot) error {
	a.mu.Lock()
	a.snapshots[s.ComponentID] = s
	a.mu.Unlock()
	return nil
}

func (a *App) lookup(id string) (*fallback.Orchestrator, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c, ok := a.byID[id]
	if !ok || c.orch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	return c.orch, nil
}

// RefreshAll runs every component's REST refresh once, regardless of
// transport state.
func (a *App) RefreshAll(ctx context.Context) (fetched, failed int64) {
	a.mu.RLock()
	fetchers := make([]*poller.Fetcher, 0, len(a.components))
	for _, c := range a.components {
		fetchers = append(fetchers, c.fetcher)
	}
	a.mu.RUnlock()

	return poller.RefreshAll(ctx, fetchers, 8, a.logger)
}

func pollingTable(cfg config.PollingConfig) map[polling.Priority]polling.Bounds {
	table := polling.DefaultTable()
	merge := func(p polling.Priority, b config.PollingBounds) {
		row := table[p]
		if b.Interval > 0 {
			row.Interval = b.Interval
		}
		if b.MinInterval > 0 {
			row.MinInterval = b.MinInterval
		}
		if b.MaxInterval > 0 {
			row.MaxInterval = b.MaxInterval
		}
		table[p] = row
	}
	merge(polling.PriorityHigh, cfg.High)
	merge(polling.PriorityMedium, cfg.Medium)
	merge(polling.PriorityLow, cfg.Low)
	return table
}
