package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livesync/internal/version"
)

// Snapshot sources.
const (
	SourceREST = "rest"
	SourcePush = "push"
)

// Snapshot is the latest data fetched for a component.
type Snapshot struct {
	ComponentID string
	Source      string
	Body        []byte
	ETag        string
	FetchedAt   time.Time
}

// SnapshotHandler receives fetched snapshots.
type SnapshotHandler interface {
	HandleSnapshot(snapshot Snapshot) error
}

// SnapshotHandlerFunc is a function adapter for SnapshotHandler.
type SnapshotHandlerFunc func(Snapshot) error

func (f SnapshotHandlerFunc) HandleSnapshot(s Snapshot) error {
	return f(s)
}

// Config holds fetcher configuration.
type Config struct {
	Timeout time.Duration // Per-request timeout (default: 10s)
	MaxBody int64         // Max response body in bytes (default: 4MB)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		MaxBody: 4 << 20,
	}
}

// Fetcher pulls one component's data over REST. Its Refresh method is the
// component's polling callback.
type Fetcher struct {
	cfg         Config
	componentID string
	url         string
	client      *http.Client
	handler     SnapshotHandler
	logger      *slog.Logger

	mu   sync.Mutex
	etag string

	fetched    atomic.Int64
	notChanged atomic.Int64
}

// New creates a Fetcher for url. A nil client uses http.DefaultClient.
func New(cfg Config, componentID, url string, client *http.Client, handler SnapshotHandler, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = d.MaxBody
	}
	return &Fetcher{
		cfg:         cfg,
		componentID: componentID,
		url:         url,
		client:      client,
		handler:     handler,
		logger:      logger.With("component", componentID),
	}
}

// URL returns the polled endpoint.
func (f *Fetcher) URL() string { return f.url }

// Stats returns how many fetches delivered a snapshot and how many were
// answered 304 Not Modified.
func (f *Fetcher) Stats() (fetched, notModified int64) {
	return f.fetched.Load(), f.notChanged.Load()
}

// Refresh fetches the endpoint once. Unchanged data (304) is not passed to
// the handler.
func (f *Fetcher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	f.mu.Lock()
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.notChanged.Add(1)
		f.logger.Debug("snapshot not modified")
		return nil
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("fetch %s: status %d", f.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	etag := resp.Header.Get("ETag")
	f.mu.Lock()
	f.etag = etag
	f.mu.Unlock()

	f.fetched.Add(1)

	if f.handler == nil {
		return nil
	}
	return f.handler.HandleSnapshot(Snapshot{
		ComponentID: f.componentID,
		Source:      SourceREST,
		Body:        body,
		ETag:        etag,
		FetchedAt:   time.Now().UTC(),
	})
}

// RefreshAll refreshes every fetcher with at most concurrency requests in
// flight.
func RefreshAll(ctx context.Context, fetchers []*Fetcher, concurrency int, logger *slog.Logger) (fetched, failed int64) {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var ok, errs atomic.Int64

	for _, f := range fetchers {
		wg.Add(1)
		go func(f *Fetcher) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs.Add(1)
				return
			}

			if err := f.Refresh(ctx); err != nil {
				logger.Warn("failed to refresh component",
					"component", f.componentID,
					"err", err,
				)
				errs.Add(1)
				return
			}
			ok.Add(1)
		}(f)
	}

	wg.Wait()

	logger.Info("refresh cycle complete",
		"components", len(fetchers),
		"fetched", ok.Load(),
		"errors", errs.Load(),
		"duration", time.Since(start),
	)
	return ok.Load(), errs.Load()
}
