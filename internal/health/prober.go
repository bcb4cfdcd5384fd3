// Package health answers one question: is the server reachable right now?
//
// Every probe is a fresh GET with no caching. Any 2xx is healthy. Anything
// else, including transport errors and timeouts, is unhealthy and never
// surfaces as an error.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/version"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// maxDrain caps how much of a response body is read before closing, so the
// connection can be reused.
const maxDrain = 64 << 10

// Prober reports server reachability.
type Prober interface {
	Probe(ctx context.Context, url string) bool
}

// Result describes one probe for diagnostics.
type Result struct {
	URL        string
	StatusCode int
	Proto      string
	Latency    time.Duration
	Err        error
}

// Healthy reports whether the probe got a 2xx response.
func (r Result) Healthy() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s unhealthy after %s: %v", r.URL, r.Latency.Round(time.Millisecond), r.Err)
	}
	state := "unhealthy"
	if r.Healthy() {
		state = "healthy"
	}
	return fmt.Sprintf("%s %s (%d %s) in %s", r.URL, state, r.StatusCode, r.Proto, r.Latency.Round(time.Millisecond))
}

// HTTPProber probes over HTTP.
type HTTPProber struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithTimeout sets the per-probe deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTPProber) {
		p.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *HTTPProber) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *HTTPProber) {
		p.metrics = m
	}
}

// NewHTTPProber creates a prober. The default client negotiates HTTP/2 over
// TLS and never follows the response cache.
func NewHTTPProber(opts ...Option) *HTTPProber {
	p := &HTTPProber{
		httpClient: &http.Client{Transport: NewTransport()},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewTransport returns an http.Transport with HTTP/2 enabled.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(t); err != nil {
		// Only fails if the transport was already configured for h2.
		slog.Default().Debug("http2 configure failed", "error", err)
	}
	return t
}

// Probe reports whether url answered 2xx within the timeout.
func (p *HTTPProber) Probe(ctx context.Context, url string) bool {
	return p.Check(ctx, url).Healthy()
}

// Check performs one probe and reports the details.
func (p *HTTPProber) Check(ctx context.Context, url string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := Result{URL: url}
	start := time.Now()
	defer func() {
		p.metrics.Probe(res.Healthy())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("create request: %w", err)
		return res
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.httpClient.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		p.logger.Debug("health probe failed", "url", url, "error", err)
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	res.StatusCode = resp.StatusCode
	res.Proto = resp.Proto

	p.logger.Debug("health probe",
		"url", url,
		"status", resp.StatusCode,
		"latency", res.Latency,
	)
	return res
}
