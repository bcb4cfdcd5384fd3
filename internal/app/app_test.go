package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/clock"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport"
)

// stubClient never connects. Components stay on REST polling unless a test
// drives them elsewhere.
type stubClient struct {
	kind     transport.Kind
	connects atomic.Int32
	nextID   atomic.Uint64
}

func (c *stubClient) Kind() transport.Kind { return c.kind }

func (c *stubClient) Connect(context.Context) error {
	c.connects.Add(1)
	return nil
}

func (c *stubClient) Disconnect() error              { return nil }
func (c *stubClient) JoinChannel(string) error       { return nil }
func (c *stubClient) LeaveChannel(string) error      { return nil }
func (c *stubClient) Send(string, any, string) error { return transport.ErrNotConnected }
func (c *stubClient) Channels() []string             { return nil }
func (c *stubClient) IsConnected() bool              { return false }
func (c *stubClient) Off(transport.HandlerID)        {}

func (c *stubClient) OnConnected(func(transport.Connected)) transport.HandlerID       { return c.id() }
func (c *stubClient) OnDisconnected(func(transport.Disconnected)) transport.HandlerID { return c.id() }
func (c *stubClient) OnError(func(transport.Error)) transport.HandlerID               { return c.id() }
func (c *stubClient) OnMessage(func(transport.Message)) transport.HandlerID           { return c.id() }

func (c *stubClient) id() transport.HandlerID {
	return transport.HandlerID(c.nextID.Add(1))
}

type factory struct {
	mu      sync.Mutex
	kinds   []transport.Kind
	urls    []string
	clients []*stubClient
	err     error
}

func (f *factory) build(kind transport.Kind, cfg transport.Config, _ *slog.Logger) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &stubClient{kind: kind}
	f.kinds = append(f.kinds, kind)
	f.urls = append(f.urls, cfg.URL)
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *factory) lastKind() transport.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.kinds) == 0 {
		return transport.KindNone
	}
	return f.kinds[len(f.kinds)-1]
}

// upstream is the application server: an unhealthy /health, a pollable
// items endpoint and the notify endpoint.
type upstream struct {
	*httptest.Server
	polls    atomic.Int32
	notifies atomic.Int32
	lastNote atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		u.polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":["a","b"]}`))
	})
	mux.HandleFunc("/api/notify", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.lastNote.Store(string(body))
		u.notifies.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

type harness struct {
	app      *App
	clock    *clock.FakeClock
	factory  *factory
	upstream *upstream
	handler  http.Handler
}

func newHarness(t *testing.T, st store.OverrideStore, tweak func(*config.Config), opts ...Option) *harness {
	t.Helper()

	up := newUpstream(t)
	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: up.URL},
		Components: []config.ComponentConfig{{
			ID:       "items",
			Feature:  "items",
			Channels: []string{"items"},
			Priority: "high",
			Interval: 2 * time.Second,
			PollURL:  up.URL + "/api/items",
		}},
	}
	cfg.ApplyDefaults()
	if tweak != nil {
		tweak(cfg)
	}

	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &factory{}
	a, err := New(cfg, st, append([]Option{
		WithClock(fc),
		WithClientFactory(f.build),
		WithHTTPClient(up.Client()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)...)
	require.NoError(t, err)

	h := &harness{app: a, clock: fc, factory: f, upstream: up, handler: a.Handler()}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})
	return h
}

func (h *harness) mount(t *testing.T) {
	t.Helper()
	require.NoError(t, h.app.Mount(context.Background()))
	h.waitPolling(t)
}

func (h *harness) waitPolling(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		comps := h.app.Components()
		return h.app.Polls().IsPolling("items") && len(comps) == 1 && comps[0].UsingFallback
	}, 2*time.Second, 5*time.Millisecond, "component never fell back to polling")
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	cfg := &config.Config{Transport: config.TransportConfig{Kind: "carrier-pigeon"}}
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_GeneratesComponentIDs(t *testing.T) {
	cfg := &config.Config{
		Server:     config.ServerConfig{BaseURL: "http://localhost"},
		Components: []config.ComponentConfig{{Feature: "gallery", PollURL: "http://localhost/api/gallery"}},
	}
	cfg.ApplyDefaults()

	a, err := New(cfg, nil)
	require.NoError(t, err)

	comps := a.Components()
	require.Len(t, comps, 1)
	assert.True(t, strings.HasPrefix(comps[0].ID, "gallery-"), comps[0].ID)
	assert.Equal(t, "idle", comps[0].Phase)
}

func TestApp_UnhealthyServerPollsAndStoresSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	// Nothing is fetched before the first interval elapses.
	assert.Equal(t, int32(0), h.upstream.polls.Load())
	rec := h.do(t, http.MethodGet, "/components/items/snapshot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	status := h.app.Polls().GetPollingStatus()["items"]
	h.clock.Advance(status.Interval)

	require.Eventually(t, func() bool {
		return h.upstream.polls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodGet, "/components/items/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":["a","b"]}`, rec.Body.String())
	assert.Equal(t, "rest", rec.Header().Get("X-Livesync-Source"))

	// The push client was built but never asked to connect.
	require.Len(t, h.factory.clients, 1)
	assert.Equal(t, int32(0), h.factory.clients[0].connects.Load())
	assert.Equal(t, "ws"+strings.TrimPrefix(h.upstream.URL, "http")+"/ws", h.factory.urls[0])
}

func TestApp_HealthAndDebug(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.EqualValues(t, 1, body["components"])
	assert.EqualValues(t, 1, body["using_fallback"])

	rec = h.do(t, http.MethodGet, "/debug/components", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var comps struct {
		Total      int               `json:"total"`
		Components []ComponentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &comps))
	require.Equal(t, 1, comps.Total)
	c := comps.Components[0]
	assert.Equal(t, "items", c.ID)
	assert.Equal(t, "disconnected", c.Phase)
	assert.Equal(t, "raw", c.Transport)
	assert.Equal(t, "build", c.Source)
	assert.True(t, c.UsingFallback)
	assert.False(t, c.Connected)

	rec = h.do(t, http.MethodGet, "/debug/polling", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 1, body["active"])
	polls := body["polls"].(map[string]any)
	item := polls["items"].(map[string]any)
	assert.Equal(t, "high", item["priority"])

	rec = h.do(t, http.MethodGet, "/debug/provider?transport=socketio", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "multiplexed", body["transport"])
	assert.Equal(t, "query", body["source"])
}

func TestApp_Metrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "phase_transitions_total")
}

func TestApp_ConfiguredDefaultTransport(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Transport.Kind = "multiplexed"
	})
	h.mount(t)

	assert.Equal(t, transport.KindMultiplexed, h.factory.lastKind())
	comps := h.app.Components()
	assert.Equal(t, "default", comps[0].Source)
	assert.Contains(t, h.factory.urls[0], "/socket.io/?")
}

func TestApp_ProviderOverrideReloads(t *testing.T) {
	st := store.NewFile(filepath.Join(t.TempDir(), "state.yaml"))
	h := newHarness(t, st, nil)
	h.mount(t)
	assert.Equal(t, transport.KindRawPush, h.factory.lastKind())

	rec := h.do(t, http.MethodPut, "/admin/provider/multiplexed", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.waitPolling(t)

	assert.Equal(t, transport.KindMultiplexed, h.factory.lastKind())
	comps := h.app.Components()
	assert.Equal(t, "multiplexed", comps[0].Transport)
	assert.Equal(t, "store", comps[0].Source)

	value, err := st.Get(context.Background(), config.DefaultStoreKey)
	require.NoError(t, err)
	assert.Equal(t, "multiplexed", value)

	rec = h.do(t, http.MethodDelete, "/admin/provider", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.waitPolling(t)

	assert.Equal(t, transport.KindRawPush, h.factory.lastKind())
	assert.Equal(t, "build", h.app.Components()[0].Source)

	_, err = st.Get(context.Background(), config.DefaultStoreKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApp_QueryTransportWinsOverStore(t *testing.T) {
	st := store.NewFile(filepath.Join(t.TempDir(), "state.yaml"))
	require.NoError(t, st.Set(context.Background(), config.DefaultStoreKey, "raw"))

	h := newHarness(t, st, nil, WithQuery(url.Values{"transport": {"multiplexed"}}))
	h.mount(t)

	assert.Equal(t, transport.KindMultiplexed, h.factory.lastKind())
	comps := h.app.Components()
	assert.Equal(t, "multiplexed", comps[0].Transport)
	assert.Equal(t, "query", comps[0].Source)

	rec := h.do(t, http.MethodGet, "/debug/provider", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "multiplexed", body["transport"])
	assert.Equal(t, "query", body["source"])

	// A reload resolves against the same query.
	rec = h.do(t, http.MethodPost, "/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h.waitPolling(t)
	assert.Equal(t, transport.KindMultiplexed, h.factory.lastKind())
}

func TestApp_ProviderOverrideRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, store.NewFile(filepath.Join(t.TempDir(), "state.yaml")), nil)
	h.mount(t)

	rec := h.do(t, http.MethodPut, "/admin/provider/pigeon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/admin/provider/none", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_ProviderOverrideWithoutStore(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodPut, "/admin/provider/raw", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestApp_SendMessage(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Notify.Enabled = true
	})
	h.mount(t)

	rec := h.do(t, http.MethodPost, "/components/items/messages",
		`{"type":"item.added","payload":{"name":"c"},"room":"items"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Equal(t, int32(1), h.upstream.notifies.Load())
	assert.Equal(t, int32(1), h.upstream.polls.Load())

	note := h.upstream.lastNote.Load().(string)
	assert.Contains(t, note, `"item.added"`)
	assert.Contains(t, note, `"items"`)

	rec = h.do(t, http.MethodGet, "/components/items/snapshot", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_SendMessageValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodPost, "/components/items/messages", `{"payload":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/components/items/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/components/nope/messages", `{"type":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_Activity(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodPost, "/components/items/activity/critical", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		s := h.app.Polls().GetPollingStatus()["items"]
		return s.Activity.String() == "critical" && s.Interval == s.MinInterval
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/components/items/activity/frantic", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_Reconnect(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Fallback.ReconnectBurst = 1
	})
	h.mount(t)

	rec := h.do(t, http.MethodPost, "/components/items/reconnect", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return h.factory.clients[0].connects.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/components/items/reconnect", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.do(t, http.MethodPost, "/components/missing/reconnect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_RefreshAll(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/admin/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["fetched"])
	assert.EqualValues(t, 0, body["failed"])
	assert.Equal(t, int32(1), h.upstream.polls.Load())
}

func TestApp_Reload(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	rec := h.do(t, http.MethodPost, "/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h.waitPolling(t)

	h.factory.mu.Lock()
	built := len(h.factory.clients)
	h.factory.mu.Unlock()
	assert.Equal(t, 2, built)
}

func TestApp_MountFailureCleansUp(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.factory.err = errors.New("dial refused")

	err := h.app.Mount(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	assert.Empty(t, h.app.Polls().IDs())

	// A later mount succeeds once the factory recovers.
	h.factory.mu.Lock()
	h.factory.err = nil
	h.factory.mu.Unlock()
	h.mount(t)
}

func TestApp_UnmountStopsPolling(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mount(t)

	require.NoError(t, h.app.Unmount(context.Background()))
	assert.False(t, h.app.Polls().IsPolling("items"))

	// Unmount is idempotent.
	require.NoError(t, h.app.Unmount(context.Background()))
}
