package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/livesync/internal/fallback"
	"github.com/rickgao/livesync/internal/polling"
	"github.com/rickgao/livesync/internal/transport"
	"github.com/rickgao/livesync/internal/version"
)

// ComponentStatus is the /debug/components view of one component.
type ComponentStatus struct {
	ID            string    `json:"id"`
	Feature       string    `json:"feature,omitempty"`
	Transport     string    `json:"transport"`
	Source        string    `json:"transport_source"`
	Phase         string    `json:"phase"`
	Connected     bool      `json:"connected"`
	UsingFallback bool      `json:"using_fallback"`
	LastError     string    `json:"last_error,omitempty"`
	Reconnects    int       `json:"reconnects"`
	PollURL       string    `json:"poll_url"`
	Snapshot      *snapMeta `json:"snapshot,omitempty"`
}

type snapMeta struct {
	Source    string    `json:"source"`
	Bytes     int       `json:"bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Components returns the status of every component, sorted by id.
func (a *App) Components() []ComponentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ComponentStatus, 0, len(a.components))
	for _, c := range a.components {
		st := ComponentStatus{
			ID:        c.id,
			Feature:   c.cfg.Feature,
			Transport: c.kind.String(),
			Source:    string(c.source),
			Phase:     fallback.PhaseIdle.String(),
			PollURL:   c.fetcher.URL(),
		}
		if c.orch != nil {
			s := c.orch.State()
			st.Phase = s.Phase.String()
			st.Connected = s.Connected
			st.UsingFallback = s.UsingFallback
			st.LastError = s.LastError
			st.Reconnects = s.Reconnects
		}
		if snap, ok := a.snapshots[c.id]; ok {
			st.Snapshot = &snapMeta{Source: snap.Source, Bytes: len(snap.Body), FetchedAt: snap.FetchedAt}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler returns the status and admin HTTP API.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.loggingMiddleware)

	metricsPath := a.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle(metricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	debug := r.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/polling", a.handlePolling).Methods(http.MethodGet)
	debug.HandleFunc("/components", a.handleComponents).Methods(http.MethodGet)
	debug.HandleFunc("/provider", a.handleProvider).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reload", a.handleReload).Methods(http.MethodPost)
	admin.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)
	admin.HandleFunc("/provider/{kind}", a.handleSetProvider).Methods(http.MethodPut)
	admin.HandleFunc("/provider", a.handleClearProvider).Methods(http.MethodDelete)

	comps := r.PathPrefix("/components/{id}").Subrouter()
	comps.HandleFunc("/reconnect", a.handleReconnect).Methods(http.MethodPost)
	comps.HandleFunc("/activity/{level}", a.handleActivity).Methods(http.MethodPost)
	comps.HandleFunc("/messages", a.handleMessage).Methods(http.MethodPost)
	comps.HandleFunc("/snapshot", a.handleSnapshot).Methods(http.MethodGet)

	return r
}

// Run serves the HTTP API on addr, mounts every component and blocks until
// ctx is cancelled. Shutdown is bounded by a 30s grace period.
func (a *App) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting status server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := a.Mount(ctx); err != nil {
		server.Close()
		return fmt.Errorf("mount components: %w", err)
	}
	a.logger.Info("livesync running", "components", len(a.cfg.Components))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("status server: %w", err)
	}

	a.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("status server shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	a.logger.Info("livesync stopped")
	return runErr
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	comps := a.Components()

	health := struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Total     int    `json:"components"`
		Connected int    `json:"connected"`
		Fallback  int    `json:"using_fallback"`
	}{
		Status:  "healthy",
		Version: version.String(),
		Total:   len(comps),
	}

	for _, c := range comps {
		if c.Connected {
			health.Connected++
		}
		if c.UsingFallback {
			health.Fallback++
		}
	}
	if health.Fallback > 0 {
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

func (a *App) handlePolling(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Interval string `json:"interval"`
		Base     string `json:"base_interval"`
		Min      string `json:"min_interval"`
		Max      string `json:"max_interval"`
		Priority string `json:"priority"`
		Activity string `json:"activity"`
		Adaptive bool   `json:"adaptive"`
		Ticks    uint64 `json:"ticks"`
		Failures uint64 `json:"failures"`
		LastErr  string `json:"last_error,omitempty"`
	}

	out := make(map[string]entry)
	for id, s := range a.polls.GetPollingStatus() {
		out[id] = entry{
			Interval: s.Interval.String(),
			Base:     s.BaseInterval.String(),
			Min:      s.MinInterval.String(),
			Max:      s.MaxInterval.String(),
			Priority: s.Priority.String(),
			Activity: s.Activity.String(),
			Adaptive: s.Adaptive,
			Ticks:    s.Ticks,
			Failures: s.Failures,
			LastErr:  s.LastError,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active": len(out),
		"polls":  out,
	})
}

func (a *App) handleComponents(w http.ResponseWriter, r *http.Request) {
	comps := a.Components()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(comps),
		"components": comps,
	})
}

func (a *App) handleProvider(w http.ResponseWriter, r *http.Request) {
	query := url.Values{}
	for k, v := range a.query {
		query[k] = v
	}
	for k, v := range r.URL.Query() {
		query[k] = v
	}
	kind, source := a.selector.ResolveSource(r.Context(), query)
	writeJSON(w, http.StatusOK, map[string]string{
		"transport": kind.String(),
		"source":    string(source),
	})
}

func (a *App) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	fetched, failed := a.RefreshAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int64{"fetched": fetched, "failed": failed})
}

func (a *App) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	kind, err := transport.ParseKind(mux.Vars(r)["kind"])
	if err != nil || kind == transport.KindNone {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown transport %q", mux.Vars(r)["kind"]))
		return
	}
	if err := a.selector.SetOverride(r.Context(), kind); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transport": kind.String()})
}

func (a *App) handleClearProvider(w http.ResponseWriter, r *http.Request) {
	if err := a.selector.ClearOverride(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *App) handleReconnect(w http.ResponseWriter, r *http.Request) {
	orch, err := a.lookup(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch err := orch.Reconnect(); {
	case errors.Is(err, fallback.ErrReconnectThrottled):
		writeError(w, http.StatusTooManyRequests, err)
	case err != nil:
		writeError(w, http.StatusConflict, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
	}
}

func (a *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	orch, err := a.lookup(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	level, err := polling.ParseActivity(mux.Vars(r)["level"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	orch.AdjustPollingActivity(level)
	writeJSON(w, http.StatusAccepted, map[string]string{"activity": level.String()})
}

func (a *App) handleMessage(w http.ResponseWriter, r *http.Request) {
	orch, err := a.lookup(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Room    string          `json:"room"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	if msg.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("message type is required"))
		return
	}

	var payload any
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}
	if err := orch.SendMessage(r.Context(), msg.Type, payload, msg.Room); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *App) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a.mu.RLock()
	snap, ok := a.snapshots[id]
	a.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no snapshot for %s", id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Livesync-Source", snap.Source)
	w.Header().Set("Last-Modified", snap.FetchedAt.Format(http.TimeFormat))
	w.Write(snap.Body)
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
