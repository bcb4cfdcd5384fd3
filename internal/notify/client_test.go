package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/livesync/internal/metrics"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://app.example.com")

		if c.baseURL != "https://app.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://app.example.com")
		}
		if c.path != DefaultPath {
			t.Errorf("path = %q, want %q", c.path, DefaultPath)
		}
		if c.httpClient.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 10*time.Second)
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.breakerFailures != 5 {
			t.Errorf("breakerFailures = %d, want %d", c.breakerFailures, 5)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with multiple options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://app.example.com",
			WithTimeout(15*time.Second),
			WithRetries(10, 200*time.Millisecond),
			WithBreaker(2, time.Minute),
			WithPath("/v2/notify"),
			WithLogger(logger),
		)
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 10 || c.retryBackoff != 200*time.Millisecond {
			t.Errorf("retries = %d/%v, want 10/200ms", c.maxRetries, c.retryBackoff)
		}
		if c.breakerFailures != 2 || c.breakerCooldown != time.Minute {
			t.Errorf("breaker = %d/%v, want 2/1m", c.breakerFailures, c.breakerCooldown)
		}
		if c.path != "/v2/notify" {
			t.Errorf("path = %q, want /v2/notify", c.path)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 3 * time.Second}
		c := NewClient("https://app.example.com", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "notify error 404: Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}

	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.code}
		if e.IsRetryable() != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.code, e.IsRetryable(), tt.want)
		}
	}
}

func TestNotify(t *testing.T) {
	t.Run("posts notification", func(t *testing.T) {
		var got Notification
		var contentType, userAgent string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/notify" {
				t.Errorf("request = %s %s", r.Method, r.URL.Path)
			}
			contentType = r.Header.Get("Content-Type")
			userAgent = r.Header.Get("User-Agent")
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &got); err != nil {
				t.Errorf("decode body: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		c := NewClient(server.URL)
		err := c.Notify(context.Background(), "gallery-1", "comment", map[string]string{"text": "hi"}, "photos")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got.ID == "" {
			t.Error("notification id should be set")
		}
		if got.ComponentID != "gallery-1" || got.Type != "comment" || got.Room != "photos" {
			t.Errorf("notification = %+v", got)
		}
		if got.SentAt.IsZero() {
			t.Error("sent_at should be set")
		}
		if contentType != "application/json" {
			t.Errorf("Content-Type = %q", contentType)
		}
		if !strings.HasPrefix(userAgent, "livesync/") {
			t.Errorf("User-Agent = %q", userAgent)
		}
	})

	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
		if err := c.Notify(context.Background(), "c", "t", nil, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("does not retry on 4xx (except 429)", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
		err := c.Notify(context.Background(), "c", "t", nil, "")

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("error = %v, want APIError 422", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(2, 10*time.Millisecond))
		err := c.Notify(context.Background(), "c", "t", nil, "")
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Fatalf("error = %v, want max retries exceeded", err)
		}
		// 1 initial + 2 retries = 3 attempts
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("context cancellation during retry", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(5, 50*time.Millisecond))
		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()

		err := c.Notify(ctx, "c", "t", nil, "")
		if err == nil || !strings.Contains(err.Error(), "context") {
			t.Errorf("error should be context-related, got %v", err)
		}
	})
}

func TestNotify_Breaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := metrics.New(nil)
	c := NewClient(server.URL,
		WithRetries(0, 0),
		WithBreaker(2, time.Hour),
		WithMetrics(m),
	)

	for i := 0; i < 2; i++ {
		if err := c.Notify(context.Background(), "c", "t", nil, ""); err == nil {
			t.Fatal("expected error")
		}
	}

	err := c.Notify(context.Background(), "c", "t", nil, "")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (third call rejected)", attempts)
	}

	if got := testutil.ToFloat64(m.NotifyRequests.WithLabelValues("error")); got != 2 {
		t.Errorf("error count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NotifyRequests.WithLabelValues("breaker_open")); got != 1 {
		t.Errorf("breaker_open count = %v, want 1", got)
	}
}

func TestNotify_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetries(0, 0), WithBreaker(1, time.Hour))

	for i := 0; i < 3; i++ {
		err := c.Notify(context.Background(), "c", "t", nil, "")
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d rejected by breaker", i)
		}
	}
}
