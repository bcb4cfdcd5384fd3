package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/rickgao/livesync/internal/version"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("notify circuit open")

// APIError represents an error response from the notify endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notify error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Notification is the request body.
type Notification struct {
	ID          string    `json:"id"`
	ComponentID string    `json:"component_id"`
	Type        string    `json:"type"`
	Room        string    `json:"room,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Notify posts one message. Retryable failures are retried with jittered
// exponential backoff; the whole retried call counts once against the
// circuit breaker.
func (c *Client) Notify(ctx context.Context, componentID, eventType string, payload any, room string) error {
	n := Notification{
		ID:          uuid.NewString(),
		ComponentID: componentID,
		Type:        eventType,
		Room:        room,
		Payload:     payload,
		SentAt:      time.Now().UTC(),
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, body)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.Notify("breaker_open")
		return ErrCircuitOpen
	case err != nil:
		c.metrics.Notify("error")
		return err
	}

	c.metrics.Notify("ok")
	c.logger.Debug("notification sent", "id", n.ID, "component", componentID, "type", eventType)
	return nil
}

// doRequest performs a single POST.
func (c *Client) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	return nil
}

// doWithRetry performs the POST with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			var jitter time.Duration
			if backoff > 0 {
				jitter = backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			}
			c.logger.Debug("retrying notify",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		err := c.doRequest(ctx, body)
		if err == nil {
			return nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
