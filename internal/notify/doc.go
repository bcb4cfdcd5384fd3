// Package notify provides the HTTP client components use to send messages
// while their push connection is down.
//
// Endpoint:
//   - POST <base>/api/notify with a JSON Notification body
//
// 5xx and 429 responses are retried. A circuit breaker stops calls after
// repeated failures so a dead server is not hammered from every component.
package notify
