// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Orchestrator phase transitions per component
//   - Health probe outcomes and push connect attempts
//   - Polling ticks, callback failures and current intervals
//   - Outbound notify requests by result
//
// A nil *Metrics is valid and records nothing, so libraries can take one
// unconditionally.
package metrics
