// Package store persists the transport override across restarts.
//
// Three backends share the OverrideStore interface:
//   - File: a YAML map on local disk, rewritten atomically
//   - Redis: plain string keys under a prefix
//   - Postgres: one key/value table created on first use
package store
