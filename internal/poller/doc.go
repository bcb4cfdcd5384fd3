// Package poller fetches component data over REST.
//
// A Fetcher:
//   - GETs one component's poll URL and hands the body to a SnapshotHandler
//   - Sends If-None-Match so unchanged data costs a 304
//   - Marks snapshots with source="rest"; push deliveries use source="push"
//
// RefreshAll refreshes many components with bounded concurrency.
package poller
