// Package app mounts every configured component and serves the status and
// admin API.
//
// Each component gets a push client for the resolved transport, a REST
// fetcher and a fallback orchestrator that switches between them. Changing
// the persisted transport override unmounts and remounts everything.
//
// Routes:
//
//	GET    /health                          overall status (healthy or degraded)
//	GET    /metrics                         Prometheus metrics
//	GET    /debug/polling                   active polling loops
//	GET    /debug/components                per-component connection state
//	GET    /debug/provider                  transport resolution (honours ?transport=)
//	POST   /admin/reload                    remount every component
//	POST   /admin/refresh                   fetch every component once
//	PUT    /admin/provider/{kind}           persist a transport override
//	DELETE /admin/provider                  clear the override
//	GET    /components/{id}/snapshot        latest data
//	POST   /components/{id}/reconnect       reconnect now (rate limited)
//	POST   /components/{id}/activity/{lvl}  adjust polling activity
//	POST   /components/{id}/messages        send an event
package app
