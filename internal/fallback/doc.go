// Package fallback keeps a component's data fresh by choosing between a
// push connection and REST polling.
//
// On mount an Orchestrator probes the server's health endpoint. A healthy
// server gets a push connect attempt with a fallback timer; an unhealthy
// one goes straight to polling. Polling keeps running through reconnect
// attempts and stops only when push reports Connected. A periodic recheck
// probes again and reconnects when the server recovers.
//
// Every transition runs on the orchestrator's event loop, so handlers for
// transport events, timers and API calls never race each other.
package fallback
