// Package transport implements the push connection used by the fallback
// orchestrator.
//
// Two wire implementations share one connection state machine:
//   - Raw push: JSON envelopes over a plain WebSocket (gorilla/websocket)
//   - Multiplexed: Engine.IO v4 / Socket.IO v5 framing (nhooyr.io/websocket)
//
// The client never reconnects on its own. Lifecycle changes are emitted as
// typed events (Connected, Disconnected, Error, Message) and the owner
// decides what to do next.
//
// Channel joins are kept in a subscription set. Joins made while
// disconnected are buffered in the set and replayed, once each, before
// Connected is emitted.
package transport
