// Package stream implements the upstream connection engine.
//
// A Conn maintains one logical WebSocket connection to a market-data
// provider:
//   - Automatic reconnection with jittered exponential backoff
//   - Heartbeat pings and dead-connection detection
//   - Per-connection metrics owned exclusively by the connection's own loops
//
// A Manager composes many Conns keyed by stream ID and fans every inbound
// message to a list of global handlers.
package stream
