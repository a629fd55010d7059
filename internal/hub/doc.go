// Package hub manages downstream WebSocket clients: registration, room
// membership, and room-scoped broadcast.
//
// Every client gets a buffered outbound queue drained by its own writer
// goroutine, so one slow client can never stall a broadcast pass. Clients
// whose queue overflows or whose socket rejects a write are evicted. A
// periodic heartbeat frame keeps connections warm and a staleness sweep
// disconnects clients that have gone silent.
package hub
