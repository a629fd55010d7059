// Package server is the composition root of the streaming system.
//
// It builds the event bus, the provider feeds, the alert engine, and the
// downstream connection manager from one configuration, bridges accepted
// price updates onto the bus, and fans bus traffic out to room-scoped
// client broadcasts. The HTTP surface is two routes: GET /ws upgrades new
// client sockets and GET /status reports a read-only snapshot.
package server
