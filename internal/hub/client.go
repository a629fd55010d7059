package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// client is one downstream connection. Room membership and lastActive are
// guarded by the manager mutex; the send queue is drained by a dedicated
// writer goroutine.
type client struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	rooms       map[string]struct{}
	metadata    map[string]string
	connectedAt time.Time
	lastActive  time.Time
}

// ClientInfo is a read-only snapshot of one client for diagnostics.
type ClientInfo struct {
	ClientID    string            `json:"client_id"`
	ConnectedAt time.Time         `json:"connected_at"`
	LastActive  time.Time         `json:"last_active"`
	Rooms       []string          `json:"rooms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
