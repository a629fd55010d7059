package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotRunning is returned when clients are offered before Start.
	ErrNotRunning = errors.New("connection manager is not running")

	// ErrClientExists is returned when a client ID is already connected.
	ErrClientExists = errors.New("client already connected")

	// ErrClientNotFound is returned for operations on unknown clients.
	ErrClientNotFound = errors.New("client not found")

	// ErrSendFailed is returned when a client's outbound queue is full or
	// its socket rejected the frame. The client is evicted as a side effect.
	ErrSendFailed = errors.New("send to client failed")
)

// Config configures the connection manager.
type Config struct {
	// HeartbeatInterval is the cadence of outbound heartbeat frames and
	// staleness sweeps.
	HeartbeatInterval time.Duration

	// StaleAfter is how long a client may stay silent before eviction.
	StaleAfter time.Duration

	// SendBuffer is the per-client outbound queue depth. A client whose
	// queue overflows is considered too slow and is evicted.
	SendBuffer int

	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        120 * time.Second,
		SendBuffer:        64,
		WriteTimeout:      5 * time.Second,
	}
}

// Validate checks config values.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.StaleAfter < c.HeartbeatInterval {
		return fmt.Errorf("stale_after (%v) cannot be below heartbeat_interval (%v)",
			c.StaleAfter, c.HeartbeatInterval)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be >= 1, got %d", c.SendBuffer)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %v", c.WriteTimeout)
	}
	return nil
}

// Manager owns all downstream clients and their room memberships.
type Manager interface {
	// Start begins the heartbeat loop.
	Start(ctx context.Context) error

	// Stop disconnects every client and halts the heartbeat loop.
	Stop(ctx context.Context) error

	// ConnectClient registers an upgraded socket. An empty clientID gets a
	// generated one. The client receives a status welcome frame.
	ConnectClient(ws *websocket.Conn, clientID string) (string, error)

	// DisconnectClient removes a client, leaves all its rooms, and closes
	// the socket. Safe to call repeatedly.
	DisconnectClient(clientID string)

	// JoinRoom adds a client to a room, creating the room on first join.
	JoinRoom(clientID, room string) error

	// LeaveRoom removes a client from a room, deleting the room when it
	// empties.
	LeaveRoom(clientID, room string) error

	// SendToClient delivers one frame to one client, best effort. Delivery
	// failure evicts the client.
	SendToClient(clientID string, msg Message) error

	// BroadcastToRoom fans a frame out to a room's members and returns the
	// number of clients the frame was queued for. Failed clients are
	// evicted after the pass.
	BroadcastToRoom(room string, msg Message) int

	// BroadcastToAll fans a frame out to every client.
	BroadcastToAll(msg Message) int

	// Touch records inbound activity for the staleness sweep.
	Touch(clientID string)

	// ClientCount returns the number of connected clients.
	ClientCount() int

	// RoomCounts returns member counts per room.
	RoomCounts() map[string]int

	// ClientInfo returns a diagnostic snapshot of one client.
	ClientInfo(clientID string) (ClientInfo, bool)
}

// connectionManager implements Manager.
type connectionManager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{} // room -> member client IDs
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &connectionManager{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
	}, nil
}

// Start begins the heartbeat loop.
func (m *connectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(runCtx)

	m.logger.Info("connection manager started")
	return nil
}

// Stop disconnects all clients and waits for owned goroutines.
func (m *connectionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	cancel()
	for _, id := range ids {
		m.DisconnectClient(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped", "clients_closed", len(ids))
	return nil
}

// ConnectClient registers an upgraded socket.
func (m *connectionManager) ConnectClient(ws *websocket.Conn, clientID string) (string, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	now := time.Now().UTC()
	c := &client{
		id:          clientID,
		ws:          ws,
		send:        make(chan []byte, m.cfg.SendBuffer),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
		metadata:    map[string]string{},
		connectedAt: now,
		lastActive:  now,
	}
	if addr := ws.RemoteAddr(); addr != nil {
		c.metadata["remote_addr"] = addr.String()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return "", ErrNotRunning
	}
	if _, exists := m.clients[clientID]; exists {
		m.mu.Unlock()
		return "", ErrClientExists
	}
	m.clients[clientID] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.writeLoop(c)

	m.enqueue(c, NewMessage(MessageStatus, map[string]any{
		"status":    "connected",
		"client_id": clientID,
	}))

	m.logger.Info("client connected", "client", clientID)
	return clientID, nil
}

// DisconnectClient removes a client. Idempotent.
func (m *connectionManager) DisconnectClient(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)
	for room := range c.rooms {
		m.leaveRoomLocked(c, room)
	}
	m.mu.Unlock()

	// Only the goroutine that removed the client from the map gets here,
	// so the close cannot race.
	close(c.done)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()

	m.logger.Info("client disconnected", "client", clientID)
}

// JoinRoom adds a client to a room.
func (m *connectionManager) JoinRoom(clientID, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.rooms[room] = struct{}{}
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[clientID] = struct{}{}

	m.logger.Debug("client joined room", "client", clientID, "room", room)
	return nil
}

// LeaveRoom removes a client from a room.
func (m *connectionManager) LeaveRoom(clientID, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	delete(c.rooms, room)
	m.leaveRoomLocked(c, room)

	m.logger.Debug("client left room", "client", clientID, "room", room)
	return nil
}

// leaveRoomLocked removes membership and deletes the room when empty.
func (m *connectionManager) leaveRoomLocked(c *client, room string) {
	members, ok := m.rooms[room]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
}

// SendToClient delivers one frame, evicting the client on failure.
func (m *connectionManager) SendToClient(clientID string, msg Message) error {
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}
	if err := m.enqueue(c, msg); err != nil {
		m.logger.Warn("evicting client after failed send", "client", clientID, "error", err)
		m.DisconnectClient(clientID)
		return ErrSendFailed
	}
	return nil
}

// BroadcastToRoom fans a frame out to one room.
func (m *connectionManager) BroadcastToRoom(room string, msg Message) int {
	msg.Room = room

	m.mu.RLock()
	targets := make([]*client, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	return m.fanOut(targets, msg)
}

// BroadcastToAll fans a frame out to every client.
func (m *connectionManager) BroadcastToAll(msg Message) int {
	m.mu.RLock()
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	return m.fanOut(targets, msg)
}

// fanOut queues a frame for each target and evicts failed clients after the
// pass, never during it.
func (m *connectionManager) fanOut(targets []*client, msg Message) int {
	var failed []string
	sent := 0
	for _, c := range targets {
		if err := m.enqueue(c, msg); err != nil {
			failed = append(failed, c.id)
			continue
		}
		sent++
	}
	for _, id := range failed {
		m.logger.Warn("evicting client after failed broadcast", "client", id)
		m.DisconnectClient(id)
	}
	return sent
}

// enqueue stamps the client ID, serializes, and queues the frame without
// blocking. A full queue means the client is too slow.
func (m *connectionManager) enqueue(c *client, msg Message) error {
	msg.ClientID = c.id
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientNotFound
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("outbound queue full (%d frames)", cap(c.send))
	}
}

// writeLoop drains one client's outbound queue.
func (m *connectionManager) writeLoop(c *client) {
	defer m.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn("client write failed", "client", c.id, "error", err)
				m.DisconnectClient(c.id)
				return
			}
		}
	}
}

// Touch records inbound activity.
func (m *connectionManager) Touch(clientID string) {
	m.mu.Lock()
	if c, ok := m.clients[clientID]; ok {
		c.lastActive = time.Now().UTC()
	}
	m.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (m *connectionManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RoomCounts returns member counts per room.
func (m *connectionManager) RoomCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.rooms))
	for room, members := range m.rooms {
		out[room] = len(members)
	}
	return out
}

// ClientInfo returns a snapshot of one client.
func (m *connectionManager) ClientInfo(clientID string) (ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ClientInfo{}, false
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	meta := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		meta[k] = v
	}
	return ClientInfo{
		ClientID:    c.id,
		ConnectedAt: c.connectedAt,
		LastActive:  c.lastActive,
		Rooms:       rooms,
		Metadata:    meta,
	}, true
}

// heartbeatLoop sends periodic heartbeat frames and evicts stale clients.
func (m *connectionManager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BroadcastToAll(NewMessage(MessageHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			}))
			m.sweepStale()
		}
	}
}

// sweepStale evicts clients silent for longer than StaleAfter.
func (m *connectionManager) sweepStale() {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleAfter)

	m.mu.RLock()
	var stale []string
	for id, c := range m.clients {
		if c.lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.logger.Warn("disconnecting stale client", "client", id)
		m.DisconnectClient(id)
	}
}
