package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Manager composes many Conns keyed by stream ID.
type Manager interface {
	// Start marks the manager running; streams added afterwards connect
	// automatically.
	Start(ctx context.Context) error

	// Stop disconnects every stream and cancels their loops before
	// returning. No background activity survives a Stop call.
	Stop(ctx context.Context) error

	// AddStream registers a stream. Invalid configuration is returned
	// synchronously; dial failures are handled by the stream's own
	// reconnect loop.
	AddStream(cfg Config) error

	// RemoveStream disconnects and removes a stream.
	RemoveStream(id string) error

	// SendToStream sends a JSON payload on one stream.
	SendToStream(id string, payload any) error

	// AddGlobalHandler appends a handler invoked for every inbound message
	// across all owned streams, in registration order.
	AddGlobalHandler(h MessageHandler)

	// Status returns the state of one stream.
	Status(id string) (Status, bool)

	// Metrics returns a metrics snapshot for one stream.
	Metrics(id string) (Metrics, bool)

	// AllStatuses returns the state of every stream.
	AllStatuses() map[string]Status

	// AllMetrics returns metrics snapshots for every stream.
	AllMetrics() map[string]Metrics
}

// manager implements Manager.
type manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]Conn
	handlers []MessageHandler
	ctx      context.Context
	running  bool
}

// NewManager creates a stream manager.
func NewManager(logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		logger: logger,
		conns:  make(map[string]Conn),
	}
}

// Start marks the manager running.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.ctx = ctx
	m.running = true
	m.logger.Info("stream manager started")
	return nil
}

// Stop disconnects all streams.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	conns := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}

	m.logger.Info("stream manager stopped", "streams_closed", len(conns))
	return nil
}

// AddStream registers and, when running, connects a new stream.
func (m *manager) AddStream(cfg Config) error {
	m.mu.Lock()
	if _, exists := m.conns[cfg.ID]; exists {
		m.mu.Unlock()
		return ErrStreamExists
	}
	m.mu.Unlock()

	c, err := NewConn(cfg, m.dispatch, m.onStatus, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.conns[cfg.ID]; exists {
		m.mu.Unlock()
		c.Disconnect()
		return ErrStreamExists
	}
	m.conns[cfg.ID] = c
	running := m.running
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Info("stream added", "stream", cfg.ID, "url", cfg.URL)

	if running {
		if err := c.Connect(ctx); err != nil {
			// Reconnect loop owns recovery; the failure is visible via status.
			m.logger.Warn("initial connect failed", "stream", cfg.ID, "error", err)
		}
	}
	return nil
}

// RemoveStream disconnects and forgets a stream.
func (m *manager) RemoveStream(id string) error {
	m.mu.Lock()
	c, exists := m.conns[id]
	if exists {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !exists {
		return ErrStreamNotFound
	}

	c.Disconnect()
	m.logger.Info("stream removed", "stream", id)
	return nil
}

// SendToStream sends a payload on one stream.
func (m *manager) SendToStream(id string, payload any) error {
	m.mu.RLock()
	c, exists := m.conns[id]
	m.mu.RUnlock()

	if !exists {
		return ErrStreamNotFound
	}
	return c.Send(payload)
}

// AddGlobalHandler appends a cross-cutting message handler.
func (m *manager) AddGlobalHandler(h MessageHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Status returns the state of one stream.
func (m *manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	c, exists := m.conns[id]
	m.mu.RUnlock()

	if !exists {
		return "", false
	}
	return c.Status(), true
}

// Metrics returns a snapshot for one stream.
func (m *manager) Metrics(id string) (Metrics, bool) {
	m.mu.RLock()
	c, exists := m.conns[id]
	m.mu.RUnlock()

	if !exists {
		return Metrics{}, false
	}
	return c.Metrics(), true
}

// AllStatuses returns every stream's state.
func (m *manager) AllStatuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.Status()
	}
	return out
}

// AllMetrics returns every stream's metrics snapshot.
func (m *manager) AllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Metrics, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.Metrics()
	}
	return out
}

// dispatch fans one inbound message to all global handlers in registration
// order, isolating handler panics.
func (m *manager) dispatch(streamID string, data []byte) {
	m.mu.RLock()
	handlers := make([]MessageHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("message handler panicked", "stream", streamID, "panic", r)
				}
			}()
			h(streamID, data)
		}()
	}
}

// onStatus reports terminal stream failures. The manager does not auto-retry
// past the connection's own attempt cap.
func (m *manager) onStatus(streamID string, status Status) {
	if status == StatusError {
		m.logger.Error("stream exhausted reconnect attempts", "stream", streamID)
	}
}
