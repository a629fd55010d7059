package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// staleMultiplier is how many heartbeat intervals of inbound silence are
// tolerated before the connection is treated as dead.
const staleMultiplier = 3

// Conn is a single reconnecting upstream WebSocket connection.
type Conn interface {
	// Connect establishes the connection. A handshake failure returns a
	// connection error and leaves the connection in reconnecting state; the
	// reconnect loop keeps retrying in the background.
	Connect(ctx context.Context) error

	// Disconnect cooperatively closes the connection. Always succeeds and is
	// safe to call more than once.
	Disconnect() error

	// Send serializes payload as JSON and writes it. Fails with
	// ErrNotConnected when the socket is not connected; callers decide
	// whether to buffer.
	Send(payload any) error

	// Status returns the current connection state.
	Status() Status

	// Metrics returns a snapshot of the connection's counters.
	Metrics() Metrics

	// Config returns the immutable stream configuration.
	Config() Config
}

// conn implements Conn. Status and metrics are mutated only by the
// connection's own loops (connect, read, heartbeat, reconnect).
type conn struct {
	cfg    Config
	logger *slog.Logger

	onMessage func(streamID string, data []byte)
	onStatus  func(streamID string, status Status)

	// Inbound messages are buffered here and handed to onMessage by a
	// dispatch goroutine, so a slow handler never stalls the socket reader.
	inbound      chan []byte
	dispatchOnce sync.Once

	ctx context.Context

	// Write serialization
	writeMu  sync.Mutex
	lastSend time.Time

	mu          sync.RWMutex
	ws          *websocket.Conn
	status      Status
	closed      bool
	stop        chan struct{}
	connectedAt time.Time
	lastInbound time.Time
	pingSentAt  time.Time

	// Counters, guarded by mu
	msgsReceived int64
	msgsSent     int64
	bytesRecv    int64
	bytesSent    int64
	reconnects   int64
	errCount     int64
	lastMsgAt    time.Time
	uptime       time.Duration
	lastLatency  time.Duration

	rng *rand.Rand
}

// NewConn creates a connection for the given config. Returns a configuration
// error synchronously; all later connection errors are absorbed by the
// reconnect loop and observable only through Status and Metrics.
func NewConn(cfg Config, onMessage func(streamID string, data []byte), onStatus func(streamID string, status Status), logger *slog.Logger) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &conn{
		cfg:       cfg,
		logger:    logger.With("stream", cfg.ID),
		onMessage: onMessage,
		onStatus:  onStatus,
		inbound:   make(chan []byte, cfg.BufferSize),
		status:    StatusDisconnected,
		stop:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect establishes the connection and starts the read and heartbeat loops.
func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.status = StatusConnecting
	c.mu.Unlock()
	c.notifyStatus(StatusConnecting)

	if c.onMessage != nil {
		c.dispatchOnce.Do(func() { go c.dispatchLoop() })
	}

	if err := c.dial(); err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return err
		}
		c.errCount++
		c.status = StatusReconnecting
		c.mu.Unlock()
		c.notifyStatus(StatusReconnecting)

		go c.reconnectLoop()
		return err
	}

	return nil
}

// dial performs the WebSocket handshake and, on success, transitions to
// connected and starts the session loops.
func (c *conn) dial() error {
	header := http.Header{}
	for k, v := range c.cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	ws.SetPongHandler(func(string) error {
		now := time.Now()
		c.mu.Lock()
		c.lastInbound = now
		if !c.pingSentAt.IsZero() {
			c.lastLatency = now.Sub(c.pingSentAt)
		}
		c.mu.Unlock()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.mu.Lock()
		c.lastInbound = time.Now()
		c.mu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	now := time.Now()
	c.mu.Lock()
	if c.closed {
		// Disconnect landed while the handshake was in flight. Nothing may
		// survive a stop, so drop the socket instead of committing it.
		c.mu.Unlock()
		ws.Close()
		return ErrAlreadyClosed
	}
	c.ws = ws
	c.status = StatusConnected
	c.connectedAt = now
	c.lastInbound = now
	c.mu.Unlock()
	c.notifyStatus(StatusConnected)

	go c.readLoop(ws)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ws)
	}

	if c.cfg.Subscribe != nil {
		// Re-sent on every dial so subscriptions survive reconnects.
		if err := c.Send(c.cfg.Subscribe); err != nil {
			c.logger.Warn("subscribe payload failed", "url", c.cfg.URL, "error", err)
		}
	}

	c.logger.Debug("stream connected", "url", c.cfg.URL)
	return nil
}

// Disconnect cooperatively closes the connection.
func (c *conn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.accumulateUptimeLocked()
	c.status = StatusDisconnected
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	close(c.stop)

	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.Close()
	}

	c.notifyStatus(StatusDisconnected)
	return nil
}

// Send serializes and writes a payload.
func (c *conn) Send(payload any) error {
	c.mu.RLock()
	ws := c.ws
	connected := c.status == StatusConnected
	c.mu.RUnlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.RateLimit > 0 {
		if wait := c.cfg.RateLimit - time.Since(c.lastSend); wait > 0 {
			time.Sleep(wait)
		}
	}

	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		c.errCount++
		c.mu.Unlock()
		return err
	}
	c.lastSend = time.Now()

	c.mu.Lock()
	c.msgsSent++
	c.bytesSent += int64(len(data))
	c.mu.Unlock()
	return nil
}

// Status returns the current state.
func (c *conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Config returns the stream configuration.
func (c *conn) Config() Config {
	return c.cfg
}

// Metrics returns a snapshot of the counters.
func (c *conn) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := c.uptime
	if c.status == StatusConnected && !c.connectedAt.IsZero() {
		uptime += time.Since(c.connectedAt)
	}

	return Metrics{
		MessagesReceived: c.msgsReceived,
		MessagesSent:     c.msgsSent,
		BytesReceived:    c.bytesRecv,
		BytesSent:        c.bytesSent,
		ReconnectCount:   c.reconnects,
		ErrorCount:       c.errCount,
		LastMessageAt:    c.lastMsgAt,
		Uptime:           uptime,
		LastLatency:      c.lastLatency,
	}
}

// readLoop reads messages for one socket session and hands them to the
// message callback. A read error ends the session and triggers reconnection.
func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.beginReconnect(ws, err)
			return
		}

		now := time.Now()
		c.mu.Lock()
		c.msgsReceived++
		c.bytesRecv += int64(len(data))
		c.lastMsgAt = now
		c.lastInbound = now
		c.mu.Unlock()

		if c.onMessage != nil {
			select {
			case c.inbound <- data:
			default:
				c.mu.Lock()
				c.errCount++
				c.mu.Unlock()
				c.logger.Warn("inbound buffer full, dropping message")
			}
		}
	}
}

// dispatchLoop drains the inbound buffer into the message callback. It runs
// across reconnects and exits only on Disconnect.
func (c *conn) dispatchLoop() {
	for {
		select {
		case <-c.stop:
			return
		case data := <-c.inbound:
			c.onMessage(c.cfg.ID, data)
		}
	}
}

// heartbeatLoop sends periodic pings for one socket session and watches for
// inbound silence exceeding the staleness threshold.
func (c *conn) heartbeatLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.ws
			lastInbound := c.lastInbound
			c.mu.RUnlock()

			// Session superseded by a reconnect.
			if current != ws {
				return
			}

			now := time.Now()
			c.mu.Lock()
			c.pingSentAt = now
			c.mu.Unlock()

			deadline := now.Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			if time.Since(lastInbound) > staleMultiplier*c.cfg.HeartbeatInterval {
				c.logger.Warn("no inbound traffic, connection stale",
					"last_inbound", lastInbound,
					"interval", c.cfg.HeartbeatInterval,
				)
				c.beginReconnect(ws, ErrNotConnected)
				return
			}
		}
	}
}

// beginReconnect transitions the failed session into reconnecting state and
// starts the reconnect loop. Only the first caller for a given session wins.
func (c *conn) beginReconnect(failed *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != failed || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.errCount++
	c.accumulateUptimeLocked()
	c.status = StatusReconnecting
	c.ws = nil
	c.mu.Unlock()

	failed.Close()

	c.logger.Warn("stream connection lost", "error", cause)
	c.notifyStatus(StatusReconnecting)

	go c.reconnectLoop()
}

// reconnectLoop retries the handshake with jittered exponential backoff until
// it succeeds or the attempt cap is exhausted, at which point the status
// becomes error and no further automatic attempts occur.
func (c *conn) reconnectLoop() {
	b := newBackoff(c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, c.rng)

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		delay := b.Next()

		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		c.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", c.cfg.ReconnectAttempts,
			"delay", delay,
		)

		if err := c.dial(); err != nil {
			c.mu.Lock()
			c.errCount++
			c.mu.Unlock()
			c.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		c.logger.Info("reconnected", "attempt", attempt)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = StatusError
	c.mu.Unlock()

	c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.ReconnectAttempts)
	c.notifyStatus(StatusError)
}

// accumulateUptimeLocked folds the current session into cumulative uptime.
// Caller must hold mu.
func (c *conn) accumulateUptimeLocked() {
	if c.status == StatusConnected && !c.connectedAt.IsZero() {
		c.uptime += time.Since(c.connectedAt)
		c.connectedAt = time.Time{}
	}
}

func (c *conn) notifyStatus(s Status) {
	if c.onStatus != nil {
		c.onStatus(c.cfg.ID, s)
	}
}
