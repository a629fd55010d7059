package stream

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyClosed  = errors.New("already closed")
	ErrStreamExists   = errors.New("stream already exists")
	ErrStreamNotFound = errors.New("stream not found")
)

// Status is the connection state of a stream.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Config configures one upstream stream. Immutable after creation.
type Config struct {
	ID                string            // Unique stream identifier
	URL               string            // WebSocket URL
	Symbols           []string          // Symbols carried by this stream
	ReconnectAttempts int               // Attempt cap before status becomes error
	ReconnectDelay    time.Duration     // Base backoff delay
	MaxReconnectDelay time.Duration     // Backoff cap
	HeartbeatInterval time.Duration     // Ping interval; 0 disables heartbeat
	HandshakeTimeout  time.Duration     // Dial timeout
	WriteTimeout      time.Duration     // Write deadline for sends
	BufferSize        int               // Inbound dispatch buffer capacity
	RateLimit         time.Duration     // Minimum interval between sends; 0 disables
	Headers           map[string]string // Extra handshake headers
	Subscribe         any               // Optional JSON payload sent after every successful dial
}

// DefaultConfig returns sensible defaults. ID and URL must still be set.
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// Validate checks that all required fields are set and values are valid.
// Invalid configuration is the only error surfaced synchronously to callers;
// connection failures are handled by the reconnect loop.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("stream id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("stream %s: url is required", c.ID)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("stream %s: reconnect_attempts must be >= 1", c.ID)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("stream %s: reconnect_delay must be positive", c.ID)
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("stream %s: max_reconnect_delay (%v) cannot be below reconnect_delay (%v)",
			c.ID, c.MaxReconnectDelay, c.ReconnectDelay)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("stream %s: handshake_timeout must be positive", c.ID)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("stream %s: buffer_size must be >= 1", c.ID)
	}
	return nil
}

// Metrics is a read-only snapshot of one connection's counters. The owning
// connection's loops are the only writers; callers always get a copy.
type Metrics struct {
	MessagesReceived int64         `json:"messages_received"`
	MessagesSent     int64         `json:"messages_sent"`
	BytesReceived    int64         `json:"bytes_received"`
	BytesSent        int64         `json:"bytes_sent"`
	ReconnectCount   int64         `json:"reconnect_count"`
	ErrorCount       int64         `json:"error_count"`
	LastMessageAt    time.Time     `json:"last_message_at"`
	Uptime           time.Duration `json:"uptime"`
	LastLatency      time.Duration `json:"last_latency"`
}

// MessageHandler receives every inbound message across all streams owned by
// a Manager. Used for cross-cutting concerns, not business parsing.
type MessageHandler func(streamID string, data []byte)
