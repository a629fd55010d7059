package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/crypto-stream/internal/model"
	"github.com/rickgao/crypto-stream/internal/stream"
)

// Provider source tags carried in PriceUpdate.Source.
const (
	SourceBinance   = "binance"
	SourceCoinbase  = "coinbase"
	SourceSynthetic = "synthetic"
)

var (
	// ErrPrimaryExists is returned when a second primary provider is registered.
	ErrPrimaryExists = errors.New("primary provider already registered")

	// ErrDuplicateFeed is returned when a provider name is registered twice.
	ErrDuplicateFeed = errors.New("provider already registered")
)

// Handler receives every accepted price update, synchronously and in
// registration order.
type Handler func(update model.PriceUpdate)

// Feed is one upstream price provider. Implementations own their transport
// and wire parsing and must never block on a slow handler chain longer than
// the handlers themselves take.
type Feed interface {
	// Name returns the provider tag (matches PriceUpdate.Source).
	Name() string

	// Symbols returns the tracked symbols.
	Symbols() []string

	// Start begins producing updates.
	Start(ctx context.Context) error

	// Stop halts production and closes owned connections before returning.
	Stop(ctx context.Context) error

	// AddHandler registers an update handler. Not safe to call after Start.
	AddHandler(h Handler)
}

// StreamReporter is implemented by feeds backed by live WebSocket streams.
// The manager surfaces these snapshots on the status endpoint.
type StreamReporter interface {
	StreamStatuses() map[string]stream.Status
	StreamMetrics() map[string]stream.Metrics
}

// Config configures the feed Manager.
type Config struct {
	// UpdateInterval is the expected provider tick cadence.
	UpdateInterval time.Duration

	// StalenessWindow is how long a provider may stay silent on a symbol
	// before failover considers it dead. Zero derives 2x UpdateInterval.
	StalenessWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 30 * time.Second,
	}
}

// Validate checks config values and fills the derived staleness window.
func (c *Config) Validate() error {
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %v", c.UpdateInterval)
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 2 * c.UpdateInterval
	}
	if c.StalenessWindow < c.UpdateInterval {
		return fmt.Errorf("staleness_window (%v) cannot be below update_interval (%v)",
			c.StalenessWindow, c.UpdateInterval)
	}
	return nil
}

// dispatch invokes handlers in registration order. A panicking handler is
// logged and skipped so it cannot starve the remaining handlers.
func dispatch(logger *slog.Logger, source string, handlers []Handler, update model.PriceUpdate) {
	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("price handler panicked",
						"source", source,
						"handler_index", i,
						"symbol", update.Symbol,
						"panic", r)
				}
			}()
			h(update)
		}()
	}
}
