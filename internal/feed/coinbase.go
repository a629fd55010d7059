package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/model"
	"github.com/rickgao/crypto-stream/internal/stream"
)

const (
	coinbaseWSURL    = "wss://ws-feed.pro.coinbase.com"
	coinbaseStreamID = "coinbase_feed"
)

// coinbaseFeed consumes Coinbase's ticker channel over a single multiplexed
// connection. The subscription payload rides on the stream config so it is
// replayed automatically after every reconnect.
type coinbaseFeed struct {
	logger  *slog.Logger
	url     string
	symbols []string

	mu       sync.Mutex
	handlers []Handler
	streams  stream.Manager
	running  bool
}

// NewCoinbaseFeed creates a feed tracking the given base symbols against USD.
func NewCoinbaseFeed(symbols []string, logger *slog.Logger) Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &coinbaseFeed{
		logger:  logger.With("provider", SourceCoinbase),
		url:     coinbaseWSURL,
		symbols: append([]string(nil), symbols...),
	}
}

func (f *coinbaseFeed) Name() string { return SourceCoinbase }

func (f *coinbaseFeed) Symbols() []string {
	return append([]string(nil), f.symbols...)
}

func (f *coinbaseFeed) AddHandler(h Handler) {
	if h == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *coinbaseFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.streams = stream.NewManager(f.logger)
	streams := f.streams
	f.mu.Unlock()

	if err := streams.Start(ctx); err != nil {
		return err
	}
	streams.AddGlobalHandler(f.onMessage)

	products := make([]string, len(f.symbols))
	for i, symbol := range f.symbols {
		products[i] = strings.ToUpper(symbol) + "-USD"
	}

	cfg := stream.DefaultConfig()
	cfg.ID = coinbaseStreamID
	cfg.URL = f.url
	cfg.Symbols = f.Symbols()
	cfg.Subscribe = map[string]any{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	}

	if err := streams.AddStream(cfg); err != nil {
		streams.Stop(ctx)
		return fmt.Errorf("adding coinbase stream: %w", err)
	}

	f.logger.Info("price feed started", "symbols", len(f.symbols))
	return nil
}

func (f *coinbaseFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	streams := f.streams
	f.streams = nil
	f.mu.Unlock()

	if streams != nil {
		if err := streams.Stop(ctx); err != nil {
			return err
		}
	}
	f.logger.Info("price feed stopped")
	return nil
}

func (f *coinbaseFeed) StreamStatuses() map[string]stream.Status {
	f.mu.Lock()
	streams := f.streams
	f.mu.Unlock()
	if streams == nil {
		return nil
	}
	return streams.AllStatuses()
}

func (f *coinbaseFeed) StreamMetrics() map[string]stream.Metrics {
	f.mu.Lock()
	streams := f.streams
	f.mu.Unlock()
	if streams == nil {
		return nil
	}
	return streams.AllMetrics()
}

func (f *coinbaseFeed) onMessage(streamID string, data []byte) {
	update, ok, err := parseCoinbaseTicker(data)
	if err != nil {
		f.logger.Warn("dropping malformed message", "stream", streamID, "error", err)
		return
	}
	if !ok {
		// Subscription acks and heartbeats arrive on the same socket.
		return
	}

	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	dispatch(f.logger, SourceCoinbase, handlers, update)
}

// coinbaseTicker is the subset of Coinbase's ticker frame we consume.
type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

// parseCoinbaseTicker converts one ticker frame into a PriceUpdate. The ok
// result is false for non-ticker frames, which are expected traffic.
func parseCoinbaseTicker(data []byte) (model.PriceUpdate, bool, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return model.PriceUpdate{}, false, fmt.Errorf("decoding frame: %w", err)
	}
	if t.Type != "ticker" {
		return model.PriceUpdate{}, false, nil
	}
	if t.ProductID == "" || t.Price == "" {
		return model.PriceUpdate{}, false, fmt.Errorf("ticker frame missing product_id or price")
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return model.PriceUpdate{}, false, fmt.Errorf("parsing price %q: %w", t.Price, err)
	}

	update := model.PriceUpdate{
		Symbol:    strings.TrimSuffix(strings.ToUpper(t.ProductID), "-USD"),
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    SourceCoinbase,
	}
	if t.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
			update.Timestamp = ts.UTC()
		}
	}
	if t.Volume24h != "" {
		if v, err := decimal.NewFromString(t.Volume24h); err == nil {
			update.Volume24h = v
		}
	}
	if t.Open24h != "" {
		if open, err := decimal.NewFromString(t.Open24h); err == nil && open.IsPositive() {
			change := price.Sub(open)
			update.Change24h = change
			pct, _ := change.Div(open).Mul(decimal.NewFromInt(100)).Float64()
			update.ChangePercent24h = pct
		}
	}
	return update, true, nil
}
