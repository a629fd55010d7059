package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/model"
	"github.com/rickgao/crypto-stream/internal/stream"
)

const binanceWSBase = "wss://stream.binance.com:9443/ws"

// binanceFeed consumes Binance's per-symbol 24h ticker streams. One upstream
// connection per symbol, all owned by a single stream manager.
type binanceFeed struct {
	logger  *slog.Logger
	baseURL string
	symbols []string

	mu       sync.Mutex
	handlers []Handler
	streams  stream.Manager
	running  bool
}

// NewBinanceFeed creates a feed tracking the given base symbols against USDT.
func NewBinanceFeed(symbols []string, logger *slog.Logger) Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &binanceFeed{
		logger:  logger.With("provider", SourceBinance),
		baseURL: binanceWSBase,
		symbols: append([]string(nil), symbols...),
	}
}

func (f *binanceFeed) Name() string { return SourceBinance }

func (f *binanceFeed) Symbols() []string {
	return append([]string(nil), f.symbols...)
}

func (f *binanceFeed) AddHandler(h Handler) {
	if h == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *binanceFeed) Start(ctx context.Context) error {
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

	for _, symbol := range f.symbols {
		pair := strings.ToLower(symbol) + "usdt"
		cfg := stream.DefaultConfig()
		cfg.ID = "binance_" + strings.ToLower(symbol)
		cfg.URL = fmt.Sprintf("%s/%s@ticker", f.baseURL, pair)
		cfg.Symbols = []string{symbol}
		if err := streams.AddStream(cfg); err != nil {
			streams.Stop(ctx)
			return fmt.Errorf("adding binance stream for %s: %w", symbol, err)
		}
	}

	f.logger.Info("price feed started", "symbols", len(f.symbols))
	return nil
}

func (f *binanceFeed) Stop(ctx context.Context) error {
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

func (f *binanceFeed) StreamStatuses() map[string]stream.Status {
	f.mu.Lock()
	streams := f.streams
	f.mu.Unlock()
	if streams == nil {
		return nil
	}
	return streams.AllStatuses()
}

func (f *binanceFeed) StreamMetrics() map[string]stream.Metrics {
	f.mu.Lock()
	streams := f.streams
	f.mu.Unlock()
	if streams == nil {
		return nil
	}
	return streams.AllMetrics()
}

func (f *binanceFeed) onMessage(streamID string, data []byte) {
	update, err := parseBinanceTicker(data)
	if err != nil {
		f.logger.Warn("dropping malformed message", "stream", streamID, "error", err)
		return
	}

	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	dispatch(f.logger, SourceBinance, handlers, update)
}

// binanceTicker is the subset of Binance's 24hr ticker frame we consume.
type binanceTicker struct {
	EventTime     int64  `json:"E"` // Event time, milliseconds
	Symbol        string `json:"s"` // e.g. "BTCUSDT"
	LastPrice     string `json:"c"`
	PriceChange   string `json:"p"`
	ChangePercent string `json:"P"`
	Volume        string `json:"v"`
}

// parseBinanceTicker converts one ticker frame into a PriceUpdate.
func parseBinanceTicker(data []byte) (model.PriceUpdate, error) {
	var t binanceTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return model.PriceUpdate{}, fmt.Errorf("decoding ticker: %w", err)
	}
	if t.Symbol == "" || t.LastPrice == "" {
		return model.PriceUpdate{}, fmt.Errorf("ticker frame missing symbol or price")
	}

	price, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return model.PriceUpdate{}, fmt.Errorf("parsing price %q: %w", t.LastPrice, err)
	}

	update := model.PriceUpdate{
		Symbol:    strings.TrimSuffix(strings.ToUpper(t.Symbol), "USDT"),
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    SourceBinance,
	}
	if t.EventTime > 0 {
		update.Timestamp = time.UnixMilli(t.EventTime).UTC()
	}
	if t.Volume != "" {
		if v, err := decimal.NewFromString(t.Volume); err == nil {
			update.Volume24h = v
		}
	}
	if t.PriceChange != "" {
		if c, err := decimal.NewFromString(t.PriceChange); err == nil {
			update.Change24h = c
		}
	}
	if t.ChangePercent != "" {
		if p, err := strconv.ParseFloat(t.ChangePercent, 64); err == nil {
			update.ChangePercent24h = p
		}
	}
	return update, nil
}
