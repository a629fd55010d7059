package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/model"
)

// syntheticBasePrices seed the random walk for well-known symbols. Symbols
// without an entry start at 100.
var syntheticBasePrices = map[string]decimal.Decimal{
	"BTC":  decimal.NewFromInt(50000),
	"ETH":  decimal.NewFromInt(3000),
	"ADA":  decimal.RequireFromString("1.50"),
	"DOT":  decimal.RequireFromString("25.00"),
	"LINK": decimal.RequireFromString("20.00"),
}

// syntheticFeed generates a seedable random walk per symbol. Used for local
// runs and as a last-resort fallback when real providers are unreachable.
type syntheticFeed struct {
	logger   *slog.Logger
	symbols  []string
	interval time.Duration

	mu       sync.Mutex
	handlers []Handler
	rng      *rand.Rand
	prices   map[string]decimal.Decimal
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// NewSyntheticFeed creates a synthetic feed ticking every interval. The same
// seed reproduces the same price sequence.
func NewSyntheticFeed(symbols []string, interval time.Duration, seed int64, logger *slog.Logger) Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		base, ok := syntheticBasePrices[symbol]
		if !ok {
			base = decimal.NewFromInt(100)
		}
		prices[symbol] = base
	}

	return &syntheticFeed{
		logger:   logger.With("provider", SourceSynthetic),
		symbols:  append([]string(nil), symbols...),
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
	}
}

func (f *syntheticFeed) Name() string { return SourceSynthetic }

func (f *syntheticFeed) Symbols() []string {
	return append([]string(nil), f.symbols...)
}

func (f *syntheticFeed) AddHandler(h Handler) {
	if h == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *syntheticFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go f.run(runCtx, done)

	f.logger.Info("price feed started", "symbols", len(f.symbols), "interval", f.interval)
	return nil
}

func (f *syntheticFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.logger.Info("price feed stopped")
	return nil
}

func (f *syntheticFeed) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

// tick advances the walk one step for every symbol and dispatches the
// resulting updates.
func (f *syntheticFeed) tick() {
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers...)
	updates := make([]model.PriceUpdate, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		step := f.rng.Float64()*0.10 - 0.05 // uniform in [-5%, +5%)
		price := f.prices[symbol].Mul(decimal.NewFromFloat(1 + step))
		f.prices[symbol] = price

		updates = append(updates, model.PriceUpdate{
			Symbol:           symbol,
			Price:            price,
			Volume24h:        decimal.NewFromFloat(1e6 + f.rng.Float64()*9e6).Round(2),
			ChangePercent24h: step * 100,
			Timestamp:        time.Now().UTC(),
			Source:           SourceSynthetic,
		})
	}
	f.mu.Unlock()

	for _, update := range updates {
		dispatch(f.logger, SourceSynthetic, handlers, update)
	}
}
