package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/crypto-stream/internal/model"
	"github.com/rickgao/crypto-stream/internal/stream"
)

// Manager merges registered provider feeds into one failover-aware stream of
// price updates.
type Manager interface {
	// Start begins all registered feeds, primary first.
	Start(ctx context.Context) error

	// Stop halts all feeds and the staleness monitor before returning.
	Stop(ctx context.Context) error

	// Register adds a provider. At most one primary may be registered;
	// the rest are fallbacks tried in registration order.
	Register(f Feed, primary bool) error

	// AddHandler registers a handler for accepted updates. Handlers run
	// synchronously in registration order with per-handler panic isolation.
	AddHandler(h Handler)

	// LastUpdate returns when a symbol's last accepted update arrived.
	LastUpdate(symbol string) (time.Time, bool)

	// ActiveSource returns the provider whose update for a symbol was
	// forwarded most recently.
	ActiveSource(symbol string) (string, bool)

	// Status returns a diagnostic snapshot of every provider.
	Status() map[string]ProviderStatus
}

// ProviderStatus is a read-only snapshot of one registered provider.
type ProviderStatus struct {
	Primary    bool                   `json:"primary"`
	Symbols    []string               `json:"symbols"`
	LastUpdate map[string]time.Time   `json:"last_update,omitempty"`
	Streams    map[string]StreamState `json:"streams,omitempty"`
}

// StreamState pairs a connection's status with its metrics snapshot. Only
// providers backed by live WebSocket streams report it.
type StreamState struct {
	Status  stream.Status  `json:"status"`
	Metrics stream.Metrics `json:"metrics"`
}

// registration tracks one feed plus the freshness state failover decisions
// read. Both maps are guarded by the manager mutex.
type registration struct {
	feed    Feed
	primary bool

	lastSeen map[string]time.Time // symbol -> arrival time, drives staleness
	lastTS   map[string]time.Time // symbol -> provider timestamp, drives ordering
}

// manager implements Manager.
type manager struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	feeds         []*registration
	primary       *registration
	handlers      []Handler
	active        map[string]string    // symbol -> forwarding provider
	lastForwarded map[string]time.Time // symbol -> arrival time of last accepted update
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a feed manager.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:           cfg,
		logger:        logger,
		active:        make(map[string]string),
		lastForwarded: make(map[string]time.Time),
	}, nil
}

// Register adds a provider feed.
func (m *manager) Register(f Feed, primary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, reg := range m.feeds {
		if reg.feed.Name() == f.Name() {
			return ErrDuplicateFeed
		}
	}
	if primary && m.primary != nil {
		return ErrPrimaryExists
	}

	reg := &registration{
		feed:     f,
		primary:  primary,
		lastSeen: make(map[string]time.Time),
		lastTS:   make(map[string]time.Time),
	}
	m.feeds = append(m.feeds, reg)
	if primary {
		m.primary = reg
	}

	f.AddHandler(func(update model.PriceUpdate) {
		m.onUpdate(reg, update)
	})

	m.logger.Info("provider registered", "provider", f.Name(), "primary", primary)
	return nil
}

// AddHandler registers an update handler.
func (m *manager) AddHandler(h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Start begins all feeds, primary first so it wins the initial election.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	ordered := m.startOrderLocked()
	m.mu.Unlock()

	for _, reg := range ordered {
		if err := reg.feed.Start(ctx); err != nil {
			m.Stop(ctx)
			return err
		}
	}

	m.wg.Add(1)
	go m.monitorStaleness(runCtx)

	m.logger.Info("feed manager started", "providers", len(ordered))
	return nil
}

// Stop halts all feeds and the staleness monitor.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	feeds := make([]*registration, len(m.feeds))
	copy(feeds, m.feeds)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var firstErr error
	for _, reg := range feeds {
		if err := reg.feed.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.logger.Info("feed manager stopped")
	return firstErr
}

// LastUpdate returns the arrival time of a symbol's last accepted update.
func (m *manager) LastUpdate(symbol string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.lastForwarded[symbol]
	return ts, ok
}

// ActiveSource returns the currently forwarding provider for a symbol.
func (m *manager) ActiveSource(symbol string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.active[symbol]
	return src, ok
}

// Status returns a snapshot of every provider.
func (m *manager) Status() map[string]ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProviderStatus, len(m.feeds))
	for _, reg := range m.feeds {
		last := make(map[string]time.Time, len(reg.lastSeen))
		for symbol, ts := range reg.lastSeen {
			last[symbol] = ts
		}
		ps := ProviderStatus{
			Primary:    reg.primary,
			Symbols:    reg.feed.Symbols(),
			LastUpdate: last,
		}
		if reporter, ok := reg.feed.(StreamReporter); ok {
			statuses := reporter.StreamStatuses()
			metrics := reporter.StreamMetrics()
			if len(statuses) > 0 {
				ps.Streams = make(map[string]StreamState, len(statuses))
				for id, st := range statuses {
					ps.Streams[id] = StreamState{Status: st, Metrics: metrics[id]}
				}
			}
		}
		out[reg.feed.Name()] = ps
	}
	return out
}

// startOrderLocked returns feeds with the primary moved to the front.
func (m *manager) startOrderLocked() []*registration {
	ordered := make([]*registration, 0, len(m.feeds))
	if m.primary != nil {
		ordered = append(ordered, m.primary)
	}
	for _, reg := range m.feeds {
		if !reg.primary {
			ordered = append(ordered, reg)
		}
	}
	return ordered
}

// onUpdate records freshness for the emitting provider and forwards the
// update when that provider is the elected source for the symbol.
func (m *manager) onUpdate(reg *registration, update model.PriceUpdate) {
	now := time.Now()

	m.mu.Lock()
	// Per-provider ordering guarantee: a provider's timestamps for one
	// symbol never go backwards.
	if prev, ok := reg.lastTS[update.Symbol]; ok && update.Timestamp.Before(prev) {
		m.mu.Unlock()
		m.logger.Warn("dropping out-of-order update",
			"provider", reg.feed.Name(), "symbol", update.Symbol)
		return
	}
	reg.lastTS[update.Symbol] = update.Timestamp
	reg.lastSeen[update.Symbol] = now

	if !m.electedLocked(reg, update.Symbol, now) {
		m.mu.Unlock()
		return
	}

	prevSource := m.active[update.Symbol]
	m.active[update.Symbol] = reg.feed.Name()
	m.lastForwarded[update.Symbol] = now
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if prevSource != "" && prevSource != reg.feed.Name() {
		m.logger.Warn("provider switched",
			"symbol", update.Symbol, "from", prevSource, "to", reg.feed.Name())
	}

	dispatch(m.logger, reg.feed.Name(), handlers, update)
}

// electedLocked reports whether reg forwards updates for symbol right now:
// the primary always does; a fallback does only while the primary and every
// earlier-registered fallback are stale for that symbol.
func (m *manager) electedLocked(reg *registration, symbol string, now time.Time) bool {
	if reg.primary {
		return true
	}
	if m.primary != nil && m.freshLocked(m.primary, symbol, now) {
		return false
	}
	for _, other := range m.feeds {
		if other == reg {
			return true
		}
		if other.primary {
			continue
		}
		if m.freshLocked(other, symbol, now) {
			return false
		}
	}
	return true
}

// freshLocked reports whether a provider published the symbol within the
// staleness window.
func (m *manager) freshLocked(reg *registration, symbol string, now time.Time) bool {
	last, ok := reg.lastSeen[symbol]
	return ok && now.Sub(last) <= m.cfg.StalenessWindow
}

// monitorStaleness periodically logs symbols no provider is covering.
func (m *manager) monitorStaleness(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StalenessWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var stale []string
			for symbol, ts := range m.lastForwarded {
				if now.Sub(ts) > m.cfg.StalenessWindow {
					stale = append(stale, symbol)
				}
			}
			m.mu.Unlock()
			if len(stale) > 0 {
				m.logger.Warn("no fresh updates from any provider", "symbols", stale)
			}
		}
	}
}
