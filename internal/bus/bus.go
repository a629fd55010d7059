package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Errors
var (
	ErrNilHandler = errors.New("handler must not be nil")
	ErrBusFull    = errors.New("event queue full")
	ErrNotRunning = errors.New("bus not running")
)

// Bus is the central event bus for the streaming system.
type Bus interface {
	// Start begins the dispatch loop.
	Start(ctx context.Context) error

	// Stop cancels the dispatch loop and drains the queue.
	Stop(ctx context.Context) error

	// Subscribe registers a subscription. A duplicate ID replaces the prior
	// registration. Returns ErrNilHandler for a nil handler.
	Subscribe(id string, handler Handler, filter *Filter, priority int) error

	// Unsubscribe removes a subscription. Returns false if the ID is unknown.
	Unsubscribe(id string) bool

	// Publish enqueues an event. It returns once the event is queued, not
	// once delivered. Returns ErrBusFull when the queue is full.
	Publish(ev StreamEvent) error

	// PublishPriceUpdate publishes a price_update event.
	PublishPriceUpdate(symbol string, data map[string]any, source string) error

	// PublishPortfolioUpdate publishes a portfolio_update event.
	PublishPortfolioUpdate(data map[string]any, source string) error

	// PublishAlert publishes an alert_triggered event.
	PublishAlert(data map[string]any, source string) error

	// History returns up to limit recent events, optionally by type.
	History(limit int, eventType EventType) []StreamEvent

	// Stats returns bus counters.
	Stats() Stats

	// SubscriptionStats returns per-subscription counters, or false if unknown.
	SubscriptionStats(id string) (SubscriptionStats, bool)

	// AllSubscriptionStats returns counters for every subscription, sorted
	// by ID.
	AllSubscriptionStats() []SubscriptionStats
}

// Stats contains bus-level counters.
type Stats struct {
	Published     int64 `json:"published"`
	Dispatched    int64 `json:"dispatched"`
	Dropped       int64 `json:"dropped"`
	Subscriptions int   `json:"subscriptions"`
	QueueLen      int   `json:"queue_len"`
	HistoryLen    int   `json:"history_len"`
}

// SubscriptionStats contains per-subscription counters.
type SubscriptionStats struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	EventCount int64     `json:"event_count"`
	ErrorCount int64     `json:"error_count"`
	LastEvent  time.Time `json:"last_event"`
	CreatedAt  time.Time `json:"created_at"`
}

// subscription is one registered handler with its filter and counters.
type subscription struct {
	id       string
	handler  Handler
	filter   *Filter
	priority int
	seq      int64 // registration order, used to break priority ties

	eventCount int64
	errorCount int64
	lastEvent  time.Time
	createdAt  time.Time
}

// eventBus implements Bus.
type eventBus struct {
	cfg    Config
	logger *slog.Logger

	queue   chan StreamEvent
	history *eventRing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	subs    map[string]*subscription
	nextSeq int64
	running bool

	published  int64
	dispatched int64
	dropped    int64
}

// Config holds event bus settings.
type Config struct {
	QueueSize   int // Bounded publish queue; publish fails fast when full
	HistorySize int // Ring of recent events retained for diagnostics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:   10000,
		HistorySize: 1000,
	}
}

// New creates a new event bus.
func New(cfg Config, logger *slog.Logger) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	return &eventBus{
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan StreamEvent, cfg.QueueSize),
		history: newEventRing(cfg.HistorySize),
		subs:    make(map[string]*subscription),
	}
}

// Start begins the dispatch loop.
func (b *eventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop()

	b.logger.Info("event bus started",
		"queue_size", b.cfg.QueueSize,
		"history_size", b.cfg.HistorySize,
	)
	return nil
}

// Stop cancels the dispatch loop after draining already-queued events.
func (b *eventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped")
	case <-ctx.Done():
		b.logger.Warn("event bus stop timed out")
	}
	return nil
}

// Subscribe registers or replaces a subscription.
func (b *eventBus) Subscribe(id string, handler Handler, filter *Filter, priority int) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; exists {
		b.logger.Info("replacing subscription", "id", id)
	}

	b.nextSeq++
	b.subs[id] = &subscription{
		id:        id,
		handler:   handler,
		filter:    filter,
		priority:  priority,
		seq:       b.nextSeq,
		createdAt: time.Now().UTC(),
	}

	b.logger.Debug("subscription added", "id", id, "priority", priority)
	return nil
}

// Unsubscribe removes a subscription.
func (b *eventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; !exists {
		return false
	}
	delete(b.subs, id)
	b.logger.Debug("subscription removed", "id", id)
	return true
}

// Publish enqueues an event without blocking.
func (b *eventBus) Publish(ev StreamEvent) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case b.queue <- ev:
		b.mu.Lock()
		b.published++
		b.mu.Unlock()
		return nil
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("event queue full, dropping event", "type", ev.Type)
		return ErrBusFull
	}
}

// PublishPriceUpdate publishes a price_update event.
func (b *eventBus) PublishPriceUpdate(symbol string, data map[string]any, source string) error {
	payload := make(map[string]any, len(data)+1)
	payload["symbol"] = symbol
	for k, v := range data {
		payload[k] = v
	}
	return b.Publish(NewEvent(EventPriceUpdate, payload, source))
}

// PublishPortfolioUpdate publishes a portfolio_update event.
func (b *eventBus) PublishPortfolioUpdate(data map[string]any, source string) error {
	return b.Publish(NewEvent(EventPortfolioUpdate, data, source))
}

// PublishAlert publishes an alert_triggered event.
func (b *eventBus) PublishAlert(data map[string]any, source string) error {
	return b.Publish(NewEvent(EventAlertTriggered, data, source))
}

// History returns recent events from the ring.
func (b *eventBus) History(limit int, eventType EventType) []StreamEvent {
	return b.history.Recent(limit, eventType)
}

// Stats returns bus counters.
func (b *eventBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Published:     b.published,
		Dispatched:    b.dispatched,
		Dropped:       b.dropped,
		Subscriptions: len(b.subs),
		QueueLen:      len(b.queue),
		HistoryLen:    b.history.Len(),
	}
}

// SubscriptionStats returns counters for one subscription.
func (b *eventBus) SubscriptionStats(id string) (SubscriptionStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[id]
	if !ok {
		return SubscriptionStats{}, false
	}
	return SubscriptionStats{
		ID:         sub.id,
		Priority:   sub.priority,
		EventCount: sub.eventCount,
		ErrorCount: sub.errorCount,
		LastEvent:  sub.lastEvent,
		CreatedAt:  sub.createdAt,
	}, true
}

// AllSubscriptionStats returns counters for every subscription, sorted by ID.
func (b *eventBus) AllSubscriptionStats() []SubscriptionStats {
	b.mu.RLock()
	out := make([]SubscriptionStats, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, SubscriptionStats{
			ID:         sub.id,
			Priority:   sub.priority,
			EventCount: sub.eventCount,
			ErrorCount: sub.errorCount,
			LastEvent:  sub.lastEvent,
			CreatedAt:  sub.createdAt,
		})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dispatchLoop is the single dispatch goroutine.
func (b *eventBus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			// Stop accepted no new publishes at this point; deliver what
			// was already queued so a successful Publish means delivery.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *eventBus) deliver(ev StreamEvent) {
	b.history.Add(ev)
	b.dispatch(ev)
	b.mu.Lock()
	b.dispatched++
	b.mu.Unlock()
}

// dispatch delivers one event to all matching subscriptions, highest priority
// first, registration order within a tier.
func (b *eventBus) dispatch(ev StreamEvent) {
	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool {
		if matching[i].priority != matching[j].priority {
			return matching[i].priority > matching[j].priority
		}
		return matching[i].seq < matching[j].seq
	})

	for _, sub := range matching {
		b.deliverTo(sub, ev)
	}
}

// deliverTo invokes one handler, isolating panics and counting failures.
func (b *eventBus) deliverTo(sub *subscription, ev StreamEvent) {
	ok := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"subscription", sub.id,
					"type", ev.Type,
					"panic", r,
				)
				ok = false
			}
		}()
		ok = sub.handler(ev)
	}()

	b.mu.Lock()
	sub.eventCount++
	sub.lastEvent = time.Now().UTC()
	if !ok {
		sub.errorCount++
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("event handler failed",
			"subscription", sub.id,
			"type", ev.Type,
		)
	}
}
