package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/model"
)

// fakeFeed is a hand-driven provider for exercising failover logic.
type fakeFeed struct {
	name    string
	symbols []string

	mu       sync.Mutex
	handlers []Handler
	started  bool
}

func newFakeFeed(name string, symbols ...string) *fakeFeed {
	return &fakeFeed{name: name, symbols: symbols}
}

func (f *fakeFeed) Name() string      { return f.name }
func (f *fakeFeed) Symbols() []string { return f.symbols }

func (f *fakeFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) AddHandler(h Handler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *fakeFeed) emit(symbol, price string) {
	f.emitAt(symbol, price, time.Now().UTC())
}

func (f *fakeFeed) emitAt(symbol, price string, ts time.Time) {
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	update := model.PriceUpdate{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Timestamp: ts,
		Source:    f.name,
	}
	for _, h := range handlers {
		h(update)
	}
}

func testManager(t *testing.T, window time.Duration) Manager {
	t.Helper()
	cfg := Config{UpdateInterval: window / 2, StalenessWindow: window}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestManager_RegisterRules(t *testing.T) {
	m := testManager(t, time.Second)

	if err := m.Register(newFakeFeed("a", "BTC"), true); err != nil {
		t.Fatalf("Register primary failed: %v", err)
	}
	if err := m.Register(newFakeFeed("b", "BTC"), true); err != ErrPrimaryExists {
		t.Errorf("second primary: expected ErrPrimaryExists, got %v", err)
	}
	if err := m.Register(newFakeFeed("a", "ETH"), false); err != ErrDuplicateFeed {
		t.Errorf("duplicate name: expected ErrDuplicateFeed, got %v", err)
	}
	if err := m.Register(newFakeFeed("b", "BTC"), false); err != nil {
		t.Errorf("fallback register failed: %v", err)
	}
}

func TestManager_PrimarySuppressesFallback(t *testing.T) {
	m := testManager(t, time.Second)
	primary := newFakeFeed("primary", "BTC")
	fallback := newFakeFeed("fallback", "BTC")
	m.Register(primary, true)
	m.Register(fallback, false)

	var got []string
	m.AddHandler(func(u model.PriceUpdate) { got = append(got, u.Source) })

	primary.emit("BTC", "50000")
	fallback.emit("BTC", "50001")
	primary.emit("BTC", "50002")

	want := []string{"primary", "primary"}
	if len(got) != len(want) {
		t.Fatalf("forwarded sources = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update %d from %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManager_FailoverAndRevert(t *testing.T) {
	const window = 60 * time.Millisecond

	m := testManager(t, window)
	primary := newFakeFeed("primary", "BTC")
	fallback := newFakeFeed("fallback", "BTC")
	m.Register(primary, true)
	m.Register(fallback, false)

	var got []string
	m.AddHandler(func(u model.PriceUpdate) { got = append(got, u.Source) })

	primary.emit("BTC", "50000")
	time.Sleep(window + 20*time.Millisecond) // primary goes stale

	fallback.emit("BTC", "50010")
	if src, _ := m.ActiveSource("BTC"); src != "fallback" {
		t.Errorf("ActiveSource after failover = %s, want fallback", src)
	}

	primary.emit("BTC", "50020") // primary resumes
	fallback.emit("BTC", "50030")

	want := []string{"primary", "fallback", "primary"}
	if len(got) != len(want) {
		t.Fatalf("forwarded sources = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update %d from %s, want %s", i, got[i], want[i])
		}
	}
	if src, _ := m.ActiveSource("BTC"); src != "primary" {
		t.Errorf("ActiveSource after revert = %s, want primary", src)
	}
}

func TestManager_FallbackOrder(t *testing.T) {
	m := testManager(t, time.Second)
	m.Register(newFakeFeed("primary", "BTC"), true)
	first := newFakeFeed("first", "BTC")
	second := newFakeFeed("second", "BTC")
	m.Register(first, false)
	m.Register(second, false)

	var got []string
	m.AddHandler(func(u model.PriceUpdate) { got = append(got, u.Source) })

	// Primary never publishes, so the first fallback is elected.
	first.emit("BTC", "100")
	second.emit("BTC", "101")
	first.emit("BTC", "102")

	want := []string{"first", "first"}
	if len(got) != len(want) {
		t.Fatalf("forwarded sources = %v, want %v", got, want)
	}
}

func TestManager_HandlerPanicIsolated(t *testing.T) {
	m := testManager(t, time.Second)
	primary := newFakeFeed("primary", "BTC")
	m.Register(primary, true)

	var second int
	m.AddHandler(func(u model.PriceUpdate) { panic("handler failure") })
	m.AddHandler(func(u model.PriceUpdate) { second++ })

	primary.emit("BTC", "50000")

	if second != 1 {
		t.Errorf("second handler ran %d times, want 1", second)
	}
}

func TestManager_OutOfOrderDropped(t *testing.T) {
	m := testManager(t, time.Second)
	primary := newFakeFeed("primary", "BTC")
	m.Register(primary, true)

	var prices []string
	m.AddHandler(func(u model.PriceUpdate) { prices = append(prices, u.Price.String()) })

	now := time.Now().UTC()
	primary.emitAt("BTC", "50000", now)
	primary.emitAt("BTC", "49000", now.Add(-time.Second)) // regression, dropped
	primary.emitAt("BTC", "50000", now)                   // equal timestamp, allowed

	if len(prices) != 2 {
		t.Fatalf("forwarded %d updates (%v), want 2", len(prices), prices)
	}
}

func TestManager_StartStopLifecycle(t *testing.T) {
	m := testManager(t, 100*time.Millisecond)
	primary := newFakeFeed("primary", "BTC")
	fallback := newFakeFeed("fallback", "BTC")
	m.Register(primary, true)
	m.Register(fallback, false)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !primary.started || !fallback.started {
		t.Error("feeds not started")
	}

	primary.emit("BTC", "50000")
	if ts, ok := m.LastUpdate("BTC"); !ok || ts.IsZero() {
		t.Error("LastUpdate not recorded")
	}

	status := m.Status()
	if !status["primary"].Primary {
		t.Error("status does not mark primary provider")
	}
	if _, ok := status["fallback"]; !ok {
		t.Error("status missing fallback provider")
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if primary.started || fallback.started {
		t.Error("feeds still running after Stop")
	}
}
