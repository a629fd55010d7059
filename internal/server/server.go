package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/crypto-stream/internal/alert"
	"github.com/rickgao/crypto-stream/internal/bus"
	"github.com/rickgao/crypto-stream/internal/config"
	"github.com/rickgao/crypto-stream/internal/feed"
	"github.com/rickgao/crypto-stream/internal/hub"
	"github.com/rickgao/crypto-stream/internal/model"
)

// Room names bridged from bus traffic. Price updates additionally go to a
// per-symbol room "prices:<SYMBOL>".
const (
	RoomPrices    = "prices"
	RoomPortfolio = "portfolio"
	RoomAlerts    = "alerts"
)

// SymbolRoom returns the per-symbol price room name.
func SymbolRoom(symbol string) string {
	return RoomPrices + ":" + symbol
}

// Server composes the bus, feeds, alert engine, and connection manager and
// exposes them over HTTP.
type Server struct {
	cfg    *config.StreamdConfig
	logger *slog.Logger

	bus    bus.Bus
	feeds  feed.Manager
	hub    hub.Manager
	alerts alert.Engine

	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New builds a fully wired server from configuration. Nothing runs until
// Start is called.
func New(cfg *config.StreamdConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	eventBus := bus.New(bus.Config{
		QueueSize:   cfg.Bus.QueueSize,
		HistorySize: cfg.Bus.HistorySize,
	}, logger)

	connections, err := hub.NewManager(hub.Config{
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatInterval),
		StaleAfter:        time.Duration(cfg.Server.StaleAfter),
		SendBuffer:        cfg.Server.SendBuffer,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout),
	}, logger)
	if err != nil {
		return nil, err
	}

	feeds, err := feed.NewManager(feed.Config{
		UpdateInterval:  time.Duration(cfg.Feeds.UpdateInterval),
		StalenessWindow: time.Duration(cfg.Feeds.StalenessWindow),
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		bus:    eventBus,
		feeds:  feeds,
		hub:    connections,
		alerts: alert.NewEngine(eventBus, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if err := s.registerProviders(); err != nil {
		return nil, err
	}
	if err := s.registerAlertRules(); err != nil {
		return nil, err
	}
	s.wireBridges()
	s.setupRoutes()

	return s, nil
}

// registerProviders builds and registers the configured primary and
// fallback feeds.
func (s *Server) registerProviders() error {
	providers := append([]string{s.cfg.Feeds.Primary}, s.cfg.Feeds.Fallbacks...)
	for i, name := range providers {
		f, err := s.newFeed(name)
		if err != nil {
			return err
		}
		if err := s.feeds.Register(f, i == 0); err != nil {
			return fmt.Errorf("registering provider %s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) newFeed(name string) (feed.Feed, error) {
	symbols := s.cfg.Feeds.Symbols
	switch name {
	case feed.SourceBinance:
		return feed.NewBinanceFeed(symbols, s.logger), nil
	case feed.SourceCoinbase:
		return feed.NewCoinbaseFeed(symbols, s.logger), nil
	case feed.SourceSynthetic:
		return feed.NewSyntheticFeed(symbols,
			time.Duration(s.cfg.Feeds.Synthetic.Interval), s.cfg.Feeds.Synthetic.Seed, s.logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// registerAlertRules converts configured rules and loads them into the
// engine.
func (s *Server) registerAlertRules() error {
	for _, rc := range s.cfg.Alerts.Rules {
		threshold, err := decimal.NewFromString(rc.Threshold)
		if err != nil {
			return fmt.Errorf("rule %s: parsing threshold: %w", rc.ID, err)
		}
		rule := alert.Rule{
			ID:        rc.ID,
			Type:      alert.RuleType(rc.Type),
			Symbol:    rc.Symbol,
			Threshold: threshold,
			Severity:  alert.Severity(rc.Severity),
			Cooldown:  time.Duration(rc.Cooldown),
			Enabled:   !rc.Disabled,
		}
		if err := s.alerts.AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// wireBridges connects feed output to the bus and bus traffic to room
// broadcasts.
func (s *Server) wireBridges() {
	// Accepted price updates go onto the bus and through the alert engine.
	s.feeds.AddHandler(func(u model.PriceUpdate) {
		if err := s.bus.PublishPriceUpdate(u.Symbol, u.ToMap(), u.Source); err != nil {
			s.logger.Warn("publishing price update failed", "symbol", u.Symbol, "error", err)
		}
		s.alerts.HandleUpdate(u)
	})

	// Bus events fan out to rooms. Alerts outrank price traffic.
	s.bus.Subscribe("hub-prices", func(ev bus.StreamEvent) bool {
		msg := hub.NewMessage(hub.MessagePriceUpdate, ev.Data)
		s.hub.BroadcastToRoom(RoomPrices, msg)
		if symbol, ok := ev.Data["symbol"].(string); ok && symbol != "" {
			s.hub.BroadcastToRoom(SymbolRoom(symbol), msg)
		}
		return true
	}, &bus.Filter{Types: []bus.EventType{bus.EventPriceUpdate}}, 0)

	s.bus.Subscribe("hub-portfolio", func(ev bus.StreamEvent) bool {
		s.hub.BroadcastToRoom(RoomPortfolio, hub.NewMessage(hub.MessagePortfolioUpdate, ev.Data))
		return true
	}, &bus.Filter{Types: []bus.EventType{bus.EventPortfolioUpdate}}, 0)

	s.bus.Subscribe("hub-alerts", func(ev bus.StreamEvent) bool {
		s.hub.BroadcastToRoom(RoomAlerts, hub.NewMessage(hub.MessageAlert, ev.Data))
		return true
	}, &bus.Filter{Types: []bus.EventType{bus.EventAlertTriggered}}, 10)
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())

	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/status", s.handleStatus)
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start brings the system up: bus, connection manager, feeds, then the
// HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.bus.Start(ctx); err != nil {
		return err
	}
	if err := s.hub.Start(ctx); err != nil {
		return err
	}
	if err := s.feeds.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	s.logger.Info("streaming server started", "addr", addr, "instance", s.cfg.Instance.ID)
	return nil
}

// Stop tears the system down in reverse order of Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, stop := range []func(context.Context) error{
		s.feeds.Stop, s.hub.Stop, s.bus.Stop,
	} {
		if err := stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("streaming server stopped")
	return firstErr
}
