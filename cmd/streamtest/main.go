// streamtest connects to a running streamd instance and prints the frames it
// receives to the console.
//
// Usage: go run ./cmd/streamtest --url ws://localhost:8080/ws --rooms prices,alerts
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crypto-stream/internal/hub"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "streamd websocket endpoint")
	rooms := flag.String("rooms", "prices", "comma-separated rooms to subscribe to")
	clientID := flag.String("client-id", "", "client identifier (optional)")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	target := *wsURL
	if *clientID != "" {
		target += "?client_id=" + *clientID
	}

	logger.Info("connecting", "url", target)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer ws.Close()

	for _, room := range strings.Split(*rooms, ",") {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		msg := hub.NewMessage(hub.MessageSubscribe, map[string]any{"room": room})
		if err := ws.WriteJSON(msg); err != nil {
			logger.Error("subscribe failed", "room", room, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "room", room)
	}

	var frames, prices, alerts atomic.Int64

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats",
					"frames", frames.Load(),
					"price_updates", prices.Load(),
					"alerts", alerts.Load(),
				)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(time.Second)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		ws.Close()
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("read failed", "error", err)
			os.Exit(1)
		}

		var msg hub.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("unparseable frame", "data", string(data))
			continue
		}
		frames.Add(1)

		if *verbose {
			pretty, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Printf("[%s] %s\n", strings.ToUpper(string(msg.Type)), pretty)
			continue
		}

		switch msg.Type {
		case hub.MessagePriceUpdate:
			prices.Add(1)
			fmt.Printf("[PRICE] symbol=%v price=%v change_pct=%v source=%v room=%s\n",
				msg.Data["symbol"], msg.Data["price"], msg.Data["change_percent_24h"],
				msg.Data["source"], msg.Room)
		case hub.MessageAlert:
			alerts.Add(1)
			fmt.Printf("[ALERT] rule=%v symbol=%v severity=%v message=%v\n",
				msg.Data["rule_id"], msg.Data["symbol"], msg.Data["severity"], msg.Data["message"])
		case hub.MessagePortfolioUpdate:
			fmt.Printf("[PORTFOLIO] %v\n", msg.Data)
		case hub.MessageHeartbeat:
			// quiet unless verbose
		case hub.MessageError:
			fmt.Printf("[ERROR] code=%v message=%v\n", msg.Data["code"], msg.Data["message"])
		default:
			fmt.Printf("[%s] %v\n", strings.ToUpper(string(msg.Type)), msg.Data)
		}
	}

	logger.Info("done",
		"frames", frames.Load(),
		"price_updates", prices.Load(),
		"alerts", alerts.Load(),
	)
}
