package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crypto-stream/internal/model"
	"github.com/rickgao/crypto-stream/internal/stream"
)

func TestParseBinanceTicker(t *testing.T) {
	frame := `{"E":1700000000000,"s":"BTCUSDT","c":"50000.12","p":"120.50","P":"0.24","v":"1234.5"}`

	u, err := parseBinanceTicker([]byte(frame))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if u.Symbol != "BTC" {
		t.Errorf("Symbol = %s, want BTC", u.Symbol)
	}
	if u.Price.String() != "50000.12" {
		t.Errorf("Price = %s, want 50000.12", u.Price)
	}
	if u.Change24h.String() != "120.5" {
		t.Errorf("Change24h = %s, want 120.5", u.Change24h)
	}
	if u.ChangePercent24h != 0.24 {
		t.Errorf("ChangePercent24h = %g, want 0.24", u.ChangePercent24h)
	}
	if u.Volume24h.String() != "1234.5" {
		t.Errorf("Volume24h = %s, want 1234.5", u.Volume24h)
	}
	if u.Source != SourceBinance {
		t.Errorf("Source = %s, want %s", u.Source, SourceBinance)
	}
	if got := u.Timestamp; got != time.UnixMilli(1700000000000).UTC() {
		t.Errorf("Timestamp = %v", got)
	}
}

func TestParseBinanceTicker_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"invalid json", `{not json`},
		{"missing symbol", `{"c":"50000"}`},
		{"missing price", `{"s":"BTCUSDT"}`},
		{"bad price", `{"s":"BTCUSDT","c":"abc"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseBinanceTicker([]byte(tc.frame)); err == nil {
				t.Error("expected parse error, got nil")
			}
		})
	}
}

// feedWSServer upgrades every request and hands the socket to handler.
func feedWSServer(t *testing.T, handler func(path string, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(r.URL.Path, ws)
	}))
}

func TestBinanceFeed_EndToEnd(t *testing.T) {
	frame := `{"s":"ETHUSDT","c":"3000.50","v":"99.9"}`
	server := feedWSServer(t, func(path string, ws *websocket.Conn) {
		if !strings.HasSuffix(path, "/ethusdt@ticker") {
			t.Errorf("unexpected stream path %s", path)
		}
		ws.WriteMessage(websocket.TextMessage, []byte(frame))
		time.Sleep(time.Second)
	})
	defer server.Close()

	f := NewBinanceFeed([]string{"ETH"}, nil).(*binanceFeed)
	f.baseURL = "ws" + strings.TrimPrefix(server.URL, "http")

	got := make(chan model.PriceUpdate, 1)
	f.AddHandler(func(u model.PriceUpdate) {
		select {
		case got <- u:
		default:
		}
	})

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.Stop(context.Background())

	select {
	case u := <-got:
		if u.Symbol != "ETH" || u.Price.String() != "3000.5" {
			t.Errorf("got %s @ %s", u.Symbol, u.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	statuses := f.StreamStatuses()
	if len(statuses) != 1 {
		t.Fatalf("stream statuses = %v, want one entry", statuses)
	}
	if got := statuses["binance_eth"]; got != stream.StatusConnected {
		t.Errorf("stream status = %s, want %s", got, stream.StatusConnected)
	}
	metrics := f.StreamMetrics()
	if metrics["binance_eth"].MessagesReceived == 0 {
		t.Error("stream metrics show no received messages")
	}
}
