package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// socketPair returns the two ends of one live WebSocket connection.
func socketPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	serverWS := <-serverSide
	t.Cleanup(func() {
		clientWS.Close()
		serverWS.Close()
	})
	return serverWS, clientWS
}

// readFrame reads one envelope from a client socket.
func readFrame(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, ws *websocket.Conn, window time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(window))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func testHub(t *testing.T) Manager {
	t.Helper()
	cfg := DefaultConfig()
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestManager_ConnectSendsWelcome(t *testing.T) {
	m := testHub(t)
	serverWS, clientWS := socketPair(t)

	id, err := m.ConnectClient(serverWS, "")
	if err != nil {
		t.Fatalf("ConnectClient failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty client id")
	}

	welcome := readFrame(t, clientWS)
	if welcome.Type != MessageStatus {
		t.Errorf("welcome type = %s, want status", welcome.Type)
	}
	if welcome.Data["client_id"] != id {
		t.Errorf("welcome client_id = %v, want %s", welcome.Data["client_id"], id)
	}
	if welcome.ClientID != id {
		t.Errorf("envelope client_id = %s, want %s", welcome.ClientID, id)
	}
	if m.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", m.ClientCount())
	}
}

func TestManager_ConnectNotRunning(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	serverWS, _ := socketPair(t)
	if _, err := m.ConnectClient(serverWS, ""); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestManager_DuplicateClientID(t *testing.T) {
	m := testHub(t)
	wsA, _ := socketPair(t)
	wsB, _ := socketPair(t)

	if _, err := m.ConnectClient(wsA, "dup"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if _, err := m.ConnectClient(wsB, "dup"); err != ErrClientExists {
		t.Errorf("expected ErrClientExists, got %v", err)
	}
}

func TestManager_RoomBroadcast(t *testing.T) {
	m := testHub(t)

	clients := map[string]*websocket.Conn{}
	for _, id := range []string{"a", "b", "c"} {
		serverWS, clientWS := socketPair(t)
		if _, err := m.ConnectClient(serverWS, id); err != nil {
			t.Fatalf("connect %s failed: %v", id, err)
		}
		readFrame(t, clientWS) // welcome
		clients[id] = clientWS
	}

	m.JoinRoom("a", "prices")
	m.JoinRoom("b", "prices")

	if counts := m.RoomCounts(); counts["prices"] != 2 {
		t.Fatalf("room count = %d, want 2", counts["prices"])
	}

	sent := m.BroadcastToRoom("prices", NewMessage(MessagePriceUpdate, map[string]any{
		"symbol": "BTC",
		"price":  "50000",
	}))
	if sent != 2 {
		t.Errorf("broadcast reached %d clients, want 2", sent)
	}

	for _, id := range []string{"a", "b"} {
		frame := readFrame(t, clients[id])
		if frame.Type != MessagePriceUpdate {
			t.Errorf("client %s got type %s", id, frame.Type)
		}
		if frame.Room != "prices" {
			t.Errorf("client %s got room %q, want prices", id, frame.Room)
		}
		if frame.ClientID != id {
			t.Errorf("client %s got envelope id %q", id, frame.ClientID)
		}
	}
	expectSilence(t, clients["c"], 100*time.Millisecond)

	// Everyone hears a broadcast to all.
	if sent := m.BroadcastToAll(NewMessage(MessageStatus, nil)); sent != 3 {
		t.Errorf("broadcast to all reached %d clients, want 3", sent)
	}
}

func TestManager_LeaveRoomDeletesEmptyRoom(t *testing.T) {
	m := testHub(t)
	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "a")
	readFrame(t, clientWS)

	m.JoinRoom("a", "prices")
	if err := m.LeaveRoom("a", "prices"); err != nil {
		t.Fatalf("LeaveRoom failed: %v", err)
	}
	if _, ok := m.RoomCounts()["prices"]; ok {
		t.Error("empty room not deleted")
	}
	if err := m.JoinRoom("ghost", "prices"); err != ErrClientNotFound {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestManager_DisconnectIdempotentAndLeavesRooms(t *testing.T) {
	m := testHub(t)
	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "a")
	readFrame(t, clientWS)
	m.JoinRoom("a", "prices")

	m.DisconnectClient("a")
	m.DisconnectClient("a") // second call is a no-op

	if m.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", m.ClientCount())
	}
	if len(m.RoomCounts()) != 0 {
		t.Errorf("rooms = %v, want none", m.RoomCounts())
	}
	if err := m.SendToClient("a", NewMessage(MessageStatus, nil)); err != ErrClientNotFound {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestManager_FailedWriteEvictsClient(t *testing.T) {
	m := testHub(t)
	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "a")
	readFrame(t, clientWS)

	// Kill the transport underneath the manager.
	serverWS.Close()
	clientWS.Close()

	m.SendToClient("a", NewMessage(MessageStatus, nil))

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not evicted after write failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_StaleClientEvicted(t *testing.T) {
	// StaleAfter spans several heartbeat ticks so the client sees heartbeat
	// frames before the sweep evicts it; with the two equal, eviction can
	// land in the same tick that enqueues the first heartbeat.
	cfg := Config{
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        80 * time.Millisecond,
		SendBuffer:        16,
		WriteTimeout:      time.Second,
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.Start(context.Background())
	defer m.Stop(context.Background())

	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "quiet")
	readFrame(t, clientWS) // welcome

	sawHeartbeat := false
	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent client not evicted")
		}
		clientWS.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, data, err := clientWS.ReadMessage(); err == nil {
			var msg Message
			if json.Unmarshal(data, &msg) == nil && msg.Type == MessageHeartbeat {
				sawHeartbeat = true
			}
		}
	}
	if !sawHeartbeat {
		t.Error("no heartbeat frame observed before eviction")
	}
}

func TestManager_TouchKeepsClientAlive(t *testing.T) {
	cfg := Config{
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        40 * time.Millisecond,
		SendBuffer:        16,
		WriteTimeout:      time.Second,
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.Start(context.Background())
	defer m.Stop(context.Background())

	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "chatty")
	go func() {
		// Drain heartbeats so the socket stays healthy.
		for {
			if _, _, err := clientWS.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		m.Touch("chatty")
		time.Sleep(20 * time.Millisecond)
	}
	if m.ClientCount() != 1 {
		t.Error("active client was evicted")
	}
}

func TestManager_ClientInfo(t *testing.T) {
	m := testHub(t)
	serverWS, clientWS := socketPair(t)
	m.ConnectClient(serverWS, "a")
	readFrame(t, clientWS)
	m.JoinRoom("a", "prices")

	info, ok := m.ClientInfo("a")
	if !ok {
		t.Fatal("ClientInfo missing")
	}
	if info.ClientID != "a" || len(info.Rooms) != 1 || info.Rooms[0] != "prices" {
		t.Errorf("info = %+v", info)
	}
	if info.Metadata["remote_addr"] == "" {
		t.Error("remote_addr metadata missing")
	}
	if _, ok := m.ClientInfo("ghost"); ok {
		t.Error("ClientInfo returned for unknown client")
	}
}
