package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/crypto-stream/internal/hub"
)

// handleWebSocket upgrades the connection, registers the client, and runs
// its read loop until the socket dies.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	clientID, err := s.hub.ConnectClient(ws, c.Query("client_id"))
	if err != nil {
		s.logger.Warn("client rejected", "remote", c.Request.RemoteAddr, "error", err)
		ws.Close()
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.hub.DisconnectClient(clientID)
			return
		}
		s.hub.Touch(clientID)
		s.handleClientFrame(clientID, data)
	}
}

// handleClientFrame processes one inbound frame. A malformed frame gets an
// error frame back; the session survives.
func (s *Server) handleClientFrame(clientID string, data []byte) {
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.hub.SendToClient(clientID, hub.ErrorMessage("bad_frame", "frame is not valid JSON"))
		return
	}

	switch msg.Type {
	case hub.MessageSubscribe:
		room, ok := msg.Data["room"].(string)
		if !ok || room == "" {
			s.hub.SendToClient(clientID, hub.ErrorMessage("bad_subscribe", "subscribe requires data.room"))
			return
		}
		s.hub.JoinRoom(clientID, room)

	case hub.MessageUnsubscribe:
		room, ok := msg.Data["room"].(string)
		if !ok || room == "" {
			s.hub.SendToClient(clientID, hub.ErrorMessage("bad_unsubscribe", "unsubscribe requires data.room"))
			return
		}
		s.hub.LeaveRoom(clientID, room)

	case hub.MessageHeartbeat:
		// Touch already recorded the activity.

	default:
		s.hub.SendToClient(clientID, hub.ErrorMessage("unknown_type", "unsupported message type"))
	}
}

// handleStatus reports a read-only snapshot of the whole system.
func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	status := "stopped"
	uptime := time.Duration(0)
	if running {
		status = "running"
		uptime = time.Since(startedAt)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"instance":          s.cfg.Instance.ID,
		"uptime_seconds":    int64(uptime.Seconds()),
		"connected_clients": s.hub.ClientCount(),
		"rooms":             s.hub.RoomCounts(),
		"providers":         s.feeds.Status(),
		"bus":               s.bus.Stats(),
		"bus_subscriptions": s.bus.AllSubscriptionStats(),
	})
}
