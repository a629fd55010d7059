package hub

import "time"

// MessageType identifies a downstream wire frame.
type MessageType string

const (
	MessageSubscribe       MessageType = "subscribe"
	MessageUnsubscribe     MessageType = "unsubscribe"
	MessagePriceUpdate     MessageType = "price_update"
	MessagePortfolioUpdate MessageType = "portfolio_update"
	MessageAlert           MessageType = "alert"
	MessageHeartbeat       MessageType = "heartbeat"
	MessageError           MessageType = "error"
	MessageStatus          MessageType = "status"
)

// Message is the downstream wire envelope. ClientID and Room are stamped by
// the connection manager on the way out.
type Message struct {
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	ClientID  string         `json:"client_id,omitempty"`
	Room      string         `json:"room,omitempty"`
}

// NewMessage builds an envelope stamped with the current UTC time.
func NewMessage(t MessageType, data map[string]any) Message {
	return Message{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorMessage builds an error frame with a machine-readable code.
func ErrorMessage(code, text string) Message {
	return NewMessage(MessageError, map[string]any{
		"code":    code,
		"message": text,
	})
}
