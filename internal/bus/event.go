package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a StreamEvent.
type EventType string

const (
	EventPriceUpdate      EventType = "price_update"
	EventPortfolioUpdate  EventType = "portfolio_update"
	EventAlertTriggered   EventType = "alert_triggered"
	EventSystemStatus     EventType = "system_status"
	EventConnectionStatus EventType = "connection_status"
	EventError            EventType = "error"
)

// StreamEvent carries one published event. Events are immutable once
// published: the bus fans the same value out to every subscriber.
type StreamEvent struct {
	Type          EventType
	Data          map[string]any
	Timestamp     time.Time
	Source        string
	EventID       string
	CorrelationID string
}

// NewEvent constructs an event with a generated ID and current timestamp.
func NewEvent(eventType EventType, data map[string]any, source string) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventID:   uuid.NewString(),
	}
}

// Handler processes a dispatched event. The return value reports whether the
// event was handled successfully; failures are counted per subscription.
type Handler func(StreamEvent) bool

// Filter restricts which events a subscription receives. Every non-empty
// criterion must be satisfied for an event to match.
type Filter struct {
	Types     []EventType
	Sources   []string
	Symbols   []string // Matched against event.Data["symbol"]
	Predicate func(StreamEvent) bool
}

// Matches reports whether the event satisfies all non-empty criteria.
func (f *Filter) Matches(ev StreamEvent) bool {
	if f == nil {
		return true
	}

	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, ev.Source) {
		return false
	}
	if len(f.Symbols) > 0 {
		sym, _ := ev.Data["symbol"].(string)
		if sym != "" && !contains(f.Symbols, sym) {
			return false
		}
	}
	if f.Predicate != nil && !f.Predicate(ev) {
		return false
	}

	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func contains(vals []string, s string) bool {
	for _, v := range vals {
		if v == s {
			return true
		}
	}
	return false
}
