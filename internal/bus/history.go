package bus

import "sync"

// eventRing is a fixed-capacity ring of recent events. When full, the oldest
// event is overwritten. It backs the diagnostics history only; it is never
// used to replay traffic to subscribers.
type eventRing struct {
	mu       sync.Mutex
	buf      []StreamEvent
	head     int // oldest entry
	count    int
	capacity int

	totalAdded int64
}

// newEventRing creates a ring with the given capacity (minimum 1).
func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	return &eventRing{
		buf:      make([]StreamEvent, capacity),
		capacity: capacity,
	}
}

// Add appends an event, evicting the oldest entry when full.
func (r *eventRing) Add(ev StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % r.capacity
	r.buf[tail] = ev
	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
	} else {
		r.count++
	}
	r.totalAdded++
}

// Recent returns up to limit events, oldest first, optionally restricted to
// one event type (empty type means all). limit <= 0 means no limit.
func (r *eventRing) Recent(limit int, eventType EventType) []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StreamEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.head+i)%r.capacity]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the current number of retained events.
func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
