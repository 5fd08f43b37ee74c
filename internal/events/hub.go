// Package events carries engine progress and outcomes to observers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one published message. Data holds the JSON payload.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
	dropped   int64
}

// DefaultCapacity is the ring size used when NewHub gets a non-positive capacity.
const DefaultCapacity = 256

const subscriberBuffer = 128

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish encodes data and fans it out. IDs are assigned under the lock so
// ring order and ID order agree.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
	return ev
}

// Subscribe registers a live subscriber.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	_, ch, cancel := h.SubscribeSince(-1)
	return ch, cancel
}

// SubscribeSince returns the buffered events after lastID and registers a
// subscriber in one step, so no event falls between backlog and live stream.
// A negative lastID skips the backlog.
func (h *Hub) SubscribeSince(lastID int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var backlog []Event
	if lastID >= 0 {
		backlog = h.snapshotLocked(lastID)
	}

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
	return backlog, ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(lastID)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) snapshotLocked(lastID int64) []Event {
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
