package dispatch

import (
	"sync"
	"time"
)

// Event describes one relay decision for the live monitor feed.
type Event struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"messageId,omitempty"`
	Type      string    `json:"type,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Monitor is a fan-out pub/sub for Events. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type Monitor struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
	closed      bool
}

func NewMonitor() *Monitor {
	return &Monitor{
		subscribers: make(map[uint64]chan Event),
	}
}

// Subscribe returns an event channel and the function that releases it.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 64)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subscribers[id] = ch

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish sends ev to every subscriber.
func (m *Monitor) Publish(ev Event) {
	if m == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the monitor down and closes every subscriber channel.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
}
