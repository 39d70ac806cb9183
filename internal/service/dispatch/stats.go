package dispatch

import (
	"sync"

	"github.com/caseline/relay/internal/model/relay"
)

// ConnectionStats counts transport connections.
type ConnectionStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	Failed int64 `json:"failed"`
}

// MessageStats counts inbound messages and keeps the most recent ones.
type MessageStats struct {
	Total         int64           `json:"total"`
	Delivered     int64           `json:"delivered"`
	Queued        int64           `json:"queued"`
	Malformed     int64           `json:"malformed"`
	UnknownType   int64           `json:"unknownType"`
	Unresolvable  int64           `json:"unresolvable"`
	RateLimited   int64           `json:"rateLimited"`
	RecentHistory []relay.Message `json:"recentHistory"`
}

// QueueStats summarizes the offline queue.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Evictions int64 `json:"evictions"`
}

// Status is the read-only operational snapshot.
type Status struct {
	Connections ConnectionStats `json:"connections"`
	Messages    MessageStats    `json:"messages"`
	Queue       QueueStats      `json:"queue"`
}

type stats struct {
	mu          sync.Mutex
	connections ConnectionStats
	messages    MessageStats
	history     []relay.Message
	historySize int
	next        int
}

func newStats(historySize int) *stats {
	if historySize < 0 {
		historySize = 0
	}
	return &stats{
		historySize: historySize,
		history:     make([]relay.Message, 0, historySize),
	}
}

func (s *stats) update(fn func(c *ConnectionStats, m *MessageStats)) {
	s.mu.Lock()
	fn(&s.connections, &s.messages)
	s.mu.Unlock()
}

// remember appends msg to the history ring.
func (s *stats) remember(msg relay.Message) {
	if s.historySize == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) < s.historySize {
		s.history = append(s.history, msg)
		return
	}
	s.history[s.next] = msg
	s.next = (s.next + 1) % s.historySize
}

func (s *stats) snapshot() (ConnectionStats, MessageStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.messages
	messages.RecentHistory = make([]relay.Message, 0, len(s.history))
	if len(s.history) < s.historySize {
		messages.RecentHistory = append(messages.RecentHistory, s.history...)
	} else {
		messages.RecentHistory = append(messages.RecentHistory, s.history[s.next:]...)
		messages.RecentHistory = append(messages.RecentHistory, s.history[:s.next]...)
	}
	return s.connections, messages
}
