package queue

import (
	"log"
	"sync"

	"github.com/caseline/relay/internal/model/relay"
)

// Queue buffers messages for recipients without a live session. Each user has
// an independent FIFO; Flush hands the whole FIFO over and clears it in one step.
type Queue struct {
	mu        sync.Mutex
	limit     int
	pending   map[string][]relay.Message
	evictions int64
}

// New creates a queue capped at limit messages per user. A limit of zero
// disables the cap; once reached the oldest message is dropped.
func New(limit int) *Queue {
	if limit < 0 {
		limit = 0
	}
	return &Queue{
		limit:   limit,
		pending: make(map[string][]relay.Message),
	}
}

// Enqueue appends msg to userID's FIFO and reports whether an older message
// was evicted to make room.
func (q *Queue) Enqueue(userID string, msg relay.Message) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.pending[userID]
	if q.limit > 0 && len(items) >= q.limit {
		dropped := items[0]
		items = items[1:]
		q.evictions++
		evicted = true
		log.Printf("[queue] limit %d reached for user=%s, dropping oldest message id=%s type=%s", q.limit, userID, dropped.ID, dropped.Type)
	}
	q.pending[userID] = append(items, msg)
	return evicted
}

// Flush removes and returns every queued message for userID in insertion order.
func (q *Queue) Flush(userID string) []relay.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, ok := q.pending[userID]
	if !ok {
		return nil
	}
	delete(q.pending, userID)
	return items
}

// Len returns the number of messages waiting for userID.
func (q *Queue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[userID])
}

// Depth returns the total number of queued messages across users.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, items := range q.pending {
		total += len(items)
	}
	return total
}

// Pending returns a per-user snapshot of queue lengths.
func (q *Queue) Pending() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(q.pending))
	for userID, items := range q.pending {
		out[userID] = len(items)
	}
	return out
}

// Evictions returns how many messages were dropped by the cap.
func (q *Queue) Evictions() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}
