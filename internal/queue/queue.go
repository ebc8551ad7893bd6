// ABOUTME: Mutex-guarded FIFO queue of bridge messages for the control server.
// ABOUTME: Drain removes everything atomically so each message reaches exactly one poll.

package queue

import (
	"sync"

	"github.com/loopcast/bridge/internal/bridge"
)

// Queue is a FIFO of pending messages. Enqueue and DrainAll are the only
// mutation points; the single lock preserves insertion order and gives the
// exactly-once-per-poll guarantee under concurrent HTTP handlers.
type Queue struct {
	mu       sync.Mutex
	messages []*bridge.Message
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a message, preserving insertion order.
func (q *Queue) Enqueue(msg *bridge.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
}

// DrainAll returns every queued message in insertion order and empties the
// queue in the same critical section. An empty queue drains to an empty
// slice, never nil, so callers can serialize it as a JSON array.
func (q *Queue) DrainAll() []*bridge.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.messages
	q.messages = nil
	if drained == nil {
		drained = []*bridge.Message{}
	}
	return drained
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
