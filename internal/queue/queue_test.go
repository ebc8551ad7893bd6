// ABOUTME: Tests for the FIFO message queue.
// ABOUTME: Validates ordering, atomic drain, and concurrency safety.

package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/bridge/internal/bridge"
)

func mustMessage(t *testing.T, planID string) *bridge.Message {
	t.Helper()
	msg, err := bridge.New(bridge.TypeStartSession, bridge.StartSessionPayload{PlanID: planID})
	require.NoError(t, err)
	return msg
}

func TestDrainAll_FIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Enqueue(mustMessage(t, fmt.Sprintf("plan-%d", i)))
	}

	drained := q.DrainAll()
	require.Len(t, drained, 5)
	for i, msg := range drained {
		p, err := msg.StartSession()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("plan-%d", i), p.PlanID)
	}
}

func TestDrainAll_EmptiesQueue(t *testing.T) {
	q := New()
	q.Enqueue(mustMessage(t, "only"))

	first := q.DrainAll()
	assert.Len(t, first, 1)

	second := q.DrainAll()
	assert.NotNil(t, second)
	assert.Empty(t, second)
	assert.Equal(t, 0, q.Len())
}

func TestDrainAll_EmptyReturnsNonNil(t *testing.T) {
	q := New()
	drained := q.DrainAll()
	assert.NotNil(t, drained)
	assert.Empty(t, drained)
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := New()

	const n = 50
	msgs := make([]*bridge.Message, n)
	for i := range msgs {
		msgs[i] = mustMessage(t, fmt.Sprintf("plan-%d", i))
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(m *bridge.Message) {
			defer wg.Done()
			q.Enqueue(m)
		}(msg)
	}
	wg.Wait()

	assert.Len(t, q.DrainAll(), n)
}
