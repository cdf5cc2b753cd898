package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/ticket"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue(0)
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.push(Event{Type: TicketCreated, TicketID: ticket.ID(id)}))
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.pop()
		require.True(t, ok)
		assert.EqualValues(t, want, e.TicketID)
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestQueueBound(t *testing.T) {
	q := newQueue(2)
	assert.True(t, q.push(Event{Type: TicketCreated}))
	assert.True(t, q.push(Event{Type: TicketCreated}))
	assert.False(t, q.push(Event{Type: TicketCreated}))
	assert.Equal(t, 2, q.len())
	assert.EqualValues(t, 1, q.droppedCount())
}

func TestQueueClose(t *testing.T) {
	q := newQueue(0)
	require.True(t, q.push(Event{Type: TicketClosed}))
	q.close()
	q.close()

	assert.False(t, q.push(Event{Type: TicketClosed}))
	_, ok := q.pop()
	assert.True(t, ok, "queued events survive close")

	// The signal from the push is still buffered; the next receive sees
	// the closed channel.
	_, open := <-q.wait()
	assert.True(t, open)
	_, open = <-q.wait()
	assert.False(t, open)
}

func TestQueueSignalCoalesces(t *testing.T) {
	q := newQueue(0)
	for i := 0; i < 10; i++ {
		q.push(Event{Type: MessageRelayed})
	}
	<-q.wait()
	select {
	case <-q.wait():
		t.Fatal("signal should coalesce")
	default:
	}
	assert.Equal(t, 10, q.len())
}

func TestQueueConcurrentPush(t *testing.T) {
	q := newQueue(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.push(Event{Type: ReplyDelivered})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.len())
}
