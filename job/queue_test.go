package job

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/botagent/errors"
)

func TestQueue_EnqueueDeduplicatesByID(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Enqueue(&Job{ID: "J1", AutomationID: "A1"}))
	assert.Equal(t, 1, q.Len())

	assert.False(t, q.Enqueue(&Job{ID: "J1", AutomationID: "A-other"}))
	assert.Equal(t, 1, q.Len(), "second enqueue of the same id must not grow the queue")

	head, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "A1", head.AutomationID, "the first copy wins")
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(&Job{ID: id})
	}

	var order []string
	for !q.IsEmpty() {
		j, err := q.Dequeue()
		require.NoError(t, err)
		order = append(order, j.ID)
	}

	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestQueue_EmptyQueueError(t *testing.T) {
	q := NewQueue()

	_, err := q.Dequeue()
	assert.True(t, errors.Is(err, errors.ErrEmptyQueue))
	assert.Equal(t, "EmptyQueueError", errors.Kind(err))

	_, err = q.Peek()
	assert.True(t, errors.Is(err, errors.ErrEmptyQueue))
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Job{ID: "J1"})

	first, err := q.Peek()
	require.NoError(t, err)
	second, err := q.Peek()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_ReenqueueAfterDequeue(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Job{ID: "J1"})
	_, err := q.Dequeue()
	require.NoError(t, err)

	assert.False(t, q.Contains("J1"))
	assert.True(t, q.Enqueue(&Job{ID: "J1"}), "a dequeued id may be assigned again")
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Job{ID: "A"})
	q.Enqueue(&Job{ID: "B"})

	require.NoError(t, q.Remove("A"))
	assert.True(t, errors.IsNotFoundError(q.Remove("A")))

	head, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "B", head.ID)
}

func TestQueue_RemoveClearsVacatedSlot(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&Job{ID: "A"})
	q.Enqueue(&Job{ID: "B"})
	q.Enqueue(&Job{ID: "C"})

	require.NoError(t, q.Remove("B"))

	assert.Equal(t, 2, q.Len())
	backing := q.jobs[:cap(q.jobs)]
	assert.Nil(t, backing[2], "removed job must not stay reachable from the backing array")
	assert.Equal(t, "A", q.jobs[0].ID)
	assert.Equal(t, "C", q.jobs[1].ID)
}

func TestQueue_ConcurrentEnqueueKeepsIDsUnique(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(&Job{ID: "same"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, q.Len())
}

func TestQueue_SubscribeReceivesNewJobs(t *testing.T) {
	q := NewQueue()
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	q.Enqueue(&Job{ID: "J1"})
	q.Enqueue(&Job{ID: "J1"}) // duplicate, no notification

	select {
	case j := <-ch:
		assert.Equal(t, "J1", j.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	select {
	case j := <-ch:
		t.Fatalf("unexpected notification for %s", j.ID)
	default:
	}
}
