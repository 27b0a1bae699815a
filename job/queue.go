package job

import (
	"fmt"
	"sync"

	"github.com/teranos/botagent/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 16

// Queue is an in-memory FIFO of pending jobs, deduplicated by job ID.
// Nothing is persisted: on restart the server re-assigns or abandons.
type Queue struct {
	mu          sync.Mutex
	jobs        []*Job
	ids         map[string]struct{}
	subscribers []chan *Job
}

// NewQueue creates an empty job queue
func NewQueue() *Queue {
	return &Queue{
		ids: make(map[string]struct{}),
	}
}

// Enqueue appends job to the tail unless a job with the same ID is already
// queued. It reports whether the job was added.
func (q *Queue) Enqueue(job *Job) bool {
	if job == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[job.ID]; exists {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.ids[job.ID] = struct{}{}

	q.notifySubscribers(job)
	return true
}

// Dequeue removes and returns the head job
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyQueue, "dequeue")
	}

	head := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	delete(q.ids, head.ID)
	return head, nil
}

// Peek returns the head job without removing it
func (q *Queue) Peek() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyQueue, "peek")
	}
	return q.jobs[0], nil
}

// Remove drops the job with id wherever it sits in the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.jobs {
		if j.ID == id {
			last := len(q.jobs) - 1
			copy(q.jobs[i:], q.jobs[i+1:])
			q.jobs[last] = nil
			q.jobs = q.jobs[:last]
			delete(q.ids, id)
			return nil
		}
	}
	err := errors.Wrap(errors.ErrNotFound, "job not queued")
	return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
}

// IsEmpty reports whether the queue holds no jobs
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) == 0
}

// Len returns the number of queued jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Contains reports whether a job with id is queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Subscribe returns a channel that receives every newly enqueued job.
func (q *Queue) Subscribe() <-chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (q *Queue) Unsubscribe(ch <-chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			close(sub)
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job to all subscribers (non-blocking)
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
