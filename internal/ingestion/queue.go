package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when a job cannot be accepted without blocking.
	ErrQueueFull = errors.New("ingestion queue is full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("ingestion queue is closed")
)

// Queue buffers jobs between producers and the worker pool. A dequeued job
// stays leased until it is acknowledged, retried or dead-lettered.
type Queue interface {
	// TryEnqueue returns false without blocking when the queue is at capacity.
	TryEnqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Ack releases the lease of a finished job.
	Ack(ctx context.Context, job Job) error
	// Retry releases the lease and makes job available again after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error
	// DeadLetter releases the lease and keeps a job that exhausted its attempts.
	DeadLetter(ctx context.Context, job Job, cause error) error
	// Recover returns jobs whose lease expired to the queue.
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context) int
	Capacity() int
	Close() error
}

// DeadLetter is a job that was given up on.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Error  string    `json:"error"`
	Failed time.Time `json:"failed_at"`
}

// MemoryQueue is a bounded channel queue. Nothing survives a restart, so
// leases are not tracked.
type MemoryQueue struct {
	ch        chan Job
	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	dead   []DeadLetter
	timers map[string]*time.Timer
}

// NewMemoryQueue creates a queue holding up to capacity jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ch:     make(chan Job, capacity),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

func (q *MemoryQueue) TryEnqueue(ctx context.Context, job Job) (bool, error) {
	select {
	case <-q.done:
		return false, ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return true, nil
	default:
		return false, nil
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job Job) error { return nil }

// Retry re-enqueues job after delay. A full queue pushes the retry back by delay again.
func (q *MemoryQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		ok, err := q.TryEnqueue(context.Background(), job)
		if err == nil && !ok {
			_ = q.Retry(context.Background(), job, delay)
		}
	})
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, job Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := DeadLetter{Job: job, Failed: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	q.dead = append(q.dead, entry)
	return nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int, error) { return 0, nil }

// DeadLetters returns the jobs given up on so far.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// PendingRetries counts retries waiting for their delay.
func (q *MemoryQueue) PendingRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *MemoryQueue) Depth(ctx context.Context) int { return len(q.ch) }

func (q *MemoryQueue) Capacity() int { return cap(q.ch) }

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.done)
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
	})
	return nil
}
