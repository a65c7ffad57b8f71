package queue

import (
	"context"
	"sync"
	"time"
)

// MemorySource is an in-process Source.
type MemorySource struct {
	mu     sync.Mutex
	jobs   []Job
	notify chan struct{}
	closed bool
}

// NewMemorySource returns an empty queue.
func NewMemorySource() *MemorySource {
	return &MemorySource{notify: make(chan struct{}, 1)}
}

// Enqueue implements Source.
func (m *MemorySource) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.jobs = append(m.jobs, job)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued jobs.
func (m *MemorySource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Close makes further calls fail with ErrClosed once the queue is drained.
func (m *MemorySource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MemorySource) take(limit int) ([]Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.jobs))
	batch := append([]Job(nil), m.jobs[:n]...)
	m.jobs = m.jobs[n:]
	return batch, m.closed
}

// Receive implements Source.
func (m *MemorySource) Receive(ctx context.Context, limit int, wait time.Duration) ([]Job, error) {
	limit = maxBatch(limit)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		batch, closed := m.take(limit)
		if len(batch) > 0 {
			return batch, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-m.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func maxBatch(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}
