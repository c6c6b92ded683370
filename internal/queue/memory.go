package queue

import (
	"context"
	"sync"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// Job is one enqueued run job held by the in-memory queue.
type Job struct {
	Queue   string
	Payload watch.RunJobPayload
	Opts    watch.EnqueueOptions
}

// Memory is an in-process watch.JobQueue for local development and
// worker tests. Jobs are deduplicated on JobID while pending.
type Memory struct {
	mu      sync.Mutex
	pending []Job
	seen    map[string]bool
	waiters []chan Job
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]bool)}
}

// Enqueue appends a job, waking one blocked Dequeue if any. A job whose
// ID is already pending is dropped and its ID returned unchanged.
func (m *Memory) Enqueue(_ context.Context, queueName string, payload watch.RunJobPayload, opts watch.EnqueueOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[opts.JobID] {
		return opts.JobID, nil
	}
	job := Job{Queue: queueName, Payload: payload, Opts: opts}
	if len(m.waiters) > 0 {
		waiter := m.waiters[0]
		m.waiters = m.waiters[1:]
		waiter <- job
		return opts.JobID, nil
	}
	m.seen[opts.JobID] = true
	m.pending = append(m.pending, job)
	return opts.JobID, nil
}

// Dequeue blocks until a job is available or the context ends.
func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		job := m.pending[0]
		m.pending = m.pending[1:]
		delete(m.seen, job.Opts.JobID)
		m.mu.Unlock()
		return job, nil
	}
	waiter := make(chan Job, 1)
	m.waiters = append(m.waiters, waiter)
	m.mu.Unlock()

	select {
	case job := <-waiter:
		return job, nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := false
		for i, w := range m.waiters {
			if w == waiter {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				removed = true
				break
			}
		}
		m.mu.Unlock()
		if !removed {
			// An Enqueue already committed a job to this waiter.
			return <-waiter, nil
		}
		return Job{}, ctx.Err()
	}
}

// Len reports how many jobs are pending.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
