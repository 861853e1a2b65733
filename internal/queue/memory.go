package queue

import (
	"fmt"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend, useful for tests and for the
// scripted client's own outbound queue where durability across restarts
// does not matter.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	claimed map[string]bool
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: map[string]*Job{}, claimed: map[string]bool{}}
}

func (m *MemoryBackend) Enqueue(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryBackend) DequeueReady(limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []*Job
	for id, job := range m.jobs {
		if len(out) >= limit {
			break
		}
		if m.claimed[id] {
			continue
		}
		if job.ReadyAt.After(now) {
			continue
		}
		m.claimed[id] = true
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBackend) Update(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: unknown job %q", job.ID)
	}
	existing.Recipients = job.Recipients
	return nil
}

func (m *MemoryBackend) Ack(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.claimed, id)
	return nil
}

func (m *MemoryBackend) Reschedule(id string, readyAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("queue: unknown job %q", id)
	}
	job.ReadyAt = readyAt
	job.Attempts++
	delete(m.claimed, id)
	return nil
}

func (m *MemoryBackend) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}
