package queue

import "time"

// Job is one pending delivery attempt, backend-agnostic. It is the unit
// the retry scheduler moves between "ready" and "not yet due" states.
type Job struct {
	ID         string
	From       string
	To         []string
	Recipients []JobRecipient
	Data       []byte
	CreatedAt  time.Time
	ReadyAt    time.Time // next time this job is eligible for dequeueReady.
	Attempts   int
}

// Backend is the pluggable persistence layer behind the retry scheduler
// (spec.md Design Notes §9: "enqueue/dequeueReady/ack/reschedule"),
// replacing chasquid's per-item SendLoop goroutine with a single driver
// that can be backed by a file store, a SQL table, or memory.
//
// Implementations must make Ack and Reschedule idempotent: calling either
// twice with the same id, or calling DequeueReady again before Ack, must
// not hand out or deliver the same job twice to two concurrent drivers
// (testable property #5).
type Backend interface {
	// Enqueue persists a new job and makes it immediately ready.
	Enqueue(job *Job) error

	// DequeueReady returns up to limit jobs whose ReadyAt has passed,
	// atomically marking them as claimed so a concurrent call does not
	// return the same job twice.
	DequeueReady(limit int) ([]*Job, error)

	// Ack removes a job that has finished (delivered to every recipient,
	// or permanently failed and DSN'd).
	Ack(id string) error

	// Reschedule updates a job's ReadyAt and increments Attempts, for a
	// job that failed transiently and should be retried later.
	Reschedule(id string, readyAt time.Time) error

	// Update persists a job's mutated Recipients slice (per-recipient
	// status/LastError) without changing its scheduling state. Called
	// after each delivery attempt, before Reschedule or Ack.
	Update(job *Job) error

	// Len returns the number of jobs currently tracked (ready or not).
	Len() (int, error)
}

// NextDelay computes a retry backoff from a job's age, per the same
// tiered schedule the legacy per-item SendLoop used: 1m/5m/10m/20m,
// perturbed by up to 60s of jitter so that a bulk restart doesn't retry
// every job at the exact same instant.
func NextDelay(createdAt time.Time) time.Duration {
	return nextDelay(createdAt)
}
