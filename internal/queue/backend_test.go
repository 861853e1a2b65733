package queue

import (
	"testing"
	"time"

	"github.com/transilvlad/robin-sub006/internal/set"
)

func TestMemoryBackendEnqueueDequeueAck(t *testing.T) {
	b := NewMemoryBackend()

	job := &Job{
		ID:   "j1",
		From: "a@example.com",
		Recipients: []JobRecipient{
			{Address: "b@example.com", Status: RecipientPending},
		},
		CreatedAt: time.Now(),
		ReadyAt:   time.Now(),
	}
	if err := b.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ready, err := b.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("got %d ready jobs, want 1", len(ready))
	}

	// A second DequeueReady before Ack/Reschedule must not return the
	// same job again (it is claimed).
	again, err := b.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady (2nd): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("got %d jobs on second dequeue, want 0 (job should be claimed)", len(again))
	}

	if err := b.Ack(job.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	n, _ := b.Len()
	if n != 0 {
		t.Fatalf("Len() = %d after Ack, want 0", n)
	}
}

func TestMemoryBackendReschedule(t *testing.T) {
	b := NewMemoryBackend()
	job := &Job{ID: "j2", CreatedAt: time.Now(), ReadyAt: time.Now()}
	_ = b.Enqueue(job)

	ready, _ := b.DequeueReady(10)
	if len(ready) != 1 {
		t.Fatalf("got %d ready jobs, want 1", len(ready))
	}

	future := time.Now().Add(1 * time.Hour)
	if err := b.Reschedule(job.ID, future); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	ready, _ = b.DequeueReady(10)
	if len(ready) != 0 {
		t.Fatalf("got %d ready jobs after reschedule into the future, want 0", len(ready))
	}
}

func TestSchedulerDeliversAndAcksOnSuccess(t *testing.T) {
	b := NewMemoryBackend()
	tc := newTestCourier()
	tc.wg.Add(1)

	job := &Job{
		ID:   "j3",
		From: "a@local.example",
		Recipients: []JobRecipient{
			{Address: "b@local.example", Status: RecipientPending},
		},
		CreatedAt: time.Now(),
		ReadyAt:   time.Now(),
	}
	_ = b.Enqueue(job)

	locals := set.NewString("local.example")
	s := NewScheduler(b, tc, tc, locals)
	s.tick()
	tc.wg.Wait()

	n, _ := b.Len()
	if n != 0 {
		t.Fatalf("Len() = %d, want 0 (job should have been acked)", n)
	}
	if tc.reqFor["b@local.example"] == nil {
		t.Fatalf("recipient was never delivered to")
	}
}

func TestSchedulerReschedulesOnTransientFailure(t *testing.T) {
	b := NewMemoryBackend()
	cc := newChanCourier()

	job := &Job{
		ID:   "j4",
		From: "a@local.example",
		Recipients: []JobRecipient{
			{Address: "b@remote.example", Status: RecipientPending},
		},
		CreatedAt: time.Now(),
		ReadyAt:   time.Now(),
	}
	_ = b.Enqueue(job)

	locals := set.NewString("local.example")
	s := NewScheduler(b, cc, cc, locals)

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()

	<-cc.requests
	cc.results <- errTransient{}
	<-done

	n, _ := b.Len()
	if n != 1 {
		t.Fatalf("Len() = %d, want 1 (job should have been rescheduled, not acked)", n)
	}
}

type errTransient struct{}

func (errTransient) Error() string { return "transient failure" }
