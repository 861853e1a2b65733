package queue

import (
	"context"
	"sync"
	"time"

	"github.com/transilvlad/robin-sub006/internal/courier"
	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/maillog"
	"github.com/transilvlad/robin-sub006/internal/set"
	"github.com/transilvlad/robin-sub006/internal/sts"
	"github.com/transilvlad/robin-sub006/internal/trace"
)

// Scheduler is the single cron-style driver that replaces the legacy
// per-item SendLoop goroutine: one ticking loop calls DequeueReady,
// attempts each job's still-pending recipients, and Acks or Reschedules
// based on the outcome (Design Notes §9).
type Scheduler struct {
	Backend Backend

	LocalC, RemoteC courier.Courier
	LocalDomains    *set.String

	GiveUpAfter time.Duration
	BatchSize   int
	PollEvery   time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler returns a Scheduler with reasonable defaults, matching the
// legacy Queue's GiveUpAfter default.
func NewScheduler(b Backend, localC, remoteC courier.Courier, localDomains *set.String) *Scheduler {
	return &Scheduler{
		Backend:      b,
		LocalC:       localC,
		RemoteC:      remoteC,
		LocalDomains: localDomains,
		GiveUpAfter:  20 * time.Hour,
		BatchSize:    64,
		PollEvery:    10 * time.Second,
		stop:         make(chan struct{}),
	}
}

// Run drives the scheduler loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollEvery)
	defer ticker.Stop()

	for {
		s.tick()
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop halts a running Run loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}

// tick dequeues one batch of ready jobs and attempts each. Re-running tick
// on the same set of ready jobs never delivers twice to an already-Sent
// recipient (testable property #5): per-recipient status is persisted via
// Backend.Update before Ack/Reschedule, and DequeueReady only returns
// unclaimed jobs.
func (s *Scheduler) tick() {
	jobs, err := s.Backend.DequeueReady(s.BatchSize)
	if err != nil {
		return
	}
	for _, job := range jobs {
		s.attempt(job)
	}
}

func (s *Scheduler) attempt(job *Job) {
	tr := trace.New("Queue.Scheduler", job.ID)
	defer tr.Finish()

	s.logRouteGrouping(tr, job)

	var wg sync.WaitGroup
	for i := range job.Recipients {
		r := &job.Recipients[i]
		if r.Status != RecipientPending {
			continue
		}
		wg.Add(1)
		go func(r *JobRecipient) {
			defer wg.Done()
			s.deliverOne(tr, job, r)
		}(r)
	}
	wg.Wait()

	if err := s.Backend.Update(job); err != nil {
		tr.Errorf("failed to persist job state: %v", err)
	}

	if job.AllDone() {
		if job.AllFailed() && job.From != "<>" {
			// DSN generation for the new Backend path is not yet wired;
			// tracked in DESIGN.md. The legacy Queue still handles DSNs
			// for items submitted through its own Put/SendLoop path.
			tr.Errorf("job %s: all recipients failed, no DSN path configured", job.ID)
		}
		maillog.QueueLoop(job.ID, job.From, 0)
		_ = s.Backend.Ack(job.ID)
		return
	}

	if time.Since(job.CreatedAt) >= s.GiveUpAfter {
		maillog.QueueLoop(job.ID, job.From, 0)
		_ = s.Backend.Ack(job.ID)
		return
	}

	delay := NextDelay(job.CreatedAt)
	maillog.QueueLoop(job.ID, job.From, delay)
	_ = s.Backend.Reschedule(job.ID, time.Now().Add(delay))
}

// logRouteGrouping resolves the MX route for each still-pending remote
// recipient's domain and records which ones share a route (spec.md §4.7),
// so that a connection-pooling courier can later batch deliveries to a
// single MX set without re-deriving the grouping itself.
func (s *Scheduler) logRouteGrouping(tr *trace.Trace, job *Job) {
	var domains []string
	seen := map[string]bool{}
	for _, r := range job.Recipients {
		if r.Status != RecipientPending {
			continue
		}
		d := envelope.DomainOf(r.Address)
		if envelope.DomainIn(r.Address, s.LocalDomains) || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	if len(domains) < 2 {
		return
	}

	g := sts.GroupDomains(domains)
	for _, route := range g.Routes() {
		if len(route.Domains) > 1 {
			tr.Debugf("route %s shared by domains %v", route.Hash[:12], route.Domains)
		}
	}
}

func (s *Scheduler) deliverOne(tr *trace.Trace, job *Job, r *JobRecipient) {
	var c courier.Courier = s.RemoteC
	if envelope.DomainIn(r.Address, s.LocalDomains) {
		c = s.LocalC
	}

	err, permanent := c.Deliver(job.From, r.Address, job.Data)
	if err != nil {
		r.LastError = err.Error()
		if permanent {
			r.Status = RecipientFailed
			r.LocalError = true
			maillog.SendAttempt(job.ID, job.From, r.Address, err, true)
			tr.Errorf("%s permanent error: %v", r.Address, err)
		} else {
			maillog.SendAttempt(job.ID, job.From, r.Address, err, false)
			tr.Printf("%s temporary error: %v", r.Address, err)
		}
		return
	}

	r.Status = RecipientSent
	maillog.SendAttempt(job.ID, job.From, r.Address, nil, false)
	tr.Printf("%s sent", r.Address)
}
