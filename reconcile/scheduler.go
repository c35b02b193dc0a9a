/*
scheduler.go - Background wake

PURPOSE:
  Best-effort periodic work layered over the foreground guarantee:
  - reconcile: request a background pass (default every 6 hours)
  - delivery:  pop due reminders from a local center (default every minute)

  Nothing depends on these jobs running. A process that is never woken
  still converges on its next foreground pass.

USAGE:
  scheduler, err := NewScheduler(svc, log, "0 0-23/6 * * *", "* * * * *")
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs the background jobs on cron specs.
type Scheduler struct {
	svc  *Service
	log  logrus.FieldLogger
	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewScheduler registers the jobs. An empty spec disables that job.
func NewScheduler(svc *Service, log logrus.FieldLogger, reconcileSpec, deliverySpec string) (*Scheduler, error) {
	s := &Scheduler{
		svc:  svc,
		log:  log,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}

	if reconcileSpec != "" {
		if _, err := s.cron.AddFunc(reconcileSpec, s.wake); err != nil {
			return nil, fmt.Errorf("add reconcile job %q: %w", reconcileSpec, err)
		}
	}
	if deliverySpec != "" {
		if _, err := s.cron.AddFunc(deliverySpec, s.deliver); err != nil {
			return nil, fmt.Errorf("add delivery job %q: %w", deliverySpec, err)
		}
	}
	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("Background scheduler started")
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
	s.log.Info("Background scheduler stopped")
}

// NextRun returns when the next job fires, or zero if none is scheduled.
func (s *Scheduler) NextRun() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

func (s *Scheduler) wake() {
	s.log.Debug("Background wake")
	s.svc.Trigger(TriggerBackground)
}

func (s *Scheduler) deliver() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	due, err := s.svc.Deliver(ctx)
	if err != nil {
		s.log.WithError(err).Error("Reminder delivery failed")
		return
	}
	if len(due) > 0 {
		s.log.WithField("delivered", len(due)).Info("Reminder delivery completed")
	}
}
