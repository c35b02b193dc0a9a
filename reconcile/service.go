/*
Package reconcile orchestrates the benefit engine against its collaborators.

PURPOSE:
  Everything that touches storage or the notification center goes through
  the Service. It runs reconciliation passes and the user-facing actions
  (mark used, undo, snooze, change frequency, notification actions).

PASS (pass.go):
  1. Load all benefits
  2. ReconcilePeriod each; append history, persist changed records,
     cancel released reminders
  3. Sweep orphans in both directions against ListScheduled
  4. Plan admission
  5. Apply: cancels first, then creates; persist each stamp
  Failures are per item: logged, counted and retried next pass.

GATE:
  One pass at a time. Requests that arrive while a pass runs share a
  single follow-up pass. Reconcile waits for a pass that started after the
  request; Trigger does not wait.

GUARANTEE:
  Background wakes are best effort. Callers run Reconcile(TriggerForeground)
  before reading benefit state; that pass is the correctness guarantee.

SEE ALSO:
  - actions.go: User actions and reminder delivery
  - scheduler.go: Cron-driven background wake
*/
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/clock"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reminder"
)

// StateLastSuccess is the state key holding the instant of the last pass
// that finished without failures (RFC3339).
const StateLastSuccess = "reconcile.last_success"

// ErrClosed is returned for passes requested after Close.
var ErrClosed = errors.New("reconciliation service closed")

// Options tune the service.
type Options struct {
	Capacity      int
	LookaheadDays int
	ReminderHour  int
	UndoWindow    time.Duration
	StepTimeout   time.Duration
	Weights       reminder.Weights
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		Capacity:      50,
		LookaheadDays: 45,
		ReminderHour:  benefit.DefaultReminderHour,
		UndoWindow:    benefit.DefaultUndoWindow,
		StepTimeout:   10 * time.Second,
		Weights:       reminder.DefaultWeights(),
	}
}

// Status is the best-effort diagnostic view of reconciliation health.
type Status struct {
	Running             bool       `json:"running"`
	Passes              int        `json:"passes"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastReport          *RunReport `json:"last_report,omitempty"`
}

// pass is one scheduled or running reconciliation.
type pass struct {
	trigger Trigger
	done    chan struct{}
	report  RunReport
	err     error
}

// Service runs reconciliation passes and user actions.
type Service struct {
	repo    benefit.Repository
	center  notify.Center
	runs    RunLog
	clock   clock.Clock
	planner *reminder.Planner
	opts    Options
	log     logrus.FieldLogger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *pass
	next    *pass
	closed  bool
	status  Status
}

// NewService wires a service. runs may be nil, in which case an in-memory
// log is used.
func NewService(repo benefit.Repository, center notify.Center, runs RunLog, clk clock.Clock, log logrus.FieldLogger, opts Options) *Service {
	if runs == nil {
		runs = NewMemoryRunLog(0)
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultOptions().StepTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		center:  center,
		runs:    runs,
		clock:   clk,
		planner: reminder.NewPlanner(opts.Weights),
		opts:    opts,
		log:     log,
		base:    base,
		cancel:  cancel,
	}
}

// =============================================================================
// GATE
// =============================================================================

// Reconcile requests a pass and waits for one that started after the
// request. ctx bounds the wait only; the pass itself runs on the service's
// lifetime context.
func (s *Service) Reconcile(ctx context.Context, trigger Trigger) (RunReport, error) {
	p, err := s.request(trigger)
	if err != nil {
		return RunReport{}, err
	}
	select {
	case <-p.done:
		return p.report, p.err
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	}
}

// Trigger requests a pass without waiting.
func (s *Service) Trigger(trigger Trigger) {
	if _, err := s.request(trigger); err != nil {
		s.log.WithField("trigger", trigger).Debug("Pass not requested: service closed")
	}
}

func (s *Service) request(trigger Trigger) (*pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.current == nil {
		s.current = &pass{trigger: trigger, done: make(chan struct{})}
		s.wg.Add(1)
		go s.loop(s.current)
		return s.current, nil
	}
	if s.next == nil {
		s.next = &pass{trigger: trigger, done: make(chan struct{})}
		s.log.WithField("trigger", trigger).Debug("Pass in flight, follow-up queued")
	}
	return s.next, nil
}

func (s *Service) loop(p *pass) {
	defer s.wg.Done()
	for p != nil {
		p.report, p.err = s.runPass(s.base, p.trigger)
		close(p.done)

		s.mu.Lock()
		s.current, s.next = s.next, nil
		p = s.current
		s.mu.Unlock()
	}
}

// Close cancels any running pass and waits for it to return.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// =============================================================================
// STATUS
// =============================================================================

// Status returns a snapshot of reconciliation health.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.current != nil
	return st
}

// Runs returns recent run records, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]Run, error) {
	return s.runs.ListRuns(ctx, limit)
}

// LastSuccess reads the persisted instant of the last clean pass.
func (s *Service) LastSuccess(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.repo.GetState(ctx, StateLastSuccess)
	if err != nil || !ok {
		return time.Time{}, false, storageErr("get state", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *Service) recordOutcome(at time.Time, report RunReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Passes++
	s.status.LastRunAt = &at
	r := report
	s.status.LastReport = &r

	switch {
	case err != nil:
		s.status.LastError = err.Error()
		s.status.ConsecutiveFailures++
	case report.Failures > 0:
		s.status.LastError = report.Errors[len(report.Errors)-1]
		s.status.ConsecutiveFailures++
	default:
		s.status.LastError = ""
		s.status.ConsecutiveFailures = 0
		s.status.LastSuccessAt = &at
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// step runs f under the per-step timeout.
func (s *Service) step(ctx context.Context, f func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	return f(sctx)
}

// storageErr wraps I/O failures. Store-level outcomes the caller acts on
// (conflict, not found, duplicate) pass through unwrapped.
func storageErr(op string, err error) error {
	if err == nil ||
		errors.Is(err, benefit.ErrConcurrentModification) ||
		errors.Is(err, benefit.ErrDuplicateIdempotencyKey) ||
		benefit.IsNotFound(err) {
		return err
	}
	return benefit.StorageError(op, err)
}

// update applies mutate to b and persists the result with its history
// effect. History is written before the record; on a failed save it is
// compensated (auto-expirations are left, their key makes retries safe).
// A version conflict re-reads the record once and re-applies mutate.
func (s *Service) update(ctx context.Context, b *benefit.Benefit, mutate func(*benefit.Benefit) (benefit.Effect, error)) (benefit.Effect, error) {
	for attempt := 0; ; attempt++ {
		work := b.Clone()
		eff, err := mutate(&work)
		if err != nil || !eff.Changed {
			return eff, err
		}

		if eff.Append != nil {
			if err := s.repo.AppendUsage(ctx, *eff.Append); err != nil && !errors.Is(err, benefit.ErrDuplicateIdempotencyKey) {
				return benefit.Effect{}, storageErr("append usage", err)
			}
		}
		if eff.Remove != nil {
			if err := s.repo.RemoveUsage(ctx, eff.Remove.ID); err != nil && !errors.Is(err, benefit.ErrUsageNotFound) {
				return benefit.Effect{}, storageErr("remove usage", err)
			}
		}

		work.UpdatedAt = s.clock.Now()
		saved, err := s.repo.SaveBenefit(ctx, work)
		if err == nil {
			*b = saved
			return eff, nil
		}

		s.compensate(ctx, eff)
		if !errors.Is(err, benefit.ErrConcurrentModification) || attempt > 0 {
			return benefit.Effect{}, storageErr("save benefit", err)
		}

		fresh, err := s.repo.GetBenefit(ctx, b.ID)
		if err != nil {
			return benefit.Effect{}, storageErr("get benefit", err)
		}
		s.log.WithField("benefit_id", b.ID).Debug("Version conflict, reapplying on fresh record")
		*b = fresh
	}
}

func (s *Service) compensate(ctx context.Context, eff benefit.Effect) {
	if eff.Append != nil && !eff.Append.WasAutoExpired {
		if err := s.repo.RemoveUsage(ctx, eff.Append.ID); err != nil {
			s.log.WithError(err).WithField("usage_id", eff.Append.ID).Warn("Could not roll back usage entry")
		}
	}
	if eff.Remove != nil {
		if err := s.repo.AppendUsage(ctx, *eff.Remove); err != nil {
			s.log.WithError(err).WithField("usage_id", eff.Remove.ID).Warn("Could not restore usage entry")
		}
	}
}

// release cancels a reminder handle cleared by a lifecycle operation. A
// failure leaves an unreferenced reminder for the next orphan sweep.
func (s *Service) release(ctx context.Context, id benefit.ID, h benefit.ReminderHandle) error {
	if h == "" {
		return nil
	}
	if err := s.center.Cancel(ctx, h); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"benefit_id": id, "handle": h}).
			Warn("Cancel failed, orphan sweep will retry")
		return benefit.NotificationError("cancel", err)
	}
	return nil
}
