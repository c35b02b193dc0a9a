package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reminder"
)

// working is the pass's view of one benefit.
type working struct {
	b    benefit.Benefit
	skip bool // could not be brought current; excluded from planning
}

// runPass executes one reconciliation pass. The returned error is set only
// when the pass could not start (benefits could not be listed); per-item
// failures are in the report.
func (s *Service) runPass(ctx context.Context, trigger Trigger) (RunReport, error) {
	now := s.clock.Now()
	run := Run{ID: uuid.NewString(), Trigger: trigger, Status: RunRunning, StartedAt: now}
	log := s.log.WithFields(logrus.Fields{"run_id": run.ID, "trigger": trigger})
	s.saveRun(ctx, log, run)

	log.Debug("Reconciliation pass started")

	var report RunReport
	err := s.pass(ctx, log, now, &report)

	completed := s.clock.Now()
	run.Report = report
	run.CompletedAt = &completed
	switch {
	case err != nil:
		run.Status = RunFailed
		run.Error = err.Error()
		log.WithError(err).Error("Reconciliation pass failed")
	case report.Failures > 0:
		run.Status = RunPartial
		run.Error = report.Errors[len(report.Errors)-1]
		log.WithField("failures", report.Failures).Warn("Reconciliation pass finished with failures")
	default:
		run.Status = RunCompleted
		if perr := s.step(ctx, func(ctx context.Context) error {
			return s.repo.PutState(ctx, StateLastSuccess, now.Format(time.RFC3339Nano))
		}); perr != nil {
			log.WithError(perr).Warn("Could not persist last success")
		}
	}
	s.saveRun(ctx, log, run)
	s.recordOutcome(now, report, err)

	log.WithFields(logrus.Fields{
		"benefits":  report.Benefits,
		"reset":     report.Reset,
		"created":   report.Created,
		"cancelled": report.Cancelled,
		"deferred":  report.Deferred,
	}).Info("Reconciliation pass completed")

	return report, err
}

func (s *Service) saveRun(ctx context.Context, log logrus.FieldLogger, run Run) {
	if err := s.step(ctx, func(ctx context.Context) error { return s.runs.SaveRun(ctx, run) }); err != nil {
		log.WithError(err).Warn("Could not record reconciliation run")
	}
}

func (s *Service) pass(ctx context.Context, log logrus.FieldLogger, now time.Time, report *RunReport) error {
	// 1. Load
	var benefits []benefit.Benefit
	if err := s.step(ctx, func(ctx context.Context) error {
		var err error
		benefits, err = s.repo.ListBenefits(ctx)
		return storageErr("list benefits", err)
	}); err != nil {
		return err
	}
	report.Benefits = len(benefits)

	items := make([]*working, len(benefits))
	byID := make(map[benefit.ID]*working, len(benefits))
	for i, b := range benefits {
		items[i] = &working{b: b}
		byID[b.ID] = items[i]
	}

	// 2. Bring every benefit into its current period
	for _, w := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reconcileOne(ctx, log, now, w, report)
	}

	// 3. Orphans
	stranded, swept := s.sweep(ctx, log, now, items, report)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// 4. Plan over the benefits that are current
	in := reminder.PlanInput{
		Now:           now,
		Capacity:      s.opts.Capacity,
		LookaheadDays: s.opts.LookaheadDays,
		ReminderHour:  s.opts.ReminderHour,
	}
	for _, w := range items {
		if w.skip {
			if w.b.HasReminder() {
				in.Capacity--
			}
			continue
		}
		in.Benefits = append(in.Benefits, w.b)
	}
	plan := s.planner.Plan(in)
	report.Deferred = len(plan.Deferred)

	// 5. Apply, cancels first. A reminder whose cancel failed still sits in
	// the center and keeps its slot: the lowest-ranked creates give way.
	creating := make(map[benefit.ID]bool, len(plan.ToCreate))
	for _, c := range plan.ToCreate {
		creating[c.BenefitID] = true
	}
	for _, c := range plan.ToCancel {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed reschedule skips its own create below.
		if !s.applyCancel(ctx, log, byID[c.BenefitID], c, report) && !creating[c.BenefitID] {
			stranded++
		}
	}

	budget := 0
	if swept {
		for _, c := range plan.ToCreate {
			if !byID[c.BenefitID].b.HasReminder() {
				budget++
			}
		}
		budget -= stranded
	}
	for _, c := range plan.ToCreate {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w := byID[c.BenefitID]
		if w.b.HasReminder() {
			continue
		}
		if budget <= 0 {
			report.Deferred++
			log.WithField("benefit_id", c.BenefitID).Debug("Create held back, slot still occupied")
			continue
		}
		budget--
		s.applyCreate(ctx, log, w, c, report)
	}
	return nil
}

// =============================================================================
// STEP 2 - PERIOD RECONCILIATION
// =============================================================================

func (s *Service) reconcileOne(ctx context.Context, log logrus.FieldLogger, now time.Time, w *working, report *RunReport) {
	if !benefit.PeriodElapsed(w.b, now) && !w.b.CurrentPeriodEnd.IsZero() {
		return
	}

	var eff benefit.Effect
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		eff, err = s.update(ctx, &w.b, func(b *benefit.Benefit) (benefit.Effect, error) {
			return benefit.ReconcilePeriod(b, now), nil
		})
		return err
	})
	if err != nil {
		w.skip = true
		report.fail(fmt.Errorf("reconcile %s: %w", w.b.ID, err))
		log.WithError(err).WithField("benefit_id", w.b.ID).Warn("Period reconciliation failed")
		return
	}
	if !eff.Changed {
		return
	}

	report.Reset++
	report.Persisted++
	if eff.Append != nil {
		report.AutoExpired++
	}
	log.WithFields(logrus.Fields{
		"benefit_id":   w.b.ID,
		"status":       w.b.Status,
		"period":       w.b.Period().String(),
		"auto_expired": eff.Append != nil,
	}).Debug("Benefit moved to current period")

	if err := s.step(ctx, func(ctx context.Context) error { return s.release(ctx, w.b.ID, eff.Release) }); err != nil {
		report.fail(err)
	} else if eff.Release != "" {
		report.Cancelled++
	}
}

// =============================================================================
// STEP 3 - ORPHAN SWEEP
// =============================================================================

// sweep reconciles references in both directions. A handle the center no
// longer knows is cleared from its benefit; if its fire instant passed it
// is recorded as fired. A scheduled reminder no benefit references is
// cancelled. It returns how many unreferenced reminders could not be
// cancelled, and false when the center could not be listed at all.
func (s *Service) sweep(ctx context.Context, log logrus.FieldLogger, now time.Time, items []*working, report *RunReport) (int, bool) {
	var scheduled []notify.Scheduled
	if err := s.step(ctx, func(ctx context.Context) error {
		var err error
		scheduled, err = s.center.ListScheduled(ctx)
		return err
	}); err != nil {
		report.fail(benefit.NotificationError("list scheduled", err))
		log.WithError(err).Warn("Could not list scheduled reminders, skipping orphan sweep and creates")
		return 0, false
	}

	known := make(map[benefit.ReminderHandle]bool, len(scheduled))
	for _, sc := range scheduled {
		known[sc.Handle] = true
	}

	referenced := make(map[benefit.ReminderHandle]bool)
	for _, w := range items {
		h := w.b.ScheduledReminderID
		if h == "" {
			continue
		}
		referenced[h] = true
		if known[h] || w.skip {
			continue
		}

		err := s.step(ctx, func(ctx context.Context) error {
			_, err := s.update(ctx, &w.b, func(b *benefit.Benefit) (benefit.Effect, error) {
				return forgetReminder(b, h, now), nil
			})
			return err
		})
		if err != nil {
			w.skip = true
			report.fail(fmt.Errorf("clear orphan handle %s: %w", w.b.ID, err))
			continue
		}
		report.OrphansCleared++
		report.Persisted++
		log.WithFields(logrus.Fields{"benefit_id": w.b.ID, "handle": h}).Debug("Cleared handle unknown to notification center")
	}

	stranded := 0
	for _, sc := range scheduled {
		if referenced[sc.Handle] {
			continue
		}
		if err := s.step(ctx, func(ctx context.Context) error { return s.center.Cancel(ctx, sc.Handle) }); err != nil {
			stranded++
			report.fail(benefit.NotificationError("cancel orphan", err))
			continue
		}
		report.OrphansCancelled++
		log.WithFields(logrus.Fields{"benefit_id": sc.BenefitID, "handle": sc.Handle}).Debug("Cancelled unreferenced reminder")
	}
	return stranded, true
}

// forgetReminder clears handle h from b, recording it as fired when its
// instant has passed.
func forgetReminder(b *benefit.Benefit, h benefit.ReminderHandle, now time.Time) benefit.Effect {
	if b.ScheduledReminderID != h {
		return benefit.Effect{}
	}
	if b.ScheduledFireAt != nil && !b.ScheduledFireAt.After(now) {
		fired := *b.ScheduledFireAt
		b.LastReminderFiredAt = &fired
	}
	b.ScheduledReminderID = ""
	b.ScheduledFireAt = nil
	return benefit.Effect{Changed: true}
}

// =============================================================================
// STEP 5 - APPLY
// =============================================================================

// applyCancel reports whether the reminder left the center.
func (s *Service) applyCancel(ctx context.Context, log logrus.FieldLogger, w *working, c reminder.Cancel, report *RunReport) bool {
	cancelled := false
	err := s.step(ctx, func(ctx context.Context) error {
		if err := s.center.Cancel(ctx, c.Handle); err != nil {
			return benefit.NotificationError("cancel", err)
		}
		cancelled = true
		_, err := s.update(ctx, &w.b, func(b *benefit.Benefit) (benefit.Effect, error) {
			if b.ScheduledReminderID != c.Handle {
				return benefit.Effect{}, nil
			}
			b.ScheduledReminderID = ""
			b.ScheduledFireAt = nil
			return benefit.Effect{Changed: true}, nil
		})
		return err
	})
	if err != nil {
		report.fail(fmt.Errorf("cancel reminder %s: %w", c.BenefitID, err))
		log.WithError(err).WithField("benefit_id", c.BenefitID).Warn("Reminder cancel failed")
		return cancelled
	}
	report.Cancelled++
	return true
}

func (s *Service) applyCreate(ctx context.Context, log logrus.FieldLogger, w *working, c reminder.Create, report *RunReport) {
	err := s.step(ctx, func(ctx context.Context) error {
		h, err := s.center.Schedule(ctx, c.BenefitID, c.FireAt, c.Payload)
		if err != nil {
			return benefit.NotificationError("schedule", err)
		}
		_, err = s.update(ctx, &w.b, func(b *benefit.Benefit) (benefit.Effect, error) {
			if b.HasReminder() {
				return benefit.Effect{}, fmt.Errorf("%w: reminder already held", benefit.ErrConcurrentModification)
			}
			fire := c.FireAt
			b.ScheduledReminderID = h
			b.ScheduledFireAt = &fire
			return benefit.Effect{Changed: true}, nil
		})
		if err != nil {
			// Unstamped reminder; cancel now or leave it to the next sweep.
			_ = s.release(ctx, c.BenefitID, h)
		}
		return err
	})
	if err != nil {
		report.fail(fmt.Errorf("schedule reminder %s: %w", c.BenefitID, err))
		log.WithError(err).WithField("benefit_id", c.BenefitID).Warn("Reminder schedule failed")
		return
	}
	report.Created++
	log.WithFields(logrus.Fields{"benefit_id": c.BenefitID, "fire_at": c.FireAt}).Debug("Reminder scheduled")
}
