/*
actions.go - User actions and local reminder delivery

Every UI mutation of lifecycle fields goes through here: re-read the record,
move it into the current period if one has elapsed, apply the lifecycle
operation, persist with history, cancel any released reminder, then request
a pass so admission catches up. Reads move elapsed records the same way. Lifecycle errors
(InvalidTransition, UndoWindowExpired, InvalidSnooze) are returned as-is.
*/
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/notify"
)

// Notification actions.
const (
	ActionDone   = "done"
	ActionSnooze = "snooze"
)

// deliveredKey maps a delivered reminder handle back to its benefit, so an
// action on a notification still resolves after the handle was cleared.
func deliveredKey(h benefit.ReminderHandle) string {
	return "reminder.delivered." + string(h)
}

// =============================================================================
// CRUD ENTRY POINTS
// =============================================================================

// ListBenefits returns all benefits, each in the period containing now.
func (s *Service) ListBenefits(ctx context.Context) ([]benefit.Benefit, error) {
	bs, err := s.repo.ListBenefits(ctx)
	if err != nil {
		return nil, storageErr("list benefits", err)
	}

	moved := false
	for i := range bs {
		changed, err := s.bringCurrent(ctx, &bs[i])
		if err != nil {
			return nil, err
		}
		moved = moved || changed
	}
	if moved {
		s.Trigger(TriggerBackground)
	}
	return bs, nil
}

// GetBenefit returns one benefit in the period containing now.
func (s *Service) GetBenefit(ctx context.Context, id benefit.ID) (benefit.Benefit, error) {
	b, err := s.repo.GetBenefit(ctx, id)
	if err != nil {
		return benefit.Benefit{}, storageErr("get benefit", err)
	}
	changed, err := s.bringCurrent(ctx, &b)
	if err != nil {
		return benefit.Benefit{}, err
	}
	if changed {
		s.Trigger(TriggerBackground)
	}
	return b, nil
}

// bringCurrent moves a record whose period has elapsed into the current
// one, with its auto-expiration, before anything reads or acts on it.
func (s *Service) bringCurrent(ctx context.Context, b *benefit.Benefit) (bool, error) {
	now := s.clock.Now()
	if !benefit.PeriodElapsed(*b, now) && !b.CurrentPeriodEnd.IsZero() {
		return false, nil
	}

	eff, err := s.update(ctx, b, func(b *benefit.Benefit) (benefit.Effect, error) {
		return benefit.ReconcilePeriod(b, now), nil
	})
	if err != nil || !eff.Changed {
		return false, err
	}

	s.log.WithFields(logrus.Fields{
		"benefit_id":   b.ID,
		"period":       b.Period().String(),
		"auto_expired": eff.Append != nil,
	}).Info("Benefit moved to current period ahead of reconciliation")

	// Persisted already; a failed cancel is swept later.
	_ = s.release(ctx, b.ID, eff.Release)
	return true, nil
}

// History returns a benefit's usage history, oldest first.
func (s *Service) History(ctx context.Context, id benefit.ID) ([]benefit.UsageRecord, error) {
	if _, err := s.GetBenefit(ctx, id); err != nil {
		return nil, err
	}
	recs, err := s.repo.ListUsage(ctx, id)
	return recs, storageErr("list usage", err)
}

// CreateBenefit validates and stores a new benefit placed in its current
// period. An existing ID is rejected with ErrConcurrentModification.
func (s *Service) CreateBenefit(ctx context.Context, b benefit.Benefit) (benefit.Benefit, error) {
	now := s.clock.Now()
	b.Version = 0
	b.ScheduledReminderID = ""
	b.ScheduledFireAt = nil
	b.UpdatedAt = now
	benefit.Initialize(&b, now)
	if err := benefit.Validate(b); err != nil {
		return benefit.Benefit{}, err
	}

	if _, err := s.repo.GetBenefit(ctx, b.ID); err == nil {
		return benefit.Benefit{}, fmt.Errorf("%w: benefit %s exists", benefit.ErrConcurrentModification, b.ID)
	}

	saved, err := s.repo.SaveBenefit(ctx, b)
	if err != nil {
		return benefit.Benefit{}, storageErr("save benefit", err)
	}
	s.log.WithFields(logrus.Fields{"benefit_id": saved.ID, "frequency": saved.Frequency}).Info("Benefit created")
	s.Trigger(TriggerUser)
	return saved, nil
}

// =============================================================================
// LIFECYCLE ACTIONS
// =============================================================================

// MarkUsed marks a benefit used for its current period.
func (s *Service) MarkUsed(ctx context.Context, id benefit.ID) (benefit.Benefit, error) {
	return s.act(ctx, id, "mark used", TriggerUser, s.markUsed)
}

func (s *Service) markUsed(b *benefit.Benefit) (benefit.Effect, error) {
	return benefit.MarkUsed(b, s.clock.Now())
}

// UndoMarkUsed reverts the latest MarkUsed inside the undo window.
func (s *Service) UndoMarkUsed(ctx context.Context, id benefit.ID) (benefit.Benefit, error) {
	return s.act(ctx, id, "undo", TriggerUser, func(b *benefit.Benefit) (benefit.Effect, error) {
		rec, err := s.repo.LastUsage(ctx, b.ID)
		if err != nil {
			if benefit.IsNotFound(err) {
				return benefit.Effect{}, &benefit.TransitionError{BenefitID: b.ID, Op: "undo", From: b.Status}
			}
			return benefit.Effect{}, storageErr("last usage", err)
		}
		return benefit.UndoMarkUsed(b, rec, s.clock.Now(), s.opts.UndoWindow)
	})
}

// Snooze pushes the benefit's next reminder forward by days.
func (s *Service) Snooze(ctx context.Context, id benefit.ID, days int) (benefit.Benefit, error) {
	return s.act(ctx, id, "snooze", TriggerUser, s.snooze(days))
}

func (s *Service) snooze(days int) func(*benefit.Benefit) (benefit.Effect, error) {
	return func(b *benefit.Benefit) (benefit.Effect, error) {
		return benefit.SnoozeReminder(b, s.clock.Now(), days, s.opts.ReminderHour)
	}
}

// ChangeFrequency applies an explicit frequency override.
func (s *Service) ChangeFrequency(ctx context.Context, id benefit.ID, freq calendar.Frequency) (benefit.Benefit, error) {
	var from calendar.Frequency
	b, err := s.act(ctx, id, "change frequency", TriggerUser, func(b *benefit.Benefit) (benefit.Effect, error) {
		from = b.Frequency
		return benefit.ChangeFrequency(b, freq, s.clock.Now())
	})
	if err == nil && from != freq {
		s.log.WithFields(logrus.Fields{
			"benefit_id": id,
			"from":       from,
			"to":         freq,
			"period":     b.Period().String(),
		}).Info("Frequency override applied")
	}
	return b, err
}

// HandleNotificationAction resolves a reminder handle to its benefit and
// applies the action: "done" marks it used, "snooze" snoozes by days.
func (s *Service) HandleNotificationAction(ctx context.Context, h benefit.ReminderHandle, action string, days int) (benefit.Benefit, error) {
	action = strings.ToLower(action)
	if action != ActionDone && action != ActionSnooze {
		return benefit.Benefit{}, fmt.Errorf("%w: %q", benefit.ErrInvalidAction, action)
	}

	id, err := s.benefitForHandle(ctx, h)
	if err != nil {
		return benefit.Benefit{}, err
	}

	if action == ActionDone {
		return s.act(ctx, id, "mark used", TriggerAction, s.markUsed)
	}
	if days == 0 {
		days = 1
	}
	return s.act(ctx, id, "snooze", TriggerAction, s.snooze(days))
}

func (s *Service) benefitForHandle(ctx context.Context, h benefit.ReminderHandle) (benefit.ID, error) {
	bs, err := s.repo.ListBenefits(ctx)
	if err != nil {
		return "", storageErr("list benefits", err)
	}
	for _, b := range bs {
		if b.ScheduledReminderID == h {
			return b.ID, nil
		}
	}

	id, ok, err := s.repo.GetState(ctx, deliveredKey(h))
	if err != nil {
		return "", storageErr("get state", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no benefit for reminder %s", benefit.ErrBenefitNotFound, h)
	}
	return benefit.ID(id), nil
}

// act re-reads the record, brings it into the current period, applies op,
// persists, cancels a released reminder and requests a pass.
func (s *Service) act(ctx context.Context, id benefit.ID, op string, trigger Trigger, mutate func(*benefit.Benefit) (benefit.Effect, error)) (benefit.Benefit, error) {
	b, err := s.repo.GetBenefit(ctx, id)
	if err != nil {
		return benefit.Benefit{}, storageErr("get benefit", err)
	}
	moved, err := s.bringCurrent(ctx, &b)
	if err != nil {
		return benefit.Benefit{}, err
	}

	eff, err := s.update(ctx, &b, mutate)
	if err != nil {
		if moved {
			s.Trigger(trigger)
		}
		return benefit.Benefit{}, err
	}
	if !eff.Changed {
		if moved {
			s.Trigger(trigger)
		}
		return b, nil
	}

	s.log.WithFields(logrus.Fields{"benefit_id": id, "op": op, "status": b.Status}).Info("Benefit updated")

	// The record is already persisted; a failed cancel is swept later.
	_ = s.release(ctx, id, eff.Release)
	s.Trigger(trigger)
	return b, nil
}

// =============================================================================
// DELIVERY
// =============================================================================

// Scheduled lists the reminders pending in the notification center.
func (s *Service) Scheduled(ctx context.Context) ([]notify.Scheduled, error) {
	sc, err := s.center.ListScheduled(ctx)
	if err != nil {
		return nil, benefit.NotificationError("list scheduled", err)
	}
	return sc, nil
}

// Deliver pops due reminders from a center that delivers locally, logs
// them, and records them as fired on their benefits. Centers that do not
// implement notify.Deliverer are left alone.
func (s *Service) Deliver(ctx context.Context) ([]notify.Scheduled, error) {
	d, ok := s.center.(notify.Deliverer)
	if !ok {
		return nil, nil
	}

	due, err := d.Due(ctx, s.clock.Now())
	if err != nil {
		return nil, benefit.NotificationError("due", err)
	}

	for _, sc := range due {
		log := s.log.WithFields(logrus.Fields{
			"benefit_id":     sc.BenefitID,
			"handle":         sc.Handle,
			"value":          sc.Payload.Value.String(),
			"days_remaining": sc.Payload.DaysRemaining,
		})
		log.Info("Reminder delivered")

		if err := s.repo.PutState(ctx, deliveredKey(sc.Handle), string(sc.BenefitID)); err != nil {
			log.WithError(err).Warn("Could not record delivered handle")
		}

		b, err := s.repo.GetBenefit(ctx, sc.BenefitID)
		if err != nil {
			// The next orphan sweep stamps it.
			log.WithError(err).Warn("Could not load benefit for delivered reminder")
			continue
		}
		h, fireAt := sc.Handle, s.clock.Now()
		if _, err := s.update(ctx, &b, func(b *benefit.Benefit) (benefit.Effect, error) {
			return forgetReminder(b, h, fireAt), nil
		}); err != nil {
			log.WithError(err).Warn("Could not record reminder as fired")
		}
	}

	if len(due) > 0 {
		s.Trigger(TriggerBackground)
	}
	return due, nil
}
