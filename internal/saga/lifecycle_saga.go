package saga

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	subDomain "github.com/elementum-club/service-subscription/internal/domain/subscription"
	"github.com/elementum-club/service-subscription/internal/events"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reminder windows before the end date.
const (
	threeDayWindow   = 72 * time.Hour
	twelveHourWindow = 12 * time.Hour
)

// StateMachine is the slice of the subscription service the lifecycle job
// drives. ListAll must include inactive and expired-but-unprocessed rows.
type StateMachine interface {
	ListAll() []subDomain.UserSubscription
	Patch(userID int64, patch subDomain.Patch) (subDomain.UserSubscription, bool, error)
}

// LifecycleService advances every subscription through the staged
// reminder/expiration flow on a fixed interval.
//
// The job is single-flight: a tick that fires while the previous cycle is
// still running is skipped whole. Per-user failures are absorbed and logged;
// a progress flag is only set after the corresponding send succeeded, so a
// failed delivery is retried on the next cycle. Nothing here escalates into
// an error for the caller.
type LifecycleService struct {
	subs      StateMachine
	catalog   *planDomain.Catalog
	messenger adapter.Messenger
	publisher *events.Publisher
	channelID string
	interval  time.Duration
	logger    *zap.Logger

	cron    *cron.Cron
	running atomic.Bool

	now func() time.Time
}

// NewLifecycleService creates the lifecycle job runner.
func NewLifecycleService(
	subs StateMachine,
	catalog *planDomain.Catalog,
	messenger adapter.Messenger,
	publisher *events.Publisher,
	channelID string,
	interval time.Duration,
	logger *zap.Logger,
) *LifecycleService {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &LifecycleService{
		subs:      subs,
		catalog:   catalog,
		messenger: messenger,
		publisher: publisher,
		channelID: channelID,
		interval:  interval,
		logger:    logger,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger))),
		now:       time.Now,
	}
}

// Start runs one cycle immediately and schedules the rest.
func (s *LifecycleService) Start() error {
	s.RunCycle(context.Background())

	schedule := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunCycle(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule lifecycle job: %w", err)
	}
	s.cron.Start()

	s.logger.Info("subscription lifecycle job started", zap.Duration("interval", s.interval))
	return nil
}

// Stop stops the scheduler. In-flight sends are not awaited.
func (s *LifecycleService) Stop() {
	s.cron.Stop()
}

// RunCycle walks every subscription once. Safe to call concurrently: only one
// cycle runs at a time, the rest return immediately.
func (s *LifecycleService) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous lifecycle cycle still running, tick skipped")
		return
	}
	defer s.running.Store(false)

	now := s.now()
	for _, record := range s.subs.ListAll() {
		if record.ExpiredProcessed {
			continue
		}
		s.processRecord(ctx, record, now)
	}
}

// processRecord evaluates every stage for one subscription. Stages are
// checked independently, without early return: a record can cross more than
// one window between cycles, and each flag fires at most once per lifetime.
func (s *LifecycleService) processRecord(ctx context.Context, record subDomain.UserSubscription, now time.Time) {
	remaining := record.Remaining(now)
	planName := s.planName(record.PlanID)

	if record.IsActive && !record.Reminder3DaysSent &&
		remaining <= threeDayWindow && remaining > twelveHourWindow {
		text := fmt.Sprintf(
			"Your %q subscription ends in 3 days (%s).\nRenew in advance to keep access to the materials.",
			planName, formatEndDate(record.EndDate),
		)
		if updated, ok := s.sendReminder(ctx, record, "3_days", text, subDomain.Patch{
			Reminder3DaysSent: subDomain.Bool(true),
		}); ok {
			record = updated
		}
	}

	if record.IsActive && !record.Reminder12HoursSent &&
		remaining <= twelveHourWindow && remaining > 0 {
		text := fmt.Sprintf(
			"About 12 hours left on your %q subscription.\nIt ends on %s. Renew now to keep access.",
			planName, formatEndDate(record.EndDate),
		)
		if updated, ok := s.sendReminder(ctx, record, "12_hours", text, subDomain.Patch{
			Reminder12HoursSent: subDomain.Bool(true),
		}); ok {
			record = updated
		}
	}

	if record.IsActive && !record.ExpiryDayNoticeSent &&
		remaining > 0 && record.EndsOn(now) {
		text := fmt.Sprintf(
			"Today is the last day of your %q subscription (%s).\nRenew now to continue without interruption.",
			planName, formatEndDate(record.EndDate),
		)
		if updated, ok := s.sendReminder(ctx, record, "expiry_day", text, subDomain.Patch{
			ExpiryDayNoticeSent: subDomain.Bool(true),
		}); ok {
			record = updated
		}
	}

	if remaining <= 0 {
		s.processExpiration(ctx, record, planName)
	}
}

// sendReminder delivers one reminder and flips its flag only after the send
// succeeded. Returns the patched record when the flag was advanced.
func (s *LifecycleService) sendReminder(
	ctx context.Context,
	record subDomain.UserSubscription,
	stage, text string,
	patch subDomain.Patch,
) (subDomain.UserSubscription, bool) {
	if err := s.messenger.SendMessage(ctx, record.UserID, text, renewKeyboard()); err != nil {
		s.logger.Error("failed to send subscription reminder",
			zap.Int64("user_id", record.UserID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return record, false
	}

	updated, ok, err := s.subs.Patch(record.UserID, patch)
	if err != nil || !ok {
		s.logger.Error("failed to record reminder progress",
			zap.Int64("user_id", record.UserID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return record, false
	}

	s.publisher.Publish(ctx, events.SubscriptionReminderSent, events.SubscriptionEvent{
		UserID:     record.UserID,
		PlanID:     record.PlanID,
		Stage:      stage,
		EndDate:    record.EndDate,
		OccurredAt: s.now().UTC(),
	})

	s.logger.Info("subscription reminder sent",
		zap.Int64("user_id", record.UserID),
		zap.String("stage", stage),
	)
	return updated, true
}

// processExpiration runs the expiration flow for a lapsed subscription. Any
// step can fail independently; progress is checkpointed in the record's
// flags so the flow resumes from where it stopped on the next cycle, without
// repeating completed steps. The record turns terminal only once the expired
// notice is out and channel access is revoked (or no channel is configured).
func (s *LifecycleService) processExpiration(ctx context.Context, record subDomain.UserSubscription, planName string) {
	messageSent := record.ExpiredMessageSent
	if !messageSent {
		text := fmt.Sprintf(
			"Your %q subscription has ended and access to the private channel is closed.\nRenew to get the materials back.",
			planName,
		)
		if err := s.messenger.SendMessage(ctx, record.UserID, text, renewKeyboard()); err != nil {
			s.logger.Error("failed to send expired notice",
				zap.Int64("user_id", record.UserID),
				zap.Error(err),
			)
		} else {
			if _, ok, err := s.subs.Patch(record.UserID, subDomain.Patch{
				ExpiredMessageSent: subDomain.Bool(true),
			}); err == nil && ok {
				messageSent = true
			}
		}
	}

	removed := record.RemovedFromPrivateGroup
	if !removed && s.channelID != "" {
		if err := s.messenger.KickMember(ctx, s.channelID, record.UserID); err != nil {
			s.logger.Error("failed to remove user from private channel",
				zap.Int64("user_id", record.UserID),
				zap.Error(err),
			)
		} else {
			if _, ok, err := s.subs.Patch(record.UserID, subDomain.Patch{
				RemovedFromPrivateGroup: subDomain.Bool(true),
			}); err == nil && ok {
				removed = true
				s.logger.Info("user removed from private channel",
					zap.Int64("user_id", record.UserID),
				)
			}
		}
	}
	if s.channelID == "" {
		s.logger.Warn("no private channel configured, removal skipped",
			zap.Int64("user_id", record.UserID),
		)
	}

	if !messageSent || (!removed && s.channelID != "") {
		// Retry the unfinished steps next cycle.
		return
	}

	// Terminal transition. Reminder flags are forced true so a record that
	// lapsed before reaching a window never gets a stale reminder afterwards.
	_, ok, err := s.subs.Patch(record.UserID, subDomain.Patch{
		IsActive:            subDomain.Bool(false),
		ExpiredProcessed:    subDomain.Bool(true),
		Reminder3DaysSent:   subDomain.Bool(true),
		Reminder12HoursSent: subDomain.Bool(true),
		ExpiryDayNoticeSent: subDomain.Bool(true),
	})
	if err != nil || !ok {
		s.logger.Error("failed to finalize expired subscription",
			zap.Int64("user_id", record.UserID),
			zap.Error(err),
		)
		return
	}

	s.publisher.Publish(ctx, events.SubscriptionExpired, events.SubscriptionEvent{
		UserID:     record.UserID,
		PlanID:     record.PlanID,
		EndDate:    record.EndDate,
		OccurredAt: s.now().UTC(),
	})

	s.logger.Info("subscription expired and finalized",
		zap.Int64("user_id", record.UserID),
		zap.String("plan_id", record.PlanID),
	)
}

// planName resolves a plan id to its display name, falling back to the raw
// id for retired plans.
func (s *LifecycleService) planName(planID string) string {
	p, err := s.catalog.ByID(planID)
	if err != nil {
		return planID
	}
	return p.Name
}

// renewKeyboard is the single renew button attached to every lifecycle
// message.
func renewKeyboard() [][]adapter.Button {
	return [][]adapter.Button{{
		{Text: "Renew subscription", CallbackData: "show_buy_options"},
	}}
}

// formatEndDate renders an end date for user-facing messages.
func formatEndDate(t time.Time) string {
	return t.Local().Format("02.01.2006")
}
