// Package scheduler runs the engine's recurring work: a single
// coordinator ticks, finds due schedules, and fans each one out to a
// bounded worker pool with per-schedule coalescing.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

// Runner executes one schedule kind and reports how many items it processed.
type Runner func(ctx context.Context) (int, error)

// Runners binds schedule kinds to engine components. The session-close
// runner handles the post-17:00 outcome pass (final resolution, queue
// expiry, daily summaries).
type Runners struct {
	CollectPrices   Runner
	CollectNews     Runner
	GenerateSignals Runner
	ResolveOutcomes Runner
	SessionClose    Runner
}

// scheduleConfig is the per-schedule JSON options blob.
type scheduleConfig struct {
	SessionClose bool `json:"session_close"`
}

// Scheduler is the coordinator loop.
type Scheduler struct {
	cfg          *config.Config
	log          *logger.Logger
	calendar     *marketcalendar.Calendar
	scheduleRepo repository.ScheduleRepository
	runners      Runners

	mu      sync.Mutex
	running map[uint]bool
	sem     chan struct{}
}

func New(cfg *config.Config, log *logger.Logger, calendar *marketcalendar.Calendar, scheduleRepo repository.ScheduleRepository, runners Runners) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		log:          log,
		calendar:     calendar,
		scheduleRepo: scheduleRepo,
		runners:      runners,
		running:      make(map[uint]bool),
		sem:          make(chan struct{}, cfg.Collector.MaxConcurrency),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.scheduleRepo.Seed(ctx, DefaultSchedules()); err != nil {
		return fmt.Errorf("failed to seed schedules: %w", err)
	}

	ticker := time.NewTicker(time.Duration(s.cfg.Scheduler.TickIntervalSeconds) * time.Second)
	defer ticker.Stop()

	s.log.Info("Scheduler started",
		logger.IntField("tick_interval_seconds", s.cfg.Scheduler.TickIntervalSeconds),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every due schedule to a worker. A schedule whose previous
// run is still going is left alone; its next_run_at has already advanced.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.calendar.Now()
	due, err := s.scheduleRepo.FindDue(ctx, now)
	if err != nil {
		s.log.Error("Failed to list due schedules", logger.ErrorField(err))
		return
	}

	for i := range due {
		schedule := due[i]

		next, err := s.nextRun(&schedule, now)
		if err != nil {
			s.log.Error("Schedule has an invalid cadence, deactivating",
				logger.ErrorField(err),
				logger.IntField("schedule_id", int(schedule.ID)),
			)
			schedule.IsActive = false
			s.updateSchedule(ctx, &schedule)
			continue
		}
		schedule.NextRunAt = sql.NullTime{Time: next, Valid: true}

		if !s.withinActivityWindow(&schedule, now) {
			// Advance past the inactive window without executing.
			s.updateSchedule(ctx, &schedule)
			continue
		}
		if !s.tryAcquire(schedule.ID) {
			s.updateSchedule(ctx, &schedule)
			continue
		}

		schedule.LastRunAt = sql.NullTime{Time: now, Valid: true}
		s.updateSchedule(ctx, &schedule)

		utils.GoSafe(func() {
			defer s.release(schedule.ID)
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.execute(ctx, &schedule)
		})
	}
}

// withinActivityWindow checks weekday bitmask, local-hour range and the
// trading calendar.
func (s *Scheduler) withinActivityWindow(schedule *entity.Schedule, now time.Time) bool {
	local := utils.ToWarsaw(now)
	if !schedule.DayActive(local.Weekday()) {
		return false
	}
	if !schedule.HourActive(local.Hour()) {
		return false
	}
	if schedule.RespectHolidays && !s.calendar.IsTradingDay(now) {
		return false
	}
	return true
}

// execute runs the schedule under the cycle deadline and writes the audit
// record. A failing schedule never takes the coordinator down.
func (s *Scheduler) execute(ctx context.Context, schedule *entity.Schedule) {
	runner, err := s.runnerFor(schedule)
	if err != nil {
		s.log.Error("No runner for schedule", logger.ErrorField(err))
		return
	}

	started := s.calendar.Now()
	execution := &entity.ScheduleExecution{
		ScheduleID: schedule.ID,
		Kind:       schedule.Kind,
		Status:     entity.StatusRunning,
		StartedAt:  started,
	}
	if err := s.scheduleRepo.CreateExecution(ctx, execution); err != nil {
		s.log.Error("Failed to record execution start", logger.ErrorField(err))
		return
	}

	// The cycle as a whole gets the cadence period as its deadline.
	runCtx, cancel := context.WithTimeout(ctx, s.cycleDeadline(schedule))
	defer cancel()

	items, runErr := runner(runCtx)

	execution.ItemsProcessed = items
	execution.CompletedAt = sql.NullTime{Time: s.calendar.Now(), Valid: true}
	if runErr != nil {
		execution.Status = entity.StatusFailed
		execution.ErrorKind = string(enginerr.KindOf(runErr))
		execution.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
		s.log.Error("Schedule execution failed",
			logger.ErrorField(runErr),
			logger.StringField("kind", string(schedule.Kind)),
			logger.StringField("error_kind", execution.ErrorKind),
		)
	} else {
		execution.Status = entity.StatusCompleted
		s.log.Debug("Schedule execution completed",
			logger.StringField("kind", string(schedule.Kind)),
			logger.IntField("items", items),
		)
	}
	if err := s.scheduleRepo.UpdateExecution(ctx, execution); err != nil {
		s.log.Error("Failed to record execution result", logger.ErrorField(err))
	}
}

func (s *Scheduler) runnerFor(schedule *entity.Schedule) (Runner, error) {
	var opts scheduleConfig
	if len(schedule.Config) > 0 {
		if err := json.Unmarshal(schedule.Config, &opts); err != nil {
			return nil, enginerr.Config(fmt.Errorf("bad schedule config: %w", err))
		}
	}

	switch schedule.Kind {
	case entity.ScheduleKindPrice:
		return s.runners.CollectPrices, nil
	case entity.ScheduleKindNews:
		return s.runners.CollectNews, nil
	case entity.ScheduleKindSignals:
		return s.runners.GenerateSignals, nil
	case entity.ScheduleKindOutcomes:
		if opts.SessionClose {
			return s.runners.SessionClose, nil
		}
		return s.runners.ResolveOutcomes, nil
	default:
		return nil, enginerr.Configf("unknown schedule kind %q", schedule.Kind)
	}
}

// nextRun computes the next due instant. Cron schedules evaluate the
// expression on the Warsaw clock; interval schedules align to interval
// boundaries since local midnight.
func (s *Scheduler) nextRun(schedule *entity.Schedule, now time.Time) (time.Time, error) {
	if schedule.CronExpression != "" {
		spec, err := cron.ParseStandard(schedule.CronExpression)
		if err != nil {
			return time.Time{}, enginerr.Config(fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err))
		}
		return spec.Next(utils.ToWarsaw(now)).UTC(), nil
	}

	if schedule.IntervalMinutes <= 0 {
		return time.Time{}, enginerr.Configf("schedule %d has no cadence", schedule.ID)
	}
	return nextIntervalBoundary(now, schedule.IntervalMinutes), nil
}

// nextIntervalBoundary returns the first instant after now that sits on a
// whole multiple of interval minutes since Warsaw midnight.
func nextIntervalBoundary(now time.Time, intervalMinutes int) time.Time {
	local := utils.ToWarsaw(now)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, utils.WarsawLocation())

	elapsed := int(local.Sub(midnight).Minutes())
	next := (elapsed/intervalMinutes + 1) * intervalMinutes
	return midnight.Add(time.Duration(next) * time.Minute).UTC()
}

func (s *Scheduler) cycleDeadline(schedule *entity.Schedule) time.Duration {
	if schedule.IntervalMinutes > 0 {
		return time.Duration(schedule.IntervalMinutes) * time.Minute
	}
	return time.Duration(s.cfg.Scheduler.TickIntervalSeconds) * time.Second * 10
}

func (s *Scheduler) tryAcquire(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) release(id uint) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) updateSchedule(ctx context.Context, schedule *entity.Schedule) {
	if err := s.scheduleRepo.Update(ctx, schedule); err != nil {
		s.log.Error("Failed to update schedule",
			logger.ErrorField(err),
			logger.IntField("schedule_id", int(schedule.ID)),
		)
	}
}

// weekdayBits is Monday through Friday in the ActiveDays bitmask.
const weekdayBits = 0b0011111

// DefaultSchedules is the cadence set seeded on first start: prices every
// 5 minutes in session, news twice-hourly during extended hours and
// two-hourly overnight, signals and outcomes twice-hourly in session, and
// the session-close pass shortly after the bell. The price window runs an
// hour past the close so the 17:00 closing bar is collected before the
// session-close pass settles outcomes on it.
func DefaultSchedules() []entity.Schedule {
	sessionClose, _ := json.Marshal(scheduleConfig{SessionClose: true})
	return []entity.Schedule{
		{Kind: entity.ScheduleKindPrice, IntervalMinutes: 5, ActiveHourFrom: 9, ActiveHourTo: 18, ActiveDays: weekdayBits, RespectHolidays: true, IsActive: true},
		{Kind: entity.ScheduleKindNews, IntervalMinutes: 30, ActiveHourFrom: 6, ActiveHourTo: 22, ActiveDays: weekdayBits, RespectHolidays: false, IsActive: true},
		{Kind: entity.ScheduleKindNews, IntervalMinutes: 120, ActiveHourFrom: 0, ActiveHourTo: 6, ActiveDays: weekdayBits, RespectHolidays: false, IsActive: true},
		{Kind: entity.ScheduleKindNews, IntervalMinutes: 120, ActiveHourFrom: 22, ActiveHourTo: 24, ActiveDays: weekdayBits, RespectHolidays: false, IsActive: true},
		{Kind: entity.ScheduleKindSignals, IntervalMinutes: 30, ActiveHourFrom: 9, ActiveHourTo: 17, ActiveDays: weekdayBits, RespectHolidays: true, IsActive: true},
		{Kind: entity.ScheduleKindOutcomes, IntervalMinutes: 30, ActiveHourFrom: 9, ActiveHourTo: 18, ActiveDays: weekdayBits, RespectHolidays: true, IsActive: true},
		{Kind: entity.ScheduleKindOutcomes, CronExpression: "5 17 * * 1-5", ActiveHourFrom: 0, ActiveHourTo: 24, ActiveDays: weekdayBits, RespectHolidays: true, IsActive: true, Config: sessionClose},
	}
}
