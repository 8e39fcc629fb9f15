package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

func warsaw(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, utils.WarsawLocation())
}

func testScheduler(now time.Time) *Scheduler {
	cfg := &config.Config{}
	cfg.Scheduler.TickIntervalSeconds = 60
	cfg.Collector.MaxConcurrency = 4
	cal := marketcalendar.New(marketcalendar.FixedClock{T: now}, "09:00", "17:00", nil)
	return New(cfg, logger.NewNop(), cal, nil, Runners{})
}

func TestNextIntervalBoundaryAlignment(t *testing.T) {
	// 10:07 local with a 5-minute cadence aligns to 10:10.
	now := warsaw(2025, time.June, 2, 10, 7)
	next := nextIntervalBoundary(now, 5)
	assert.Equal(t, warsaw(2025, time.June, 2, 10, 10).UTC(), next)

	// Exactly on a boundary advances to the next one.
	now = warsaw(2025, time.June, 2, 10, 10)
	next = nextIntervalBoundary(now, 5)
	assert.Equal(t, warsaw(2025, time.June, 2, 10, 15).UTC(), next)

	// 30-minute cadence from 16:45 lands on 17:00.
	now = warsaw(2025, time.June, 2, 16, 45)
	next = nextIntervalBoundary(now, 30)
	assert.Equal(t, warsaw(2025, time.June, 2, 17, 0).UTC(), next)
}

func TestNextRunCronSessionClose(t *testing.T) {
	s := testScheduler(warsaw(2025, time.June, 2, 12, 0))
	schedule := &entity.Schedule{CronExpression: "5 17 * * 1-5"}

	next, err := s.nextRun(schedule, warsaw(2025, time.June, 2, 12, 0).UTC())
	require.NoError(t, err)
	assert.Equal(t, warsaw(2025, time.June, 2, 17, 5).UTC(), next)

	// After the bell the cron rolls to the next weekday.
	next, err = s.nextRun(schedule, warsaw(2025, time.June, 6, 18, 0).UTC()) // Friday evening
	require.NoError(t, err)
	assert.Equal(t, warsaw(2025, time.June, 9, 17, 5).UTC(), next) // Monday
}

func TestNextRunRejectsMissingCadence(t *testing.T) {
	s := testScheduler(warsaw(2025, time.June, 2, 12, 0))
	_, err := s.nextRun(&entity.Schedule{ID: 3}, time.Now())
	assert.Error(t, err)

	_, err = s.nextRun(&entity.Schedule{CronExpression: "not a cron"}, time.Now())
	assert.Error(t, err)
}

func TestWithinActivityWindow(t *testing.T) {
	inSession := warsaw(2025, time.June, 2, 10, 0) // Monday
	s := testScheduler(inSession)

	schedule := &entity.Schedule{
		ActiveHourFrom: 9, ActiveHourTo: 17,
		ActiveDays:      weekdayBits,
		RespectHolidays: true,
	}

	assert.True(t, s.withinActivityWindow(schedule, inSession.UTC()))

	// Outside the hour range.
	assert.False(t, s.withinActivityWindow(schedule, warsaw(2025, time.June, 2, 7, 0).UTC()))
	// ActiveHourTo is exclusive.
	assert.False(t, s.withinActivityWindow(schedule, warsaw(2025, time.June, 2, 17, 30).UTC()))
	// Saturday.
	assert.False(t, s.withinActivityWindow(schedule, warsaw(2025, time.June, 7, 10, 0).UTC()))
	// Corpus Christi 2025 falls on June 19; the calendar closes the exchange.
	assert.False(t, s.withinActivityWindow(schedule, warsaw(2025, time.June, 19, 10, 0).UTC()))

	schedule.RespectHolidays = false
	assert.True(t, s.withinActivityWindow(schedule, warsaw(2025, time.June, 19, 10, 0).UTC()))
}

func TestRunnerForSelectsSessionClosePass(t *testing.T) {
	var regular, sessionClose bool
	s := testScheduler(warsaw(2025, time.June, 2, 12, 0))
	s.runners = Runners{
		ResolveOutcomes: func(ctxArg context.Context) (int, error) { regular = true; return 0, nil },
		SessionClose:    func(ctxArg context.Context) (int, error) { sessionClose = true; return 0, nil },
	}

	schedules := DefaultSchedules()
	var plain, closing *entity.Schedule
	for i := range schedules {
		if schedules[i].Kind != entity.ScheduleKindOutcomes {
			continue
		}
		if schedules[i].CronExpression != "" {
			closing = &schedules[i]
		} else {
			plain = &schedules[i]
		}
	}
	require.NotNil(t, plain)
	require.NotNil(t, closing)

	r, err := s.runnerFor(plain)
	require.NoError(t, err)
	r(context.Background())
	assert.True(t, regular)
	assert.False(t, sessionClose)

	r, err = s.runnerFor(closing)
	require.NoError(t, err)
	r(context.Background())
	assert.True(t, sessionClose)
}

func TestPriceWindowCoversClosingBar(t *testing.T) {
	var price *entity.Schedule
	schedules := DefaultSchedules()
	for i := range schedules {
		if schedules[i].Kind == entity.ScheduleKindPrice {
			price = &schedules[i]
		}
	}
	require.NotNil(t, price)

	// The 17:00 bar carries the session close; a collection pass after the
	// bell must still run so session-end outcomes settle on it.
	assert.True(t, price.HourActive(17))
	assert.False(t, price.HourActive(18))
}

func TestNewsSchedulesCoverEveryHour(t *testing.T) {
	schedules := DefaultSchedules()
	for hour := 0; hour < 24; hour++ {
		covered := false
		for i := range schedules {
			if schedules[i].Kind == entity.ScheduleKindNews && schedules[i].HourActive(hour) {
				covered = true
				break
			}
		}
		assert.True(t, covered, "no news schedule active at hour %d", hour)
	}
}

func TestDefaultSchedulesWeekdayMask(t *testing.T) {
	for _, schedule := range DefaultSchedules() {
		assert.True(t, schedule.DayActive(time.Monday))
		assert.True(t, schedule.DayActive(time.Friday))
		assert.False(t, schedule.DayActive(time.Saturday))
		assert.False(t, schedule.DayActive(time.Sunday))
		assert.True(t, schedule.IsActive)
	}
}

func TestCoalescingPerSchedule(t *testing.T) {
	s := testScheduler(warsaw(2025, time.June, 2, 12, 0))

	assert.True(t, s.tryAcquire(1))
	assert.False(t, s.tryAcquire(1)) // already running
	assert.True(t, s.tryAcquire(2))  // other schedules unaffected

	s.release(1)
	assert.True(t, s.tryAcquire(1))
}
