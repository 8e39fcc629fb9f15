package entity

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScheduleKind names the work a schedule triggers.
type ScheduleKind string

const (
	ScheduleKindPrice    ScheduleKind = "price"
	ScheduleKindNews     ScheduleKind = "news"
	ScheduleKindSignals  ScheduleKind = "signals"
	ScheduleKindOutcomes ScheduleKind = "outcomes"
)

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Schedule is one recurring engine task. Interval schedules advance
// next_run_at by aligning to interval boundaries inside the activity
// window; schedules with a cron expression (the session-close outcome
// pass) use the cron next-run instead.
type Schedule struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Kind            ScheduleKind   `gorm:"not null" json:"kind"`
	IntervalMinutes int            `json:"interval_minutes"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	ActiveHourFrom  int            `gorm:"not null;default:0" json:"active_hour_from"`
	ActiveHourTo    int            `gorm:"not null;default:24" json:"active_hour_to"`
	ActiveDays      uint8          `gorm:"not null;default:31" json:"active_days"`
	RespectHolidays bool           `gorm:"not null;default:true" json:"respect_holidays"`
	IsActive        bool           `gorm:"not null;default:true" json:"is_active"`
	LastRunAt       sql.NullTime   `json:"last_run_at"`
	NextRunAt       sql.NullTime   `json:"next_run_at"`
	Config          datatypes.JSON `gorm:"type:jsonb" json:"config,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Schedule) TableName() string {
	return "schedules"
}

// DayActive reports whether the schedule runs on the given weekday.
// Bit 0 is Monday, bit 6 is Sunday.
func (s *Schedule) DayActive(d time.Weekday) bool {
	idx := (int(d) + 6) % 7
	return s.ActiveDays&(1<<idx) != 0
}

// HourActive reports whether the given local hour falls in the activity window.
func (s *Schedule) HourActive(hour int) bool {
	return hour >= s.ActiveHourFrom && hour < s.ActiveHourTo
}

// ScheduleExecution is the audit record of one schedule run.
type ScheduleExecution struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ScheduleID     uint           `gorm:"index;not null" json:"schedule_id"`
	Kind           ScheduleKind   `gorm:"not null" json:"kind"`
	Status         string         `gorm:"not null" json:"status"`
	StartedAt      time.Time      `gorm:"not null" json:"started_at"`
	CompletedAt    sql.NullTime   `json:"completed_at"`
	ItemsProcessed int            `json:"items_processed"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorMessage   sql.NullString `json:"error_message,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ScheduleExecution) TableName() string {
	return "schedule_executions"
}
