package repository

import (
	"context"
	"time"

	"gpw-signal-engine/internal/entity"

	"gorm.io/gorm"
)

// ScheduleRepository stores schedule records and their execution audit.
type ScheduleRepository interface {
	FindDue(ctx context.Context, now time.Time) ([]entity.Schedule, error)
	Update(ctx context.Context, schedule *entity.Schedule) error
	CreateExecution(ctx context.Context, execution *entity.ScheduleExecution) error
	UpdateExecution(ctx context.Context, execution *entity.ScheduleExecution) error
	ListRecentExecutions(ctx context.Context, limit int) ([]entity.ScheduleExecution, error)
	// Seed inserts the default schedule set when the table is empty.
	Seed(ctx context.Context, schedules []entity.Schedule) error
}

type scheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) FindDue(ctx context.Context, now time.Time) ([]entity.Schedule, error) {
	var schedules []entity.Schedule
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND (next_run_at IS NULL OR next_run_at <= ?)", true, now).
		Find(&schedules).Error
	return schedules, err
}

func (r *scheduleRepository) Update(ctx context.Context, schedule *entity.Schedule) error {
	return r.db.WithContext(ctx).Save(schedule).Error
}

func (r *scheduleRepository) CreateExecution(ctx context.Context, execution *entity.ScheduleExecution) error {
	return r.db.WithContext(ctx).Create(execution).Error
}

func (r *scheduleRepository) UpdateExecution(ctx context.Context, execution *entity.ScheduleExecution) error {
	return r.db.WithContext(ctx).Save(execution).Error
}

func (r *scheduleRepository) ListRecentExecutions(ctx context.Context, limit int) ([]entity.ScheduleExecution, error) {
	var executions []entity.ScheduleExecution
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

func (r *scheduleRepository) Seed(ctx context.Context, schedules []entity.Schedule) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&entity.Schedule{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&schedules).Error
}
