package repository

import (
	"context"
	"time"

	"gpw-signal-engine/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OHLCVRepository is the append-only bar store. Bars are idempotent by
// (stock, interval, timestamp) and are never rewritten.
type OHLCVRepository interface {
	// AppendBar inserts the bar, silently ignoring duplicates. Returns
	// true when a row was actually written.
	AppendBar(ctx context.Context, bar *entity.OHLCVBar) (bool, error)
	// GetLatestBars returns up to n most recent bars in ascending
	// timestamp order.
	GetLatestBars(ctx context.Context, symbol, interval string, n int) ([]entity.OHLCVBar, error)
	// GetBarsBetween returns bars with from < timestamp <= to, ascending.
	GetBarsBetween(ctx context.Context, symbol, interval string, from, to time.Time) ([]entity.OHLCVBar, error)
	// AverageDailyVolume averages minute-bar volume per session day over
	// the lookback window.
	AverageDailyVolume(ctx context.Context, symbol string, days int) (int64, error)
}

type ohlcvRepository struct {
	db *gorm.DB
}

func NewOHLCVRepository(db *gorm.DB) OHLCVRepository {
	return &ohlcvRepository{db: db}
}

func (r *ohlcvRepository) AppendBar(ctx context.Context, bar *entity.OHLCVBar) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "stock_symbol"}, {Name: "interval"}, {Name: "timestamp"},
		},
		DoNothing: true,
	}).Create(bar)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *ohlcvRepository) GetLatestBars(ctx context.Context, symbol, interval string, n int) ([]entity.OHLCVBar, error) {
	var bars []entity.OHLCVBar
	err := r.db.WithContext(ctx).
		Where("stock_symbol = ? AND interval = ?", symbol, interval).
		Order("timestamp DESC").
		Limit(n).
		Find(&bars).Error
	if err != nil {
		return nil, err
	}
	// Reverse into ascending order for the indicator engine.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func (r *ohlcvRepository) GetBarsBetween(ctx context.Context, symbol, interval string, from, to time.Time) ([]entity.OHLCVBar, error) {
	var bars []entity.OHLCVBar
	err := r.db.WithContext(ctx).
		Where("stock_symbol = ? AND interval = ? AND timestamp > ? AND timestamp <= ?", symbol, interval, from, to).
		Order("timestamp ASC").
		Find(&bars).Error
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (r *ohlcvRepository) AverageDailyVolume(ctx context.Context, symbol string, days int) (int64, error) {
	var avg *float64
	err := r.db.WithContext(ctx).Raw(`
		SELECT AVG(day_volume) FROM (
			SELECT DATE(timestamp) AS day, SUM(volume) AS day_volume
			FROM ohlcv_bars
			WHERE stock_symbol = ? AND interval = ? AND deleted_at IS NULL
			  AND timestamp >= NOW() - (? * INTERVAL '1 day')
			GROUP BY DATE(timestamp)
		) d`, symbol, entity.BarIntervalMinute, days).Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return int64(*avg), nil
}
