package repository

import (
	"context"
	"errors"
	"time"

	"gpw-signal-engine/internal/entity"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateOpenSignal is returned when a same-direction signal for the
// (user, stock, session) is still open.
var ErrDuplicateOpenSignal = errors.New("duplicate open signal for user/stock/session")

// ErrAlreadyResolved is returned when an outcome is attached twice.
var ErrAlreadyResolved = errors.New("signal already resolved")

// DailyStats aggregates realised outcomes for one user and session day.
type DailyStats struct {
	UserID          uint    `json:"user_id"`
	SignalCount     int     `json:"signal_count"`
	TargetHits      int     `json:"target_hits"`
	StopHits        int     `json:"stop_hits"`
	SessionCloses   int     `json:"session_closes"`
	Cancelled       int     `json:"cancelled"`
	WinRatePct      float64 `json:"win_rate_pct"`
	AvgReturnPct    float64 `json:"avg_return_pct"`
	TotalHoldingMin int     `json:"total_holding_minutes"`
}

// SignalRepository stores trading signals, their deliveries and outcomes.
type SignalRepository interface {
	// CreateWithSupersede inserts a signal and initialises its delivery
	// records atomically. An open same-direction signal rejects the
	// insert; an open opposite-direction signal is finalised as
	// cancelled first. The supersede path is serialised with a row lock.
	CreateWithSupersede(ctx context.Context, signal *entity.TradingSignal, channels []string) error
	// FindUndispatched lists non-hold signals still awaiting dispatch.
	FindUndispatched(ctx context.Context, sessionDate time.Time) ([]entity.TradingSignal, error)
	// FindOpenNonHold lists non-hold signals with no outcome, deliveries
	// preloaded.
	FindOpenNonHold(ctx context.Context) ([]entity.TradingSignal, error)
	// MarkDispatched flips the dispatch flag once.
	MarkDispatched(ctx context.Context, signalID int64, status string, at time.Time) error
	// AttachOutcome writes the outcome exactly once.
	AttachOutcome(ctx context.Context, outcome *entity.SignalOutcome) error
	// CountNonHoldToday counts the user's non-hold signals for the
	// session. Signals cancelled by a supersede do not count against the
	// daily cap.
	CountNonHoldToday(ctx context.Context, userID uint, sessionDate time.Time) (int64, error)
	// MarkExpiredUndispatched expires all still-undispatched non-hold
	// signals of the session. Returns the number of rows affected.
	MarkExpiredUndispatched(ctx context.Context, sessionDate time.Time) (int64, error)
	// UpdateDelivery persists a delivery attempt result.
	UpdateDelivery(ctx context.Context, delivery *entity.SignalDelivery) error
	// FindHoldsForSummary lists hold signals of a user's session day for
	// the daily summary.
	FindHoldsForSummary(ctx context.Context, userID uint, sessionDate time.Time) ([]entity.TradingSignal, error)
	// GetDailyStats aggregates realised outcomes per user for the session.
	GetDailyStats(ctx context.Context, sessionDate time.Time) ([]DailyStats, error)
}

type signalRepository struct {
	db *gorm.DB
}

func NewSignalRepository(db *gorm.DB) SignalRepository {
	return &signalRepository{db: db}
}

func (r *signalRepository) CreateWithSupersede(ctx context.Context, signal *entity.TradingSignal, channels []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if signal.Type != entity.SignalHold {
			var open []entity.TradingSignal
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND stock_symbol = ? AND session_date = ? AND type <> ?",
					signal.UserID, signal.StockSymbol, signal.SessionDate, entity.SignalHold).
				Where("id NOT IN (SELECT signal_id FROM signal_outcomes WHERE deleted_at IS NULL)").
				Find(&open).Error
			if err != nil {
				return err
			}

			for _, prev := range open {
				if prev.Type == signal.Type {
					return ErrDuplicateOpenSignal
				}
				// Opposite direction: supersede by cancelling the prior.
				outcome := &entity.SignalOutcome{
					SignalID:          prev.ID,
					Resolution:        entity.ResolutionCancelled,
					ExitPrice:         signal.PriceAtSignal,
					ExitAt:            signal.CreatedAt,
					RealisedReturnPct: realisedReturnPct(&prev, signal.PriceAtSignal),
					HoldingMinutes:    int(signal.CreatedAt.Sub(prev.CreatedAt).Minutes()),
				}
				if err := tx.Create(outcome).Error; err != nil {
					return err
				}
			}
		}

		if err := tx.Create(signal).Error; err != nil {
			return err
		}

		if signal.Type == entity.SignalHold {
			return nil
		}
		for _, ch := range channels {
			delivery := &entity.SignalDelivery{
				SignalID: signal.ID,
				Channel:  ch,
				Status:   entity.DispatchPending,
			}
			if err := tx.Create(delivery).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *signalRepository) FindUndispatched(ctx context.Context, sessionDate time.Time) ([]entity.TradingSignal, error) {
	var signals []entity.TradingSignal
	err := r.db.WithContext(ctx).
		Preload("Deliveries").
		Where("session_date = ? AND type <> ? AND is_dispatched = ? AND dispatch_status = ?",
			sessionDate, entity.SignalHold, false, entity.DispatchPending).
		Order("created_at ASC").
		Find(&signals).Error
	if err != nil {
		return nil, err
	}
	return signals, nil
}

func (r *signalRepository) FindOpenNonHold(ctx context.Context) ([]entity.TradingSignal, error) {
	var signals []entity.TradingSignal
	err := r.db.WithContext(ctx).
		Where("type <> ?", entity.SignalHold).
		Where("id NOT IN (SELECT signal_id FROM signal_outcomes WHERE deleted_at IS NULL)").
		Order("created_at ASC").
		Find(&signals).Error
	if err != nil {
		return nil, err
	}
	return signals, nil
}

func (r *signalRepository) MarkDispatched(ctx context.Context, signalID int64, status string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&entity.TradingSignal{}).
		Where("id = ? AND is_dispatched = ?", signalID, false).
		Updates(map[string]interface{}{
			"is_dispatched":   true,
			"dispatched_at":   at,
			"dispatch_status": status,
		}).Error
}

func (r *signalRepository) AttachOutcome(ctx context.Context, outcome *entity.SignalOutcome) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&entity.SignalOutcome{}).
			Where("signal_id = ?", outcome.SignalID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyResolved
		}
		return tx.Create(outcome).Error
	})
}

func (r *signalRepository) CountNonHoldToday(ctx context.Context, userID uint, sessionDate time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.TradingSignal{}).
		Where("user_id = ? AND session_date = ? AND type <> ?", userID, sessionDate, entity.SignalHold).
		Where("id NOT IN (SELECT signal_id FROM signal_outcomes WHERE resolution = ? AND deleted_at IS NULL)",
			entity.ResolutionCancelled).
		Count(&count).Error
	return count, err
}

func (r *signalRepository) MarkExpiredUndispatched(ctx context.Context, sessionDate time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&entity.TradingSignal{}).
		Where("session_date = ? AND type <> ? AND is_dispatched = ? AND dispatch_status = ?",
			sessionDate, entity.SignalHold, false, entity.DispatchPending).
		Update("dispatch_status", entity.DispatchExpired)
	return tx.RowsAffected, tx.Error
}

func (r *signalRepository) UpdateDelivery(ctx context.Context, delivery *entity.SignalDelivery) error {
	return r.db.WithContext(ctx).Save(delivery).Error
}

func (r *signalRepository) FindHoldsForSummary(ctx context.Context, userID uint, sessionDate time.Time) ([]entity.TradingSignal, error) {
	var signals []entity.TradingSignal
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_date = ? AND type = ?", userID, sessionDate, entity.SignalHold).
		Order("created_at ASC").
		Find(&signals).Error
	return signals, err
}

func (r *signalRepository) GetDailyStats(ctx context.Context, sessionDate time.Time) ([]DailyStats, error) {
	var stats []DailyStats
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			ts.user_id,
			COUNT(*) AS signal_count,
			COUNT(*) FILTER (WHERE so.resolution = 'target_hit') AS target_hits,
			COUNT(*) FILTER (WHERE so.resolution = 'stop_hit') AS stop_hits,
			COUNT(*) FILTER (WHERE so.resolution = 'closed_at_session_end') AS session_closes,
			COUNT(*) FILTER (WHERE so.resolution = 'cancelled') AS cancelled,
			100.0 * COUNT(*) FILTER (WHERE so.realised_return_pct > 0) / GREATEST(COUNT(*), 1) AS win_rate_pct,
			COALESCE(AVG(so.realised_return_pct), 0) AS avg_return_pct,
			COALESCE(SUM(so.holding_minutes), 0) AS total_holding_minutes
		FROM trading_signals ts
		JOIN signal_outcomes so ON so.signal_id = ts.id
		WHERE ts.session_date = ? AND ts.type <> 'hold'
		  AND ts.deleted_at IS NULL AND so.deleted_at IS NULL
		GROUP BY ts.user_id`, sessionDate).
		Scan(&stats).Error
	return stats, err
}

// realisedReturnPct computes the signed percentage return of prev exited at
// exitPrice: positive when the move favoured the signal direction.
func realisedReturnPct(prev *entity.TradingSignal, exitPrice decimal.Decimal) decimal.Decimal {
	if prev.PriceAtSignal.IsZero() {
		return decimal.Zero
	}
	diff := exitPrice.Sub(prev.PriceAtSignal)
	if prev.Type == entity.SignalSell {
		diff = diff.Neg()
	}
	return diff.Div(prev.PriceAtSignal).Mul(decimal.NewFromInt(100)).RoundBank(4)
}
