// Package outcome resolves open trading signals against subsequent price
// action. Resolution is write-once; a resolved signal is never revisited.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

// Result summarises one resolution cycle.
type Result struct {
	Open        int `json:"open"`
	TargetHits  int `json:"target_hits"`
	StopHits    int `json:"stop_hits"`
	SessionEnds int `json:"session_ends"`
	StillOpen   int `json:"still_open"`
	Failures    int `json:"failures"`
}

// Tracker resolves open non-hold signals from minute bars strictly after
// signal creation.
type Tracker struct {
	cfg        *config.Config
	log        *logger.Logger
	calendar   *marketcalendar.Calendar
	signalRepo repository.SignalRepository
	ohlcvRepo  repository.OHLCVRepository
}

func NewTracker(
	cfg *config.Config,
	log *logger.Logger,
	calendar *marketcalendar.Calendar,
	signalRepo repository.SignalRepository,
	ohlcvRepo repository.OHLCVRepository,
) *Tracker {
	return &Tracker{
		cfg:        cfg,
		log:        log,
		calendar:   calendar,
		signalRepo: signalRepo,
		ohlcvRepo:  ohlcvRepo,
	}
}

// Resolve runs one resolution pass over every open non-hold signal.
func (t *Tracker) Resolve(ctx context.Context) (*Result, error) {
	signals, err := t.signalRepo.FindOpenNonHold(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open signals: %w", err)
	}

	result := Result{Open: len(signals)}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	semaphore := make(chan struct{}, t.cfg.Collector.MaxConcurrency)
	for i := range signals {
		if !utils.ShouldContinue(ctx, t.log) {
			break
		}
		signal := signals[i]
		wg.Add(1)
		utils.GoSafe(func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			outcome, err := t.resolveSignal(ctx, &signal)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures++
				t.log.Error("Signal resolution failed",
					logger.ErrorField(err),
					logger.IntField("signal_id", int(signal.ID)),
				)
				return
			}
			if outcome == nil {
				result.StillOpen++
				return
			}
			switch outcome.Resolution {
			case entity.ResolutionTargetHit:
				result.TargetHits++
			case entity.ResolutionStopHit:
				result.StopHits++
			case entity.ResolutionClosedAtSessionEnd:
				result.SessionEnds++
			}
		})
	}
	wg.Wait()

	t.log.Info("Outcome resolution finished",
		logger.IntField("open", result.Open),
		logger.IntField("target_hits", result.TargetHits),
		logger.IntField("stop_hits", result.StopHits),
		logger.IntField("session_ends", result.SessionEnds),
		logger.IntField("still_open", result.StillOpen),
		logger.IntField("failures", result.Failures),
	)
	return &result, nil
}

// resolveSignal walks the bars after creation and attaches the first firing
// outcome. Returns nil when the signal stays open.
func (t *Tracker) resolveSignal(ctx context.Context, signal *entity.TradingSignal) (*entity.SignalOutcome, error) {
	session := t.calendar.SessionFor(signal.CreatedAt)
	bars, err := t.ohlcvRepo.GetBarsBetween(ctx, signal.StockSymbol, entity.BarIntervalMinute,
		signal.CreatedAt, session.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars: %w", err)
	}

	sessionOver := t.calendar.Now().After(session.CloseTime)
	outcome := evaluateBars(signal, bars, sessionOver)
	if outcome == nil {
		return nil, nil
	}

	if err := t.signalRepo.AttachOutcome(ctx, outcome); err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to attach outcome: %w", err)
	}
	t.log.Info("Signal resolved",
		logger.IntField("signal_id", int(signal.ID)),
		logger.StringField("resolution", outcome.Resolution),
		logger.StringField("exit_price", outcome.ExitPrice.String()),
		logger.StringField("return_pct", outcome.RealisedReturnPct.String()),
	)
	return outcome, nil
}

// evaluateBars applies the resolution rules over bars in ascending
// timestamp order. When target and stop both fire inside a single bar the
// stop wins; intra-bar ordering is unknowable, so the pessimistic reading
// is recorded. The final bar closes the position only once the session has
// ended.
func evaluateBars(signal *entity.TradingSignal, bars []entity.OHLCVBar, sessionOver bool) *entity.SignalOutcome {
	for _, bar := range bars {
		switch signal.Type {
		case entity.SignalBuy:
			if bar.Low.LessThanOrEqual(signal.StopLossPrice) {
				return buildOutcome(signal, entity.ResolutionStopHit, signal.StopLossPrice, bar.Timestamp)
			}
			if bar.High.GreaterThanOrEqual(signal.TargetPrice) {
				return buildOutcome(signal, entity.ResolutionTargetHit, signal.TargetPrice, bar.Timestamp)
			}
		case entity.SignalSell:
			if bar.High.GreaterThanOrEqual(signal.StopLossPrice) {
				return buildOutcome(signal, entity.ResolutionStopHit, signal.StopLossPrice, bar.Timestamp)
			}
			if bar.Low.LessThanOrEqual(signal.TargetPrice) {
				return buildOutcome(signal, entity.ResolutionTargetHit, signal.TargetPrice, bar.Timestamp)
			}
		}
	}

	if sessionOver && len(bars) > 0 {
		last := bars[len(bars)-1]
		return buildOutcome(signal, entity.ResolutionClosedAtSessionEnd, last.Close, last.Timestamp)
	}
	return nil
}

func buildOutcome(signal *entity.TradingSignal, resolution string, exitPrice decimal.Decimal, exitAt time.Time) *entity.SignalOutcome {
	return &entity.SignalOutcome{
		SignalID:          signal.ID,
		Resolution:        resolution,
		ExitPrice:         exitPrice,
		ExitAt:            exitAt,
		RealisedReturnPct: returnPct(signal, exitPrice),
		HoldingMinutes:    int(exitAt.Sub(signal.CreatedAt).Minutes()),
	}
}

// returnPct is the signed percentage return: positive when the move
// favoured the signal direction.
func returnPct(signal *entity.TradingSignal, exitPrice decimal.Decimal) decimal.Decimal {
	if signal.PriceAtSignal.IsZero() {
		return decimal.Zero
	}
	diff := exitPrice.Sub(signal.PriceAtSignal)
	if signal.Type == entity.SignalSell {
		diff = diff.Neg()
	}
	return diff.Div(signal.PriceAtSignal).Mul(decimal.NewFromInt(100)).RoundBank(4)
}

// SessionClose runs the end-of-day pass: resolve what remains, expire the
// undelivered queue, and log per-user feedback stats.
func (t *Tracker) SessionClose(ctx context.Context) (*Result, error) {
	result, err := t.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	local := t.calendar.LocalNow()
	sessionDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	expired, err := t.signalRepo.MarkExpiredUndispatched(ctx, sessionDate)
	if err != nil {
		return result, fmt.Errorf("failed to expire undispatched signals: %w", err)
	}
	if expired > 0 {
		t.log.Info("Expired undispatched signals", logger.IntField("count", int(expired)))
	}

	stats, err := t.signalRepo.GetDailyStats(ctx, sessionDate)
	if err != nil {
		return result, fmt.Errorf("failed to load daily stats: %w", err)
	}
	for _, s := range stats {
		t.log.Info("Daily signal feedback",
			logger.IntField("user_id", int(s.UserID)),
			logger.IntField("signals", s.SignalCount),
			logger.IntField("target_hits", s.TargetHits),
			logger.IntField("stop_hits", s.StopHits),
			logger.StringField("win_rate_pct", fmt.Sprintf("%.1f", s.WinRatePct)),
			logger.StringField("avg_return_pct", fmt.Sprintf("%.2f", s.AvgReturnPct)),
		)
	}
	return result, nil
}
