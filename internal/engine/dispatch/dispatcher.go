package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/common"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/mailer"
	redisPkg "gpw-signal-engine/pkg/redis"
	"gpw-signal-engine/pkg/telegram"
	"gpw-signal-engine/pkg/utils"
)

// dailyCountTTL keeps per-user dispatch counters around past the session.
const dailyCountTTL = 48 * time.Hour

// Result summarises one dispatch cycle.
type Result struct {
	Signals    int `json:"signals"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Retained   int `json:"retained"`
	RateCapped int `json:"rate_capped"`
}

// Dispatcher delivers undispatched non-hold signals over the user's
// enabled channels. A signal is marked dispatched only once every channel
// reached a terminal state; retriable channel failures keep the signal
// queued for the next cycle.
type Dispatcher struct {
	cfg        *config.Config
	log        *logger.Logger
	calendar   *marketcalendar.Calendar
	signalRepo repository.SignalRepository
	usersRepo  repository.UsersRepository
	notifier   telegram.Notifier
	mail       mailer.Mailer
	redis      *redisPkg.Client
}

func NewDispatcher(
	cfg *config.Config,
	log *logger.Logger,
	calendar *marketcalendar.Calendar,
	signalRepo repository.SignalRepository,
	usersRepo repository.UsersRepository,
	notifier telegram.Notifier,
	mail mailer.Mailer,
	redis *redisPkg.Client,
) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		log:        log,
		calendar:   calendar,
		signalRepo: signalRepo,
		usersRepo:  usersRepo,
		notifier:   notifier,
		mail:       mail,
		redis:      redis,
	}
}

// Dispatch runs one delivery cycle over the session's queue. At most
// QueueSize signals are taken per cycle; the remainder stays queued.
func (d *Dispatcher) Dispatch(ctx context.Context) (*Result, error) {
	sessionDate := d.sessionDate()
	signals, err := d.signalRepo.FindUndispatched(ctx, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list undispatched signals: %w", err)
	}

	result := Result{Signals: len(signals)}
	if len(signals) > d.cfg.Dispatch.QueueSize {
		result.Retained += len(signals) - d.cfg.Dispatch.QueueSize
		signals = signals[:d.cfg.Dispatch.QueueSize]
	}

	users, err := d.activeUsersByID(ctx)
	if err != nil {
		return nil, err
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	semaphore := make(chan struct{}, d.cfg.Collector.MaxConcurrency)
	for i := range signals {
		if !utils.ShouldContinue(ctx, d.log) {
			break
		}
		signal := signals[i]
		wg.Add(1)
		utils.GoSafe(func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			outcome := d.dispatchSignal(ctx, &signal, users, sessionDate)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case entity.DispatchSent:
				result.Dispatched++
			case entity.DispatchFailed:
				result.Failed++
			case "rate_capped":
				result.RateCapped++
			default:
				result.Retained++
			}
		})
	}
	wg.Wait()

	d.log.Info("Dispatch cycle finished",
		logger.IntField("signals", result.Signals),
		logger.IntField("dispatched", result.Dispatched),
		logger.IntField("failed", result.Failed),
		logger.IntField("retained", result.Retained),
		logger.IntField("rate_capped", result.RateCapped),
	)
	return &result, nil
}

// dispatchSignal works through the signal's pending deliveries and returns
// the terminal dispatch status, or "" when the signal stays queued.
func (d *Dispatcher) dispatchSignal(ctx context.Context, signal *entity.TradingSignal, users map[uint]*entity.User, sessionDate time.Time) string {
	user, ok := users[signal.UserID]
	if !ok || user.Preferences == nil {
		// Owner deactivated since generation; terminal failure.
		d.finalise(ctx, signal.ID, entity.DispatchFailed)
		return entity.DispatchFailed
	}

	capped, err := d.overDailyCap(ctx, user, sessionDate)
	if err != nil {
		d.log.Error("Daily cap check failed, retrying next cycle", logger.ErrorField(err))
		return ""
	}
	if capped {
		return "rate_capped"
	}

	var sent, failed, pending int
	for i := range signal.Deliveries {
		delivery := &signal.Deliveries[i]
		switch delivery.Status {
		case entity.DispatchSent:
			sent++
			continue
		case entity.DispatchFailed:
			failed++
			continue
		}

		status := d.attemptDelivery(ctx, signal, user, delivery)
		switch status {
		case entity.DispatchSent:
			sent++
		case entity.DispatchFailed:
			failed++
		default:
			pending++
		}
	}

	if pending > 0 {
		return ""
	}
	status := entity.DispatchFailed
	if sent > 0 {
		status = entity.DispatchSent
		d.incrementDailyCount(ctx, user.ID, sessionDate)
	}
	d.finalise(ctx, signal.ID, status)
	return status
}

// attemptDelivery sends over one channel and persists the attempt. It
// returns the delivery's status after the attempt; pending means retriable.
func (d *Dispatcher) attemptDelivery(ctx context.Context, signal *entity.TradingSignal, user *entity.User, delivery *entity.SignalDelivery) string {
	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.Dispatch.SendTimeoutSeconds)*time.Second)
	defer cancel()

	delivery.Attempts++
	var (
		messageRef string
		sendErr    error
		permanent  bool
	)

	switch delivery.Channel {
	case entity.ChannelTelegram:
		if d.notifier == nil {
			sendErr = fmt.Errorf("telegram transport not configured")
			permanent = true
			break
		}
		if user.TelegramChatID == 0 {
			sendErr = fmt.Errorf("user %d has no telegram chat id", user.ID)
			permanent = true
			break
		}
		var id int
		id, sendErr = d.notifier.SendMessage(sendCtx, user.TelegramChatID, RenderTelegram(signal))
		if sendErr == nil {
			messageRef = fmt.Sprintf("%d", id)
		}
	case entity.ChannelEmail:
		if d.mail == nil {
			sendErr = fmt.Errorf("smtp transport not configured")
			permanent = true
			break
		}
		if user.Email == "" {
			sendErr = fmt.Errorf("user %d has no email address", user.ID)
			permanent = true
			break
		}
		htmlBody, textBody, err := RenderEmail(signal)
		if err != nil {
			sendErr = err
			permanent = true
			break
		}
		sendErr = d.mail.SendHTML(sendCtx, user.Email, RenderEmailSubject(signal), htmlBody, textBody)
	default:
		sendErr = fmt.Errorf("unknown channel %q", delivery.Channel)
		permanent = true
	}

	if sendErr == nil {
		now := d.calendar.Now()
		delivery.Status = entity.DispatchSent
		delivery.MessageRef = messageRef
		delivery.SentAt = &now
		delivery.LastError = ""
	} else {
		delivery.LastError = sendErr.Error()
		if permanent {
			delivery.Status = entity.DispatchFailed
		}
		d.log.Warn("Delivery attempt failed",
			logger.ErrorField(sendErr),
			logger.StringField("channel", delivery.Channel),
			logger.IntField("attempts", delivery.Attempts),
		)
	}

	if err := d.signalRepo.UpdateDelivery(ctx, delivery); err != nil {
		d.log.Error("Failed to persist delivery attempt", logger.ErrorField(err))
	}
	return delivery.Status
}

func (d *Dispatcher) finalise(ctx context.Context, signalID int64, status string) {
	if err := d.signalRepo.MarkDispatched(ctx, signalID, status, d.calendar.Now()); err != nil {
		d.log.Error("Failed to mark signal dispatched",
			logger.ErrorField(err),
			logger.IntField("signal_id", int(signalID)),
		)
	}
}

// overDailyCap enforces maxSignalsPerDay at delivery time through a Redis
// counter. Without Redis the generation-time count is the only guard.
func (d *Dispatcher) overDailyCap(ctx context.Context, user *entity.User, sessionDate time.Time) (bool, error) {
	if d.redis == nil {
		return false, nil
	}
	key := fmt.Sprintf(common.RedisKeyUserDailySignalCount, user.ID, sessionDate.Format("2006-01-02"))
	count, err := d.redis.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, err
	}
	return count >= int64(user.Preferences.MaxSignalsPerDay), nil
}

func (d *Dispatcher) incrementDailyCount(ctx context.Context, userID uint, sessionDate time.Time) {
	if d.redis == nil {
		return
	}
	key := fmt.Sprintf(common.RedisKeyUserDailySignalCount, userID, sessionDate.Format("2006-01-02"))
	if err := d.redis.Incr(ctx, key).Err(); err != nil {
		d.log.Warn("Failed to increment daily signal counter", logger.ErrorField(err))
		return
	}
	d.redis.Expire(ctx, key, dailyCountTTL)
}

// SendDailySummaries delivers the opt-in end-of-day digest after session
// close. Holds are never dispatched individually; this is the only place
// they reach a user.
func (d *Dispatcher) SendDailySummaries(ctx context.Context) (int, error) {
	sessionDate := d.sessionDate()

	users, err := d.usersRepo.ListActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active users: %w", err)
	}
	stats, err := d.signalRepo.GetDailyStats(ctx, sessionDate)
	if err != nil {
		return 0, fmt.Errorf("failed to load daily stats: %w", err)
	}
	statsByUser := make(map[uint]*repository.DailyStats, len(stats))
	for i := range stats {
		statsByUser[stats[i].UserID] = &stats[i]
	}

	sentCount := 0
	for i := range users {
		user := &users[i]
		prefs := user.Preferences
		if prefs == nil || !prefs.DailySummaryOptIn {
			continue
		}
		if !utils.ShouldContinue(ctx, d.log) {
			break
		}

		holds, err := d.signalRepo.FindHoldsForSummary(ctx, user.ID, sessionDate)
		if err != nil {
			d.log.Error("Failed to load holds for summary", logger.ErrorField(err))
			continue
		}

		body := RenderDailySummary(sessionDate.Format("2006-01-02"), holds, statsByUser[user.ID])
		if d.sendSummary(ctx, user, prefs, sessionDate, body) {
			sentCount++
		}
	}

	d.log.Info("Daily summaries sent", logger.IntField("count", sentCount))
	return sentCount, nil
}

func (d *Dispatcher) sendSummary(ctx context.Context, user *entity.User, prefs *entity.UserPreferences, sessionDate time.Time, body string) bool {
	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.Dispatch.SendTimeoutSeconds)*time.Second)
	defer cancel()

	delivered := false
	if d.notifier != nil && prefs.HasChannel(entity.ChannelTelegram) && user.TelegramChatID != 0 {
		if _, err := d.notifier.SendMessage(sendCtx, user.TelegramChatID, body); err != nil {
			d.log.Warn("Summary telegram delivery failed", logger.ErrorField(err))
		} else {
			delivered = true
		}
	}
	if d.mail != nil && prefs.HasChannel(entity.ChannelEmail) && user.Email != "" {
		subject := fmt.Sprintf("[GPW] Daily summary %s", sessionDate.Format("2006-01-02"))
		htmlBody := "<pre>" + body + "</pre>"
		if err := d.mail.SendHTML(sendCtx, user.Email, subject, htmlBody, body); err != nil {
			d.log.Warn("Summary email delivery failed", logger.ErrorField(err))
		} else {
			delivered = true
		}
	}
	return delivered
}

func (d *Dispatcher) activeUsersByID(ctx context.Context) (map[uint]*entity.User, error) {
	users, err := d.usersRepo.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	byID := make(map[uint]*entity.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	return byID, nil
}

func (d *Dispatcher) sessionDate() time.Time {
	local := d.calendar.LocalNow()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
