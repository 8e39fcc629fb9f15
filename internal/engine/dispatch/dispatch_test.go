package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

func testSignal(t *testing.T) *entity.TradingSignal {
	t.Helper()
	signal := &entity.TradingSignal{
		ID:             42,
		UserID:         1,
		StockSymbol:    "CDR",
		Type:           entity.SignalBuy,
		Confidence:     82,
		PriceAtSignal:  decimal.RequireFromString("265.20"),
		TargetPrice:    decimal.RequireFromString("273.1560"),
		StopLossPrice:  decimal.RequireFromString("259.8960"),
		PositionShares: 7,
	}
	require.NoError(t, signal.SetReason(entity.SignalReason{
		Kind:         entity.ReasonTechnicalVotes,
		BullishVotes: []string{"rsi_oversold", "macd_histogram_cross_up"},
	}))
	return signal
}

func TestRenderTelegramCarriesFullEnvelope(t *testing.T) {
	text := RenderTelegram(testSignal(t))

	assert.Contains(t, text, "BUY CDR")
	assert.Contains(t, text, "Confidence: 82%")
	assert.Contains(t, text, "Price: 265.2000")
	assert.Contains(t, text, "Target: 273.1560")
	assert.Contains(t, text, "Stop loss: 259.8960")
	assert.Contains(t, text, "Shares: 7")
	assert.Contains(t, text, "rsi_oversold")
}

func TestRenderEmailSubjectFormat(t *testing.T) {
	assert.Equal(t, "[GPW] CDR BUY @ 265.2000", RenderEmailSubject(testSignal(t)))
}

func TestRenderEmailHasHTMLAndTextParts(t *testing.T) {
	htmlBody, textBody, err := RenderEmail(testSignal(t))
	require.NoError(t, err)
	assert.Contains(t, htmlBody, "<h2>BUY CDR</h2>")
	assert.Contains(t, htmlBody, "273.1560")
	assert.Contains(t, textBody, "Target: 273.1560")
}

func TestReasonTextVariants(t *testing.T) {
	signal := testSignal(t)

	require.NoError(t, signal.SetReason(entity.SignalReason{
		Kind:     entity.ReasonNewsVeto,
		NewsNote: "strong negative news vetoed buy",
	}))
	assert.Equal(t, "strong negative news vetoed buy", reasonText(signal))

	require.NoError(t, signal.SetReason(entity.SignalReason{Kind: entity.ReasonInsufficientData}))
	assert.Equal(t, "insufficient price history", reasonText(signal))
}

func TestRenderDailySummary(t *testing.T) {
	hold := entity.TradingSignal{StockSymbol: "PKO", Type: entity.SignalHold}
	require.NoError(t, hold.SetReason(entity.SignalReason{Kind: entity.ReasonBelowThreshold}))

	stats := &repository.DailyStats{
		SignalCount: 3, TargetHits: 2, StopHits: 1, WinRatePct: 66.7, AvgReturnPct: 1.21,
	}
	body := RenderDailySummary("2025-06-02", []entity.TradingSignal{hold}, stats)

	assert.Contains(t, body, "2025-06-02")
	assert.Contains(t, body, "Resolved signals: 3")
	assert.Contains(t, body, "Win rate: 66.7%")
	assert.Contains(t, body, "PKO: confidence below user threshold")
}

// fakeSignalRepo records delivery updates and dispatch finalisation.
type fakeSignalRepo struct {
	repository.SignalRepository
	updated    []entity.SignalDelivery
	dispatched map[int64]string
}

func (f *fakeSignalRepo) UpdateDelivery(_ context.Context, delivery *entity.SignalDelivery) error {
	f.updated = append(f.updated, *delivery)
	return nil
}

func (f *fakeSignalRepo) MarkDispatched(_ context.Context, signalID int64, status string, _ time.Time) error {
	if f.dispatched == nil {
		f.dispatched = map[int64]string{}
	}
	f.dispatched[signalID] = status
	return nil
}

type fakeNotifier struct {
	err   error
	sent  []string
	chats []int64
}

func (f *fakeNotifier) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return 777, nil
}

func testDispatcher(repo *fakeSignalRepo, notifier *fakeNotifier) *Dispatcher {
	cfg := &config.Config{}
	cfg.Dispatch.SendTimeoutSeconds = 5
	now := time.Date(2025, time.June, 2, 10, 0, 0, 0, utils.WarsawLocation())
	return &Dispatcher{
		cfg:        cfg,
		log:        logger.NewNop(),
		calendar:   marketcalendar.New(marketcalendar.FixedClock{T: now}, "09:00", "17:00", nil),
		signalRepo: repo,
		notifier:   notifier,
	}
}

func dispatchUser() map[uint]*entity.User {
	return map[uint]*entity.User{
		1: {
			ID:             1,
			TelegramChatID: 555,
			Preferences: &entity.UserPreferences{
				UserID:               1,
				MaxSignalsPerDay:     10,
				NotificationChannels: []string{entity.ChannelTelegram},
			},
		},
	}
}

func TestDispatchSignalSuccess(t *testing.T) {
	repo := &fakeSignalRepo{}
	notifier := &fakeNotifier{}
	d := testDispatcher(repo, notifier)

	signal := testSignal(t)
	signal.Deliveries = []entity.SignalDelivery{
		{SignalID: signal.ID, Channel: entity.ChannelTelegram, Status: entity.DispatchPending},
	}

	status := d.dispatchSignal(context.Background(), signal, dispatchUser(), d.sessionDate())

	assert.Equal(t, entity.DispatchSent, status)
	assert.Equal(t, entity.DispatchSent, repo.dispatched[signal.ID])
	require.Len(t, repo.updated, 1)
	assert.Equal(t, entity.DispatchSent, repo.updated[0].Status)
	assert.Equal(t, "777", repo.updated[0].MessageRef)
	assert.Equal(t, 1, repo.updated[0].Attempts)
	assert.Equal(t, []int64{555}, notifier.chats)
}

func TestDispatchSignalTransientFailureStaysQueued(t *testing.T) {
	repo := &fakeSignalRepo{}
	notifier := &fakeNotifier{err: errors.New("telegram 502")}
	d := testDispatcher(repo, notifier)

	signal := testSignal(t)
	signal.Deliveries = []entity.SignalDelivery{
		{SignalID: signal.ID, Channel: entity.ChannelTelegram, Status: entity.DispatchPending},
	}

	status := d.dispatchSignal(context.Background(), signal, dispatchUser(), d.sessionDate())

	assert.Empty(t, status)
	assert.Empty(t, repo.dispatched)
	require.Len(t, repo.updated, 1)
	assert.Equal(t, entity.DispatchPending, repo.updated[0].Status)
	assert.Contains(t, repo.updated[0].LastError, "telegram 502")
}

func TestDispatchSignalPermanentFailure(t *testing.T) {
	repo := &fakeSignalRepo{}
	d := testDispatcher(repo, &fakeNotifier{})

	users := dispatchUser()
	users[1].TelegramChatID = 0 // channel enabled but unusable

	signal := testSignal(t)
	signal.Deliveries = []entity.SignalDelivery{
		{SignalID: signal.ID, Channel: entity.ChannelTelegram, Status: entity.DispatchPending},
	}

	status := d.dispatchSignal(context.Background(), signal, users, d.sessionDate())

	assert.Equal(t, entity.DispatchFailed, status)
	assert.Equal(t, entity.DispatchFailed, repo.dispatched[signal.ID])
}

func TestDispatchSignalUnknownUserFails(t *testing.T) {
	repo := &fakeSignalRepo{}
	d := testDispatcher(repo, &fakeNotifier{})

	signal := testSignal(t)
	status := d.dispatchSignal(context.Background(), signal, map[uint]*entity.User{}, d.sessionDate())

	assert.Equal(t, entity.DispatchFailed, status)
}

func TestDispatchSignalSkipsAlreadySentChannel(t *testing.T) {
	repo := &fakeSignalRepo{}
	notifier := &fakeNotifier{}
	d := testDispatcher(repo, notifier)

	signal := testSignal(t)
	signal.Deliveries = []entity.SignalDelivery{
		{SignalID: signal.ID, Channel: entity.ChannelTelegram, Status: entity.DispatchSent},
	}

	status := d.dispatchSignal(context.Background(), signal, dispatchUser(), d.sessionDate())

	assert.Equal(t, entity.DispatchSent, status)
	assert.Empty(t, notifier.sent) // idempotent per channel
}
