// Package signal turns indicator snapshots and news aggregates into
// persisted BUY/SELL/HOLD recommendations per (user, stock, session).
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/indicator"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/newsweight"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

// Voting thresholds.
const (
	rsiOversold   = 30
	rsiOverbought = 70
	minVotes      = 3

	baseConfidenceFloor = 50
	baseConfidenceCeil  = 90
	votePoints          = 10
)

// barsLookback covers MACD(12,26,9) with slack for cross detection.
const barsLookback = 64

// adjustProfile holds the news-adjustment magnitudes one signal profile
// selects.
type adjustProfile struct {
	NewsBoost        float64
	HighImpactScale  float64
	BoostSentiment   float64
	VetoSentiment    float64
	PromoteSentiment float64
}

var adjustProfiles = map[string]adjustProfile{
	config.ProfileConservative: {NewsBoost: 10, HighImpactScale: 1.5, BoostSentiment: 0.5, VetoSentiment: 0.6, PromoteSentiment: 0.9},
	config.ProfileBalanced:     {NewsBoost: 15, HighImpactScale: 1.5, BoostSentiment: 0.5, VetoSentiment: 0.7, PromoteSentiment: 0.8},
	config.ProfileAggressive:   {NewsBoost: 20, HighImpactScale: 1.5, BoostSentiment: 0.5, VetoSentiment: 0.8, PromoteSentiment: 0.7},
}

// Result summarises one generation cycle.
type Result struct {
	Stocks     int `json:"stocks"`
	Users      int `json:"users"`
	NonHold    int `json:"non_hold"`
	Holds      int `json:"holds"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Failures   int `json:"failures"`
}

// Generator runs the full per-(user, stock) signal pipeline.
type Generator struct {
	cfg        *config.Config
	log        *logger.Logger
	calendar   *marketcalendar.Calendar
	stocksRepo repository.StocksRepository
	ohlcvRepo  repository.OHLCVRepository
	usersRepo  repository.UsersRepository
	signalRepo repository.SignalRepository
	analyzer   *newsweight.Analyzer
	adjust     adjustProfile
}

func NewGenerator(
	cfg *config.Config,
	log *logger.Logger,
	calendar *marketcalendar.Calendar,
	stocksRepo repository.StocksRepository,
	ohlcvRepo repository.OHLCVRepository,
	usersRepo repository.UsersRepository,
	signalRepo repository.SignalRepository,
	analyzer *newsweight.Analyzer,
) *Generator {
	adjust, ok := adjustProfiles[cfg.SignalProfile]
	if !ok {
		adjust = adjustProfiles[config.ProfileBalanced]
	}
	return &Generator{
		cfg:        cfg,
		log:        log,
		calendar:   calendar,
		stocksRepo: stocksRepo,
		ohlcvRepo:  ohlcvRepo,
		usersRepo:  usersRepo,
		signalRepo: signalRepo,
		analyzer:   analyzer,
		adjust:     adjust,
	}
}

// stockEval is the per-stock work shared across all users.
type stockEval struct {
	symbol    string
	snapshot  indicator.Snapshot
	aggregate newsweight.Aggregate
	avgVolume int64
}

// GenerateAll runs the pipeline for every monitored stock and active user.
func (g *Generator) GenerateAll(ctx context.Context) (*Result, error) {
	stocks, err := g.stocksRepo.GetMonitoredStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored stocks: %w", err)
	}
	return g.generate(ctx, stocks)
}

// GenerateForSymbol runs the pipeline for a single monitored stock.
func (g *Generator) GenerateForSymbol(ctx context.Context, symbol string) (*Result, error) {
	stock, err := g.stocksRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("unknown symbol %s: %w", symbol, err)
	}
	if !stock.IsMonitored {
		return nil, enginerr.Configf("symbol %s is not monitored", symbol)
	}
	return g.generate(ctx, []entity.Stock{*stock})
}

func (g *Generator) generate(ctx context.Context, stocks []entity.Stock) (*Result, error) {
	users, err := g.usersRepo.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}

	result := Result{Stocks: len(stocks), Users: len(users)}
	if len(users) == 0 || len(stocks) == 0 {
		return &result, nil
	}

	sessionDate := g.sessionDate()
	lookback := time.Duration(g.cfg.News.LookbackDays) * 24 * time.Hour

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	semaphore := make(chan struct{}, g.cfg.Collector.MaxConcurrency)
	for _, stock := range stocks {
		if !utils.ShouldContinue(ctx, g.log) {
			break
		}
		symbol := stock.Symbol
		wg.Add(1)
		utils.GoSafe(func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			eval, err := g.evaluateStock(ctx, symbol, lookback)
			if err != nil {
				mu.Lock()
				result.Failures++
				mu.Unlock()
				g.log.Error("Stock evaluation failed",
					logger.ErrorField(err),
					logger.StringField("symbol", symbol),
				)
				return
			}

			for i := range users {
				partial := g.generateForUser(ctx, &users[i], eval, sessionDate)
				mu.Lock()
				result.NonHold += partial.NonHold
				result.Holds += partial.Holds
				result.Skipped += partial.Skipped
				result.Duplicates += partial.Duplicates
				result.Failures += partial.Failures
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	g.log.Info("Signal generation finished",
		logger.IntField("stocks", result.Stocks),
		logger.IntField("users", result.Users),
		logger.IntField("non_hold", result.NonHold),
		logger.IntField("holds", result.Holds),
		logger.IntField("skipped", result.Skipped),
		logger.IntField("duplicates", result.Duplicates),
		logger.IntField("failures", result.Failures),
	)
	return &result, nil
}

func (g *Generator) evaluateStock(ctx context.Context, symbol string, lookback time.Duration) (*stockEval, error) {
	bars, err := g.ohlcvRepo.GetLatestBars(ctx, symbol, entity.BarIntervalMinute, barsLookback)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars: %w", err)
	}
	aggregate, err := g.analyzer.Aggregate(ctx, symbol, lookback)
	if err != nil {
		return nil, err
	}
	avgVolume, err := g.ohlcvRepo.AverageDailyVolume(ctx, symbol, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average volume: %w", err)
	}
	return &stockEval{
		symbol:    symbol,
		snapshot:  indicator.Evaluate(bars),
		aggregate: aggregate,
		avgVolume: avgVolume,
	}, nil
}

func (g *Generator) generateForUser(ctx context.Context, user *entity.User, eval *stockEval, sessionDate time.Time) Result {
	var result Result

	// Preferences go through the cached read so a mid-cycle preference
	// update is picked up after invalidation, not on the next user list.
	prefs, err := g.usersRepo.GetPreferences(ctx, user.ID)
	if err != nil {
		result.Failures++
		g.log.Error("Failed to load preferences",
			logger.ErrorField(err),
			logger.IntField("user_id", int(user.ID)),
		)
		return result
	}
	if prefs == nil {
		result.Skipped++
		return result
	}
	if !eligible(prefs, eval) {
		result.Skipped++
		return result
	}

	cand := candidateFromSnapshot(eval.snapshot)
	cand = applyNews(cand, eval.aggregate, g.adjust)

	// Preference filter: a candidate below the user's confidence floor is
	// downgraded, not suppressed, so the decision is auditable.
	if cand.Type != entity.SignalHold && cand.Confidence < prefs.MinConfidenceThreshold {
		cand.Type = entity.SignalHold
		cand.Reason.Kind = entity.ReasonBelowThreshold
	}

	if cand.Type != entity.SignalHold {
		count, err := g.signalRepo.CountNonHoldToday(ctx, user.ID, sessionDate)
		if err != nil {
			result.Failures++
			g.log.Error("Failed to count today's signals", logger.ErrorField(err))
			return result
		}
		if count >= int64(prefs.MaxSignalsPerDay) {
			result.Skipped++
			return result
		}
	}

	signal, err := g.buildSignal(user, prefs, eval, cand, sessionDate)
	if err != nil {
		result.Failures++
		g.log.Error("Failed to build signal",
			logger.ErrorField(err),
			logger.StringField("symbol", eval.symbol),
			logger.IntField("user_id", int(user.ID)),
		)
		return result
	}

	if signal.Type != entity.SignalHold && !signal.ValidateRiskEnvelope() {
		result.Failures++
		g.log.Error("Risk envelope violates price ordering, dropping signal",
			logger.StringField("symbol", eval.symbol),
			logger.StringField("type", signal.Type),
			logger.StringField("price", signal.PriceAtSignal.String()),
			logger.StringField("target", signal.TargetPrice.String()),
			logger.StringField("stop", signal.StopLossPrice.String()),
		)
		return result
	}

	channels := enabledChannels(prefs)
	if err := g.signalRepo.CreateWithSupersede(ctx, signal, channels); err != nil {
		if errors.Is(err, repository.ErrDuplicateOpenSignal) {
			result.Duplicates++
			return result
		}
		result.Failures++
		g.log.Error("Failed to persist signal",
			logger.ErrorField(err),
			logger.StringField("symbol", eval.symbol),
		)
		return result
	}

	if signal.Type == entity.SignalHold {
		result.Holds++
	} else {
		result.NonHold++
		g.log.Info("Signal created",
			logger.StringField("symbol", eval.symbol),
			logger.StringField("type", signal.Type),
			logger.IntField("user_id", int(user.ID)),
			logger.StringField("confidence", fmt.Sprintf("%.0f", signal.Confidence)),
		)
	}
	return result
}

// eligible applies the per-user universe filters before any candidate is
// considered.
func eligible(prefs *entity.UserPreferences, eval *stockEval) bool {
	if len(prefs.MonitoredSymbols) > 0 {
		found := false
		for _, s := range prefs.MonitoredSymbols {
			if s == eval.symbol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if prefs.MinDailyVolume > 0 && eval.avgVolume < prefs.MinDailyVolume {
		return false
	}
	if !prefs.MinPositionValue.IsZero() {
		maxPosition := prefs.AvailableCapital.Mul(decimal.NewFromFloat(prefs.EffectiveMaxPositionSizePct()))
		if maxPosition.LessThan(prefs.MinPositionValue) {
			return false
		}
	}
	return true
}

// candidate is the pre-persistence signal decision.
type candidate struct {
	Type           string
	Confidence     float64
	Reason         entity.SignalReason
	ModifiedByNews bool
}

// candidateFromSnapshot runs the technical vote and maps it to a
// preliminary candidate.
func candidateFromSnapshot(snap indicator.Snapshot) candidate {
	if !snap.Sufficient() {
		return candidate{
			Type:   entity.SignalHold,
			Reason: entity.SignalReason{Kind: entity.ReasonInsufficientData},
		}
	}

	bullish, bearish := collectVotes(snap)
	reason := entity.SignalReason{
		Kind:         entity.ReasonTechnicalVotes,
		BullishVotes: bullish,
		BearishVotes: bearish,
	}

	switch {
	case len(bullish) >= minVotes && len(bullish) > len(bearish):
		return candidate{Type: entity.SignalBuy, Confidence: baseConfidence(len(bullish)), Reason: reason}
	case len(bearish) >= minVotes && len(bearish) > len(bullish):
		return candidate{Type: entity.SignalSell, Confidence: baseConfidence(len(bearish)), Reason: reason}
	default:
		return candidate{Type: entity.SignalHold, Confidence: baseConfidence(0), Reason: reason}
	}
}

// collectVotes gathers concurring indicator opinions. Each indicator
// contributes at most one vote per side.
func collectVotes(snap indicator.Snapshot) (bullish, bearish []string) {
	if snap.HasRSI {
		if snap.RSI.LessThan(decimal.NewFromInt(rsiOversold)) {
			bullish = append(bullish, "rsi_oversold")
		}
		if snap.RSI.GreaterThan(decimal.NewFromInt(rsiOverbought)) {
			bearish = append(bearish, "rsi_overbought")
		}
	}
	if snap.HasBollinger {
		if snap.LastClose.LessThan(snap.Bollinger.Lower) {
			bullish = append(bullish, "close_below_lower_band")
		}
		if snap.LastClose.GreaterThan(snap.Bollinger.Upper) {
			bearish = append(bearish, "close_above_upper_band")
		}
	}
	if snap.HasMACD && snap.MACD.HasPrev {
		if !snap.MACD.PrevHistogram.IsPositive() && snap.MACD.Histogram.IsPositive() {
			bullish = append(bullish, "macd_histogram_cross_up")
		}
		if !snap.MACD.PrevHistogram.IsNegative() && snap.MACD.Histogram.IsNegative() {
			bearish = append(bearish, "macd_histogram_cross_down")
		}
	}
	if snap.HasSMACross {
		if snap.PrevShortSMA.LessThanOrEqual(snap.PrevLongSMA) && snap.ShortSMA.GreaterThan(snap.LongSMA) {
			bullish = append(bullish, "sma_cross_up")
		}
		if snap.PrevShortSMA.GreaterThanOrEqual(snap.PrevLongSMA) && snap.ShortSMA.LessThan(snap.LongSMA) {
			bearish = append(bearish, "sma_cross_down")
		}
	}
	return bullish, bearish
}

func baseConfidence(votes int) float64 {
	if votes < minVotes {
		return baseConfidenceFloor
	}
	c := float64(baseConfidenceFloor + votePoints*(votes-minVotes))
	if c > baseConfidenceCeil {
		return baseConfidenceCeil
	}
	return c
}

// applyNews adjusts the technical candidate with the stock's weighted news
// aggregate. An undefined aggregate leaves the candidate untouched; a
// zero-confidence candidate is never adjusted.
func applyNews(cand candidate, agg newsweight.Aggregate, prof adjustProfile) candidate {
	if !agg.Defined || cand.Confidence == 0 {
		return cand
	}
	s := agg.WeightedSentiment

	switch cand.Type {
	case entity.SignalBuy:
		if s <= -prof.VetoSentiment && agg.HighImpact() {
			cand.Type = entity.SignalHold
			cand.Reason.Kind = entity.ReasonNewsVeto
			cand.Reason.NewsNote = fmt.Sprintf("strong negative news (%+.2f, %s) vetoed buy", s, agg.ImpactLevel)
			cand.ModifiedByNews = true
			return cand
		}
		if s >= prof.BoostSentiment {
			cand.Confidence = clampConfidence(cand.Confidence + boost(prof, agg))
			cand.Reason.Kind = entity.ReasonNewsAdjusted
			cand.Reason.NewsNote = fmt.Sprintf("positive news (%+.2f, %s) boosted confidence", s, agg.ImpactLevel)
			cand.ModifiedByNews = true
		}
	case entity.SignalSell:
		if s >= prof.VetoSentiment && agg.HighImpact() {
			cand.Type = entity.SignalHold
			cand.Reason.Kind = entity.ReasonNewsVeto
			cand.Reason.NewsNote = fmt.Sprintf("strong positive news (%+.2f, %s) vetoed sell", s, agg.ImpactLevel)
			cand.ModifiedByNews = true
			return cand
		}
		if s <= -prof.BoostSentiment {
			cand.Confidence = clampConfidence(cand.Confidence + boost(prof, agg))
			cand.Reason.Kind = entity.ReasonNewsAdjusted
			cand.Reason.NewsNote = fmt.Sprintf("negative news (%+.2f, %s) boosted confidence", s, agg.ImpactLevel)
			cand.ModifiedByNews = true
		}
	case entity.SignalHold:
		if math.Abs(s) >= prof.PromoteSentiment && agg.ImpactLevel == entity.ImpactVeryHigh {
			if s > 0 {
				cand.Type = entity.SignalBuy
			} else {
				cand.Type = entity.SignalSell
			}
			cand.Confidence = clampConfidence(cand.Confidence + boost(prof, agg))
			cand.Reason.Kind = entity.ReasonNewsPromoted
			cand.Reason.NewsNote = fmt.Sprintf("very high impact news (%+.2f) promoted hold", s)
			cand.ModifiedByNews = true
		}
	}
	return cand
}

func boost(prof adjustProfile, agg newsweight.Aggregate) float64 {
	b := prof.NewsBoost
	if agg.HighImpact() {
		b *= prof.HighImpactScale
	}
	return b
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// buildSignal attaches the risk envelope and persisted payloads to the
// candidate. Confidence is floored to a whole percentage.
func (g *Generator) buildSignal(user *entity.User, prefs *entity.UserPreferences, eval *stockEval, cand candidate, sessionDate time.Time) (*entity.TradingSignal, error) {
	signal := &entity.TradingSignal{
		UserID:         user.ID,
		StockSymbol:    eval.symbol,
		SessionDate:    sessionDate,
		Type:           cand.Type,
		Confidence:     math.Floor(cand.Confidence),
		PriceAtSignal:  eval.snapshot.LastClose,
		ModifiedByNews: cand.ModifiedByNews,
		DispatchStatus: entity.DispatchPending,
		CreatedAt:      g.calendar.Now(),
	}
	if err := signal.SetReason(cand.Reason); err != nil {
		return nil, err
	}
	if eval.aggregate.Defined {
		err := signal.SetNewsImpact(entity.NewsImpactPayload{
			WeightedSentiment: eval.aggregate.WeightedSentiment,
			TotalWeight:       eval.aggregate.TotalWeight,
			ArticleCount:      eval.aggregate.ArticleCount,
			Momentum:          eval.aggregate.Momentum,
			ImpactLevel:       eval.aggregate.ImpactLevel,
			Summary:           eval.aggregate.Summary,
		})
		if err != nil {
			return nil, err
		}
	}

	if cand.Type == entity.SignalHold {
		return signal, nil
	}

	price := eval.snapshot.LastClose
	targetPct := decimal.NewFromFloat(prefs.EffectiveTargetProfitPct())
	lossPct := decimal.NewFromFloat(prefs.EffectiveMaxLossPct())
	one := decimal.NewFromInt(1)

	switch cand.Type {
	case entity.SignalBuy:
		signal.TargetPrice = price.Mul(one.Add(targetPct)).RoundBank(4)
		signal.StopLossPrice = price.Mul(one.Sub(lossPct)).RoundBank(4)
	case entity.SignalSell:
		signal.TargetPrice = price.Mul(one.Sub(targetPct)).RoundBank(4)
		signal.StopLossPrice = price.Mul(one.Add(lossPct)).RoundBank(4)
	}

	signal.PositionShares = positionShares(prefs, price)
	return signal, nil
}

// positionShares sizes the position as min(capital · maxPositionSizePct,
// capital) quantised down to whole shares.
func positionShares(prefs *entity.UserPreferences, price decimal.Decimal) int64 {
	if price.IsZero() || prefs.AvailableCapital.IsZero() {
		return 0
	}
	value := prefs.AvailableCapital.Mul(decimal.NewFromFloat(prefs.EffectiveMaxPositionSizePct()))
	if value.GreaterThan(prefs.AvailableCapital) {
		value = prefs.AvailableCapital
	}
	return value.Div(price).IntPart()
}

func enabledChannels(prefs *entity.UserPreferences) []string {
	var channels []string
	for _, c := range prefs.NotificationChannels {
		if c == entity.ChannelTelegram || c == entity.ChannelEmail {
			channels = append(channels, c)
		}
	}
	return channels
}

// sessionDate is the calendar day of the session in exchange local time.
func (g *Generator) sessionDate() time.Time {
	local := g.calendar.LocalNow()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
