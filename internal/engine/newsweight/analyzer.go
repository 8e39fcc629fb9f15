// Package newsweight aggregates per-stock news sentiment with
// time-decayed, impact-scaled weights for intraday signal generation.
package newsweight

import (
	"context"
	"fmt"
	"time"

	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
)

// impactWeights scale an article's contribution by its market-moving
// potential.
var impactWeights = map[string]float64{
	entity.ImpactVeryHigh: 2.0,
	entity.ImpactHigh:     1.5,
	entity.ImpactMedium:   1.0,
	entity.ImpactLow:      0.6,
	entity.ImpactMinimal:  0.3,
}

// impactRank orders impact levels for picking the aggregate's dominant one.
var impactRank = map[string]int{
	entity.ImpactMinimal:  1,
	entity.ImpactLow:      2,
	entity.ImpactMedium:   3,
	entity.ImpactHigh:     4,
	entity.ImpactVeryHigh: 5,
}

// breakingNewsMaxAge bounds the breaking-news multiplier window.
const breakingNewsMaxAge = 60 * time.Minute

// momentumSplit separates "recent" from "older" news for the momentum term.
const momentumSplit = 2 * time.Hour

// Aggregate is the stock-level news sentiment summary. Defined is false
// when no article carried any weight; callers must then leave signals
// unadjusted.
type Aggregate struct {
	WeightedSentiment float64
	TotalWeight       float64
	ArticleCount      int
	Momentum          float64
	ImpactLevel       string
	Summary           string
	Defined           bool
}

// HighImpact reports whether the dominant impact is high or very high.
func (a Aggregate) HighImpact() bool {
	return a.ImpactLevel == entity.ImpactHigh || a.ImpactLevel == entity.ImpactVeryHigh
}

// Analyzer computes time-weighted sentiment aggregates.
type Analyzer struct {
	profile       Profile
	calendar      *marketcalendar.Calendar
	newsRepo      repository.NewsRepository
	sourceWeights map[string]float64
	log           *logger.Logger
}

// NewAnalyzer creates an Analyzer with the given validated profile.
func NewAnalyzer(profile Profile, cal *marketcalendar.Calendar, newsRepo repository.NewsRepository, sourceWeights map[string]float64, log *logger.Logger) *Analyzer {
	return &Analyzer{
		profile:       profile,
		calendar:      cal,
		newsRepo:      newsRepo,
		sourceWeights: sourceWeights,
		log:           log,
	}
}

// Aggregate computes the weighted sentiment for a stock over the lookback
// window ending now.
func (a *Analyzer) Aggregate(ctx context.Context, symbol string, lookback time.Duration) (Aggregate, error) {
	now := a.calendar.Now()
	mentions, err := a.newsRepo.FindClassifiedMentions(ctx, symbol, now.Add(-lookback), now)
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to load classified mentions for %s: %w", symbol, err)
	}
	return a.aggregateMentions(mentions, now), nil
}

// aggregateMentions folds the mention set at the reference instant. Split
// out for direct testing with synthetic mentions.
func (a *Analyzer) aggregateMentions(mentions []repository.ClassifiedMention, now time.Time) Aggregate {
	full := a.fold(mentions, now)
	if !full.Defined {
		return full
	}

	var recent, older []repository.ClassifiedMention
	for _, m := range mentions {
		if now.Sub(m.PublishedAt) <= momentumSplit {
			recent = append(recent, m)
		} else {
			older = append(older, m)
		}
	}
	recentAgg := a.fold(recent, now)
	olderAgg := a.fold(older, now)
	if recentAgg.Defined && olderAgg.Defined {
		full.Momentum = recentAgg.WeightedSentiment - olderAgg.WeightedSentiment
	}

	full.Summary = fmt.Sprintf("%d articles, dominant impact %s, weighted sentiment %+.2f",
		full.ArticleCount, full.ImpactLevel, full.WeightedSentiment)
	return full
}

func (a *Analyzer) fold(mentions []repository.ClassifiedMention, now time.Time) Aggregate {
	var (
		weightedSum float64
		totalWeight float64
		count       int
		topImpact   string
	)

	for _, m := range mentions {
		w := a.weight(m, now)
		if w < a.profile.MinImpactThreshold {
			continue
		}
		weightedSum += m.SentimentScore * w
		totalWeight += w
		count++
		if impactRank[m.Impact] > impactRank[topImpact] {
			topImpact = m.Impact
		}
	}

	if totalWeight == 0 {
		return Aggregate{}
	}
	return Aggregate{
		WeightedSentiment: weightedSum / totalWeight,
		TotalWeight:       totalWeight,
		ArticleCount:      count,
		ImpactLevel:       topImpact,
		Defined:           true,
	}
}

// weight computes w = sourceWeight · periodWeight · impactWeight · decay,
// scaled by the breaking-news and market-timing multipliers.
func (a *Analyzer) weight(m repository.ClassifiedMention, now time.Time) float64 {
	ageMinutes := now.Sub(m.PublishedAt).Minutes()
	if ageMinutes < 0 {
		ageMinutes = 0
	}

	w := a.sourceWeight(m.Source) *
		a.profile.periodWeight(ageMinutes) *
		a.impactWeight(m.Impact) *
		a.profile.decay(ageMinutes)

	if (m.Impact == entity.ImpactHigh || m.Impact == entity.ImpactVeryHigh) &&
		now.Sub(m.PublishedAt) <= breakingNewsMaxAge {
		w *= a.profile.BreakingMultiplier
	}

	w *= a.marketTimingMultiplier(m.PublishedAt)
	return w
}

func (a *Analyzer) sourceWeight(source string) float64 {
	if w, ok := a.sourceWeights[source]; ok {
		return w
	}
	return 1.0
}

func (a *Analyzer) impactWeight(impact string) float64 {
	if w, ok := impactWeights[impact]; ok {
		return w
	}
	return impactWeights[entity.ImpactMedium]
}

func (a *Analyzer) marketTimingMultiplier(publishedAt time.Time) float64 {
	switch {
	case a.calendar.IsInSession(publishedAt):
		return a.profile.MarketHoursMultiplier
	case a.calendar.IsPreMarket(publishedAt):
		return a.profile.PreMarketMultiplier
	default:
		return 1.0
	}
}
