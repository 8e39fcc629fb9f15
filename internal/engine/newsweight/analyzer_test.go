package newsweight

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/utils"
)

// Monday 2025-06-02 12:00 Warsaw, mid-session.
var testNow = time.Date(2025, time.June, 2, 12, 0, 0, 0, utils.WarsawLocation()).UTC()

func newTestAnalyzer(t *testing.T, sourceWeights map[string]float64) *Analyzer {
	t.Helper()
	profile, err := ProfileByName(ProfileIntradayDefault, 0)
	require.NoError(t, err)
	cal := marketcalendar.New(marketcalendar.FixedClock{T: testNow}, "09:00", "17:00", nil)
	return NewAnalyzer(profile, cal, nil, sourceWeights, nil)
}

func mention(age time.Duration, sentiment float64, impact, source string) repository.ClassifiedMention {
	return repository.ClassifiedMention{
		Source:         source,
		PublishedAt:    testNow.Add(-age),
		Impact:         impact,
		StockSymbol:    "CDR",
		SentimentScore: sentiment,
		Confidence:     0.9,
		Relevance:      1.0,
	}
}

func TestProfilesValidate(t *testing.T) {
	for _, name := range []string{ProfileIntradayAggressive, ProfileIntradayDefault, ProfileIntradayConservative, ProfileSwing} {
		p, err := ProfileByName(name, 0)
		require.NoError(t, err, name)
		sum := p.Last15MinWeight + p.Last1HourWeight + p.Last4HourWeight + p.TodayWeight
		assert.InDelta(t, 1.0, sum, 0.05, name)
	}
}

func TestProfileUnknownName(t *testing.T) {
	_, err := ProfileByName("overnight", 0)
	assert.Error(t, err)
}

func TestProfileHalfLifeOverride(t *testing.T) {
	p, err := ProfileByName(ProfileIntradayDefault, 45)
	require.NoError(t, err)
	assert.Equal(t, 45.0, p.HalfLifeMinutes)
}

func TestWeightFormula(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{"bankier": 1.5})

	// 10 minutes old, medium impact, in session.
	m := mention(10*time.Minute, 0.5, entity.ImpactMedium, "bankier")
	got := a.weight(m, testNow)

	decay := math.Exp(-math.Ln2 * 10 / 120)
	want := 1.5 * 0.40 * 1.0 * decay * 1.5 // source · period · impact · decay · market hours
	assert.InDelta(t, want, got, 1e-9)
}

func TestBreakingNewsMultiplier(t *testing.T) {
	a := newTestAnalyzer(t, nil)

	fresh := mention(30*time.Minute, 0.5, entity.ImpactVeryHigh, "pap")
	stale := mention(90*time.Minute, 0.5, entity.ImpactVeryHigh, "pap")

	freshW := a.weight(fresh, testNow)
	staleW := a.weight(stale, testNow)

	// The fresh article carries the x2 breaking multiplier on top of its
	// better period bucket and decay; the stale one must not.
	decayFresh := math.Exp(-math.Ln2 * 30 / 120)
	wantFresh := 1.0 * 0.30 * 2.0 * decayFresh * 2.0 * 1.5
	assert.InDelta(t, wantFresh, freshW, 1e-9)

	decayStale := math.Exp(-math.Ln2 * 90 / 120)
	wantStale := 1.0 * 0.20 * 2.0 * decayStale * 1.5
	assert.InDelta(t, wantStale, staleW, 1e-9)
}

func TestMarketTimingMultipliers(t *testing.T) {
	a := newTestAnalyzer(t, nil)

	inSession := time.Date(2025, time.June, 2, 10, 0, 0, 0, utils.WarsawLocation())
	preMarket := time.Date(2025, time.June, 2, 8, 0, 0, 0, utils.WarsawLocation())
	overnight := time.Date(2025, time.June, 2, 5, 0, 0, 0, utils.WarsawLocation())

	assert.Equal(t, 1.5, a.marketTimingMultiplier(inSession))
	assert.Equal(t, 1.2, a.marketTimingMultiplier(preMarket))
	assert.Equal(t, 1.0, a.marketTimingMultiplier(overnight))
}

func TestAggregateWeightedSentiment(t *testing.T) {
	a := newTestAnalyzer(t, nil)

	mentions := []repository.ClassifiedMention{
		mention(5*time.Minute, 0.8, entity.ImpactHigh, "pap"),
		mention(3*time.Hour, -0.4, entity.ImpactLow, "pap"),
	}
	agg := a.aggregateMentions(mentions, testNow)
	require.True(t, agg.Defined)

	w1 := a.weight(mentions[0], testNow)
	w2 := a.weight(mentions[1], testNow)
	want := (0.8*w1 + (-0.4)*w2) / (w1 + w2)

	assert.InDelta(t, want, agg.WeightedSentiment, 1e-9)
	assert.Equal(t, 2, agg.ArticleCount)
	assert.Equal(t, entity.ImpactHigh, agg.ImpactLevel)
	assert.True(t, agg.HighImpact())
	assert.NotEmpty(t, agg.Summary)
}

func TestAggregateMomentum(t *testing.T) {
	a := newTestAnalyzer(t, nil)

	mentions := []repository.ClassifiedMention{
		mention(30*time.Minute, 0.9, entity.ImpactMedium, "pap"),
		mention(5*time.Hour, -0.5, entity.ImpactMedium, "pap"),
	}
	agg := a.aggregateMentions(mentions, testNow)
	require.True(t, agg.Defined)
	// Recent positive vs older negative news gives positive momentum.
	assert.InDelta(t, 0.9-(-0.5), agg.Momentum, 1e-9)
}

func TestAggregateEmptyWindowUndefined(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	agg := a.aggregateMentions(nil, testNow)
	assert.False(t, agg.Defined)
	assert.Zero(t, agg.TotalWeight)
}

func TestMinImpactThresholdDropsFaintArticles(t *testing.T) {
	a := newTestAnalyzer(t, nil)

	// Minimal impact, very old: weight falls below the 0.05 floor.
	faint := mention(20*time.Hour, 1.0, entity.ImpactMinimal, "pap")
	agg := a.aggregateMentions([]repository.ClassifiedMention{faint}, testNow)
	assert.False(t, agg.Defined)
}

func TestSourceWeightZeroSilencesFeed(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{"spam": 0})
	m := mention(5*time.Minute, 1.0, entity.ImpactVeryHigh, "spam")
	agg := a.aggregateMentions([]repository.ClassifiedMention{m}, testNow)
	assert.False(t, agg.Defined)
}
