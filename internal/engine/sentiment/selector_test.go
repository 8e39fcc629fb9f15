package sentiment

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
)

type scriptedClassifier struct {
	result *repository.Classification
	err    error
	calls  int
}

func (s *scriptedClassifier) Classify(_ context.Context, _ *entity.NewsArticle) (*repository.Classification, error) {
	s.calls++
	return s.result, s.err
}

func positiveClassification() *repository.Classification {
	return &repository.Classification{
		OverallSentiment: entity.SentimentPositive,
		SentimentScore:   0.6,
		Confidence:       0.9,
		Impact:           entity.ImpactHigh,
	}
}

func testArticle() *entity.NewsArticle {
	return &entity.NewsArticle{
		Title:           "CD Projekt publikuje wyniki",
		MentionedStocks: pq.StringArray{"CDR"},
	}
}

func TestWeightedSelectorPrefersHigherWeight(t *testing.T) {
	cloud := &scriptedClassifier{result: positiveClassification()}
	local := &scriptedClassifier{result: NeutralClassification(testArticle())}

	sel := NewWeightedSelector(logger.NewNop(),
		map[string]Classifier{"gemini": cloud, "ollama": local},
		map[string]float64{"gemini": 1.0, "ollama": 0.5})

	c, err := sel.Classify(context.Background(), testArticle())
	require.NoError(t, err)
	assert.Equal(t, entity.SentimentPositive, c.OverallSentiment)
	assert.Equal(t, 1, cloud.calls)
	assert.Zero(t, local.calls)
}

func TestWeightedSelectorFallsThroughOnTransient(t *testing.T) {
	cloud := &scriptedClassifier{err: enginerr.Transientf("quota exhausted")}
	local := &scriptedClassifier{result: positiveClassification()}

	sel := NewWeightedSelector(logger.NewNop(),
		map[string]Classifier{"gemini": cloud, "ollama": local},
		map[string]float64{"gemini": 1.0, "ollama": 0.5})

	c, err := sel.Classify(context.Background(), testArticle())
	require.NoError(t, err)
	assert.Equal(t, entity.SentimentPositive, c.OverallSentiment)
	assert.Equal(t, 1, cloud.calls)
	assert.Equal(t, 1, local.calls)
}

func TestWeightedSelectorStopsOnPermanentError(t *testing.T) {
	cloud := &scriptedClassifier{err: enginerr.Malformedf("model answered prose")}
	local := &scriptedClassifier{result: positiveClassification()}

	sel := NewWeightedSelector(logger.NewNop(),
		map[string]Classifier{"gemini": cloud, "ollama": local},
		map[string]float64{"gemini": 1.0, "ollama": 0.5})

	_, err := sel.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindMalformed))
	assert.Zero(t, local.calls)
}

func TestWeightedSelectorReturnsLastTransient(t *testing.T) {
	cloud := &scriptedClassifier{err: enginerr.Transientf("cloud down")}
	local := &scriptedClassifier{err: enginerr.Transientf("local down")}

	sel := NewWeightedSelector(logger.NewNop(),
		map[string]Classifier{"gemini": cloud, "ollama": local},
		map[string]float64{"gemini": 1.0, "ollama": 0.5})

	_, err := sel.Classify(context.Background(), testArticle())
	require.Error(t, err)
	assert.True(t, enginerr.IsKind(err, enginerr.KindTransient))
	assert.Equal(t, 1, cloud.calls)
	assert.Equal(t, 1, local.calls)
}

func TestWeightedSelectorExcludesZeroWeight(t *testing.T) {
	cloud := &scriptedClassifier{result: positiveClassification()}
	local := &scriptedClassifier{result: positiveClassification()}

	sel := NewWeightedSelector(logger.NewNop(),
		map[string]Classifier{"gemini": cloud, "ollama": local},
		map[string]float64{"gemini": 0, "ollama": 0.5})

	_, err := sel.Classify(context.Background(), testArticle())
	require.NoError(t, err)
	assert.Zero(t, cloud.calls)
	assert.Equal(t, 1, local.calls)
}

func TestWeightedSelectorEmptyChainIsConfigError(t *testing.T) {
	sel := NewWeightedSelector(logger.NewNop(), map[string]Classifier{}, nil)
	_, err := sel.Classify(context.Background(), testArticle())
	assert.True(t, enginerr.IsKind(err, enginerr.KindConfig))
}
