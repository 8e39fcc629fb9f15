package sentiment

import (
	"context"
	"sort"

	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
)

// weightedProvider pairs a provider with its configured weight.
type weightedProvider struct {
	name       string
	weight     float64
	classifier Classifier
}

// WeightedSelector tries providers in descending weight order. A transient
// failure falls through to the next provider; a permanent failure stops the
// chain because a different provider will read the same broken article.
type WeightedSelector struct {
	providers []weightedProvider
	log       *logger.Logger
}

// NewWeightedSelector orders the named providers by their configured
// weight. A provider with no configured weight gets weight 1; a provider
// with weight 0 or below is excluded. Equal weights tie-break on name so
// the order stays deterministic across restarts.
func NewWeightedSelector(log *logger.Logger, classifiers map[string]Classifier, weights map[string]float64) *WeightedSelector {
	providers := make([]weightedProvider, 0, len(classifiers))
	for name, classifier := range classifiers {
		weight := 1.0
		if w, ok := weights[name]; ok {
			weight = w
		}
		if weight <= 0 {
			continue
		}
		providers = append(providers, weightedProvider{name: name, weight: weight, classifier: classifier})
	}
	sort.Slice(providers, func(i, j int) bool {
		if providers[i].weight != providers[j].weight {
			return providers[i].weight > providers[j].weight
		}
		return providers[i].name < providers[j].name
	})
	return &WeightedSelector{providers: providers, log: log}
}

// Classify walks the provider chain until one answers.
func (s *WeightedSelector) Classify(ctx context.Context, article *entity.NewsArticle) (*repository.Classification, error) {
	if len(s.providers) == 0 {
		return nil, enginerr.Configf("no sentiment provider configured with a positive weight")
	}

	var lastErr error
	for _, p := range s.providers {
		classification, err := p.classifier.Classify(ctx, article)
		if err == nil {
			return classification, nil
		}
		if !enginerr.IsKind(err, enginerr.KindTransient) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("Sentiment provider unavailable, trying next",
			logger.ErrorField(err),
			logger.StringField("provider", p.name),
		)
	}
	return nil, lastErr
}
