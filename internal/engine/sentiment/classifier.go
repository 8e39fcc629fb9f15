// Package sentiment adapts external LLM providers to the engine's
// article-classification interface. Providers are opaque; failures are
// surfaced as transient or permanent so the caller can decide whether an
// article is retried on the next cycle.
package sentiment

import (
	"context"

	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
)

// Classifier turns an article into a Classification.
type Classifier interface {
	// Classify enforces a per-call deadline through ctx. A transient
	// error leaves the article unclassified for the next cycle; a
	// permanent error marks it as neutral/minimal so it is not retried
	// forever.
	Classify(ctx context.Context, article *entity.NewsArticle) (*repository.Classification, error)
}

// NeutralClassification is the well-defined zero-news result: neutral
// overall, minimal impact, neutral per-stock entries for every mentioned
// symbol.
func NeutralClassification(article *entity.NewsArticle) *repository.Classification {
	perStock := make([]entity.StockSentiment, 0, len(article.MentionedStocks))
	for _, symbol := range article.MentionedStocks {
		perStock = append(perStock, entity.StockSentiment{
			StockSymbol:    symbol,
			SentimentScore: 0,
			Confidence:     0,
			Relevance:      0,
		})
	}
	return &repository.Classification{
		OverallSentiment: entity.SentimentNeutral,
		SentimentScore:   0,
		Confidence:       0,
		Impact:           entity.ImpactMinimal,
		PerStock:         perStock,
	}
}

// StubClassifier always returns the neutral/minimal classification. It is
// a valid provider; engines running with it produce news-neutral signals.
type StubClassifier struct{}

func (StubClassifier) Classify(_ context.Context, article *entity.NewsArticle) (*repository.Classification, error) {
	return NeutralClassification(article), nil
}
