package entity

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Sentiment labels assigned by the classifier.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Impact levels, ordered by market-moving potential.
const (
	ImpactMinimal  = "minimal"
	ImpactLow      = "low"
	ImpactMedium   = "medium"
	ImpactHigh     = "high"
	ImpactVeryHigh = "very_high"
)

// NewsArticle is a scraped Polish-language financial news item. It is
// written once by the news collector and mutated exactly once when its
// classification is attached.
type NewsArticle struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Source          string         `gorm:"not null" json:"source"`
	URL             string         `gorm:"uniqueIndex;not null" json:"url"`
	Title           string         `gorm:"not null" json:"title"`
	Body            string         `json:"body"`
	PublishedAt     time.Time      `gorm:"index;not null" json:"published_at"`
	MentionedStocks pq.StringArray `gorm:"type:text[]" json:"mentioned_stocks"`

	// Classification fields, null until the sentiment classifier has run.
	ClassifiedAt     *time.Time     `json:"classified_at,omitempty"`
	OverallSentiment string         `json:"overall_sentiment,omitempty"`
	SentimentScore   float64        `json:"sentiment_score"`
	Confidence       float64        `json:"confidence"`
	Impact           string         `json:"impact,omitempty"`
	StockSentiments  []StockSentiment `gorm:"foreignKey:NewsArticleID" json:"stock_sentiments"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (NewsArticle) TableName() string {
	return "news_articles"
}

// IsClassified reports whether the sentiment classifier has processed the article.
func (a *NewsArticle) IsClassified() bool {
	return a.ClassifiedAt != nil
}

// StockSentiment is the per-stock slice of an article's classification. It
// may only reference symbols present in the article's MentionedStocks.
type StockSentiment struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	NewsArticleID  uint      `gorm:"index;not null" json:"news_article_id"`
	StockSymbol    string    `gorm:"index;not null" json:"stock_symbol"`
	SentimentScore float64   `gorm:"not null" json:"sentiment_score"`
	Confidence     float64   `gorm:"not null" json:"confidence"`
	Relevance      float64   `gorm:"not null" json:"relevance"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (StockSentiment) TableName() string {
	return "stock_sentiments"
}
