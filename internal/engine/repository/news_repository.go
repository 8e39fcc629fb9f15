package repository

import (
	"context"
	"fmt"
	"time"

	"gpw-signal-engine/internal/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewsRepository stores scraped articles and their classifications.
type NewsRepository interface {
	// CreateIgnoreConflict inserts the article unless its URL already
	// exists. Returns true when a row was written.
	CreateIgnoreConflict(ctx context.Context, article *entity.NewsArticle) (bool, error)
	// FindUnclassified lists articles the sentiment classifier has not
	// processed yet, oldest first.
	FindUnclassified(ctx context.Context, limit int) ([]entity.NewsArticle, error)
	// AttachClassification writes the overall classification and the
	// per-stock sentiment rows in one transaction.
	AttachClassification(ctx context.Context, articleID uint, overall Classification) error
	// FindClassifiedMentions returns per-stock sentiment entries for the
	// symbol with published_at inside (since, until].
	FindClassifiedMentions(ctx context.Context, symbol string, since, until time.Time) ([]ClassifiedMention, error)
	// ExistsByURL reports whether an article with the URL is already stored.
	ExistsByURL(ctx context.Context, url string) (bool, error)
}

// Classification is the classifier output attached to an article.
type Classification struct {
	OverallSentiment string
	SentimentScore   float64
	Confidence       float64
	Impact           string
	PerStock         []entity.StockSentiment
}

// ClassifiedMention joins an article's metadata with one per-stock
// sentiment entry, the unit the time-weighted analyzer consumes.
type ClassifiedMention struct {
	ArticleID      uint      `json:"article_id"`
	Source         string    `json:"source"`
	Title          string    `json:"title"`
	PublishedAt    time.Time `json:"published_at"`
	Impact         string    `json:"impact"`
	StockSymbol    string    `json:"stock_symbol"`
	SentimentScore float64   `json:"sentiment_score"`
	Confidence     float64   `json:"confidence"`
	Relevance      float64   `json:"relevance"`
}

type newsRepository struct {
	db *gorm.DB
}

func NewNewsRepository(db *gorm.DB) NewsRepository {
	return &newsRepository{db: db}
}

func (r *newsRepository) CreateIgnoreConflict(ctx context.Context, article *entity.NewsArticle) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoNothing: true,
	}).Create(article)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *newsRepository) FindUnclassified(ctx context.Context, limit int) ([]entity.NewsArticle, error) {
	var articles []entity.NewsArticle
	err := r.db.WithContext(ctx).
		Where("classified_at IS NULL").
		Order("published_at ASC").
		Limit(limit).
		Find(&articles).Error
	if err != nil {
		return nil, err
	}
	return articles, nil
}

func (r *newsRepository) AttachClassification(ctx context.Context, articleID uint, c Classification) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&entity.NewsArticle{}).
			Where("id = ? AND classified_at IS NULL", articleID).
			Updates(map[string]interface{}{
				"classified_at":     now,
				"overall_sentiment": c.OverallSentiment,
				"sentiment_score":   c.SentimentScore,
				"confidence":        c.Confidence,
				"impact":            c.Impact,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already classified; classification is attached exactly once.
			return nil
		}

		if len(c.PerStock) == 0 {
			return nil
		}
		for i := range c.PerStock {
			c.PerStock[i].NewsArticleID = articleID
		}
		if err := tx.Create(&c.PerStock).Error; err != nil {
			return fmt.Errorf("insert stock_sentiments error: %w", err)
		}
		return nil
	})
}

func (r *newsRepository) FindClassifiedMentions(ctx context.Context, symbol string, since, until time.Time) ([]ClassifiedMention, error) {
	var mentions []ClassifiedMention
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			na.id AS article_id,
			na.source,
			na.title,
			na.published_at,
			na.impact,
			ss.stock_symbol,
			ss.sentiment_score,
			ss.confidence,
			ss.relevance
		FROM news_articles AS na
		JOIN stock_sentiments AS ss ON ss.news_article_id = na.id
		WHERE ss.stock_symbol = ?
		  AND na.published_at > ? AND na.published_at <= ?
		  AND na.classified_at IS NOT NULL
		  AND na.deleted_at IS NULL
		ORDER BY na.published_at DESC`, symbol, since, until).
		Scan(&mentions).Error
	if err != nil {
		return nil, err
	}
	return mentions, nil
}

func (r *newsRepository) ExistsByURL(ctx context.Context, url string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.NewsArticle{}).
		Where("url = ?", url).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
