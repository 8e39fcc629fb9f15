package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/ratelimit"
)

// geminiResponse is the JSON payload the prompt asks the model for.
type geminiResponse struct {
	OverallSentiment string             `json:"overall_sentiment"`
	SentimentScore   float64            `json:"sentiment_score"`
	Confidence       float64            `json:"confidence"`
	Impact           string             `json:"impact"`
	PerStock         []geminiStockEntry `json:"per_stock"`
}

type geminiStockEntry struct {
	Symbol         string  `json:"symbol"`
	SentimentScore float64 `json:"sentiment_score"`
	Confidence     float64 `json:"confidence"`
	Relevance      float64 `json:"relevance"`
}

// GeminiClassifier classifies Polish financial news with the Google
// Gemini API under request and token rate limits.
type GeminiClassifier struct {
	cfg            *config.Config
	log            *logger.Logger
	genAiClient    *genai.Client
	requestLimiter *rate.Limiter
	tokenLimiter   *ratelimit.TokenLimiter
	timeout        time.Duration
}

// NewGeminiClassifier creates a Gemini-backed Classifier.
func NewGeminiClassifier(cfg *config.Config, log *logger.Logger, genAiClient *genai.Client) *GeminiClassifier {
	secondsPerRequest := time.Minute / time.Duration(cfg.Gemini.MaxRequestPerMinute)
	return &GeminiClassifier{
		cfg:            cfg,
		log:            log,
		genAiClient:    genAiClient,
		requestLimiter: rate.NewLimiter(rate.Every(secondsPerRequest), 1),
		tokenLimiter:   ratelimit.NewTokenLimiter(cfg.Gemini.MaxTokenPerMinute),
		timeout:        time.Duration(cfg.AI.ClassifyTimeoutSecond) * time.Second,
	}
}

// Classify sends the article to Gemini and parses the structured result.
func (c *GeminiClassifier) Classify(ctx context.Context, article *entity.NewsArticle) (*repository.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildClassifyPrompt(article)

	contents := []*genai.Content{genai.NewContentFromText(prompt, "user")}
	tokenResp, err := c.genAiClient.Models.CountTokens(ctx, c.cfg.Gemini.Model, contents, nil)
	if err != nil {
		return nil, enginerr.Transient(fmt.Errorf("failed to count tokens: %w", err))
	}

	c.log.Debug("Gemini token count",
		logger.IntField("total_tokens", int(tokenResp.TotalTokens)),
		logger.IntField("remaining", c.tokenLimiter.GetRemaining()),
	)

	if err := c.tokenLimiter.Wait(ctx, int(tokenResp.TotalTokens)); err != nil {
		return nil, enginerr.Transient(fmt.Errorf("failed to wait for token limit: %w", err))
	}
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return nil, enginerr.Transient(fmt.Errorf("failed to wait for request limit: %w", err))
	}

	resp, err := c.genAiClient.Models.GenerateContent(ctx, c.cfg.Gemini.Model, contents, nil)
	if err != nil {
		return nil, enginerr.Transient(fmt.Errorf("gemini request failed: %w", err))
	}

	raw := resp.Text()
	if raw == "" {
		return nil, enginerr.Transientf("gemini returned no content")
	}

	parsed, err := parseClassifyResponse(raw)
	if err != nil {
		// The model answered but not in the contract; retrying the same
		// article is unlikely to help.
		return nil, enginerr.Malformed(err)
	}

	return toClassification(parsed, article), nil
}

func parseClassifyResponse(raw string) (*geminiResponse, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var parsed geminiResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classification from response: %w", err)
	}
	return &parsed, nil
}

// toClassification maps the provider payload onto the store contract,
// keeping only per-stock entries for symbols the article actually mentions.
func toClassification(parsed *geminiResponse, article *entity.NewsArticle) *repository.Classification {
	mentioned := make(map[string]bool, len(article.MentionedStocks))
	for _, s := range article.MentionedStocks {
		mentioned[s] = true
	}

	perStock := make([]entity.StockSentiment, 0, len(parsed.PerStock))
	for _, ps := range parsed.PerStock {
		symbol := strings.ToUpper(strings.TrimSpace(ps.Symbol))
		if !mentioned[symbol] {
			continue
		}
		perStock = append(perStock, entity.StockSentiment{
			StockSymbol:    symbol,
			SentimentScore: clamp(ps.SentimentScore, -1, 1),
			Confidence:     clamp(ps.Confidence, 0, 1),
			Relevance:      clamp(ps.Relevance, 0, 1),
		})
	}

	return &repository.Classification{
		OverallSentiment: normaliseSentiment(parsed.OverallSentiment),
		SentimentScore:   clamp(parsed.SentimentScore, -1, 1),
		Confidence:       clamp(parsed.Confidence, 0, 1),
		Impact:           normaliseImpact(parsed.Impact),
		PerStock:         perStock,
	}
}

func normaliseSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case entity.SentimentPositive:
		return entity.SentimentPositive
	case entity.SentimentNegative:
		return entity.SentimentNegative
	default:
		return entity.SentimentNeutral
	}
}

func normaliseImpact(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case entity.ImpactVeryHigh:
		return entity.ImpactVeryHigh
	case entity.ImpactHigh:
		return entity.ImpactHigh
	case entity.ImpactMedium:
		return entity.ImpactMedium
	case entity.ImpactLow:
		return entity.ImpactLow
	default:
		return entity.ImpactMinimal
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func buildClassifyPrompt(article *entity.NewsArticle) string {
	var b strings.Builder
	b.WriteString("You are a financial analyst for the Warsaw Stock Exchange (GPW). ")
	b.WriteString("Classify the market sentiment of the following Polish-language news article.\n\n")
	b.WriteString("Title: " + article.Title + "\n")
	b.WriteString("Published: " + article.PublishedAt.Format(time.RFC3339) + "\n")
	b.WriteString("Mentioned stock symbols: " + strings.Join(article.MentionedStocks, ", ") + "\n\n")
	b.WriteString("Article:\n" + article.Body + "\n\n")
	b.WriteString("Respond with JSON only, no prose, in this exact shape:\n")
	b.WriteString(`{"overall_sentiment":"positive|neutral|negative","sentiment_score":-1.0..1.0,` +
		`"confidence":0.0..1.0,"impact":"minimal|low|medium|high|very_high",` +
		`"per_stock":[{"symbol":"XXX","sentiment_score":-1.0..1.0,"confidence":0.0..1.0,"relevance":0.0..1.0}]}` + "\n")
	b.WriteString("Only include per_stock entries for the mentioned symbols listed above.")
	return b.String()
}
