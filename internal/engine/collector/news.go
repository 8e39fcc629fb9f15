package collector

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/engine/sentiment"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

const (
	seenCacheTTL     = 24 * time.Hour
	seenCacheCleanup = 1 * time.Hour
	maxBodyRunes     = 20000
)

// NewsResult summarises one news collection run.
type NewsResult struct {
	FeedsPolled    int `json:"feeds_polled"`
	ArticlesStored int `json:"articles_stored"`
	Duplicates     int `json:"duplicates"`
	NoMentions     int `json:"no_mentions"`
	Malformed      int `json:"malformed"`
	Failures       int `json:"failures"`
}

// ClassifyResult summarises one classification pass.
type ClassifyResult struct {
	Classified      int `json:"classified"`
	MarkedNeutral   int `json:"marked_neutral"`
	TransientErrors int `json:"transient_errors"`
}

// symbolMatcher matches one stock by ticker or company name on word
// boundaries, case-insensitively.
type symbolMatcher struct {
	symbol  string
	pattern *regexp.Regexp
}

// NewsCollector polls the configured RSS feeds, extracts readable article
// bodies, matches GPW tickers and company names, and stores new articles.
// Classification runs as a separate pass so a slow LLM never blocks feed
// polling.
type NewsCollector struct {
	cfg        *config.Config
	log        *logger.Logger
	stocksRepo repository.StocksRepository
	newsRepo   repository.NewsRepository
	classifier sentiment.Classifier
	parser     *gofeed.Parser
	client     *http.Client
	limiter    *rate.Limiter
	seen       *gocache.Cache
}

func NewNewsCollector(cfg *config.Config, log *logger.Logger, stocksRepo repository.StocksRepository, newsRepo repository.NewsRepository, classifier sentiment.Classifier) *NewsCollector {
	client := &http.Client{
		Timeout: time.Duration(cfg.Collector.RequestTimeoutSecond) * time.Second,
	}
	parser := gofeed.NewParser()
	parser.Client = client
	return &NewsCollector{
		cfg:        cfg,
		log:        log,
		stocksRepo: stocksRepo,
		newsRepo:   newsRepo,
		classifier: classifier,
		parser:     parser,
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Collector.RequestsPerSecond), 1),
		seen:       gocache.New(seenCacheTTL, seenCacheCleanup),
	}
}

// Collect polls every enabled feed once. Feeds fail independently.
func (c *NewsCollector) Collect(ctx context.Context) (*NewsResult, error) {
	stocks, err := c.stocksRepo.GetMonitoredStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored stocks: %w", err)
	}
	matchers := buildMatchers(stocks)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result NewsResult
	)

	semaphore := make(chan struct{}, c.cfg.Collector.MaxConcurrency)
	for _, feed := range c.cfg.Feeds {
		if !feed.Enabled {
			continue
		}
		if !utils.ShouldContinue(ctx, c.log) {
			break
		}
		feed := feed
		wg.Add(1)
		utils.GoSafe(func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			partial, err := c.collectFeed(ctx, feed, matchers)
			mu.Lock()
			defer mu.Unlock()
			result.FeedsPolled++
			result.ArticlesStored += partial.ArticlesStored
			result.Duplicates += partial.Duplicates
			result.NoMentions += partial.NoMentions
			result.Malformed += partial.Malformed
			if err != nil {
				result.Failures++
				c.log.Error("News feed collection failed",
					logger.ErrorField(err),
					logger.StringField("feed", feed.ID),
				)
			}
		})
	}
	wg.Wait()

	c.log.Info("News collection finished",
		logger.IntField("feeds_polled", result.FeedsPolled),
		logger.IntField("articles_stored", result.ArticlesStored),
		logger.IntField("duplicates", result.Duplicates),
		logger.IntField("no_mentions", result.NoMentions),
		logger.IntField("malformed", result.Malformed),
		logger.IntField("failures", result.Failures),
	)
	return &result, nil
}

func (c *NewsCollector) collectFeed(ctx context.Context, feed config.Feed, matchers []symbolMatcher) (NewsResult, error) {
	var result NewsResult

	if err := c.limiter.Wait(ctx); err != nil {
		return result, enginerr.Transient(err)
	}
	parsed, err := c.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return result, enginerr.Transient(fmt.Errorf("failed to parse feed: %w", err))
	}

	for _, item := range parsed.Items {
		if !utils.ShouldContinue(ctx, c.log) {
			break
		}
		link := strings.TrimSpace(item.Link)
		if link == "" || strings.TrimSpace(item.Title) == "" {
			result.Malformed++
			continue
		}

		if _, found := c.seen.Get(link); found {
			result.Duplicates++
			continue
		}
		exists, err := c.newsRepo.ExistsByURL(ctx, link)
		if err != nil {
			return result, err
		}
		if exists {
			c.seen.Set(link, true, gocache.DefaultExpiration)
			result.Duplicates++
			continue
		}

		article, err := c.buildArticle(ctx, feed, item, matchers)
		if err != nil {
			result.Malformed++
			c.log.Debug("Skipping article",
				logger.ErrorField(err),
				logger.StringField("url", link),
			)
			continue
		}
		if article == nil {
			result.NoMentions++
			c.seen.Set(link, true, gocache.DefaultExpiration)
			continue
		}

		created, err := c.newsRepo.CreateIgnoreConflict(ctx, article)
		if err != nil {
			return result, err
		}
		c.seen.Set(link, true, gocache.DefaultExpiration)
		if created {
			result.ArticlesStored++
		} else {
			result.Duplicates++
		}
	}
	return result, nil
}

// buildArticle extracts the body, matches tickers and names, and returns
// nil when no monitored stock is mentioned.
func (c *NewsCollector) buildArticle(ctx context.Context, feed config.Feed, item *gofeed.Item, matchers []symbolMatcher) (*entity.NewsArticle, error) {
	publishedAt := time.Now().UTC()
	if item.PublishedParsed != nil {
		publishedAt = item.PublishedParsed.UTC()
	}

	body := htmlToText(item.Content)
	if body == "" {
		body = htmlToText(item.Description)
	}
	if body == "" {
		fetched, err := c.fetchReadableBody(ctx, item.Link)
		if err != nil {
			c.log.Debug("Falling back to title-only article",
				logger.ErrorField(err),
				logger.StringField("url", item.Link),
			)
		}
		body = fetched
	}
	body = truncateRunes(body, maxBodyRunes)

	mentions := matchMentions(item.Title+"\n"+body, matchers)
	if len(mentions) == 0 {
		return nil, nil
	}

	return &entity.NewsArticle{
		Source:          feed.ID,
		URL:             strings.TrimSpace(item.Link),
		Title:           strings.TrimSpace(item.Title),
		Body:            body,
		PublishedAt:     publishedAt,
		MentionedStocks: mentions,
	}, nil
}

// fetchReadableBody downloads the article page and extracts its main text.
func (c *NewsCollector) fetchReadableBody(ctx context.Context, url string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	parsedArticle, err := readability.FromReader(resp.Body, resp.Request.URL)
	if err != nil {
		return "", fmt.Errorf("readability extraction failed: %w", err)
	}
	if parsedArticle.TextContent != "" {
		return strings.TrimSpace(parsedArticle.TextContent), nil
	}
	return htmlToText(parsedArticle.Content), nil
}

// ClassifyPending classifies up to the configured batch of unclassified
// articles. Transient provider errors leave the article for the next
// cycle; malformed provider output pins the article to the neutral
// classification so it is never retried.
func (c *NewsCollector) ClassifyPending(ctx context.Context) (*ClassifyResult, error) {
	articles, err := c.newsRepo.FindUnclassified(ctx, c.cfg.Collector.ClassifyBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unclassified articles: %w", err)
	}

	var result ClassifyResult
	for i := range articles {
		if !utils.ShouldContinue(ctx, c.log) {
			break
		}
		article := &articles[i]

		classification, err := c.classifier.Classify(ctx, article)
		if err != nil {
			if enginerr.IsKind(err, enginerr.KindMalformed) {
				classification = sentiment.NeutralClassification(article)
				result.MarkedNeutral++
				c.log.Warn("Classifier output unusable, pinning article to neutral",
					logger.ErrorField(err),
					logger.StringField("url", article.URL),
				)
			} else {
				result.TransientErrors++
				c.log.Error("Classification failed, will retry next cycle",
					logger.ErrorField(err),
					logger.StringField("url", article.URL),
				)
				continue
			}
		} else {
			result.Classified++
		}

		if err := c.newsRepo.AttachClassification(ctx, article.ID, *classification); err != nil {
			return &result, fmt.Errorf("failed to attach classification: %w", err)
		}
	}

	c.log.Info("Classification pass finished",
		logger.IntField("classified", result.Classified),
		logger.IntField("marked_neutral", result.MarkedNeutral),
		logger.IntField("transient_errors", result.TransientErrors),
	)
	return &result, nil
}

// buildMatchers compiles one case-insensitive word-boundary pattern per
// monitored stock covering the ticker and the company name.
func buildMatchers(stocks []entity.Stock) []symbolMatcher {
	matchers := make([]symbolMatcher, 0, len(stocks))
	for _, stock := range stocks {
		terms := []string{regexp.QuoteMeta(stock.Symbol)}
		if name := strings.TrimSpace(stock.Name); name != "" {
			terms = append(terms, regexp.QuoteMeta(name))
		}
		pattern, err := regexp.Compile(`(?i)\b(` + strings.Join(terms, "|") + `)\b`)
		if err != nil {
			continue
		}
		matchers = append(matchers, symbolMatcher{symbol: stock.Symbol, pattern: pattern})
	}
	return matchers
}

func matchMentions(text string, matchers []symbolMatcher) []string {
	var mentions []string
	for _, m := range matchers {
		if m.pattern.MatchString(text) {
			mentions = append(mentions, m.symbol)
		}
	}
	return mentions
}

// htmlToText strips markup and collapses whitespace.
func htmlToText(html string) string {
	html = strings.TrimSpace(html)
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
