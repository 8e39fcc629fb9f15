// Package collector implements the scheduled acquisition layer: OHLCV
// snapshots over HTTP/CSV and financial news over RSS.
package collector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

// Retry policy for upstream requests.
const (
	maxRetries       = 3
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 5 * time.Minute
)

// PriceResult summarises one collection run.
type PriceResult struct {
	Symbols       int `json:"symbols"`
	BarsWritten   int `json:"bars_written"`
	Duplicates    int `json:"duplicates"`
	MalformedRows int `json:"malformed_rows"`
	Failures      int `json:"failures"`
}

// PriceCollector fetches the latest OHLCV snapshots for every monitored
// stock. Bars are idempotent by (stock, timestamp) and appended only.
type PriceCollector struct {
	cfg        *config.Config
	log        *logger.Logger
	stocksRepo repository.StocksRepository
	ohlcvRepo  repository.OHLCVRepository
	client     *http.Client
	limiter    *rate.Limiter
}

// NewPriceCollector creates a PriceCollector. The rate limiter is shared
// across the fan-out so the upstream sees at most the configured
// requests per second.
func NewPriceCollector(cfg *config.Config, log *logger.Logger, stocksRepo repository.StocksRepository, ohlcvRepo repository.OHLCVRepository) *PriceCollector {
	return &PriceCollector{
		cfg:        cfg,
		log:        log,
		stocksRepo: stocksRepo,
		ohlcvRepo:  ohlcvRepo,
		client: &http.Client{
			Timeout: time.Duration(cfg.Collector.RequestTimeoutSecond) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.Collector.RequestsPerSecond), 1),
	}
}

// Collect runs one collection pass over the monitored universe. A failing
// symbol never aborts the batch.
func (c *PriceCollector) Collect(ctx context.Context) (*PriceResult, error) {
	stocks, err := c.stocksRepo.GetMonitoredStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored stocks: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = PriceResult{Symbols: len(stocks)}
	)

	semaphore := make(chan struct{}, c.cfg.Collector.MaxConcurrency)
	for _, stock := range stocks {
		if !utils.ShouldContinue(ctx, c.log) {
			break
		}
		symbol := stock.Symbol
		wg.Add(1)
		utils.GoSafe(func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			written, duplicates, malformed, err := c.collectSymbol(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			result.BarsWritten += written
			result.Duplicates += duplicates
			result.MalformedRows += malformed
			if err != nil {
				result.Failures++
				c.log.Error("Price collection failed for symbol",
					logger.ErrorField(err),
					logger.StringField("symbol", symbol),
				)
			}
		})
	}
	wg.Wait()

	c.log.Info("Price collection finished",
		logger.IntField("symbols", result.Symbols),
		logger.IntField("bars_written", result.BarsWritten),
		logger.IntField("duplicates", result.Duplicates),
		logger.IntField("malformed_rows", result.MalformedRows),
		logger.IntField("failures", result.Failures),
	)
	return &result, nil
}

func (c *PriceCollector) collectSymbol(ctx context.Context, symbol string) (written, duplicates, malformed int, err error) {
	body, err := c.fetchCSV(ctx, symbol)
	if err != nil {
		return 0, 0, 0, err
	}

	bars, malformed := c.parseCSV(symbol, body)
	for _, bar := range bars {
		inserted, err := c.ohlcvRepo.AppendBar(ctx, &bar)
		if err != nil {
			return written, duplicates, malformed, fmt.Errorf("failed to append bar: %w", err)
		}
		if inserted {
			written++
		} else {
			duplicates++
		}
	}
	return written, duplicates, malformed, nil
}

// fetchCSV downloads the snapshot CSV with retries and exponential backoff.
func (c *PriceCollector) fetchCSV(ctx context.Context, symbol string) (string, error) {
	url := fmt.Sprintf("%s/%s.csv", strings.TrimRight(c.cfg.Collector.PriceBaseURL, "/"), symbol)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
			select {
			case <-ctx.Done():
				return "", enginerr.Transient(ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", enginerr.Transient(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			if permanentStatus(resp.StatusCode) {
				// A 404/403 for a symbol will not heal on retry; drop the
				// item and keep the batch moving.
				return "", enginerr.Malformed(lastErr)
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return string(data), nil
	}
	return "", enginerr.Transient(fmt.Errorf("retries exhausted for %s: %w", symbol, lastErr))
}

// permanentStatus reports whether an upstream status is a permanent
// rejection. 429 and 5xx stay retriable.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// parseCSV maps `Date,Time,Open,High,Low,Close,Volume` lines in exchange
// local time onto UTC minute bars. Malformed lines are dropped and counted.
func (c *PriceCollector) parseCSV(symbol, body string) ([]entity.OHLCVBar, int) {
	reader := csv.NewReader(strings.NewReader(body))
	reader.FieldsPerRecord = -1

	var (
		bars      []entity.OHLCVBar
		malformed int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			malformed++
			continue
		}
		if len(record) > 0 && strings.EqualFold(record[0], "Date") {
			continue // header
		}

		bar, err := parseBarRecord(symbol, record)
		if err != nil {
			malformed++
			c.log.Debug("Dropping malformed CSV row",
				logger.ErrorField(err),
				logger.StringField("symbol", symbol),
			)
			continue
		}
		if !bar.Validate() {
			malformed++
			c.log.Warn("Dropping bar violating price invariants",
				logger.StringField("symbol", symbol),
				logger.StringField("timestamp", bar.Timestamp.Format(time.RFC3339)),
			)
			continue
		}
		bars = append(bars, *bar)
	}
	return bars, malformed
}

func parseBarRecord(symbol string, record []string) (*entity.OHLCVBar, error) {
	if len(record) < 7 {
		return nil, enginerr.Malformedf("expected 7 fields, got %d", len(record))
	}

	localTime, err := time.ParseInLocation("2006-01-02 15:04", record[0]+" "+record[1], utils.WarsawLocation())
	if err != nil {
		return nil, enginerr.Malformed(fmt.Errorf("bad timestamp: %w", err))
	}

	prices := make([]decimal.Decimal, 4)
	for i, field := range record[2:6] {
		d, err := decimal.NewFromString(strings.TrimSpace(field))
		if err != nil {
			return nil, enginerr.Malformed(fmt.Errorf("bad price %q: %w", field, err))
		}
		prices[i] = d.RoundBank(4)
	}

	volume, err := strconv.ParseInt(strings.TrimSpace(record[6]), 10, 64)
	if err != nil {
		return nil, enginerr.Malformed(fmt.Errorf("bad volume %q: %w", record[6], err))
	}
	if volume < 0 {
		return nil, enginerr.Malformedf("negative volume %d", volume)
	}

	return &entity.OHLCVBar{
		StockSymbol: symbol,
		Interval:    entity.BarIntervalMinute,
		Timestamp:   localTime.UTC().Truncate(time.Minute),
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      volume,
	}, nil
}
