package config

import (
	"fmt"
	"sync"
	"time"

	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/pkg/config"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/mailer"
)

// Signal profiles select confidence-adjustment magnitudes.
const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// Scheduler holds the coordinator settings.
type Scheduler struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// Session holds the trading-window bounds in Warsaw local time.
type Session struct {
	OpenLocal  string `mapstructure:"open_local"`
	CloseLocal string `mapstructure:"close_local"`
}

// Calendar holds holiday overrides.
type Calendar struct {
	ExtraHolidays []string `mapstructure:"extra_holidays"`
}

// News holds the time-weighted analyzer settings.
type News struct {
	Profile         string             `mapstructure:"profile"`
	HalfLifeMinutes int                `mapstructure:"half_life_minutes"`
	SourceWeights   map[string]float64 `mapstructure:"source_weights"`
	LookbackDays    int                `mapstructure:"lookback_days"`
}

// Feed is one configured RSS source.
type Feed struct {
	ID      string `mapstructure:"id"`
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// Collector holds acquisition settings shared by the price and news collectors.
type Collector struct {
	MaxConcurrency       int     `mapstructure:"max_concurrency"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	RequestTimeoutSecond int     `mapstructure:"request_timeout_seconds"`
	PriceBaseURL         string  `mapstructure:"price_base_url"`
	ClassifyBatchSize    int     `mapstructure:"classify_batch_size"`
}

// Dispatch holds the dispatcher settings.
type Dispatch struct {
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
	QueueSize           int `mapstructure:"queue_size"`
	SendTimeoutSeconds  int `mapstructure:"send_timeout_seconds"`
}

// Gemini holds the cloud LLM provider settings.
type Gemini struct {
	APIKey              string `mapstructure:"api_key"`
	Model               string `mapstructure:"model"`
	MaxRequestPerMinute int    `mapstructure:"max_request_per_minute"`
	MaxTokenPerMinute   int    `mapstructure:"max_token_per_minute"`
}

// Ollama holds the local LLM provider settings.
type Ollama struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// AI selects the sentiment provider. With provider "auto" every configured
// provider joins a weighted chain tried in descending weight order.
type AI struct {
	Provider              string             `mapstructure:"provider"`
	ClassifyTimeoutSecond int                `mapstructure:"classify_timeout_seconds"`
	Weights               map[string]float64 `mapstructure:"weights"`
}

// Telegram holds the bot transport settings.
type Telegram struct {
	BotToken string `mapstructure:"bot_token"`
}

// Config is the process-wide engine configuration.
type Config struct {
	App           config.App      `mapstructure:"app"`
	Logger        config.Logger   `mapstructure:"logger"`
	Database      config.Database `mapstructure:"database"`
	Redis         config.Redis    `mapstructure:"redis"`
	API           config.API      `mapstructure:"api"`
	Scheduler     Scheduler       `mapstructure:"scheduler"`
	Session       Session         `mapstructure:"session"`
	Calendar      Calendar        `mapstructure:"calendar"`
	SignalProfile string          `mapstructure:"signal_profile"`
	News          News            `mapstructure:"news"`
	Feeds         []Feed          `mapstructure:"feeds"`
	Collector     Collector       `mapstructure:"collector"`
	Dispatch      Dispatch        `mapstructure:"dispatch"`
	AI            AI              `mapstructure:"ai"`
	Gemini        Gemini          `mapstructure:"gemini"`
	Ollama        Ollama          `mapstructure:"ollama"`
	Telegram      Telegram        `mapstructure:"telegram"`
	SMTP          mailer.Config   `mapstructure:"smtp"`
}

// Load reads and validates the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := config.Load(path, &cfg); err != nil {
		return nil, enginerr.Config(fmt.Errorf("failed to load config: %w", err))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.TickIntervalSeconds <= 0 {
		c.Scheduler.TickIntervalSeconds = 60
	}
	if c.SignalProfile == "" {
		c.SignalProfile = ProfileBalanced
	}
	if c.News.HalfLifeMinutes == 0 {
		c.News.HalfLifeMinutes = 120
	}
	if c.News.LookbackDays <= 0 {
		c.News.LookbackDays = 7
	}
	if c.News.Profile == "" {
		c.News.Profile = "intraday-default"
	}
	if c.Collector.MaxConcurrency <= 0 {
		c.Collector.MaxConcurrency = 8
	}
	if c.Collector.RequestsPerSecond <= 0 {
		c.Collector.RequestsPerSecond = 5
	}
	if c.Collector.RequestTimeoutSecond <= 0 {
		c.Collector.RequestTimeoutSecond = 15
	}
	if c.Collector.ClassifyBatchSize <= 0 {
		c.Collector.ClassifyBatchSize = 5
	}
	if c.Dispatch.RetryBackoffSeconds <= 0 {
		c.Dispatch.RetryBackoffSeconds = 30
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 64
	}
	if c.Dispatch.SendTimeoutSeconds <= 0 {
		c.Dispatch.SendTimeoutSeconds = 10
	}
	if c.AI.ClassifyTimeoutSecond <= 0 {
		c.AI.ClassifyTimeoutSecond = 60
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "llama3"
	}
	if c.Session.OpenLocal == "" {
		c.Session.OpenLocal = "09:00"
	}
	if c.Session.CloseLocal == "" {
		c.Session.CloseLocal = "17:00"
	}
}

// Validate rejects unknown profiles and out-of-range weights.
func (c *Config) Validate() error {
	switch c.SignalProfile {
	case ProfileConservative, ProfileBalanced, ProfileAggressive:
	default:
		return enginerr.Configf("unknown signal profile %q", c.SignalProfile)
	}
	if c.News.HalfLifeMinutes < 15 || c.News.HalfLifeMinutes > 1440 {
		return enginerr.Configf("news half_life_minutes %d out of range [15, 1440]", c.News.HalfLifeMinutes)
	}
	for id, w := range c.News.SourceWeights {
		if w < 0 || w > 2 {
			return enginerr.Configf("source weight %.2f for feed %q out of range [0, 2]", w, id)
		}
	}
	for name, w := range c.AI.Weights {
		switch name {
		case "gemini", "ollama", "stub":
		default:
			return enginerr.Configf("unknown AI provider %q in ai.weights", name)
		}
		if w < 0 {
			return enginerr.Configf("ai weight %.2f for provider %q must not be negative", w, name)
		}
	}
	for _, d := range c.Calendar.ExtraHolidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return enginerr.Configf("invalid extra holiday %q", d)
		}
	}
	return nil
}

// Reloader re-reads the configuration on a fixed period, keeping the
// previous configuration when a reload fails.
type Reloader struct {
	mu      sync.RWMutex
	path    string
	current *Config
	log     *logger.Logger
}

// NewReloader wraps an already loaded configuration.
func NewReloader(path string, initial *Config, log *logger.Logger) *Reloader {
	return &Reloader{path: path, current: initial, log: log}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload attempts one reload. A validation failure leaves the active
// configuration untouched.
func (r *Reloader) Reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Error("Config reload failed, keeping previous configuration", logger.ErrorField(err))
		return
	}
	r.mu.Lock()
	r.current = cfg
	r.mu.Unlock()
	r.log.Info("Configuration reloaded", logger.StringField("path", r.path))
}
