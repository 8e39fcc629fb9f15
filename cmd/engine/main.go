package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"gpw-signal-engine/internal/engine/collector"
	"gpw-signal-engine/internal/engine/config"
	httpDelivery "gpw-signal-engine/internal/engine/delivery/http"
	"gpw-signal-engine/internal/engine/dispatch"
	"gpw-signal-engine/internal/engine/enginerr"
	"gpw-signal-engine/internal/engine/indicator"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/newsweight"
	"gpw-signal-engine/internal/engine/outcome"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/engine/scheduler"
	"gpw-signal-engine/internal/engine/sentiment"
	"gpw-signal-engine/internal/engine/signal"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/mailer"
	"gpw-signal-engine/pkg/postgres"
	redisPkg "gpw-signal-engine/pkg/redis"
	"gpw-signal-engine/pkg/telegram"
	"gpw-signal-engine/pkg/utils"
)

const configReloadPeriod = 5 * time.Minute

var configPath string

// engine bundles the wired components every command draws from.
type engine struct {
	cfg      *config.Config
	reloader *config.Reloader
	log      *logger.Logger
	db       *postgres.DB
	redis    *redisPkg.Client
	calendar *marketcalendar.Calendar

	stocksRepo   repository.StocksRepository
	ohlcvRepo    repository.OHLCVRepository
	newsRepo     repository.NewsRepository
	signalRepo   repository.SignalRepository
	usersRepo    repository.UsersRepository
	scheduleRepo repository.ScheduleRepository

	priceCollector *collector.PriceCollector
	newsCollector  *collector.NewsCollector
	generator      *signal.Generator
	dispatcher     *dispatch.Dispatcher
	tracker        *outcome.Tracker
}

func (e *engine) close() {
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	_ = e.log.Sync()
}

// newEngine loads the configuration and wires every component.
func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	appLogger, err := logger.New(cfg.Logger.Level, cfg.Logger.Encoding)
	if err != nil {
		return nil, enginerr.Config(fmt.Errorf("failed to initialize logger: %w", err))
	}

	db, err := postgres.NewDB(postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		TimeZone:        cfg.Database.TimeZone,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, enginerr.Internal(fmt.Errorf("failed to initialize database: %w", err))
	}

	var redisClient *redisPkg.Client
	if cfg.Redis.Host != "" {
		redisClient, err = redisPkg.NewClient(redisPkg.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, enginerr.Internal(fmt.Errorf("failed to initialize redis: %w", err))
		}
	}

	calendar := marketcalendar.New(marketcalendar.SystemClock{},
		cfg.Session.OpenLocal, cfg.Session.CloseLocal, cfg.Calendar.ExtraHolidays)

	stocksRepo := repository.NewStocksRepository(db.DB)
	ohlcvRepo := repository.NewOHLCVRepository(db.DB)
	newsRepo := repository.NewNewsRepository(db.DB)
	signalRepo := repository.NewSignalRepository(db.DB)
	usersRepo := repository.NewUsersRepository(db.DB, redisClient, appLogger)
	scheduleRepo := repository.NewScheduleRepository(db.DB)

	classifier, err := newClassifier(ctx, cfg, appLogger)
	if err != nil {
		return nil, err
	}

	profile, err := newsweight.ProfileByName(cfg.News.Profile, cfg.News.HalfLifeMinutes)
	if err != nil {
		return nil, err
	}
	analyzer := newsweight.NewAnalyzer(profile, calendar, newsRepo, cfg.News.SourceWeights, appLogger)

	var notifier telegram.Notifier
	if cfg.Telegram.BotToken != "" {
		notifier, err = telegram.NewClient(cfg.Telegram.BotToken)
		if err != nil {
			return nil, enginerr.Config(fmt.Errorf("failed to initialize telegram: %w", err))
		}
	}
	var mail mailer.Mailer
	if cfg.SMTP.Host != "" {
		mail = mailer.New(cfg.SMTP)
	}

	return &engine{
		cfg:            cfg,
		reloader:       config.NewReloader(configPath, cfg, appLogger),
		log:            appLogger,
		db:             db,
		redis:          redisClient,
		calendar:       calendar,
		stocksRepo:     stocksRepo,
		ohlcvRepo:      ohlcvRepo,
		newsRepo:       newsRepo,
		signalRepo:     signalRepo,
		usersRepo:      usersRepo,
		scheduleRepo:   scheduleRepo,
		priceCollector: collector.NewPriceCollector(cfg, appLogger, stocksRepo, ohlcvRepo),
		newsCollector:  collector.NewNewsCollector(cfg, appLogger, stocksRepo, newsRepo, classifier),
		generator:      signal.NewGenerator(cfg, appLogger, calendar, stocksRepo, ohlcvRepo, usersRepo, signalRepo, analyzer),
		dispatcher:     dispatch.NewDispatcher(cfg, appLogger, calendar, signalRepo, usersRepo, notifier, mail, redisClient),
		tracker:        outcome.NewTracker(cfg, appLogger, calendar, signalRepo, ohlcvRepo),
	}, nil
}

// newClassifier selects the sentiment provider. With "auto" every
// configured provider joins a weighted chain; the stub is a valid
// provider that yields news-neutral signals.
func newClassifier(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) (sentiment.Classifier, error) {
	newGemini := func() (sentiment.Classifier, error) {
		genAiClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.Gemini.APIKey})
		if err != nil {
			return nil, enginerr.Config(fmt.Errorf("failed to initialize gemini client: %w", err))
		}
		return sentiment.NewGeminiClassifier(cfg, appLogger, genAiClient), nil
	}

	switch cfg.AI.Provider {
	case "gemini":
		return newGemini()
	case "ollama":
		if cfg.Ollama.BaseURL == "" {
			return nil, enginerr.Configf("ollama provider selected but ollama.base_url is empty")
		}
		return sentiment.NewOllamaClassifier(cfg, appLogger), nil
	case "stub":
		return sentiment.StubClassifier{}, nil
	case "", "auto":
		classifiers := map[string]sentiment.Classifier{}
		if cfg.Gemini.APIKey != "" {
			gemini, err := newGemini()
			if err != nil {
				return nil, err
			}
			classifiers["gemini"] = gemini
		}
		if cfg.Ollama.BaseURL != "" {
			classifiers["ollama"] = sentiment.NewOllamaClassifier(cfg, appLogger)
		}
		if len(classifiers) == 0 {
			return sentiment.StubClassifier{}, nil
		}
		return sentiment.NewWeightedSelector(appLogger, classifiers, cfg.AI.Weights), nil
	default:
		return nil, enginerr.Configf("unknown AI provider %q", cfg.AI.Provider)
	}
}

func autoMigrate(e *engine) error {
	return e.db.DB.AutoMigrate(
		&entity.Stock{},
		&entity.OHLCVBar{},
		&entity.NewsArticle{},
		&entity.StockSentiment{},
		&entity.TradingSignal{},
		&entity.SignalOutcome{},
		&entity.SignalDelivery{},
		&entity.User{},
		&entity.UserPreferences{},
		&entity.Schedule{},
		&entity.ScheduleExecution{},
	)
}

// runOneShot wires the engine, runs fn, and exits with the operator code.
func runOneShot(fn func(ctx context.Context, e *engine) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		e, err := newEngine(ctx)
		if err != nil {
			log.Printf("Failed to initialize engine: %v", err)
			os.Exit(enginerr.ExitCode(err))
		}
		defer e.close()

		if err := fn(ctx, e); err != nil {
			e.log.Error("Command failed", logger.ErrorField(err))
			os.Exit(enginerr.ExitCode(err))
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the signal engine scheduler and status endpoint",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := newEngine(ctx)
	if err != nil {
		log.Printf("Failed to initialize engine: %v", err)
		os.Exit(enginerr.ExitCode(err))
	}
	defer e.close()

	e.log.Info("Starting GPW signal engine", logger.StringField("name", e.cfg.App.Name))

	if err := autoMigrate(e); err != nil {
		e.log.Error("Failed to migrate schema", logger.ErrorField(err))
		os.Exit(enginerr.ExitCode(enginerr.Internal(err)))
	}

	e.usersRepo.StartInvalidationListener(ctx)

	// Periodic config reload; a failed reload keeps the previous config.
	utils.GoSafe(func() {
		ticker := time.NewTicker(configReloadPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.reloader.Reload()
			}
		}
	})

	runners := scheduler.Runners{
		CollectPrices: func(ctx context.Context) (int, error) {
			result, err := e.priceCollector.Collect(ctx)
			if err != nil {
				return 0, err
			}
			return result.BarsWritten, nil
		},
		CollectNews: func(ctx context.Context) (int, error) {
			result, err := e.newsCollector.Collect(ctx)
			if err != nil {
				return 0, err
			}
			classified, err := e.newsCollector.ClassifyPending(ctx)
			if err != nil {
				return result.ArticlesStored, err
			}
			return result.ArticlesStored + classified.Classified, nil
		},
		GenerateSignals: func(ctx context.Context) (int, error) {
			result, err := e.generator.GenerateAll(ctx)
			if err != nil {
				return 0, err
			}
			dispatched, err := e.dispatcher.Dispatch(ctx)
			if err != nil {
				return result.NonHold, err
			}
			return result.NonHold + dispatched.Dispatched, nil
		},
		ResolveOutcomes: func(ctx context.Context) (int, error) {
			result, err := e.tracker.Resolve(ctx)
			if err != nil {
				return 0, err
			}
			return result.TargetHits + result.StopHits + result.SessionEnds, nil
		},
		SessionClose: func(ctx context.Context) (int, error) {
			result, err := e.tracker.SessionClose(ctx)
			if err != nil {
				return 0, err
			}
			summaries, err := e.dispatcher.SendDailySummaries(ctx)
			if err != nil {
				return result.SessionEnds, err
			}
			return result.SessionEnds + summaries, nil
		},
	}

	sched := scheduler.New(e.cfg, e.log, e.calendar, e.scheduleRepo, runners)
	utils.GoSafe(func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("Scheduler exited", logger.ErrorField(err))
		}
	})

	server := httpDelivery.NewServer(e.cfg, e.log, e.calendar, e.scheduleRepo)
	utils.GoSafe(func() {
		if err := server.Start(); err != nil {
			e.log.Error("Status endpoint exited", logger.ErrorField(err))
		}
	})

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	e.log.Info("Shutting down signal engine...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.log.Error("Status endpoint shutdown failed", logger.ErrorField(err))
	}
	e.log.Info("Signal engine stopped.")
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Runs one price and news collection pass",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		if _, err := e.priceCollector.Collect(ctx); err != nil {
			return err
		}
		if _, err := e.newsCollector.Collect(ctx); err != nil {
			return err
		}
		_, err := e.newsCollector.ClassifyPending(ctx)
		return err
	}),
}

var computeIndicatorsCmd = &cobra.Command{
	Use:   "compute-indicators",
	Short: "Evaluates the indicator snapshot for every monitored stock",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		stocks, err := e.stocksRepo.GetMonitoredStocks(ctx)
		if err != nil {
			return err
		}
		for _, stock := range stocks {
			bars, err := e.ohlcvRepo.GetLatestBars(ctx, stock.Symbol, entity.BarIntervalMinute, 64)
			if err != nil {
				return err
			}
			snap := indicator.Evaluate(bars)
			if !snap.Sufficient() {
				fmt.Printf("%-8s insufficient data (%d bars)\n", stock.Symbol, len(bars))
				continue
			}
			fmt.Printf("%-8s close=%s rsi=%s", stock.Symbol,
				snap.LastClose.StringFixed(4), snap.RSI.StringFixed(2))
			if snap.HasMACD {
				fmt.Printf(" macd_hist=%s", snap.MACD.Histogram.StringFixed(4))
			}
			if snap.HasBollinger {
				fmt.Printf(" bb=[%s, %s]",
					snap.Bollinger.Lower.StringFixed(4), snap.Bollinger.Upper.StringFixed(4))
			}
			fmt.Println()
		}
		return nil
	}),
}

var (
	generateAllMonitored bool
	generateSymbol       string
)

var generateSignalsCmd = &cobra.Command{
	Use:   "generate-signals",
	Short: "Runs one signal generation cycle",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		if generateAllMonitored && generateSymbol != "" {
			return enginerr.Configf("--all-monitored and --symbol are mutually exclusive")
		}
		if generateSymbol != "" {
			_, err := e.generator.GenerateForSymbol(ctx, generateSymbol)
			return err
		}
		_, err := e.generator.GenerateAll(ctx)
		return err
	}),
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Delivers undispatched signals over the enabled channels",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		_, err := e.dispatcher.Dispatch(ctx)
		return err
	}),
}

var resolveOutcomesCmd = &cobra.Command{
	Use:   "resolve-outcomes",
	Short: "Resolves open signals against subsequent price action",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		_, err := e.tracker.Resolve(ctx)
		return err
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints session state and recent schedule executions",
	Run: runOneShot(func(ctx context.Context, e *engine) error {
		session := e.calendar.CurrentSession()
		fmt.Printf("local time:  %s\n", e.calendar.LocalNow().Format(time.RFC3339))
		fmt.Printf("trading day: %t\n", session.IsTradingDay)
		fmt.Printf("in session:  %t\n", e.calendar.IsInSession(e.calendar.Now()))
		fmt.Printf("session:     %s - %s UTC\n",
			session.OpenTime.Format("15:04"), session.CloseTime.Format("15:04"))

		executions, err := e.scheduleRepo.ListRecentExecutions(ctx, 20)
		if err != nil {
			return err
		}
		fmt.Println("\nrecent executions:")
		for _, ex := range executions {
			line := fmt.Sprintf("  %-10s %-10s started=%s items=%d",
				ex.Kind, ex.Status, ex.StartedAt.Format(time.RFC3339), ex.ItemsProcessed)
			if ex.ErrorKind != "" {
				line += " error=" + ex.ErrorKind
			}
			fmt.Println(line)
		}
		return nil
	}),
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "gpw-signal-engine",
		Short: "Intraday trading-signal engine for the Warsaw Stock Exchange",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the configuration file")

	generateSignalsCmd.Flags().BoolVar(&generateAllMonitored, "all-monitored", false, "Generate for every monitored stock")
	generateSignalsCmd.Flags().StringVar(&generateSymbol, "symbol", "", "Generate for a single symbol")

	rootCmd.AddCommand(serveCmd, collectCmd, computeIndicatorsCmd, generateSignalsCmd, dispatchCmd, resolveOutcomesCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing gpw-signal-engine CLI: %s\n", err)
		os.Exit(1)
	}
}
