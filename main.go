package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"golang.org/x/time/rate"

	"gaphunter/config"
	"gaphunter/internal/adapters/binanceclient"
	"gaphunter/internal/adapters/logger"
	"gaphunter/internal/adapters/sqlite"
	"gaphunter/internal/app"
	"gaphunter/internal/executor"
	"gaphunter/internal/feed"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Candle Feed
	candleFeed, err := feed.New(feed.Config{
		Interval:        cfg.Interval,
		StalenessFactor: cfg.FeedStalenessFactor,
		HistoryLimit:    cfg.WindowSize,
	}, binanceClient, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize candle feed")
		log.Fatalf("FATAL: Failed to initialize candle feed: %v", err)
	}
	appLogger.Info(context.Background(), "Candle feed initialized", map[string]interface{}{"interval": cfg.Interval})

	// 6. Initialize Order Executor
	// The rate limiter is shared across all symbol tasks so the account-wide
	// exchange budget holds regardless of symbol count.
	var limiter *rate.Limiter
	if cfg.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRefillPer), cfg.RateLimitCapacity)
	}
	orderExecutor, err := executor.New(executor.Config{
		MaxAttempts:   cfg.MaxOrderAttempts,
		RetryBaseWait: cfg.RetryBaseWait,
		RetryMaxWait:  cfg.RetryMaxWait,
	}, binanceClient, limiter, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order executor")
		log.Fatalf("FATAL: Failed to initialize order executor: %v", err)
	}
	appLogger.Info(context.Background(), "Order executor initialized", map[string]interface{}{
		"rateLimitEnabled": cfg.RateLimitEnabled, "maxAttempts": cfg.MaxOrderAttempts,
	})

	// 7. Initialize Application Service
	tradingService, err := app.NewTradingService(
		cfg,
		appLogger,
		binanceClient, // Pass the concrete implementation, service expects the interface
		candleFeed,
		orderExecutor,
		repo, // Pass the concrete implementation, service expects the interface
		repo, // Pass the concrete implementation, service expects the interface
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized", map[string]interface{}{"symbols": len(cfg.Symbols)})

	// 8. Start the Service
	// Use context.Background() as the base context for the application run
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
