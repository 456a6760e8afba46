package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"gaphunter/config"
	"gaphunter/internal/adapters/binanceclient"
	"gaphunter/internal/adapters/logger"
	"gaphunter/internal/utils"
)

// fetchcandles downloads recent candles for a symbol and writes them to CSV,
// handy for eyeballing gap thresholds before pointing the bot at a pair.
func main() {
	symbol := flag.String("symbol", "ETHUSDT", "trading pair to fetch")
	interval := flag.String("interval", "1h", "candle interval, e.g. 1m, 1h, 1d")
	limit := flag.Int("limit", 1000, "number of candles to fetch")
	output := flag.String("output", "", "output file (default data/<symbol>_<interval>_<date>.csv)")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)

	// 3. Initialize Exchange Client (Binance Adapter)
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

	ctx := context.Background()
	appLogger.Info(ctx, "Fetching candles", map[string]interface{}{
		"symbol": *symbol, "interval": *interval, "limit": *limit,
	})
	candles, err := binanceClient.GetKlines(ctx, *symbol, *interval, *limit)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	appLogger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := *output
	if filename == "" {
		filename = fmt.Sprintf("data/%s_%s_%s.csv", *symbol, *interval, time.Now().Format("20060102"))
	}
	if err := utils.WriteCandlesToCSV(candles, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved candles", map[string]interface{}{"filename": filename})
}
