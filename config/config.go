package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gaphunter/internal/adapters/logger" // for LogLevel parsing
)

// SymbolConfig holds the per-symbol trading parameters. Zero values fall back
// to the global defaults at wiring time.
type SymbolConfig struct {
	Pair         string
	GapThreshold float64       // 0 = use global GapThreshold
	MaxHold      time.Duration // 0 = use global MaxHold
	Cooldown     time.Duration // negative = unset, use global Cooldown
}

// Config holds all application configuration. It is constructed once at
// startup and treated as immutable afterwards.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Symbols and gap parameters
	Symbols       []SymbolConfig
	Interval      string  // candle interval (e.g. "1h")
	Quantity      float64 // order size per entry
	GapThreshold  float64 // default relative gap threshold (e.g. 0.05)
	WindowSize    int     // detector rolling window, >= 2
	FillTolerance float64 // gap-fill exit tolerance as a fraction of reference
	Direction     string  // entry direction filter: up, down or both
	StopLoss      float64 // stop loss percentage, 0 disables
	MaxHold       time.Duration
	Cooldown      time.Duration

	// Rate limiting
	RateLimitEnabled   bool
	RateLimitCapacity  int     // token bucket burst capacity
	RateLimitRefillPer float64 // tokens refilled per second

	// Order executor
	MaxOrderAttempts int
	RetryBaseWait    time.Duration
	RetryMaxWait     time.Duration

	// Feed / connection
	FeedStalenessFactor  float64
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Account guard
	MinAvailableBalance float64
	QuoteAsset          string

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
// All validation failures are collected and reported together so a broken
// deployment fails fast with the full picture.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Gap parameters
	cfg.Interval = getEnv("INTERVAL", "1h")

	cfg.Quantity, err = getEnvAsFloatRequired("QUANTITY", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY: %v", err))
	} else if cfg.Quantity <= 0 {
		errs = append(errs, "QUANTITY must be positive")
	}

	cfg.GapThreshold, err = getEnvAsFloatRequired("GAP_THRESHOLD", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid GAP_THRESHOLD: %v", err))
	} else if cfg.GapThreshold <= 0 || cfg.GapThreshold >= 1.0 {
		errs = append(errs, "GAP_THRESHOLD must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.WindowSize = getEnvAsInt("GAP_WINDOW_SIZE", 100)
	if cfg.WindowSize < 2 {
		errs = append(errs, "GAP_WINDOW_SIZE must be at least 2")
	}

	cfg.FillTolerance, err = getEnvAsFloatRequired("GAP_FILL_TOLERANCE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid GAP_FILL_TOLERANCE: %v", err))
	} else if cfg.FillTolerance < 0 {
		errs = append(errs, "GAP_FILL_TOLERANCE cannot be negative")
	}

	cfg.Direction = strings.ToLower(getEnv("ENTRY_DIRECTION", "up"))
	switch cfg.Direction {
	case "up", "down", "both":
	default:
		errs = append(errs, "ENTRY_DIRECTION must be one of: up, down, both")
	}

	cfg.StopLoss, err = getEnvAsFloatRequired("STOP_LOSS", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS: %v", err))
	} else if cfg.StopLoss < 0 || cfg.StopLoss >= 1.0 {
		errs = append(errs, "STOP_LOSS must be in [0.0, 1.0); 0 disables it")
	}

	maxHoldSeconds := getEnvAsInt("MAX_HOLD_SECONDS", 86400)
	if maxHoldSeconds < 0 {
		errs = append(errs, "MAX_HOLD_SECONDS cannot be negative")
	}
	cfg.MaxHold = time.Duration(maxHoldSeconds) * time.Second

	cooldownSeconds := getEnvAsInt("COOLDOWN_SECONDS", 300)
	if cooldownSeconds < 0 {
		errs = append(errs, "COOLDOWN_SECONDS cannot be negative")
	}
	cfg.Cooldown = time.Duration(cooldownSeconds) * time.Second

	// Symbols: comma list; per-symbol overrides as PAIR:threshold:maxHoldSec:cooldownSec
	symbolsRaw := getEnv("SYMBOLS", "BTCUSDT")
	symbols, symErrs := parseSymbols(symbolsRaw)
	cfg.Symbols = symbols
	errs = append(errs, symErrs...)

	// Rate limiting
	cfg.RateLimitEnabled = getEnvAsBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = getEnvAsInt("RATE_LIMIT_CAPACITY", 10)
	if cfg.RateLimitCapacity <= 0 {
		errs = append(errs, "RATE_LIMIT_CAPACITY must be positive")
	}
	cfg.RateLimitRefillPer = getEnvAsFloat("RATE_LIMIT_REFILL_PER_SEC", 5.0)
	if cfg.RateLimitRefillPer <= 0 {
		errs = append(errs, "RATE_LIMIT_REFILL_PER_SEC must be positive")
	}

	// Order executor
	cfg.MaxOrderAttempts = getEnvAsInt("MAX_ORDER_ATTEMPTS", 3)
	if cfg.MaxOrderAttempts <= 0 {
		errs = append(errs, "MAX_ORDER_ATTEMPTS must be positive")
	}
	retryBaseMs := getEnvAsInt("RETRY_BASE_DELAY_MS", 500)
	if retryBaseMs <= 0 {
		errs = append(errs, "RETRY_BASE_DELAY_MS must be positive")
	}
	cfg.RetryBaseWait = time.Duration(retryBaseMs) * time.Millisecond
	retryMaxMs := getEnvAsInt("RETRY_MAX_DELAY_MS", 30000)
	if retryMaxMs < retryBaseMs {
		errs = append(errs, "RETRY_MAX_DELAY_MS must be >= RETRY_BASE_DELAY_MS")
	}
	cfg.RetryMaxWait = time.Duration(retryMaxMs) * time.Millisecond

	// Feed / connection
	cfg.FeedStalenessFactor = getEnvAsFloat("FEED_STALENESS_FACTOR", 3.0)
	if cfg.FeedStalenessFactor <= 1.0 {
		errs = append(errs, "FEED_STALENESS_FACTOR must be greater than 1.0")
	}
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Account guard
	cfg.MinAvailableBalance, err = getEnvAsFloatRequired("MIN_AVAILABLE_BALANCE", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_AVAILABLE_BALANCE: %v", err))
	} else if cfg.MinAvailableBalance < 0 {
		errs = append(errs, "MIN_AVAILABLE_BALANCE cannot be negative")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/gaphunter.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// parseSymbols parses the SYMBOLS env value. Each entry is a pair name,
// optionally followed by colon-separated overrides:
//
//	BTCUSDT,ETHUSDT:0.03:43200:600
//
// meaning ETHUSDT uses a 3% threshold, 12h max hold and 10m cooldown.
func parseSymbols(raw string) ([]SymbolConfig, []string) {
	var symbols []SymbolConfig
	var errs []string
	seen := make(map[string]bool)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		pair := strings.ToUpper(strings.TrimSpace(parts[0]))
		if pair == "" {
			errs = append(errs, fmt.Sprintf("empty pair in SYMBOLS entry %q", entry))
			continue
		}
		if seen[pair] {
			errs = append(errs, fmt.Sprintf("duplicate symbol %s in SYMBOLS", pair))
			continue
		}
		seen[pair] = true

		sc := SymbolConfig{Pair: pair, Cooldown: -1}
		if len(parts) > 1 && parts[1] != "" {
			th, err := strconv.ParseFloat(parts[1], 64)
			if err != nil || th <= 0 || th >= 1.0 {
				errs = append(errs, fmt.Sprintf("invalid gap threshold %q for symbol %s", parts[1], pair))
			} else {
				sc.GapThreshold = th
			}
		}
		if len(parts) > 2 && parts[2] != "" {
			sec, err := strconv.Atoi(parts[2])
			if err != nil || sec < 0 {
				errs = append(errs, fmt.Sprintf("invalid max hold seconds %q for symbol %s", parts[2], pair))
			} else {
				sc.MaxHold = time.Duration(sec) * time.Second
			}
		}
		if len(parts) > 3 && parts[3] != "" {
			sec, err := strconv.Atoi(parts[3])
			if err != nil || sec < 0 {
				errs = append(errs, fmt.Sprintf("invalid cooldown seconds %q for symbol %s", parts[3], pair))
			} else {
				sc.Cooldown = time.Duration(sec) * time.Second
			}
		}
		if len(parts) > 4 {
			errs = append(errs, fmt.Sprintf("too many fields in SYMBOLS entry %q", entry))
		}
		symbols = append(symbols, sc)
	}

	if len(symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one trading pair")
	}
	return symbols, errs
}

// ThresholdFor returns the effective gap threshold for a symbol config.
func (c *Config) ThresholdFor(sc SymbolConfig) float64 {
	if sc.GapThreshold > 0 {
		return sc.GapThreshold
	}
	return c.GapThreshold
}

// MaxHoldFor returns the effective max holding duration for a symbol config.
func (c *Config) MaxHoldFor(sc SymbolConfig) time.Duration {
	if sc.MaxHold > 0 {
		return sc.MaxHold
	}
	return c.MaxHold
}

// CooldownFor returns the effective cooldown for a symbol config.
func (c *Config) CooldownFor(sc SymbolConfig) time.Duration {
	if sc.Cooldown >= 0 {
		return sc.Cooldown
	}
	return c.Cooldown
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
