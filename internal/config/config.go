package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the broker API.
type Config struct {
	Port     int
	Env      string
	LogLevel string

	DBDriver    string
	DatabaseDSN string

	JWTSecret string
	TokenTTL  time.Duration

	MarketProvider       string
	MarketAPIKey         string
	QuoteCacheTTL        time.Duration
	QuoteMaxSymbols      int
	QuoteProviderTimeout time.Duration

	NewsAPIKey   string
	NewsCountry  string
	NewsCategory string

	EventsBackend string
	KafkaBrokers  []string
	KafkaTopic    string
	NATSURL       string
	NATSSubject   string

	UploadDir string

	AdminEmail    string
	AdminPassword string
	AdminTCNo     string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Production reports whether the process runs with ENV=production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load reads configuration from the environment, after loading a .env file
// when one is present, applies defaults and validates values.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	env := getStr("ENV", "development")

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	dbDriver := getStr("DB_DRIVER", "sqlite")
	if dbDriver != "sqlite" && dbDriver != "postgres" {
		return nil, fmt.Errorf("invalid DB_DRIVER: %q, must be one of: sqlite, postgres", dbDriver)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		if env == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		jwtSecret = "change-me"
	}

	tokenTTL, err := getDuration("TOKEN_TTL", 12*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %w", err)
	}

	marketProvider := getStr("MARKET_PROVIDER", "twelvedata")
	if marketProvider != "twelvedata" && marketProvider != "simulated" {
		return nil, fmt.Errorf("invalid MARKET_PROVIDER: %q, must be one of: twelvedata, simulated", marketProvider)
	}

	quoteTTL, err := getDuration("QUOTE_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_CACHE_TTL: %w", err)
	}

	maxSymbols, err := getInt("QUOTE_MAX_SYMBOLS", 15)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_MAX_SYMBOLS: %w", err)
	}
	if maxSymbols <= 0 {
		return nil, fmt.Errorf("invalid QUOTE_MAX_SYMBOLS: %d, must be positive", maxSymbols)
	}

	providerTimeout, err := getDuration("QUOTE_PROVIDER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_PROVIDER_TIMEOUT: %w", err)
	}

	eventsBackend := getStr("EVENTS_BACKEND", "log")
	switch eventsBackend {
	case "log", "kafka", "nats":
	default:
		return nil, fmt.Errorf("invalid EVENTS_BACKEND: %q, must be one of: log, kafka, nats", eventsBackend)
	}

	kafkaBrokers := splitList(os.Getenv("KAFKA_BROKERS"))
	if eventsBackend == "kafka" && len(kafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required when EVENTS_BACKEND=kafka")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                 port,
		Env:                  env,
		LogLevel:             logLevel,
		DBDriver:             dbDriver,
		DatabaseDSN:          getStr("DATABASE_DSN", "broker.db"),
		JWTSecret:            jwtSecret,
		TokenTTL:             tokenTTL,
		MarketProvider:       marketProvider,
		MarketAPIKey:         os.Getenv("MARKET_API_KEY"),
		QuoteCacheTTL:        quoteTTL,
		QuoteMaxSymbols:      maxSymbols,
		QuoteProviderTimeout: providerTimeout,
		NewsAPIKey:           os.Getenv("NEWS_API_KEY"),
		NewsCountry:          getStr("NEWS_COUNTRY", "tr"),
		NewsCategory:         getStr("NEWS_CATEGORY", "business"),
		EventsBackend:        eventsBackend,
		KafkaBrokers:         kafkaBrokers,
		KafkaTopic:           getStr("KAFKA_TOPIC", "ledger.entries"),
		NATSURL:              getStr("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubject:          getStr("NATS_SUBJECT", "broker.ledger"),
		UploadDir:            getStr("UPLOAD_DIR", "uploads"),
		AdminEmail:           getStr("ADMIN_EMAIL", "admin@broker.local"),
		AdminPassword:        getStr("ADMIN_PASSWORD", "Admin123!"),
		AdminTCNo:            getStr("ADMIN_TC_NO", "00000000000"),
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		ShutdownTimeout:      shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
