package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseURL    string
	MigrateOnStart bool

	// Redis
	RedisURL string

	// Server
	Port        string
	FrontendURL string

	// Board
	BoardConfigPath string
	TickIntervalMs  int
	SeedKey         string

	// Play
	DefaultWager    uint64
	MaxWager        uint64
	LedgerTimeout   time.Duration
	SessionCacheTTL time.Duration

	// Rate limiting
	MinPlayInterval   time.Duration
	RateLimitWindow   time.Duration
	RateLimitAttempts int
	RateLimitStore    string // "redis" or "memory"

	// Ledger
	LedgerMode     string // "local", "relayer" or "off"
	RelayerURL     string
	RelayerAPIKey  string
	RelayerExpose  bool
	InitialCredit  uint64
	BalancePollSec int

	// Security
	JWTSecret         string
	SessionTimeoutMin int
	AuthNonceTTL      time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Database
		DatabaseURL:    getEnv("DATABASE_URL", "postgres://localhost:5432/fheplinko?sslmode=disable"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", false),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server
		Port:        getEnv("APP_PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		// Board
		BoardConfigPath: getEnv("BOARD_CONFIG", ""),
		TickIntervalMs:  getEnvInt("TICK_INTERVAL_MS", 16),
		SeedKey:         getEnv("SEED_KEY", "change-me-in-production"),

		// Play
		DefaultWager:    uint64(getEnvInt("DEFAULT_WAGER", 10)),
		MaxWager:        uint64(getEnvInt("MAX_WAGER", 1000)),
		LedgerTimeout:   getEnvDuration("LEDGER_TIMEOUT", 30*time.Second),
		SessionCacheTTL: getEnvDuration("SESSION_CACHE_TTL", time.Hour),

		// Rate limiting
		MinPlayInterval:   getEnvDuration("MIN_PLAY_INTERVAL", 2*time.Second),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitAttempts: getEnvInt("RATE_LIMIT_ATTEMPTS", 10),
		RateLimitStore:    strings.ToLower(getEnv("RATE_LIMIT_STORE", "redis")),

		// Ledger
		LedgerMode:     strings.ToLower(getEnv("LEDGER_MODE", "local")),
		RelayerURL:     getEnv("RELAYER_URL", ""),
		RelayerAPIKey:  getEnv("RELAYER_API_KEY", ""),
		RelayerExpose:  getEnvBool("RELAYER_EXPOSE", false),
		InitialCredit:  uint64(getEnvInt("INITIAL_CREDIT", 1000)),
		BalancePollSec: getEnvInt("BALANCE_POLL_SECONDS", 5),

		// Security
		JWTSecret:         getEnv("JWT_SECRET", "change-me-in-production"),
		SessionTimeoutMin: getEnvInt("SESSION_TIMEOUT_MINUTES", 30),
		AuthNonceTTL:      getEnvDuration("AUTH_NONCE_TTL", 5*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
