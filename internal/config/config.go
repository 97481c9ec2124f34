// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server settings in correct types.
type Config struct {
	Port string

	StoreDriver string // sqlite, redis, or memory
	SQLitePath  string
	RedisAddr   string

	WorkerConcurrency int
	MaxQueueSize      int
	MaxAttempts       int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	JobTTL            time.Duration
	StallTimeout      time.Duration
	ShutdownGrace     time.Duration
	AvgJobDuration    time.Duration

	RateWindow     time.Duration
	RateMax        int
	PermissiveMode bool // relaxes RATE_MAX for development setups
	DequeueRate    float64
	DequeueBurst   int

	APIKeys   string // name:rawkey:perm|perm:allowance, comma separated
	YtdlpPath string

	DevMode  bool
	LogLevel string
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", ":8080"),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:  getEnv("SQLITE_PATH", "vidqueue.db"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		MaxQueueSize:      getEnvAsInt("MAX_QUEUE_SIZE", 100),
		MaxAttempts:       getEnvAsInt("MAX_ATTEMPTS", 3),
		BaseRetryDelay:    getEnvAsDuration("BASE_RETRY_DELAY", 2*time.Second),
		MaxRetryDelay:     getEnvAsDuration("MAX_RETRY_DELAY", time.Minute),
		JobTTL:            getEnvAsDuration("JOB_TTL", 30*time.Minute),
		StallTimeout:      getEnvAsDuration("STALL_TIMEOUT", 10*time.Minute),
		ShutdownGrace:     getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second),
		AvgJobDuration:    getEnvAsDuration("AVG_JOB_DURATION", time.Minute),

		RateWindow:     getEnvAsDuration("RATE_WINDOW", 15*time.Minute),
		RateMax:        getEnvAsInt("RATE_MAX", 100),
		PermissiveMode: getEnvAsBool("PERMISSIVE_MODE", false),
		DequeueRate:    getEnvAsFloat("DEQUEUE_RATE", 0),
		DequeueBurst:   getEnvAsInt("DEQUEUE_BURST", 1),

		APIKeys:   getEnv("API_KEYS", ""),
		YtdlpPath: getEnv("YTDLP_PATH", "yt-dlp"),

		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// Development setups get a generous window unless RATE_MAX was set
	// explicitly.
	if cfg.PermissiveMode {
		if _, ok := os.LookupEnv("RATE_MAX"); !ok {
			cfg.RateMax = 1000
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.StoreDriver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.APIKeys == "" {
		return fmt.Errorf("config: API_KEYS must be set")
	}
	if cfg.WorkerConcurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be at least 1")
	}
	if cfg.StallTimeout > cfg.JobTTL {
		return fmt.Errorf("config: STALL_TIMEOUT must not exceed JOB_TTL")
	}
	if cfg.BaseRetryDelay > cfg.MaxRetryDelay {
		return fmt.Errorf("config: BASE_RETRY_DELAY must not exceed MAX_RETRY_DELAY")
	}
	if cfg.Port != "" && cfg.Port[0] != ':' {
		cfg.Port = ":" + cfg.Port
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	str := getEnv(key, "")
	if val, err := strconv.Atoi(str); err == nil {
		return val
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	str := getEnv(key, "")
	if val, err := strconv.ParseFloat(str, 64); err == nil {
		return val
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	str := getEnv(key, "")
	if val, err := strconv.ParseBool(str); err == nil {
		return val
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	str := getEnv(key, "")
	if val, err := time.ParseDuration(str); err == nil {
		return val
	}
	return fallback
}
