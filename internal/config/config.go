package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                     string
	DatabaseURL              string
	ConflictRetries          int
	EstimatedVisitMinutes    int
	CallGrace                time.Duration
	SkipScanInterval         time.Duration
	SkipBatchSize            int
	RateLimitPerMinute       int
	RateLimitBurst           int
	TenantRateLimitPerMinute int
	TenantRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		ConflictRetries:          readInt("CONFLICT_RETRIES", 3),
		EstimatedVisitMinutes:    readInt("ESTIMATED_VISIT_MINUTES", 15),
		CallGrace:                readDurationSeconds("CALL_GRACE_SECONDS", 600),
		SkipScanInterval:         readDurationSeconds("SKIP_SCAN_INTERVAL_SECONDS", 30),
		SkipBatchSize:            readInt("SKIP_BATCH_SIZE", 100),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		TenantRateLimitPerMinute: readInt("TENANT_RATE_LIMIT_PER_MIN", 600),
		TenantRateLimitBurst:     readInt("TENANT_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
