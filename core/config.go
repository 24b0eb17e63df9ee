package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the gaia-core runtime configuration, loaded from the
// environment with docker-network defaults.
type Config struct {
	Port      int
	SharedDir string

	SleepEnabled         bool
	IdleThresholdMinutes float64
	GraceWindow          time.Duration

	WebURL        string
	TimelinePGDSN string

	TimelineRetentionDays int
}

// LoadConfig reads the environment. Fatal on malformed values: a broken
// config is a ConfigError and the service must not boot half-configured.
func LoadConfig() *Config {
	cfg := &Config{
		Port:                  envInt("CORE_PORT", 6415),
		SharedDir:             envStr("SHARED_DIR", "/shared"),
		SleepEnabled:          envBool("SLEEP_ENABLED", true),
		IdleThresholdMinutes:  envFloat("SLEEP_IDLE_THRESHOLD_MINUTES", 5),
		GraceWindow:           time.Duration(envInt("SLEEP_GRACE_SECONDS", 60)) * time.Second,
		WebURL:                envStr("WEB_ENDPOINT", "http://gaia-web:6414"),
		TimelinePGDSN:         os.Getenv("TIMELINE_PG_DSN"),
		TimelineRetentionDays: envInt("TIMELINE_RETENTION_DAYS", 90),
	}
	if err := os.MkdirAll(cfg.SharedDir, 0o755); err != nil {
		log.Fatalf("Config: SHARED_DIR %s is unusable: %v", cfg.SharedDir, err)
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Config: %s=%q is not an integer: %v", key, v, err)
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("Config: %s=%q is not a number: %v", key, v, err)
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("Config: %s=%q is not a boolean: %v", key, v, err)
	}
	return b
}

func timelineDir(cfg *Config) string {
	return fmt.Sprintf("%s/timeline", cfg.SharedDir)
}
