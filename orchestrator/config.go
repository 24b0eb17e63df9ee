package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/watchdog"
)

// Config holds the gaia-orchestrator runtime configuration.
type Config struct {
	Port      int
	SharedDir string
	RedisAddr string

	PrimeHealthURL    string
	PrimeBootDeadline time.Duration
	ComposeDir        string
	ComposeProject    string

	WatchdogInterval time.Duration
	FailureThreshold int
	LiveServices     []watchdog.Service
	CandidateService []watchdog.Service
}

// LoadConfig reads the environment with docker-network defaults. Fatal on
// malformed values.
func LoadConfig() *Config {
	cfg := &Config{
		Port:              envInt("ORCHESTRATOR_PORT", 6410),
		SharedDir:         envStr("SHARED_DIR", "/shared"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		PrimeHealthURL:    envStr("PRIME_HEALTH_URL", "http://gaia-prime:7777/health"),
		PrimeBootDeadline: time.Duration(envInt("PRIME_BOOT_DEADLINE_SECONDS", 120)) * time.Second,
		ComposeDir:        envStr("COMPOSE_DIR", "/compose"),
		ComposeProject:    envStr("COMPOSE_PROJECT_NAME", "gaia_project"),
		WatchdogInterval:  time.Duration(envInt("WATCHDOG_INTERVAL_SECONDS", 30)) * time.Second,
		FailureThreshold:  envInt("FAILURE_THRESHOLD", 2),
		LiveServices: parseServices(envStr("LIVE_SERVICES",
			"gaia-core=http://gaia-core:6415/health,gaia-prime=http://gaia-prime:7777/health")),
		CandidateService: parseServices(envStr("CANDIDATE_SERVICES",
			"gaia-core-candidate=http://gaia-core-candidate:6415/health,gaia-mcp-candidate=http://gaia-mcp-candidate:8765/health")),
	}
	if err := os.MkdirAll(cfg.SharedDir, 0o755); err != nil {
		log.Fatalf("Config: SHARED_DIR %s is unusable: %v", cfg.SharedDir, err)
	}
	return cfg
}

func (c *Config) StateFile() string {
	return filepath.Join(c.SharedDir, "orchestrator", "state.json")
}

func (c *Config) TimelineDir() string {
	return filepath.Join(c.SharedDir, "timeline")
}

// parseServices reads "name=url,name=url" pairs.
func parseServices(raw string) []watchdog.Service {
	var services []watchdog.Service
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			log.Fatalf("Config: malformed service entry %q (want name=url)", pair)
		}
		services = append(services, watchdog.Service{Name: name, HealthURL: url})
	}
	return services
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
