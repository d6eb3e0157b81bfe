package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Credentials are issued by the identity service; we only verify them.
	JWTSecret string
	SyncToken string
	// History older than this window is served by full sync only.
	HistoryRetention time.Duration
	SyncPageLimit    int
	MeiliURL         string
	MeiliMasterKey   string
	RedisURL         string
	LogLevel         string
	LogPretty        bool
	// Detection and alerting
	AlertCooldown   time.Duration
	MatchThreshold  float64
	SendQueueSize   int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffAttempts int
}

// fileConfig is the optional TOML overlay pointed to by COACH_CONFIG_FILE.
type fileConfig struct {
	Detection struct {
		MatchThreshold *float64 `toml:"match_threshold"`
	} `toml:"detection"`
	Alerts struct {
		CooldownSeconds *int `toml:"cooldown_seconds"`
	} `toml:"alerts"`
	Sync struct {
		HistoryRetentionHours *int `toml:"history_retention_hours"`
		PageLimit             *int `toml:"page_limit"`
		SendQueueSize         *int `toml:"send_queue_size"`
	} `toml:"sync"`
}

func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:             getenv("API_ADDR", ":8787"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("COACH_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:       getenv("COACH_CORS_ORIGIN", "*"),
		JWTSecret:        getenv("COACH_JWT_SECRET", "coach-dev-secret"),
		SyncToken:        getenv("COACH_SYNC_TOKEN", "coach-sync-token"),
		HistoryRetention: time.Duration(getenvInt("COACH_HISTORY_RETENTION_HOURS", 24*30)) * time.Hour,
		SyncPageLimit:    getenvInt("COACH_SYNC_PAGE_LIMIT", 500),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		// Redis is optional; without it revocations are kept in memory.
		RedisURL:        getenv("REDIS_URL", ""),
		LogLevel:        getenv("COACH_LOG_LEVEL", "info"),
		LogPretty:       getenvBool("COACH_LOG_PRETTY", false),
		AlertCooldown:   getenvDuration("COACH_ALERT_COOLDOWN", 30*time.Second),
		MatchThreshold:  getenvFloat("COACH_MATCH_THRESHOLD", 0.3),
		SendQueueSize:   getenvInt("COACH_SEND_QUEUE_SIZE", 64),
		BackoffBase:     getenvDuration("COACH_BACKOFF_BASE", time.Second),
		BackoffMax:      getenvDuration("COACH_BACKOFF_MAX", 5*time.Second),
		BackoffAttempts: getenvInt("COACH_BACKOFF_ATTEMPTS", 5),
	}

	if path := getenv("COACH_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	return cfg
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if v := file.Detection.MatchThreshold; v != nil && *v > 0 && *v < 1 {
		c.MatchThreshold = *v
	}
	if v := file.Alerts.CooldownSeconds; v != nil && *v >= 0 {
		c.AlertCooldown = time.Duration(*v) * time.Second
	}
	if v := file.Sync.HistoryRetentionHours; v != nil && *v > 0 {
		c.HistoryRetention = time.Duration(*v) * time.Hour
	}
	if v := file.Sync.PageLimit; v != nil && *v > 0 {
		c.SyncPageLimit = *v
	}
	if v := file.Sync.SendQueueSize; v != nil && *v > 0 {
		c.SendQueueSize = *v
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
