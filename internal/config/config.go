// internal/config/config.go
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// DSN builds a postgres connection string. DATABASE_URL wins when set.
func (d DB) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	switch {
	case d.Password != "":
		u.User = url.UserPassword(d.User, d.Password)
	case d.User != "":
		u.User = url.User(d.User)
	}
	return u.String()
}

type Vendor struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Simulated reports whether no real vendor is configured.
func (v Vendor) Simulated() bool {
	return v.APIKey == "" || v.BaseURL == ""
}

type Scheduler struct {
	AdvancePollInterval time.Duration
	SweepInterval       time.Duration
	SweepConcurrency    int
	ClaimLease          time.Duration
}

type Correlation struct {
	Window       time.Duration
	SuffixDigits int
	DedupeTTL    time.Duration
}

type Config struct {
	HTTPAddr      string
	MetricsAddr   string
	StoreDriver   string
	DefaultRegion string
	AMQPURL       string
	RedisURL      string
	LogLevel      string
	LogFormat     string

	DB          DB
	Vendor      Vendor
	Scheduler   Scheduler
	Correlation Correlation
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		StoreDriver:   getEnv("STORE_DRIVER", "postgres"),
		DefaultRegion: getEnv("DEFAULT_REGION", "US"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		DB: DB{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "voicecampaign"),
		},
		Vendor: Vendor{
			BaseURL:       os.Getenv("VENDOR_BASE_URL"),
			APIKey:        os.Getenv("VENDOR_API_KEY"),
			WebhookSecret: os.Getenv("VENDOR_WEBHOOK_SECRET"),
		},
	}

	var err error
	if cfg.Vendor.Timeout, err = getDuration("VENDOR_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scheduler.AdvancePollInterval, err = getDuration("ADVANCE_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scheduler.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Scheduler.SweepConcurrency, err = getInt("SWEEP_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.Scheduler.ClaimLease, err = getDuration("CLAIM_LEASE", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Correlation.Window, err = getDuration("CORRELATION_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Correlation.SuffixDigits, err = getInt("CORRELATION_SUFFIX_DIGITS", 9); err != nil {
		return nil, err
	}
	if cfg.Correlation.DedupeTTL, err = getDuration("DEDUPE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}
	if cfg.Scheduler.SweepConcurrency < 1 {
		return nil, fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if cfg.Correlation.SuffixDigits < 4 {
		return nil, fmt.Errorf("CORRELATION_SUFFIX_DIGITS must be at least 4")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
