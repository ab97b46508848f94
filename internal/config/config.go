package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var ErrMissingOutlet = errors.New("OUTLET_ID is required")

type Config struct {
	LegacyDriver          string
	LegacyDSN             string
	LegacyTimezone        string
	OutletID              string
	SupabaseURL           string
	SupabaseServiceKey    string
	PollSeconds           int
	BatchSize             int
	SettingsPath          string
	CutoffCounterKey      string
	HTTPTimeoutSeconds    int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	LeaseTTLSeconds       int
	KafkaBrokers          []string
	KafkaTopic            string
	StatusPort            string
	AuthSecret            string
	StatusPassword        string
	AccessTokenTTLMinutes int
	LogLevel              string
}

// LoadDotEnv merges variables from the given files (default ".env") into the
// environment without overriding values that are already set. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		LegacyDriver:          strings.ToLower(getEnv("LEGACY_DRIVER", "sqlserver")),
		LegacyDSN:             os.Getenv("LEGACY_DSN"),
		LegacyTimezone:        getEnv("LEGACY_TIMEZONE", "UTC"),
		OutletID:              strings.TrimSpace(os.Getenv("OUTLET_ID")),
		SupabaseURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseServiceKey:    strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY")),
		PollSeconds:           positiveInt("SYNC_POLL_SECONDS", 60),
		BatchSize:             positiveInt("SYNC_BATCH_SIZE", 50),
		SettingsPath:          getEnv("SYNC_SETTINGS_PATH", "possync.yaml"),
		CutoffCounterKey:      getEnv("SYNC_CUTOFF_COUNTER_KEY", "pos_sync_cutoff"),
		HTTPTimeoutSeconds:    positiveInt("HTTP_TIMEOUT_SECONDS", 30),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		LeaseTTLSeconds:       positiveInt("LEASE_TTL_SECONDS", 300),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "pos-sync-runs"),
		StatusPort:            os.Getenv("STATUS_PORT"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		StatusPassword:        strings.TrimSpace(os.Getenv("STATUS_PASSWORD")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate reports settings that make a sync pass impossible.
func (c Config) Validate() error {
	if c.OutletID == "" {
		return ErrMissingOutlet
	}
	if _, err := uuid.Parse(c.OutletID); err != nil {
		return fmt.Errorf("OUTLET_ID must be a uuid: %w", err)
	}
	if c.SupabaseURL == "" {
		return errors.New("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return errors.New("SUPABASE_SERVICE_KEY is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves LEGACY_TIMEZONE, the zone the POS writes wall clock times in.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.LegacyTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("LEGACY_TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c Config) StatusAddress() string {
	if c.StatusPort == "" {
		return ""
	}
	return fmt.Sprintf(":%s", c.StatusPort)
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
