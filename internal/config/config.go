// Package config loads the service configuration from the environment.
//
// Two keys are mandatory: SENSOR_API_KEY (the shared heartbeat secret) and
// DB_PATH (the embedded database file). Everything else has a default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable startup configuration.
type Config struct {
	SensorAPIKey string
	APIPort      int
	DBPath       string

	// Liveness.
	SensorTimeout time.Duration // T_stale
	CheckInterval time.Duration // T_tick
	ThresholdUp   float64
	ThresholdDown float64

	// Notifier.
	BroadcastRatePerSec  float64
	BroadcastConcurrency int
	BroadcastMaxRetries  int
	AdminIDs             []int64

	// Job queue.
	JobLeaseTTL    time.Duration
	JobMaxAttempts int

	// Optional collaborators.
	SensorMapPath    string // canonical UUID map YAML
	BotToken         string // webapp init-data HMAC secret
	ElectricianPhone string
	NTPCheck         bool
}

// Load reads the configuration from the environment. A missing mandatory key
// is a fatal error: the caller is expected to log it once and exit non-zero.
func Load() (*Config, error) {
	cfg := &Config{
		SensorAPIKey:     getString("SENSOR_API_KEY", ""),
		DBPath:           getString("DB_PATH", ""),
		SensorMapPath:    getString("SENSOR_MAP_PATH", ""),
		BotToken:         getString("BOT_TOKEN", ""),
		ElectricianPhone: getString("ELECTRICIAN_PHONE", ""),
	}

	if cfg.SensorAPIKey == "" {
		return nil, fmt.Errorf("SENSOR_API_KEY is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}

	var err error
	if cfg.APIPort, err = getInt("API_PORT", 8081); err != nil {
		return nil, err
	}
	var secs int
	if secs, err = getInt("SENSOR_TIMEOUT_SEC", 150); err != nil {
		return nil, err
	}
	cfg.SensorTimeout = time.Duration(secs) * time.Second
	if secs, err = getInt("CHECK_INTERVAL_SEC", 15); err != nil {
		return nil, err
	}
	cfg.CheckInterval = time.Duration(secs) * time.Second
	if cfg.ThresholdUp, err = getFloat("THRESHOLD_UP", 0.5); err != nil {
		return nil, err
	}
	if cfg.ThresholdDown, err = getFloat("THRESHOLD_DOWN", 0.4); err != nil {
		return nil, err
	}
	if cfg.ThresholdDown >= cfg.ThresholdUp {
		return nil, fmt.Errorf("THRESHOLD_DOWN (%v) must be below THRESHOLD_UP (%v)", cfg.ThresholdDown, cfg.ThresholdUp)
	}
	if cfg.BroadcastRatePerSec, err = getFloat("BROADCAST_RATE_PER_SEC", 20); err != nil {
		return nil, err
	}
	if cfg.BroadcastConcurrency, err = getInt("BROADCAST_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.BroadcastMaxRetries, err = getInt("BROADCAST_MAX_RETRIES", 1); err != nil {
		return nil, err
	}
	cfg.AdminIDs = parseAdminIDs(os.Getenv("ADMIN_IDS"))
	if secs, err = getInt("JOB_LEASE_TTL_SEC", 60); err != nil {
		return nil, err
	}
	cfg.JobLeaseTTL = time.Duration(secs) * time.Second
	if cfg.JobMaxAttempts, err = getInt("JOB_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.NTPCheck, err = getBool("NTP_CHECK", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsAdmin reports whether chatID is in ADMIN_IDS. Admins bypass quiet hours
// and the global notification switch.
func (c *Config) IsAdmin(chatID int64) bool {
	for _, id := range c.AdminIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// getString returns a trimmed env value with surrounding quotes stripped,
// the way operators tend to write .env files.
func getString(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	v = strings.Trim(v, `"'`)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	v := getString(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := getString(key, "")
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(getString(key, ""))
	switch v {
	case "":
		return fallback, nil
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", key, v)
}

// parseAdminIDs accepts comma or whitespace separated chat ids and ignores
// anything that does not parse.
func parseAdminIDs(raw string) []int64 {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var ids []int64
	for _, f := range fields {
		id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
