package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SENSOR_API_KEY", "secret")
	t.Setenv("DB_PATH", "/tmp/state.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 8081 {
		t.Fatalf("expected default port 8081, got %d", cfg.APIPort)
	}
	if cfg.SensorTimeout != 150*time.Second {
		t.Fatalf("expected 150s sensor timeout, got %v", cfg.SensorTimeout)
	}
	if cfg.CheckInterval != 15*time.Second {
		t.Fatalf("expected 15s check interval, got %v", cfg.CheckInterval)
	}
	if cfg.ThresholdUp != 0.5 || cfg.ThresholdDown != 0.4 {
		t.Fatalf("unexpected thresholds: %v/%v", cfg.ThresholdUp, cfg.ThresholdDown)
	}
	if cfg.BroadcastRatePerSec != 20 || cfg.BroadcastConcurrency != 8 || cfg.BroadcastMaxRetries != 1 {
		t.Fatalf("unexpected broadcast defaults")
	}
	if cfg.JobLeaseTTL != 60*time.Second {
		t.Fatalf("expected 60s lease ttl, got %v", cfg.JobLeaseTTL)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("SENSOR_API_KEY", "")
	t.Setenv("DB_PATH", "/tmp/state.db")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing SENSOR_API_KEY")
	}

	t.Setenv("SENSOR_API_KEY", "secret")
	t.Setenv("DB_PATH", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing DB_PATH")
	}
}

func TestLoadAdminIDs(t *testing.T) {
	t.Setenv("SENSOR_API_KEY", "secret")
	t.Setenv("DB_PATH", "/tmp/state.db")
	t.Setenv("ADMIN_IDS", `"123, 456 789,nonsense"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []int64{123, 456, 789}
	if len(cfg.AdminIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.AdminIDs)
	}
	for i := range want {
		if cfg.AdminIDs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.AdminIDs)
		}
	}
	if !cfg.IsAdmin(456) {
		t.Fatalf("expected 456 to be admin")
	}
	if cfg.IsAdmin(999) {
		t.Fatalf("did not expect 999 to be admin")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("SENSOR_API_KEY", "secret")
	t.Setenv("DB_PATH", "/tmp/state.db")
	t.Setenv("THRESHOLD_UP", "0.3")
	t.Setenv("THRESHOLD_DOWN", "0.6")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for inverted thresholds")
	}
}

func TestLoadQuotedValues(t *testing.T) {
	t.Setenv("SENSOR_API_KEY", `"secret"`)
	t.Setenv("DB_PATH", "'/data/state.db'")
	t.Setenv("SENSOR_TIMEOUT_SEC", `"300"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SensorAPIKey != "secret" {
		t.Fatalf("expected quotes stripped, got %q", cfg.SensorAPIKey)
	}
	if cfg.DBPath != "/data/state.db" {
		t.Fatalf("expected quotes stripped, got %q", cfg.DBPath)
	}
	if cfg.SensorTimeout != 300*time.Second {
		t.Fatalf("expected 300s, got %v", cfg.SensorTimeout)
	}
}
