package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Concurrency != 50 {
		t.Errorf("concurrency = %d, want default 50", cfg.Queue.Concurrency)
	}
	if cfg.Schedule.AllowedStartHour != 6 || cfg.Schedule.AllowedEndHour != 22 {
		t.Errorf("allowed hours = [%d, %d), want [6, 22)",
			cfg.Schedule.AllowedStartHour, cfg.Schedule.AllowedEndHour)
	}
	if cfg.Dedup.ReservationTTLSeconds != 300 {
		t.Errorf("reservation ttl = %d, want 300", cfg.Dedup.ReservationTTLSeconds)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[queue]\nconcurrency = 8\n\n[redis]\nurl = \"redis://cache:6379/1\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Queue.Concurrency)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	// Untouched sections fall back to defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Sweeper.CronSpec != "@daily" {
		t.Errorf("sweeper cron = %q, want @daily", cfg.Sweeper.CronSpec)
	}
}

func TestLoadRejectsEmptyHoursWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[schedule]\nallowed_start_hour = 22\nallowed_end_hour = 6\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted inverted allowed-hours window")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Queue.Concurrency = 12

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Queue.Concurrency != 12 {
		t.Errorf("concurrency = %d, want 12", loaded.Queue.Concurrency)
	}
}
