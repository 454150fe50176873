package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon tunables, loaded from the data dir's config.toml.
// Zero values are replaced with defaults on Load.
type Config struct {
	DataDir string `toml:"data_dir"`

	Redis RedisConfig `toml:"redis"`

	Queue    QueueConfig    `toml:"queue"`
	Schedule ScheduleConfig `toml:"schedule"`
	Channel  ChannelConfig  `toml:"channel"`
	Dedup    DedupConfig    `toml:"dedup"`
	Recovery RecoveryConfig `toml:"recovery"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type QueueConfig struct {
	// Concurrency bounds in-flight jobs per company worker pool.
	Concurrency int `toml:"concurrency"`
	// JobsPerSecond caps the dequeue rate per company.
	JobsPerSecond int `toml:"jobs_per_second"`
	// LockSeconds is the broker job lock duration; jobs whose lock
	// expires without completion are treated as stalled and requeued.
	LockSeconds int `toml:"lock_seconds"`
	MaxAttempts int `toml:"max_attempts"`
	// PollMillis is the delayed-to-ready promotion tick.
	PollMillis int `toml:"poll_millis"`
}

type ScheduleConfig struct {
	AllowedStartHour int `toml:"allowed_start_hour"`
	AllowedEndHour   int `toml:"allowed_end_hour"`
	// RequeueSpacingMinutes is the minimum gap between batches
	// re-enqueued together on the recovery path.
	RequeueSpacingMinutes int `toml:"requeue_spacing_minutes"`
	// SendsPerSecond caps outbound transport sends per channel.
	SendsPerSecond int `toml:"sends_per_second"`
}

type ChannelConfig struct {
	WatchdogTimeoutMinutes  int `toml:"watchdog_timeout_minutes"`
	WatchdogIntervalSeconds int `toml:"watchdog_interval_seconds"`
	ReinitBackoffMaxMinutes int `toml:"reinit_backoff_max_minutes"`
}

type DedupConfig struct {
	ReservationTTLSeconds int `toml:"reservation_ttl_seconds"`
	MarkerTTLHours        int `toml:"marker_ttl_hours"`
}

type RecoveryConfig struct {
	StalenessHours     int `toml:"staleness_hours"`
	CompanyConcurrency int `toml:"company_concurrency"`
	ChunkSize          int `toml:"chunk_size"`
	ChunkPauseMillis   int `toml:"chunk_pause_millis"`
}

type SweeperConfig struct {
	// CronSpec is a robfig/cron expression; default runs daily.
	CronSpec string `toml:"cron_spec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Queue: QueueConfig{
			Concurrency:   50,
			JobsPerSecond: 100,
			LockSeconds:   120,
			MaxAttempts:   3,
			PollMillis:    250,
		},
		Schedule: ScheduleConfig{
			AllowedStartHour:      6,
			AllowedEndHour:        22,
			RequeueSpacingMinutes: 5,
			SendsPerSecond:        10,
		},
		Channel: ChannelConfig{
			WatchdogTimeoutMinutes:  5,
			WatchdogIntervalSeconds: 60,
			ReinitBackoffMaxMinutes: 5,
		},
		Dedup: DedupConfig{
			ReservationTTLSeconds: 300,
			MarkerTTLHours:        48,
		},
		Recovery: RecoveryConfig{
			StalenessHours:     48,
			CompanyConcurrency: 3,
			ChunkSize:          200,
			ChunkPauseMillis:   500,
		},
		Sweeper: SweeperConfig{CronSpec: "@daily"},
	}
}

// Load reads config from path, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects configurations the scheduler cannot honor.
func (c *Config) Validate() error {
	s := c.Schedule
	if s.AllowedStartHour < 0 || s.AllowedStartHour > 23 {
		return fmt.Errorf("allowed_start_hour %d out of range", s.AllowedStartHour)
	}
	if s.AllowedEndHour < 1 || s.AllowedEndHour > 24 {
		return fmt.Errorf("allowed_end_hour %d out of range", s.AllowedEndHour)
	}
	if s.AllowedStartHour >= s.AllowedEndHour {
		return fmt.Errorf("allowed hours window [%d, %d) is empty", s.AllowedStartHour, s.AllowedEndHour)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = def.Redis.URL
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = def.Queue.Concurrency
	}
	if cfg.Queue.JobsPerSecond == 0 {
		cfg.Queue.JobsPerSecond = def.Queue.JobsPerSecond
	}
	if cfg.Queue.LockSeconds == 0 {
		cfg.Queue.LockSeconds = def.Queue.LockSeconds
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if cfg.Queue.PollMillis == 0 {
		cfg.Queue.PollMillis = def.Queue.PollMillis
	}
	if cfg.Schedule.AllowedEndHour == 0 {
		cfg.Schedule.AllowedStartHour = def.Schedule.AllowedStartHour
		cfg.Schedule.AllowedEndHour = def.Schedule.AllowedEndHour
	}
	if cfg.Schedule.RequeueSpacingMinutes == 0 {
		cfg.Schedule.RequeueSpacingMinutes = def.Schedule.RequeueSpacingMinutes
	}
	if cfg.Schedule.SendsPerSecond == 0 {
		cfg.Schedule.SendsPerSecond = def.Schedule.SendsPerSecond
	}
	if cfg.Channel.WatchdogTimeoutMinutes == 0 {
		cfg.Channel.WatchdogTimeoutMinutes = def.Channel.WatchdogTimeoutMinutes
	}
	if cfg.Channel.WatchdogIntervalSeconds == 0 {
		cfg.Channel.WatchdogIntervalSeconds = def.Channel.WatchdogIntervalSeconds
	}
	if cfg.Channel.ReinitBackoffMaxMinutes == 0 {
		cfg.Channel.ReinitBackoffMaxMinutes = def.Channel.ReinitBackoffMaxMinutes
	}
	if cfg.Dedup.ReservationTTLSeconds == 0 {
		cfg.Dedup.ReservationTTLSeconds = def.Dedup.ReservationTTLSeconds
	}
	if cfg.Dedup.MarkerTTLHours == 0 {
		cfg.Dedup.MarkerTTLHours = def.Dedup.MarkerTTLHours
	}
	if cfg.Recovery.StalenessHours == 0 {
		cfg.Recovery.StalenessHours = def.Recovery.StalenessHours
	}
	if cfg.Recovery.CompanyConcurrency == 0 {
		cfg.Recovery.CompanyConcurrency = def.Recovery.CompanyConcurrency
	}
	if cfg.Recovery.ChunkSize == 0 {
		cfg.Recovery.ChunkSize = def.Recovery.ChunkSize
	}
	if cfg.Recovery.ChunkPauseMillis == 0 {
		cfg.Recovery.ChunkPauseMillis = def.Recovery.ChunkPauseMillis
	}
	if cfg.Sweeper.CronSpec == "" {
		cfg.Sweeper.CronSpec = def.Sweeper.CronSpec
	}
}
