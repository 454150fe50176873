// Package daemon composes the whole process with fx: store, broker,
// channel manager, dispatch pipeline, recovery and sweeper.
package daemon

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"campd/internal/bus"
	"campd/internal/campaign"
	"campd/internal/channel"
	"campd/internal/config"
	"campd/internal/dedup"
	"campd/internal/dispatch"
	"campd/internal/lock"
	"campd/internal/logging"
	"campd/internal/queue"
	"campd/internal/recovery"
	"campd/internal/schedule"
	"campd/internal/session"
	"campd/internal/store"
	"campd/internal/wa"
)

// Params holds the resolved launch options passed to the fx module.
type Params struct {
	DataDir    string
	ConfigPath string // empty = <data-dir>/config.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRedis,
			provideRegistry,
			provideTransportFactory,
			provideManager,
			provideBrokers,
			provideProcessor,
			provideRecovery,
			provideSweeper,
			provideWindow,
			provideCampaignService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath(p.DataDir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = p.DataDir
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDataDir(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("data_dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	client, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("redis connected", zap.String("url", cfg.Redis.URL))
	return client, nil
}

func provideRegistry() *channel.Registry {
	return channel.NewRegistry()
}

func provideTransportFactory(p Params, logger *zap.Logger) *wa.Factory {
	return wa.NewFactory(p.DataDir, logger)
}

func provideManager(registry *channel.Registry, factory *wa.Factory, db *store.DB,
	b *bus.Bus, cfg *config.Config, logger *zap.Logger) *channel.Manager {
	return channel.NewManager(registry, factory, db, b, channel.ManagerConfig{
		WatchdogTimeout:  time.Duration(cfg.Channel.WatchdogTimeoutMinutes) * time.Minute,
		WatchdogInterval: time.Duration(cfg.Channel.WatchdogIntervalSeconds) * time.Second,
		ReinitBackoffMax: time.Duration(cfg.Channel.ReinitBackoffMaxMinutes) * time.Minute,
	}, logger)
}

func provideBrokers(client *redis.Client, cfg *config.Config, logger *zap.Logger) *queue.Brokers {
	return queue.NewBrokers(client, queue.WorkerPoolConfig{
		Concurrency:   cfg.Queue.Concurrency,
		JobsPerSecond: cfg.Queue.JobsPerSecond,
		LockDuration:  time.Duration(cfg.Queue.LockSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Queue.PollMillis) * time.Millisecond,
	}, cfg.Queue.MaxAttempts, logger)
}

func provideProcessor(db *store.DB, registry *channel.Registry, client *redis.Client,
	brokers *queue.Brokers, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *dispatch.Processor {
	reservations := dedup.NewReservations(client,
		time.Duration(cfg.Dedup.ReservationTTLSeconds)*time.Second)
	markers := dedup.NewMarkers(client,
		time.Duration(cfg.Dedup.MarkerTTLHours)*time.Hour)
	return dispatch.NewProcessor(db, registry, reservations, markers, brokers, b,
		dispatch.Config{
			SendsPerSecond: cfg.Schedule.SendsPerSecond,
			Location:       time.Local,
		}, logger)
}

func provideWindow(cfg *config.Config) schedule.Window {
	return schedule.Window{
		StartHour: cfg.Schedule.AllowedStartHour,
		EndHour:   cfg.Schedule.AllowedEndHour,
		Location:  time.Local,
	}
}

func provideRecovery(db *store.DB, brokers *queue.Brokers, b *bus.Bus,
	cfg *config.Config, window schedule.Window, logger *zap.Logger) *recovery.Recovery {
	return recovery.New(db, brokers, b, recovery.Config{
		Staleness:          time.Duration(cfg.Recovery.StalenessHours) * time.Hour,
		CompanyConcurrency: cfg.Recovery.CompanyConcurrency,
		ChunkSize:          cfg.Recovery.ChunkSize,
		ChunkPause:         time.Duration(cfg.Recovery.ChunkPauseMillis) * time.Millisecond,
		RequeueSpacing:     time.Duration(cfg.Schedule.RequeueSpacingMinutes) * time.Minute,
		Window:             window,
	}, logger)
}

func provideSweeper(db *store.DB, brokers *queue.Brokers, b *bus.Bus, logger *zap.Logger) *recovery.Sweeper {
	return recovery.NewSweeper(db, brokers, b, logger)
}

func provideCampaignService(db *store.DB, brokers *queue.Brokers, manager *channel.Manager,
	b *bus.Bus, window schedule.Window, logger *zap.Logger) *campaign.Service {
	return campaign.NewService(db, brokers, manager, b, window, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, client *redis.Client,
	manager *channel.Manager, brokers *queue.Brokers, processor *dispatch.Processor,
	rec *recovery.Recovery, sweeper *recovery.Sweeper, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Recovery runs before any worker starts: no job may execute
			// against half-restored queue state.
			if _, err := rec.Run(ctx); err != nil {
				return err
			}

			if err := manager.Start(ctx); err != nil {
				return err
			}

			companies, err := db.ListCompanies()
			if err != nil {
				return err
			}
			for _, company := range companies {
				for slot := 0; slot < company.PhoneSlots; slot++ {
					if _, err := manager.EnsureChannel(company.ID, slot); err != nil {
						logger.Error("channel init failed",
							zap.String("company", company.ID),
							zap.Int("phone", slot),
							zap.Error(err))
					}
				}
				brokers.StartWorkers(ctx, company.ID, processor)
			}

			if err := sweeper.Start(ctx, cfg.Sweeper.CronSpec); err != nil {
				return err
			}

			logger.Info("daemon started", zap.Int("companies", len(companies)))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sweeper.Stop()
			brokers.StopAll()
			manager.Stop()
			_ = client.Close()
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
