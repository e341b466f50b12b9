package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"streamvault/internal/config"
	"streamvault/internal/events"
	"streamvault/internal/observability/logging"
	"streamvault/internal/observability/metrics"
	"streamvault/internal/server"
	"streamvault/internal/storage"
)

const (
	migrateTimeout = 2 * time.Minute
	closeTimeout   = 10 * time.Second
)

// openStore opens the configured datastore and brings SQL schemas up to
// date.
func openStore(ctx context.Context, cfg config.Storage, logger *slog.Logger) (storage.Repository, error) {
	var (
		repo storage.Repository
		err  error
	)
	switch cfg.Driver {
	case "json":
		repo, err = storage.NewJSONRepository(cfg.DataPath)
	case "sqlite":
		repo, err = storage.NewSQLiteRepository(cfg.SQLitePath)
	case "postgres":
		repo, err = storage.NewPostgresRepository(cfg.Postgres.DSN, postgresOptions(cfg.Postgres)...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s datastore: %w", cfg.Driver, err)
	}

	if migrator, ok := repo.(storage.Migrator); ok {
		migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()
		if err := migrator.Migrate(migrateCtx); err != nil {
			closeStore(repo, logger)
			return nil, fmt.Errorf("migrate %s datastore: %w", cfg.Driver, err)
		}
	}
	logger.Info("datastore ready", "driver", cfg.Driver)
	return repo, nil
}

func postgresOptions(cfg config.Postgres) []storage.Option {
	var opts []storage.Option
	if cfg.MaxConns > 0 || cfg.MinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
	}
	if cfg.AcquireTimeout.Duration > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout.Duration))
	}
	if cfg.MaxConnLifetime.Duration > 0 || cfg.MaxConnIdle.Duration > 0 || cfg.HealthInterval.Duration > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(
			cfg.MaxConnLifetime.Duration,
			cfg.MaxConnIdle.Duration,
			cfg.HealthInterval.Duration,
		))
	}
	if cfg.ApplicationName != "" {
		opts = append(opts, storage.WithPostgresApplicationName(cfg.ApplicationName))
	}
	return opts
}

func closeStore(repo storage.Repository, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := repo.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}

func newBroadcaster(ctx context.Context, cfg config.Events, logger *slog.Logger, recorder *metrics.Recorder) (events.Broadcaster, error) {
	onDrop := func(_ string, event events.Event) {
		recorder.EventDropped(string(event.Name))
	}
	switch cfg.Driver {
	case "memory":
		return events.NewMemoryBroadcaster(events.MemoryConfig{Buffer: cfg.Buffer, OnDrop: onDrop}), nil
	case "redis":
		redisCfg := redisConfig(cfg.Redis, logging.WithComponent(logger, "events"))
		redisCfg.Buffer = cfg.Buffer
		redisCfg.OnDrop = onDrop
		broadcaster, err := events.NewRedisBroadcaster(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis broadcaster: %w", err)
		}
		return broadcaster, nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// newLoginStore returns the shared login attempt store, or nil when attempts
// are counted in memory, with a func that releases it.
func newLoginStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (server.LoginStore, func(), error) {
	if cfg.Auth.LoginStore != "redis" {
		return nil, func() {}, nil
	}
	client, err := events.NewRedisClient(ctx, redisConfig(cfg.Events.Redis, logger))
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis login store: %w", err)
	}
	release := func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logger.Warn("failed to close redis login store", "error", err)
		}
	}
	return server.NewRedisLoginStore(client), release, nil
}

func redisConfig(cfg config.Redis, logger *slog.Logger) events.RedisConfig {
	return events.RedisConfig{
		Addr:          cfg.Addr,
		Addrs:         cfg.Addrs,
		Username:      cfg.Username,
		Password:      cfg.Password,
		MasterName:    cfg.MasterName,
		ChannelPrefix: cfg.ChannelPrefix,
		PoolSize:      cfg.PoolSize,
		Logger:        logger,
		TLS: events.RedisTLSConfig{
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}
}
