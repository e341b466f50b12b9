package storage

import (
	"strings"
	"time"
)

type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
}

type optionAdapter struct {
	json   func(*Storage)
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used to stamp records. Tests use it to
// produce deterministic ordering.
func WithClock(clock func() time.Time) Option {
	if clock == nil {
		return optionAdapter{}
	}
	return optionAdapter{
		json:   func(s *Storage) { s.now = clock },
		pg:     func(cfg *PostgresConfig) { cfg.Clock = clock },
		sqlite: func(cfg *SQLiteConfig) { cfg.Clock = clock },
	}
}

// WithSQLiteBusyTimeout sets the busy_timeout pragma applied to new SQLite
// connections.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout configures how long the repository waits to obtain a
// connection from the pool. The same deadline bounds the statement executed
// with that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
