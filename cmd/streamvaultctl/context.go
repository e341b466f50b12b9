package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"streamvault/internal/config"
	"streamvault/internal/storage"
)

const closeTimeout = 5 * time.Second

type storageFlags struct {
	configPath  string
	driver      string
	dataPath    string
	sqlitePath  string
	postgresDSN string
}

// apply overlays the non-empty flags on cfg.
func (f *storageFlags) apply(cfg *config.Storage) {
	if v := strings.TrimSpace(f.driver); v != "" {
		cfg.Driver = v
	}
	if v := strings.TrimSpace(f.dataPath); v != "" {
		cfg.DataPath = v
	}
	if v := strings.TrimSpace(f.sqlitePath); v != "" {
		cfg.SQLitePath = v
	}
	if v := strings.TrimSpace(f.postgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}
}

type commandContext struct {
	flags *storageFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *storageFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig resolves the file, STREAMVAULT_* variables and storage flags
// once. Only the storage section is validated.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.flags.configPath)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			c.configErr = err
			return
		}
		c.flags.apply(&cfg.Storage)
		if err := cfg.ValidateStorage(); err != nil {
			c.configErr = err
			return
		}
		c.config = &cfg
	})
	return c.config, c.configErr
}

// withRepository opens the configured datastore for the duration of fn.
func (c *commandContext) withRepository(fn func(storage.Repository) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepository(repo)
	return fn(repo)
}

func openRepository(cfg config.Storage) (storage.Repository, error) {
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
		repo, err = storage.NewPostgresRepository(cfg.Postgres.DSN, storage.WithPostgresApplicationName("streamvaultctl"))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s datastore: %w", cfg.Driver, err)
	}
	return repo, nil
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = repo.Close(ctx)
}
