package config

import (
	"errors"
	"fmt"
	"strings"

	"streamvault/internal/observability/logging"
)

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	c.Auth.LoginStore = strings.ToLower(strings.TrimSpace(c.Auth.LoginStore))
	if c.Auth.LoginStore == "" {
		c.Auth.LoginStore = "memory"
	}
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	return c.validateProcessing()
}

// ValidateStorage normalises and checks only the storage settings, for tools
// that open the datastore without serving.
func (c *Config) ValidateStorage() error {
	c.normalize()
	return c.validateStorage()
}

func (c *Config) validateServer() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if c.Media.Root == "" {
		return errors.New("media.root must be set")
	}
	if c.Media.MaxUploadBytes < 0 {
		return errors.New("media.max_upload_bytes must not be negative")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		return fmt.Errorf("auth.token_secret is required (set %sTOKEN_SECRET)", EnvPrefix)
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Auth.LoginRPS < 0 || c.Auth.LoginBurst < 0 {
		return errors.New("auth.login_rps and auth.login_burst must not be negative")
	}
	switch c.Auth.LoginStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Addr) == "" && len(c.Events.Redis.Addrs) == 0 {
			return errors.New("events.redis.addr is required for the redis login store")
		}
	default:
		return fmt.Errorf("auth.login_store %q must be memory or redis", c.Auth.LoginStore)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "json":
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
		if c.Storage.Postgres.MaxConns > 0 && c.Storage.Postgres.MinConns > c.Storage.Postgres.MaxConns {
			return errors.New("storage.postgres.min_conns must not exceed max_conns")
		}
	default:
		return fmt.Errorf("storage.driver %q must be json, sqlite or postgres", c.Storage.Driver)
	}
	return nil
}

func (c *Config) validateEvents() error {
	switch c.Events.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Addr) == "" && len(c.Events.Redis.Addrs) == 0 {
			return errors.New("events.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("events.driver %q must be memory or redis", c.Events.Driver)
	}
	if c.Events.Buffer < 0 {
		return errors.New("events.buffer must not be negative")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	p := c.Processing
	if p.Steps <= 0 {
		return errors.New("processing.steps must be positive")
	}
	if p.Steps > 100 {
		return errors.New("processing.steps must not exceed 100")
	}
	if p.MinDuration.Duration < 0 || p.MaxDuration.Duration < p.MinDuration.Duration {
		return errors.New("processing.min_duration must be non-negative and not exceed max_duration")
	}
	if p.SafeProbability < 0 || p.SafeProbability > 1 {
		return errors.New("processing.safe_probability must be between 0 and 1")
	}
	if p.MaxConcurrent < 0 {
		return errors.New("processing.max_concurrent must not be negative")
	}
	if p.StaleAfter.Duration <= p.MaxDuration.Duration {
		return errors.New("processing.stale_after must exceed max_duration")
	}
	return nil
}
