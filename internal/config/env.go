package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "STREAMVAULT_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key   string
	apply func(*Config, string) error
}

var envBindings = []envBinding{
	{"ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"TLS_CERT", func(c *Config, v string) error { c.Server.TLSCert = v; return nil }},
	{"TLS_KEY", func(c *Config, v string) error { c.Server.TLSKey = v; return nil }},
	{"ALLOWED_ORIGINS", func(c *Config, v string) error { c.Server.AllowedOrigins = splitAndTrim(v); return nil }},
	{"SHUTDOWN_TIMEOUT", durationSetter(func(c *Config) *Duration { return &c.Server.ShutdownTimeout })},
	{"TRUST_PROXY_HEADERS", boolSetter(func(c *Config) *bool { return &c.Server.TrustProxyHeaders })},

	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},

	{"TOKEN_SECRET", func(c *Config, v string) error { c.Auth.TokenSecret = v; return nil }},
	{"TOKEN_TTL", durationSetter(func(c *Config) *Duration { return &c.Auth.TokenTTL })},
	{"TOKEN_ISSUER", func(c *Config, v string) error { c.Auth.Issuer = v; return nil }},
	{"LOGIN_RPS", floatSetter(func(c *Config) *float64 { return &c.Auth.LoginRPS })},
	{"LOGIN_BURST", intSetter(func(c *Config) *int { return &c.Auth.LoginBurst })},
	{"LOGIN_STORE", func(c *Config, v string) error { c.Auth.LoginStore = v; return nil }},

	{"STORAGE_DRIVER", func(c *Config, v string) error { c.Storage.Driver = v; return nil }},
	{"DATA", func(c *Config, v string) error { c.Storage.DataPath = v; return nil }},
	{"SQLITE_PATH", func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil }},
	{"POSTGRES_DSN", func(c *Config, v string) error { c.Storage.Postgres.DSN = v; return nil }},
	{"POSTGRES_MAX_CONNS", intSetter(func(c *Config) *int { return &c.Storage.Postgres.MaxConns })},
	{"POSTGRES_MIN_CONNS", intSetter(func(c *Config) *int { return &c.Storage.Postgres.MinConns })},
	{"POSTGRES_MAX_CONN_LIFETIME", durationSetter(func(c *Config) *Duration { return &c.Storage.Postgres.MaxConnLifetime })},
	{"POSTGRES_MAX_CONN_IDLE", durationSetter(func(c *Config) *Duration { return &c.Storage.Postgres.MaxConnIdle })},
	{"POSTGRES_HEALTH_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.Storage.Postgres.HealthInterval })},
	{"POSTGRES_ACQUIRE_TIMEOUT", durationSetter(func(c *Config) *Duration { return &c.Storage.Postgres.AcquireTimeout })},
	{"POSTGRES_APP_NAME", func(c *Config, v string) error { c.Storage.Postgres.ApplicationName = v; return nil }},

	{"MEDIA_ROOT", func(c *Config, v string) error { c.Media.Root = v; return nil }},
	{"MAX_UPLOAD_BYTES", func(c *Config, v string) error {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Media.MaxUploadBytes = parsed
		return nil
	}},

	{"EVENTS_DRIVER", func(c *Config, v string) error { c.Events.Driver = v; return nil }},
	{"EVENTS_BUFFER", intSetter(func(c *Config) *int { return &c.Events.Buffer })},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Events.Redis.Addr = v; return nil }},
	{"REDIS_ADDRS", func(c *Config, v string) error { c.Events.Redis.Addrs = splitAndTrim(v); return nil }},
	{"REDIS_USERNAME", func(c *Config, v string) error { c.Events.Redis.Username = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Events.Redis.Password = v; return nil }},
	{"REDIS_MASTER_NAME", func(c *Config, v string) error { c.Events.Redis.MasterName = v; return nil }},
	{"REDIS_CHANNEL_PREFIX", func(c *Config, v string) error { c.Events.Redis.ChannelPrefix = v; return nil }},
	{"REDIS_POOL_SIZE", intSetter(func(c *Config) *int { return &c.Events.Redis.PoolSize })},
	{"REDIS_TLS_CA", func(c *Config, v string) error { c.Events.Redis.TLSCA = v; return nil }},
	{"REDIS_TLS_CERT", func(c *Config, v string) error { c.Events.Redis.TLSCert = v; return nil }},
	{"REDIS_TLS_KEY", func(c *Config, v string) error { c.Events.Redis.TLSKey = v; return nil }},
	{"REDIS_TLS_SERVER_NAME", func(c *Config, v string) error { c.Events.Redis.TLSServerName = v; return nil }},
	{"REDIS_TLS_SKIP_VERIFY", boolSetter(func(c *Config) *bool { return &c.Events.Redis.TLSSkipVerify })},

	{"PROCESSING_MIN_DURATION", durationSetter(func(c *Config) *Duration { return &c.Processing.MinDuration })},
	{"PROCESSING_MAX_DURATION", durationSetter(func(c *Config) *Duration { return &c.Processing.MaxDuration })},
	{"PROCESSING_STEPS", intSetter(func(c *Config) *int { return &c.Processing.Steps })},
	{"PROCESSING_SAFE_PROBABILITY", floatSetter(func(c *Config) *float64 { return &c.Processing.SafeProbability })},
	{"PROCESSING_MAX_CONCURRENT", intSetter(func(c *Config) *int { return &c.Processing.MaxConcurrent })},
	{"PROCESSING_BROADCAST_FAILURES", boolSetter(func(c *Config) *bool { return &c.Processing.BroadcastFailures })},
	{"PROCESSING_RECOVER", boolSetter(func(c *Config) *bool { return &c.Processing.RecoverOnStart })},
	{"PROCESSING_STALE_AFTER", durationSetter(func(c *Config) *Duration { return &c.Processing.StaleAfter })},
}

// ApplyEnv overlays STREAMVAULT_* variables found through lookup. Empty
// values are ignored. Unparseable values are reported together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	for _, binding := range envBindings {
		key := EnvPrefix + binding.key
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if err := binding.apply(c, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func durationSetter(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		field(c).Duration = parsed
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = parsed
		return nil
	}
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = parsed
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = parsed
		return nil
	}
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
