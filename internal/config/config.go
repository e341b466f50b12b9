// Package config resolves server settings from defaults, an optional TOML
// file, STREAMVAULT_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "5s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config encapsulates all server settings.
//
// Sections by subsystem:
//   - Server: listener, TLS, CORS and shutdown
//   - Log: slog level and format
//   - Auth: token signing and login throttling
//   - Storage: asset and user datastore driver
//   - Media: where uploaded files are written
//   - Events: observer fan-out driver
//   - Processing: pipeline timing, classification and concurrency
type Config struct {
	Server     Server     `toml:"server"`
	Log        Log        `toml:"log"`
	Auth       Auth       `toml:"auth"`
	Storage    Storage    `toml:"storage"`
	Media      Media      `toml:"media"`
	Events     Events     `toml:"events"`
	Processing Processing `toml:"processing"`
}

type Server struct {
	Addr            string   `toml:"addr"`
	TLSCert         string   `toml:"tls_cert"`
	TLSKey          string   `toml:"tls_key"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Auth struct {
	TokenSecret string   `toml:"token_secret"`
	TokenTTL    Duration `toml:"token_ttl"`
	Issuer      string   `toml:"issuer"`
	// LoginRPS and LoginBurst throttle login and registration per client IP.
	LoginRPS   float64 `toml:"login_rps"`
	LoginBurst int     `toml:"login_burst"`
	// LoginStore is memory or redis. The redis store shares attempt counters
	// between server processes and connects with the events.redis settings.
	LoginStore string `toml:"login_store"`
}

type Storage struct {
	// Driver is one of json, sqlite or postgres.
	Driver     string   `toml:"driver"`
	DataPath   string   `toml:"data_path"`
	SQLitePath string   `toml:"sqlite_path"`
	Postgres   Postgres `toml:"postgres"`
}

type Postgres struct {
	DSN             string   `toml:"dsn"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime Duration `toml:"max_conn_lifetime"`
	MaxConnIdle     Duration `toml:"max_conn_idle"`
	HealthInterval  Duration `toml:"health_interval"`
	AcquireTimeout  Duration `toml:"acquire_timeout"`
	ApplicationName string   `toml:"application_name"`
}

type Media struct {
	Root           string `toml:"root"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

type Events struct {
	// Driver is memory or redis.
	Driver string `toml:"driver"`
	Buffer int    `toml:"buffer"`
	Redis  Redis  `toml:"redis"`
}

type Redis struct {
	Addr          string   `toml:"addr"`
	Addrs         []string `toml:"addrs"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	MasterName    string   `toml:"master_name"`
	ChannelPrefix string   `toml:"channel_prefix"`
	PoolSize      int      `toml:"pool_size"`
	TLSCA         string   `toml:"tls_ca"`
	TLSCert       string   `toml:"tls_cert"`
	TLSKey        string   `toml:"tls_key"`
	TLSServerName string   `toml:"tls_server_name"`
	TLSSkipVerify bool     `toml:"tls_skip_verify"`
}

type Processing struct {
	MinDuration       Duration `toml:"min_duration"`
	MaxDuration       Duration `toml:"max_duration"`
	Steps             int      `toml:"steps"`
	SafeProbability   float64  `toml:"safe_probability"`
	MaxConcurrent     int      `toml:"max_concurrent"`
	BroadcastFailures bool     `toml:"broadcast_failures"`
	RecoverOnStart    bool     `toml:"recover_on_start"`
	// StaleAfter is how long a processing asset may go without an update
	// before recovery fails it. It must exceed max_duration so runs on other
	// replicas are never mistaken for orphans.
	StaleAfter Duration `toml:"stale_after"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Log: Log{Level: "info", Format: "json"},
		Auth: Auth{
			TokenTTL:   Duration{24 * time.Hour},
			Issuer:     "streamvault",
			LoginRPS:   1,
			LoginBurst: 5,
			LoginStore: "memory",
		},
		Storage: Storage{
			Driver:     "json",
			DataPath:   "data/streamvault.json",
			SQLitePath: "data/streamvault.db",
			Postgres:   Postgres{ApplicationName: "streamvault"},
		},
		Media: Media{
			Root:           "data/media",
			MaxUploadBytes: 2 << 30,
		},
		Events: Events{
			Driver: "memory",
			Buffer: 64,
			Redis:  Redis{ChannelPrefix: "streamvault:events:"},
		},
		Processing: Processing{
			MinDuration:     Duration{5 * time.Second},
			MaxDuration:     Duration{10 * time.Second},
			Steps:           10,
			SafeProbability: 0.7,
			RecoverOnStart:  true,
			StaleAfter:      Duration{time.Minute},
		},
	}
}

// Load starts from Default and overlays the TOML file at path when it
// exists. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
