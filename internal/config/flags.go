package config

import (
	"flag"
	"time"
)

// Overrides holds command-line values. Only flags set explicitly on the
// command line are applied, so unset flags never mask env or file values.
type Overrides struct {
	fs *flag.FlagSet

	ConfigPath string

	addr              string
	logLevel          string
	logFormat         string
	tokenSecret       string
	storageDriver     string
	dataPath          string
	sqlitePath        string
	postgresDSN       string
	mediaRoot         string
	maxUploadBytes    int64
	eventsDriver      string
	redisAddr         string
	maxConcurrent     int
	minDuration       time.Duration
	maxDuration       time.Duration
	broadcastFailures bool
	recoverOnStart    bool
	staleAfter        time.Duration
	tlsCert           string
	tlsKey            string
}

// RegisterFlags defines the server flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}
	fs.StringVar(&o.ConfigPath, "config", "", "path to a TOML config file")
	fs.StringVar(&o.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&o.tokenSecret, "token-secret", "", "HMAC secret used to sign access tokens")
	fs.StringVar(&o.storageDriver, "storage-driver", "", "datastore driver (json, sqlite or postgres)")
	fs.StringVar(&o.dataPath, "data", "", "path to JSON datastore")
	fs.StringVar(&o.sqlitePath, "sqlite-path", "", "path to SQLite database")
	fs.StringVar(&o.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&o.mediaRoot, "media-root", "", "directory for uploaded media")
	fs.Int64Var(&o.maxUploadBytes, "max-upload-bytes", 0, "maximum accepted upload size in bytes")
	fs.StringVar(&o.eventsDriver, "events-driver", "", "event broadcaster driver (memory or redis)")
	fs.StringVar(&o.redisAddr, "redis-addr", "", "Redis address for the event broadcaster")
	fs.IntVar(&o.maxConcurrent, "max-concurrent", 0, "maximum concurrently processing assets (0 for unbounded)")
	fs.DurationVar(&o.minDuration, "processing-min-duration", 0, "minimum simulated processing time")
	fs.DurationVar(&o.maxDuration, "processing-max-duration", 0, "maximum simulated processing time")
	fs.BoolVar(&o.broadcastFailures, "broadcast-failures", false, "publish processing_failed events")
	fs.BoolVar(&o.recoverOnStart, "recover", true, "restart pending assets and fail abandoned ones")
	fs.DurationVar(&o.staleAfter, "processing-stale-after", 0, "idle time after which a processing asset counts as abandoned")
	fs.StringVar(&o.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&o.tlsKey, "tls-key", "", "path to TLS private key file")
	return o
}

// Apply copies explicitly set flags onto cfg.
func (o *Overrides) Apply(cfg *Config) {
	setters := map[string]func(){
		"addr":                    func() { cfg.Server.Addr = o.addr },
		"log-level":               func() { cfg.Log.Level = o.logLevel },
		"log-format":              func() { cfg.Log.Format = o.logFormat },
		"token-secret":            func() { cfg.Auth.TokenSecret = o.tokenSecret },
		"storage-driver":          func() { cfg.Storage.Driver = o.storageDriver },
		"data":                    func() { cfg.Storage.DataPath = o.dataPath },
		"sqlite-path":             func() { cfg.Storage.SQLitePath = o.sqlitePath },
		"postgres-dsn":            func() { cfg.Storage.Postgres.DSN = o.postgresDSN },
		"media-root":              func() { cfg.Media.Root = o.mediaRoot },
		"max-upload-bytes":        func() { cfg.Media.MaxUploadBytes = o.maxUploadBytes },
		"events-driver":           func() { cfg.Events.Driver = o.eventsDriver },
		"redis-addr":              func() { cfg.Events.Redis.Addr = o.redisAddr },
		"max-concurrent":          func() { cfg.Processing.MaxConcurrent = o.maxConcurrent },
		"processing-min-duration": func() { cfg.Processing.MinDuration.Duration = o.minDuration },
		"processing-max-duration": func() { cfg.Processing.MaxDuration.Duration = o.maxDuration },
		"broadcast-failures":      func() { cfg.Processing.BroadcastFailures = o.broadcastFailures },
		"recover":                 func() { cfg.Processing.RecoverOnStart = o.recoverOnStart },
		"processing-stale-after":  func() { cfg.Processing.StaleAfter.Duration = o.staleAfter },
		"tls-cert":                func() { cfg.Server.TLSCert = o.tlsCert },
		"tls-key":                 func() { cfg.Server.TLSKey = o.tlsKey },
	}
	o.fs.Visit(func(f *flag.Flag) {
		if set, ok := setters[f.Name]; ok {
			set()
		}
	})
}

// Resolve loads the file named by -config, then applies env and flags, and
// validates the result.
func (o *Overrides) Resolve(lookup LookupFunc) (Config, error) {
	path := o.ConfigPath
	if path == "" {
		if env, ok := lookup(EnvPrefix + "CONFIG"); ok {
			path = env
		}
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	o.Apply(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
