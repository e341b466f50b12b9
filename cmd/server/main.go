// Command server runs the StreamVault API: uploads, the processing
// supervisor and the observer endpoint in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"streamvault/internal/api"
	"streamvault/internal/auth"
	"streamvault/internal/config"
	"streamvault/internal/mediastore"
	"streamvault/internal/observability/logging"
	"streamvault/internal/observability/metrics"
	"streamvault/internal/processing"
	"streamvault/internal/server"
	"streamvault/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, logOutput io.Writer) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	overrides := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := overrides.Resolve(lookup)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: logOutput,
	})
	recorder := metrics.Default()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	broadcaster, err := newBroadcaster(ctx, cfg.Events, logger, recorder)
	if err != nil {
		closeStore(store, logger)
		return err
	}
	loginStore, closeLoginStore, err := newLoginStore(ctx, cfg, logger)
	if err != nil {
		_ = broadcaster.Close()
		closeStore(store, logger)
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout.Duration
	if shutdownTimeout <= 0 {
		shutdownTimeout = serverutil.DefaultShutdownTimeout
	}
	// Stop order: HTTP server (via ctx), pipelines, event fan-out, stores.
	var supervisor *processing.Supervisor
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if supervisor != nil {
			if err := supervisor.Shutdown(shutdownCtx); err != nil {
				logger.Warn("processing did not drain before shutdown", "error", err)
			}
		}
		if err := broadcaster.Close(); err != nil {
			logger.Warn("failed to close event broadcaster", "error", err)
		}
		closeLoginStore()
		closeStore(store, logger)
		logger.Info("server stopped")
	}()

	media, err := mediastore.New(cfg.Media.Root, cfg.Media.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	tokens, err := auth.NewTokenManager(cfg.Auth.TokenSecret,
		auth.WithTTL(cfg.Auth.TokenTTL.Duration),
		auth.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return fmt.Errorf("configure tokens: %w", err)
	}

	supervisor, err = processing.NewSupervisor(processing.Config{
		Store:             store,
		Publisher:         broadcaster,
		Durations:         processing.UniformDuration(cfg.Processing.MinDuration.Duration, cfg.Processing.MaxDuration.Duration),
		Classifier:        processing.RandomClassifier{SafeProbability: cfg.Processing.SafeProbability},
		Steps:             cfg.Processing.Steps,
		MaxConcurrent:     cfg.Processing.MaxConcurrent,
		BroadcastFailures: cfg.Processing.BroadcastFailures,
		StaleAfter:        cfg.Processing.StaleAfter.Duration,
		Logger:            logging.WithComponent(logger, "processing"),
		Metrics:           recorder,
	})
	if err != nil {
		return fmt.Errorf("start processing supervisor: %w", err)
	}

	handler := &api.Handler{
		Store:          store,
		Tokens:         tokens,
		Media:          media,
		Pipelines:      supervisor,
		Broadcaster:    broadcaster,
		Logger:         logging.WithComponent(logger, "api"),
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
	}
	srv, err := server.New(handler, server.Config{
		Addr: cfg.Server.Addr,
		TLS: serverutil.TLSConfig{
			CertFile: cfg.Server.TLSCert,
			KeyFile:  cfg.Server.TLSKey,
		},
		ShutdownTimeout:   shutdownTimeout,
		Logger:            logger,
		AuditLogger:       logging.WithComponent(logger, "audit"),
		Metrics:           recorder,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		RateLimit: server.RateLimitConfig{
			LoginRPS:   cfg.Auth.LoginRPS,
			LoginBurst: cfg.Auth.LoginBurst,
			Store:      loginStore,
		},
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("starting streamvault",
		"addr", cfg.Server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"events_driver", cfg.Events.Driver,
		"tls", cfg.Server.TLSCert != "",
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	if cfg.Processing.RecoverOnStart {
		group.Go(func() error {
			return supervisor.RecoverPeriodically(groupCtx, cfg.Processing.StaleAfter.Duration/2)
		})
	}
	return group.Wait()
}
