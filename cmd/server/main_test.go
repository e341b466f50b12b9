package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"streamvault/internal/config"
	"streamvault/internal/events"
	"streamvault/internal/observability/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []config.Storage{
		{Driver: "json", DataPath: filepath.Join(dir, "store.json")},
		{Driver: "sqlite", SQLitePath: filepath.Join(dir, "store.db")},
	} {
		t.Run(cfg.Driver, func(t *testing.T) {
			repo, err := openStore(context.Background(), cfg, discardLogger())
			if err != nil {
				t.Fatalf("openStore error: %v", err)
			}
			defer closeStore(repo, discardLogger())
			if err := repo.Ping(context.Background()); err != nil {
				t.Fatalf("Ping error: %v", err)
			}
		})
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore(context.Background(), config.Storage{Driver: "bolt"}, discardLogger()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestNewBroadcasterDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	recorder := metrics.New()

	memory, err := newBroadcaster(context.Background(), config.Events{Driver: "memory", Buffer: 4}, discardLogger(), recorder)
	if err != nil {
		t.Fatalf("memory broadcaster: %v", err)
	}
	_ = memory.Close()

	redisBroadcaster, err := newBroadcaster(context.Background(), config.Events{
		Driver: "redis",
		Buffer: 4,
		Redis:  config.Redis{Addr: mr.Addr(), ChannelPrefix: "test:"},
	}, discardLogger(), recorder)
	if err != nil {
		t.Fatalf("redis broadcaster: %v", err)
	}
	_ = redisBroadcaster.Close()

	if _, err := newBroadcaster(context.Background(), config.Events{Driver: "kafka"}, discardLogger(), recorder); err == nil {
		t.Fatal("expected error for unsupported events driver")
	}
}

func TestNewBroadcasterCountsDroppedEvents(t *testing.T) {
	recorder := metrics.New()
	broadcaster, err := newBroadcaster(context.Background(), config.Events{Driver: "memory", Buffer: 1}, discardLogger(), recorder)
	if err != nil {
		t.Fatalf("newBroadcaster error: %v", err)
	}
	defer broadcaster.Close()

	sub, err := broadcaster.Subscribe(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		event, err := events.New(events.NameProgress, events.ProgressPayload{AssetID: "a1", Progress: i * 10}, time.Now())
		if err != nil {
			t.Fatalf("events.New error: %v", err)
		}
		if err := broadcaster.Publish(context.Background(), "acme", event); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "streamvault_events_dropped_total" {
			return
		}
	}
	t.Fatal("expected dropped events to be counted")
}

func TestNewLoginStore(t *testing.T) {
	cfg := config.Default()
	store, release, err := newLoginStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("memory login store: %v", err)
	}
	release()
	if store != nil {
		t.Fatal("expected in-memory login counting to use no shared store")
	}

	mr := miniredis.RunT(t)
	cfg.Auth.LoginStore = "redis"
	cfg.Events.Redis.Addr = mr.Addr()
	store, release, err = newLoginStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("redis login store: %v", err)
	}
	defer release()
	allowed, _, err := store.Allow(context.Background(), "login:test", 1, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("expected first attempt to pass, got %v (%v)", allowed, err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), nil, envLookup(nil), io.Discard)
	if err == nil {
		t.Fatal("expected error without a token secret")
	}
	if !strings.Contains(err.Error(), "token_secret") {
		t.Fatalf("expected error to mention token_secret, got %q", err)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	dir := t.TempDir()
	args := []string{
		"-addr", addr,
		"-data", filepath.Join(dir, "store.json"),
		"-media-root", filepath.Join(dir, "media"),
		"-processing-min-duration", "10ms",
		"-processing-max-duration", "20ms",
	}
	lookup := envLookup(map[string]string{config.EnvPrefix + "TOKEN_SECRET": "integration-secret"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, args, lookup, io.Discard) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			res.Body.Close()
			if res.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not become healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
