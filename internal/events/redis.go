package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis pub/sub broadcaster. Each tenant maps to
// one channel named ChannelPrefix + tenantID.
type RedisConfig struct {
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	MasterName    string
	ChannelPrefix string
	Logger        *slog.Logger
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PoolSize      int
	Buffer        int
	TLS           RedisTLSConfig
	OnDrop        DropFunc
}

const defaultChannelPrefix = "streamvault:events:"

// NewRedisClient builds a universal client from the connection settings of
// cfg and verifies it with PING. It serves Redis consumers that share the
// broadcaster's deployment settings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisBroadcaster connects to Redis and returns a broadcaster that lets
// several server processes share observer traffic.
func NewRedisBroadcaster(ctx context.Context, cfg RedisConfig) (Broadcaster, error) {
	prefix := cfg.ChannelPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultChannelPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := &redisBroadcaster{
		client: client,
		prefix: prefix,
		buffer: cfg.Buffer,
		logger: cfg.Logger,
		onDrop: cfg.OnDrop,
		subs:   make(map[*redisSubscription]struct{}),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

type redisBroadcaster struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *slog.Logger
	onDrop DropFunc

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func (b *redisBroadcaster) channel(tenantID string) string {
	return b.prefix + tenantID
}

func (b *redisBroadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *redisBroadcaster) Publish(ctx context.Context, tenantID string, event Event) error {
	if event.Name == "" {
		return errors.New("event name is required")
	}
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Name, err)
	}
	return nil
}

func (b *redisBroadcaster) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel(tenantID))
	// Wait for the server to confirm so events published after Subscribe
	// returns are delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", tenantID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		broadcaster: b,
		tenantID:    tenantID,
		pubsub:      pubsub,
		cancel:      cancel,
		ch:          make(chan Event, b.buffer),
		done:        make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

func (b *redisBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return b.client.Close()
}

func (b *redisBroadcaster) forget(sub *redisSubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type redisSubscription struct {
	broadcaster *redisBroadcaster
	tenantID    string
	pubsub      *redis.PubSub
	cancel      context.CancelFunc

	once sync.Once
	ch   chan Event
	done chan struct{}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops the subscription and waits for the reader goroutine, which owns
// the events channel, to exit.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer func() {
		if err := s.pubsub.Close(); err != nil {
			s.broadcaster.logger.Debug("redis pubsub close failed", "tenant_id", s.tenantID, "error", err)
		}
		s.broadcaster.forget(s)
		close(s.ch)
		close(s.done)
	}()

	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.broadcaster.logger.Error("redis event decode failed", "tenant_id", s.tenantID, "error", err)
				continue
			}
			select {
			case s.ch <- event:
			default:
				if s.broadcaster.onDrop != nil {
					s.broadcaster.onDrop(s.tenantID, event)
				}
			}
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
