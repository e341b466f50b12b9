// Package processing moves uploaded assets through the processing state
// machine and announces every committed change to the asset's tenant.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"streamvault/internal/events"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

type Config struct {
	Store     Store
	Publisher Publisher

	// Durations defaults to UniformDuration(DefaultMinDuration, DefaultMaxDuration).
	Durations DurationProvider
	// Classifier defaults to RandomClassifier with DefaultSafeProbability.
	Classifier Classifier
	// Steps is the number of progress updates per run. Defaults to
	// DefaultSteps and is capped at MaxSteps.
	Steps int
	// MaxConcurrent bounds the runs that may be past their first transition
	// at once. Zero means unbounded.
	MaxConcurrent int
	// BroadcastFailures publishes processing_failed after an asset is forced
	// to failed.
	BroadcastFailures bool
	// StaleAfter is how long a processing asset must go without an update
	// before Recover treats it as abandoned. It must exceed the longest gap
	// between two progress steps. Defaults to DefaultStaleAfter.
	StaleAfter time.Duration

	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Supervisor owns the in-flight pipelines, one per asset. Runs are
// independent: a failure or cancellation of one never affects another.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("processing: store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("processing: publisher is required")
	}
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultSteps
	}
	if cfg.Steps > MaxSteps {
		cfg.Steps = MaxSteps
	}
	if cfg.Durations == nil {
		cfg.Durations = UniformDuration(DefaultMinDuration, DefaultMaxDuration)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = RandomClassifier{SafeProbability: DefaultSafeProbability}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = defaultTracer()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s, nil
}

// Start launches a pipeline for assetID and returns immediately. Starting an
// asset that already has a registered run, or one that is not awaiting
// processing, does nothing.
func (s *Supervisor) Start(assetID string) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}
	if _, exists := s.runs[assetID]; exists {
		s.logger.Debug("processing already registered", "asset_id", assetID)
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[assetID] = r
	s.wg.Add(1)
	go s.execute(ctx, assetID, r)
	return nil
}

func (s *Supervisor) execute(ctx context.Context, assetID string, r *run) {
	defer func() {
		r.cancel()
		s.mu.Lock()
		if s.runs[assetID] == r {
			delete(s.runs, assetID)
		}
		s.mu.Unlock()
		close(r.done)
		s.wg.Done()
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("processing panicked", "asset_id", assetID, "panic", fmt.Sprint(recovered))
		}
	}()

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
	}

	p := &pipeline{
		assetID: assetID,
		store:   s.cfg.Store,
		pub:     s.cfg.Publisher,
		dur:     s.cfg.Durations,
		cls:     s.cfg.Classifier,
		steps:   s.cfg.Steps,
		failEvt: s.cfg.BroadcastFailures,
		logger:  s.logger,
		metrics: s.cfg.Metrics,
		tracer:  s.cfg.Tracer,
		now:     s.cfg.Now,
	}
	p.run(ctx)
}

// Cancel stops the run for assetID, if any. The asset keeps its last
// committed state. It reports whether a run was registered.
func (s *Supervisor) Cancel(assetID string) bool {
	s.mu.Lock()
	r, ok := s.runs[assetID]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Wait blocks until the run for assetID exits or ctx is done. It returns nil
// immediately when no run is registered.
func (s *Supervisor) Wait(ctx context.Context, assetID string) error {
	s.mu.Lock()
	r, ok := s.runs[assetID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Running(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[assetID]
	return ok
}

// Active returns the number of registered runs, including those waiting for
// a concurrency slot.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Recover restarts assets left at uploaded and fails processing assets whose
// owner stopped updating them. An asset counts as abandoned only when no run
// is registered here and it has not changed for StaleAfter, so assets that a
// peer replica is still advancing are left alone. The failure is applied
// conditionally and loses to any progress a peer commits in the meantime.
// Abandoned episodes cannot resume and failed assets are never retried.
func (s *Supervisor) Recover(ctx context.Context) error {
	var errs []error

	orphaned, err := s.cfg.Store.ListAssetsByStatus(ctx, models.AssetStatusProcessing)
	if err != nil {
		errs = append(errs, fmt.Errorf("list processing assets: %w", err))
	}
	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter)
	failed := models.AssetStatusFailed
	zero := 0
	var abandoned int
	for _, asset := range orphaned {
		if s.Running(asset.ID) {
			continue
		}
		if asset.UpdatedAt.After(cutoff) {
			s.logger.Debug("processing asset still active elsewhere", "asset_id", asset.ID, "updated_at", asset.UpdatedAt)
			continue
		}
		updated, err := s.cfg.Store.UpdateAsset(ctx, asset.ID, storage.AssetUpdate{Status: &failed, Progress: &zero, IdleSince: &cutoff})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("fail orphaned asset %s: %w", asset.ID, err))
			continue
		}
		abandoned++
		s.logger.Warn("failed orphaned processing asset", "asset_id", asset.ID, "tenant_id", asset.TenantID, "updated_at", asset.UpdatedAt)
		if s.cfg.BroadcastFailures {
			s.publishRecovered(ctx, updated)
		}
	}

	pending, err := s.cfg.Store.ListAssetsByStatus(ctx, models.AssetStatusUploaded)
	if err != nil {
		errs = append(errs, fmt.Errorf("list uploaded assets: %w", err))
	}
	for _, asset := range pending {
		if err := s.Start(asset.ID); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if len(pending) > 0 || abandoned > 0 {
		s.logger.Info("recovered processing backlog", "restarted", len(pending), "failed", abandoned)
	}
	return errors.Join(errs...)
}

// RecoverPeriodically runs Recover immediately and then every interval until
// ctx is done. Orphans that were still fresh on one pass are failed on a
// later one. Errors are logged and never stop the loop.
func (s *Supervisor) RecoverPeriodically(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.StaleAfter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Recover(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("processing recovery incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s.isClosed() {
			return nil
		}
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) publishRecovered(ctx context.Context, asset models.Asset) {
	event, err := events.New(events.NameProcessingFailed, events.ProcessingFailedPayload{AssetID: asset.ID, Status: asset.Status}, s.cfg.Now())
	if err != nil {
		s.logger.Error("failed to encode event", "asset_id", asset.ID, "error", err)
		return
	}
	if err := s.cfg.Publisher.Publish(ctx, asset.TenantID, event); err != nil {
		s.cfg.Metrics.BroadcastFailed(string(event.Name))
		s.logger.Warn("failed to broadcast event", "asset_id", asset.ID, "event", event.Name, "error", err)
		return
	}
	s.cfg.Metrics.EventPublished(string(event.Name))
}

// Shutdown stops accepting starts and waits for in-flight runs to finish.
// When ctx expires first the remaining runs are cancelled, Shutdown waits for
// them to exit and returns the context error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
