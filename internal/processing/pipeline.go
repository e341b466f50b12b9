package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"streamvault/internal/events"
	"streamvault/internal/models"
	"streamvault/internal/observability/logging"
	"streamvault/internal/observability/metrics"
	"streamvault/internal/storage"
)

const tracerName = "streamvault/internal/processing"

// Store is the slice of the record store the pipeline and supervisor use.
type Store interface {
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	UpdateAsset(ctx context.Context, id string, update storage.AssetUpdate) (models.Asset, error)
	ListAssetsByStatus(ctx context.Context, status models.AssetStatus) ([]models.Asset, error)
}

// Publisher delivers events to the observers of a tenant.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, event events.Event) error
}

// Metrics receives pipeline counters. *metrics.Recorder satisfies it.
type Metrics interface {
	PipelineStarted()
	PipelineFinished(outcome string, duration time.Duration)
	EventPublished(event string)
	BroadcastFailed(event string)
}

type noopMetrics struct{}

func (noopMetrics) PipelineStarted()                       {}
func (noopMetrics) PipelineFinished(string, time.Duration) {}
func (noopMetrics) EventPublished(string)                  {}
func (noopMetrics) BroadcastFailed(string)                 {}

// pipeline drives one asset from uploaded to a terminal state. Every state
// change is persisted first and then announced with the values the store
// returned.
type pipeline struct {
	assetID string
	store   Store
	pub     Publisher
	dur     DurationProvider
	cls     Classifier
	steps   int
	failEvt bool
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func (p *pipeline) run(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "processing.run", trace.WithAttributes(attribute.String("asset.id", p.assetID)))
	defer span.End()

	ctx = logging.ContextWithAssetID(ctx, p.assetID)
	logger := logging.WithContext(ctx, p.logger)

	asset, err := p.store.GetAsset(ctx, p.assetID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("asset not found, skipping processing")
		case ctx.Err() != nil:
			logger.Debug("processing cancelled before start")
		default:
			logger.Error("failed to load asset", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "load asset")
		}
		return
	}
	if asset.Status != models.AssetStatusUploaded {
		logger.Debug("asset not awaiting processing", "status", asset.Status)
		return
	}

	ctx = logging.ContextWithTenantID(ctx, asset.TenantID)
	logger = logging.WithContext(ctx, p.logger)
	span.SetAttributes(attribute.String("tenant.id", asset.TenantID))

	started := time.Now()
	outcome, err := p.process(ctx, logger, asset)
	if outcome == "" {
		return
	}
	p.metrics.PipelineFinished(outcome, time.Since(started))
	span.SetAttributes(attribute.String("processing.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
}

// process commits the processing state before it emits processing_start, as
// every transition is persisted before it is announced. The outcome is empty
// when the asset never entered processing.
func (p *pipeline) process(ctx context.Context, logger *slog.Logger, asset models.Asset) (string, error) {
	processing := models.AssetStatusProcessing
	zero := 0
	current, err := p.persist(ctx, "start", storage.AssetUpdate{Status: &processing, Progress: &zero})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			logger.Debug("processing cancelled before start")
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("asset removed before processing started")
		case errors.Is(err, storage.ErrInvalidTransition):
			logger.Info("asset already claimed", "error", err)
		default:
			logger.Error("failed to start processing", "error", err)
		}
		return "", nil
	}
	p.metrics.PipelineStarted()
	logger.Info("processing started")
	p.emit(ctx, logger, current.TenantID, events.NameProcessingStart, events.ProcessingStartPayload{AssetID: current.ID})

	total := p.dur.Duration(asset)
	if total < 0 {
		total = 0
	}
	delay := total / time.Duration(p.steps)

	for step := 1; step <= p.steps; step++ {
		if err := sleep(ctx, delay); err != nil {
			logger.Info("processing cancelled", "progress", current.Progress)
			return metrics.OutcomeCancelled, nil
		}
		progress := int(math.Round(float64(step) * 100 / float64(p.steps)))
		current, err = p.persist(ctx, "progress", storage.AssetUpdate{Status: &processing, Progress: &progress})
		if err != nil {
			return p.handlePersistError(ctx, logger, err)
		}
		p.emit(ctx, logger, current.TenantID, events.NameProgress, events.ProgressPayload{AssetID: current.ID, Progress: current.Progress})
	}

	classification, err := p.cls.Classify(ctx, current)
	if err == nil && classification != models.ClassificationSafe && classification != models.ClassificationFlagged {
		err = fmt.Errorf("unexpected classification %q", classification)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("processing cancelled during classification")
			return metrics.OutcomeCancelled, nil
		}
		classifyErr := &ClassifyError{AssetID: p.assetID, Err: err}
		logger.Error("classification failed", "error", err)
		p.fail(ctx, logger)
		return metrics.OutcomeFailed, classifyErr
	}

	completed := models.AssetStatusCompleted
	hundred := 100
	current, err = p.persist(ctx, "complete", storage.AssetUpdate{Status: &completed, Progress: &hundred, Classification: &classification})
	if err != nil {
		return p.handlePersistError(ctx, logger, err)
	}
	logger.Info("processing completed", "classification", current.Classification)
	p.emit(ctx, logger, current.TenantID, events.NameProcessed, events.ProcessedPayload{
		AssetID:        current.ID,
		Status:         current.Status,
		Classification: current.Classification,
	})
	return metrics.OutcomeCompleted, nil
}

func (p *pipeline) handlePersistError(ctx context.Context, logger *slog.Logger, err error) (string, error) {
	if ctx.Err() != nil {
		logger.Info("processing cancelled")
		return metrics.OutcomeCancelled, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("asset removed during processing")
		return metrics.OutcomeAborted, fmt.Errorf("%w: %s", ErrAssetNotFound, p.assetID)
	}
	logger.Error("failed to persist processing state", "error", err)
	p.fail(ctx, logger)
	return metrics.OutcomeFailed, err
}

// fail forces the asset to failed once. A failure event follows only when
// failure broadcasts are enabled.
func (p *pipeline) fail(ctx context.Context, logger *slog.Logger) {
	failed := models.AssetStatusFailed
	zero := 0
	current, err := p.persist(ctx, "fail", storage.AssetUpdate{Status: &failed, Progress: &zero})
	if err != nil {
		logger.Error("failed to mark asset failed", "error", err)
		return
	}
	logger.Warn("processing failed")
	if p.failEvt {
		p.emit(ctx, logger, current.TenantID, events.NameProcessingFailed, events.ProcessingFailedPayload{AssetID: current.ID, Status: current.Status})
	}
}

func (p *pipeline) persist(ctx context.Context, op string, update storage.AssetUpdate) (models.Asset, error) {
	ctx, span := p.tracer.Start(ctx, "processing.persist", trace.WithAttributes(attribute.String("processing.op", op)))
	defer span.End()
	if update.Progress != nil {
		span.SetAttributes(attribute.Int("asset.progress", *update.Progress))
	}
	asset, err := p.store.UpdateAsset(ctx, p.assetID, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		if errors.Is(err, storage.ErrNotFound) {
			return models.Asset{}, err
		}
		return models.Asset{}, &PersistError{AssetID: p.assetID, Op: op, Err: err}
	}
	return asset, nil
}

// emit publishes on a context detached from cancellation so a committed
// state change is always announced.
func (p *pipeline) emit(ctx context.Context, logger *slog.Logger, tenantID string, name events.Name, payload any) {
	event, err := events.New(name, payload, p.now())
	if err != nil {
		logger.Error("failed to encode event", "event", name, "error", err)
		return
	}
	if err := p.pub.Publish(context.WithoutCancel(ctx), tenantID, event); err != nil {
		p.metrics.BroadcastFailed(string(name))
		logger.Warn("failed to broadcast event", "event", name, "error", err)
		return
	}
	p.metrics.EventPublished(string(name))
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
