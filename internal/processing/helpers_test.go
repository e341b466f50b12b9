package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamvault/internal/events"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

// faultyStore wraps the in-memory datastore and can reject selected updates.
type faultyStore struct {
	*storage.Storage

	mu      sync.Mutex
	updates int
	failOn  func(call int, update storage.AssetUpdate) error
}

func newFaultyStore(t *testing.T) *faultyStore {
	t.Helper()
	store, err := storage.NewStorage("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return &faultyStore{Storage: store}
}

func (s *faultyStore) UpdateAsset(ctx context.Context, id string, update storage.AssetUpdate) (models.Asset, error) {
	s.mu.Lock()
	s.updates++
	call := s.updates
	failOn := s.failOn
	s.mu.Unlock()
	if failOn != nil {
		if err := failOn(call, update); err != nil {
			return models.Asset{}, err
		}
	}
	return s.Storage.UpdateAsset(ctx, id, update)
}

func (s *faultyStore) createAsset(t *testing.T, tenantID string) models.Asset {
	t.Helper()
	asset, err := s.CreateAsset(context.Background(), storage.CreateAssetParams{
		TenantID: tenantID,
		Filename: "clip.mp4",
	})
	require.NoError(t, err)
	return asset
}

// published is an event captured together with the stored asset at the
// moment it was published.
type published struct {
	tenantID string
	event    events.Event
	stored   models.Asset
}

// recordingPublisher captures every event and snapshots the store when each
// one is published.
type recordingPublisher struct {
	store Store
	err   error

	mu     sync.Mutex
	events []published
	notify chan events.Event
}

func newRecordingPublisher(store Store) *recordingPublisher {
	return &recordingPublisher{store: store, notify: make(chan events.Event, 256)}
}

func (p *recordingPublisher) Publish(ctx context.Context, tenantID string, event events.Event) error {
	var payload struct {
		AssetID string `json:"assetId"`
	}
	if err := event.Decode(&payload); err != nil {
		return err
	}
	stored, _ := p.store.GetAsset(ctx, payload.AssetID)
	p.mu.Lock()
	p.events = append(p.events, published{tenantID: tenantID, event: event, stored: stored})
	p.mu.Unlock()
	select {
	case p.notify <- event:
	default:
	}
	return p.err
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) forAsset(assetID string) []published {
	var out []published
	for _, rec := range p.all() {
		var payload struct {
			AssetID string `json:"assetId"`
		}
		if err := rec.event.Decode(&payload); err == nil && payload.AssetID == assetID {
			out = append(out, rec)
		}
	}
	return out
}

func (p *recordingPublisher) waitFor(t *testing.T, name events.Name) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-p.notify:
			if event.Name == name {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func names(records []published) []events.Name {
	out := make([]events.Name, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.event.Name)
	}
	return out
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Durations == nil {
		cfg.Durations = FixedDuration(0)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = FixedClassifier(models.ClassificationSafe)
	}
	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func startAndWait(t *testing.T, sup *Supervisor, assetID string) {
	t.Helper()
	require.NoError(t, sup.Start(assetID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx, assetID))
}

var errDiskFull = errors.New("disk full")

type countingMetrics struct {
	mu        sync.Mutex
	started   int
	finished  map[string]int
	published int
	failures  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{finished: make(map[string]int)}
}

func (m *countingMetrics) PipelineStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) PipelineFinished(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.finished[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) EventPublished(string) {
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
}

func (m *countingMetrics) BroadcastFailed(string) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}
