package processing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamvault/internal/events"
	"streamvault/internal/models"
	"streamvault/internal/observability/metrics"
	"streamvault/internal/storage"
)

func TestPipelineCompletesWithOrderedEvents(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Durations: FixedDuration(20 * time.Millisecond)})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	records := pub.forAsset(asset.ID)
	require.Len(t, records, 12)
	assert.Equal(t, events.NameProcessingStart, records[0].event.Name)
	assert.Equal(t, events.NameProcessed, records[11].event.Name)

	last := -1
	for _, rec := range records[1:11] {
		require.Equal(t, events.NameProgress, rec.event.Name)
		var payload events.ProgressPayload
		require.NoError(t, rec.event.Decode(&payload))
		assert.Greater(t, payload.Progress, last)
		last = payload.Progress
	}
	assert.Equal(t, 100, last)

	var processed events.ProcessedPayload
	require.NoError(t, records[11].event.Decode(&processed))
	assert.Equal(t, events.ProcessedPayload{AssetID: asset.ID, Status: models.AssetStatusCompleted, Classification: models.ClassificationSafe}, processed)

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, models.ClassificationSafe, got.Classification)
}

func TestPipelinePersistsBeforeEmitting(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Classifier: FixedClassifier(models.ClassificationFlagged)})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	records := pub.forAsset(asset.ID)
	require.NotEmpty(t, records)
	for _, rec := range records {
		switch rec.event.Name {
		case events.NameProcessingStart:
			assert.Equal(t, models.AssetStatusProcessing, rec.stored.Status)
			assert.Equal(t, 0, rec.stored.Progress)
		case events.NameProgress:
			var payload events.ProgressPayload
			require.NoError(t, rec.event.Decode(&payload))
			assert.Equal(t, payload.Progress, rec.stored.Progress)
		case events.NameProcessed:
			assert.Equal(t, models.AssetStatusCompleted, rec.stored.Status)
			assert.Equal(t, models.ClassificationFlagged, rec.stored.Classification)
		}
		assert.Equal(t, "org-a", rec.tenantID)
	}
}

func TestPipelineFailsWhenFirstProgressCannotPersist(t *testing.T) {
	store := newFaultyStore(t)
	store.failOn = func(call int, _ storage.AssetUpdate) error {
		if call == 2 {
			return errDiskFull
		}
		return nil
	}
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	assert.Equal(t, []events.Name{events.NameProcessingStart}, names(pub.forAsset(asset.ID)))

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusFailed, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, models.ClassificationUnknown, got.Classification)
}

func TestPipelineBroadcastsFailureWhenEnabled(t *testing.T) {
	store := newFaultyStore(t)
	store.failOn = func(call int, _ storage.AssetUpdate) error {
		if call == 2 {
			return errDiskFull
		}
		return nil
	}
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, BroadcastFailures: true})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	records := pub.forAsset(asset.ID)
	require.Equal(t, []events.Name{events.NameProcessingStart, events.NameProcessingFailed}, names(records))
	var payload events.ProcessingFailedPayload
	require.NoError(t, records[1].event.Decode(&payload))
	assert.Equal(t, events.ProcessingFailedPayload{AssetID: asset.ID, Status: models.AssetStatusFailed}, payload)
	assert.Equal(t, models.AssetStatusFailed, records[1].stored.Status)
}

func TestPipelineFailsOnClassifierError(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	classifier := ClassifierFunc(func(context.Context, models.Asset) (models.Classification, error) {
		return models.ClassificationUnknown, errors.New("model unavailable")
	})
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Classifier: classifier})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusFailed, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.NotContains(t, names(pub.forAsset(asset.ID)), events.NameProcessed)
}

func TestPipelineRejectsUnknownClassification(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Classifier: FixedClassifier(models.ClassificationUnknown)})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusFailed, got.Status)
}

func TestPipelineContinuesWhenBroadcastFails(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	pub.err = errors.New("redis down")
	counters := newCountingMetrics()
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Metrics: counters})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusCompleted, got.Status)
	assert.Len(t, pub.forAsset(asset.ID), 12)

	counters.mu.Lock()
	defer counters.mu.Unlock()
	assert.Equal(t, 12, counters.failures)
	assert.Equal(t, 0, counters.published)
	assert.Equal(t, 1, counters.finished[metrics.OutcomeCompleted])
}

func TestPipelineCancellationKeepsLastCommittedState(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Durations: FixedDuration(time.Minute)})

	asset := store.createAsset(t, "org-a")
	require.NoError(t, sup.Start(asset.ID))
	pub.waitFor(t, events.NameProcessingStart)

	require.True(t, sup.Cancel(asset.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx, asset.ID))

	got, err := store.GetAsset(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusProcessing, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, []events.Name{events.NameProcessingStart}, names(pub.forAsset(asset.ID)))
	assert.False(t, sup.Running(asset.ID))
}

func TestPipelineStopsQuietlyWhenAssetDeleted(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Durations: FixedDuration(200 * time.Millisecond)})

	asset := store.createAsset(t, "org-a")
	require.NoError(t, sup.Start(asset.ID))
	pub.waitFor(t, events.NameProcessingStart)
	require.NoError(t, store.DeleteAsset(context.Background(), asset.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx, asset.ID))
	assert.Equal(t, []events.Name{events.NameProcessingStart}, names(pub.forAsset(asset.ID)))
}

func TestPipelineSkipsMissingAsset(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub})

	startAndWait(t, sup, "missing")
	assert.Empty(t, pub.all())
}

func TestPipelineInvariantsUnderConcurrentRuns(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	sup := newTestSupervisor(t, Config{
		Store:      store,
		Publisher:  pub,
		Durations:  UniformDuration(0, 5*time.Millisecond),
		Classifier: RandomClassifier{SafeProbability: DefaultSafeProbability},
	})

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		asset := store.createAsset(t, fmt.Sprintf("org-%d", i%3))
		ids = append(ids, asset.ID)
		require.NoError(t, sup.Start(asset.ID))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		require.NoError(t, sup.Wait(ctx, id))
	}

	for _, id := range ids {
		got, err := store.GetAsset(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.AssetStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Contains(t, []models.Classification{models.ClassificationSafe, models.ClassificationFlagged}, got.Classification)

		last := -1
		for _, rec := range pub.forAsset(id) {
			assert.Equal(t, got.TenantID, rec.tenantID)
			if rec.event.Name != events.NameProgress {
				continue
			}
			var payload events.ProgressPayload
			require.NoError(t, rec.event.Decode(&payload))
			assert.GreaterOrEqual(t, payload.Progress, 0)
			assert.LessOrEqual(t, payload.Progress, 100)
			assert.Greater(t, payload.Progress, last)
			last = payload.Progress
		}
	}
}

func TestPipelineRecordsMetrics(t *testing.T) {
	store := newFaultyStore(t)
	pub := newRecordingPublisher(store)
	counters := newCountingMetrics()
	sup := newTestSupervisor(t, Config{Store: store, Publisher: pub, Metrics: counters, Steps: 4})

	asset := store.createAsset(t, "org-a")
	startAndWait(t, sup, asset.ID)

	counters.mu.Lock()
	defer counters.mu.Unlock()
	assert.Equal(t, 1, counters.started)
	assert.Equal(t, 6, counters.published)
	assert.Equal(t, 1, counters.finished[metrics.OutcomeCompleted])
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(context.Background(), 0))
}
