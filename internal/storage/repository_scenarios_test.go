package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamvault/internal/models"
)

// RepositoryFactory constructs a repository backed by one of the datastore
// drivers for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func statusPtr(status models.AssetStatus) *models.AssetStatus { return &status }

func progressPtr(progress int) *int { return &progress }

func classificationPtr(c models.Classification) *models.Classification { return &c }

func timePtr(t time.Time) *time.Time { return &t }

func mustCreateAsset(t *testing.T, repo Repository, tenantID, filename string) models.Asset {
	t.Helper()
	asset, err := repo.CreateAsset(context.Background(), CreateAssetParams{
		TenantID:    tenantID,
		UploaderID:  "uploader",
		Filename:    filename,
		ContentType: "video/mp4",
		SizeBytes:   1024,
		StoragePath: "/tmp/" + filename,
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return asset
}

// RunRepositoryAssetLifecycle drives an asset through the happy path of the
// processing state machine.
func RunRepositoryAssetLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	asset := mustCreateAsset(t, repo, "tenant-a", "clip.mp4")
	if asset.Status != models.AssetStatusUploaded || asset.Progress != 0 || asset.Classification != models.ClassificationUnknown {
		t.Fatalf("unexpected initial asset state: %+v", asset)
	}
	if asset.Title != "clip.mp4" {
		t.Fatalf("expected title to default to filename, got %q", asset.Title)
	}

	updated, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(0)})
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if updated.Status != models.AssetStatusProcessing || updated.Progress != 0 {
		t.Fatalf("unexpected processing state: %+v", updated)
	}

	for _, progress := range []int{10, 20, 50, 90} {
		updated, err = repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(progress)})
		if err != nil {
			t.Fatalf("progress %d: %v", progress, err)
		}
		if updated.Progress != progress {
			t.Fatalf("expected progress %d, got %d", progress, updated.Progress)
		}
	}

	completed, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{
		Status:         statusPtr(models.AssetStatusCompleted),
		Progress:       progressPtr(100),
		Classification: classificationPtr(models.ClassificationFlagged),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.AssetStatusCompleted || completed.Progress != 100 || completed.Classification != models.ClassificationFlagged {
		t.Fatalf("unexpected completed state: %+v", completed)
	}

	stored, err := repo.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if stored.Status != models.AssetStatusCompleted || stored.Progress != 100 || stored.Classification != models.ClassificationFlagged {
		t.Fatalf("stored asset does not match update: %+v", stored)
	}
	if stored.ContentType != "video/mp4" || stored.SizeBytes != 1024 || stored.UploaderID != "uploader" {
		t.Fatalf("supplemental fields lost: %+v", stored)
	}

	if err := repo.DeleteAsset(ctx, asset.ID); err != nil {
		t.Fatalf("delete asset: %v", err)
	}
	if _, err := repo.GetAsset(ctx, asset.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteAsset(ctx, asset.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

// RunRepositoryRejectsInvalidTransitions checks the store-side guard that
// keeps terminal assets terminal.
func RunRepositoryRejectsInvalidTransitions(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	asset := mustCreateAsset(t, repo, "tenant-a", "a.mp4")
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusCompleted), Classification: classificationPtr(models.ClassificationSafe)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected uploaded -> completed to be rejected, got %v", err)
	}

	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(40)}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(30)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected decreasing progress to be rejected, got %v", err)
	}

	failed, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusFailed), Progress: progressPtr(0)})
	if err != nil {
		t.Fatalf("fail asset: %v", err)
	}
	if failed.Progress != 0 || failed.Classification != models.ClassificationUnknown {
		t.Fatalf("unexpected failed state: %+v", failed)
	}
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed -> processing to be rejected, got %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Progress: progressPtr(50)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected progress on failed asset to be rejected, got %v", err)
	}

	if _, err := repo.UpdateAsset(ctx, "missing", AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing asset, got %v", err)
	}
}

// RunRepositoryConditionalUpdate checks that IdleSince rejects an update once
// the asset has changed after the given instant.
func RunRepositoryConditionalUpdate(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(newTickingClock()))
	ctx := context.Background()

	created := mustCreateAsset(t, repo, "tenant-a", "a.mp4")
	started, err := repo.UpdateAsset(ctx, created.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)})
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}

	stale := AssetUpdate{Status: statusPtr(models.AssetStatusFailed), Progress: progressPtr(0), IdleSince: timePtr(created.UpdatedAt)}
	if _, err := repo.UpdateAsset(ctx, created.ID, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for an asset changed after the cutoff, got %v", err)
	}
	current, err := repo.GetAsset(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if current.Status != models.AssetStatusProcessing {
		t.Fatalf("expected rejected update to leave the asset processing, got %s", current.Status)
	}

	idle := AssetUpdate{Status: statusPtr(models.AssetStatusFailed), Progress: progressPtr(0), IdleSince: timePtr(started.UpdatedAt)}
	failed, err := repo.UpdateAsset(ctx, created.ID, idle)
	if err != nil {
		t.Fatalf("conditional update on idle asset: %v", err)
	}
	if failed.Status != models.AssetStatusFailed {
		t.Fatalf("expected failed asset, got %s", failed.Status)
	}
}

// RunRepositoryTenantScoping verifies listings never cross tenants.
func RunRepositoryTenantScoping(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory, WithClock(newTickingClock()))
	ctx := context.Background()

	first := mustCreateAsset(t, repo, "tenant-a", "first.mp4")
	second := mustCreateAsset(t, repo, "tenant-a", "second.mp4")
	mustCreateAsset(t, repo, "tenant-b", "other.mp4")

	assets, err := repo.ListAssets(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 tenant-a assets, got %d", len(assets))
	}
	if assets[0].ID != second.ID || assets[1].ID != first.ID {
		t.Fatalf("expected newest first, got %s then %s", assets[0].ID, assets[1].ID)
	}

	uploaded, err := repo.ListAssetsByStatus(ctx, models.AssetStatusUploaded)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(uploaded) != 3 {
		t.Fatalf("expected 3 uploaded assets, got %d", len(uploaded))
	}
	processing, err := repo.ListAssetsByStatus(ctx, models.AssetStatusProcessing)
	if err != nil {
		t.Fatalf("list processing: %v", err)
	}
	if len(processing) != 0 {
		t.Fatalf("expected no processing assets, got %d", len(processing))
	}
}

// RunRepositoryUserLifecycle covers user CRUD, uniqueness and role counts.
func RunRepositoryUserLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	admin, err := repo.CreateUser(ctx, CreateUserParams{Username: "admin", Email: "Admin@Example.com", PasswordHash: "hash", Role: models.RoleAdmin, TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if admin.Email != "admin@example.com" {
		t.Fatalf("expected normalized email, got %q", admin.Email)
	}
	viewer, err := repo.CreateUser(ctx, CreateUserParams{Username: "viewer", Email: "viewer@example.com", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create viewer: %v", err)
	}
	if viewer.Role != models.RoleViewer || viewer.TenantID != DefaultTenantID {
		t.Fatalf("expected viewer defaults, got %+v", viewer)
	}

	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "other", Email: "admin@example.com", PasswordHash: "hash"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "admin", Email: "new@example.com", PasswordHash: "hash"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate username conflict, got %v", err)
	}

	found, err := repo.GetUserByEmail(ctx, " ADMIN@example.com ")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if found.ID != admin.ID || found.PasswordHash != "hash" {
		t.Fatalf("unexpected user by email: %+v", found)
	}

	editor := models.RoleEditor
	updated, err := repo.UpdateUser(ctx, viewer.ID, UserUpdate{Role: &editor})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if updated.Role != models.RoleEditor {
		t.Fatalf("expected editor role, got %s", updated.Role)
	}
	taken := "admin"
	if _, err := repo.UpdateUser(ctx, viewer.ID, UserUpdate{Username: &taken}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected username conflict on update, got %v", err)
	}

	users, err := repo.ListUsers(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].ID != admin.ID {
		t.Fatalf("expected only the tenant-a admin, got %+v", users)
	}

	counts, err := repo.CountUsersByRole(ctx, DefaultTenantID)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if counts[models.RoleEditor] != 1 || counts[models.RoleAdmin] != 0 || counts[models.RoleViewer] != 0 {
		t.Fatalf("unexpected role counts: %v", counts)
	}

	if err := repo.DeleteUser(ctx, viewer.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := repo.GetUser(ctx, viewer.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// RunRepositoryConcurrentProgress races writers on the same asset; the
// stored progress must end at the highest value any writer committed.
func RunRepositoryConcurrentProgress(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	asset := mustCreateAsset(t, repo, "tenant-a", "race.mp4")
	if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); err != nil {
		t.Fatalf("start processing: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		highest int
	)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(progress int) {
			defer wg.Done()
			if _, err := repo.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(progress)}); err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("update progress %d: %v", progress, err)
				}
				return
			}
			mu.Lock()
			if progress > highest {
				highest = progress
			}
			mu.Unlock()
		}(i * 10)
	}
	wg.Wait()

	stored, err := repo.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if stored.Progress != highest {
		t.Fatalf("expected stored progress %d, got %d", highest, stored.Progress)
	}
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("AssetLifecycle", func(t *testing.T) { RunRepositoryAssetLifecycle(t, factory) })
	t.Run("RejectsInvalidTransitions", func(t *testing.T) { RunRepositoryRejectsInvalidTransitions(t, factory) })
	t.Run("ConditionalUpdate", func(t *testing.T) { RunRepositoryConditionalUpdate(t, factory) })
	t.Run("TenantScoping", func(t *testing.T) { RunRepositoryTenantScoping(t, factory) })
	t.Run("UserLifecycle", func(t *testing.T) { RunRepositoryUserLifecycle(t, factory) })
	t.Run("ConcurrentProgress", func(t *testing.T) { RunRepositoryConcurrentProgress(t, factory) })
}

// RunRepositoryScenarios is the entry point used by driver integration tests
// outside this package.
func RunRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	runRepositoryScenarios(t, factory)
}
