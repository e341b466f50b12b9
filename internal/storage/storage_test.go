package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"streamvault/internal/models"
)

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, jsonRepositoryFactory)
}

func TestJSONRepositoryInMemory(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	asset, err := store.CreateAsset(context.Background(), CreateAssetParams{TenantID: "t", Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := store.GetAsset(context.Background(), asset.ID); err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	ctx := context.Background()
	user, err := store.CreateUser(ctx, CreateUserParams{Username: "ed", Email: "ed@example.com", PasswordHash: "hash", Role: models.RoleEditor, TenantID: "t"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	asset, err := store.CreateAsset(ctx, CreateAssetParams{TenantID: "t", UploaderID: user.ID, Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := store.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing), Progress: progressPtr(30)}); err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close(ctx)

	got, err := reopened.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset after reopen: %v", err)
	}
	if got.Status != models.AssetStatusProcessing || got.Progress != 30 {
		t.Fatalf("unexpected asset after reopen: %+v", got)
	}
	gotUser, err := reopened.GetUserByEmail(ctx, "ed@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail after reopen: %v", err)
	}
	if gotUser.PasswordHash != "hash" {
		t.Fatal("expected password hash to persist")
	}
}

func TestStorageRejectsSecondProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	defer store.Close(context.Background())

	if _, err := NewStorage(path); !errors.Is(err, ErrDatastoreLocked) {
		t.Fatalf("expected ErrDatastoreLocked, got %v", err)
	}
}

func TestStorageLoadToleratesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	defer store.Close(context.Background())
	assets, err := store.ListAssets(context.Background(), "t")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 0 {
		t.Fatalf("expected empty dataset, got %d assets", len(assets))
	}
}

func TestUpdateAssetPersistFailureLeavesDataUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	asset, err := store.CreateAsset(ctx, CreateAssetParams{TenantID: "t", Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if _, err := store.UpdateAsset(ctx, asset.ID, AssetUpdate{Status: statusPtr(models.AssetStatusProcessing)}); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	store.persistOverride = nil

	got, err := store.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.Status != models.AssetStatusUploaded {
		t.Fatalf("expected asset to remain uploaded, got %s", got.Status)
	}
}

func TestStorageHonoursCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.CreateAsset(ctx, CreateAssetParams{TenantID: "t", Filename: "a.mp4"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Ping to report cancellation, got %v", err)
	}
}
