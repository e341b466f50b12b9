package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTickingClock returns a clock that advances one second per call so
// creation order is unambiguous across drivers.
func newTickingClock() func() time.Time {
	var (
		mu      sync.Mutex
		current = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close(context.Background()) }, nil
}

func sqliteRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamvault.db")
	repo, err := NewSQLiteRepository(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close(context.Background()) }, nil
}
