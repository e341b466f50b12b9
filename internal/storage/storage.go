package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"streamvault/internal/models"
)

// ErrDatastoreLocked is returned when another process holds the JSON datastore.
var ErrDatastoreLocked = errors.New("storage: datastore locked by another process")

type dataset struct {
	Users  map[string]models.User  `json:"users"`
	Assets map[string]models.Asset `json:"assets"`
}

// Storage is the JSON file datastore. All records live in memory and every
// mutation rewrites the file atomically. An empty path keeps the data in
// memory only.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	lock     *flock.Flock
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:  make(map[string]models.User),
		Assets: make(map[string]models.Asset),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Users == nil {
		d.Users = make(map[string]models.User)
	}
	if d.Assets == nil {
		d.Assets = make(map[string]models.Asset)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if path == "" {
		store.data = newDataset()
		return store, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store.lock = flock.New(path + ".lock")
	locked, err := store.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire datastore lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDatastoreLocked, path)
	}
	if err := store.load(); err != nil {
		_ = store.lock.Unlock()
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON datastore at path as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data.ensureInitialized()
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// cloneDataset copies the top-level maps. Records are plain values so a
// shallow copy per entry is sufficient.
func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		clone.Users[id] = user
	}
	for id, asset := range src.Assets {
		clone.Assets[id] = asset
	}
	return clone
}

// commit persists updated and swaps it in. Callers must hold s.mu.
func (s *Storage) commit(updated dataset) error {
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Assets == nil {
		return errors.New("datastore not loaded")
	}
	return nil
}

// Close releases the datastore file lock.
func (s *Storage) Close(ctx context.Context) error {
	if s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release datastore lock: %w", err)
	}
	return nil
}

func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user, err := newUser(id, params, s.now())
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUserUniqueLocked("", user.Username, user.Email); err != nil {
		return models.User{}, err
	}
	updated := cloneDataset(s.data)
	updated.Users[id] = user
	if err := s.commit(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) checkUserUniqueLocked(selfID, username, email string) error {
	for _, existing := range s.data.Users {
		if existing.ID == selfID {
			continue
		}
		if existing.Email == email {
			return fmt.Errorf("%w: email %s already in use", ErrConflict, email)
		}
		if existing.Username == username {
			return fmt.Errorf("%w: username %s already in use", ErrConflict, username)
		}
	}
	return nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return user, nil
}

// GetUserByEmail looks up a user by their normalized email address.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	normalized := normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.Email == normalized {
			return user, nil
		}
	}
	return models.User{}, fmt.Errorf("user %s: %w", normalized, ErrNotFound)
}

func (s *Storage) ListUsers(ctx context.Context, tenantID string) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		if user.TenantID == tenantID {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *Storage) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	user, err := applyUserUpdate(user, update, s.now())
	if err != nil {
		return models.User{}, err
	}
	if err := s.checkUserUniqueLocked(id, user.Username, user.Email); err != nil {
		return models.User{}, err
	}
	updated := cloneDataset(s.data)
	updated.Users[id] = user
	if err := s.commit(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	updated := cloneDataset(s.data)
	delete(updated.Users, id)
	return s.commit(updated)
}

func (s *Storage) CountUsersByRole(ctx context.Context, tenantID string) (map[models.Role]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Role]int, len(models.Roles))
	for _, role := range models.Roles {
		counts[role] = 0
	}
	for _, user := range s.data.Users {
		if user.TenantID == tenantID {
			counts[user.Role]++
		}
	}
	return counts, nil
}

func (s *Storage) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Asset{}, err
	}
	asset, err := newAsset(id, params, s.now())
	if err != nil {
		return models.Asset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	updated.Assets[id] = asset
	if err := s.commit(updated); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Storage) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return asset, nil
}

// ListAssets returns the tenant's assets, newest first.
func (s *Storage) ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error) {
	return s.filterAssets(ctx, func(asset models.Asset) bool {
		return asset.TenantID == tenantID
	}, true)
}

// ListAssetsByStatus returns every asset in the given status, oldest first.
func (s *Storage) ListAssetsByStatus(ctx context.Context, status models.AssetStatus) ([]models.Asset, error) {
	return s.filterAssets(ctx, func(asset models.Asset) bool {
		return asset.Status == status
	}, false)
}

func (s *Storage) filterAssets(ctx context.Context, keep func(models.Asset) bool, newestFirst bool) ([]models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]models.Asset, 0)
	for _, asset := range s.data.Assets {
		if keep(asset) {
			assets = append(assets, asset)
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		a, b := assets[i], assets[j]
		if newestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return assets, nil
}

func (s *Storage) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	next, err := applyAssetUpdate(asset, update, s.now())
	if err != nil {
		return models.Asset{}, err
	}
	updated := cloneDataset(s.data)
	updated.Assets[id] = next
	if err := s.commit(updated); err != nil {
		return models.Asset{}, err
	}
	return next, nil
}

func (s *Storage) DeleteAsset(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Assets[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	updated := cloneDataset(s.data)
	delete(updated.Assets, id)
	return s.commit(updated)
}
