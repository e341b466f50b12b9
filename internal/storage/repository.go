package storage

import (
	"context"
	"errors"
	"time"

	"streamvault/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when an asset update would violate the
	// processing state machine.
	ErrInvalidTransition = errors.New("storage: invalid asset transition")
	// ErrConflict is returned when a unique attribute is already taken.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalid is returned when create or update parameters are incomplete.
	ErrInvalid = errors.New("storage: invalid input")
)

// Repository exposes the datastore operations required by API handlers and
// the processing supervisor. Implementations must be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context, tenantID string) ([]models.User, error)
	UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error)
	DeleteUser(ctx context.Context, id string) error
	CountUsersByRole(ctx context.Context, tenantID string) (map[models.Role]int, error)

	CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error)
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	ListAssets(ctx context.Context, tenantID string) ([]models.Asset, error)
	ListAssetsByStatus(ctx context.Context, status models.AssetStatus) ([]models.Asset, error)
	UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
}

type CreateUserParams struct {
	Username     string
	Email        string
	PasswordHash string
	Role         models.Role
	TenantID     string
}

// UserUpdate carries optional user changes; nil fields are left untouched.
type UserUpdate struct {
	Username     *string
	Email        *string
	Role         *models.Role
	PasswordHash *string
}

type CreateAssetParams struct {
	TenantID    string
	UploaderID  string
	Title       string
	Filename    string
	ContentType string
	SizeBytes   int64
	StoragePath string
}

// AssetUpdate carries the processing fields the pipeline may change. Every
// driver validates it against the current record inside the same critical
// section that writes the result.
type AssetUpdate struct {
	Status         *models.AssetStatus
	Progress       *int
	Classification *models.Classification
	// IdleSince makes the update conditional: it is rejected with ErrConflict
	// when the asset was modified after this instant.
	IdleSince *time.Time
}
