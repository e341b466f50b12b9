package storage

import (
	"fmt"
	"strings"
	"time"

	"streamvault/internal/models"
)

// DefaultTenantID is assigned to users registered without an explicit tenant.
const DefaultTenantID = "default-org"

func newAsset(id string, params CreateAssetParams, now time.Time) (models.Asset, error) {
	tenantID := strings.TrimSpace(params.TenantID)
	if tenantID == "" {
		return models.Asset{}, fmt.Errorf("%w: tenant id required", ErrInvalid)
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.Asset{}, fmt.Errorf("%w: filename required", ErrInvalid)
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = filename
	}
	size := params.SizeBytes
	if size < 0 {
		size = 0
	}
	return models.Asset{
		ID:             id,
		TenantID:       tenantID,
		UploaderID:     strings.TrimSpace(params.UploaderID),
		Title:          title,
		Filename:       filename,
		ContentType:    strings.TrimSpace(params.ContentType),
		SizeBytes:      size,
		StoragePath:    params.StoragePath,
		Status:         models.AssetStatusUploaded,
		Progress:       0,
		Classification: models.ClassificationUnknown,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// applyAssetUpdate validates update against the current asset state and
// returns the resulting record. Progress is clamped to 0..100, must not
// decrease within a processing episode, and is forced to 100 on completion
// and 0 on failure. Classification can only be assigned when completing.
func applyAssetUpdate(asset models.Asset, update AssetUpdate, now time.Time) (models.Asset, error) {
	if update.IdleSince != nil && asset.UpdatedAt.After(*update.IdleSince) {
		return models.Asset{}, fmt.Errorf("%w: asset %s changed at %s", ErrConflict, asset.ID, asset.UpdatedAt.Format(time.RFC3339Nano))
	}
	next := asset
	if update.Status != nil {
		target := *update.Status
		if !target.Valid() {
			return models.Asset{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
		}
		if !asset.Status.CanTransitionTo(target) {
			return models.Asset{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, asset.Status, target)
		}
		next.Status = target
	} else if asset.Status.Terminal() && (update.Progress != nil || update.Classification != nil) {
		return models.Asset{}, fmt.Errorf("%w: asset is %s", ErrInvalidTransition, asset.Status)
	}

	if asset.Status == models.AssetStatusUploaded && next.Status == models.AssetStatusProcessing {
		next.Progress = 0
	}
	if update.Progress != nil {
		progress := *update.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if next.Status == models.AssetStatusProcessing && asset.Status == models.AssetStatusProcessing && progress < asset.Progress {
			return models.Asset{}, fmt.Errorf("%w: progress %d below %d", ErrInvalidTransition, progress, asset.Progress)
		}
		next.Progress = progress
	}

	switch next.Status {
	case models.AssetStatusCompleted:
		if update.Classification == nil || *update.Classification == models.ClassificationUnknown || !update.Classification.Valid() {
			return models.Asset{}, fmt.Errorf("%w: completion requires a classification", ErrInvalidTransition)
		}
		next.Classification = *update.Classification
		next.Progress = 100
	case models.AssetStatusFailed:
		if update.Classification != nil && *update.Classification != models.ClassificationUnknown {
			return models.Asset{}, fmt.Errorf("%w: failed assets stay unclassified", ErrInvalidTransition)
		}
		next.Classification = models.ClassificationUnknown
		next.Progress = 0
	default:
		if update.Classification != nil && *update.Classification != asset.Classification {
			return models.Asset{}, fmt.Errorf("%w: classification is assigned on completion", ErrInvalidTransition)
		}
	}

	next.UpdatedAt = now
	return next, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newUser(id string, params CreateUserParams, now time.Time) (models.User, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return models.User{}, fmt.Errorf("%w: username required", ErrInvalid)
	}
	email := normalizeEmail(params.Email)
	if email == "" {
		return models.User{}, fmt.Errorf("%w: email required", ErrInvalid)
	}
	if params.PasswordHash == "" {
		return models.User{}, fmt.Errorf("%w: password hash required", ErrInvalid)
	}
	role := params.Role
	if role == "" {
		role = models.RoleViewer
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return models.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}
	tenantID := strings.TrimSpace(params.TenantID)
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	return models.User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: params.PasswordHash,
		Role:         role,
		TenantID:     tenantID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func applyUserUpdate(user models.User, update UserUpdate, now time.Time) (models.User, error) {
	if update.Username != nil {
		username := strings.TrimSpace(*update.Username)
		if username == "" {
			return models.User{}, fmt.Errorf("%w: username required", ErrInvalid)
		}
		user.Username = username
	}
	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		if email == "" {
			return models.User{}, fmt.Errorf("%w: email required", ErrInvalid)
		}
		user.Email = email
	}
	if update.Role != nil {
		role, ok := models.ParseRole(string(*update.Role))
		if !ok {
			return models.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, *update.Role)
		}
		user.Role = role
	}
	if update.PasswordHash != nil && *update.PasswordHash != "" {
		user.PasswordHash = *update.PasswordHash
	}
	user.UpdatedAt = now
	return user, nil
}
