package models

import (
	"strings"
	"time"
)

// AssetStatus is the processing state of an uploaded asset.
type AssetStatus string

const (
	AssetStatusUploaded   AssetStatus = "uploaded"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// Valid reports whether the status is one of the known states.
func (s AssetStatus) Valid() bool {
	switch s {
	case AssetStatusUploaded, AssetStatusProcessing, AssetStatusCompleted, AssetStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusCompleted || s == AssetStatusFailed
}

// CanTransitionTo reports whether moving from s to next is permitted.
// processing -> processing is allowed so progress updates can be applied.
func (s AssetStatus) CanTransitionTo(next AssetStatus) bool {
	switch s {
	case AssetStatusUploaded:
		return next == AssetStatusProcessing
	case AssetStatusProcessing:
		return next == AssetStatusProcessing || next == AssetStatusCompleted || next == AssetStatusFailed
	default:
		return false
	}
}

// Classification is the content label assigned when processing completes.
type Classification string

const (
	ClassificationUnknown Classification = "unknown"
	ClassificationSafe    Classification = "safe"
	ClassificationFlagged Classification = "flagged"
)

// Valid reports whether the classification is one of the known labels.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationUnknown, ClassificationSafe, ClassificationFlagged:
		return true
	}
	return false
}

// Asset is an uploaded media file together with its processing state.
type Asset struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	UploaderID     string         `json:"uploaderId,omitempty"`
	Title          string         `json:"title"`
	Filename       string         `json:"filename"`
	ContentType    string         `json:"contentType,omitempty"`
	SizeBytes      int64          `json:"sizeBytes"`
	StoragePath    string         `json:"storagePath,omitempty"`
	Status         AssetStatus    `json:"status"`
	Progress       int            `json:"progress"`
	Classification Classification `json:"classification"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Role controls what a user may do inside their tenant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Roles lists every known role in descending privilege order.
var Roles = []Role{RoleAdmin, RoleEditor, RoleViewer}

// ParseRole normalises a role string, reporting false when it is unknown.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	switch role {
	case RoleAdmin, RoleEditor, RoleViewer:
		return role, true
	}
	return "", false
}

// CanUpload reports whether the role may create assets.
func (r Role) CanUpload() bool {
	return r == RoleAdmin || r == RoleEditor
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Role         Role      `json:"role"`
	TenantID     string    `json:"tenantId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	return strings.EqualFold(string(u.Role), role)
}
