package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"streamvault/internal/auth"
	"streamvault/internal/mediastore"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

const (
	uploadFieldVideo = "video"
	uploadFieldTitle = "title"

	// multipartOverhead leaves room for boundaries and small form fields on
	// top of the media size limit.
	multipartOverhead = 1 << 20
	maxFieldBytes     = 4 << 10
)

type assetResponse struct {
	ID             string                `json:"id"`
	TenantID       string                `json:"tenantId"`
	UploaderID     string                `json:"uploaderId,omitempty"`
	Title          string                `json:"title"`
	Filename       string                `json:"filename"`
	ContentType    string                `json:"contentType,omitempty"`
	SizeBytes      int64                 `json:"sizeBytes"`
	Status         models.AssetStatus    `json:"status"`
	Progress       int                   `json:"progress"`
	Classification models.Classification `json:"classification"`
	CreatedAt      string                `json:"createdAt"`
	UpdatedAt      string                `json:"updatedAt"`
}

func newAssetResponse(asset models.Asset) assetResponse {
	return assetResponse{
		ID:             asset.ID,
		TenantID:       asset.TenantID,
		UploaderID:     asset.UploaderID,
		Title:          asset.Title,
		Filename:       asset.Filename,
		ContentType:    asset.ContentType,
		SizeBytes:      asset.SizeBytes,
		Status:         asset.Status,
		Progress:       asset.Progress,
		Classification: asset.Classification,
		CreatedAt:      asset.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      asset.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type uploadedMedia struct {
	stored       mediastore.Stored
	originalName string
	contentType  string
}

// CreateAsset accepts a multipart upload with a video file and an optional
// title, stores the file and hands the new asset to the processing
// supervisor. Processing outcomes are reported through events only.
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin, models.RoleEditor)
	if !ok {
		return
	}
	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes+multipartOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}

	var (
		title string
		media *uploadedMedia
	)
	fail := func(status int, err error) {
		if media != nil {
			h.removeMedia(r, media.stored.Path)
		}
		writeError(w, status, err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(uploadErrorStatus(err), fmt.Errorf("read multipart data: %w", err))
			return
		}
		switch part.FormName() {
		case uploadFieldVideo:
			if media != nil || part.FileName() == "" {
				_ = part.Close()
				continue
			}
			saved, err := h.saveUpload(r.Context(), principal, part.FileName(), part.Header.Get("Content-Type"), part)
			_ = part.Close()
			if err != nil {
				fail(uploadErrorStatus(err), err)
				return
			}
			media = saved
		case uploadFieldTitle:
			payload, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				fail(http.StatusBadRequest, fmt.Errorf("read form field: %w", err))
				return
			}
			title = strings.TrimSpace(string(payload))
		default:
			_ = part.Close()
		}
	}
	if media == nil {
		writeError(w, http.StatusBadRequest, errors.New("video file is required"))
		return
	}
	if title == "" {
		title = mediastore.DeriveTitle(media.originalName)
	}

	asset, err := h.Store.CreateAsset(r.Context(), storage.CreateAssetParams{
		TenantID:    principal.TenantID,
		UploaderID:  principal.UserID,
		Title:       title,
		Filename:    media.originalName,
		ContentType: media.contentType,
		SizeBytes:   media.stored.Size,
		StoragePath: media.stored.Path,
	})
	if err != nil {
		h.removeMedia(r, media.stored.Path)
		h.writeStoreError(w, r, err)
		return
	}

	logger := h.logger(r).With("asset_id", asset.ID)
	logger.Info("asset uploaded", "size_bytes", asset.SizeBytes, "uploader_id", principal.UserID)
	if h.Pipelines != nil {
		if err := h.Pipelines.Start(asset.ID); err != nil {
			logger.Warn("processing not started", "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, newAssetResponse(asset))
}

func (h *Handler) saveUpload(ctx context.Context, principal auth.Principal, filename, contentType string, body io.Reader) (*uploadedMedia, error) {
	name := strings.TrimSpace(path.Base(filepath.ToSlash(filename)))
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	stored, err := h.Media.Save(ctx, principal.TenantID, name, body)
	if err != nil {
		return nil, err
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); guessed != "" {
			contentType = guessed
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &uploadedMedia{stored: stored, originalName: name, contentType: contentType}, nil
}

func uploadErrorStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, mediastore.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) removeMedia(r *http.Request, storagePath string) {
	if h.Media == nil || storagePath == "" {
		return
	}
	if err := h.Media.Remove(storagePath); err != nil {
		h.logger(r).Warn("failed to remove media file", "path", storagePath, "error", err)
	}
}

// ListAssets returns the caller's tenant assets, newest first.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	assets, err := h.Store.ListAssets(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) loadTenantAsset(w http.ResponseWriter, r *http.Request, principal auth.Principal) (models.Asset, bool) {
	id := chi.URLParam(r, "id")
	asset, err := h.Store.GetAsset(r.Context(), id)
	if err == nil && asset.TenantID != principal.TenantID {
		err = fmt.Errorf("asset %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return models.Asset{}, false
	}
	return asset, true
}

func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	asset, ok := h.loadTenantAsset(w, r, principal)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newAssetResponse(asset))
}

// StreamAsset serves the asset's media file with byte-range support.
func (h *Handler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	asset, ok := h.loadTenantAsset(w, r, principal)
	if !ok {
		return
	}
	file, err := h.Media.Open(asset.StoragePath)
	if err != nil {
		h.logger(r).Warn("media unavailable", "asset_id", asset.ID, "error", err)
		writeError(w, http.StatusNotFound, errors.New("media unavailable"))
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		h.writeStoreError(w, r, fmt.Errorf("stat media: %w", err))
		return
	}
	contentType := asset.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, asset.Filename, stat.ModTime(), file)
}

// DeleteAsset stops any running pipeline for the asset, then removes its
// record and media file.
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	asset, ok := h.loadTenantAsset(w, r, principal)
	if !ok {
		return
	}
	logger := h.logger(r).With("asset_id", asset.ID)

	if h.Pipelines != nil && h.Pipelines.Cancel(asset.ID) {
		wait := h.DeleteWait
		if wait <= 0 {
			wait = DefaultDeleteWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		err := h.Pipelines.Wait(ctx, asset.ID)
		cancel()
		if err != nil {
			logger.Warn("pipeline still running during delete", "error", err)
		}
	}

	if err := h.Store.DeleteAsset(r.Context(), asset.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.removeMedia(r, asset.StoragePath)
	logger.Info("asset deleted", "actor_id", principal.UserID)
	w.WriteHeader(http.StatusNoContent)
}
