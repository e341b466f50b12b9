package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"streamvault/internal/auth"
	"streamvault/internal/events"
	"streamvault/internal/mediastore"
	"streamvault/internal/observability/logging"
	"streamvault/internal/storage"
)

// Pipelines is the part of the processing supervisor the handlers drive.
type Pipelines interface {
	Start(assetID string) error
	Cancel(assetID string) bool
	Wait(ctx context.Context, assetID string) error
}

// Handler serves the REST and observer endpoints. Store, Tokens and Media are
// required; Pipelines and Broadcaster may be nil in which case uploads are stored
// without processing and the observer endpoint is unavailable.
type Handler struct {
	Store       storage.Repository
	Tokens      *auth.TokenManager
	Media       *mediastore.Store
	Pipelines   Pipelines
	Broadcaster events.Broadcaster
	Logger      *slog.Logger

	// MaxUploadBytes bounds multipart upload bodies. Zero disables the check
	// at the HTTP layer; the media store still applies its own limit.
	MaxUploadBytes int64
	// HeartbeatInterval controls observer ping frames. Defaults to
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// CheckOrigin validates the Origin header of observer handshakes. Nil
	// accepts only same-origin requests.
	CheckOrigin func(*http.Request) bool
	// DeleteWait bounds how long asset deletion waits for a cancelled
	// pipeline to exit. Defaults to DefaultDeleteWait.
	DeleteWait time.Duration
}

// DefaultDeleteWait bounds the wait for a cancelled pipeline during deletion.
const DefaultDeleteWait = 10 * time.Second

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	if r == nil {
		return base
	}
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(r.Context(), base)
}
