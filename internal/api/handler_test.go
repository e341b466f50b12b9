package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"streamvault/internal/auth"
	"streamvault/internal/mediastore"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	tokens, err := auth.NewTokenManager("test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	media, err := mediastore.New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("mediastore.New: %v", err)
	}
	return &Handler{Store: store, Tokens: tokens, Media: media}
}

func withPrincipal(r *http.Request, principal auth.Principal) *http.Request {
	return r.WithContext(ContextWithPrincipal(r.Context(), principal))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("asset x: %w", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("email: %w", storage.ErrConflict), http.StatusConflict},
		{storage.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("%w: username required", storage.ErrInvalid), http.StatusBadRequest},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrPasswordTooShort, http.StatusBadRequest},
		{mediastore.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteStoreErrorHidesInternalFailures(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.writeStoreError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: connection refused"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "internal server error" {
		t.Fatalf("expected generic message, got %q", msg)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/assets/a1/stream?token=query-token", nil)
	if got := ExtractToken(req); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}
	req.Header.Set("Authorization", "bearer header-token")
	if got := ExtractToken(req); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	if got := ExtractToken(req); got != "" {
		t.Fatalf("expected no token for basic auth, got %q", got)
	}
}

func TestRoleChecks(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ListUsers(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rec.Code)
	}

	viewer := auth.Principal{UserID: "u1", Role: models.RoleViewer, TenantID: "acme"}
	rec = httptest.NewRecorder()
	h.ListUsers(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/api/users", nil), viewer))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer listing users, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.CreateAsset(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/api/assets", nil), viewer))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer upload, got %d", rec.Code)
	}

	editor := auth.Principal{UserID: "u2", Role: models.RoleEditor, TenantID: "acme"}
	rec = httptest.NewRecorder()
	h.CreateAsset(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/api/assets", nil), editor))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for editor upload without multipart body, got %d", rec.Code)
	}
}

func TestGetAssetIsTenantScoped(t *testing.T) {
	h := newTestHandler(t)
	asset, err := h.Store.CreateAsset(context.Background(), storage.CreateAssetParams{
		TenantID: "acme",
		Title:    "Roadmap",
		Filename: "roadmap.mp4",
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	owner := auth.Principal{UserID: "u1", Role: models.RoleViewer, TenantID: "acme"}
	rec := httptest.NewRecorder()
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/assets/"+asset.ID, nil), "id", asset.ID)
	h.GetAsset(rec, withPrincipal(req, owner))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner tenant, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode asset: %v", err)
	}
	if body["status"] != string(models.AssetStatusUploaded) || body["title"] != "Roadmap" {
		t.Fatalf("unexpected asset body: %v", body)
	}

	outsider := auth.Principal{UserID: "u9", Role: models.RoleAdmin, TenantID: "globex"}
	rec = httptest.NewRecorder()
	req = withURLParam(httptest.NewRequest(http.MethodGet, "/api/assets/"+asset.ID, nil), "id", asset.ID)
	h.GetAsset(rec, withPrincipal(req, outsider))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant, got %d", rec.Code)
	}
}
