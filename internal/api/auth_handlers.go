package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"streamvault/internal/auth"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenantId,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	TenantID  string      `json:"tenantId"`
	CreatedAt string      `json:"createdAt"`
	UpdatedAt string      `json:"updatedAt"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		TenantID:  user.TenantID,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: user.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Register creates a viewer account. The tenant defaults to
// storage.DefaultTenantID when none is supplied.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and email are required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         models.RoleViewer,
		TenantID:     req.TenantID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger(r).Info("user registered", "user_id", user.ID, "tenant_id", user.TenantID)
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// Login verifies credentials and returns a signed access token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials)
			return
		}
		h.writeStoreError(w, r, err)
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger(r).Error("password verification failed", "user_id", user.ID, "error", err)
		}
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials)
		return
	}
	token, expiresAt, err := h.Tokens.Issue(user)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
		User:      newUserResponse(user),
	})
}

// Me returns the profile of the authenticated caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	user, err := h.Store.GetUser(r.Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("account not found"))
			return
		}
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
