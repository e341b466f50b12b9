package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamvault/internal/auth"
	"streamvault/internal/models"
	"streamvault/internal/storage"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type updateUserRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

type userStatsResponse struct {
	TotalUsers  int                 `json:"totalUsers"`
	UsersByRole map[models.Role]int `json:"usersByRole"`
}

// loadTenantUser fetches the user named by the id URL parameter and hides
// users of other tenants.
func (h *Handler) loadTenantUser(w http.ResponseWriter, r *http.Request, principal auth.Principal) (models.User, bool) {
	id := chi.URLParam(r, "id")
	user, err := h.Store.GetUser(r.Context(), id)
	if err == nil && user.TenantID != principal.TenantID {
		err = fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	users, err := h.Store.ListUsers(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	response := make([]userResponse, 0, len(users))
	for i := len(users) - 1; i >= 0; i-- {
		response = append(response, newUserResponse(users[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	user, ok := h.loadTenantUser(w, r, principal)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// CreateUser adds a user to the admin's tenant.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	role := models.RoleViewer
	if strings.TrimSpace(req.Role) != "" {
		parsed, ok := models.ParseRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown role %q", req.Role))
			return
		}
		role = parsed
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
		Role:         role,
		TenantID:     principal.TenantID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger(r).Info("user created", "user_id", user.ID, "role", user.Role, "actor_id", principal.UserID)
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	user, ok := h.loadTenantUser(w, r, principal)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	update := storage.UserUpdate{Username: req.Username, Email: req.Email}
	if req.Role != nil {
		role, ok := models.ParseRole(*req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown role %q", *req.Role))
			return
		}
		update.Role = &role
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		update.PasswordHash = &hash
	}

	updated, err := h.Store.UpdateUser(r.Context(), user.ID, update)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(updated))
}

// DeleteUser removes a user of the admin's tenant. Admins cannot delete
// their own account.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	if chi.URLParam(r, "id") == principal.UserID {
		writeError(w, http.StatusBadRequest, errors.New("cannot delete your own account"))
		return
	}
	user, ok := h.loadTenantUser(w, r, principal)
	if !ok {
		return
	}
	if err := h.Store.DeleteUser(r.Context(), user.ID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger(r).Info("user deleted", "user_id", user.ID, "actor_id", principal.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// UserStats reports the number of users in the admin's tenant by role.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requireRole(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	counts, err := h.Store.CountUsersByRole(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	writeJSON(w, http.StatusOK, userStatsResponse{TotalUsers: total, UsersByRole: counts})
}
