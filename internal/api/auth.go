package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"streamvault/internal/auth"
	"streamvault/internal/models"
)

type contextKey string

const principalContextKey contextKey = "authenticatedPrincipal"

// ContextWithPrincipal stores the authenticated caller in the provided context.
func ContextWithPrincipal(ctx context.Context, principal auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the authenticated caller if present.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(auth.Principal)
	return principal, ok
}

// ExtractToken returns the bearer token of the request. Browsers cannot set
// headers on media elements or WebSocket handshakes, so the token query
// parameter is accepted as a fallback.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return auth.Principal{}, false
	}
	return principal, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...models.Role) (auth.Principal, bool) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if len(roles) == 0 {
		return principal, true
	}
	for _, role := range roles {
		if principal.Role == role {
			return principal, true
		}
	}
	writeError(w, http.StatusForbidden, errors.New("forbidden"))
	return auth.Principal{}, false
}
