package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/cors"
)

// corsMaxAge is the preflight cache lifetime in seconds.
const corsMaxAge = 300

type corsPolicy struct {
	allowed map[string]struct{}
}

func newCORSPolicy(origins []string) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

func (p corsPolicy) allows(origin string, requestOrigin string) bool {
	normalizedOrigin, err := normalizeOrigin(origin)
	if err != nil || normalizedOrigin == "" {
		return false
	}
	if _, ok := p.allowed[normalizedOrigin]; ok {
		return true
	}
	if requestOrigin == "" {
		return false
	}
	return normalizedOrigin == requestOrigin
}

// allowsRequest reports whether the Origin header of r is acceptable.
// Requests without an Origin header are not cross-origin browser requests
// and pass.
func (p corsPolicy) allowsRequest(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return p.allows(origin, originForRequest(r))
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// corsMiddleware rejects requests from origins outside the policy and lets
// go-chi/cors answer preflights and set the response headers for the rest.
func corsMiddleware(policy corsPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	headers := cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return policy.allows(origin, originForRequest(r))
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Range", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	})
	return func(next http.Handler) http.Handler {
		withHeaders := headers(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !policy.allowsRequest(r) {
				if logger != nil {
					logger.Warn("blocked CORS origin", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			withHeaders.ServeHTTP(w, r)
		})
	}
}
