package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"streamvault/internal/api"
	"streamvault/internal/auth"
	"streamvault/internal/observability/logging"
	"streamvault/internal/observability/metrics"
	"streamvault/internal/serverutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// AuditLogger receives one record per state-changing API request. Nil
	// disables auditing.
	AuditLogger *slog.Logger
	// Metrics defaults to metrics.Default().
	Metrics        *metrics.Recorder
	AllowedOrigins []string
	// TrustProxyHeaders derives client IPs from X-Forwarded-For and
	// X-Real-IP instead of the connection address.
	TrustProxyHeaders bool
	RateLimit         RateLimitConfig
	Security          SecurityConfig
}

// Server is the HTTP front end of the API.
type Server struct {
	httpServer *http.Server
	tls        serverutil.TLSConfig
	shutdown   time.Duration
	logger     *slog.Logger
}

// New wires handler into a router behind the shared middleware chain.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if handler.Tokens == nil {
		return nil, errors.New("server: handler token manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if handler.CheckOrigin == nil {
		handler.CheckOrigin = policy.allowsRequest
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	ips := clientIPResolver(cfg.TrustProxyHeaders)
	limiter := newRateLimiter(cfg.RateLimit)
	authn := authenticate(handler.Tokens, logger)
	loginLimit := loginRateLimitMiddleware(limiter, ips, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(corsMiddleware(policy, logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"client_ip", ips(r)}
		},
		DisableRemoteAddr: true,
	}))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	r.Use(middleware.Recoverer)
	r.Use(globalRateLimitMiddleware(limiter))
	r.Use(auditMiddleware(cfg.AuditLogger, ips))

	r.Get("/healthz", handler.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(loginLimit).Post("/register", handler.Register)
			r.With(loginLimit).Post("/login", handler.Login)
			r.With(authn).Get("/me", handler.Me)
		})

		r.Group(func(r chi.Router) {
			r.Use(authn)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", handler.ListUsers)
				r.Post("/", handler.CreateUser)
				r.Get("/stats", handler.UserStats)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handler.GetUser)
					r.Put("/", handler.UpdateUser)
					r.Patch("/", handler.UpdateUser)
					r.Delete("/", handler.DeleteUser)
				})
			})

			r.Route("/assets", func(r chi.Router) {
				r.Get("/", handler.ListAssets)
				r.Post("/", handler.CreateAsset)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handler.GetAsset)
					r.Delete("/", handler.DeleteAsset)
					r.Get("/stream", handler.StreamAsset)
				})
			})

			r.Get("/events/ws", handler.Events)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		tls:      cfg.TLS,
		shutdown: cfg.ShutdownTimeout,
		logger:   logger,
	}, nil
}

// Handler exposes the routed middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return s.RunListener(ctx, nil)
}

// RunListener is Run on an already bound listener.
func (s *Server) RunListener(ctx context.Context, ln net.Listener) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		Listener:        ln,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdown,
		Logger:          s.logger,
	})
}

// authenticate attaches the caller of a request carrying a token. Requests
// without one pass through and the handlers decide whether that is allowed.
func authenticate(tokens *auth.TokenManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := api.ExtractToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := tokens.Verify(token)
			if err != nil {
				writeMiddlewareError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := api.ContextWithPrincipal(r.Context(), principal)
			ctx = logging.ContextWithTenantID(ctx, principal.TenantID)
			ctxLogger := loggerWithRequestContext(r.Context(), logger).With(
				"tenant_id", principal.TenantID,
				"user_id", principal.UserID,
			)
			ctx = logging.ContextWithLogger(ctx, ctxLogger)
			if entry := auditEntryFromContext(ctx); entry != nil {
				entry.setUser(principal.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func globalRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowRequest() {
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loginRateLimitMiddleware(rl *rateLimiter, ips func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := rl.AllowLogin(r.Context(), ips(r))
			if err != nil {
				loggerWithRequestContext(r.Context(), logger).Error("login rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type auditContextKey struct{}

// auditEntry is filled in by authenticate, which runs after the audit
// middleware has wrapped the request.
type auditEntry struct {
	mu     sync.Mutex
	userID string
}

func (e *auditEntry) setUser(id string) {
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
}

func (e *auditEntry) user() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func auditEntryFromContext(ctx context.Context) *auditEntry {
	entry, _ := ctx.Value(auditContextKey{}).(*auditEntry)
	return entry
}

func auditMiddleware(logger *slog.Logger, ips func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !shouldAudit(r) {
				next.ServeHTTP(w, r)
				return
			}
			entry := &auditEntry{}
			rr := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r.WithContext(context.WithValue(r.Context(), auditContextKey{}, entry)))

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rr.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", ips(r),
			}
			if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
				fields = append(fields, "request_id", requestID)
			}
			if userID := entry.user(); userID != "" {
				fields = append(fields, "user_id", userID)
			}
			logger.Info("audit", fields...)
		})
	}
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func clientIPResolver(trustProxyHeaders bool) func(*http.Request) string {
	if trustProxyHeaders {
		return extractClientIP
	}
	return func(r *http.Request) string { return clientIP(r.RemoteAddr) }
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
