package server

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	// GlobalRPS caps the request rate of the whole server. Zero disables it.
	GlobalRPS   float64
	GlobalBurst int
	// LoginRPS and LoginBurst throttle login and registration per client IP.
	// Zero LoginRPS disables the login limiter.
	LoginRPS   float64
	LoginBurst int
	// Store shares login counters between processes. Nil keeps them in
	// memory.
	Store LoginStore
}

// LoginStore counts login attempts per key inside a fixed window.
type LoginStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global *rate.Limiter

	loginRate   rate.Limit
	loginBurst  int
	loginWindow time.Duration
	store       LoginStore

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		store:    cfg.Store,
		now:      time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), atLeastOne(cfg.GlobalBurst, cfg.GlobalRPS))
	}
	if cfg.LoginRPS > 0 {
		rl.loginRate = rate.Limit(cfg.LoginRPS)
		rl.loginBurst = atLeastOne(cfg.LoginBurst, cfg.LoginRPS)
		rl.loginWindow = time.Duration(float64(rl.loginBurst) / cfg.LoginRPS * float64(time.Second))
	}
	return rl
}

func atLeastOne(burst int, rps float64) int {
	if burst > 0 {
		return burst
	}
	if rps >= 1 {
		return int(math.Ceil(rps))
	}
	return 1
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin reports whether key may attempt another login and, if not, how
// long the caller should wait.
func (r *rateLimiter) AllowLogin(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.loginRate == 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "streamvault:login:"+key, r.loginBurst, r.loginWindow)
	}

	now := r.now()
	r.mu.Lock()
	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.loginRate, r.loginBurst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := v.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	return false, delay, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.loginWindow)
	for key, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(r.visitors, key)
		}
	}
}
