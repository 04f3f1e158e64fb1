package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/panelauth/internal/csrf"
	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/metrics"
	"github.com/example/panelauth/internal/token"
)

// Require gates a route on an access token satisfying req.
func (a *App) Require(req guard.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := a.storeCtx(r)
			d, err := guard.Authorize(ctx, r, a.verifier, req)
			cancel()
			if err != nil {
				metrics.RecordDecision("error", "store")
				a.writeInternal(w, r, "authorizing request", err)
				return
			}

			switch d.Outcome {
			case guard.Unauthenticated:
				reason := token.Reason(d.Err)
				metrics.RecordDecision(d.Outcome.String(), reason)
				a.logger.Info("authentication failed", "reason", reason, "path", r.URL.Path)
				writeUnauthorized(w)
				return
			case guard.Forbidden:
				metrics.RecordDecision(d.Outcome.String(), "insufficient_role")
				a.logger.Warn("access forbidden",
					"identity_id", d.Claims.IdentityID(),
					"requirement", req.Name(),
					"path", r.URL.Path,
				)
				writeError(w, http.StatusForbidden, codeForbidden, "Insufficient permissions")
				return
			}

			metrics.RecordDecision(d.Outcome.String(), "ok")
			next.ServeHTTP(w, r.WithContext(guard.WithClaims(r.Context(), d.Claims)))
		})
	}
}

// CORS middleware handles CORS headers for the configured origins.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+csrf.HeaderName)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *App) originAllowed(origin string) bool {
	for _, o := range a.corsOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// RateLimiter implements per-client rate limiting
type RateLimiter struct {
	mu        sync.RWMutex
	limiters  map[string]*clientLimiter
	perMinute int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		perMinute: perMinute,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.RLock()
	cl, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		cl, exists = rl.limiters[key]
		if !exists {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.perMinute)/60, rl.perMinute)}
			rl.limiters[key] = cl
		}
		cl.lastSeen = now
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.limiter
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Sweep forgets clients idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// RateLimit middleware enforces the login rate per client address.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		a.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
