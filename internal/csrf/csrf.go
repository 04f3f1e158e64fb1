// Package csrf enforces the double-submit cookie pattern.
//
// The cookie value is "<token>.<signature>" where signature is the hex
// HMAC-SHA256 of token under the server key. No server-side state is kept;
// a cookie is trusted only if its signature verifies.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"

	DefaultMaxAge = 24 * time.Hour
	tokenBytes    = 32
)

var (
	ErrTokenMissing     = errors.New("csrf token missing")
	ErrSignatureInvalid = errors.New("csrf signature invalid")
	ErrMismatch         = errors.New("csrf cookie and header mismatch")
)

// DefaultExemptPrefixes are never enforced.
var DefaultExemptPrefixes = []string{"/health", "/ready", "/metrics", "/docs", "/openapi.json"}

var safeMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// Config for a Guard. Secret is required.
type Config struct {
	Secret         []byte
	ExemptPrefixes []string
	Secure         bool
	MaxAge         time.Duration

	// OnReject writes the response for a failed check. Defaults to a bare 403.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
}

// Guard mints and checks CSRF cookies.
type Guard struct {
	key      []byte
	exempt   []string
	secure   bool
	maxAge   time.Duration
	onReject func(w http.ResponseWriter, r *http.Request, err error)
	logger   *slog.Logger
}

// New returns a Guard. The secret is copied.
func New(cfg Config, logger *slog.Logger) (*Guard, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("csrf: secret must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		key:      append([]byte(nil), cfg.Secret...),
		exempt:   append(append([]string(nil), DefaultExemptPrefixes...), cfg.ExemptPrefixes...),
		secure:   cfg.Secure,
		maxAge:   cfg.MaxAge,
		onReject: cfg.OnReject,
		logger:   logger,
	}
	if g.maxAge <= 0 {
		g.maxAge = DefaultMaxAge
	}
	if g.onReject == nil {
		g.onReject = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
	}
	return g, nil
}

// Mint returns a fresh signed cookie value.
func (g *Guard) Mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: reading random bytes: %w", err)
	}
	tok := hex.EncodeToString(buf)
	return tok + "." + g.sign(tok), nil
}

// Valid reports whether value carries a correct signature.
func (g *Guard) Valid(value string) bool {
	tok, sig, ok := strings.Cut(value, ".")
	if !ok || tok == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(g.sign(tok)))
}

// Check enforces the double-submit rule on r regardless of method or path.
func (g *Guard) Check(r *http.Request) error {
	var cookieVal string
	if c, err := r.Cookie(CookieName); err == nil {
		cookieVal = c.Value
	}
	headerVal := r.Header.Get(HeaderName)
	if cookieVal == "" || headerVal == "" {
		return ErrTokenMissing
	}
	if !g.Valid(cookieVal) {
		return ErrSignatureInvalid
	}
	if subtle.ConstantTimeCompare([]byte(cookieVal), []byte(headerVal)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Exempt reports whether r bypasses enforcement.
func (g *Guard) Exempt(r *http.Request) bool {
	if _, ok := safeMethods[r.Method]; ok {
		return true
	}
	for _, p := range g.exempt {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// Middleware checks unsafe requests and mints a cookie on pass-through
// requests that lack a valid one.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Exempt(r) {
			if err := g.Check(r); err != nil {
				g.logger.Warn("csrf check failed",
					"method", r.Method,
					"path", r.URL.Path,
					"reason", err.Error(),
				)
				g.onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if c, err := r.Cookie(CookieName); err == nil && g.Valid(c.Value) {
			next.ServeHTTP(w, r.WithContext(withToken(r.Context(), c.Value)))
			return
		}
		value, err := g.Mint()
		if err != nil {
			g.logger.Error("minting csrf cookie", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		http.SetCookie(w, g.cookie(value))
		next.ServeHTTP(w, r.WithContext(withToken(r.Context(), value)))
	})
}

func (g *Guard) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(g.maxAge.Seconds()),
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (g *Guard) sign(tok string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(tok))
	return hex.EncodeToString(mac.Sum(nil))
}

type tokenContextKey struct{}

func withToken(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, value)
}

// Token returns the CSRF value in effect for a pass-through request, either
// the one the client presented or the one just minted.
func Token(r *http.Request) string {
	v, _ := r.Context().Value(tokenContextKey{}).(string)
	return v
}
