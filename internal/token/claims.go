// Package token issues, verifies and rotates the access/refresh JWT pair.
//
// Signature and expiry alone never make a token valid: every verification
// also requires the presented token's fingerprint to equal the one held in the
// identity's session record, so each issuance supersedes the pair before it.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// RefreshMultiplier is the refresh lifetime as a multiple of the access lifetime.
const RefreshMultiplier = 4

// DefaultAccessTTL applies when Config.AccessTTL is zero.
const DefaultAccessTTL = 15 * time.Minute

// Claims is the payload of both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	Groups  []string `json:"groups"`
	Domains []string `json:"domains"`
	Kind    Kind     `json:"kind"`
}

// IdentityID returns the subject claim.
func (c *Claims) IdentityID() string { return c.Subject }

// HasAnyRole reports whether the claims carry at least one of roles.
func (c *Claims) HasAnyRole(roles map[string]struct{}) bool {
	for _, r := range c.Roles {
		if _, ok := roles[r]; ok {
			return true
		}
	}
	return false
}

// Subject is the identity state snapshotted into a token pair.
type Subject struct {
	ID      string
	Email   string
	Roles   []string
	Groups  []string
	Domains []string
	Active  bool
}

// Pair is the result of an issuance.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Subject          Subject
}

// Config is shared by Issuer and Verifier. Secret is read-only after construction.
type Config struct {
	Secret    []byte
	Issuer    string
	AccessTTL time.Duration
	Now       func() time.Time
}

// RefreshTTL returns the refresh lifetime for the configured access lifetime.
func (c Config) RefreshTTL() time.Duration {
	return c.AccessTTL * RefreshMultiplier
}

func (c Config) normalize() (Config, error) {
	if len(c.Secret) == 0 {
		return c, errors.New("token: signing secret must be set")
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Secret = append([]byte(nil), c.Secret...)
	return c, nil
}

// Sentinel verification failures. All of them mean "not authenticated" to
// callers outside this package; the distinction is kept for logs.
var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenKindMismatch = errors.New("token kind mismatch")
	ErrTokenSuperseded   = errors.New("token superseded")
	ErrSessionNotFound   = errors.New("session not found")
)

// IsUnauthenticated reports whether err is an expected verification failure
// rather than a storage or internal error.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenKindMismatch) ||
		errors.Is(err, ErrTokenSuperseded) ||
		errors.Is(err, ErrSessionNotFound)
}

// Reason returns a short label for a verification error, for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenKindMismatch):
		return "kind_mismatch"
	case errors.Is(err, ErrTokenSuperseded):
		return "superseded"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	default:
		return "error"
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTokenMalformed, fmt.Sprintf(format, args...))
}
