package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/panelauth/internal/session"
)

// Verifier checks presented tokens against their signature, expiry, kind and
// the identity's current session record.
type Verifier struct {
	cfg    Config
	store  session.Store
	parser *jwt.Parser
}

// NewVerifier returns a Verifier reading session records from store.
func NewVerifier(cfg Config, store session.Store) (*Verifier, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{cfg: cfg, store: store, parser: jwt.NewParser(opts...)}, nil
}

// Verify returns the claims of raw if it is a live token of the expected kind.
// Expected failures satisfy IsUnauthenticated; any other error comes from the
// session store.
func (v *Verifier) Verify(ctx context.Context, raw string, kind Kind) (*Claims, error) {
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	if !tok.Valid {
		return nil, malformed("token not valid")
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, malformed("missing subject or email")
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenKindMismatch, claims.Kind, kind)
	}

	rec, err := v.store.GetSession(ctx, claims.Subject, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}
	if rec == nil || !rec.Active || rec.Expired(v.cfg.Now()) {
		return nil, ErrSessionNotFound
	}
	if rec.IdentityID != claims.Subject || rec.Email != claims.Email {
		return nil, malformed("claims do not match session record")
	}

	stored := rec.AccessFingerprint
	if kind == KindRefresh {
		stored = rec.RefreshFingerprint
	}
	if !session.FingerprintMatches(raw, stored) {
		return nil, ErrTokenSuperseded
	}
	return claims, nil
}
