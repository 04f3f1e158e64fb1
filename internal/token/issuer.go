package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/panelauth/internal/session"
)

// Issuer signs token pairs and records their fingerprints.
type Issuer struct {
	cfg   Config
	store session.Store
}

// NewIssuer returns an Issuer writing session records to store.
func NewIssuer(cfg Config, store session.Store) (*Issuer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, store: store}, nil
}

// Issue signs a new access/refresh pair for s and overwrites the session
// record for (s.ID, s.Email). Any pair issued earlier for the same key stops
// verifying immediately. If the record cannot be written no pair is returned.
func (i *Issuer) Issue(ctx context.Context, s Subject) (*Pair, error) {
	if s.ID == "" || s.Email == "" {
		return nil, fmt.Errorf("issuing tokens: identity id and email are required")
	}
	now := i.cfg.Now().UTC()
	accessExp := now.Add(i.cfg.AccessTTL)
	refreshExp := now.Add(i.cfg.RefreshTTL())

	access, err := i.sign(s, KindAccess, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(s, KindRefresh, now, refreshExp)
	if err != nil {
		return nil, err
	}

	rec := &session.Record{
		IdentityID:         s.ID,
		Email:              s.Email,
		AccessFingerprint:  session.Fingerprint(access),
		RefreshFingerprint: session.Fingerprint(refresh),
		IssuedAt:           now,
		ExpiresAt:          refreshExp,
		Active:             true,
	}
	if err := i.store.PutSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting session record: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int(i.cfg.AccessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Subject:          s,
	}, nil
}

// Revoke deletes the session record for one identity+email.
func (i *Issuer) Revoke(ctx context.Context, identityID, email string) error {
	if err := i.store.DeleteSession(ctx, identityID, email); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session record of an identity.
func (i *Issuer) RevokeAll(ctx context.Context, identityID string) error {
	if err := i.store.DeleteSessionsForIdentity(ctx, identityID); err != nil {
		return fmt.Errorf("revoking sessions for identity: %w", err)
	}
	return nil
}

func (i *Issuer) sign(s Subject, kind Kind, now, exp time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Email:   s.Email,
		Roles:   nonNil(s.Roles),
		Groups:  nonNil(s.Groups),
		Domains: nonNil(s.Domains),
		Kind:    kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
