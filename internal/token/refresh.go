package token

import (
	"context"
	"fmt"
)

// IdentityResolver loads the current state of an identity. It returns
// (nil, nil) when the identity no longer exists.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, identityID string) (*Subject, error)
}

// Refresher rotates a token pair from a refresh token.
type Refresher struct {
	verifier   *Verifier
	issuer     *Issuer
	identities IdentityResolver
}

// NewRefresher wires a Refresher.
func NewRefresher(v *Verifier, i *Issuer, identities IdentityResolver) *Refresher {
	return &Refresher{verifier: v, issuer: i, identities: identities}
}

// Refresh verifies raw as a refresh token, reloads the identity so role or
// access changes since the last issuance take effect, and issues a new pair.
// The presented refresh token is superseded by the new record.
func (r *Refresher) Refresh(ctx context.Context, raw string) (*Pair, error) {
	claims, err := r.verifier.Verify(ctx, raw, KindRefresh)
	if err != nil {
		return nil, err
	}

	subject, err := r.identities.ResolveIdentity(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	if subject == nil || !subject.Active {
		if err := r.issuer.Revoke(ctx, claims.Subject, claims.Email); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: identity missing or inactive", ErrSessionNotFound)
	}

	if subject.Email != claims.Email {
		if err := r.issuer.Revoke(ctx, claims.Subject, claims.Email); err != nil {
			return nil, err
		}
	}
	return r.issuer.Issue(ctx, *subject)
}
