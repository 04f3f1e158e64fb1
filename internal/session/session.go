// Package session defines the revocable server-side record that backs every
// live token pair. There is at most one Record per (identity id, email); a new
// login or refresh overwrites it, which revokes the previous pair.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Record is the persisted state for one identity+email session.
type Record struct {
	IdentityID         string
	Email              string
	AccessFingerprint  string
	RefreshFingerprint string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Active             bool
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists session records.
//
// Get returns (nil, nil) when no record exists; errors are reserved for
// storage failures. Put replaces any existing record for the same key.
type Store interface {
	PutSession(ctx context.Context, rec *Record) error
	GetSession(ctx context.Context, identityID, email string) (*Record, error)
	DeleteSession(ctx context.Context, identityID, email string) error
	DeleteSessionsForIdentity(ctx context.Context, identityID string) error
}

// Fingerprint returns the hex SHA-256 of a raw token. Raw tokens are never stored.
func Fingerprint(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// FingerprintMatches compares the fingerprint of raw with stored in constant time.
func FingerprintMatches(raw, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(Fingerprint(raw)), []byte(stored)) == 1
}
