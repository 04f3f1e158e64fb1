package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/panelauth/internal/session"
)

var (
	ErrIdentityExists   = errors.New("identity already exists")
	ErrIdentityNotFound = errors.New("identity not found")
)

// DB interface for database operations. Getters return (nil, nil) when the
// row does not exist.
type DB interface {
	session.Store

	Init(ctx context.Context) error
	// Identity operations
	CreateIdentity(ctx context.Context, ident *Identity) error
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	GetIdentityByID(ctx context.Context, id string) (*Identity, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateRoles(ctx context.Context, id string, roles []string) error
	// DeleteIdentity removes the identity and every session record it owns.
	DeleteIdentity(ctx context.Context, id string) error
}

// Memory DB
type MemDB struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	byEmail    map[string]string
	sessions   map[sessionKey]session.Record
}

type sessionKey struct{ id, email string }

func NewMemoryDB() *MemDB {
	return &MemDB{
		identities: map[string]*Identity{},
		byEmail:    map[string]string{},
		sessions:   map[sessionKey]session.Record{},
	}
}

func (m *MemDB) Init(context.Context) error { return nil }

func (m *MemDB) CreateIdentity(_ context.Context, ident *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[ident.Email]; ok {
		return ErrIdentityExists
	}
	cp := cloneIdentity(ident)
	m.identities[ident.ID] = cp
	m.byEmail[ident.Email] = ident.ID
	return nil
}

func (m *MemDB) GetIdentityByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, nil
	}
	return cloneIdentity(m.identities[id]), nil
}

func (m *MemDB) GetIdentityByID(_ context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ident, ok := m.identities[id]; ok {
		return cloneIdentity(ident), nil
	}
	return nil, nil
}

func (m *MemDB) UpdatePasswordHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	ident.PasswordHash = hash
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemDB) UpdateRoles(_ context.Context, id string, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	ident.Roles = append([]string(nil), roles...)
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemDB) DeleteIdentity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	delete(m.byEmail, ident.Email)
	delete(m.identities, id)
	for k := range m.sessions {
		if k.id == id {
			delete(m.sessions, k)
		}
	}
	return nil
}

func (m *MemDB) PutSession(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey{rec.IdentityID, rec.Email}] = *rec
	return nil
}

func (m *MemDB) GetSession(_ context.Context, identityID, email string) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionKey{identityID, email}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemDB) DeleteSession(_ context.Context, identityID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{identityID, email})
	return nil
}

func (m *MemDB) DeleteSessionsForIdentity(_ context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sessions {
		if k.id == identityID {
			delete(m.sessions, k)
		}
	}
	return nil
}

// PurgeExpiredSessions deletes records whose refresh window has closed.
func (m *MemDB) PurgeExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.sessions {
		if rec.Expired(now) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func cloneIdentity(i *Identity) *Identity {
	cp := *i
	cp.Roles = append([]string(nil), i.Roles...)
	cp.Groups = append([]string(nil), i.Groups...)
	cp.Domains = append([]string(nil), i.Domains...)
	return &cp
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer avoids SQLITE_BUSY under concurrent logins
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			roles TEXT NOT NULL DEFAULT '[]',
			group_labels TEXT NOT NULL DEFAULT '[]',
			domain_labels TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			identity_id TEXT NOT NULL,
			email TEXT NOT NULL,
			access_fingerprint TEXT NOT NULL,
			refresh_fingerprint TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (identity_id, email)
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const sqliteIdentityColumns = `id,email,password_hash,roles,group_labels,domain_labels,active,created_at,updated_at`

func (s *SQLiteDB) CreateIdentity(ctx context.Context, ident *Identity) error {
	roles, groups, domains, err := encodeLabels(ident)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities(`+sqliteIdentityColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		ident.ID, ident.Email, ident.PasswordHash, roles, groups, domains,
		boolInt(ident.Active), ident.CreatedAt.UnixMilli(), ident.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrIdentityExists
		}
		return err
	}
	return nil
}

func (s *SQLiteDB) GetIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+sqliteIdentityColumns+` FROM identities WHERE email = ?`, email))
}

func (s *SQLiteDB) GetIdentityByID(ctx context.Context, id string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+sqliteIdentityColumns+` FROM identities WHERE id = ?`, id))
}

func (s *SQLiteDB) scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		ident                  Identity
		roles, groups, domains string
		active                 int
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &roles, &groups, &domains, &active, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{roles, &ident.Roles}, {groups, &ident.Groups}, {domains, &ident.Domains}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding labels for %s: %w", ident.ID, err)
		}
	}
	ident.Active = active != 0
	ident.CreatedAt = time.UnixMilli(createdAt).UTC()
	ident.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &ident, nil
}

func (s *SQLiteDB) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UnixMilli(), id)
	return affectedOne(res, err)
}

func (s *SQLiteDB) UpdateRoles(ctx context.Context, id string, roles []string) error {
	raw, err := json.Marshal(labels(roles))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET roles = ?, updated_at = ? WHERE id = ?`, string(raw), time.Now().UnixMilli(), id)
	return affectedOne(res, err)
}

func (s *SQLiteDB) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err := affectedOne(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) PutSession(ctx context.Context, rec *session.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(identity_id,email,access_fingerprint,refresh_fingerprint,issued_at,expires_at,active)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(identity_id,email) DO UPDATE SET
			access_fingerprint = excluded.access_fingerprint,
			refresh_fingerprint = excluded.refresh_fingerprint,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			active = excluded.active`,
		rec.IdentityID, rec.Email, rec.AccessFingerprint, rec.RefreshFingerprint,
		rec.IssuedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(), boolInt(rec.Active))
	return err
}

func (s *SQLiteDB) GetSession(ctx context.Context, identityID, email string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT identity_id,email,access_fingerprint,refresh_fingerprint,issued_at,expires_at,active FROM sessions WHERE identity_id = ? AND email = ?`, identityID, email)
	var (
		rec                 session.Record
		issuedAt, expiresAt int64
		active              int
	)
	if err := row.Scan(&rec.IdentityID, &rec.Email, &rec.AccessFingerprint, &rec.RefreshFingerprint, &issuedAt, &expiresAt, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.IssuedAt = time.UnixMilli(issuedAt).UTC()
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	rec.Active = active != 0
	return &rec, nil
}

func (s *SQLiteDB) DeleteSession(ctx context.Context, identityID, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = ? AND email = ?`, identityID, email)
	return err
}

func (s *SQLiteDB) DeleteSessionsForIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = ?`, identityID)
	return err
}

// PurgeExpiredSessions deletes records whose refresh window has closed.
func (s *SQLiteDB) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeLabels(ident *Identity) (roles, groups, domains string, err error) {
	out := make([]string, 3)
	for i, set := range [][]string{ident.Roles, ident.Groups, ident.Domains} {
		raw, err := json.Marshal(labels(set))
		if err != nil {
			return "", "", "", err
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
