package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/panelauth/internal/session"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init(ctx context.Context) error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.PingContext(ctx)
}

const pgIdentityColumns = `id,email,password_hash,roles,group_labels,domain_labels,active,created_at,updated_at`

func (p *PostgresDB) CreateIdentity(ctx context.Context, ident *Identity) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO identities(`+pgIdentityColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ident.ID, ident.Email, ident.PasswordHash,
		pq.Array(labels(ident.Roles)), pq.Array(labels(ident.Groups)), pq.Array(labels(ident.Domains)),
		ident.Active, ident.CreatedAt, ident.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrIdentityExists
		}
		return err
	}
	return nil
}

func (p *PostgresDB) GetIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return scanPgIdentity(p.db.QueryRowContext(ctx, `SELECT `+pgIdentityColumns+` FROM identities WHERE email = $1`, email))
}

func (p *PostgresDB) GetIdentityByID(ctx context.Context, id string) (*Identity, error) {
	return scanPgIdentity(p.db.QueryRowContext(ctx, `SELECT `+pgIdentityColumns+` FROM identities WHERE id = $1`, id))
}

func scanPgIdentity(row *sql.Row) (*Identity, error) {
	var ident Identity
	err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash,
		pq.Array(&ident.Roles), pq.Array(&ident.Groups), pq.Array(&ident.Domains),
		&ident.Active, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ident, nil
}

func (p *PostgresDB) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE identities SET password_hash = $1, updated_at = now() WHERE id = $2`, hash, id)
	return affectedOne(res, err)
}

func (p *PostgresDB) UpdateRoles(ctx context.Context, id string, roles []string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE identities SET roles = $1, updated_at = now() WHERE id = $2`, pq.Array(labels(roles)), id)
	return affectedOne(res, err)
}

// DeleteIdentity relies on ON DELETE CASCADE from sessions.identity_id.
func (p *PostgresDB) DeleteIdentity(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	return affectedOne(res, err)
}

func (p *PostgresDB) PutSession(ctx context.Context, rec *session.Record) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sessions(identity_id,email,access_fingerprint,refresh_fingerprint,issued_at,expires_at,active)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (identity_id,email) DO UPDATE SET
			access_fingerprint = EXCLUDED.access_fingerprint,
			refresh_fingerprint = EXCLUDED.refresh_fingerprint,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active`,
		rec.IdentityID, rec.Email, rec.AccessFingerprint, rec.RefreshFingerprint, rec.IssuedAt, rec.ExpiresAt, rec.Active)
	return err
}

func (p *PostgresDB) GetSession(ctx context.Context, identityID, email string) (*session.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT identity_id,email,access_fingerprint,refresh_fingerprint,issued_at,expires_at,active FROM sessions WHERE identity_id = $1 AND email = $2`, identityID, email)
	var rec session.Record
	if err := row.Scan(&rec.IdentityID, &rec.Email, &rec.AccessFingerprint, &rec.RefreshFingerprint, &rec.IssuedAt, &rec.ExpiresAt, &rec.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresDB) DeleteSession(ctx context.Context, identityID, email string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = $1 AND email = $2`, identityID, email)
	return err
}

func (p *PostgresDB) DeleteSessionsForIdentity(ctx context.Context, identityID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = $1`, identityID)
	return err
}

// PurgeExpiredSessions deletes records whose refresh window has closed.
func (p *PostgresDB) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
