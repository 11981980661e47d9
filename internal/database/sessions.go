package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatengine/internal/models"
)

const (
	upsertSessionQuery = `
		INSERT INTO sessions (
			session_key, tenant_id, platform, status, credentials,
			external_identity, last_error, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			status = excluded.status,
			credentials = excluded.credentials,
			external_identity = excluded.external_identity,
			last_error = excluded.last_error,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	selectSessionColumns = `
		SELECT session_key, tenant_id, platform, status, credentials,
			   external_identity, last_error, last_seen, created_at, updated_at
		FROM sessions
	`
)

// UpsertSession inserts or replaces the persisted state of s, keyed by its session key.
func (d *Database) UpsertSession(ctx context.Context, s *models.Session) error {
	credentials, err := d.encryptor.Encrypt(s.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt session credentials: %w", err)
	}

	now := time.Now().UTC()
	createdAt := s.CreatedAt.UTC()
	if s.CreatedAt.IsZero() {
		createdAt = now
	}
	updatedAt := s.UpdatedAt.UTC()
	if s.UpdatedAt.IsZero() {
		updatedAt = now
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, upsertSessionQuery,
			s.Key,
			s.TenantID,
			string(s.Platform),
			string(s.Status),
			credentials,
			s.ExternalIdentity,
			s.LastError,
			nullTime(s.LastSeen),
			createdAt,
			updatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	}, "upsert session")
}

// GetSession returns nil, nil when no session is stored under key.
func (d *Database) GetSession(ctx context.Context, key string) (*models.Session, error) {
	row := d.db.QueryRowContext(ctx, selectSessionColumns+" WHERE session_key = ?", key)
	s, err := d.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessionsByStatus is used for warm restart.
func (d *Database) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	rows, err := d.db.QueryContext(ctx, selectSessionColumns+" WHERE status = ? ORDER BY session_key", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return d.collectSessions(rows)
}

func (d *Database) collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := d.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanSession(row scanner) (*models.Session, error) {
	var (
		s           models.Session
		platform    string
		status      string
		credentials sql.NullString
		identity    sql.NullString
		lastError   sql.NullString
		lastSeen    sql.NullTime
	)
	if err := row.Scan(&s.Key, &s.TenantID, &platform, &status, &credentials,
		&identity, &lastError, &lastSeen, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}

	decrypted, err := d.encryptor.Decrypt(credentials.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session credentials: %w", err)
	}

	s.Platform = models.Platform(platform)
	s.Status = models.SessionStatus(status)
	s.Credentials = decrypted
	s.ExternalIdentity = identity.String
	s.LastError = lastError.String
	s.LastSeen = timePtr(lastSeen)
	return &s, nil
}
