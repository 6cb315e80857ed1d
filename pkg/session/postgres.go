package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresManager stores sessions in the oauth2_session_data table so a
// login can start on one instance and finish on another.
type PostgresManager struct {
	db DBTX
}

// NewPostgresManager creates a Postgres-backed session manager
func NewPostgresManager(db DBTX) *PostgresManager {
	return &PostgresManager{db: db}
}

// Session returns the store for id.
func (m *PostgresManager) Session(id string) Store {
	return &postgresStore{db: m.db, id: id}
}

// CleanupExpired deletes expired rows and returns how many were removed.
func (m *PostgresManager) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := m.db.Exec(ctx, `DELETE FROM oauth2_session_data WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

type postgresStore struct {
	db DBTX
	id string
}

func (s *postgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `
		SELECT value FROM oauth2_session_data
		WHERE session_id = $1 AND key = $2 AND expires_at > NOW()
	`, s.id, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session value: %w", err)
	}
	return value, true, nil
}

func (s *postgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth2_session_data (session_id, key, value, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, s.id, key, value, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to set session value: %w", err)
	}
	return nil
}

func (s *postgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM oauth2_session_data WHERE session_id = $1 AND key = $2`, s.id, key)
	if err != nil {
		return fmt.Errorf("failed to delete session value: %w", err)
	}
	return nil
}
