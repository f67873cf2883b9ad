package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openfield/fieldsync/internal/entity"
)

// UpsertUser records a local copy of an account that can author mutations.
func (s *Store) UpsertUser(ctx context.Context, u *entity.User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO users (id, email, display_name)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = excluded.email,
		display_name = excluded.display_name`,
		u.ID, u.Email, u.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser resolves a local user record. Returns ErrNotFound if the user is
// unknown on this device; the coordinator treats that as a skippable
// authorship error, not a fatal one.
func (s *Store) GetUser(ctx context.Context, id string) (*entity.User, error) {
	var (
		u                  entity.User
		email, displayName sql.NullString
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &email, &displayName)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %s: %w", id, err)
	}
	u.Email = email.String
	u.DisplayName = displayName.String
	return &u, nil
}
