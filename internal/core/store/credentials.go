package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LoadCredential returns the sealed credential blob for a user on an
// instance, or nil when none is stored.
func (s *Store) LoadCredential(ctx context.Context, userID, instance string) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, errors.New("instance is required")
	}

	var blob []byte
	row := s.DB.QueryRowContext(ctx, `
		SELECT blob
		FROM credentials
		WHERE user_id = ? AND instance = ?
	`, strings.TrimSpace(userID), instance)
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch credential: %w", err)
	}
	return blob, nil
}

// SaveCredential upserts a sealed credential blob.
func (s *Store) SaveCredential(ctx context.Context, userID, instance string, blob []byte) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	instance = strings.TrimSpace(instance)
	if instance == "" {
		return errors.New("instance is required")
	}
	if len(blob) == 0 {
		return errors.New("credential blob is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (user_id, instance, blob, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, instance) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, strings.TrimSpace(userID), instance, blob, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the credential for a user on an instance.
func (s *Store) DeleteCredential(ctx context.Context, userID, instance string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE user_id = ? AND instance = ?
	`, strings.TrimSpace(userID), strings.TrimSpace(instance))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
