package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hapiai/lmslink/internal/core"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GetCachedResponse returns a cached response body if it has not expired.
func (s *Store) GetCachedResponse(ctx context.Context, key string) (*core.CacheEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("cache key is required")
	}

	var (
		value    []byte
		storedAt int64
		ttlMs    int64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT value, stored_at, ttl_ms
		FROM response_cache
		WHERE key = ? AND expires_at > ?
	`, key, time.Now().UTC().UnixMilli())

	if err := row.Scan(&value, &storedAt, &ttlMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch cached response: %w", err)
	}

	return &core.CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: time.UnixMilli(storedAt).UTC(),
		TTL:      time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

// SetCachedResponse stores a response body until its TTL elapses.
func (s *Store) SetCachedResponse(ctx context.Context, entry *core.CacheEntry) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if entry == nil || entry.TTL <= 0 {
		return nil
	}

	key := strings.TrimSpace(entry.Key)
	if key == "" {
		return errors.New("cache key is required")
	}

	storedAt := entry.StoredAt.UTC()
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO response_cache (key, value, stored_at, ttl_ms, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			stored_at = excluded.stored_at,
			ttl_ms = excluded.ttl_ms,
			expires_at = excluded.expires_at
	`, key, entry.Value, storedAt.UnixMilli(), entry.TTL.Milliseconds(), storedAt.Add(entry.TTL).UnixMilli())
	if err != nil {
		return fmt.Errorf("store cached response: %w", err)
	}

	return nil
}

// DeleteCachedResponse removes one cached response.
func (s *Store) DeleteCachedResponse(ctx context.Context, key string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("delete cached response: %w", err)
	}
	return nil
}

// DeleteCachedResponses removes every cached response whose key contains
// fragment.
func (s *Store) DeleteCachedResponses(ctx context.Context, fragment string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `
		DELETE FROM response_cache
		WHERE key LIKE ? ESCAPE '\'
	`, "%"+likeEscaper.Replace(fragment)+"%")
	if err != nil {
		return 0, fmt.Errorf("delete cached responses: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete cached responses: %w", err)
	}
	return affected, nil
}

// ClearCachedResponses removes every cached response.
func (s *Store) ClearCachedResponses(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM response_cache`); err != nil {
		return fmt.Errorf("clear cached responses: %w", err)
	}
	return nil
}

// PurgeExpiredResponses deletes entries that expired before now.
func (s *Store) PurgeExpiredResponses(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at <= ?`, now.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cached responses: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge cached responses: %w", err)
	}
	return affected, nil
}
