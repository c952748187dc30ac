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

const rateLimitColumns = `tokens, capacity, updated_at, consecutive_failures, circuit_reopen_at, last_429_at`

// GetRateLimit returns the persisted rate budget for an endpoint.
func (s *Store) GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT `+rateLimitColumns+`
		FROM rate_limits
		WHERE endpoint = ?
	`, endpoint)

	state, err := scanRateLimit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	return state, nil
}

// UpdateRateLimit persists the rate budget for an endpoint.
func (s *Store) UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	updatedAt := state.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, tokens, capacity, updated_at, consecutive_failures, circuit_reopen_at, last_429_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			tokens = excluded.tokens,
			capacity = excluded.capacity,
			updated_at = excluded.updated_at,
			consecutive_failures = excluded.consecutive_failures,
			circuit_reopen_at = excluded.circuit_reopen_at,
			last_429_at = excluded.last_429_at
	`, endpoint, state.Tokens, state.Capacity, updatedAt.UnixMilli(), state.ConsecutiveFailures,
		nullMillis(state.CircuitReopenAt), nullMillis(state.Last429At))
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRateLimit(row rowScanner, prefix ...any) (*core.RateLimitState, error) {
	var (
		tokens    float64
		capacity  int
		updatedAt int64
		failures  int
		reopenAt  sql.NullInt64
		last429At sql.NullInt64
	)

	dest := append(prefix, &tokens, &capacity, &updatedAt, &failures, &reopenAt, &last429At)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	return &core.RateLimitState{
		Tokens:              tokens,
		Capacity:            capacity,
		UpdatedAt:           time.UnixMilli(updatedAt).UTC(),
		ConsecutiveFailures: failures,
		CircuitReopenAt:     timeFromMillis(reopenAt),
		Last429At:           timeFromMillis(last429At),
	}, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	value := time.UnixMilli(v.Int64).UTC()
	return &value
}
