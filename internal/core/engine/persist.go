package engine

import (
	"context"
	"math"
	"strings"

	"github.com/hapiai/lmslink/internal/core"
)

// RateLimitStore stores rate limit state between process runs.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error
}

// Circuit returns the breaker state.
func (l *Limiter) Circuit() core.CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit.state(l.now())
}

// Snapshot captures the bucket and breaker so they can be restored later.
func (l *Limiter) Snapshot() core.RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := core.RateLimitState{
		Tokens:              l.tokensAt(now),
		Capacity:            l.cfg.Capacity,
		UpdatedAt:           now,
		ConsecutiveFailures: l.circuit.failures,
		Last429At:           l.last429At,
	}
	if l.circuit.isOpen(now) {
		reopen := l.circuit.reopenAt
		state.CircuitReopenAt = &reopen
	}
	return state
}

// Restore loads a snapshot. Tokens refill for the time elapsed since the
// snapshot was taken, and never exceed the configured capacity.
func (l *Limiter) Restore(state core.RateLimitState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tokens := state.Tokens
	if !state.UpdatedAt.IsZero() && now.After(state.UpdatedAt) {
		tokens += now.Sub(state.UpdatedAt).Seconds() * float64(l.bucket.Limit())
	}
	tokens = math.Min(math.Max(tokens, 0), float64(l.cfg.Capacity))

	l.drainTo(now, tokens)

	l.circuit.failures = state.ConsecutiveFailures
	if state.CircuitReopenAt != nil && now.Before(*state.CircuitReopenAt) {
		l.circuit.open = true
		l.circuit.reopenAt = *state.CircuitReopenAt
	}
	l.last429At = state.Last429At
}

// RestoreFrom loads persisted state for endpoint, if any.
func (l *Limiter) RestoreFrom(ctx context.Context, store RateLimitStore, endpoint string) error {
	if l == nil || store == nil || strings.TrimSpace(endpoint) == "" {
		return nil
	}

	state, err := store.GetRateLimit(ctx, endpoint)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	l.Restore(*state)
	return nil
}

// PersistTo writes the current snapshot for endpoint.
func (l *Limiter) PersistTo(ctx context.Context, store RateLimitStore, endpoint string) error {
	if l == nil || store == nil || strings.TrimSpace(endpoint) == "" {
		return nil
	}
	state := l.Snapshot()
	return store.UpdateRateLimit(ctx, endpoint, &state)
}
