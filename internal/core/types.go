package core

import (
	"strings"
	"time"
)

// Priority orders queued units; higher values are served first.
type Priority int

const (
	PriorityBackground    Priority = 0
	PriorityNormal        Priority = 1
	PriorityUserInitiated Priority = 2
	PriorityCritical      Priority = 3
)

// PriorityLevels is the number of distinct priority bands.
const PriorityLevels = 4

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityNormal:
		return "normal"
	case PriorityUserInitiated:
		return "user-initiated"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority bands.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(value string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "background":
		return PriorityBackground, true
	case "", "normal":
		return PriorityNormal, true
	case "user-initiated", "user_initiated", "user":
		return PriorityUserInitiated, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// RateBudget is a point-in-time view of the token bucket.
type RateBudget struct {
	Capacity        int       `json:"capacity"`
	Tokens          float64   `json:"tokens"`
	RefillRatePerMs float64   `json:"refill_rate_per_ms"`
	LastRefill      time.Time `json:"last_refill"`
}

// CircuitState captures circuit breaker bookkeeping.
type CircuitState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Open                bool      `json:"open"`
	ReopenAt            time.Time `json:"reopen_at,omitempty"`
}

// LimiterStatus is the non-mutating view returned by the rate limiter.
type LimiterStatus struct {
	TokensAvailable     float64   `json:"tokens_available"`
	Capacity            int       `json:"capacity"`
	QueueLength         int       `json:"queue_length"`
	CircuitOpen         bool      `json:"circuit_open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReopenAt            time.Time `json:"reopen_at,omitempty"`
}

// RateLimitState captures persisted rate budget state for an instance host.
type RateLimitState struct {
	Tokens              float64
	Capacity            int
	UpdatedAt           time.Time
	ConsecutiveFailures int
	CircuitReopenAt     *time.Time
	Last429At           *time.Time
}

// CacheEntry is a cached response body.
type CacheEntry struct {
	Key      string        `json:"key"`
	Value    []byte        `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// Valid reports whether the entry is still fresh at now.
func (e *CacheEntry) Valid(now time.Time) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.StoredAt) < e.TTL
}

// ExpiresAt returns the instant the entry stops being valid.
func (e *CacheEntry) ExpiresAt() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.StoredAt.Add(e.TTL)
}

// CredentialRecord is an OAuth credential for one LMS instance.
type CredentialRecord struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Instance     string     `json:"instance"`
	Invalid      bool       `json:"invalid,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the access token has passed its expiry.
func (r *CredentialRecord) Expired(now time.Time) bool {
	if r == nil || r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// Token is what callers receive when asking for a credential.
type Token struct {
	Value     string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Preview   string     `json:"preview"`
}

// RedactToken returns a preview of a secret that is safe to log.
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
