package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hapiai/lmslink/internal/core"
	apperrors "github.com/hapiai/lmslink/internal/errors"
	"github.com/hapiai/lmslink/internal/metrics"
)

// StatusSource reports the live state of the client stack.
type StatusSource interface {
	Status(ctx context.Context) (core.ClientStatus, error)
}

// CacheInvalidator drops cached responses by key or trailing-* pattern.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keyOrPattern string) int
}

// StatusHandler serves GET /v1/status.
func StatusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			respondWithError(w, r, apperrors.NewUnavailableError("client status is not configured"))
			return
		}
		report, err := source.Status(r.Context())
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if report.Timestamp.IsZero() {
			report.Timestamp = time.Now().UTC()
		}
		metrics.RecordLimiterStatus(report.Limiter)
		metrics.SetCacheEntries(report.Cache.Entries)
		writeJSON(w, http.StatusOK, report)
	}
}

// InvalidateResponse is the body returned after a cache invalidation.
type InvalidateResponse struct {
	Pattern string `json:"pattern"`
	Removed int    `json:"removed"`
}

// InvalidateHandler removes cached responses matching ?pattern=.
func InvalidateHandler(invalidator CacheInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if invalidator == nil {
			respondWithError(w, r, apperrors.NewUnavailableError("response cache is not configured"))
			return
		}
		pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
		if pattern == "" {
			respondWithError(w, r, apperrors.NewValidationError("pattern query parameter is required"))
			return
		}
		removed := invalidator.Invalidate(r.Context(), pattern)
		writeJSON(w, http.StatusOK, InvalidateResponse{Pattern: pattern, Removed: removed})
	}
}
