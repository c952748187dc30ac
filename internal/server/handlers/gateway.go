package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/core/lms"
	apperrors "github.com/hapiai/lmslink/internal/errors"
	"github.com/hapiai/lmslink/internal/metrics"
	servermw "github.com/hapiai/lmslink/internal/server/middleware"
)

// Requester issues API calls through the resilient client.
type Requester interface {
	Request(ctx context.Context, req lms.Request) (*lms.Response, error)
}

// Response headers set by the gateway.
const (
	HeaderCache = servermw.CacheHeader
	HeaderNext  = "X-Lmslink-Next"
)

const gatewayOperation = "gateway"

// GatewayHandler relays GET /v1/canvas/* to the instance API through the
// client, so callers share its queue, cache and credential.
func GatewayHandler(client Requester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if client == nil {
			respondWithError(w, r, apperrors.NewUnavailableError("api client is not configured"))
			return
		}

		endpoint := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		if endpoint == "/" {
			respondWithError(w, r, apperrors.NewValidationError("endpoint path is required"))
			return
		}

		query := r.URL.Query()
		priority := core.PriorityUserInitiated
		if raw := query.Get("priority"); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || !core.Priority(value).Valid() {
				respondWithError(w, r, apperrors.NewValidationError("priority must be 0-3"))
				return
			}
			priority = core.Priority(value)
			query.Del("priority")
		}

		resp, err := client.Request(r.Context(), lms.Request{
			Method:    http.MethodGet,
			Endpoint:  endpoint,
			Query:     query,
			Priority:  priority,
			Cacheable: true,
		})
		metrics.RecordOperation(gatewayOperation, err == nil)
		if err != nil {
			metrics.RecordOperationError(gatewayOperation, err)
			respondWithError(w, r, apperrors.FromAPIError(r.Context(), err))
			return
		}

		cacheState := "miss"
		if resp.FromCache {
			cacheState = "hit"
		}
		w.Header().Set(HeaderCache, cacheState)
		if next := resp.NextLink(); next != "" {
			w.Header().Set(HeaderNext, next)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Body)
	}
}
