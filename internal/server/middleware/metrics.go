package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/observability"
)

// CacheHeader reports whether a gateway response came from the cache.
const CacheHeader = "X-Lmslink-Cache"

// Metric names emitted per request.
const (
	HTTPRequestsTotalName     = "http_requests_total"
	HTTPRequestDurationName   = "http_request_duration_ms"
	HTTPResponseSizeName      = "http_response_size_bytes"
	HTTPErrorsTotalName       = "http_errors_total"
	GatewayCacheResponsesName = "gateway_cache_responses_total"
)

// responseWriter captures status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// EndpointPattern maps a request to a low-cardinality label. Gateway paths
// collapse to /v1/canvas/* whatever instance resource they name.
func EndpointPattern(r *http.Request) string {
	path := r.URL.Path
	if strings.HasPrefix(path, "/v1/canvas/") {
		return "/v1/canvas/*"
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	switch {
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/", path == "/v1/status", path == "/v1/cache/invalidate":
		return path
	case strings.HasPrefix(path, "/admin/"):
		return "/admin/*"
	default:
		return "/unknown"
	}
}

// RequestMetrics records request counts, latency, and gateway cache results.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		endpoint := EndpointPattern(r)
		status := strconv.Itoa(wrapped.statusCode)
		labels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   status,
		}

		_ = observability.TelemetrySystem.Counter(HTTPRequestsTotalName, 1, labels)
		_ = observability.TelemetrySystem.Histogram(HTTPRequestDurationName, duration, labels)
		_ = observability.TelemetrySystem.Gauge(HTTPResponseSizeName, float64(wrapped.bytesWritten), map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
		})

		if result := w.Header().Get(CacheHeader); result != "" {
			_ = observability.TelemetrySystem.Counter(GatewayCacheResponsesName, 1, map[string]string{"result": result})
		}

		if wrapped.statusCode >= 400 {
			errorType := "client_error"
			if wrapped.statusCode >= 500 {
				errorType = "server_error"
			}
			_ = observability.TelemetrySystem.Counter(HTTPErrorsTotalName, 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorType,
			})
		}

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("request_id", GetRequestID(r.Context())),
			)
		}
	})
}
