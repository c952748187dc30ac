package metrics

import (
	"time"

	"github.com/hapiai/lmslink/internal/core"
	"github.com/hapiai/lmslink/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Command and API operations
	OperationsTotal       = "app_operations_total"
	OperationsErrorsTotal = "app_operations_errors_total"

	// Rate limiter state
	LimiterTokensAvailable = "lms_limiter_tokens_available"
	LimiterQueueLength     = "lms_limiter_queue_length"
	LimiterCircuitOpen     = "lms_limiter_circuit_open"

	// Response cache state
	CacheEntries = "lms_cache_entries"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordOperation records an operation outcome such as a CLI command or API call.
func RecordOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OperationsTotal,
			1,
			map[string]string{
				"operation": operation,
				"status":    status,
			},
		)
	}
}

// RecordOperationError records a failed operation labelled with its error kind.
func RecordOperationError(operation string, err error) {
	if err == nil || observability.TelemetrySystem == nil {
		return
	}
	kind := string(core.KindInternal)
	if apiErr := core.AsAPIError(err); apiErr != nil {
		kind = string(apiErr.Kind)
	}
	_ = observability.TelemetrySystem.Counter(
		OperationsErrorsTotal,
		1,
		map[string]string{
			"operation":  operation,
			"error_kind": kind,
		},
	)
}

// RecordLimiterStatus publishes the limiter's current budget and breaker state.
func RecordLimiterStatus(status core.LimiterStatus) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(LimiterTokensAvailable, status.TokensAvailable, nil)
	_ = observability.TelemetrySystem.Gauge(LimiterQueueLength, float64(status.QueueLength), nil)
	open := 0.0
	if status.CircuitOpen {
		open = 1
	}
	_ = observability.TelemetrySystem.Gauge(LimiterCircuitOpen, open, nil)
}

// SetCacheEntries records the in-memory cache size.
func SetCacheEntries(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(CacheEntries, float64(count), nil)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerUptime, float64(seconds), nil)
	}
}
