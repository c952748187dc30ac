package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hapiai/lmslink/internal/core"
)

// Recording without an initialized telemetry system must be a no-op.
func TestRecordersWithoutTelemetry(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordOperation("courses", true)
		RecordOperationError("courses", core.NewError(core.KindRateLimit, "throttled", nil))
		RecordOperationError("courses", errors.New("plain"))
		RecordOperationError("courses", nil)
		RecordLimiterStatus(core.LimiterStatus{TokensAvailable: 12, CircuitOpen: true})
		SetCacheEntries(3)
		RecordHealthCheck("store", true, time.Millisecond)
		SetServerStartTime(time.Now().Unix())
		SetServerUptime(5)
		RecordError("NOT_FOUND", 404, "/v1/status")
		RecordPanic()
	})
}
