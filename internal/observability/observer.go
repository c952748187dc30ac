package observability

import (
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/hapiai/lmslink/internal/core"
)

// ClientEventsTotal counts client lifecycle events by kind and component.
const ClientEventsTotal = "client_events_total"

// LogObserver reports client lifecycle events to a logger and the telemetry
// system. Queue and cache traffic logs at debug; breaker and backend trouble
// logs at warn.
type LogObserver struct {
	logger *logging.Logger
}

// NewLogObserver returns an observer writing to logger. A nil logger falls
// back to the server logger, then the CLI logger, at observe time.
func NewLogObserver(logger *logging.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe implements core.Observer.
func (o *LogObserver) Observe(event core.Event) {
	recordEvent(event)

	logger := o.activeLogger()
	if logger == nil {
		return
	}

	fields := eventFields(event)
	msg := "client " + string(event.Kind)
	switch event.Kind {
	case core.EventCircuitOpen, core.EventCacheBackendErr, core.EventTokenInvalid, core.EventRefreshFailed, core.EventUnitFailed:
		logger.Warn(msg, fields...)
	case core.EventCircuitClose, core.EventTokenRefresh, core.EventDisconnect:
		logger.Info(msg, fields...)
	default:
		logger.Debug(msg, fields...)
	}
}

func (o *LogObserver) activeLogger() *logging.Logger {
	if o != nil && o.logger != nil {
		return o.logger
	}
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

func eventFields(event core.Event) []zap.Field {
	fields := []zap.Field{zap.String("event", string(event.Kind))}
	if event.Component != "" {
		fields = append(fields, zap.String("component", event.Component))
	}
	if event.UnitID != "" {
		fields = append(fields, zap.String("unit_id", event.UnitID))
		fields = append(fields, zap.String("priority", event.Priority.String()))
	}
	if event.Key != "" {
		fields = append(fields, zap.String("key", event.Key))
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	if event.Wait > 0 {
		fields = append(fields, zap.Duration("wait", event.Wait))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}
	return fields
}

func recordEvent(event core.Event) {
	if TelemetrySystem == nil {
		return
	}
	_ = TelemetrySystem.Counter(
		ClientEventsTotal,
		1,
		map[string]string{
			"event":     string(event.Kind),
			"component": event.Component,
		},
	)
}

var _ core.Observer = (*LogObserver)(nil)
