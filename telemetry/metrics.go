package telemetry

import (
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "@agentuity/mcp-server"

// Meter returns the meter of the global provider
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

// NewDroppedCallbackCounter counts worker results that could not be
// delivered to any waiter or session
func NewDroppedCallbackCounter(meter metric.Meter) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter("mcp.worker.dropped_results",
		metric.WithDescription("Worker results with no pending call and no open session"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create dropped result counter")
	}
	return counter, nil
}
