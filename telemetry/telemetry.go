// Package telemetry defines the logging and metrics seams used across the
// navigator runtime. Components depend on these narrow interfaces rather than
// on a concrete logging library so tests can run silent and production wiring
// can swap backends without touching scheduler or registry code.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with key-value context.
	Logger interface {
		// Debug emits a debug-level record.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level record.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level record.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level record.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges for runtime instrumentation.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time gauge value.
		RecordGauge(name string, value float64, tags ...string)
	}
)
