package metrics

import (
	"time"
)

// MeasureDBQuery times a database operation:
//
//	defer metrics.MeasureDBQuery(m, "get_booking", "postgres")()
//
// Nil-safe so stores without a collector skip instrumentation entirely.
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// RecordDBQuery records a duration the caller already measured.
func RecordDBQuery(m *Metrics, operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ObserveDBQuery(operation, backend, duration)
}
