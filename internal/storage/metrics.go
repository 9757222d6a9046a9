package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shirube/internal/telemetry"
)

// RegisterPoolMetrics exposes pgxpool statistics as observable gauges.
// Call after telemetry.Init so the instruments bind to the real meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("shirube/storage")

	_, _ = meter.Int64ObservableGauge("shirube.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("shirube.db.pool.idle",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("shirube.db.pool.total",
		metric.WithDescription("Total connections owned by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
