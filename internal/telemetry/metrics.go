package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/peritoai/periti"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Tenant context metrics
	TenantScopesOpenedTotal     metric.Int64Counter
	TenantScopeDuration         metric.Float64Histogram
	TenantClearFailuresTotal    metric.Int64Counter
	TenantConnsInvalidatedTotal metric.Int64Counter
	TenantLeakedReleasesTotal   metric.Int64Counter

	// Task metrics
	TasksEnqueuedTotal  metric.Int64Counter
	TasksProcessedTotal metric.Int64Counter
	TasksFailedTotal    metric.Int64Counter
	TasksRetriedTotal   metric.Int64Counter
	TaskDuration        metric.Float64Histogram

	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Tenant context metrics
	m.TenantScopesOpenedTotal, _ = meter.Int64Counter(
		"periti.tenant.scopes.opened.total",
		metric.WithDescription("Total number of units of work bound to a tenant"),
		metric.WithUnit("{scope}"),
	)

	m.TenantScopeDuration, _ = meter.Float64Histogram(
		"periti.tenant.scope.duration",
		metric.WithDescription("Time a connection stays bound to a tenant"),
		metric.WithUnit("ms"),
	)

	m.TenantClearFailuresTotal, _ = meter.Int64Counter(
		"periti.tenant.clear.failures",
		metric.WithDescription("Total number of tenant context clears that failed"),
		metric.WithUnit("{failure}"),
	)

	m.TenantConnsInvalidatedTotal, _ = meter.Int64Counter(
		"periti.tenant.connections.invalidated.total",
		metric.WithDescription("Total number of pooled connections closed instead of being reused"),
		metric.WithUnit("{connection}"),
	)

	m.TenantLeakedReleasesTotal, _ = meter.Int64Counter(
		"periti.tenant.leaked_releases.total",
		metric.WithDescription("Total number of connections released to the pool while still bound to a tenant"),
		metric.WithUnit("{connection}"),
	)

	// Task metrics
	m.TasksEnqueuedTotal, _ = meter.Int64Counter(
		"periti.tasks.enqueued.total",
		metric.WithDescription("Total number of background tasks enqueued"),
		metric.WithUnit("{task}"),
	)

	m.TasksProcessedTotal, _ = meter.Int64Counter(
		"periti.tasks.processed.total",
		metric.WithDescription("Total number of background tasks completed"),
		metric.WithUnit("{task}"),
	)

	m.TasksFailedTotal, _ = meter.Int64Counter(
		"periti.tasks.failed.total",
		metric.WithDescription("Total number of background tasks that failed permanently"),
		metric.WithUnit("{task}"),
	)

	m.TasksRetriedTotal, _ = meter.Int64Counter(
		"periti.tasks.retried.total",
		metric.WithDescription("Total number of background task retries"),
		metric.WithUnit("{retry}"),
	)

	m.TaskDuration, _ = meter.Float64Histogram(
		"periti.tasks.duration",
		metric.WithDescription("Duration of background task runs including retries"),
		metric.WithUnit("ms"),
	)

	// HTTP metrics
	m.HTTPRequestsTotal, _ = meter.Int64Counter(
		"periti.http.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)

	m.HTTPRequestDuration, _ = meter.Float64Histogram(
		"periti.http.request.duration",
		metric.WithDescription("Duration of HTTP requests"),
		metric.WithUnit("ms"),
	)

	return m
}

// PoolSnapshot is a point-in-time view of the database pool.
type PoolSnapshot struct {
	TotalConns       int64
	IdleConns        int64
	AcquiredConns    int64
	InvalidatedConns int64
}

// RegisterPoolObserver reports pool gauges from snapshot on every collection.
// Unregister the returned registration when the pool is closed.
func RegisterPoolObserver(snapshot func() PoolSnapshot) (metric.Registration, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	total, err := meter.Int64ObservableGauge("periti.db.pool.connections.total",
		metric.WithDescription("Connections held by the pool"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	idle, err := meter.Int64ObservableGauge("periti.db.pool.connections.idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	acquired, err := meter.Int64ObservableGauge("periti.db.pool.connections.acquired",
		metric.WithDescription("Connections currently in use"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	invalidated, err := meter.Int64ObservableCounter("periti.db.pool.connections.invalidated",
		metric.WithDescription("Connections closed because their tenant context could not be cleared"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(total, s.TotalConns)
		o.ObserveInt64(idle, s.IdleConns)
		o.ObserveInt64(acquired, s.AcquiredConns)
		o.ObserveInt64(invalidated, s.InvalidatedConns)
		return nil
	}, total, idle, acquired, invalidated)
}
