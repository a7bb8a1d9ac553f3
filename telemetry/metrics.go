package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsProvider provides metrics functionality.
type MetricsProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
}

// NewMetricsProvider creates a meter provider and installs it globally.
// Without an endpoint, instruments are recorded but never exported.
func NewMetricsProvider(ctx context.Context, config Config) (*MetricsProvider, error) {
	res, err := newResource(ctx, config)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if config.Endpoint != "" {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return &MetricsProvider{
		provider: provider,
		meter:    provider.Meter(config.ServiceName),
	}, nil
}

// Meter returns the meter for creating instruments.
func (m *MetricsProvider) Meter() metric.Meter {
	return m.meter
}

// Shutdown shuts down the metrics provider.
func (m *MetricsProvider) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// MonitorMetrics holds the engine's instruments. A nil *MonitorMetrics
// records nothing.
type MonitorMetrics struct {
	taskRuns      metric.Int64Counter
	taskFailures  metric.Int64Counter
	taskPanics    metric.Int64Counter
	taskDuration  metric.Float64Histogram
	notifications metric.Int64Counter
	notifyErrors  metric.Int64Counter
	etaEstimates  metric.Int64Counter
	transitions   metric.Int64Counter
}

// NewMonitorMetrics creates the engine instruments on meter.
func NewMonitorMetrics(meter metric.Meter) (*MonitorMetrics, error) {
	var (
		m   MonitorMetrics
		err error
	)

	if m.taskRuns, err = meter.Int64Counter("tripwatch_task_runs_total",
		metric.WithDescription("Scheduled task runs"),
		metric.WithUnit("{runs}")); err != nil {
		return nil, err
	}
	if m.taskFailures, err = meter.Int64Counter("tripwatch_task_failures_total",
		metric.WithDescription("Scheduled task runs that returned an error"),
		metric.WithUnit("{runs}")); err != nil {
		return nil, err
	}
	if m.taskPanics, err = meter.Int64Counter("tripwatch_task_panics_total",
		metric.WithDescription("Scheduled task runs that panicked"),
		metric.WithUnit("{runs}")); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram("tripwatch_task_duration_seconds",
		metric.WithDescription("Scheduled task run duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("tripwatch_notifications_requested_total",
		metric.WithDescription("Notification requests issued"),
		metric.WithUnit("{requests}")); err != nil {
		return nil, err
	}
	if m.notifyErrors, err = meter.Int64Counter("tripwatch_notification_errors_total",
		metric.WithDescription("Notification requests that failed"),
		metric.WithUnit("{requests}")); err != nil {
		return nil, err
	}
	if m.etaEstimates, err = meter.Int64Counter("tripwatch_eta_estimates_total",
		metric.WithDescription("Travel-time estimates by estimation method"),
		metric.WithUnit("{estimates}")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("tripwatch_record_transitions_total",
		metric.WithDescription("Monitoring record status transitions"),
		metric.WithUnit("{transitions}")); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordTaskRun records one task run.
func (m *MonitorMetrics) RecordTaskRun(ctx context.Context, task string, duration time.Duration, err error, panicked bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", task))
	m.taskRuns.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.taskFailures.Add(ctx, 1, attrs)
	}
	if panicked {
		m.taskPanics.Add(ctx, 1, attrs)
	}
}

// RecordNotification records a notification request outcome.
func (m *MonitorMetrics) RecordNotification(ctx context.Context, notificationType, priority string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", notificationType),
		attribute.String("priority", priority),
	)
	if err != nil {
		m.notifyErrors.Add(ctx, 1, attrs)
		return
	}
	m.notifications.Add(ctx, 1, attrs)
}

// RecordEstimate records which estimation method produced a travel time.
func (m *MonitorMetrics) RecordEstimate(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.etaEstimates.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordTransition records a record status change.
func (m *MonitorMetrics) RecordTransition(ctx context.Context, family, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("status", to),
	))
}

// DatabaseMetrics provides store operation metrics.
type DatabaseMetrics struct {
	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram
	errorsTotal       metric.Int64Counter
}

// NewDatabaseMetrics creates database metrics.
func NewDatabaseMetrics(meter metric.Meter, dbType string) (*DatabaseMetrics, error) {
	prefix := fmt.Sprintf("db_%s", dbType)

	operationsTotal, err := meter.Int64Counter(
		prefix+"_operations_total",
		metric.WithDescription("Total database operations"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		prefix+"_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		prefix+"_errors_total",
		metric.WithDescription("Total database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
	}, nil
}

// RecordOperation records a database operation.
func (m *DatabaseMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	m.operationsTotal.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}
