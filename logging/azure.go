package logging

import (
	"time"

	"github.com/microsoft/ApplicationInsights-Go/appinsights"
)

// EventTracker receives named custom events. AppInsightsClient implements it.
type EventTracker interface {
	TrackEvent(name string, properties map[string]string)
}

// AppInsightsClient wraps the Application Insights telemetry client.
// A nil *AppInsightsClient is valid and drops everything.
type AppInsightsClient struct {
	client appinsights.TelemetryClient
}

// NewAppInsightsClient creates a client, or returns nil when no key is set.
func NewAppInsightsClient(instrumentationKey string) *AppInsightsClient {
	if instrumentationKey == "" {
		return nil
	}

	config := appinsights.NewTelemetryConfiguration(instrumentationKey)
	config.MaxBatchSize = 8192
	config.MaxBatchInterval = 2 * time.Second

	return &AppInsightsClient{client: appinsights.NewTelemetryClientFromConfig(config)}
}

// TrackEvent tracks a custom event.
func (c *AppInsightsClient) TrackEvent(name string, properties map[string]string) {
	if c == nil || c.client == nil {
		return
	}
	event := appinsights.NewEventTelemetry(name)
	for k, v := range properties {
		event.Properties[k] = v
	}
	c.client.Track(event)
}

// TrackMetric tracks a custom metric.
func (c *AppInsightsClient) TrackMetric(name string, value float64) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Track(appinsights.NewMetricTelemetry(name, value))
}

// TrackException tracks a task failure.
func (c *AppInsightsClient) TrackException(err error) {
	if c == nil || c.client == nil || err == nil {
		return
	}
	c.client.Track(appinsights.NewExceptionTelemetry(err))
}

// Flush flushes all pending telemetry.
func (c *AppInsightsClient) Flush() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Channel().Flush()
}

// Close flushes remaining telemetry and stops the channel.
func (c *AppInsightsClient) Close() {
	if c == nil || c.client == nil {
		return
	}
	<-c.client.Channel().Close(5 * time.Second)
}
