// Package eta estimates driving time between two points. A routing provider
// is tried first; when it is absent, failing, slow or tripped, a haversine
// estimate at an assumed urban speed takes its place.
package eta

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/resilience"
)

// Method tags how an estimate was produced.
type Method string

const (
	MethodProvider         Method = "provider"
	MethodFallbackDistance Method = "fallback-distance"
	MethodDefault          Method = "default"
)

const (
	// FallbackSpeed is 30 mph in meters per second.
	FallbackSpeed = 13.4112
	// CongestionFactor pads the straight-line estimate for urban routing.
	CongestionFactor = 1.3
	// MinimumMinutes floors every fallback estimate.
	MinimumMinutes = 5

	// UnassignedAlertLead is the earliest an unassigned trip alert fires.
	UnassignedAlertLead = 60 * time.Minute

	defaultProviderTimeout = 5 * time.Second
)

// Route is a provider answer.
type Route struct {
	DurationSeconds int
	DistanceMeters  int
}

// Provider computes a traffic-aware route.
type Provider interface {
	Route(ctx context.Context, origin, destination geo.Point) (*Route, error)
}

// Estimate is a travel time with the method that produced it.
type Estimate struct {
	Minutes        int     `json:"minutes"`
	DistanceMeters float64 `json:"distance_meters"`
	Method         Method  `json:"method"`
}

// Duration returns the estimate as a time.Duration.
func (e Estimate) Duration() time.Duration {
	return time.Duration(e.Minutes) * time.Minute
}

// Recorder counts estimates by method. *telemetry.MonitorMetrics implements it.
type Recorder interface {
	RecordEstimate(ctx context.Context, method string)
}

// Config configures a Calculator. Every field is optional.
type Config struct {
	ProviderTimeout time.Duration
	Breaker         *resilience.CircuitBreaker
	Metrics         Recorder
	Logger          *logging.Logger
}

// Calculator produces travel-time estimates.
type Calculator struct {
	provider Provider
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	metrics  Recorder
	logger   *logging.Logger
}

// NewCalculator creates a calculator. A nil provider always uses the fallback.
func NewCalculator(provider Provider, config Config) *Calculator {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}

	return &Calculator{
		provider: provider,
		timeout:  config.ProviderTimeout,
		breaker:  config.Breaker,
		metrics:  config.Metrics,
		logger:   config.Logger.WithComponent("eta"),
	}
}

// TravelTime estimates driving time from origin to destination. Provider
// failures are never returned; the only error is a malformed coordinate.
func (c *Calculator) TravelTime(ctx context.Context, origin, destination geo.Point) (Estimate, error) {
	if err := checkPoints(origin, destination); err != nil {
		return Estimate{}, err
	}

	distance := geo.DistanceMeters(origin, destination)

	if minutes, err := c.providerMinutes(ctx, origin, destination); err == nil {
		return c.record(ctx, Estimate{Minutes: minutes, DistanceMeters: distance, Method: MethodProvider}), nil
	} else if c.provider != nil {
		c.logger.Warn("routing provider failed, using distance estimate", "error", err)
	}

	return c.record(ctx, Estimate{
		Minutes:        FallbackMinutes(distance),
		DistanceMeters: distance,
		Method:         MethodFallbackDistance,
	}), nil
}

// TravelTimeOrDefault asks the provider only. When the provider cannot
// answer, or either point is unusable, defaultMinutes is returned.
func (c *Calculator) TravelTimeOrDefault(ctx context.Context, origin, destination geo.Point, defaultMinutes int) Estimate {
	if checkPoints(origin, destination) != nil {
		return c.record(ctx, Estimate{Minutes: defaultMinutes, Method: MethodDefault})
	}

	distance := geo.DistanceMeters(origin, destination)
	minutes, err := c.providerMinutes(ctx, origin, destination)
	if err != nil {
		if c.provider != nil {
			c.logger.Warn("routing provider failed, using default travel time", "error", err, "default_minutes", defaultMinutes)
		}
		return c.record(ctx, Estimate{Minutes: defaultMinutes, DistanceMeters: distance, Method: MethodDefault})
	}

	return c.record(ctx, Estimate{Minutes: minutes, DistanceMeters: distance, Method: MethodProvider})
}

func (c *Calculator) providerMinutes(ctx context.Context, origin, destination geo.Point) (int, error) {
	if c.provider == nil {
		return 0, apperrors.Unavailable("no routing provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var route *Route
	call := func(ctx context.Context) error {
		r, err := c.provider.Route(ctx, origin, destination)
		if err != nil {
			return err
		}
		if r == nil || r.DurationSeconds <= 0 {
			return apperrors.Unavailable("routing provider returned no duration")
		}
		route = r
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.ExecuteWithContext(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return 0, err
	}

	return int(math.Ceil(float64(route.DurationSeconds) / 60)), nil
}

func (c *Calculator) record(ctx context.Context, e Estimate) Estimate {
	if c.metrics != nil {
		c.metrics.RecordEstimate(ctx, string(e.Method))
	}
	return e
}

func checkPoints(origin, destination geo.Point) error {
	if origin.IsZero() || !origin.IsValid() {
		return apperrors.Validation(fmt.Sprintf("invalid origin %.6f,%.6f", origin.Lat, origin.Lng))
	}
	if destination.IsZero() || !destination.IsValid() {
		return apperrors.Validation(fmt.Sprintf("invalid destination %.6f,%.6f", destination.Lat, destination.Lng))
	}
	return nil
}

// FallbackMinutes converts a straight-line distance to driving minutes.
func FallbackMinutes(distanceMeters float64) int {
	seconds := distanceMeters / FallbackSpeed * CongestionFactor
	minutes := int(math.Ceil(seconds / 60))
	if minutes < MinimumMinutes {
		return MinimumMinutes
	}
	return minutes
}

// RecommendedDeparture is pickup minus travel and preparation buffer.
func RecommendedDeparture(pickup time.Time, travelMinutes, bufferMinutes int) time.Time {
	return pickup.Add(-time.Duration(travelMinutes+bufferMinutes) * time.Minute)
}

// UnassignedAlertThreshold returns the later of pickup-60m and pickup-drive.
// A drive longer than an hour therefore gets the one hour lead, not more.
func UnassignedAlertThreshold(pickup time.Time, driveMinutes int) time.Time {
	hourBefore := pickup.Add(-UnassignedAlertLead)
	driveBefore := pickup.Add(-time.Duration(driveMinutes) * time.Minute)
	if driveBefore.After(hourBefore) {
		return driveBefore
	}
	return hourBefore
}
