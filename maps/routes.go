// Package maps is a server-side client for the Google Routes API, used as the
// traffic-aware travel-time provider.
package maps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/logging"
)

const (
	computeRoutesURL = "https://routes.googleapis.com/directions/v2:computeRoutes"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultRetryDelay = 100 * time.Millisecond
	// Traffic-aware durations go stale quickly.
	defaultCacheTTL = 5 * time.Minute

	routesFieldMask = "routes.duration,routes.distanceMeters,routes.staticDuration"
)

// TravelMode specifies the travel mode for routing.
type TravelMode string

const (
	TravelModeDrive TravelMode = "DRIVE"
)

// RoutingPreference specifies the routing preference.
type RoutingPreference string

const (
	RoutingPreferenceTrafficUnaware RoutingPreference = "TRAFFIC_UNAWARE"
	RoutingPreferenceTrafficAware   RoutingPreference = "TRAFFIC_AWARE"
)

// Config holds routes client configuration.
type Config struct {
	// APIKey is the server-side API key.
	APIKey string

	// Endpoint overrides the computeRoutes URL.
	Endpoint string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	CacheTTL   time.Duration

	EnableTrafficRouting bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey:               apiKey,
		Endpoint:             computeRoutesURL,
		Timeout:              defaultTimeout,
		MaxRetries:           defaultMaxRetries,
		RetryDelay:           defaultRetryDelay,
		CacheTTL:             defaultCacheTTL,
		EnableTrafficRouting: true,
	}
}

// Cache stores encoded route results.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RateLimiter throttles outbound calls.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Client is the Google Routes API client.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logging.Logger
	tracer     trace.Tracer
	cache      Cache
	limiter    RateLimiter
}

// NewClient creates a new routes client. cache, limiter and tracer may be nil.
func NewClient(config *Config, logger *logging.Logger, tracer trace.Tracer, cache Cache, limiter RateLimiter) *Client {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.Endpoint == "" {
		config.Endpoint = computeRoutesURL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if tracer == nil {
		tracer = nopTracer
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		tracer:     tracer,
		cache:      cache,
		limiter:    limiter,
	}
}

// ComputeRoutesRequest represents a route computation request.
type ComputeRoutesRequest struct {
	Origin            geo.Point
	Destination       geo.Point
	TravelMode        TravelMode
	RoutingPreference RoutingPreference
	DepartureTime     *time.Time
}

// RouteResult represents a computed route.
type RouteResult struct {
	DistanceMeters    int  `json:"distance_meters"`
	DurationSeconds   int  `json:"duration_seconds"`
	DurationInTraffic int  `json:"duration_in_traffic_seconds,omitempty"`
	StaticDuration    int  `json:"static_duration_seconds"`
	TrafficDelay      int  `json:"traffic_delay_seconds,omitempty"`
	Cached            bool `json:"-"`
}

type latLngBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type waypointBody struct {
	Location struct {
		LatLng latLngBody `json:"latLng"`
	} `json:"location"`
}

type computeRoutesBody struct {
	Origin            waypointBody      `json:"origin"`
	Destination       waypointBody      `json:"destination"`
	TravelMode        TravelMode        `json:"travelMode"`
	RoutingPreference RoutingPreference `json:"routingPreference"`
	DepartureTime     string            `json:"departureTime,omitempty"`
}

type computeRoutesResponse struct {
	Routes []struct {
		DistanceMeters int    `json:"distanceMeters"`
		Duration       string `json:"duration"`
		StaticDuration string `json:"staticDuration"`
	} `json:"routes"`
}

func waypoint(p geo.Point) waypointBody {
	var w waypointBody
	w.Location.LatLng = latLngBody{Latitude: p.Lat, Longitude: p.Lng}
	return w
}

// ComputeRoutes computes the primary driving route between origin and destination.
func (c *Client) ComputeRoutes(ctx context.Context, req *ComputeRoutesRequest) (*RouteResult, error) {
	ctx, span := startRouteSpan(ctx, c.tracer, req)
	defer span.End()

	if c.config.APIKey == "" {
		return nil, span.fail(fmt.Errorf("routes API key not configured"))
	}

	key := routeCacheKey(req)
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key); err == nil && cached != nil {
			var result RouteResult
			if err := json.Unmarshal(cached, &result); err == nil {
				result.Cached = true
				span.route(&result)
				return &result, nil
			}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "maps:compute_routes"); err != nil {
			return nil, span.fail(fmt.Errorf("rate limit exceeded: %w", err))
		}
	}

	travelMode := req.TravelMode
	if travelMode == "" {
		travelMode = TravelModeDrive
	}
	preference := req.RoutingPreference
	if preference == "" {
		if c.config.EnableTrafficRouting {
			preference = RoutingPreferenceTrafficAware
		} else {
			preference = RoutingPreferenceTrafficUnaware
		}
	}

	body := computeRoutesBody{
		Origin:            waypoint(req.Origin),
		Destination:       waypoint(req.Destination),
		TravelMode:        travelMode,
		RoutingPreference: preference,
	}
	if req.DepartureTime != nil {
		body.DepartureTime = req.DepartureTime.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, payload)
	if err != nil {
		return nil, span.fail(err)
	}
	defer resp.Body.Close()

	var apiResp computeRoutesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, span.fail(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(apiResp.Routes) == 0 {
		return nil, span.fail(fmt.Errorf("no route found"))
	}

	route := apiResp.Routes[0]
	durationSec := parseDuration(route.Duration)
	staticSec := parseDuration(route.StaticDuration)

	result := &RouteResult{
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: durationSec,
		StaticDuration:  staticSec,
		TrafficDelay:    durationSec - staticSec,
	}
	if preference != RoutingPreferenceTrafficUnaware {
		result.DurationInTraffic = durationSec
	}
	span.route(result)

	if c.cache != nil {
		if encoded, err := json.Marshal(result); err == nil {
			if err := c.cache.Set(ctx, key, encoded, c.config.CacheTTL); err != nil {
				c.logger.Warn("route cache write failed", "error", err)
			}
		}
	}

	c.logger.Debug("route computed",
		"distance_m", result.DistanceMeters,
		"duration_s", result.DurationSeconds,
		"traffic_delay_s", result.TrafficDelay)

	return result, nil
}

// doRequest posts payload with retries on transport errors, 429 and 5xx.
func (c *Client) doRequest(ctx context.Context, payload []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i <= c.config.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(i)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Goog-Api-Key", c.config.APIKey)
		httpReq.Header.Set("X-Goog-FieldMask", routesFieldMask)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("routes API error: %d - %s", resp.StatusCode, string(body))
			continue
		}

		return nil, fmt.Errorf("routes API error: %d - %s", resp.StatusCode, string(body))
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// routeCacheKey rounds coordinates to ~100m and departure to 5-minute buckets.
func routeCacheKey(req *ComputeRoutesRequest) string {
	round := func(v float64) float64 { return math.Round(v*1000) / 1000 }
	bucket := "now"
	if req.DepartureTime != nil {
		bucket = strconv.FormatInt(req.DepartureTime.Unix()/300, 10)
	}
	return fmt.Sprintf("route:%.3f,%.3f:%.3f,%.3f:%s:%s",
		round(req.Origin.Lat), round(req.Origin.Lng),
		round(req.Destination.Lat), round(req.Destination.Lng),
		req.RoutingPreference, bucket)
}

// parseDuration parses a Google duration string (e.g., "123s") to seconds.
func parseDuration(d string) int {
	if d == "" {
		return 0
	}
	d = strings.TrimSuffix(d, "s")
	if sec, err := strconv.Atoi(d); err == nil {
		return sec
	}
	f, err := strconv.ParseFloat(d, 64)
	if err != nil {
		return 0
	}
	return int(math.Ceil(f))
}
