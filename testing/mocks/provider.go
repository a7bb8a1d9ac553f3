package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
)

// MockRouteProvider answers route requests with a fixed route or error.
type MockRouteProvider struct {
	mu    sync.Mutex
	route *eta.Route
	err   error
}

// NewMockRouteProvider returns a provider answering with duration.
func NewMockRouteProvider(duration time.Duration, distanceMeters int) *MockRouteProvider {
	return &MockRouteProvider{route: &eta.Route{
		DurationSeconds: int(duration / time.Second),
		DistanceMeters:  distanceMeters,
	}}
}

// Route implements eta.Provider.
func (m *MockRouteProvider) Route(ctx context.Context, _, _ geo.Point) (*eta.Route, error) {
	m.mu.Lock()
	route, err := m.route, m.err
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	r := *route
	return &r, nil
}

// SetDuration changes the answered duration.
func (m *MockRouteProvider) SetDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route = &eta.Route{DurationSeconds: int(d / time.Second), DistanceMeters: m.route.DistanceMeters}
}

// SetError makes every call fail with err; nil restores success.
func (m *MockRouteProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
