package eta

import (
	"context"

	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/maps"
)

// RouteComputer is the subset of *maps.Client used by MapsProvider.
type RouteComputer interface {
	ComputeRoutes(ctx context.Context, req *maps.ComputeRoutesRequest) (*maps.RouteResult, error)
}

// MapsProvider adapts the Routes API client to Provider.
type MapsProvider struct {
	client RouteComputer
}

// NewMapsProvider creates a provider backed by client.
func NewMapsProvider(client RouteComputer) *MapsProvider {
	return &MapsProvider{client: client}
}

// Route implements Provider using the traffic-aware duration when present.
func (p *MapsProvider) Route(ctx context.Context, origin, destination geo.Point) (*Route, error) {
	result, err := p.client.ComputeRoutes(ctx, &maps.ComputeRoutesRequest{
		Origin:            origin,
		Destination:       destination,
		TravelMode:        maps.TravelModeDrive,
		RoutingPreference: maps.RoutingPreferenceTrafficAware,
	})
	if err != nil {
		return nil, err
	}

	duration := result.DurationInTraffic
	if duration == 0 {
		duration = result.DurationSeconds
	}
	return &Route{DurationSeconds: duration, DistanceMeters: result.DistanceMeters}, nil
}
