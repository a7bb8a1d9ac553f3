package cosmosdb

import (
	"time"
)

// ============================================================================
// TRIPS CONTAINER
// ============================================================================

// Trip is the trip document written by the trip platform.
type Trip struct {
	ID           string `json:"id"`
	RiderID      string `json:"rider_id"` // Partition key
	DriverID     string `json:"driver_id,omitempty"`
	VehicleClass string `json:"vehicle_class,omitempty"`
	Status       string `json:"status"`

	PickupLocation  GeoPoint `json:"pickup_location"`
	PickupAddress   string   `json:"pickup_address,omitempty"`
	DropoffLocation GeoPoint `json:"dropoff_location"`
	DropoffAddress  string   `json:"dropoff_address,omitempty"`

	ScheduledPickupAt time.Time  `json:"scheduled_pickup_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

// ============================================================================
// DRIVER LOCATIONS CONTAINER
// ============================================================================

// DriverLocation is a driver's last reported position. The document id is
// the driver id.
type DriverLocation struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"` // Partition key
	Location  GeoPoint  `json:"location"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Accuracy  float64   `json:"accuracy"`
	TripID    string    `json:"trip_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// COMMON TYPES
// ============================================================================

// GeoPoint represents a geographic point.
type GeoPoint struct {
	Type        string    `json:"type"`        // Always "Point" for GeoJSON
	Coordinates []float64 `json:"coordinates"` // [longitude, latitude]
}

// NewGeoPoint creates a new GeoPoint from latitude and longitude.
func NewGeoPoint(lat, lng float64) GeoPoint {
	return GeoPoint{
		Type:        "Point",
		Coordinates: []float64{lng, lat},
	}
}

// Lat returns the latitude.
func (g GeoPoint) Lat() float64 {
	if len(g.Coordinates) >= 2 {
		return g.Coordinates[1]
	}
	return 0
}

// Lng returns the longitude.
func (g GeoPoint) Lng() float64 {
	if len(g.Coordinates) >= 1 {
		return g.Coordinates[0]
	}
	return 0
}
