// Package fixtures provides test data for unit and integration tests.
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/trips"
	"github.com/cobrun/tripwatch/vehicle"
)

// LocationFixture is a named point with its street address.
type LocationFixture struct {
	Point   geo.Point
	Address string
}

// Common Phoenix-area locations for testing.
var PhoenixLocations = struct {
	Depot         LocationFixture
	StJosephs     LocationFixture
	BannerDesert  LocationFixture
	SkyHarbor     LocationFixture
	MesaDialysis  LocationFixture
	TempeTownLake LocationFixture
}{
	Depot: LocationFixture{
		Point:   geo.Point{Lat: 33.4484, Lng: -112.0740},
		Address: "200 W Washington St, Phoenix, AZ 85003",
	},
	StJosephs: LocationFixture{
		Point:   geo.Point{Lat: 33.4796, Lng: -112.0787},
		Address: "350 W Thomas Rd, Phoenix, AZ 85013",
	},
	BannerDesert: LocationFixture{
		Point:   geo.Point{Lat: 33.3925, Lng: -111.8780},
		Address: "1400 S Dobson Rd, Mesa, AZ 85202",
	},
	SkyHarbor: LocationFixture{
		Point:   geo.Point{Lat: 33.4352, Lng: -112.0101},
		Address: "3400 E Sky Harbor Blvd, Phoenix, AZ 85034",
	},
	MesaDialysis: LocationFixture{
		Point:   geo.Point{Lat: 33.4152, Lng: -111.8315},
		Address: "1520 S Country Club Dr, Mesa, AZ 85210",
	},
	TempeTownLake: LocationFixture{
		Point:   geo.Point{Lat: 33.4336, Lng: -111.9390},
		Address: "80 W Rio Salado Pkwy, Tempe, AZ 85281",
	},
}

// TripBuilder builds trips.Trip values for tests.
type TripBuilder struct {
	trip trips.Trip
}

// NewTrip starts a scheduled, unassigned ambulatory trip with pickup at
// pickupAt from St. Joseph's to Banner Desert.
func NewTrip(pickupAt time.Time) *TripBuilder {
	return &TripBuilder{trip: trips.Trip{
		ID:                "trip-" + uuid.NewString()[:8],
		RiderID:           "rider-" + uuid.NewString()[:8],
		VehicleClass:      vehicle.ClassAmbulatory,
		Status:            trips.StatusScheduled,
		PickupLocation:    PhoenixLocations.StJosephs.Point,
		PickupAddress:     PhoenixLocations.StJosephs.Address,
		DropoffLocation:   PhoenixLocations.BannerDesert.Point,
		DropoffAddress:    PhoenixLocations.BannerDesert.Address,
		ScheduledPickupAt: pickupAt,
	}}
}

// WithID sets the trip ID.
func (b *TripBuilder) WithID(id string) *TripBuilder {
	b.trip.ID = id
	return b
}

// WithDriver assigns driverID and moves a scheduled trip to assigned.
func (b *TripBuilder) WithDriver(driverID string) *TripBuilder {
	b.trip.DriverID = driverID
	if b.trip.Status == trips.StatusScheduled {
		b.trip.Status = trips.StatusAssigned
	}
	return b
}

// WithStatus sets the status.
func (b *TripBuilder) WithStatus(status trips.Status) *TripBuilder {
	b.trip.Status = status
	return b
}

// InProgress marks the trip started at startedAt.
func (b *TripBuilder) InProgress(startedAt time.Time) *TripBuilder {
	b.trip.Status = trips.StatusInProgress
	b.trip.StartedAt = &startedAt
	return b
}

// WithVehicleClass sets the vehicle class.
func (b *TripBuilder) WithVehicleClass(c vehicle.Class) *TripBuilder {
	b.trip.VehicleClass = c
	return b
}

// Build returns the trip.
func (b *TripBuilder) Build() trips.Trip {
	return b.trip
}

// Ptr returns a pointer to a copy of the trip.
func (b *TripBuilder) Ptr() *trips.Trip {
	t := b.trip
	return &t
}
