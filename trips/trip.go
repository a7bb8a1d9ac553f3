// Package trips reads the trip platform's trips and driver positions, and
// locates the depot a trip would be served from.
package trips

import (
	"context"
	"time"

	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/vehicle"
)

// Status is the platform's trip status.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses lists the statuses of trips that still need serving.
func ActiveStatuses() []Status {
	return []Status{StatusScheduled, StatusAssigned, StatusInProgress}
}

// IsActive reports whether the trip still needs serving.
func (s Status) IsActive() bool {
	switch s {
	case StatusScheduled, StatusAssigned, StatusInProgress:
		return true
	}
	return false
}

// IsTerminal reports whether the trip is completed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trip is a read-only view of a platform trip.
type Trip struct {
	ID                string        `json:"id"`
	RiderID           string        `json:"rider_id"`
	DriverID          string        `json:"driver_id,omitempty"`
	VehicleClass      vehicle.Class `json:"vehicle_class"`
	Status            Status        `json:"status"`
	PickupLocation    geo.Point     `json:"pickup_location"`
	PickupAddress     string        `json:"pickup_address,omitempty"`
	DropoffLocation   geo.Point     `json:"dropoff_location"`
	DropoffAddress    string        `json:"dropoff_address,omitempty"`
	ScheduledPickupAt time.Time     `json:"scheduled_pickup_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	CancelledAt       *time.Time    `json:"cancelled_at,omitempty"`
}

// HasDriver reports whether a driver is assigned.
func (t *Trip) HasDriver() bool {
	return t.DriverID != ""
}

// IsActive reports whether the trip still needs serving.
func (t *Trip) IsActive() bool {
	return t.Status.IsActive()
}

// NeedsDriver reports whether the trip is active, unassigned and its pickup
// is still ahead of now.
func (t *Trip) NeedsDriver(now time.Time) bool {
	return t.IsActive() && !t.HasDriver() && t.ScheduledPickupAt.After(now)
}

// Reader is the trip platform as seen by the monitors. Get returns a
// NOT_FOUND error for unknown trips; DriverLocation returns NOT_FOUND when
// the driver has never reported a position.
type Reader interface {
	Get(ctx context.Context, tripID string) (*Trip, error)
	ListUnassigned(ctx context.Context, now time.Time) ([]*Trip, error)
	ListInProgress(ctx context.Context) ([]*Trip, error)
	DriverLocation(ctx context.Context, driverID string) (geo.Point, error)
}
