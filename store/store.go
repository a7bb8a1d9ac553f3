// Package store persists monitoring records. Writes are version checked:
// Update fails with a CONFLICT error when the stored record changed since
// it was read, which is what lets one evaluator claim an alert.
package store

import (
	"context"
	"time"

	"github.com/cobrun/tripwatch/records"
)

// UnassignedAlerts stores unassigned trip alerts.
type UnassignedAlerts interface {
	// Create fails with CONFLICT when the trip already has an active alert.
	Create(ctx context.Context, alert *records.UnassignedTripAlert) error
	Update(ctx context.Context, alert *records.UnassignedTripAlert) error
	Get(ctx context.Context, tripID, id string) (*records.UnassignedTripAlert, error)
	// ActiveForTrip returns NOT_FOUND when the trip has no active alert.
	ActiveForTrip(ctx context.Context, tripID string) (*records.UnassignedTripAlert, error)
	// ListPendingDue returns pending alerts with ThresholdAt at or before now.
	ListPendingDue(ctx context.Context, now time.Time) ([]*records.UnassignedTripAlert, error)
	ListByStatus(ctx context.Context, status records.UnassignedStatus) ([]*records.UnassignedTripAlert, error)
	// DeleteClosedBefore removes closed alerts last updated before cutoff.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ProgressTracking stores driver progress records.
type ProgressTracking interface {
	Create(ctx context.Context, p *records.DriverProgressTracking) error
	Update(ctx context.Context, p *records.DriverProgressTracking) error
	Get(ctx context.Context, tripID, id string) (*records.DriverProgressTracking, error)
	ActiveForTrip(ctx context.Context, tripID string) (*records.DriverProgressTracking, error)
	ListActive(ctx context.Context) ([]*records.DriverProgressTracking, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DepartureMonitoring stores departure monitoring records.
type DepartureMonitoring interface {
	Create(ctx context.Context, m *records.TripDepartureMonitoring) error
	Update(ctx context.Context, m *records.TripDepartureMonitoring) error
	Get(ctx context.Context, tripID, id string) (*records.TripDepartureMonitoring, error)
	// ForTrip returns the newest record for the trip in any status.
	ForTrip(ctx context.Context, tripID string) (*records.TripDepartureMonitoring, error)
	ListByStatus(ctx context.Context, status records.DepartureStatus) ([]*records.TripDepartureMonitoring, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Stores groups the three record stores.
type Stores struct {
	Unassigned UnassignedAlerts
	Progress   ProgressTracking
	Departure  DepartureMonitoring
}
