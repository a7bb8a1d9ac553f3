// Package hooks connects trip lifecycle events from the trip platform to
// the three monitors.
package hooks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/cobrun/tripwatch/config"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/trips"
)

// UnassignedResolver is the part of *unassigned.Monitor the hooks use.
type UnassignedResolver interface {
	Resolve(ctx context.Context, tripID string, reason records.ResolutionReason) (bool, error)
}

// ProgressTracker is the part of *progress.Tracker the hooks use.
type ProgressTracker interface {
	Ensure(ctx context.Context, trip *trips.Trip) (*records.DriverProgressTracking, error)
	MarkStarted(ctx context.Context, tripID string, startedAt time.Time, onTime bool) error
	IngestLocation(ctx context.Context, tripID string, s records.LocationSample) error
	Complete(ctx context.Context, tripID string, status records.ProgressStatus) (*records.DriverProgressTracking, bool, error)
}

// DepartureMonitor is the part of *departure.Monitor the hooks use.
type DepartureMonitor interface {
	Initialize(ctx context.Context, trip *trips.Trip, driverLocation geo.Point) (*records.TripDepartureMonitoring, error)
	StartNavigation(ctx context.Context, tripID string) (*records.TripDepartureMonitoring, bool, error)
	Complete(ctx context.Context, tripID string, status records.DepartureStatus) (*records.TripDepartureMonitoring, bool, error)
}

// Deps are the lifecycle's collaborators. Clock and Logger are optional.
type Deps struct {
	Unassigned UnassignedResolver
	Progress   ProgressTracker
	Departure  DepartureMonitor
	Trips      trips.Reader
	Notifier   notify.Notifier
	Clock      clockz.Clock
	Logger     *logging.Logger
}

// Lifecycle reacts to trip lifecycle events. Every handler is safe to call
// more than once for the same event.
type Lifecycle struct {
	unassigned UnassignedResolver
	progress   ProgressTracker
	departure  DepartureMonitor
	trips      trips.Reader
	notifier   notify.Notifier
	clock      clockz.Clock
	logger     *logging.Logger
	cfg        config.MonitorConfig
}

// NewLifecycle creates the hook adapter.
func NewLifecycle(deps Deps, cfg config.MonitorConfig) *Lifecycle {
	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Lifecycle{
		unassigned: deps.Unassigned,
		progress:   deps.Progress,
		departure:  deps.Departure,
		trips:      deps.Trips,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		logger:     deps.Logger.WithComponent("hooks"),
		cfg:        cfg,
	}
}

// OnAssigned resolves the trip's unassigned alert, starts departure
// monitoring from the driver's last known position and tells dispatch.
func (l *Lifecycle) OnAssigned(ctx context.Context, trip *trips.Trip) error {
	if !trip.HasDriver() {
		return apperrors.Validation("assigned trip has no driver").WithDetail("trip_id", trip.ID)
	}
	logger := l.logger.WithTripID(trip.ID)

	resolved, err := l.unassigned.Resolve(ctx, trip.ID, records.ResolutionAssigned)
	if err != nil {
		return fmt.Errorf("failed to resolve unassigned alert: %w", err)
	}

	driverLocation, err := l.trips.DriverLocation(ctx, trip.DriverID)
	if err != nil {
		// The departure monitor falls back to its default travel time.
		logger.WithError(err).Info("driver location unavailable")
		driverLocation = geo.Point{}
	}
	dep, err := l.departure.Initialize(ctx, trip, driverLocation)
	if err != nil {
		return fmt.Errorf("failed to start departure monitoring: %w", err)
	}

	priority := notify.PriorityLow
	if resolved {
		priority = notify.PriorityMedium
	}
	data := relatedData(trip)
	data["departure_status"] = string(dep.Status)
	data["had_unassigned_alert"] = strconv.FormatBool(resolved)
	_, err = l.notifier.CreateNotification(ctx, notify.Request{
		RecipientRole: l.cfg.DispatchRole,
		Type:          notify.TypeDriverAssigned,
		Title:         "Driver assigned",
		Message: fmt.Sprintf("Driver %s assigned to trip %s, pickup at %s.",
			trip.DriverID, trip.ID, trip.ScheduledPickupAt.Format("15:04")),
		Priority:    priority,
		RelatedData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to notify dispatch: %w", err)
	}
	return nil
}

// OnStarted stops departure monitoring and starts progress tracking. The
// trip started on time when it started within the late-start grace of the
// recommended departure, or, without a departure record, before pickup.
func (l *Lifecycle) OnStarted(ctx context.Context, trip *trips.Trip) error {
	startedAt := l.clock.Now()
	if trip.StartedAt != nil {
		startedAt = *trip.StartedAt
	}

	dep, _, err := l.departure.StartNavigation(ctx, trip.ID)
	if err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("failed to record navigation start: %w", err)
	}

	onTime := !startedAt.After(trip.ScheduledPickupAt)
	if dep != nil {
		onTime = dep.StartedOnTime(startedAt, l.cfg.LateStartGrace)
	}

	if _, err := l.progress.Ensure(ctx, trip); err != nil {
		return fmt.Errorf("failed to start progress tracking: %w", err)
	}
	if err := l.progress.MarkStarted(ctx, trip.ID, startedAt, onTime); err != nil {
		return fmt.Errorf("failed to mark trip started: %w", err)
	}

	l.logger.WithTripID(trip.ID).Info("trip started", "started_on_time", onTime)
	return nil
}

// OnCompleted closes the trip's records and tells dispatch, flagging trips
// that raised alerts. A repeated event changes nothing and notifies nobody.
func (l *Lifecycle) OnCompleted(ctx context.Context, trip *trips.Trip) error {
	p, progressChanged, err := l.progress.Complete(ctx, trip.ID, records.ProgressCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete progress tracking: %w", err)
	}
	dep, departureChanged, err := l.departure.Complete(ctx, trip.ID, records.DepartureCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete departure monitoring: %w", err)
	}
	alertChanged, err := l.unassigned.Resolve(ctx, trip.ID, records.ResolutionCompleted)
	if err != nil {
		return fmt.Errorf("failed to resolve unassigned alert: %w", err)
	}

	if !progressChanged && !departureChanged && !alertChanged {
		return nil
	}

	hadAlerts := (p != nil && p.HadAlerts()) || (dep != nil && dep.HadAlerts())
	priority := notify.PriorityLow
	if hadAlerts {
		priority = notify.PriorityHigh
	}
	data := relatedData(trip)
	data["had_alerts"] = strconv.FormatBool(hadAlerts)

	_, err = l.notifier.CreateNotification(ctx, notify.Request{
		RecipientRole: l.cfg.DispatchRole,
		Type:          notify.TypeTripCompleted,
		Title:         "Trip completed",
		Message:       fmt.Sprintf("Trip %s was completed by driver %s.", trip.ID, trip.DriverID),
		Priority:      priority,
		RelatedData:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to notify dispatch: %w", err)
	}
	return nil
}

// OnCancelled cancels every record the trip has in one call and tells the
// driver, the rider and dispatch. Repeating it is a no-op.
func (l *Lifecycle) OnCancelled(ctx context.Context, trip *trips.Trip, reason string) error {
	alertChanged, err := l.unassigned.Resolve(ctx, trip.ID, records.ResolutionCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel unassigned alert: %w", err)
	}
	_, progressChanged, err := l.progress.Complete(ctx, trip.ID, records.ProgressCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel progress tracking: %w", err)
	}
	_, departureChanged, err := l.departure.Complete(ctx, trip.ID, records.DepartureCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel departure monitoring: %w", err)
	}

	if !alertChanged && !progressChanged && !departureChanged {
		l.logger.WithTripID(trip.ID).Debug("cancellation already applied")
		return nil
	}

	data := relatedData(trip)
	if reason != "" {
		data["reason"] = reason
	}
	pickup := trip.ScheduledPickupAt.Format("15:04")

	reqs := []notify.Request{{
		RecipientRole: l.cfg.DispatchRole,
		Type:          notify.TypeTripCancelled,
		Title:         "Trip cancelled",
		Message:       fmt.Sprintf("Trip %s with pickup at %s was cancelled.", trip.ID, pickup),
		Priority:      notify.PriorityMedium,
		RelatedData:   data,
	}}
	if trip.HasDriver() {
		reqs = append(reqs, notify.Request{
			RecipientID: trip.DriverID,
			Type:        notify.TypeTripCancelled,
			Title:       "Trip cancelled",
			Message:     fmt.Sprintf("Your %s pickup at %s was cancelled.", pickup, trip.PickupAddress),
			Priority:    notify.PriorityHigh,
			RelatedData: data,
		})
	}
	if trip.RiderID != "" {
		reqs = append(reqs, notify.Request{
			RecipientID: trip.RiderID,
			Type:        notify.TypeTripCancelled,
			Title:       "Ride cancelled",
			Message:     fmt.Sprintf("Your ride scheduled for %s has been cancelled.", pickup),
			Priority:    notify.PriorityMedium,
			RelatedData: data,
		})
	}

	var errs []error
	for _, req := range reqs {
		if _, err := l.notifier.CreateNotification(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("failed to notify %s%s: %w", req.RecipientRole, req.RecipientID, err))
		}
	}
	return apperrors.Join(errs...)
}

// OnLocationUpdate hands a driver position to the progress tracker. A trip
// that is in progress but not yet tracked gets its record first; samples
// for trips that are not in progress are dropped.
func (l *Lifecycle) OnLocationUpdate(ctx context.Context, tripID string, s records.LocationSample) error {
	err := l.progress.IngestLocation(ctx, tripID, s)
	if !apperrors.IsNotFound(err) {
		return err
	}

	trip, err := l.trips.Get(ctx, tripID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if trip.Status != trips.StatusInProgress || !trip.HasDriver() {
		l.logger.WithTripID(tripID).Debug("dropping location for trip not in progress", "status", trip.Status)
		return nil
	}

	if _, err := l.progress.Ensure(ctx, trip); err != nil {
		return fmt.Errorf("failed to start progress tracking: %w", err)
	}
	return l.progress.IngestLocation(ctx, tripID, s)
}

func relatedData(trip *trips.Trip) map[string]string {
	data := map[string]string{
		"trip_id":             trip.ID,
		"scheduled_pickup_at": trip.ScheduledPickupAt.UTC().Format(time.RFC3339),
	}
	if trip.DriverID != "" {
		data["driver_id"] = trip.DriverID
	}
	return data
}
