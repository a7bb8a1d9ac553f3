// Package departure tells assigned drivers when to leave for their pickup
// and escalates to supervisors when they do not.
package departure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/cobrun/tripwatch/config"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/scheduler"
	"github.com/cobrun/tripwatch/store"
	"github.com/cobrun/tripwatch/trips"
)

// Task names.
const (
	TaskReminder  = "departure.reminder"
	TaskAlert     = "departure.alert"
	TaskLateStart = "departure.late_start"
	TaskCleanup   = "departure.cleanup"
)

// TravelEstimator is the part of *eta.Calculator the monitor uses.
type TravelEstimator interface {
	TravelTimeOrDefault(ctx context.Context, origin, destination geo.Point, defaultMinutes int) eta.Estimate
}

// Metrics counts record transitions. *telemetry.MonitorMetrics implements it.
type Metrics interface {
	RecordTransition(ctx context.Context, family, to string)
}

// Deps are the monitor's collaborators. Clock, Logger, Audit and Metrics
// are optional.
type Deps struct {
	Departures store.DepartureMonitoring
	ETA        TravelEstimator
	Notifier   notify.Notifier
	Clock      clockz.Clock
	Logger     *logging.Logger
	Audit      *logging.AuditLogger
	Metrics    Metrics
}

// Monitor runs the departure state machine.
type Monitor struct {
	departures store.DepartureMonitoring
	eta        TravelEstimator
	notifier   notify.Notifier
	clock      clockz.Clock
	logger     *logging.Logger
	audit      *logging.AuditLogger
	metrics    Metrics
	cfg        config.MonitorConfig
}

// NewMonitor creates a monitor.
func NewMonitor(deps Deps, cfg config.MonitorConfig) *Monitor {
	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Monitor{
		departures: deps.Departures,
		eta:        deps.ETA,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		logger:     deps.Logger.WithComponent("departure"),
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		cfg:        cfg,
	}
}

// Tasks returns the monitor's periodic tasks. Records are created by
// Initialize, not by a task.
func (m *Monitor) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskReminder, Interval: m.cfg.AlertInterval, Run: m.Reminders},
		{Name: TaskAlert, Interval: m.cfg.AlertInterval, Run: m.DepartureAlerts},
		{Name: TaskLateStart, Interval: m.cfg.AlertInterval, Run: m.LateStarts},
		{Name: TaskCleanup, Interval: m.cfg.CleanupInterval, Run: m.Cleanup},
	}
}

// BufferMinutes returns the preparation buffer for class, or the configured
// override when one is set.
func (m *Monitor) BufferMinutes(trip *trips.Trip) int {
	if m.cfg.BufferMinutesOverride > 0 {
		return m.cfg.BufferMinutesOverride
	}
	return trip.VehicleClass.PrepBufferMinutes()
}

// Initialize starts monitoring an assigned trip. It is idempotent per trip:
// an existing record is returned, refreshed when the driver changed.
// Pickups within the minimum lead are recorded as skipped.
func (m *Monitor) Initialize(ctx context.Context, trip *trips.Trip, driverLocation geo.Point) (*records.TripDepartureMonitoring, error) {
	if !trip.HasDriver() {
		return nil, apperrors.Validation("trip has no driver").WithDetail("trip_id", trip.ID)
	}

	existing, err := m.departures.ForTrip(ctx, trip.ID)
	switch {
	case err == nil && existing.IsActive() && existing.DriverID != trip.DriverID:
		return m.reassign(ctx, existing, trip, driverLocation)
	case err == nil:
		return existing, nil
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	travel := m.eta.TravelTimeOrDefault(ctx, driverLocation, trip.PickupLocation, m.cfg.DefaultTravelMinutes)
	now := m.clock.Now()
	rec := records.NewTripDepartureMonitoring(records.DepartureParams{
		TripID:            trip.ID,
		DriverID:          trip.DriverID,
		DriverLocation:    driverLocation,
		PickupLocation:    trip.PickupLocation,
		ScheduledPickupAt: trip.ScheduledPickupAt,
		Travel:            travel,
		BufferMinutes:     m.BufferMinutes(trip),
		MinimumLead:       m.cfg.MinMonitoringLead,
	}, now)

	if err := m.departures.Create(ctx, rec); err != nil {
		if apperrors.IsConflict(err) {
			return m.departures.ForTrip(ctx, trip.ID)
		}
		return nil, err
	}

	event := logging.AuditDepartureCreated
	if rec.Status == records.DepartureSkipped {
		event = logging.AuditDepartureSkipped
	}
	m.transition(ctx, event, rec, "", map[string]string{
		"travel_minutes":           strconv.Itoa(rec.TravelMinutes),
		"buffer_minutes":           strconv.Itoa(rec.BufferMinutes),
		"estimation":               rec.EstimationMethod,
		"recommended_departure_at": rec.RecommendedDepartureAt.UTC().Format(time.RFC3339),
	})
	return rec, nil
}

func (m *Monitor) reassign(ctx context.Context, rec *records.TripDepartureMonitoring, trip *trips.Trip, driverLocation geo.Point) (*records.TripDepartureMonitoring, error) {
	travel := m.eta.TravelTimeOrDefault(ctx, driverLocation, trip.PickupLocation, m.cfg.DefaultTravelMinutes)
	var (
		previous   records.DepartureStatus
		reassigned bool
	)
	err := store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := m.departures.ForTrip(ctx, trip.ID)
		if err != nil {
			return err
		}
		if !current.IsActive() || current.DriverID == trip.DriverID {
			rec, reassigned = current, false
			return nil
		}
		previous, reassigned = current.Status, true
		current.Reassign(trip.DriverID, driverLocation, travel, m.clock.Now())
		if err := m.departures.Update(ctx, current); err != nil {
			return err
		}
		rec = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reassigned {
		m.transition(ctx, logging.AuditDepartureReassigned, rec, string(previous), map[string]string{
			"driver_id": trip.DriverID,
		})
	}
	m.logger.WithTripID(trip.ID).Info("departure monitoring moved to new driver", "driver_id", trip.DriverID)
	return rec, nil
}

// Reminders sends the driver a heads-up shortly before departure time.
func (m *Monitor) Reminders(ctx context.Context) error {
	return m.each(ctx, "departure reminder", func(ctx context.Context, rec *records.TripDepartureMonitoring, now time.Time) error {
		if !rec.ReminderDue(now, m.cfg.ReminderLead) {
			return nil
		}
		rec.MarkReminderSent(now)
		if claimed, err := m.claim(ctx, rec); !claimed {
			return err
		}
		m.transition(ctx, logging.AuditDepartureReminder, rec, string(rec.Status), nil)

		id, err := m.notifier.CreateNotification(ctx, notify.Request{
			RecipientID: rec.DriverID,
			Type:        notify.TypeDepartureReminder,
			Title:       "Time to get ready",
			Message: fmt.Sprintf("Leave by %s for your %s pickup.",
				rec.RecommendedDepartureAt.Format("15:04"), rec.ScheduledPickupAt.Format("15:04")),
			Priority:    notify.PriorityHigh,
			RelatedData: relatedData(rec),
		})
		if err != nil {
			return fmt.Errorf("failed to request reminder: %w", err)
		}
		return m.attach(ctx, rec, func(r *records.TripDepartureMonitoring) {
			r.FiveMinuteReminder.NotificationID = id
		})
	})
}

// DepartureAlerts tells drivers who have not set off that it is time to leave.
func (m *Monitor) DepartureAlerts(ctx context.Context) error {
	return m.each(ctx, "departure alert", func(ctx context.Context, rec *records.TripDepartureMonitoring, now time.Time) error {
		if !rec.DepartureDue(now) {
			return nil
		}
		rec.MarkDepartureSent(now)
		if claimed, err := m.claim(ctx, rec); !claimed {
			return err
		}
		m.transition(ctx, logging.AuditDepartureAlert, rec, string(rec.Status), nil)

		id, err := m.notifier.CreateNotification(ctx, notify.Request{
			RecipientID: rec.DriverID,
			Type:        notify.TypeDepartureAlert,
			Title:       "Leave now",
			Message: fmt.Sprintf("Leave now to reach your %s pickup on time. Estimated drive: %d minutes.",
				rec.ScheduledPickupAt.Format("15:04"), rec.TravelMinutes),
			Priority:    notify.PriorityUrgent,
			RelatedData: relatedData(rec),
		})
		if err != nil {
			return fmt.Errorf("failed to request departure alert: %w", err)
		}
		return m.attach(ctx, rec, func(r *records.TripDepartureMonitoring) {
			r.DepartureAlert.NotificationID = id
		})
	})
}

// LateStarts escalates drivers still not moving after the grace period.
func (m *Monitor) LateStarts(ctx context.Context) error {
	return m.each(ctx, "late start check", func(ctx context.Context, rec *records.TripDepartureMonitoring, now time.Time) error {
		if !rec.LateStartDue(now, m.cfg.LateStartGrace) {
			return nil
		}
		from := string(rec.Status)
		rec.MarkLateStart(now)
		if claimed, err := m.claim(ctx, rec); !claimed {
			return err
		}
		minutesLate := int(now.Sub(rec.RecommendedDepartureAt) / time.Minute)
		m.transition(ctx, logging.AuditDepartureLateStart, rec, from, map[string]string{
			"minutes_past_departure": strconv.Itoa(minutesLate),
		})

		data := relatedData(rec)
		data["minutes_past_departure"] = strconv.Itoa(minutesLate)

		var (
			ids  []string
			errs []error
		)
		for _, req := range []notify.Request{
			{
				RecipientRole: m.cfg.EscalationRole,
				Type:          notify.TypeLateStart,
				Title:         "Driver has not departed",
				Message: fmt.Sprintf("Driver %s has not started navigation for trip %s, %d minutes past the recommended departure. Pickup is at %s.",
					rec.DriverID, rec.TripID, minutesLate, rec.ScheduledPickupAt.Format("15:04")),
				Priority:    notify.PriorityUrgent,
				RelatedData: data,
			},
			{
				RecipientID: rec.DriverID,
				Type:        notify.TypeLateStartDriver,
				Title:       "You are late to depart",
				Message:     fmt.Sprintf("You should have left %d minutes ago. Start navigation now.", minutesLate),
				Priority:    notify.PriorityUrgent,
				RelatedData: data,
			},
		} {
			id, err := m.notifier.CreateNotification(ctx, req)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to request %s: %w", req.Type, err))
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			errs = append(errs, m.attach(ctx, rec, func(r *records.TripDepartureMonitoring) {
				r.LateStartAlert.NotificationIDs = append(r.LateStartAlert.NotificationIDs, ids...)
			}))
		}
		return apperrors.Join(errs...)
	})
}

// StartNavigation records that the trip's driver set off. It returns the
// record and whether it changed. Calling it again is a no-op.
func (m *Monitor) StartNavigation(ctx context.Context, tripID string) (*records.TripDepartureMonitoring, bool, error) {
	var (
		rec     *records.TripDepartureMonitoring
		changed bool
	)
	err := store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := m.departures.ForTrip(ctx, tripID)
		if err != nil {
			return err
		}
		rec = current
		from := string(current.Status)
		changed = current.StartNavigation(m.clock.Now())
		if !changed {
			return nil
		}
		if err := m.departures.Update(ctx, current); err != nil {
			return err
		}
		details := map[string]string{}
		if current.FiveMinuteReminder.Suppressed {
			details["reminder"] = current.FiveMinuteReminder.SuppressedReason
		}
		m.transition(ctx, logging.AuditDepartureStarted, current, from, details)
		return nil
	})
	return rec, changed, err
}

// Complete moves the trip's record to status. Terminal statuses are sticky,
// and a trip without a record is a no-op.
func (m *Monitor) Complete(ctx context.Context, tripID string, status records.DepartureStatus) (*records.TripDepartureMonitoring, bool, error) {
	if !status.IsTerminal() {
		return nil, false, apperrors.Validation("not a terminal departure status").WithDetail("status", string(status))
	}

	var (
		rec     *records.TripDepartureMonitoring
		changed bool
	)
	err := store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := m.departures.ForTrip(ctx, tripID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		rec = current
		from := string(current.Status)
		changed = current.Complete(status, m.clock.Now())
		if !changed {
			return nil
		}
		if err := m.departures.Update(ctx, current); err != nil {
			return err
		}
		m.transition(ctx, logging.AuditDepartureClosed, current, from, nil)
		return nil
	})
	return rec, changed, err
}

// Cleanup purges terminal records older than the retention window.
func (m *Monitor) Cleanup(ctx context.Context) error {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	n, err := m.departures.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge departure records: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged closed departure records", "count", n)
	}
	return nil
}

func (m *Monitor) each(ctx context.Context, what string, check func(context.Context, *records.TripDepartureMonitoring, time.Time) error) error {
	list, err := m.departures.ListByStatus(ctx, records.DepartureMonitoring)
	if err != nil {
		return fmt.Errorf("failed to list monitored departures: %w", err)
	}

	now := m.clock.Now()
	var errs []error
	for _, rec := range list {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := check(ctx, rec, now); err != nil {
			m.logger.WithTripID(rec.TripID).WithError(err).Warn(what + " failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", rec.TripID, err))
		}
	}
	return apperrors.Join(errs...)
}

// claim saves a mutated record. It reports false without error when another
// evaluator wrote the record first.
func (m *Monitor) claim(ctx context.Context, rec *records.TripDepartureMonitoring) (bool, error) {
	err := m.departures.Update(ctx, rec)
	switch {
	case err == nil:
		return true, nil
	case apperrors.IsConflict(err):
		return false, nil
	default:
		return false, err
	}
}

func (m *Monitor) attach(ctx context.Context, rec *records.TripDepartureMonitoring, mutate func(*records.TripDepartureMonitoring)) error {
	current := rec
	return store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		if current == nil {
			fresh, err := m.departures.Get(ctx, rec.TripID, rec.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		mutate(current)
		err := m.departures.Update(ctx, current)
		if apperrors.IsConflict(err) {
			current = nil
		}
		return err
	})
}

func (m *Monitor) transition(ctx context.Context, event logging.AuditEventType, rec *records.TripDepartureMonitoring, from string, details map[string]string) {
	to := string(rec.Status)
	m.audit.Transition(ctx, event, rec.TripID, rec.ID, from, to, details)
	if m.metrics != nil && from != to {
		m.metrics.RecordTransition(ctx, string(records.FamilyDeparture), to)
	}
}

func relatedData(rec *records.TripDepartureMonitoring) map[string]string {
	return map[string]string{
		"trip_id":                  rec.TripID,
		"driver_id":                rec.DriverID,
		"monitoring_id":            rec.ID,
		"scheduled_pickup_at":      rec.ScheduledPickupAt.UTC().Format(time.RFC3339),
		"recommended_departure_at": rec.RecommendedDepartureAt.UTC().Format(time.RFC3339),
	}
}
