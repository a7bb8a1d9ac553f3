// Package unassigned watches trips that have no driver. A pending alert is
// created per trip when it is discovered, fires once the trip's threshold
// time passes, then follows up and escalates until the trip is assigned,
// cancelled or completed.
package unassigned

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
	TaskDiscover   = "unassigned.discover"
	TaskFirstAlert = "unassigned.first_alert"
	TaskFollowUp   = "unassigned.follow_up"
	TaskCleanup    = "unassigned.cleanup"
)

const (
	escalationMinAlerts = 3
	escalationWindow    = 30 * time.Minute
)

// TravelEstimator is the part of *eta.Calculator the monitor uses.
type TravelEstimator interface {
	TravelTime(ctx context.Context, origin, destination geo.Point) (eta.Estimate, error)
}

// DepotLocator picks the depot a trip would be served from.
type DepotLocator interface {
	Nearest(p geo.Point) geo.Depot
}

// Metrics counts record transitions. *telemetry.MonitorMetrics implements it.
type Metrics interface {
	RecordTransition(ctx context.Context, family, to string)
}

// Deps are the monitor's collaborators. Clock, Logger, Audit and Metrics
// are optional.
type Deps struct {
	Alerts   store.UnassignedAlerts
	Trips    trips.Reader
	Depots   DepotLocator
	ETA      TravelEstimator
	Notifier notify.Notifier
	Clock    clockz.Clock
	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  Metrics
}

// Monitor runs the unassigned-trip alert state machine.
type Monitor struct {
	alerts   store.UnassignedAlerts
	trips    trips.Reader
	depots   DepotLocator
	eta      TravelEstimator
	notifier notify.Notifier
	clock    clockz.Clock
	logger   *logging.Logger
	audit    *logging.AuditLogger
	metrics  Metrics
	cfg      config.MonitorConfig
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
		alerts:   deps.Alerts,
		trips:    deps.Trips,
		depots:   deps.Depots,
		eta:      deps.ETA,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.WithComponent("unassigned"),
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}
}

// Tasks returns the monitor's periodic tasks.
func (m *Monitor) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskDiscover, Interval: m.cfg.DiscoveryInterval, RunOnStart: true, Run: m.Discover},
		{Name: TaskFirstAlert, Interval: m.cfg.AlertInterval, Run: m.FirstAlerts},
		{Name: TaskFollowUp, Interval: m.cfg.AlertInterval, Run: m.FollowUps},
		{Name: TaskCleanup, Interval: m.cfg.CleanupInterval, Run: m.Cleanup},
	}
}

// Discover creates a pending alert for every unassigned future trip that
// has none. Running it repeatedly creates nothing new.
func (m *Monitor) Discover(ctx context.Context) error {
	now := m.clock.Now()
	list, err := m.trips.ListUnassigned(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list unassigned trips: %w", err)
	}

	var errs []error
	created := 0
	for _, trip := range list {
		ok, err := m.discover(ctx, trip, now)
		if err != nil {
			m.logger.WithTripID(trip.ID).WithError(err).Warn("discovery failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", trip.ID, err))
			continue
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		m.logger.Info("unassigned trips discovered", "created", created, "candidates", len(list))
	}
	return apperrors.Join(errs...)
}

func (m *Monitor) discover(ctx context.Context, trip *trips.Trip, now time.Time) (bool, error) {
	if !trip.NeedsDriver(now) {
		return false, nil
	}

	_, err := m.alerts.ActiveForTrip(ctx, trip.ID)
	if err == nil {
		return false, nil
	}
	if !apperrors.IsNotFound(err) {
		return false, err
	}

	depot := m.depots.Nearest(trip.PickupLocation)
	estimate, err := m.eta.TravelTime(ctx, depot.Location, trip.PickupLocation)
	if err != nil {
		m.logger.WithTripID(trip.ID).WithError(err).Warn("cannot estimate drive from depot, using default",
			"depot_id", depot.ID)
		estimate = eta.Estimate{Minutes: m.cfg.DefaultTravelMinutes, Method: eta.MethodDefault}
	}

	threshold := eta.UnassignedAlertThreshold(trip.ScheduledPickupAt, estimate.Minutes)
	alert := records.NewUnassignedTripAlert(trip.ID, trip.ScheduledPickupAt, threshold,
		estimate.Minutes, string(estimate.Method), depot, now)

	if err := m.alerts.Create(ctx, alert); err != nil {
		if apperrors.IsConflict(err) {
			return false, nil
		}
		return false, err
	}

	m.transition(ctx, logging.AuditUnassignedCreated, alert, "", map[string]string{
		"threshold_at":  threshold.UTC().Format(time.RFC3339),
		"drive_minutes": strconv.Itoa(estimate.Minutes),
		"estimation":    string(estimate.Method),
		"depot_id":      depot.ID,
	})
	return true, nil
}

// FirstAlerts fires the first alert of every pending record whose
// threshold has passed.
func (m *Monitor) FirstAlerts(ctx context.Context) error {
	now := m.clock.Now()
	due, err := m.alerts.ListPendingDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due alerts: %w", err)
	}

	var errs []error
	for _, alert := range due {
		if err := m.firstAlert(ctx, alert, now); err != nil {
			m.logger.WithTripID(alert.TripID).WithError(err).Warn("first alert failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", alert.TripID, err))
		}
	}
	return apperrors.Join(errs...)
}

func (m *Monitor) firstAlert(ctx context.Context, alert *records.UnassignedTripAlert, now time.Time) error {
	trip, settled, err := m.settle(ctx, alert, now)
	if err != nil || settled {
		return err
	}

	if !alert.MarkFirstAlert(now) {
		return nil
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}

	untilPickup := trip.ScheduledPickupAt.Sub(now)
	priority := notify.PriorityForTimeToPickup(untilPickup)
	m.transition(ctx, logging.AuditUnassignedAlerted, alert, string(records.UnassignedPending),
		map[string]string{"priority": string(priority)})

	id, err := m.notifier.CreateNotification(ctx, notify.Request{
		RecipientRole: m.cfg.DispatchRole,
		Type:          notify.TypeUnassignedTrip,
		Title:         "Trip needs a driver",
		Message: fmt.Sprintf("Trip %s has no driver. Pickup at %s (%s) in %d minutes.",
			trip.ID, trip.ScheduledPickupAt.Format("15:04"), pickupPlace(trip), minutes(untilPickup)),
		Priority:    priority,
		RelatedData: relatedData(trip, alert),
	})
	if err != nil {
		return fmt.Errorf("failed to request first alert: %w", err)
	}
	return m.attach(ctx, alert, id)
}

// FollowUps re-alerts dispatch about alerting records every follow-up gap
// and escalates to supervisors when pickup is close and alerts went unanswered.
func (m *Monitor) FollowUps(ctx context.Context) error {
	now := m.clock.Now()
	alerting, err := m.alerts.ListByStatus(ctx, records.UnassignedAlerting)
	if err != nil {
		return fmt.Errorf("failed to list alerting records: %w", err)
	}

	var errs []error
	for _, alert := range alerting {
		if err := m.followUp(ctx, alert, now); err != nil {
			m.logger.WithTripID(alert.TripID).WithError(err).Warn("follow-up failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", alert.TripID, err))
		}
	}
	return apperrors.Join(errs...)
}

func (m *Monitor) followUp(ctx context.Context, alert *records.UnassignedTripAlert, now time.Time) error {
	trip, settled, err := m.settle(ctx, alert, now)
	if err != nil || settled {
		return err
	}
	if !alert.FollowUpDue(now, m.cfg.FollowUpGap) {
		return nil
	}

	untilPickup := trip.ScheduledPickupAt.Sub(now)
	priority := notify.PriorityForTimeToPickup(untilPickup)

	alert.RecordFollowUp(now)
	escalate := alert.TotalAlerts() >= escalationMinAlerts && untilPickup < escalationWindow && alert.MarkEscalated(now)
	if err := m.alerts.Update(ctx, alert); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}

	m.transition(ctx, logging.AuditUnassignedFollowUp, alert, string(records.UnassignedAlerting), map[string]string{
		"follow_up_count": strconv.Itoa(alert.FollowUpCount),
		"priority":        string(priority),
	})

	var ids []string
	id, err := m.notifier.CreateNotification(ctx, notify.Request{
		RecipientRole: m.cfg.DispatchRole,
		Type:          notify.TypeUnassignedFollowUp,
		Title:         "Trip still needs a driver",
		Message: fmt.Sprintf("Trip %s is still unassigned (alert %d). Pickup at %s in %d minutes.",
			trip.ID, alert.TotalAlerts(), trip.ScheduledPickupAt.Format("15:04"), minutes(untilPickup)),
		Priority:    priority,
		RelatedData: relatedData(trip, alert),
	})
	if err != nil {
		err = fmt.Errorf("failed to request follow-up: %w", err)
	} else {
		ids = append(ids, id)
	}

	if escalate {
		m.transition(ctx, logging.AuditUnassignedEscalated, alert, string(records.UnassignedAlerting),
			map[string]string{"total_alerts": strconv.Itoa(alert.TotalAlerts())})

		escID, escErr := m.notifier.CreateNotification(ctx, notify.Request{
			RecipientRole: m.cfg.EscalationRole,
			Type:          notify.TypeUnassignedEscalation,
			Title:         "Escalation: trip still unassigned",
			Message: fmt.Sprintf("Trip %s has no driver after %d alerts and pickup is in %d minutes.",
				trip.ID, alert.TotalAlerts(), minutes(untilPickup)),
			Priority:    notify.PriorityUrgent,
			RelatedData: relatedData(trip, alert),
		})
		if escErr != nil {
			err = apperrors.Join(err, fmt.Errorf("failed to request escalation: %w", escErr))
		} else {
			ids = append(ids, escID)
		}
	}

	return apperrors.Join(err, m.attach(ctx, alert, ids...))
}

// settle closes alert when its trip no longer needs a driver. It returns
// the trip when the alert stays open.
func (m *Monitor) settle(ctx context.Context, alert *records.UnassignedTripAlert, now time.Time) (*trips.Trip, bool, error) {
	trip, err := m.trips.Get(ctx, alert.TripID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, true, m.close(ctx, alert, records.ResolutionTripMissing, now)
		}
		return nil, false, err
	}

	var reason records.ResolutionReason
	switch {
	case trip.Status == trips.StatusCancelled:
		reason = records.ResolutionCancelled
	case trip.Status == trips.StatusCompleted:
		reason = records.ResolutionCompleted
	case trip.HasDriver():
		reason = records.ResolutionAssigned
	default:
		return trip, false, nil
	}
	return trip, true, m.close(ctx, alert, reason, now)
}

// Resolve closes the trip's active alert. It reports whether a record
// changed; a trip without an active alert is a no-op.
func (m *Monitor) Resolve(ctx context.Context, tripID string, reason records.ResolutionReason) (bool, error) {
	now := m.clock.Now()
	changed := false

	err := store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		alert, err := m.alerts.ActiveForTrip(ctx, tripID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		from := string(alert.Status)
		if !alert.Resolve(reason, now) {
			return nil
		}
		if err := m.alerts.Update(ctx, alert); err != nil {
			return err
		}
		changed = true
		m.transition(ctx, logging.AuditUnassignedResolved, alert, from,
			map[string]string{"reason": string(reason)})
		return nil
	})
	return changed, err
}

func (m *Monitor) close(ctx context.Context, alert *records.UnassignedTripAlert, reason records.ResolutionReason, now time.Time) error {
	from := string(alert.Status)
	if !alert.Resolve(reason, now) {
		return nil
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	m.transition(ctx, logging.AuditUnassignedResolved, alert, from,
		map[string]string{"reason": string(reason)})
	return nil
}

// Cleanup purges closed alerts older than the retention window.
func (m *Monitor) Cleanup(ctx context.Context) error {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	n, err := m.alerts.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge unassigned alerts: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged closed unassigned alerts", "count", n)
	}
	return nil
}

// attach records notification ids on alert, re-reading it when a
// concurrent writer got there first.
func (m *Monitor) attach(ctx context.Context, alert *records.UnassignedTripAlert, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	current := alert
	return store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		if current == nil {
			fresh, err := m.alerts.Get(ctx, alert.TripID, alert.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		for _, id := range ids {
			current.AddNotification(id)
		}
		err := m.alerts.Update(ctx, current)
		if apperrors.IsConflict(err) {
			current = nil
		}
		return err
	})
}

func (m *Monitor) transition(ctx context.Context, event logging.AuditEventType, alert *records.UnassignedTripAlert, from string, details map[string]string) {
	to := string(alert.Status)
	m.audit.Transition(ctx, event, alert.TripID, alert.ID, from, to, details)
	if m.metrics != nil && from != to {
		m.metrics.RecordTransition(ctx, string(records.FamilyUnassigned), to)
	}
}

func relatedData(trip *trips.Trip, alert *records.UnassignedTripAlert) map[string]string {
	return map[string]string{
		"trip_id":             trip.ID,
		"alert_id":            alert.ID,
		"scheduled_pickup_at": trip.ScheduledPickupAt.UTC().Format(time.RFC3339),
		"follow_up_count":     strconv.Itoa(alert.FollowUpCount),
	}
}

func pickupPlace(trip *trips.Trip) string {
	if trip.PickupAddress != "" {
		return trip.PickupAddress
	}
	return fmt.Sprintf("%.5f,%.5f", trip.PickupLocation.Lat, trip.PickupLocation.Lng)
}

func minutes(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
