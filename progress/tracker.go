// Package progress follows drivers on in-progress trips. Location samples
// are ingested as they arrive; periodic tasks look for drivers running
// late, drivers that stopped moving and devices that went quiet.
package progress

import (
	"context"
	"fmt"
	"math"
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
	"github.com/cobrun/tripwatch/validation"
)

// Task names.
const (
	TaskInitialize      = "progress.initialize"
	TaskLateness        = "progress.lateness"
	TaskStopped         = "progress.stopped"
	TaskStaleGPS        = "progress.stale_gps"
	TaskCompletionSweep = "progress.completion_sweep"
	TaskCleanup         = "progress.cleanup"
)

// freshFix is how recent a fix must be for the lateness check to trust it.
const freshFix = 5 * time.Minute

// TravelEstimator is the part of *eta.Calculator the tracker uses.
type TravelEstimator interface {
	TravelTime(ctx context.Context, origin, destination geo.Point) (eta.Estimate, error)
}

// Metrics counts record transitions. *telemetry.MonitorMetrics implements it.
type Metrics interface {
	RecordTransition(ctx context.Context, family, to string)
}

// Deps are the tracker's collaborators. Clock, Logger, Audit and Metrics
// are optional.
type Deps struct {
	Progress store.ProgressTracking
	Trips    trips.Reader
	ETA      TravelEstimator
	Notifier notify.Notifier
	Clock    clockz.Clock
	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  Metrics
}

// Tracker runs the driver-progress state machine.
type Tracker struct {
	progress store.ProgressTracking
	trips    trips.Reader
	eta      TravelEstimator
	notifier notify.Notifier
	clock    clockz.Clock
	logger   *logging.Logger
	audit    *logging.AuditLogger
	metrics  Metrics
	cfg      config.MonitorConfig
}

// NewTracker creates a tracker.
func NewTracker(deps Deps, cfg config.MonitorConfig) *Tracker {
	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Tracker{
		progress: deps.Progress,
		trips:    deps.Trips,
		eta:      deps.ETA,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.WithComponent("progress"),
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}
}

// Tasks returns the tracker's periodic tasks.
func (t *Tracker) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskInitialize, Interval: t.cfg.TrackingInitInterval, RunOnStart: true, Run: t.Initialize},
		{Name: TaskLateness, Interval: t.cfg.AlertInterval, Run: t.Lateness},
		{Name: TaskStopped, Interval: t.cfg.AlertInterval, Run: t.Stopped},
		{Name: TaskStaleGPS, Interval: t.cfg.AlertInterval, Run: t.StaleGPS},
		{Name: TaskCompletionSweep, Interval: t.cfg.CompletionInterval, Run: t.CompletionSweep},
		{Name: TaskCleanup, Interval: t.cfg.CleanupInterval, Run: t.Cleanup},
	}
}

// Initialize makes sure every in-progress trip with a driver is tracked.
func (t *Tracker) Initialize(ctx context.Context) error {
	list, err := t.trips.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-progress trips: %w", err)
	}

	var errs []error
	for _, trip := range list {
		if _, err := t.Ensure(ctx, trip); err != nil {
			t.logger.WithTripID(trip.ID).WithError(err).Warn("tracking initialization failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", trip.ID, err))
		}
	}
	return apperrors.Join(errs...)
}

// Ensure returns the trip's active record, creating it when missing.
func (t *Tracker) Ensure(ctx context.Context, trip *trips.Trip) (*records.DriverProgressTracking, error) {
	p, err := t.progress.ActiveForTrip(ctx, trip.ID)
	if err == nil {
		return p, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	if !trip.HasDriver() {
		return nil, apperrors.Validation("trip has no driver").WithDetail("trip_id", trip.ID)
	}

	now := t.clock.Now()
	p = records.NewDriverProgressTracking(trip.ID, trip.DriverID, trip.ScheduledPickupAt, trip.PickupLocation, now)
	if err := t.progress.Create(ctx, p); err != nil {
		if apperrors.IsConflict(err) {
			return t.progress.ActiveForTrip(ctx, trip.ID)
		}
		return nil, err
	}

	t.transition(ctx, logging.AuditProgressCreated, p, "", map[string]string{"driver_id": trip.DriverID})
	return p, nil
}

// IngestLocation appends s to the trip's active record. Samples older than
// the current fix are ignored. It returns NOT_FOUND when the trip is not
// tracked and VALIDATION_ERROR for a malformed sample.
func (t *Tracker) IngestLocation(ctx context.Context, tripID string, s records.LocationSample) error {
	if err := validation.Check(s); err != nil {
		return err
	}
	if s.Lat == 0 && s.Lng == 0 {
		return apperrors.Validation("location sample has no position")
	}

	return store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		p, err := t.progress.ActiveForTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if p.CurrentLocation != nil && s.Timestamp.Before(p.CurrentLocation.Timestamp) {
			t.logger.WithTripID(tripID).Debug("ignoring out-of-order location sample",
				"sample_at", s.Timestamp, "current_at", p.CurrentLocation.Timestamp)
			return nil
		}

		wasStale := p.GPSStale
		p.AppendLocation(s, t.cfg.LocationHistoryLimit, t.clock.Now())
		if err := t.progress.Update(ctx, p); err != nil {
			return err
		}
		if wasStale {
			t.logger.WithTripID(tripID).Info("gps signal restored")
		}
		return nil
	})
}

// MarkStarted records the trip start on the active record.
func (t *Tracker) MarkStarted(ctx context.Context, tripID string, startedAt time.Time, onTime bool) error {
	return store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		p, err := t.progress.ActiveForTrip(ctx, tripID)
		if err != nil {
			return err
		}
		p.MarkStarted(startedAt, onTime, t.clock.Now())
		return t.progress.Update(ctx, p)
	})
}

// Complete closes the trip's active record with status. It returns the
// record and whether it changed; an untracked trip is a no-op.
func (t *Tracker) Complete(ctx context.Context, tripID string, status records.ProgressStatus) (*records.DriverProgressTracking, bool, error) {
	var (
		closed  *records.DriverProgressTracking
		changed bool
	)
	err := store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		p, err := t.progress.ActiveForTrip(ctx, tripID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		changed, err = t.close(ctx, p, status)
		closed = p
		return err
	})
	return closed, changed, err
}

func (t *Tracker) close(ctx context.Context, p *records.DriverProgressTracking, status records.ProgressStatus) (bool, error) {
	from := string(p.Status)
	if !p.Close(status, t.clock.Now()) {
		return false, nil
	}
	if err := t.progress.Update(ctx, p); err != nil {
		return false, err
	}
	t.transition(ctx, logging.AuditProgressClosed, p, from, nil)
	return true, nil
}

// Lateness alerts dispatch and the driver when the driver's ETA to pickup
// overshoots the scheduled time by more than the tolerance.
func (t *Tracker) Lateness(ctx context.Context) error {
	return t.each(ctx, "lateness check", t.checkLateness)
}

func (t *Tracker) checkLateness(ctx context.Context, p *records.DriverProgressTracking, now time.Time) error {
	if !p.StartedOnTime {
		return nil
	}
	age, ok := p.FixAge(now)
	if !ok || age > freshFix {
		return nil
	}
	if !p.Lateness.CooldownElapsed(now, t.cfg.LatenessCooldown) {
		return nil
	}

	estimate, err := t.eta.TravelTime(ctx, p.CurrentLocation.Point(), p.PickupLocation)
	if err != nil {
		return err
	}
	late := now.Add(estimate.Duration()).Sub(p.ScheduledPickupAt)
	if late <= t.cfg.LatenessTolerance {
		return nil
	}
	minutesLate := int(math.Ceil(late.Minutes()))

	p.RecordLateness(now, minutesLate)
	if err := t.progress.Update(ctx, p); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	t.transition(ctx, logging.AuditProgressLate, p, string(p.Status), map[string]string{
		"minutes_late": strconv.Itoa(minutesLate),
		"estimation":   string(estimate.Method),
	})

	data := relatedData(p)
	data["minutes_late"] = strconv.Itoa(minutesLate)
	ids, err := t.send(ctx,
		notify.Request{
			RecipientRole: t.cfg.DispatchRole,
			Type:          notify.TypeDriverLate,
			Title:         "Driver running late",
			Message: fmt.Sprintf("Driver %s is about %d minutes late for the %s pickup on trip %s.",
				p.DriverID, minutesLate, p.ScheduledPickupAt.Format("15:04"), p.TripID),
			Priority:    notify.PriorityForLateness(minutesLate),
			RelatedData: data,
		},
		notify.Request{
			RecipientID: p.DriverID,
			Type:        notify.TypeDriverLateNotice,
			Title:       "Running behind schedule",
			Message: fmt.Sprintf("You are about %d minutes behind for your %s pickup. Dispatch has been informed.",
				minutesLate, p.ScheduledPickupAt.Format("15:04")),
			Priority:    notify.PriorityMedium,
			RelatedData: data,
		},
	)
	return apperrors.Join(err, t.attach(ctx, p, func(p *records.DriverProgressTracking) {
		p.Lateness.AttachNotifications(now, ids...)
	}, len(ids)))
}

// Stopped alerts dispatch and checks on the driver when the latest fix is
// within the stopped radius of a fix taken at least the stopped threshold
// earlier.
func (t *Tracker) Stopped(ctx context.Context) error {
	return t.each(ctx, "stopped check", t.checkStopped)
}

func (t *Tracker) checkStopped(ctx context.Context, p *records.DriverProgressTracking, now time.Time) error {
	if len(p.LocationHistory) < 2 || p.GPSStale {
		return nil
	}
	if age, ok := p.FixAge(now); !ok || age > t.cfg.StaleGPSAfter {
		return nil
	}
	if !p.Stopped.CooldownElapsed(now, t.cfg.StoppedCooldown) {
		return nil
	}
	ref, ok := p.ReferenceSample(t.cfg.StoppedThreshold)
	if !ok {
		return nil
	}

	displacement := geo.DistanceMeters(ref.Point(), p.CurrentLocation.Point())
	if displacement >= t.cfg.StoppedRadiusMeters {
		return nil
	}
	stoppedFor := p.CurrentLocation.Timestamp.Sub(ref.Timestamp)

	p.RecordStopped(now, displacement)
	if err := t.progress.Update(ctx, p); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	t.transition(ctx, logging.AuditProgressStopped, p, string(p.Status), map[string]string{
		"displacement_meters": strconv.FormatFloat(displacement, 'f', 1, 64),
		"stopped_minutes":     strconv.Itoa(int(stoppedFor / time.Minute)),
	})

	data := relatedData(p)
	data["stopped_minutes"] = strconv.Itoa(int(stoppedFor / time.Minute))
	ids, err := t.send(ctx,
		notify.Request{
			RecipientRole: t.cfg.DispatchRole,
			Type:          notify.TypeDriverStopped,
			Title:         "Driver not moving",
			Message: fmt.Sprintf("Driver %s on trip %s has moved %.0f m in the last %d minutes.",
				p.DriverID, p.TripID, displacement, int(stoppedFor/time.Minute)),
			Priority:    notify.PriorityHigh,
			RelatedData: data,
		},
		notify.Request{
			RecipientID: p.DriverID,
			Type:        notify.TypeWelfareCheck,
			Title:       "Are you OK?",
			Message:     "You have not moved for a few minutes. Please let dispatch know if you need help.",
			Priority:    notify.PriorityMedium,
			RelatedData: data,
		},
	)
	return apperrors.Join(err, t.attach(ctx, p, func(p *records.DriverProgressTracking) {
		p.Stopped.AttachNotifications(now, ids...)
	}, len(ids)))
}

// StaleGPS alerts once per outage when a tracked driver's fix is missing
// or older than the stale window. Ingesting a sample clears the flag.
func (t *Tracker) StaleGPS(ctx context.Context) error {
	return t.each(ctx, "stale gps check", t.checkStaleGPS)
}

func (t *Tracker) checkStaleGPS(ctx context.Context, p *records.DriverProgressTracking, now time.Time) error {
	if p.GPSStale {
		return nil
	}
	age, hasFix := p.FixAge(now)
	if hasFix && age <= t.cfg.StaleGPSAfter {
		return nil
	}

	if !p.MarkGPSStale(now) {
		return nil
	}
	if err := t.progress.Update(ctx, p); err != nil {
		if apperrors.IsConflict(err) {
			return nil
		}
		return err
	}
	details := map[string]string{"has_fix": strconv.FormatBool(hasFix)}
	message := fmt.Sprintf("No location received from driver %s on trip %s.", p.DriverID, p.TripID)
	if hasFix {
		details["fix_age_minutes"] = strconv.Itoa(int(age / time.Minute))
		message = fmt.Sprintf("No location from driver %s on trip %s for %d minutes.",
			p.DriverID, p.TripID, int(age/time.Minute))
	}
	t.transition(ctx, logging.AuditProgressGPSStale, p, string(p.Status), details)

	data := relatedData(p)
	_, err := t.send(ctx,
		notify.Request{
			RecipientRole: t.cfg.DispatchRole,
			Type:          notify.TypeGPSStale,
			Title:         "Driver GPS signal lost",
			Message:       message,
			Priority:    notify.PriorityHigh,
			RelatedData: data,
		},
		notify.Request{
			RecipientID: p.DriverID,
			Type:        notify.TypeGPSCheck,
			Title:       "Location not updating",
			Message:     "We have not received your location recently. Please check that the driver app is open and location is enabled.",
			Priority:    notify.PriorityMedium,
			RelatedData: data,
		},
	)
	return err
}

// CompletionSweep closes active records whose trip finished or vanished.
func (t *Tracker) CompletionSweep(ctx context.Context) error {
	return t.each(ctx, "completion sweep", func(ctx context.Context, p *records.DriverProgressTracking, _ time.Time) error {
		trip, err := t.trips.Get(ctx, p.TripID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				_, err = t.close(ctx, p, records.ProgressResolved)
			}
			return ignoreConflict(err)
		}

		switch trip.Status {
		case trips.StatusCompleted:
			_, err = t.close(ctx, p, records.ProgressCompleted)
		case trips.StatusCancelled:
			_, err = t.close(ctx, p, records.ProgressCancelled)
		}
		return ignoreConflict(err)
	})
}

// Cleanup purges closed records older than the retention window.
func (t *Tracker) Cleanup(ctx context.Context) error {
	cutoff := t.clock.Now().Add(-t.cfg.Retention)
	n, err := t.progress.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge progress records: %w", err)
	}
	if n > 0 {
		t.logger.Info("purged closed progress records", "count", n)
	}
	return nil
}

func (t *Tracker) each(ctx context.Context, what string, check func(context.Context, *records.DriverProgressTracking, time.Time) error) error {
	active, err := t.progress.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active progress records: %w", err)
	}

	now := t.clock.Now()
	var errs []error
	for _, p := range active {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := check(ctx, p, now); err != nil {
			t.logger.WithTripID(p.TripID).WithError(err).Warn(what + " failed")
			errs = append(errs, fmt.Errorf("trip %s: %w", p.TripID, err))
		}
	}
	return apperrors.Join(errs...)
}

// send requests every notification and returns the identifiers of those
// accepted. One failed request does not stop the others.
func (t *Tracker) send(ctx context.Context, reqs ...notify.Request) ([]string, error) {
	var (
		ids  []string
		errs []error
	)
	for _, req := range reqs {
		id, err := t.notifier.CreateNotification(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to request %s: %w", req.Type, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, apperrors.Join(errs...)
}

// attach applies mutate to p and saves it, re-reading p after a
// concurrent write. It does nothing when there is nothing to attach.
func (t *Tracker) attach(ctx context.Context, p *records.DriverProgressTracking, mutate func(*records.DriverProgressTracking), n int) error {
	if n == 0 {
		return nil
	}
	current := p
	return store.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		if current == nil {
			fresh, err := t.progress.Get(ctx, p.TripID, p.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		mutate(current)
		current.Touch(t.clock.Now())
		err := t.progress.Update(ctx, current)
		if apperrors.IsConflict(err) {
			current = nil
		}
		return err
	})
}

func (t *Tracker) transition(ctx context.Context, event logging.AuditEventType, p *records.DriverProgressTracking, from string, details map[string]string) {
	to := string(p.Status)
	t.audit.Transition(ctx, event, p.TripID, p.ID, from, to, details)
	if t.metrics != nil && from != to {
		t.metrics.RecordTransition(ctx, string(records.FamilyProgress), to)
	}
}

func relatedData(p *records.DriverProgressTracking) map[string]string {
	return map[string]string{
		"trip_id":             p.TripID,
		"driver_id":           p.DriverID,
		"tracking_id":         p.ID,
		"scheduled_pickup_at": p.ScheduledPickupAt.UTC().Format(time.RFC3339),
	}
}

func ignoreConflict(err error) error {
	if apperrors.IsConflict(err) {
		return nil
	}
	return err
}
