package departure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/cobrun/tripwatch/config"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/store"
	"github.com/cobrun/tripwatch/testing/fixtures"
	"github.com/cobrun/tripwatch/testing/mocks"
	"github.com/cobrun/tripwatch/trips"
	"github.com/cobrun/tripwatch/vehicle"
)

type testEnv struct {
	clock      clockz.Clock
	advance    func(time.Duration)
	departures *store.MemoryDepartureMonitoring
	notifier   *mocks.MockNotifier
	provider   *mocks.MockRouteProvider
	monitor    *Monitor
}

func newTestEnv(t *testing.T, drive time.Duration, cfg config.MonitorConfig) *testEnv {
	t.Helper()

	clock := clockz.NewFakeClock()
	env := &testEnv{
		clock:      clock,
		advance:    func(d time.Duration) { clock.Advance(d) },
		departures: store.NewMemoryDepartureMonitoring(),
		notifier:   mocks.NewMockNotifier(),
		provider:   mocks.NewMockRouteProvider(drive, 12000),
	}
	env.monitor = NewMonitor(Deps{
		Departures: env.departures,
		ETA:        eta.NewCalculator(env.provider, eta.Config{}),
		Notifier:   env.notifier,
		Clock:      clock,
	}, cfg)
	return env
}

// assigned returns an assigned trip with pickup untilPickup from now.
func (e *testEnv) assigned(id string, untilPickup time.Duration) *trips.Trip {
	return fixtures.NewTrip(e.clock.Now().Add(untilPickup)).WithID(id).WithDriver("driver-" + id).Ptr()
}

func (e *testEnv) initialize(t *testing.T, trip *trips.Trip) *records.TripDepartureMonitoring {
	t.Helper()
	rec, err := e.monitor.Initialize(context.Background(), trip, fixtures.PhoenixLocations.Depot.Point)
	if err != nil {
		t.Fatalf("Initialize(%s) error = %v", trip.ID, err)
	}
	return rec
}

func (e *testEnv) record(t *testing.T, tripID string) *records.TripDepartureMonitoring {
	t.Helper()
	rec, err := e.departures.ForTrip(context.Background(), tripID)
	if err != nil {
		t.Fatalf("ForTrip(%s) error = %v", tripID, err)
	}
	return rec
}

func (e *testEnv) runAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, run := range []func(context.Context) error{e.monitor.Reminders, e.monitor.DepartureAlerts, e.monitor.LateStarts} {
		if err := run(ctx); err != nil {
			t.Fatalf("task error = %v", err)
		}
	}
}

func TestInitialize_BufferByVehicleClass(t *testing.T) {
	tests := []struct {
		class    vehicle.Class
		override int
		want     int
	}{
		{class: vehicle.ClassAmbulatory, want: 10},
		{class: vehicle.ClassWheelchair, want: 15},
		{class: vehicle.ClassStretcher, want: 20},
		{class: vehicle.ClassStretcher, override: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			cfg := config.DefaultMonitorConfig()
			cfg.BufferMinutesOverride = tt.override
			env := newTestEnv(t, 20*time.Minute, cfg)

			trip := fixtures.NewTrip(env.clock.Now().Add(time.Hour)).WithID("trip-1").
				WithDriver("driver-1").WithVehicleClass(tt.class).Ptr()
			rec := env.initialize(t, trip)

			if rec.BufferMinutes != tt.want {
				t.Errorf("buffer = %d, want %d", rec.BufferMinutes, tt.want)
			}
			want := trip.ScheduledPickupAt.Add(-time.Duration(20+tt.want) * time.Minute)
			if !rec.RecommendedDepartureAt.Equal(want) {
				t.Errorf("recommended departure = %v, want %v", rec.RecommendedDepartureAt, want)
			}
			if rec.Status != records.DepartureMonitoring {
				t.Errorf("status = %s, want monitoring", rec.Status)
			}
		})
	}
}

func TestInitialize_DefaultTravelWhenProviderFails(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	env.provider.SetError(errors.New("routes api unavailable"))

	rec := env.initialize(t, env.assigned("trip-1", time.Hour))

	if rec.TravelMinutes != 15 || rec.EstimationMethod != string(eta.MethodDefault) {
		t.Errorf("travel = %d min via %s, want 15 via default", rec.TravelMinutes, rec.EstimationMethod)
	}
}

func TestInitialize_SkipsImminentPickup(t *testing.T) {
	tests := []struct {
		name        string
		untilPickup time.Duration
		want        records.DepartureStatus
	}{
		{"ten minutes", 10 * time.Minute, records.DepartureSkipped},
		{"five minutes", 5 * time.Minute, records.DepartureSkipped},
		{"eleven minutes", 11 * time.Minute, records.DepartureMonitoring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
			rec := env.initialize(t, env.assigned("trip-1", tt.untilPickup))

			if rec.Status != tt.want {
				t.Fatalf("status = %s, want %s", rec.Status, tt.want)
			}
			if tt.want == records.DepartureSkipped && rec.SkipReason != records.SkipReasonTooSoon {
				t.Errorf("skip reason = %q", rec.SkipReason)
			}
		})
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	trip := env.assigned("trip-1", time.Hour)

	first := env.initialize(t, trip)
	second := env.initialize(t, trip)

	if first.ID != second.ID || env.departures.Len() != 1 {
		t.Errorf("records = %d, ids %s / %s", env.departures.Len(), first.ID, second.ID)
	}
}

func TestInitialize_Reassignment(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	trip := env.assigned("trip-1", time.Hour)
	first := env.initialize(t, trip)

	env.provider.SetDuration(35 * time.Minute)
	trip.DriverID = "driver-2"
	rec := env.initialize(t, trip)

	if rec.ID != first.ID || rec.DriverID != "driver-2" || rec.TravelMinutes != 35 {
		t.Errorf("record = %s driver %s travel %d", rec.ID, rec.DriverID, rec.TravelMinutes)
	}
	if want := trip.ScheduledPickupAt.Add(-45 * time.Minute); !rec.RecommendedDepartureAt.Equal(want) {
		t.Errorf("recommended departure = %v, want %v", rec.RecommendedDepartureAt, want)
	}
}

func TestInitialize_ReassignmentResetsNotices(t *testing.T) {
	// Pickup in 60 minutes, 20 minute drive, 10 minute buffer: leave at +30.
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	trip := env.assigned("trip-1", time.Hour)
	env.initialize(t, trip)

	env.advance(35 * time.Minute)
	env.runAll(t)
	if rec := env.record(t, "trip-1"); rec.Status != records.DepartureLate || !rec.FiveMinuteReminder.Sent {
		t.Fatalf("before reassignment: status %s, reminder %+v", rec.Status, rec.FiveMinuteReminder)
	}

	// The new driver is 5 minutes away: leave at +45.
	env.provider.SetDuration(5 * time.Minute)
	trip.DriverID = "driver-2"
	rec := env.initialize(t, trip)
	if rec.Status != records.DepartureMonitoring {
		t.Errorf("status = %s, want monitoring", rec.Status)
	}
	if rec.FiveMinuteReminder.Sent || rec.DepartureAlert.Sent || rec.LateStartAlert.Escalated {
		t.Errorf("notices not reset: %+v %+v %+v", rec.FiveMinuteReminder, rec.DepartureAlert, rec.LateStartAlert)
	}

	env.notifier.Clear()
	env.advance(5 * time.Minute)
	env.runAll(t)
	reminders := env.notifier.RequestsOfType(notify.TypeDepartureReminder)
	if len(reminders) != 1 || reminders[0].RecipientID != "driver-2" {
		t.Fatalf("reminders for new driver = %+v", reminders)
	}

	env.advance(5 * time.Minute)
	env.runAll(t)
	alerts := env.notifier.RequestsOfType(notify.TypeDepartureAlert)
	if len(alerts) != 1 || alerts[0].RecipientID != "driver-2" {
		t.Errorf("departure alerts for new driver = %+v", alerts)
	}
}

func TestInitialize_RequiresDriver(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	trip := fixtures.NewTrip(env.clock.Now().Add(time.Hour)).Ptr()

	_, err := env.monitor.Initialize(context.Background(), trip, fixtures.PhoenixLocations.Depot.Point)
	if !apperrors.IsValidation(err) {
		t.Errorf("Initialize() error = %v, want validation error", err)
	}
}

func TestDepartureFlow(t *testing.T) {
	// Pickup in 60 minutes, 20 minute drive, 10 minute buffer: leave at +30.
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	env.initialize(t, env.assigned("trip-1", time.Hour))

	env.advance(24 * time.Minute)
	env.runAll(t)
	if env.notifier.Count() != 0 {
		t.Fatalf("notifications at +24m = %d, want 0", env.notifier.Count())
	}

	env.advance(time.Minute)
	env.runAll(t)
	reminders := env.notifier.RequestsOfType(notify.TypeDepartureReminder)
	if len(reminders) != 1 || reminders[0].Priority != notify.PriorityHigh || reminders[0].RecipientID != "driver-trip-1" {
		t.Fatalf("reminders at +25m = %+v", reminders)
	}
	rec := env.record(t, "trip-1")
	if !rec.FiveMinuteReminder.Sent || rec.FiveMinuteReminder.NotificationID == "" {
		t.Errorf("reminder = %+v", rec.FiveMinuteReminder)
	}

	env.advance(5 * time.Minute)
	env.runAll(t)
	alerts := env.notifier.RequestsOfType(notify.TypeDepartureAlert)
	if len(alerts) != 1 || alerts[0].Priority != notify.PriorityUrgent {
		t.Fatalf("departure alerts at +30m = %+v", alerts)
	}
	if got := env.notifier.CountOfType(notify.TypeDepartureReminder); got != 1 {
		t.Errorf("reminders = %d, want 1", got)
	}

	env.advance(5 * time.Minute)
	env.runAll(t)
	escalations := env.notifier.RequestsOfType(notify.TypeLateStart)
	if len(escalations) != 1 || escalations[0].RecipientRole != "supervisor" || escalations[0].Priority != notify.PriorityUrgent {
		t.Fatalf("escalations at +35m = %+v", escalations)
	}
	driver := env.notifier.RequestsOfType(notify.TypeLateStartDriver)
	if len(driver) != 1 || driver[0].Priority != notify.PriorityUrgent {
		t.Fatalf("driver late notices = %+v", driver)
	}

	rec = env.record(t, "trip-1")
	if rec.Status != records.DepartureLate || !rec.LateStartAlert.Escalated || len(rec.LateStartAlert.NotificationIDs) != 2 {
		t.Errorf("record = status %s, late start %+v", rec.Status, rec.LateStartAlert)
	}

	env.advance(10 * time.Minute)
	env.runAll(t)
	if got := env.notifier.Count(); got != 4 {
		t.Errorf("total notifications = %d, want 4", got)
	}

	// A late driver can still set off.
	rec, changed, err := env.monitor.StartNavigation(context.Background(), "trip-1")
	if err != nil || !changed || rec.Status != records.DepartureStarted {
		t.Errorf("StartNavigation() = %v, %v, %v", rec.Status, changed, err)
	}
}

func TestStartNavigation_SuppressesReminder(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	ctx := context.Background()
	env.initialize(t, env.assigned("trip-1", time.Hour))

	env.advance(10 * time.Minute)
	rec, changed, err := env.monitor.StartNavigation(ctx, "trip-1")
	if err != nil || !changed {
		t.Fatalf("StartNavigation() = %v, %v", changed, err)
	}
	if rec.Status != records.DepartureStarted || !rec.NavigationStarted || rec.NavigationStartedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if !rec.FiveMinuteReminder.Suppressed || rec.FiveMinuteReminder.SuppressedReason != records.SuppressedNavigationStarted {
		t.Errorf("reminder = %+v", rec.FiveMinuteReminder)
	}

	for i := 0; i < 6; i++ {
		env.advance(5 * time.Minute)
		env.runAll(t)
	}
	if got := env.notifier.Count(); got != 0 {
		t.Errorf("notifications after navigation started = %d, want 0", got)
	}
	if env.record(t, "trip-1").FiveMinuteReminder.Sent {
		t.Error("suppressed reminder was sent")
	}

	_, changed, err = env.monitor.StartNavigation(ctx, "trip-1")
	if err != nil || changed {
		t.Errorf("repeated StartNavigation() = %v, %v; want no change", changed, err)
	}
}

func TestStartNavigation_Untracked(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())

	_, _, err := env.monitor.StartNavigation(context.Background(), "trip-x")
	if !apperrors.IsNotFound(err) {
		t.Errorf("StartNavigation() error = %v, want not found", err)
	}
}

func TestReminders_ConcurrentRunsNotifyOnce(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	env.initialize(t, env.assigned("trip-1", time.Hour))
	env.advance(26 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.monitor.Reminders(context.Background())
		}()
	}
	wg.Wait()

	if got := env.notifier.CountOfType(notify.TypeDepartureReminder); got != 1 {
		t.Errorf("reminders = %d, want 1", got)
	}
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	ctx := context.Background()
	env.initialize(t, env.assigned("trip-1", time.Hour))

	if _, _, err := env.monitor.Complete(ctx, "trip-1", records.DepartureStarted); !apperrors.IsValidation(err) {
		t.Errorf("Complete(started) error = %v, want validation error", err)
	}

	rec, changed, err := env.monitor.Complete(ctx, "trip-1", records.DepartureArrived)
	if err != nil || !changed || rec.Status != records.DepartureArrived || rec.CompletedAt == nil {
		t.Fatalf("Complete(arrived) = %+v, %v, %v", rec, changed, err)
	}

	rec, changed, err = env.monitor.Complete(ctx, "trip-1", records.DepartureCancelled)
	if err != nil || changed || rec.Status != records.DepartureArrived {
		t.Errorf("Complete(cancelled) after arrival = %s, %v, %v", rec.Status, changed, err)
	}

	rec, changed, err = env.monitor.Complete(ctx, "trip-x", records.DepartureCompleted)
	if err != nil || changed || rec != nil {
		t.Errorf("Complete(untracked) = %v, %v, %v", rec, changed, err)
	}
}

func TestCleanup_PurgesTerminalRecords(t *testing.T) {
	env := newTestEnv(t, 20*time.Minute, config.DefaultMonitorConfig())
	ctx := context.Background()
	env.initialize(t, env.assigned("skipped", 5*time.Minute))
	env.initialize(t, env.assigned("live", 3*time.Hour))

	env.advance(8 * 24 * time.Hour)
	if err := env.monitor.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if env.departures.Len() != 1 {
		t.Fatalf("records = %d, want 1", env.departures.Len())
	}
	if _, err := env.departures.ForTrip(ctx, "live"); err != nil {
		t.Errorf("live record purged: %v", err)
	}
}
