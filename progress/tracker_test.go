package progress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/cobrun/tripwatch/config"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/store"
	"github.com/cobrun/tripwatch/testing/fixtures"
	"github.com/cobrun/tripwatch/testing/mocks"
	"github.com/cobrun/tripwatch/trips"
)

type testEnv struct {
	clock    clockz.Clock
	advance  func(time.Duration)
	trips    *trips.MemoryReader
	progress *store.MemoryProgressTracking
	notifier *mocks.MockNotifier
	provider *mocks.MockRouteProvider
	tracker  *Tracker
}

func newTestEnv(t *testing.T, drive time.Duration) *testEnv {
	t.Helper()

	clock := clockz.NewFakeClock()
	env := &testEnv{
		clock:    clock,
		advance:  func(d time.Duration) { clock.Advance(d) },
		trips:    trips.NewMemoryReader(),
		progress: store.NewMemoryProgressTracking(),
		notifier: mocks.NewMockNotifier(),
		provider: mocks.NewMockRouteProvider(drive, 15000),
	}
	env.tracker = NewTracker(Deps{
		Progress: env.progress,
		Trips:    env.trips,
		ETA:      eta.NewCalculator(env.provider, eta.Config{}),
		Notifier: env.notifier,
		Clock:    clock,
	}, config.DefaultMonitorConfig())
	return env
}

// startTrip stores an in-progress trip and its tracking record.
func (e *testEnv) startTrip(t *testing.T, id string, untilPickup time.Duration, onTime bool) *records.DriverProgressTracking {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()

	trip := fixtures.NewTrip(now.Add(untilPickup)).WithID(id).WithDriver("driver-" + id).InProgress(now).Build()
	e.trips.Put(trip)

	if _, err := e.tracker.Ensure(ctx, &trip); err != nil {
		t.Fatalf("Ensure(%s) error = %v", id, err)
	}
	if err := e.tracker.MarkStarted(ctx, id, now, onTime); err != nil {
		t.Fatalf("MarkStarted(%s) error = %v", id, err)
	}
	return e.active(t, id)
}

func (e *testEnv) active(t *testing.T, tripID string) *records.DriverProgressTracking {
	t.Helper()
	p, err := e.progress.ActiveForTrip(context.Background(), tripID)
	if err != nil {
		t.Fatalf("ActiveForTrip(%s) error = %v", tripID, err)
	}
	return p
}

func (e *testEnv) ingest(t *testing.T, tripID string, p geo.Point, at time.Time) {
	t.Helper()
	sample := records.LocationSample{Lat: p.Lat, Lng: p.Lng, Timestamp: at}
	if err := e.tracker.IngestLocation(context.Background(), tripID, sample); err != nil {
		t.Fatalf("IngestLocation(%s) error = %v", tripID, err)
	}
}

func TestInitialize_CreatesOneRecordPerTrip(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	now := env.clock.Now()
	env.trips.Put(fixtures.NewTrip(now.Add(30 * time.Minute)).WithID("trip-1").WithDriver("driver-1").InProgress(now).Build())
	env.trips.Put(fixtures.NewTrip(now.Add(30 * time.Minute)).WithID("trip-2").WithDriver("driver-2").InProgress(now).Build())
	env.trips.Put(fixtures.NewTrip(now.Add(30 * time.Minute)).WithID("trip-3").WithDriver("driver-3").Build())

	for i := 0; i < 2; i++ {
		if err := env.tracker.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize() run %d error = %v", i+1, err)
		}
	}

	if env.progress.Len() != 2 {
		t.Fatalf("records = %d, want 2", env.progress.Len())
	}
	p := env.active(t, "trip-1")
	if p.DriverID != "driver-1" || p.Status != records.ProgressActive {
		t.Errorf("record = %+v", p)
	}
}

func TestEnsure_RequiresDriver(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	trip := fixtures.NewTrip(env.clock.Now().Add(time.Hour)).Ptr()

	_, err := env.tracker.Ensure(context.Background(), trip)
	if !apperrors.IsValidation(err) {
		t.Errorf("Ensure() error = %v, want validation error", err)
	}
}

func TestIngestLocation_CapsHistory(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	env.startTrip(t, "trip-1", 30*time.Minute, true)
	start := env.clock.Now()

	for i := 0; i < 150; i++ {
		env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, start.Add(time.Duration(i)*time.Second))
	}

	p := env.active(t, "trip-1")
	if len(p.LocationHistory) != 100 {
		t.Fatalf("history = %d samples, want 100", len(p.LocationHistory))
	}
	if want := start.Add(50 * time.Second); !p.LocationHistory[0].Timestamp.Equal(want) {
		t.Errorf("oldest sample = %v, want %v", p.LocationHistory[0].Timestamp, want)
	}
	if want := start.Add(149 * time.Second); !p.CurrentLocation.Timestamp.Equal(want) {
		t.Errorf("current fix = %v, want %v", p.CurrentLocation.Timestamp, want)
	}
}

func TestIngestLocation_IgnoresOutOfOrderSamples(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	env.startTrip(t, "trip-1", 30*time.Minute, true)
	now := env.clock.Now()

	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, now)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.TempeTownLake.Point, now.Add(-time.Minute))

	p := env.active(t, "trip-1")
	if len(p.LocationHistory) != 1 || p.CurrentLocation.Point() != fixtures.PhoenixLocations.SkyHarbor.Point {
		t.Errorf("history = %+v", p.LocationHistory)
	}
}

func TestIngestLocation_Errors(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	env.startTrip(t, "trip-1", 30*time.Minute, true)
	now := env.clock.Now()

	tests := []struct {
		name   string
		tripID string
		sample records.LocationSample
		check  func(error) bool
	}{
		{"untracked trip", "trip-x", records.LocationSample{Lat: 33.4, Lng: -112.0, Timestamp: now}, apperrors.IsNotFound},
		{"bad latitude", "trip-1", records.LocationSample{Lat: 91, Lng: -112.0, Timestamp: now}, apperrors.IsValidation},
		{"missing timestamp", "trip-1", records.LocationSample{Lat: 33.4, Lng: -112.0}, apperrors.IsValidation},
		{"null island", "trip-1", records.LocationSample{Timestamp: now}, apperrors.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.tracker.IngestLocation(context.Background(), tt.tripID, tt.sample)
			if !tt.check(err) {
				t.Errorf("IngestLocation() error = %v", err)
			}
		})
	}
}

func TestLateness_AlertsDispatchAndDriver(t *testing.T) {
	env := newTestEnv(t, 30*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "trip-1", 20*time.Minute, true)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())

	if err := env.tracker.Lateness(ctx); err != nil {
		t.Fatalf("Lateness() error = %v", err)
	}

	dispatch := env.notifier.RequestsOfType(notify.TypeDriverLate)
	if len(dispatch) != 1 {
		t.Fatalf("dispatch alerts = %d, want 1", len(dispatch))
	}
	if dispatch[0].Priority != notify.PriorityHigh || dispatch[0].RelatedData["minutes_late"] != "10" {
		t.Errorf("dispatch alert = %+v", dispatch[0])
	}
	if dispatch[0].RecipientRole != "dispatch" {
		t.Errorf("recipient role = %q", dispatch[0].RecipientRole)
	}
	driver := env.notifier.RequestsOfType(notify.TypeDriverLateNotice)
	if len(driver) != 1 || driver[0].RecipientID != "driver-trip-1" || driver[0].Priority != notify.PriorityMedium {
		t.Fatalf("driver notices = %+v", driver)
	}

	p := env.active(t, "trip-1")
	if !p.Lateness.Detected || len(p.Lateness.Alerts) != 1 {
		t.Fatalf("lateness = %+v", p.Lateness)
	}
	if got := len(p.Lateness.Alerts[0].NotificationIDs); got != 2 {
		t.Errorf("notification ids = %d, want 2", got)
	}

	// Within the cooldown nothing more is sent.
	env.advance(2 * time.Minute)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())
	if err := env.tracker.Lateness(ctx); err != nil {
		t.Fatalf("Lateness() error = %v", err)
	}
	if got := env.notifier.CountOfType(notify.TypeDriverLate); got != 1 {
		t.Errorf("dispatch alerts within cooldown = %d, want 1", got)
	}

	env.advance(4 * time.Minute)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())
	if err := env.tracker.Lateness(ctx); err != nil {
		t.Fatalf("Lateness() error = %v", err)
	}
	if got := env.notifier.CountOfType(notify.TypeDriverLate); got != 2 {
		t.Errorf("dispatch alerts after cooldown = %d, want 2", got)
	}
}

func TestLateness_Skips(t *testing.T) {
	tests := []struct {
		name        string
		untilPickup time.Duration
		onTime      bool
		fixAge      time.Duration
		noFix       bool
	}{
		{name: "within tolerance", untilPickup: 27 * time.Minute, onTime: true},
		{name: "started late", untilPickup: 10 * time.Minute, onTime: false},
		{name: "old fix", untilPickup: 10 * time.Minute, onTime: true, fixAge: 6 * time.Minute},
		{name: "no fix", untilPickup: 10 * time.Minute, onTime: true, noFix: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 30*time.Minute)
			env.startTrip(t, "trip-1", tt.untilPickup, tt.onTime)
			if !tt.noFix {
				env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now().Add(-tt.fixAge))
			}

			if err := env.tracker.Lateness(context.Background()); err != nil {
				t.Fatalf("Lateness() error = %v", err)
			}
			if got := env.notifier.Count(); got != 0 {
				t.Errorf("notifications = %d, want 0", got)
			}
		})
	}
}

func TestLateness_ConcurrentChecksAlertOnce(t *testing.T) {
	env := newTestEnv(t, 30*time.Minute)
	env.startTrip(t, "trip-1", 10*time.Minute, true)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.tracker.Lateness(context.Background())
		}()
	}
	wg.Wait()

	if got := env.notifier.CountOfType(notify.TypeDriverLate); got != 1 {
		t.Errorf("dispatch alerts = %d, want 1", got)
	}
	if got := len(env.active(t, "trip-1").Lateness.Alerts); got != 1 {
		t.Errorf("recorded alerts = %d, want 1", got)
	}
}

func TestStopped_AlertsWhenDriverHasNotMoved(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	env.startTrip(t, "trip-1", time.Hour, true)
	now := env.clock.Now()
	at := fixtures.PhoenixLocations.TempeTownLake.Point

	env.ingest(t, "trip-1", at, now.Add(-6*time.Minute))
	env.ingest(t, "trip-1", geo.Point{Lat: at.Lat + 0.0001, Lng: at.Lng}, now.Add(-3*time.Minute))
	env.ingest(t, "trip-1", at, now)

	if err := env.tracker.Stopped(context.Background()); err != nil {
		t.Fatalf("Stopped() error = %v", err)
	}

	if got := env.notifier.RequestsOfType(notify.TypeDriverStopped); len(got) != 1 || got[0].Priority != notify.PriorityHigh {
		t.Fatalf("stopped alerts = %+v", got)
	}
	if got := env.notifier.RequestsOfType(notify.TypeWelfareCheck); len(got) != 1 || got[0].RecipientID != "driver-trip-1" {
		t.Fatalf("welfare checks = %+v", got)
	}
	p := env.active(t, "trip-1")
	if !p.Stopped.Detected || len(p.Stopped.Alerts[0].NotificationIDs) != 2 {
		t.Errorf("stopped = %+v", p.Stopped)
	}

	// The cooldown holds the next alert back.
	env.advance(5 * time.Minute)
	env.ingest(t, "trip-1", at, env.clock.Now())
	if err := env.tracker.Stopped(context.Background()); err != nil {
		t.Fatalf("Stopped() error = %v", err)
	}
	if got := env.notifier.CountOfType(notify.TypeDriverStopped); got != 1 {
		t.Errorf("stopped alerts within cooldown = %d, want 1", got)
	}
}

func TestStopped_MovingDriverIsQuiet(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	env.startTrip(t, "trip-1", time.Hour, true)
	now := env.clock.Now()

	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, now.Add(-6*time.Minute))
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.TempeTownLake.Point, now)

	if err := env.tracker.Stopped(context.Background()); err != nil {
		t.Fatalf("Stopped() error = %v", err)
	}
	if got := env.notifier.Count(); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
}

func TestStaleGPS_AlertsOncePerOutage(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "trip-1", time.Hour, true)
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())

	env.advance(11 * time.Minute)
	for i := 0; i < 2; i++ {
		if err := env.tracker.StaleGPS(ctx); err != nil {
			t.Fatalf("StaleGPS() error = %v", err)
		}
	}
	if got := env.notifier.CountOfType(notify.TypeGPSStale); got != 1 {
		t.Fatalf("gps alerts = %d, want 1", got)
	}
	if got := env.notifier.CountOfType(notify.TypeGPSCheck); got != 1 {
		t.Fatalf("driver gps checks = %d, want 1", got)
	}
	if !env.active(t, "trip-1").GPSStale {
		t.Fatal("record not flagged stale")
	}

	// A new fix clears the flag and a later outage alerts again.
	env.ingest(t, "trip-1", fixtures.PhoenixLocations.SkyHarbor.Point, env.clock.Now())
	if env.active(t, "trip-1").GPSStale {
		t.Fatal("stale flag not cleared by new fix")
	}
	env.advance(11 * time.Minute)
	if err := env.tracker.StaleGPS(ctx); err != nil {
		t.Fatalf("StaleGPS() error = %v", err)
	}
	if got := env.notifier.CountOfType(notify.TypeGPSStale); got != 2 {
		t.Errorf("gps alerts = %d, want 2", got)
	}
}

func TestStaleGPS_AlertsWithoutAnyFix(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "trip-1", time.Hour, true)

	env.advance(time.Minute)
	if err := env.tracker.StaleGPS(ctx); err != nil {
		t.Fatalf("StaleGPS() error = %v", err)
	}
	if got := env.notifier.CountOfType(notify.TypeGPSStale); got != 1 {
		t.Fatalf("gps alerts = %d, want 1", got)
	}
	sent := env.notifier.RequestsOfType(notify.TypeGPSStale)[0]
	if !strings.Contains(sent.Message, "No location received") {
		t.Errorf("message = %q", sent.Message)
	}
	if p := env.active(t, "trip-1"); !p.GPSStale || p.GPSStaleAlerts != 1 {
		t.Errorf("record = stale %v alerts %d", p.GPSStale, p.GPSStaleAlerts)
	}
}

func TestCompletionSweep(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "done", time.Hour, true)
	env.startTrip(t, "cancelled", time.Hour, true)
	env.startTrip(t, "gone", time.Hour, true)
	env.startTrip(t, "running", time.Hour, true)

	if err := env.trips.Update("done", func(t *trips.Trip) { t.Status = trips.StatusCompleted }); err != nil {
		t.Fatal(err)
	}
	if err := env.trips.Update("cancelled", func(t *trips.Trip) { t.Status = trips.StatusCancelled }); err != nil {
		t.Fatal(err)
	}
	env.trips.Delete("gone")

	if err := env.tracker.CompletionSweep(ctx); err != nil {
		t.Fatalf("CompletionSweep() error = %v", err)
	}

	active, _ := env.progress.ListActive(ctx)
	if len(active) != 1 || active[0].TripID != "running" {
		t.Fatalf("active records = %d, want only running", len(active))
	}
}

func TestComplete_ChangesOnce(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "trip-1", time.Hour, true)

	p, changed, err := env.tracker.Complete(ctx, "trip-1", records.ProgressCompleted)
	if err != nil || !changed {
		t.Fatalf("Complete() = %v, %v", changed, err)
	}
	if p.Status != records.ProgressCompleted || p.CompletedAt == nil {
		t.Errorf("record = %+v", p)
	}

	_, changed, err = env.tracker.Complete(ctx, "trip-1", records.ProgressCompleted)
	if err != nil || changed {
		t.Errorf("second Complete() = %v, %v; want no change", changed, err)
	}
}

func TestCleanup_PurgesExpiredRecords(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	ctx := context.Background()
	env.startTrip(t, "old", time.Hour, true)
	if _, _, err := env.tracker.Complete(ctx, "old", records.ProgressCompleted); err != nil {
		t.Fatal(err)
	}

	env.advance(8 * 24 * time.Hour)
	env.startTrip(t, "new", time.Hour, true)

	if err := env.tracker.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if env.progress.Len() != 1 {
		t.Errorf("records = %d, want 1", env.progress.Len())
	}
}

func TestTasks(t *testing.T) {
	env := newTestEnv(t, 10*time.Minute)
	want := map[string]bool{
		TaskInitialize: true, TaskLateness: true, TaskStopped: true,
		TaskStaleGPS: true, TaskCompletionSweep: true, TaskCleanup: true,
	}

	tasks := env.tracker.Tasks()
	if len(tasks) != len(want) {
		t.Fatalf("tasks = %d, want %d", len(tasks), len(want))
	}
	for _, task := range tasks {
		if !want[task.Name] || task.Run == nil || task.Interval <= 0 {
			t.Errorf("unexpected task %+v", task.Name)
		}
	}
}
