package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/cobrun/tripwatch/config"
	"github.com/cobrun/tripwatch/departure"
	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/progress"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/store"
	"github.com/cobrun/tripwatch/testing/fixtures"
	"github.com/cobrun/tripwatch/testing/mocks"
	"github.com/cobrun/tripwatch/trips"
	"github.com/cobrun/tripwatch/unassigned"
)

type testEnv struct {
	clock      clockz.Clock
	advance    func(time.Duration)
	trips      *trips.MemoryReader
	stores     store.Stores
	notifier   *mocks.MockNotifier
	unassigned *unassigned.Monitor
	progress   *progress.Tracker
	departure  *departure.Monitor
	lifecycle  *Lifecycle
}

// newTestEnv wires the real monitors over in-memory stores. Drives take
// 20 minutes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockz.NewFakeClock()
	cfg := config.DefaultMonitorConfig()
	calc := eta.NewCalculator(mocks.NewMockRouteProvider(20*time.Minute, 12000), eta.Config{})

	env := &testEnv{
		clock:    clock,
		advance:  func(d time.Duration) { clock.Advance(d) },
		trips:    trips.NewMemoryReader(),
		stores:   store.NewMemoryStores(),
		notifier: mocks.NewMockNotifier(),
	}
	env.unassigned = unassigned.NewMonitor(unassigned.Deps{
		Alerts:   env.stores.Unassigned,
		Trips:    env.trips,
		Depots:   trips.NewDepotLocator(nil, fixtures.PhoenixLocations.Depot.Point, nil),
		ETA:      calc,
		Notifier: env.notifier,
		Clock:    clock,
	}, cfg)
	env.progress = progress.NewTracker(progress.Deps{
		Progress: env.stores.Progress,
		Trips:    env.trips,
		ETA:      calc,
		Notifier: env.notifier,
		Clock:    clock,
	}, cfg)
	env.departure = departure.NewMonitor(departure.Deps{
		Departures: env.stores.Departure,
		ETA:        calc,
		Notifier:   env.notifier,
		Clock:      clock,
	}, cfg)
	env.lifecycle = NewLifecycle(Deps{
		Unassigned: env.unassigned,
		Progress:   env.progress,
		Departure:  env.departure,
		Trips:      env.trips,
		Notifier:   env.notifier,
		Clock:      clock,
	}, cfg)
	return env
}

// discovered stores an unassigned trip with pickup in two hours and runs
// discovery so it has a pending alert.
func (e *testEnv) discovered(t *testing.T, id string) trips.Trip {
	t.Helper()
	trip := fixtures.NewTrip(e.clock.Now().Add(2 * time.Hour)).WithID(id).Build()
	e.trips.Put(trip)
	if err := e.unassigned.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	return trip
}

// assign gives the trip a driver and runs the assignment hook.
func (e *testEnv) assign(t *testing.T, id string) *trips.Trip {
	t.Helper()
	if err := e.trips.Update(id, func(tr *trips.Trip) {
		tr.DriverID = "driver-" + id
		tr.Status = trips.StatusAssigned
	}); err != nil {
		t.Fatal(err)
	}
	e.trips.SetDriverLocation("driver-"+id, fixtures.PhoenixLocations.Depot.Point)
	trip, _ := e.trips.Get(context.Background(), id)
	if err := e.lifecycle.OnAssigned(context.Background(), trip); err != nil {
		t.Fatalf("OnAssigned() error = %v", err)
	}
	return trip
}

// start marks the trip in progress now and runs the start hook.
func (e *testEnv) start(t *testing.T, id string) *trips.Trip {
	t.Helper()
	now := e.clock.Now()
	if err := e.trips.Update(id, func(tr *trips.Trip) {
		tr.Status = trips.StatusInProgress
		tr.StartedAt = &now
	}); err != nil {
		t.Fatal(err)
	}
	trip, _ := e.trips.Get(context.Background(), id)
	if err := e.lifecycle.OnStarted(context.Background(), trip); err != nil {
		t.Fatalf("OnStarted() error = %v", err)
	}
	return trip
}

func (e *testEnv) alertsWithStatus(status records.UnassignedStatus) int {
	list, _ := e.stores.Unassigned.ListByStatus(context.Background(), status)
	return len(list)
}

func TestOnAssigned(t *testing.T) {
	env := newTestEnv(t)
	env.discovered(t, "trip-1")

	trip := env.assign(t, "trip-1")

	if env.alertsWithStatus(records.UnassignedResolved) != 1 || env.alertsWithStatus(records.UnassignedPending) != 0 {
		t.Error("unassigned alert not resolved")
	}
	dep, err := env.stores.Departure.ForTrip(context.Background(), "trip-1")
	if err != nil {
		t.Fatalf("no departure record: %v", err)
	}
	if dep.Status != records.DepartureMonitoring || dep.DriverID != trip.DriverID || dep.TravelMinutes != 20 {
		t.Errorf("departure = status %s driver %s travel %d", dep.Status, dep.DriverID, dep.TravelMinutes)
	}

	sent := env.notifier.RequestsOfType(notify.TypeDriverAssigned)
	if len(sent) != 1 || sent[0].RecipientRole != "dispatch" || sent[0].Priority != notify.PriorityMedium {
		t.Fatalf("assignment notices = %+v", sent)
	}
	if sent[0].RelatedData["had_unassigned_alert"] != "true" {
		t.Errorf("related data = %v", sent[0].RelatedData)
	}
}

func TestOnStarted_OnTime(t *testing.T) {
	tests := []struct {
		name    string
		startIn time.Duration
		want    bool
	}{
		// Pickup +2h, 20 minute drive, 10 minute buffer: leave at +90m.
		{"well before departure", 30 * time.Minute, true},
		{"inside grace", 95 * time.Minute, true},
		{"past grace", 96 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.discovered(t, "trip-1")
			env.assign(t, "trip-1")

			env.advance(tt.startIn)
			env.start(t, "trip-1")

			p, err := env.stores.Progress.ActiveForTrip(context.Background(), "trip-1")
			if err != nil {
				t.Fatalf("no progress record: %v", err)
			}
			if p.StartedOnTime != tt.want || p.StartedAt == nil {
				t.Errorf("started on time = %v, want %v", p.StartedOnTime, tt.want)
			}
			dep, _ := env.stores.Departure.ForTrip(context.Background(), "trip-1")
			if !dep.NavigationStarted {
				t.Error("navigation not started")
			}
		})
	}
}

func TestOnStarted_WithoutDepartureRecord(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	trip := fixtures.NewTrip(now.Add(time.Hour)).WithID("trip-1").WithDriver("driver-1").InProgress(now).Build()
	env.trips.Put(trip)

	if err := env.lifecycle.OnStarted(context.Background(), &trip); err != nil {
		t.Fatalf("OnStarted() error = %v", err)
	}
	p, err := env.stores.Progress.ActiveForTrip(context.Background(), "trip-1")
	if err != nil || !p.StartedOnTime {
		t.Errorf("progress = %+v, %v", p, err)
	}
}

func TestOnCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.discovered(t, "trip-1")
	env.assign(t, "trip-1")
	trip := env.start(t, "trip-1")

	// No fix for longer than the stale window raises an alert.
	env.advance(11 * time.Minute)
	if err := env.progress.StaleGPS(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := env.lifecycle.OnCompleted(ctx, trip); err != nil {
			t.Fatalf("OnCompleted() run %d error = %v", i+1, err)
		}
	}

	sent := env.notifier.RequestsOfType(notify.TypeTripCompleted)
	if len(sent) != 1 {
		t.Fatalf("completion notices = %d, want 1", len(sent))
	}
	if sent[0].Priority != notify.PriorityHigh || sent[0].RelatedData["had_alerts"] != "true" {
		t.Errorf("completion notice = %+v", sent[0])
	}
	if active, _ := env.stores.Progress.ListActive(ctx); len(active) != 0 {
		t.Errorf("active progress records = %d, want 0", len(active))
	}
	dep, _ := env.stores.Departure.ForTrip(ctx, "trip-1")
	if dep.Status != records.DepartureCompleted {
		t.Errorf("departure status = %s, want completed", dep.Status)
	}
}

func TestOnCancelled_ClosesAllFamiliesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	trip := env.discovered(t, "trip-1")

	// Give the trip a record in each family without resolving the alert.
	withDriver := trip
	withDriver.DriverID = "driver-1"
	if _, err := env.departure.Initialize(ctx, &withDriver, fixtures.PhoenixLocations.Depot.Point); err != nil {
		t.Fatal(err)
	}
	p, err := env.progress.Ensure(ctx, &withDriver)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := env.lifecycle.OnCancelled(ctx, &withDriver, "rider request"); err != nil {
			t.Fatalf("OnCancelled() run %d error = %v", i+1, err)
		}
	}

	if env.alertsWithStatus(records.UnassignedCancelled) != 1 {
		t.Error("unassigned alert not cancelled")
	}
	closed, err := env.stores.Progress.Get(ctx, "trip-1", p.ID)
	if err != nil || closed.Status != records.ProgressCancelled {
		t.Errorf("progress = %+v, %v", closed, err)
	}
	dep, _ := env.stores.Departure.ForTrip(ctx, "trip-1")
	if dep.Status != records.DepartureCancelled {
		t.Errorf("departure status = %s, want cancelled", dep.Status)
	}

	sent := env.notifier.RequestsOfType(notify.TypeTripCancelled)
	if len(sent) != 3 {
		t.Fatalf("cancellation notices = %d, want 3", len(sent))
	}
	recipients := map[string]bool{}
	for _, req := range sent {
		recipients[req.RecipientRole+req.RecipientID] = true
		if req.RelatedData["reason"] != "rider request" {
			t.Errorf("reason = %q", req.RelatedData["reason"])
		}
	}
	for _, want := range []string{"dispatch", "driver-1", trip.RiderID} {
		if !recipients[want] {
			t.Errorf("no cancellation notice for %s", want)
		}
	}
}

func TestOnCancelled_NothingToCancel(t *testing.T) {
	env := newTestEnv(t)
	trip := fixtures.NewTrip(env.clock.Now().Add(time.Hour)).WithID("trip-1").Ptr()

	if err := env.lifecycle.OnCancelled(context.Background(), trip, ""); err != nil {
		t.Fatalf("OnCancelled() error = %v", err)
	}
	if env.notifier.Count() != 0 {
		t.Errorf("notifications = %d, want 0", env.notifier.Count())
	}
}

func TestOnLocationUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	env.trips.Put(fixtures.NewTrip(now.Add(time.Hour)).WithID("moving").WithDriver("driver-1").InProgress(now).Build())
	env.trips.Put(fixtures.NewTrip(now.Add(time.Hour)).WithID("waiting").WithDriver("driver-2").Build())

	sample := records.LocationSample{Lat: 33.45, Lng: -112.07, Timestamp: now}

	if err := env.lifecycle.OnLocationUpdate(ctx, "moving", sample); err != nil {
		t.Fatalf("OnLocationUpdate(moving) error = %v", err)
	}
	p, err := env.stores.Progress.ActiveForTrip(ctx, "moving")
	if err != nil {
		t.Fatalf("no record created: %v", err)
	}
	if len(p.LocationHistory) != 1 || p.CurrentLocation == nil {
		t.Errorf("history = %+v", p.LocationHistory)
	}

	for _, id := range []string{"waiting", "unknown"} {
		if err := env.lifecycle.OnLocationUpdate(ctx, id, sample); err != nil {
			t.Errorf("OnLocationUpdate(%s) error = %v", id, err)
		}
		if _, err := env.stores.Progress.ActiveForTrip(ctx, id); err == nil {
			t.Errorf("record created for %s", id)
		}
	}
}
