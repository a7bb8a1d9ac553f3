package records

import (
	"testing"
	"time"

	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
)

var (
	t0     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pickup = geo.Point{Lat: 37.7879, Lng: -122.4074}
	depot  = geo.Depot{ID: "d1", Location: geo.Point{Lat: 37.7749, Lng: -122.4194}}
)

func TestUnassignedTripAlert_Lifecycle(t *testing.T) {
	pickupAt := t0.Add(95 * time.Minute)
	a := NewUnassignedTripAlert("trip-1", pickupAt, pickupAt.Add(-time.Hour), 30, "fallback-distance", depot, t0)

	if a.Status != UnassignedPending || !a.IsActive() {
		t.Fatalf("new alert status = %s", a.Status)
	}
	if a.FirstAlertDue(t0) {
		t.Error("first alert should not be due before threshold")
	}
	if a.MarkFirstAlert(t0) {
		t.Error("MarkFirstAlert() before threshold should be refused")
	}

	at := t0.Add(35 * time.Minute)
	if !a.MarkFirstAlert(at) {
		t.Fatal("MarkFirstAlert() at threshold should succeed")
	}
	if a.Status != UnassignedAlerting || a.TotalAlerts() != 1 {
		t.Errorf("after first alert: status=%s total=%d", a.Status, a.TotalAlerts())
	}
	if a.MarkFirstAlert(at) {
		t.Error("MarkFirstAlert() twice should be refused")
	}

	if a.FollowUpDue(at.Add(14*time.Minute), 15*time.Minute) {
		t.Error("follow-up should wait the full gap")
	}
	if !a.FollowUpDue(at.Add(15*time.Minute), 15*time.Minute) {
		t.Error("follow-up should be due after the gap")
	}
	a.RecordFollowUp(at.Add(15 * time.Minute))
	if a.FollowUpCount != 1 || a.TotalAlerts() != 2 {
		t.Errorf("FollowUpCount=%d TotalAlerts=%d", a.FollowUpCount, a.TotalAlerts())
	}

	if !a.MarkEscalated(at) || a.MarkEscalated(at) {
		t.Error("MarkEscalated() should succeed exactly once")
	}

	if !a.Resolve(ResolutionAssigned, at) {
		t.Fatal("Resolve() should close an active alert")
	}
	if a.Status != UnassignedResolved || a.ResolutionReason != ResolutionAssigned {
		t.Errorf("status=%s reason=%s", a.Status, a.ResolutionReason)
	}
	if a.Resolve(ResolutionCancelled, at) {
		t.Error("Resolve() on a closed alert should be a no-op")
	}
	if a.Status != UnassignedResolved {
		t.Errorf("status changed after no-op resolve: %s", a.Status)
	}
}

func TestUnassignedTripAlert_CancelReason(t *testing.T) {
	a := NewUnassignedTripAlert("trip-1", t0, t0, 10, "provider", depot, t0)
	a.Resolve(ResolutionCancelled, t0)
	if a.Status != UnassignedCancelled {
		t.Errorf("status = %s, want cancelled", a.Status)
	}
}

func TestUnassignedTripAlert_CloneIsDeep(t *testing.T) {
	a := NewUnassignedTripAlert("trip-1", t0, t0, 10, "provider", depot, t0)
	a.MarkFirstAlert(t0)
	a.AddNotification("n1")

	c := a.Clone()
	c.AddNotification("n2")
	*c.LastAlertAt = t0.Add(time.Hour)

	if len(a.NotificationIDs) != 1 {
		t.Errorf("original NotificationIDs = %v", a.NotificationIDs)
	}
	if !a.LastAlertAt.Equal(t0) {
		t.Errorf("original LastAlertAt changed to %v", a.LastAlertAt)
	}
}

func sample(minutes int, lat float64) LocationSample {
	return LocationSample{Lat: lat, Lng: -122.4, Timestamp: t0.Add(time.Duration(minutes) * time.Minute)}
}

func TestDriverProgressTracking_HistoryCap(t *testing.T) {
	p := NewDriverProgressTracking("trip-1", "driver-1", t0.Add(time.Hour), pickup, t0)

	for i := 0; i < 150; i++ {
		p.AppendLocation(LocationSample{Lat: 37 + float64(i)/1000, Lng: -122, Timestamp: t0.Add(time.Duration(i) * time.Second)}, DefaultHistoryLimit, t0)
	}

	if len(p.LocationHistory) != 100 {
		t.Fatalf("history length = %d, want 100", len(p.LocationHistory))
	}
	if got := p.LocationHistory[0].Timestamp; !got.Equal(t0.Add(50 * time.Second)) {
		t.Errorf("oldest kept sample = %v, want the 51st", got)
	}
	if !p.CurrentLocation.Timestamp.Equal(t0.Add(149 * time.Second)) {
		t.Errorf("current = %v", p.CurrentLocation.Timestamp)
	}
}

func TestDriverProgressTracking_AppendClearsStale(t *testing.T) {
	p := NewDriverProgressTracking("trip-1", "driver-1", t0, pickup, t0)
	if !p.MarkGPSStale(t0) || p.MarkGPSStale(t0) {
		t.Fatal("MarkGPSStale() should succeed exactly once")
	}
	p.AppendLocation(sample(1, 37.78), 0, t0)
	if p.GPSStale || p.GPSStaleAt != nil {
		t.Error("ingestion should clear the stale flag")
	}
}

func TestDriverProgressTracking_ReferenceSample(t *testing.T) {
	p := NewDriverProgressTracking("trip-1", "driver-1", t0, pickup, t0)
	p.AppendLocation(sample(0, 37.780), 0, t0)
	if _, ok := p.ReferenceSample(5 * time.Minute); ok {
		t.Error("single sample should not yield a reference")
	}

	p.AppendLocation(sample(2, 37.781), 0, t0)
	p.AppendLocation(sample(4, 37.782), 0, t0)
	if _, ok := p.ReferenceSample(5 * time.Minute); ok {
		t.Error("history shorter than the window should not yield a reference")
	}

	p.AppendLocation(sample(6, 37.783), 0, t0)
	p.AppendLocation(sample(8, 37.784), 0, t0)
	ref, ok := p.ReferenceSample(5 * time.Minute)
	if !ok {
		t.Fatal("expected a reference sample")
	}
	// Current is minute 8; the newest sample at or before minute 3 is minute 2.
	if !ref.Timestamp.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("reference = %v, want minute 2", ref.Timestamp)
	}
}

func TestAlertTrack_Cooldown(t *testing.T) {
	var track AlertTrack
	if !track.CooldownElapsed(t0, 5*time.Minute) {
		t.Error("empty track should allow an alert")
	}
	track.Record(AlertEvent{At: t0, MinutesLate: 7})
	track.AttachNotifications(t0, "n1", "", "n2")

	if track.CooldownElapsed(t0.Add(4*time.Minute), 5*time.Minute) {
		t.Error("cooldown should block at 4 minutes")
	}
	if !track.CooldownElapsed(t0.Add(5*time.Minute), 5*time.Minute) {
		t.Error("cooldown should allow at 5 minutes")
	}
	if got := track.Alerts[0].NotificationIDs; len(got) != 2 {
		t.Errorf("NotificationIDs = %v", got)
	}
	if !track.Detected || !track.FirstDetectedAt.Equal(t0) {
		t.Error("first record should set detection")
	}
}

func TestDriverProgressTracking_Close(t *testing.T) {
	p := NewDriverProgressTracking("trip-1", "driver-1", t0, pickup, t0)
	if p.Close(ProgressActive, t0) {
		t.Error("closing to active should be refused")
	}
	if !p.Close(ProgressCancelled, t0) {
		t.Fatal("Close() should succeed")
	}
	if p.Close(ProgressCompleted, t0) {
		t.Error("second Close() should be a no-op")
	}
	if p.Status != ProgressCancelled {
		t.Errorf("status = %s", p.Status)
	}
}

func TestDriverProgressTracking_Alerts(t *testing.T) {
	p := NewDriverProgressTracking("trip-1", "driver-1", t0.Add(time.Hour), pickup, t0)
	if p.HadAlerts() {
		t.Fatal("new record should have no alerts")
	}

	p.RecordLateness(t0.Add(time.Minute), 9)
	p.Lateness.AttachNotifications(t0.Add(time.Minute), "n1")
	p.RecordStopped(t0.Add(2*time.Minute), 12.5)
	p.Touch(t0.Add(3 * time.Minute))

	if !p.HadAlerts() {
		t.Error("HadAlerts() = false after alerts")
	}
	if got := p.Lateness.Alerts[0].MinutesLate; got != 9 {
		t.Errorf("MinutesLate = %d, want 9", got)
	}
	if got := p.Stopped.Alerts[0].DisplacementMeters; got != 12.5 {
		t.Errorf("DisplacementMeters = %v, want 12.5", got)
	}
	if !p.UpdatedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("UpdatedAt = %v", p.UpdatedAt)
	}

	c := p.Clone()
	c.Lateness.Alerts[0].NotificationIDs[0] = "changed"
	c.Stopped.Alerts = append(c.Stopped.Alerts, AlertEvent{At: t0})
	if p.Lateness.Alerts[0].NotificationIDs[0] != "n1" || len(p.Stopped.Alerts) != 1 {
		t.Error("Clone() shares alert state with the original")
	}

	stale := NewDriverProgressTracking("trip-2", "driver-1", t0, pickup, t0)
	stale.MarkGPSStale(t0)
	stale.AppendLocation(sample(1, 37.78), 0, t0)
	if !stale.HadAlerts() {
		t.Error("a cleared stale-GPS alert still counts")
	}
}

func departureParams(pickupIn time.Duration) DepartureParams {
	return DepartureParams{
		TripID:            "trip-1",
		DriverID:          "driver-1",
		DriverLocation:    depot.Location,
		PickupLocation:    pickup,
		ScheduledPickupAt: t0.Add(pickupIn),
		Travel:            eta.Estimate{Minutes: 20, Method: eta.MethodProvider},
		BufferMinutes:     10,
		MinimumLead:       10 * time.Minute,
	}
}

func TestNewTripDepartureMonitoring(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	if m.Status != DepartureMonitoring {
		t.Errorf("status = %s", m.Status)
	}
	if want := t0.Add(30 * time.Minute); !m.RecommendedDepartureAt.Equal(want) {
		t.Errorf("RecommendedDepartureAt = %v, want %v", m.RecommendedDepartureAt, want)
	}

	skipped := NewTripDepartureMonitoring(departureParams(10*time.Minute), t0)
	if skipped.Status != DepartureSkipped || skipped.SkipReason != SkipReasonTooSoon {
		t.Errorf("status=%s reason=%s, want skipped too_soon", skipped.Status, skipped.SkipReason)
	}
	if skipped.IsActive() {
		t.Error("skipped record should not be active")
	}
}

func TestTripDepartureMonitoring_Windows(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	dep := m.RecommendedDepartureAt

	tests := []struct {
		name             string
		at               time.Time
		reminder, depart bool
		lateStart        bool
	}{
		{"well before", dep.Add(-10 * time.Minute), false, false, false},
		{"reminder window", dep.Add(-5 * time.Minute), true, false, false},
		{"departure time", dep, true, true, false},
		{"late start", dep.Add(5 * time.Minute), true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.ReminderDue(tt.at, 5*time.Minute); got != tt.reminder {
				t.Errorf("ReminderDue() = %v, want %v", got, tt.reminder)
			}
			if got := m.DepartureDue(tt.at); got != tt.depart {
				t.Errorf("DepartureDue() = %v, want %v", got, tt.depart)
			}
			if got := m.LateStartDue(tt.at, 5*time.Minute); got != tt.lateStart {
				t.Errorf("LateStartDue() = %v, want %v", got, tt.lateStart)
			}
		})
	}
}

func TestTripDepartureMonitoring_StartNavigationSuppressesReminder(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)

	if !m.StartNavigation(t0) {
		t.Fatal("StartNavigation() should succeed")
	}
	if m.StartNavigation(t0.Add(time.Minute)) {
		t.Error("StartNavigation() should be idempotent")
	}
	if !m.FiveMinuteReminder.Suppressed || m.FiveMinuteReminder.SuppressedReason != SuppressedNavigationStarted {
		t.Errorf("reminder = %+v", m.FiveMinuteReminder)
	}
	if m.Status != DepartureStarted {
		t.Errorf("status = %s", m.Status)
	}
	later := m.RecommendedDepartureAt.Add(time.Hour)
	if m.ReminderDue(later, 5*time.Minute) || m.DepartureDue(later) || m.LateStartDue(later, 5*time.Minute) {
		t.Error("no departure notice should be due after navigation started")
	}
}

func TestTripDepartureMonitoring_SentReminderNotSuppressed(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	m.MarkReminderSent(t0)
	m.StartNavigation(t0)
	if m.FiveMinuteReminder.Suppressed {
		t.Error("a reminder already sent should not be marked suppressed")
	}
}

func TestTripDepartureMonitoring_LateThenStarted(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	m.MarkLateStart(t0)
	if m.Status != DepartureLate || !m.LateStartAlert.Escalated {
		t.Fatalf("status=%s escalated=%v", m.Status, m.LateStartAlert.Escalated)
	}
	if !m.StartNavigation(t0) || m.Status != DepartureStarted {
		t.Errorf("late record should move to started, got %s", m.Status)
	}
}

func TestTripDepartureMonitoring_CompleteSticky(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	if m.Complete(DepartureStarted, t0) {
		t.Error("Complete() with non-terminal status should be refused")
	}
	if !m.Complete(DepartureArrived, t0) {
		t.Fatal("Complete() should succeed")
	}
	if m.Complete(DepartureCancelled, t0) || m.Status != DepartureArrived {
		t.Errorf("terminal status should be sticky, got %s", m.Status)
	}
	if m.StartNavigation(t0) {
		t.Error("StartNavigation() on a closed record should be refused")
	}
}

func TestTripDepartureMonitoring_UpdateTravelRecomputes(t *testing.T) {
	m := NewTripDepartureMonitoring(departureParams(time.Hour), t0)
	m.UpdateTravel(depot.Location, eta.Estimate{Minutes: 35, Method: eta.MethodFallbackDistance}, t0)
	if want := t0.Add(15 * time.Minute); !m.RecommendedDepartureAt.Equal(want) {
		t.Errorf("RecommendedDepartureAt = %v, want %v", m.RecommendedDepartureAt, want)
	}
	if m.EstimationMethod != "fallback-distance" {
		t.Errorf("EstimationMethod = %s", m.EstimationMethod)
	}
}

func TestExpiredBefore(t *testing.T) {
	a := NewUnassignedTripAlert("trip-1", t0, t0, 10, "provider", depot, t0)
	cutoff := t0.Add(time.Hour)
	if ExpiredBefore(a, cutoff) {
		t.Error("active record should never expire")
	}
	a.Resolve(ResolutionAssigned, t0)
	if !ExpiredBefore(a, cutoff) {
		t.Error("closed record older than cutoff should expire")
	}
	if ExpiredBefore(a, t0) {
		t.Error("record touched at cutoff should not expire")
	}
}
