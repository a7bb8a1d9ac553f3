package records

import (
	"time"

	"github.com/cobrun/tripwatch/geo"
)

// ProgressStatus is the state of a driver progress record.
type ProgressStatus string

const (
	ProgressActive    ProgressStatus = "active"
	ProgressCompleted ProgressStatus = "completed"
	ProgressCancelled ProgressStatus = "cancelled"
	ProgressResolved  ProgressStatus = "resolved"
)

// DefaultHistoryLimit bounds LocationHistory.
const DefaultHistoryLimit = 100

// LocationSample is one GPS fix reported by a driver device.
type LocationSample struct {
	Lat       float64   `json:"lat" validate:"latitude"`
	Lng       float64   `json:"lng" validate:"longitude"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	SpeedMps  float64   `json:"speed_mps,omitempty" validate:"gte=0"`
	Heading   float64   `json:"heading,omitempty" validate:"gte=0,lte=360"`
	Accuracy  float64   `json:"accuracy,omitempty" validate:"gte=0"`
}

// Point returns the sample position.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// AlertEvent is one emitted progress alert.
type AlertEvent struct {
	At                 time.Time `json:"at"`
	MinutesLate        int       `json:"minutes_late,omitempty"`
	DisplacementMeters float64   `json:"displacement_meters,omitempty"`
	NotificationIDs    []string  `json:"notification_ids,omitempty"`
}

// AlertTrack is the per-sub-type alert state with its cooldown window.
type AlertTrack struct {
	Detected        bool         `json:"detected"`
	FirstDetectedAt *time.Time   `json:"first_detected_at,omitempty"`
	Alerts          []AlertEvent `json:"alerts,omitempty"`
	LastAlertAt     *time.Time   `json:"last_alert_at,omitempty"`
}

// CooldownElapsed reports whether a new alert may be emitted.
func (t *AlertTrack) CooldownElapsed(now time.Time, cooldown time.Duration) bool {
	return t.LastAlertAt == nil || now.Sub(*t.LastAlertAt) >= cooldown
}

// Record stores event and restarts the cooldown.
func (t *AlertTrack) Record(event AlertEvent) {
	if !t.Detected {
		t.Detected = true
		t.FirstDetectedAt = timePtr(event.At)
	}
	t.Alerts = append(t.Alerts, event)
	t.LastAlertAt = timePtr(event.At)
}

// AttachNotifications adds ids to the event recorded at at.
func (t *AlertTrack) AttachNotifications(at time.Time, ids ...string) {
	for i := len(t.Alerts) - 1; i >= 0; i-- {
		if t.Alerts[i].At.Equal(at) {
			for _, id := range ids {
				if id != "" {
					t.Alerts[i].NotificationIDs = append(t.Alerts[i].NotificationIDs, id)
				}
			}
			return
		}
	}
}

func (t AlertTrack) clone() AlertTrack {
	c := t
	c.FirstDetectedAt = cloneTime(t.FirstDetectedAt)
	c.LastAlertAt = cloneTime(t.LastAlertAt)
	if t.Alerts != nil {
		c.Alerts = make([]AlertEvent, len(t.Alerts))
		for i, e := range t.Alerts {
			e.NotificationIDs = cloneStrings(e.NotificationIDs)
			c.Alerts[i] = e
		}
	}
	return c
}

// DriverProgressTracking follows a driver from trip start to pickup.
type DriverProgressTracking struct {
	Meta

	DriverID          string    `json:"driver_id"`
	ScheduledPickupAt time.Time `json:"scheduled_pickup_at"`
	PickupLocation    geo.Point `json:"pickup_location"`

	StartedOnTime bool       `json:"started_on_time"`
	StartedAt     *time.Time `json:"started_at,omitempty"`

	LocationHistory []LocationSample `json:"location_history,omitempty"`
	CurrentLocation *LocationSample  `json:"current_location,omitempty"`

	Lateness AlertTrack `json:"lateness"`
	Stopped  AlertTrack `json:"stopped"`

	GPSStale       bool       `json:"gps_stale"`
	GPSStaleAt     *time.Time `json:"gps_stale_at,omitempty"`
	GPSStaleAlerts int        `json:"gps_stale_alerts,omitempty"`

	Status      ProgressStatus `json:"status"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewDriverProgressTracking creates an active record.
func NewDriverProgressTracking(tripID, driverID string, pickupAt time.Time, pickup geo.Point, now time.Time) *DriverProgressTracking {
	return &DriverProgressTracking{
		Meta:              newMeta(tripID, now),
		DriverID:          driverID,
		ScheduledPickupAt: pickupAt,
		PickupLocation:    pickup,
		Status:            ProgressActive,
	}
}

// IsActive implements Record.
func (p *DriverProgressTracking) IsActive() bool {
	return p.Status == ProgressActive
}

// MarkStarted records when the trip started and whether that was on time.
func (p *DriverProgressTracking) MarkStarted(at time.Time, onTime bool, now time.Time) {
	p.StartedAt = timePtr(at)
	p.StartedOnTime = onTime
	p.touch(now)
}

// AppendLocation makes s the current fix and appends it to the history,
// evicting the oldest entries beyond limit. It clears the stale flag.
func (p *DriverProgressTracking) AppendLocation(s LocationSample, limit int, now time.Time) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	p.LocationHistory = append(p.LocationHistory, s)
	if over := len(p.LocationHistory) - limit; over > 0 {
		p.LocationHistory = append([]LocationSample(nil), p.LocationHistory[over:]...)
	}
	current := s
	p.CurrentLocation = &current
	p.GPSStale = false
	p.GPSStaleAt = nil
	p.touch(now)
}

// FixAge returns the age of the current fix, or false when there is none.
func (p *DriverProgressTracking) FixAge(now time.Time) (time.Duration, bool) {
	if p.CurrentLocation == nil {
		return 0, false
	}
	return now.Sub(p.CurrentLocation.Timestamp), true
}

// ReferenceSample returns the most recent history sample taken at least
// window before the current fix.
func (p *DriverProgressTracking) ReferenceSample(window time.Duration) (LocationSample, bool) {
	if p.CurrentLocation == nil || len(p.LocationHistory) < 2 {
		return LocationSample{}, false
	}
	cutoff := p.CurrentLocation.Timestamp.Add(-window)
	for i := len(p.LocationHistory) - 1; i >= 0; i-- {
		if s := p.LocationHistory[i]; !s.Timestamp.After(cutoff) {
			return s, true
		}
	}
	return LocationSample{}, false
}

// RecordLateness stores a lateness alert emitted at now.
func (p *DriverProgressTracking) RecordLateness(now time.Time, minutesLate int) {
	p.Lateness.Record(AlertEvent{At: now, MinutesLate: minutesLate})
	p.touch(now)
}

// RecordStopped stores a stopped-movement alert emitted at now.
func (p *DriverProgressTracking) RecordStopped(now time.Time, displacementMeters float64) {
	p.Stopped.Record(AlertEvent{At: now, DisplacementMeters: displacementMeters})
	p.touch(now)
}

// Touch bumps UpdatedAt.
func (p *DriverProgressTracking) Touch(now time.Time) {
	p.touch(now)
}

// MarkGPSStale flags the fix as stale. It returns false when already flagged.
func (p *DriverProgressTracking) MarkGPSStale(now time.Time) bool {
	if p.GPSStale {
		return false
	}
	p.GPSStale = true
	p.GPSStaleAt = timePtr(now)
	p.GPSStaleAlerts++
	p.touch(now)
	return true
}

// Close moves an active record to a terminal status. It returns false when
// the record was not active or status is not terminal.
func (p *DriverProgressTracking) Close(status ProgressStatus, now time.Time) bool {
	if !p.IsActive() || status == ProgressActive {
		return false
	}
	p.Status = status
	p.CompletedAt = timePtr(now)
	p.touch(now)
	return true
}

// HadAlerts reports whether any progress alert was emitted.
func (p *DriverProgressTracking) HadAlerts() bool {
	return len(p.Lateness.Alerts) > 0 || len(p.Stopped.Alerts) > 0 || p.GPSStaleAlerts > 0
}

// Clone returns a deep copy.
func (p *DriverProgressTracking) Clone() *DriverProgressTracking {
	c := *p
	c.StartedAt = cloneTime(p.StartedAt)
	if p.LocationHistory != nil {
		c.LocationHistory = append([]LocationSample(nil), p.LocationHistory...)
	}
	if p.CurrentLocation != nil {
		cur := *p.CurrentLocation
		c.CurrentLocation = &cur
	}
	c.Lateness = p.Lateness.clone()
	c.Stopped = p.Stopped.clone()
	c.GPSStaleAt = cloneTime(p.GPSStaleAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}
