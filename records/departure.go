package records

import (
	"time"

	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
)

// DepartureStatus is the state of a departure monitoring record.
type DepartureStatus string

const (
	DepartureMonitoring DepartureStatus = "monitoring"
	DepartureStarted    DepartureStatus = "started"
	DepartureLate       DepartureStatus = "late"
	DepartureArrived    DepartureStatus = "arrived"
	DepartureCompleted  DepartureStatus = "completed"
	DepartureCancelled  DepartureStatus = "cancelled"
	DepartureSkipped    DepartureStatus = "skipped"
)

// IsTerminal reports arrived, completed, cancelled or skipped.
func (s DepartureStatus) IsTerminal() bool {
	switch s {
	case DepartureArrived, DepartureCompleted, DepartureCancelled, DepartureSkipped:
		return true
	}
	return false
}

const (
	SkipReasonTooSoon           = "too_soon"
	SuppressedNavigationStarted = "navigation_started"
)

// ReminderNotice is the five-minute reminder sub-record.
type ReminderNotice struct {
	Sent             bool       `json:"sent"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	Suppressed       bool       `json:"suppressed"`
	SuppressedReason string     `json:"suppressed_reason,omitempty"`
	NotificationID   string     `json:"notification_id,omitempty"`
}

// DepartureNotice is the leave-now alert sub-record.
type DepartureNotice struct {
	Sent           bool       `json:"sent"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	NotificationID string     `json:"notification_id,omitempty"`
}

// LateStartNotice is the late-start escalation sub-record.
type LateStartNotice struct {
	Sent            bool       `json:"sent"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Escalated       bool       `json:"escalated"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	NotificationIDs []string   `json:"notification_ids,omitempty"`
}

// DepartureParams are the inputs to a new departure record.
type DepartureParams struct {
	TripID            string
	DriverID          string
	DriverLocation    geo.Point
	PickupLocation    geo.Point
	ScheduledPickupAt time.Time
	Travel            eta.Estimate
	BufferMinutes     int
	// MinimumLead skips monitoring when pickup is this close or closer.
	MinimumLead time.Duration
}

// TripDepartureMonitoring tells a driver when to leave for a pickup.
type TripDepartureMonitoring struct {
	Meta

	DriverID               string    `json:"driver_id"`
	DriverLocation         geo.Point `json:"driver_location"`
	PickupLocation         geo.Point `json:"pickup_location"`
	ScheduledPickupAt      time.Time `json:"scheduled_pickup_at"`
	TravelMinutes          int       `json:"travel_minutes"`
	EstimationMethod       string    `json:"estimation_method"`
	BufferMinutes          int       `json:"buffer_minutes"`
	RecommendedDepartureAt time.Time `json:"recommended_departure_at"`

	NavigationStarted   bool       `json:"navigation_started"`
	NavigationStartedAt *time.Time `json:"navigation_started_at,omitempty"`

	FiveMinuteReminder ReminderNotice  `json:"five_minute_reminder"`
	DepartureAlert     DepartureNotice `json:"departure_alert"`
	LateStartAlert     LateStartNotice `json:"late_start_alert"`

	Status      DepartureStatus `json:"status"`
	SkipReason  string          `json:"skip_reason,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTripDepartureMonitoring creates a record in monitoring, or skipped
// when pickup is within p.MinimumLead of now.
func NewTripDepartureMonitoring(p DepartureParams, now time.Time) *TripDepartureMonitoring {
	m := &TripDepartureMonitoring{
		Meta:              newMeta(p.TripID, now),
		DriverID:          p.DriverID,
		DriverLocation:    p.DriverLocation,
		PickupLocation:    p.PickupLocation,
		ScheduledPickupAt: p.ScheduledPickupAt,
		TravelMinutes:     p.Travel.Minutes,
		EstimationMethod:  string(p.Travel.Method),
		BufferMinutes:     p.BufferMinutes,
		Status:            DepartureMonitoring,
	}
	m.Recompute()

	if p.ScheduledPickupAt.Sub(now) <= p.MinimumLead {
		m.Status = DepartureSkipped
		m.SkipReason = SkipReasonTooSoon
		m.CompletedAt = timePtr(now)
	}
	return m
}

// IsActive implements Record.
func (m *TripDepartureMonitoring) IsActive() bool {
	return !m.Status.IsTerminal()
}

// Recompute derives RecommendedDepartureAt from pickup, travel and buffer.
func (m *TripDepartureMonitoring) Recompute() {
	m.RecommendedDepartureAt = eta.RecommendedDeparture(m.ScheduledPickupAt, m.TravelMinutes, m.BufferMinutes)
}

// UpdateTravel replaces the travel estimate and recomputes the departure time.
func (m *TripDepartureMonitoring) UpdateTravel(driver geo.Point, travel eta.Estimate, now time.Time) {
	m.DriverLocation = driver
	m.TravelMinutes = travel.Minutes
	m.EstimationMethod = string(travel.Method)
	m.Recompute()
	m.touch(now)
}

// Reassign hands the record to a new driver. Notices sent to the previous
// driver are cleared and the record returns to monitoring.
func (m *TripDepartureMonitoring) Reassign(driverID string, driver geo.Point, travel eta.Estimate, now time.Time) {
	m.DriverID = driverID
	m.NavigationStarted = false
	m.NavigationStartedAt = nil
	m.FiveMinuteReminder = ReminderNotice{}
	m.DepartureAlert = DepartureNotice{}
	m.LateStartAlert = LateStartNotice{}
	m.Status = DepartureMonitoring
	m.UpdateTravel(driver, travel, now)
}

func (m *TripDepartureMonitoring) waiting() bool {
	return m.Status == DepartureMonitoring && !m.NavigationStarted
}

// ReminderDue reports a reminder that should go out lead before departure.
func (m *TripDepartureMonitoring) ReminderDue(now time.Time, lead time.Duration) bool {
	r := m.FiveMinuteReminder
	return m.waiting() && !r.Sent && !r.Suppressed && !now.Before(m.RecommendedDepartureAt.Add(-lead))
}

// MarkReminderSent claims the reminder.
func (m *TripDepartureMonitoring) MarkReminderSent(now time.Time) {
	m.FiveMinuteReminder.Sent = true
	m.FiveMinuteReminder.SentAt = timePtr(now)
	m.touch(now)
}

// DepartureDue reports a leave-now alert that should go out.
func (m *TripDepartureMonitoring) DepartureDue(now time.Time) bool {
	return m.waiting() && !m.DepartureAlert.Sent && !now.Before(m.RecommendedDepartureAt)
}

// MarkDepartureSent claims the leave-now alert.
func (m *TripDepartureMonitoring) MarkDepartureSent(now time.Time) {
	m.DepartureAlert.Sent = true
	m.DepartureAlert.SentAt = timePtr(now)
	m.touch(now)
}

// LateStartDue reports a driver still not moving grace after departure time.
func (m *TripDepartureMonitoring) LateStartDue(now time.Time, grace time.Duration) bool {
	return m.waiting() && !m.LateStartAlert.Escalated && !now.Before(m.RecommendedDepartureAt.Add(grace))
}

// MarkLateStart claims the escalation and moves the record to late.
func (m *TripDepartureMonitoring) MarkLateStart(now time.Time) {
	m.LateStartAlert.Sent = true
	m.LateStartAlert.SentAt = timePtr(now)
	m.LateStartAlert.Escalated = true
	m.LateStartAlert.EscalatedAt = timePtr(now)
	m.Status = DepartureLate
	m.touch(now)
}

// StartNavigation records that the driver set off. An unsent reminder is
// suppressed so it can never be sent afterwards. It returns false when
// navigation had already started or the record is closed.
func (m *TripDepartureMonitoring) StartNavigation(now time.Time) bool {
	if m.NavigationStarted || m.Status.IsTerminal() {
		return false
	}
	m.NavigationStarted = true
	m.NavigationStartedAt = timePtr(now)
	m.Status = DepartureStarted
	if !m.FiveMinuteReminder.Sent {
		m.FiveMinuteReminder.Suppressed = true
		m.FiveMinuteReminder.SuppressedReason = SuppressedNavigationStarted
	}
	m.touch(now)
	return true
}

// StartedOnTime reports whether at is within grace of the recommended departure.
func (m *TripDepartureMonitoring) StartedOnTime(at time.Time, grace time.Duration) bool {
	return !at.After(m.RecommendedDepartureAt.Add(grace))
}

// Complete sets a terminal status. Terminal statuses are sticky.
func (m *TripDepartureMonitoring) Complete(status DepartureStatus, now time.Time) bool {
	if m.Status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	m.Status = status
	m.CompletedAt = timePtr(now)
	m.touch(now)
	return true
}

// HadAlerts reports whether any departure notification went out.
func (m *TripDepartureMonitoring) HadAlerts() bool {
	return m.DepartureAlert.Sent || m.LateStartAlert.Sent
}

// Clone returns a deep copy.
func (m *TripDepartureMonitoring) Clone() *TripDepartureMonitoring {
	c := *m
	c.NavigationStartedAt = cloneTime(m.NavigationStartedAt)
	c.FiveMinuteReminder.SentAt = cloneTime(m.FiveMinuteReminder.SentAt)
	c.DepartureAlert.SentAt = cloneTime(m.DepartureAlert.SentAt)
	c.LateStartAlert.SentAt = cloneTime(m.LateStartAlert.SentAt)
	c.LateStartAlert.EscalatedAt = cloneTime(m.LateStartAlert.EscalatedAt)
	c.LateStartAlert.NotificationIDs = cloneStrings(m.LateStartAlert.NotificationIDs)
	c.CompletedAt = cloneTime(m.CompletedAt)
	return &c
}
