package records

import (
	"time"

	"github.com/cobrun/tripwatch/geo"
)

// UnassignedStatus is the state of an unassigned trip alert.
type UnassignedStatus string

const (
	UnassignedPending   UnassignedStatus = "pending"
	UnassignedAlerting  UnassignedStatus = "alerting"
	UnassignedResolved  UnassignedStatus = "resolved"
	UnassignedCancelled UnassignedStatus = "cancelled"
)

// IsActive reports pending or alerting.
func (s UnassignedStatus) IsActive() bool {
	return s == UnassignedPending || s == UnassignedAlerting
}

// ResolutionReason explains why an unassigned alert closed.
type ResolutionReason string

const (
	ResolutionAssigned  ResolutionReason = "assigned"
	ResolutionCompleted ResolutionReason = "completed"
	ResolutionCancelled ResolutionReason = "cancelled"
	// ResolutionTripMissing closes records whose trip no longer exists.
	ResolutionTripMissing ResolutionReason = "trip_missing"
)

// UnassignedTripAlert tracks a trip that has no driver yet.
type UnassignedTripAlert struct {
	Meta

	ScheduledPickupAt     time.Time `json:"scheduled_pickup_at"`
	ThresholdAt           time.Time `json:"threshold_at"`
	DriveMinutesFromDepot int       `json:"drive_minutes_from_depot"`
	EstimationMethod      string    `json:"estimation_method"`
	DepotID               string    `json:"depot_id,omitempty"`
	DepotLocation         geo.Point `json:"depot_location"`

	FirstAlertSent   bool       `json:"first_alert_sent"`
	FirstAlertSentAt *time.Time `json:"first_alert_sent_at,omitempty"`
	LastAlertAt      *time.Time `json:"last_alert_at,omitempty"`
	FollowUpCount    int        `json:"follow_up_count"`
	IsEscalated      bool       `json:"is_escalated"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`

	Status           UnassignedStatus `json:"status"`
	ResolutionReason ResolutionReason `json:"resolution_reason,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	NotificationIDs  []string         `json:"notification_ids,omitempty"`
}

// NewUnassignedTripAlert creates a pending alert.
func NewUnassignedTripAlert(tripID string, pickupAt, thresholdAt time.Time, driveMinutes int, method string, depot geo.Depot, now time.Time) *UnassignedTripAlert {
	return &UnassignedTripAlert{
		Meta:                  newMeta(tripID, now),
		ScheduledPickupAt:     pickupAt,
		ThresholdAt:           thresholdAt,
		DriveMinutesFromDepot: driveMinutes,
		EstimationMethod:      method,
		DepotID:               depot.ID,
		DepotLocation:         depot.Location,
		Status:                UnassignedPending,
	}
}

// IsActive implements Record.
func (a *UnassignedTripAlert) IsActive() bool {
	return a.Status.IsActive()
}

// TotalAlerts counts the first alert and every follow-up.
func (a *UnassignedTripAlert) TotalAlerts() int {
	n := a.FollowUpCount
	if a.FirstAlertSent {
		n++
	}
	return n
}

// FirstAlertDue reports a pending alert whose threshold has passed.
func (a *UnassignedTripAlert) FirstAlertDue(now time.Time) bool {
	return a.Status == UnassignedPending && !a.FirstAlertSent && !now.Before(a.ThresholdAt)
}

// FollowUpDue reports an alerting record whose last alert is at least gap old.
func (a *UnassignedTripAlert) FollowUpDue(now time.Time, gap time.Duration) bool {
	if a.Status != UnassignedAlerting || a.LastAlertAt == nil {
		return false
	}
	return now.Sub(*a.LastAlertAt) >= gap
}

// MarkFirstAlert moves pending to alerting.
func (a *UnassignedTripAlert) MarkFirstAlert(now time.Time) bool {
	if !a.FirstAlertDue(now) {
		return false
	}
	a.Status = UnassignedAlerting
	a.FirstAlertSent = true
	a.FirstAlertSentAt = timePtr(now)
	a.LastAlertAt = timePtr(now)
	a.touch(now)
	return true
}

// RecordFollowUp counts a follow-up and restarts the gap.
func (a *UnassignedTripAlert) RecordFollowUp(now time.Time) {
	a.FollowUpCount++
	a.LastAlertAt = timePtr(now)
	a.touch(now)
}

// MarkEscalated flags the record as escalated. It returns false when it
// already was.
func (a *UnassignedTripAlert) MarkEscalated(now time.Time) bool {
	if a.IsEscalated {
		return false
	}
	a.IsEscalated = true
	a.EscalatedAt = timePtr(now)
	a.touch(now)
	return true
}

// AddNotification remembers a notification issued for this record.
func (a *UnassignedTripAlert) AddNotification(id string) {
	if id != "" {
		a.NotificationIDs = append(a.NotificationIDs, id)
	}
}

// Resolve closes an active record. Cancellation yields cancelled, any
// other reason resolved. It returns false when the record was already closed.
func (a *UnassignedTripAlert) Resolve(reason ResolutionReason, now time.Time) bool {
	if !a.IsActive() {
		return false
	}
	if reason == ResolutionCancelled {
		a.Status = UnassignedCancelled
	} else {
		a.Status = UnassignedResolved
	}
	a.ResolutionReason = reason
	a.ResolvedAt = timePtr(now)
	a.touch(now)
	return true
}

// Clone returns a deep copy.
func (a *UnassignedTripAlert) Clone() *UnassignedTripAlert {
	c := *a
	c.FirstAlertSentAt = cloneTime(a.FirstAlertSentAt)
	c.LastAlertAt = cloneTime(a.LastAlertAt)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.NotificationIDs = cloneStrings(a.NotificationIDs)
	return &c
}
