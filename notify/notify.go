// Package notify is the boundary to the notification delivery subsystem.
// The monitors decide what to send and when; a Notifier only hands the
// request over and returns an identifier for the record that caused it.
package notify

import (
	"context"
	"time"

	"github.com/cobrun/tripwatch/validation"
)

// Priority is the urgency of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Recipient roles.
const (
	RoleDispatch   = "dispatch"
	RoleSupervisor = "supervisor"
)

// Type names what a notification is about.
type Type string

const (
	TypeUnassignedTrip       Type = "unassigned_trip_alert"
	TypeUnassignedFollowUp   Type = "unassigned_trip_follow_up"
	TypeUnassignedEscalation Type = "unassigned_trip_escalation"

	TypeDriverLate       Type = "driver_running_late"
	TypeDriverLateNotice Type = "running_late_notice"
	TypeDriverStopped    Type = "driver_stopped"
	TypeWelfareCheck     Type = "driver_welfare_check"
	TypeGPSStale         Type = "gps_signal_lost"
	TypeGPSCheck         Type = "gps_check"

	TypeDepartureReminder Type = "departure_reminder"
	TypeDepartureAlert    Type = "departure_alert"
	TypeLateStart         Type = "late_start_escalation"
	TypeLateStartDriver   Type = "late_start_driver"

	TypeDriverAssigned Type = "trip_driver_assigned"
	TypeTripCompleted  Type = "trip_completed"
	TypeTripCancelled  Type = "trip_cancelled"
)

// Request is one notification request. Exactly one of RecipientID and
// RecipientRole is set.
type Request struct {
	RecipientID   string            `json:"recipient_id,omitempty" validate:"required_without=RecipientRole,excluded_with=RecipientRole"`
	RecipientRole string            `json:"recipient_role,omitempty" validate:"omitempty,recipient_role"`
	Type          Type              `json:"type" validate:"required"`
	Title         string            `json:"title" validate:"required,max=120"`
	Message       string            `json:"message" validate:"required,max=1000"`
	Priority      Priority          `json:"priority" validate:"priority"`
	RelatedData   map[string]string `json:"related_data,omitempty"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	return validation.Check(r)
}

// TripID returns the trip the request relates to, if any.
func (r Request) TripID() string {
	return r.RelatedData["trip_id"]
}

// Notifier requests delivery of a notification and returns its identifier.
type Notifier interface {
	CreateNotification(ctx context.Context, req Request) (string, error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req Request) (string, error)

// CreateNotification calls f.
func (f NotifierFunc) CreateNotification(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// PriorityForTimeToPickup escalates as pickup approaches: under 30 minutes
// urgent, under 60 high, otherwise medium.
func PriorityForTimeToPickup(untilPickup time.Duration) Priority {
	switch {
	case untilPickup < 30*time.Minute:
		return PriorityUrgent
	case untilPickup < 60*time.Minute:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// PriorityForLateness scales with minutes late: over 15 urgent, over 5
// high, otherwise medium.
func PriorityForLateness(minutesLate int) Priority {
	switch {
	case minutesLate > 15:
		return PriorityUrgent
	case minutesLate > 5:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}
