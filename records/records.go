// Package records defines the three monitoring record families kept per
// trip and the state transitions each one allows. Transitions are pure:
// they take the evaluation time and report whether anything changed, and
// persistence is left to the store.
package records

import (
	"time"

	"github.com/google/uuid"
)

// Family names a record collection.
type Family string

const (
	FamilyUnassigned Family = "unassigned_alert"
	FamilyProgress   Family = "progress_tracking"
	FamilyDeparture  Family = "departure_monitoring"
)

// Meta is embedded in every record.
type Meta struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version increases by one on every successful store write.
	Version int64 `json:"version"`
	// ETag is the Cosmos DB document etag, empty for in-memory records.
	ETag string `json:"_etag,omitempty"`
}

// Metadata returns the embedded metadata.
func (m *Meta) Metadata() *Meta {
	return m
}

func newMeta(tripID string, now time.Time) Meta {
	return Meta{
		ID:        uuid.NewString(),
		TripID:    tripID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Meta) touch(now time.Time) {
	m.UpdatedAt = now
}

// Record is implemented by all three record types.
type Record interface {
	Metadata() *Meta
	// IsActive reports a non-terminal status.
	IsActive() bool
}

// ExpiredBefore reports whether r is terminal and was last touched before cutoff.
func ExpiredBefore(r Record, cutoff time.Time) bool {
	return !r.IsActive() && r.Metadata().UpdatedAt.Before(cutoff)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
