package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/records"
)

type cloner[T any] interface {
	records.Record
	Clone() T
}

// table is a mutex-guarded map of records keyed by ID. It keeps at most
// one active record per trip.
type table[T cloner[T]] struct {
	name string
	mu   sync.RWMutex
	rows map[string]T
}

func newTable[T cloner[T]](name string) *table[T] {
	return &table[T]{name: name, rows: make(map[string]T)}
}

func (t *table[T]) activeFor(tripID, exceptID string) (T, bool) {
	for id, row := range t.rows {
		if id != exceptID && row.Metadata().TripID == tripID && row.IsActive() {
			return row, true
		}
	}
	var zero T
	return zero, false
}

func (t *table[T]) create(rec T) error {
	meta := rec.Metadata()
	if meta.TripID == "" {
		return apperrors.Validation(t.name + " record has no trip id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if _, exists := t.rows[meta.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("%s %s already exists", t.name, meta.ID))
	}
	if rec.IsActive() {
		if _, exists := t.activeFor(meta.TripID, ""); exists {
			return apperrors.Conflict(fmt.Sprintf("trip %s already has an active %s", meta.TripID, t.name))
		}
	}

	meta.Version = 1
	t.rows[meta.ID] = rec.Clone()
	return nil
}

func (t *table[T]) update(rec T) error {
	meta := rec.Metadata()

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.rows[meta.ID]
	if !ok {
		return apperrors.NotFound(t.name)
	}
	if current.Metadata().Version != meta.Version {
		return apperrors.Conflict(fmt.Sprintf("%s %s was modified concurrently", t.name, meta.ID)).
			WithDetail("trip_id", meta.TripID)
	}
	if rec.IsActive() && !current.IsActive() {
		if _, exists := t.activeFor(meta.TripID, meta.ID); exists {
			return apperrors.Conflict(fmt.Sprintf("trip %s already has an active %s", meta.TripID, t.name))
		}
	}

	meta.Version++
	t.rows[meta.ID] = rec.Clone()
	return nil
}

func (t *table[T]) get(tripID, id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[id]
	if !ok || (tripID != "" && row.Metadata().TripID != tripID) {
		var zero T
		return zero, apperrors.NotFound(t.name)
	}
	return row.Clone(), nil
}

func (t *table[T]) activeForTrip(tripID string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if row, ok := t.activeFor(tripID, ""); ok {
		return row.Clone(), nil
	}
	var zero T
	return zero, apperrors.NotFound(t.name)
}

func (t *table[T]) newestForTrip(tripID string) (T, error) {
	rows := t.list(func(row T) bool { return row.Metadata().TripID == tripID })
	if len(rows) == 0 {
		var zero T
		return zero, apperrors.NotFound(t.name)
	}
	return rows[len(rows)-1], nil
}

// list returns clones of matching rows, oldest first.
func (t *table[T]) list(match func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, 0)
	for _, row := range t.rows {
		if match(row) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Metadata(), out[j].Metadata()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

func (t *table[T]) deleteClosedBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, row := range t.rows {
		if records.ExpiredBefore(row, cutoff) {
			delete(t.rows, id)
			n++
		}
	}
	return n
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// MemoryUnassignedAlerts is an in-process UnassignedAlerts.
type MemoryUnassignedAlerts struct {
	t *table[*records.UnassignedTripAlert]
}

// NewMemoryUnassignedAlerts creates an empty store.
func NewMemoryUnassignedAlerts() *MemoryUnassignedAlerts {
	return &MemoryUnassignedAlerts{t: newTable[*records.UnassignedTripAlert]("unassigned alert")}
}

func (s *MemoryUnassignedAlerts) Create(_ context.Context, a *records.UnassignedTripAlert) error {
	return s.t.create(a)
}

func (s *MemoryUnassignedAlerts) Update(_ context.Context, a *records.UnassignedTripAlert) error {
	return s.t.update(a)
}

func (s *MemoryUnassignedAlerts) Get(_ context.Context, tripID, id string) (*records.UnassignedTripAlert, error) {
	return s.t.get(tripID, id)
}

func (s *MemoryUnassignedAlerts) ActiveForTrip(_ context.Context, tripID string) (*records.UnassignedTripAlert, error) {
	return s.t.activeForTrip(tripID)
}

func (s *MemoryUnassignedAlerts) ListPendingDue(_ context.Context, now time.Time) ([]*records.UnassignedTripAlert, error) {
	return s.t.list(func(a *records.UnassignedTripAlert) bool {
		return a.Status == records.UnassignedPending && !a.ThresholdAt.After(now)
	}), nil
}

func (s *MemoryUnassignedAlerts) ListByStatus(_ context.Context, status records.UnassignedStatus) ([]*records.UnassignedTripAlert, error) {
	return s.t.list(func(a *records.UnassignedTripAlert) bool { return a.Status == status }), nil
}

func (s *MemoryUnassignedAlerts) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(cutoff), nil
}

// Len returns the number of stored alerts.
func (s *MemoryUnassignedAlerts) Len() int { return s.t.len() }

// MemoryProgressTracking is an in-process ProgressTracking.
type MemoryProgressTracking struct {
	t *table[*records.DriverProgressTracking]
}

// NewMemoryProgressTracking creates an empty store.
func NewMemoryProgressTracking() *MemoryProgressTracking {
	return &MemoryProgressTracking{t: newTable[*records.DriverProgressTracking]("progress tracking")}
}

func (s *MemoryProgressTracking) Create(_ context.Context, p *records.DriverProgressTracking) error {
	return s.t.create(p)
}

func (s *MemoryProgressTracking) Update(_ context.Context, p *records.DriverProgressTracking) error {
	return s.t.update(p)
}

func (s *MemoryProgressTracking) Get(_ context.Context, tripID, id string) (*records.DriverProgressTracking, error) {
	return s.t.get(tripID, id)
}

func (s *MemoryProgressTracking) ActiveForTrip(_ context.Context, tripID string) (*records.DriverProgressTracking, error) {
	return s.t.activeForTrip(tripID)
}

func (s *MemoryProgressTracking) ListActive(_ context.Context) ([]*records.DriverProgressTracking, error) {
	return s.t.list(func(p *records.DriverProgressTracking) bool { return p.IsActive() }), nil
}

func (s *MemoryProgressTracking) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(cutoff), nil
}

// Len returns the number of stored records.
func (s *MemoryProgressTracking) Len() int { return s.t.len() }

// MemoryDepartureMonitoring is an in-process DepartureMonitoring.
type MemoryDepartureMonitoring struct {
	t *table[*records.TripDepartureMonitoring]
}

// NewMemoryDepartureMonitoring creates an empty store.
func NewMemoryDepartureMonitoring() *MemoryDepartureMonitoring {
	return &MemoryDepartureMonitoring{t: newTable[*records.TripDepartureMonitoring]("departure monitoring")}
}

func (s *MemoryDepartureMonitoring) Create(_ context.Context, m *records.TripDepartureMonitoring) error {
	return s.t.create(m)
}

func (s *MemoryDepartureMonitoring) Update(_ context.Context, m *records.TripDepartureMonitoring) error {
	return s.t.update(m)
}

func (s *MemoryDepartureMonitoring) Get(_ context.Context, tripID, id string) (*records.TripDepartureMonitoring, error) {
	return s.t.get(tripID, id)
}

func (s *MemoryDepartureMonitoring) ForTrip(_ context.Context, tripID string) (*records.TripDepartureMonitoring, error) {
	return s.t.newestForTrip(tripID)
}

func (s *MemoryDepartureMonitoring) ListByStatus(_ context.Context, status records.DepartureStatus) ([]*records.TripDepartureMonitoring, error) {
	return s.t.list(func(m *records.TripDepartureMonitoring) bool { return m.Status == status }), nil
}

func (s *MemoryDepartureMonitoring) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(cutoff), nil
}

// Len returns the number of stored records.
func (s *MemoryDepartureMonitoring) Len() int { return s.t.len() }

// NewMemoryStores returns in-process stores for all three families.
func NewMemoryStores() Stores {
	return Stores{
		Unassigned: NewMemoryUnassignedAlerts(),
		Progress:   NewMemoryProgressTracking(),
		Departure:  NewMemoryDepartureMonitoring(),
	}
}
