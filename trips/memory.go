package trips

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/geo"
)

// MemoryReader is an in-process Reader for development and tests. Callers
// mutate trips through its setters; reads return copies.
type MemoryReader struct {
	mu        sync.RWMutex
	trips     map[string]Trip
	locations map[string]geo.Point
}

// NewMemoryReader creates an empty reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{
		trips:     make(map[string]Trip),
		locations: make(map[string]geo.Point),
	}
}

// Put inserts or replaces a trip.
func (m *MemoryReader) Put(t Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
}

// Update applies fn to a stored trip.
func (m *MemoryReader) Update(tripID string, fn func(*Trip)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return apperrors.NotFound("trip")
	}
	fn(&t)
	m.trips[tripID] = t
	return nil
}

// Delete removes a trip.
func (m *MemoryReader) Delete(tripID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trips, tripID)
}

// SetDriverLocation records a driver's position.
func (m *MemoryReader) SetDriverLocation(driverID string, p geo.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[driverID] = p
}

// Get implements Reader.
func (m *MemoryReader) Get(_ context.Context, tripID string) (*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, apperrors.NotFound("trip")
	}
	return &t, nil
}

// ListUnassigned implements Reader.
func (m *MemoryReader) ListUnassigned(_ context.Context, now time.Time) ([]*Trip, error) {
	return m.list(func(t *Trip) bool { return t.NeedsDriver(now) }), nil
}

// ListInProgress implements Reader.
func (m *MemoryReader) ListInProgress(context.Context) ([]*Trip, error) {
	return m.list(func(t *Trip) bool { return t.Status == StatusInProgress && t.HasDriver() }), nil
}

// DriverLocation implements Reader.
func (m *MemoryReader) DriverLocation(_ context.Context, driverID string) (geo.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.locations[driverID]
	if !ok {
		return geo.Point{}, apperrors.NotFound("driver location")
	}
	return p, nil
}

func (m *MemoryReader) list(keep func(*Trip) bool) []*Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trip
	for _, t := range m.trips {
		t := t
		if keep(&t) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledPickupAt.Before(out[j].ScheduledPickupAt)
	})
	return out
}
