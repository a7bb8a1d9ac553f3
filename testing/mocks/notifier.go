// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/cobrun/tripwatch/notify"
)

// MockNotifier records notification requests.
type MockNotifier struct {
	mu         sync.RWMutex
	requests   []notify.Request
	next       int
	shouldFail bool
	failError  error
}

// NewMockNotifier creates a notifier that accepts every request.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// CreateNotification records req and returns a sequential identifier.
func (m *MockNotifier) CreateNotification(_ context.Context, req notify.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return "", m.failError
	}

	m.next++
	m.requests = append(m.requests, req)
	return fmt.Sprintf("notif-%d", m.next), nil
}

// SetShouldFail makes every request fail with err.
func (m *MockNotifier) SetShouldFail(shouldFail bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = shouldFail
	m.failError = err
}

// RequestsOfType returns accepted requests of type t.
func (m *MockNotifier) RequestsOfType(t notify.Type) []notify.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []notify.Request
	for _, r := range m.requests {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of accepted requests.
func (m *MockNotifier) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountOfType returns the number of accepted requests of type t.
func (m *MockNotifier) CountOfType(t notify.Type) int {
	return len(m.RequestsOfType(t))
}

// Clear forgets recorded requests.
func (m *MockNotifier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}
