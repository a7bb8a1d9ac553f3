package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

var errTest = errors.New("test error")

func newTestBreaker(clock clockz.Clock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "routes",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          5 * time.Second,
		MaxRequests:      2,
		Clock:            clock,
	})
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := newTestBreaker(clockz.NewFakeClock())

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAndBlocks(t *testing.T) {
	cb := newTestBreaker(clockz.NewFakeClock())
	failN(cb, 3)

	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function should not run while open")
	}
	if cb.Metrics().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", cb.Metrics().Rejected)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := clockz.NewFakeClock()
	cb := newTestBreaker(clock)
	failN(cb, 3)

	clock.Advance(3 * time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before timeout: error = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(3 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("first probe error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %s, want half-open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	cb := newTestBreaker(clock)
	failN(cb, 3)

	clock.Advance(6 * time.Second)
	_ = cb.Execute(func() error { return errTest })

	if cb.State() != StateOpen {
		t.Errorf("State() = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb := newTestBreaker(clockz.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_DeadlineCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(clockz.NewFakeClock())

	for i := 0; i < 3; i++ {
		_ = cb.ExecuteWithContext(context.Background(), func(context.Context) error {
			return context.DeadlineExceeded
		})
	}
	if cb.State() != StateOpen {
		t.Errorf("State() = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(clockz.NewFakeClock())
	failN(cb, 3)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []CircuitState
	done := make(chan struct{}, 1)

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "routes",
		FailureThreshold: 1,
		Clock:            clockz.NewFakeClock(),
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	failN(cb, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", transitions)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}

func TestCircuitBreaker_ConcurrentExecution(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("concurrent"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
		}()
	}
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}
