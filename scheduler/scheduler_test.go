package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	apperrors "github.com/cobrun/tripwatch/errors"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statsFor(h *Handle, name string) TaskStats {
	for _, s := range h.Stats() {
		if s.Name == name {
			return s
		}
	}
	return TaskStats{}
}

type recordingMetrics struct {
	mu     sync.Mutex
	runs   int
	errs   int
	panics int
}

func (m *recordingMetrics) RecordTaskRun(_ context.Context, _ string, _ time.Duration, err error, panicked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	if err != nil {
		m.errs++
	}
	if panicked {
		m.panics++
	}
}

func TestStart_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name  string
		tasks []Task
	}{
		{"missing name", []Task{{Interval: time.Second, Run: noop}}},
		{"zero interval", []Task{{Name: "a", Run: noop}}},
		{"missing run", []Task{{Name: "a", Interval: time.Second}}},
		{"duplicate", []Task{{Name: "a", Interval: time.Second, Run: noop}, {Name: "a", Interval: time.Second, Run: noop}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Start(context.Background(), tt.tasks, Options{})
			if err == nil {
				h.Stop()
				t.Fatal("expected error")
			}
			if !apperrors.IsValidation(err) {
				t.Errorf("error code = %s, want VALIDATION_ERROR", apperrors.Code(err))
			}
		})
	}
}

func TestHandle_RunsPeriodically(t *testing.T) {
	var runs atomic.Int32
	metrics := &recordingMetrics{}

	h, err := Start(context.Background(), []Task{{
		Name:       "tick",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}, Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	waitFor(t, "three runs", func() bool { return runs.Load() >= 3 })

	s := statsFor(h, "tick")
	if s.Runs < 3 || s.Failures != 0 || s.LastRunAt == nil || !s.Running {
		t.Errorf("stats = %+v", s)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.runs < 3 {
		t.Errorf("metrics recorded %d runs", metrics.runs)
	}
}

func TestHandle_RunsNeverOverlap(t *testing.T) {
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		runs     atomic.Int32
	)

	h, err := Start(context.Background(), []Task{{
		Name:       "slow",
		Interval:   time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			runs.Add(1)
			return nil
		},
	}}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "several runs", func() bool { return runs.Load() >= 3 })
	h.Stop()

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxSeen.Load())
	}
}

func TestHandle_FailuresAndPanicsAreContained(t *testing.T) {
	var (
		failing  atomic.Int32
		panicky  atomic.Int32
		healthy  atomic.Int32
		metrics  = &recordingMetrics{}
		interval = 5 * time.Millisecond
	)

	h, err := Start(context.Background(), []Task{
		{Name: "failing", Interval: interval, RunOnStart: true, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("store unavailable")
		}},
		{Name: "panicky", Interval: interval, RunOnStart: true, Run: func(context.Context) error {
			panicky.Add(1)
			panic("nil record")
		}},
		{Name: "healthy", Interval: interval, RunOnStart: true, Run: func(context.Context) error {
			healthy.Add(1)
			return nil
		}},
	}, Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	waitFor(t, "every task to run repeatedly", func() bool {
		return failing.Load() >= 2 && panicky.Load() >= 2 && healthy.Load() >= 2
	})

	if s := statsFor(h, "failing"); s.Failures < 2 || s.LastError == "" {
		t.Errorf("failing stats = %+v", s)
	}
	if s := statsFor(h, "panicky"); s.Panics < 2 || !s.Running {
		t.Errorf("panicky stats = %+v", s)
	}
	if s := statsFor(h, "healthy"); s.Failures != 0 {
		t.Errorf("healthy stats = %+v", s)
	}
}

func TestHandle_StopTask(t *testing.T) {
	var a, b atomic.Int32
	h, err := Start(context.Background(), []Task{
		{Name: "a", Interval: 2 * time.Millisecond, Run: func(context.Context) error { a.Add(1); return nil }},
		{Name: "b", Interval: 2 * time.Millisecond, Run: func(context.Context) error { b.Add(1); return nil }},
	}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	if err := h.StopTask("a"); err != nil {
		t.Fatalf("StopTask() error = %v", err)
	}
	if err := h.StopTask("a"); err != nil {
		t.Errorf("second StopTask() error = %v", err)
	}
	if err := h.StopTask("missing"); !apperrors.IsNotFound(err) {
		t.Errorf("StopTask(missing) error = %v, want NOT_FOUND", err)
	}

	stoppedAt := a.Load()
	waitFor(t, "b to keep running", func() bool { return b.Load() >= 3 })
	if a.Load() != stoppedAt {
		t.Errorf("stopped task ran again: %d -> %d", stoppedAt, a.Load())
	}

	running := h.Running()
	if len(running) != 1 || running[0] != "b" {
		t.Errorf("Running() = %v, want [b]", running)
	}
}

func TestHandle_StopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	h, err := Start(context.Background(), []Task{{
		Name:       "long",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	}}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-started
	h.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
	if len(h.Running()) != 0 {
		t.Errorf("Running() after Stop = %v", h.Running())
	}
}

func TestHandle_ParentContextStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := Start(ctx, []Task{{
		Name:     "a",
		Interval: time.Hour,
		Run:      func(context.Context) error { return nil },
	}}, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancel()
	waitFor(t, "task to exit", func() bool { return len(h.Running()) == 0 })
}

func TestHandle_WaitsForIntervalOnFakeClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	var runs atomic.Int32

	h, err := Start(context.Background(), []Task{{
		Name:     "discover",
		Interval: time.Minute,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}}, Options{Clock: clock})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("task ran before its interval elapsed")
	}

	waitFor(t, "run after advancing the clock", func() bool {
		clock.Advance(time.Minute)
		clock.BlockUntilReady()
		return runs.Load() >= 1
	})
}
