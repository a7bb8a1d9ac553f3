// Package scheduler runs the monitors' periodic tasks. Start returns a
// Handle owning every task goroutine; there is no package-level state, so
// several schedulers can coexist in one process (tests do this).
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/telemetry"
)

// Task is a unit of periodic work. Runs of one task never overlap: the
// next run is scheduled Interval after the previous one finished.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Metrics records task runs. *telemetry.MonitorMetrics implements it.
type Metrics interface {
	RecordTaskRun(ctx context.Context, task string, duration time.Duration, err error, panicked bool)
}

// Options configures Start. Every field is optional.
type Options struct {
	Clock   clockz.Clock
	Logger  *logging.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// TaskStats is a snapshot of one task's history.
type TaskStats struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Panics       int64         `json:"panics"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Handle controls the tasks started by Start.
type Handle struct {
	mu      sync.Mutex
	runners map[string]*runner
	order   []string
}

// Start validates tasks and launches one goroutine per task. The tasks stop
// when ctx is cancelled or through the returned Handle.
func Start(ctx context.Context, tasks []Task, opts Options) (*Handle, error) {
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		switch {
		case t.Name == "":
			return nil, apperrors.Validation("task name is required")
		case seen[t.Name]:
			return nil, apperrors.Validation(fmt.Sprintf("duplicate task %q", t.Name))
		case t.Interval <= 0:
			return nil, apperrors.Validation(fmt.Sprintf("task %q needs a positive interval", t.Name))
		case t.Run == nil:
			return nil, apperrors.Validation(fmt.Sprintf("task %q has no run function", t.Name))
		}
		seen[t.Name] = true
	}

	h := &Handle{runners: make(map[string]*runner, len(tasks))}
	for _, t := range tasks {
		taskCtx, cancel := context.WithCancel(ctx)
		r := &runner{
			task:    t,
			clock:   opts.Clock,
			logger:  opts.Logger.WithComponent("scheduler").WithTask(t.Name),
			metrics: opts.Metrics,
			tracer:  opts.Tracer,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		h.runners[t.Name] = r
		h.order = append(h.order, t.Name)
		go r.loop(taskCtx)
	}

	opts.Logger.WithComponent("scheduler").Info("scheduler started", "tasks", len(tasks))
	return h, nil
}

// Stop cancels every task and waits for in-flight runs to return.
func (h *Handle) Stop() {
	h.mu.Lock()
	runners := make([]*runner, 0, len(h.runners))
	for _, r := range h.runners {
		runners = append(runners, r)
	}
	h.mu.Unlock()

	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		<-r.done
	}
}

// StopTask cancels one task and waits for it. It returns a NOT_FOUND error
// for unknown names; stopping a stopped task is a no-op.
func (h *Handle) StopTask(name string) error {
	h.mu.Lock()
	r, ok := h.runners[name]
	h.mu.Unlock()
	if !ok {
		return apperrors.NotFound("task")
	}

	r.cancel()
	<-r.done
	return nil
}

// Running lists the tasks whose goroutine is still live, in start order.
func (h *Handle) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var names []string
	for _, name := range h.order {
		if h.runners[name].alive() {
			names = append(names, name)
		}
	}
	return names
}

// Stats returns a snapshot per task, sorted by name.
func (h *Handle) Stats() []TaskStats {
	h.mu.Lock()
	runners := make([]*runner, 0, len(h.runners))
	for _, r := range h.runners {
		runners = append(runners, r)
	}
	h.mu.Unlock()

	stats := make([]TaskStats, 0, len(runners))
	for _, r := range runners {
		stats = append(stats, r.snapshot())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

type runner struct {
	task    Task
	clock   clockz.Clock
	logger  *logging.Logger
	metrics Metrics
	tracer  trace.Tracer
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	stats TaskStats
}

func (r *runner) loop(ctx context.Context) {
	defer close(r.done)

	if r.task.RunOnStart {
		r.runOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.task.Interval):
			if ctx.Err() != nil {
				return
			}
			r.runOnce(ctx)
		}
	}
}

func (r *runner) runOnce(ctx context.Context) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "task."+r.task.Name,
			trace.WithAttributes(telemetry.TaskAttributes(r.task.Name)...),
		)
		defer span.End()
	}

	started := r.clock.Now()
	panicked, err := r.invoke(ctx)
	duration := r.clock.Since(started)

	if r.metrics != nil {
		r.metrics.RecordTaskRun(ctx, r.task.Name, duration, err, panicked)
	}
	r.record(started, duration, err, panicked)

	switch {
	case panicked:
		telemetry.SetSpanError(ctx, err)
		r.logger.WithError(err).Error("task panicked")
	case err != nil:
		telemetry.SetSpanError(ctx, err)
		r.logger.WithError(err).Warn("task failed", "duration_ms", duration.Milliseconds())
	default:
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Ok, "")
		}
		r.logger.Debug("task completed", "duration_ms", duration.Milliseconds())
	}
}

func (r *runner) invoke(ctx context.Context) (panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			err = apperrors.Internal(fmt.Sprintf("task %s panicked: %v", r.task.Name, rec)).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return false, r.task.Run(ctx)
}

func (r *runner) record(at time.Time, duration time.Duration, err error, panicked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Runs++
	r.stats.LastRunAt = &at
	r.stats.LastDuration = duration
	r.stats.LastError = ""
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
	}
	if panicked {
		r.stats.Panics++
	}
}

func (r *runner) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *runner) snapshot() TaskStats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()

	s.Name = r.task.Name
	s.Interval = r.task.Interval
	s.Running = r.alive()
	if s.LastRunAt != nil {
		at := *s.LastRunAt
		s.LastRunAt = &at
	}
	return s
}
