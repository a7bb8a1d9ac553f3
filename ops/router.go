// Package ops serves the health probes and the authenticated operations
// endpoints of a running engine.
package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cobrun/tripwatch/auth"
	"github.com/cobrun/tripwatch/health"
	pkghttp "github.com/cobrun/tripwatch/http"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/scheduler"
)

// TaskController is the part of *scheduler.Handle the ops endpoints use.
type TaskController interface {
	Stats() []scheduler.TaskStats
	StopTask(name string) error
}

// Config configures the router.
type Config struct {
	Checker *health.Checker
	Tasks   TaskController
	// JWT validates ops tokens. Without it the /ops routes are not mounted.
	JWT            *auth.JWTManager
	Logger         *logging.Logger
	RequestTimeout time.Duration
}

// NewRouter returns the HTTP handler:
//
//	GET  /healthz                liveness
//	GET  /readyz                 readiness
//	GET  /ops/tasks              task statistics
//	POST /ops/tasks/{name}/stop  stop one task
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(pkghttp.RequestID)
	r.Use(pkghttp.Logger(cfg.Logger))
	r.Use(pkghttp.Recoverer(cfg.Logger))
	r.Use(pkghttp.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", cfg.Checker.LivenessHandler())
	r.Get("/readyz", cfg.Checker.ReadinessHandler())

	if cfg.JWT != nil && cfg.Tasks != nil {
		h := &handler{tasks: cfg.Tasks, logger: cfg.Logger.WithComponent("ops")}
		r.Route("/ops", func(r chi.Router) {
			r.Use(auth.Middleware(cfg.JWT))
			r.Use(auth.RequireRole(auth.RoleOps))

			r.Get("/tasks", h.listTasks)
			r.Post("/tasks/{name}/stop", h.stopTask)
		})
	}
	return r
}

type handler struct {
	tasks  TaskController
	logger *logging.Logger
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	pkghttp.OK(w, h.tasks.Stats())
}

func (h *handler) stopTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.tasks.StopTask(name); err != nil {
		pkghttp.Error(w, err)
		return
	}

	subject := ""
	if claims := auth.GetClaims(r.Context()); claims != nil {
		subject = claims.Subject
	}
	h.logger.Warn("task stopped by operator", "task", name, "subject", subject)
	pkghttp.Accepted(w, map[string]string{"task": name, "status": "stopped"})
}
