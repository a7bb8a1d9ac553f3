// Package bootstrap assembles the monitoring engine from configuration:
// connections, stores, the travel-time calculator, the notifier, the three
// monitors, the lifecycle consumer and the health/ops server.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/auth"
	"github.com/cobrun/tripwatch/clients"
	"github.com/cobrun/tripwatch/config"
	"github.com/cobrun/tripwatch/database"
	"github.com/cobrun/tripwatch/database/cosmosdb"
	"github.com/cobrun/tripwatch/departure"
	"github.com/cobrun/tripwatch/eta"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/health"
	"github.com/cobrun/tripwatch/hooks"
	pkghttp "github.com/cobrun/tripwatch/http"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/maps"
	"github.com/cobrun/tripwatch/messaging"
	"github.com/cobrun/tripwatch/notify"
	"github.com/cobrun/tripwatch/ops"
	"github.com/cobrun/tripwatch/progress"
	"github.com/cobrun/tripwatch/resilience"
	"github.com/cobrun/tripwatch/scheduler"
	"github.com/cobrun/tripwatch/store"
	"github.com/cobrun/tripwatch/telemetry"
	"github.com/cobrun/tripwatch/trips"
	"github.com/cobrun/tripwatch/unassigned"
)

// TaskRefreshDepots reloads the depot index.
const TaskRefreshDepots = "depots.refresh"

const depotRefreshInterval = 15 * time.Minute

// Service holds every initialized component of the engine.
type Service struct {
	Config      *config.Config
	Logger      *logging.Logger
	Connections *database.Connections
	Stores      store.Stores
	Trips       trips.Reader
	Depots      *trips.DepotLocator
	ETA         *eta.Calculator
	Notifier    notify.Notifier

	Unassigned *unassigned.Monitor
	Progress   *progress.Tracker
	Departure  *departure.Monitor
	Lifecycle  *hooks.Lifecycle
	Checker    *health.Checker

	clock    clockz.Clock
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *telemetry.MonitorMetrics
	jwt      *auth.JWTManager
	consumer *hooks.Consumer
	closers  []func(context.Context) error
}

// Options configures Initialize.
type Options struct {
	// RunMigrations provisions the Cosmos containers and applies the SQL
	// depot migrations before anything else starts.
	RunMigrations bool

	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
}

// DefaultOptions returns the options used by cmd/tripwatch.
func DefaultOptions() Options {
	return Options{RunMigrations: true}
}

// Initialize loads configuration for serviceName and builds the engine.
// Outside development a Cosmos DB endpoint is required; in development the
// record stores and the trip reader fall back to memory.
func Initialize(ctx context.Context, serviceName string, opts Options) (*Service, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(ctx, cfg, opts)
}

// New builds the engine from an already loaded configuration. On error every
// resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}

	logger := logging.NewLogger(cfg.LogLevel).WithService(cfg.ServiceName).With("environment", cfg.Environment)
	logger.Info("starting service", "version", cfg.Version, "key_vault", valueOrNone(cfg.KeyVaultName))

	s := &Service{Config: cfg, Logger: logger, clock: opts.Clock}

	if err := s.build(ctx, opts); err != nil {
		s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, opts Options) error {
	cfg := s.Config

	if err := s.initTelemetry(ctx); err != nil {
		return err
	}

	conns, err := database.NewConnections(ctx, database.ConnectionConfigFromConfig(cfg), s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create database connections: %w", err)
	}
	s.Connections = conns
	s.onClose(func(context.Context) error {
		conns.Close()
		return nil
	})

	if opts.RunMigrations {
		if err := conns.InitializeAll(ctx, trips.Migrations, trips.MigrationsDir); err != nil {
			return err
		}
	}

	if err := s.initStores(); err != nil {
		return err
	}

	var depotSource trips.DepotSource
	if conns.SQL != nil {
		depotSource = trips.NewSQLDepotRepository(conns.SQL)
	}
	s.Depots = trips.NewDepotLocator(depotSource,
		geo.Point{Lat: cfg.Monitor.DefaultDepotLat, Lng: cfg.Monitor.DefaultDepotLng}, s.Logger)

	s.ETA = eta.NewCalculator(s.routeProvider(), eta.Config{
		ProviderTimeout: cfg.Monitor.ProviderTimeout,
		Breaker:         resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("routes")),
		Metrics:         s.metrics,
		Logger:          s.Logger,
	})

	s.jwt = auth.NewJWTManager(auth.JWTConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Clock:    s.clock,
	})

	if err := s.initNotifier(); err != nil {
		return err
	}

	s.initMonitors()

	if err := s.initConsumer(); err != nil {
		return err
	}

	s.initHealth()
	return nil
}

func (s *Service) initTelemetry(ctx context.Context) error {
	cfg := s.Config
	tcfg := telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRate:     0.1,
		Insecure:       cfg.IsDevelopment(),
	}
	if cfg.IsDevelopment() {
		tcfg.SampleRate = 1.0
	}

	tracing, err := telemetry.NewTracingProvider(ctx, tcfg)
	if err != nil {
		return err
	}
	s.onClose(tracing.Shutdown)
	s.tracer = tracing.Tracer()

	meters, err := telemetry.NewMetricsProvider(ctx, tcfg)
	if err != nil {
		return err
	}
	s.onClose(meters.Shutdown)

	s.meter = meters.Meter()
	s.metrics, err = telemetry.NewMonitorMetrics(s.meter)
	if err != nil {
		return err
	}
	return nil
}

func (s *Service) initStores() error {
	conns := s.Connections

	if conns.Cosmos == nil {
		if !s.Config.IsDevelopment() {
			return fmt.Errorf("cosmos db endpoint is required in %s", s.Config.Environment)
		}
		s.Logger.Warn("no cosmos db configured, using in-memory stores")
		s.Stores = store.NewMemoryStores()
		s.Trips = trips.NewMemoryReader()
		return nil
	}

	opts := store.CosmosOptions{Tracer: s.tracer}
	if dbMetrics, err := telemetry.NewDatabaseMetrics(s.meter, "cosmosdb"); err == nil {
		opts.Metrics = dbMetrics
	} else {
		s.Logger.WithError(err).Warn("database metrics disabled")
	}

	stores, err := store.NewCosmosStores(store.CosmosContainers(conns.Cosmos), opts)
	if err != nil {
		return fmt.Errorf("failed to open record containers: %w", err)
	}
	s.Stores = stores

	tripsContainer, err := conns.Cosmos.Container(cosmosdb.TripsContainer)
	if err != nil {
		return err
	}
	locations, err := conns.Cosmos.Container(cosmosdb.DriverLocationsContainer)
	if err != nil {
		return err
	}
	s.Trips = trips.NewCosmosReader(tripsContainer, locations, s.tracer)
	return nil
}

// routeProvider returns the Routes API provider, or nil when no key is
// configured and every estimate falls back to distance.
func (s *Service) routeProvider() eta.Provider {
	if s.Config.GoogleMapsAPIKey == "" {
		s.Logger.Warn("no routes api key configured, using distance estimates")
		return nil
	}

	var (
		cache   maps.Cache = maps.NewInMemoryCache()
		limiter maps.RateLimiter
	)
	if s.Connections.Redis != nil {
		cache = maps.NewRedisCache(s.Connections.Redis.Client(), "tripwatch:routes:")
		limiter = maps.NewRedisRateLimiter(s.Connections.Redis.Client(), maps.DefaultRateLimiterConfig())
	}

	client := maps.NewClient(maps.DefaultConfig(s.Config.GoogleMapsAPIKey), s.Logger.WithComponent("maps"),
		s.tracer, cache, limiter)
	return eta.NewMapsProvider(client)
}

// initNotifier prefers the Service Bus queue, then the notification service
// over HTTP, and logs requests when neither is configured.
func (s *Service) initNotifier() error {
	cfg := s.Config

	var base notify.Notifier
	switch {
	case cfg.ServiceBusNS != "":
		sb, err := messaging.NewServiceBusClient(messaging.ServiceBusConfig{Namespace: cfg.ServiceBusNS})
		if err != nil {
			return err
		}
		s.onClose(sb.Close)

		publisher, err := sb.NewQueuePublisher(cfg.NotificationQueue)
		if err != nil {
			return err
		}
		s.onClose(publisher.Close)

		base = notify.NewQueueNotifier(publisher, cfg.NotificationQueue, s.tracer)
		s.Logger.Info("notifications via service bus", "queue", cfg.NotificationQueue)

	case cfg.NotificationServiceURL != "":
		clientCfg := clients.DefaultNotificationClientConfig(cfg.NotificationServiceURL)
		clientCfg.Authorizer = auth.NewServiceTokenSource(s.jwt, cfg.ServiceName, auth.RoleNotifier)
		base = notify.NewClientNotifier(clients.NewNotificationClient(clientCfg))
		s.Logger.Info("notifications via notification service", "url", cfg.NotificationServiceURL)

	default:
		if !cfg.IsDevelopment() {
			return fmt.Errorf("no notification transport configured in %s", cfg.Environment)
		}
		base = notify.NewLogNotifier(s.Logger)
		s.Logger.Warn("no notification transport configured, notifications are only logged")
	}

	s.Notifier = notify.Instrument(base, s.metrics, s.tracer, s.Logger)
	return nil
}

func (s *Service) initMonitors() {
	cfg := s.Config

	insights := logging.NewAppInsightsClient(cfg.AppInsightsKey)
	s.onClose(func(context.Context) error {
		insights.Close()
		return nil
	})

	auditCfg := logging.AuditLoggerConfig{
		ServiceName: cfg.ServiceName,
		Logger:      s.Logger,
		Now:         s.clock.Now,
	}
	if insights != nil {
		auditCfg.Tracker = insights
	}
	audit := logging.NewAuditLogger(auditCfg)

	s.Unassigned = unassigned.NewMonitor(unassigned.Deps{
		Alerts:   s.Stores.Unassigned,
		Trips:    s.Trips,
		Depots:   s.Depots,
		ETA:      s.ETA,
		Notifier: s.Notifier,
		Clock:    s.clock,
		Logger:   s.Logger,
		Audit:    audit,
		Metrics:  s.metrics,
	}, cfg.Monitor)

	s.Progress = progress.NewTracker(progress.Deps{
		Progress: s.Stores.Progress,
		Trips:    s.Trips,
		ETA:      s.ETA,
		Notifier: s.Notifier,
		Clock:    s.clock,
		Logger:   s.Logger,
		Audit:    audit,
		Metrics:  s.metrics,
	}, cfg.Monitor)

	s.Departure = departure.NewMonitor(departure.Deps{
		Departures: s.Stores.Departure,
		ETA:        s.ETA,
		Notifier:   s.Notifier,
		Clock:      s.clock,
		Logger:     s.Logger,
		Audit:      audit,
		Metrics:    s.metrics,
	}, cfg.Monitor)

	s.Lifecycle = hooks.NewLifecycle(hooks.Deps{
		Unassigned: s.Unassigned,
		Progress:   s.Progress,
		Departure:  s.Departure,
		Trips:      s.Trips,
		Notifier:   s.Notifier,
		Clock:      s.clock,
		Logger:     s.Logger,
	}, cfg.Monitor)
}

func (s *Service) initConsumer() error {
	cfg := s.Config
	if cfg.EventHubsNS == "" {
		s.Logger.Warn("no event hubs namespace configured, lifecycle events are not consumed")
		return nil
	}

	source, err := messaging.NewEventHubsConsumer(messaging.EventHubsConsumerConfig{
		Namespace:            cfg.EventHubsNS,
		EventHubName:         cfg.TripEventsHub,
		ConsumerGroup:        cfg.ConsumerGroup,
		StorageContainerURL:  cfg.CheckpointStoreURL,
		StorageContainerName: cfg.CheckpointContainer,
	}, s.Logger)
	if err != nil {
		return err
	}
	s.onClose(source.Close)

	s.consumer = hooks.NewConsumer(source, s.Lifecycle, s.Logger)
	return nil
}

func (s *Service) initHealth() {
	s.Checker = health.NewChecker(s.Config.Version)

	conns := s.Connections
	if conns.Cosmos != nil {
		s.Checker.AddCheck("cosmos", health.PingCheck(conns.Cosmos), true)
	}
	if conns.SQL != nil {
		s.Checker.AddCheck("sql", health.PingCheck(conns.SQL), false)
	}
	if conns.Redis != nil {
		s.Checker.AddCheck("redis", health.PingCheck(conns.Redis), false)
	}
	s.Checker.AddCheck("depots", health.LoadedCheck("depots", s.Depots.Loaded), false)
}

// Tasks returns every periodic task of the engine.
func (s *Service) Tasks() []scheduler.Task {
	var tasks []scheduler.Task
	tasks = append(tasks, s.Unassigned.Tasks()...)
	tasks = append(tasks, s.Progress.Tasks()...)
	tasks = append(tasks, s.Departure.Tasks()...)
	tasks = append(tasks, scheduler.Task{
		Name:       TaskRefreshDepots,
		Interval:   depotRefreshInterval,
		RunOnStart: true,
		Run:        s.Depots.Refresh,
	})
	return tasks
}

// Run starts the scheduler, the lifecycle consumer and the health/ops
// server, and blocks until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := s.Tasks()
	handle, err := scheduler.Start(ctx, tasks, scheduler.Options{
		Clock:   s.clock,
		Logger:  s.Logger,
		Metrics: s.metrics,
		Tracer:  s.tracer,
	})
	if err != nil {
		return err
	}
	defer handle.Stop()

	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	s.Checker.AddCheck("scheduler", health.SchedulerCheck(handle, names), false)

	router := ops.NewRouter(ops.Config{
		Checker: s.Checker,
		Tasks:   handle,
		JWT:     s.jwt,
		Logger:  s.Logger,
	})
	server := pkghttp.NewServer(pkghttp.ServerConfig{
		Port:         s.Config.Port,
		ReadTimeout:  s.Config.ReadTimeout,
		WriteTimeout: s.Config.WriteTimeout,
		IdleTimeout:  pkghttp.DefaultServerConfig().IdleTimeout,
	}, router, s.Logger)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("http", server.Run)
	if s.consumer != nil {
		start("consumer", s.consumer.Run)
	}

	wg.Wait()
	close(errs)
	return <-errs
}

// Close releases every resource in reverse order of acquisition.
func (s *Service) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.WithError(err).Warn("close failed")
		}
	}
	s.closers = nil
}

func (s *Service) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none - using env vars)"
	}
	return s
}
