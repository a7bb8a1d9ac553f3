package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/database"
	"github.com/cobrun/tripwatch/database/cosmosdb"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/telemetry"
)

// Container names. Every container is partitioned by /trip_id.
const (
	UnassignedAlertsContainer    = cosmosdb.UnassignedAlertsContainer
	ProgressTrackingContainer    = cosmosdb.ProgressTrackingContainer
	DepartureMonitoringContainer = cosmosdb.DepartureMonitoringContainer
)

// Container is the subset of *database.CosmosContainer the stores use.
type Container interface {
	Name() string
	Create(ctx context.Context, partitionKey string, item any) (string, error)
	Read(ctx context.Context, partitionKey, id string, result any) (string, error)
	Replace(ctx context.Context, partitionKey, id string, item any, etag string) (string, error)
	Delete(ctx context.Context, partitionKey, id string) error
	Query(ctx context.Context, partitionKey, query string, params []database.QueryParam, results any) error
}

// CosmosOptions carries optional instrumentation for the Cosmos stores.
type CosmosOptions struct {
	Tracer  trace.Tracer
	Metrics *telemetry.DatabaseMetrics
}

// cosmosTable maps records onto a container. Updates are conditional on
// the etag read with the record. The active-record check in create is a
// read followed by a write, so two concurrent creators can both pass it.
type cosmosTable[T cloner[T]] struct {
	c       Container
	name    string
	active  []string
	closed  []string
	tracer  trace.Tracer
	metrics *telemetry.DatabaseMetrics
}

func newCosmosTable[T cloner[T]](c Container, name string, active, closed []string, opts CosmosOptions) *cosmosTable[T] {
	return &cosmosTable[T]{
		c:       c,
		name:    name,
		active:  active,
		closed:  closed,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
}

func (t *cosmosTable[T]) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := telemetry.WrapDatabaseOperation(ctx, t.tracer, "cosmosdb", op, t.c.Name(), fn)
	t.metrics.RecordOperation(ctx, op, time.Since(start), err)
	return err
}

func (t *cosmosTable[T]) create(ctx context.Context, rec T) error {
	meta := rec.Metadata()
	if meta.TripID == "" || meta.ID == "" {
		return apperrors.Validation(t.name + " record needs an id and a trip id")
	}

	if rec.IsActive() {
		_, err := t.activeForTrip(ctx, meta.TripID)
		if err == nil {
			return apperrors.Conflict(fmt.Sprintf("trip %s already has an active %s", meta.TripID, t.name))
		}
		if !apperrors.IsNotFound(err) {
			return err
		}
	}

	doc := rec.Clone()
	doc.Metadata().Version = 1
	doc.Metadata().ETag = ""

	var etag string
	err := t.do(ctx, "create", func(ctx context.Context) error {
		var err error
		etag, err = t.c.Create(ctx, meta.TripID, doc)
		return err
	})
	if err != nil {
		return err
	}

	meta.Version = 1
	meta.ETag = etag
	return nil
}

func (t *cosmosTable[T]) update(ctx context.Context, rec T) error {
	meta := rec.Metadata()

	etag := meta.ETag
	if etag == "" {
		current, err := t.get(ctx, meta.TripID, meta.ID)
		if err != nil {
			return err
		}
		if current.Metadata().Version != meta.Version {
			return apperrors.Conflict(fmt.Sprintf("%s %s was modified concurrently", t.name, meta.ID))
		}
		etag = current.Metadata().ETag
	}

	doc := rec.Clone()
	doc.Metadata().Version = meta.Version + 1
	doc.Metadata().ETag = ""

	var newTag string
	err := t.do(ctx, "replace", func(ctx context.Context) error {
		var err error
		newTag, err = t.c.Replace(ctx, meta.TripID, meta.ID, doc, etag)
		return err
	})
	if err != nil {
		return err
	}

	meta.Version++
	meta.ETag = newTag
	return nil
}

func (t *cosmosTable[T]) get(ctx context.Context, tripID, id string) (T, error) {
	var rec T
	err := t.do(ctx, "read", func(ctx context.Context) error {
		etag, err := t.c.Read(ctx, tripID, id, &rec)
		if err != nil {
			return err
		}
		rec.Metadata().ETag = etag
		return nil
	})
	return rec, err
}

func (t *cosmosTable[T]) query(ctx context.Context, partitionKey, query string, params ...database.QueryParam) ([]T, error) {
	var out []T
	err := t.do(ctx, "query", func(ctx context.Context) error {
		return t.c.Query(ctx, partitionKey, query, params, &out)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata().CreatedAt.Before(out[j].Metadata().CreatedAt)
	})
	return out, nil
}

func (t *cosmosTable[T]) activeForTrip(ctx context.Context, tripID string) (T, error) {
	rows, err := t.query(ctx, tripID,
		"SELECT * FROM c WHERE c.trip_id = @trip_id AND ARRAY_CONTAINS(@statuses, c.status)",
		database.QueryParam{Name: "@trip_id", Value: tripID},
		database.QueryParam{Name: "@statuses", Value: t.active},
	)
	var zero T
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, apperrors.NotFound(t.name)
	}
	return rows[len(rows)-1], nil
}

func (t *cosmosTable[T]) newestForTrip(ctx context.Context, tripID string) (T, error) {
	rows, err := t.query(ctx, tripID,
		"SELECT * FROM c WHERE c.trip_id = @trip_id",
		database.QueryParam{Name: "@trip_id", Value: tripID},
	)
	var zero T
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, apperrors.NotFound(t.name)
	}
	return rows[len(rows)-1], nil
}

func (t *cosmosTable[T]) byStatus(ctx context.Context, statuses ...string) ([]T, error) {
	return t.query(ctx, "",
		"SELECT * FROM c WHERE ARRAY_CONTAINS(@statuses, c.status)",
		database.QueryParam{Name: "@statuses", Value: statuses},
	)
}

func (t *cosmosTable[T]) deleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := t.byStatus(ctx, t.closed...)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, row := range rows {
		if !records.ExpiredBefore(row, cutoff) {
			continue
		}
		meta := row.Metadata()
		err := t.do(ctx, "delete", func(ctx context.Context) error {
			return t.c.Delete(ctx, meta.TripID, meta.ID)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, apperrors.Join(errs...)
}

// CosmosUnassignedAlerts stores unassigned alerts in Cosmos DB.
type CosmosUnassignedAlerts struct {
	t *cosmosTable[*records.UnassignedTripAlert]
}

// NewCosmosUnassignedAlerts creates a store over c.
func NewCosmosUnassignedAlerts(c Container, opts CosmosOptions) *CosmosUnassignedAlerts {
	return &CosmosUnassignedAlerts{t: newCosmosTable[*records.UnassignedTripAlert](c, "unassigned alert",
		[]string{string(records.UnassignedPending), string(records.UnassignedAlerting)},
		[]string{string(records.UnassignedResolved), string(records.UnassignedCancelled)},
		opts)}
}

func (s *CosmosUnassignedAlerts) Create(ctx context.Context, a *records.UnassignedTripAlert) error {
	return s.t.create(ctx, a)
}

func (s *CosmosUnassignedAlerts) Update(ctx context.Context, a *records.UnassignedTripAlert) error {
	return s.t.update(ctx, a)
}

func (s *CosmosUnassignedAlerts) Get(ctx context.Context, tripID, id string) (*records.UnassignedTripAlert, error) {
	return s.t.get(ctx, tripID, id)
}

func (s *CosmosUnassignedAlerts) ActiveForTrip(ctx context.Context, tripID string) (*records.UnassignedTripAlert, error) {
	return s.t.activeForTrip(ctx, tripID)
}

// ListPendingDue filters the threshold client side; stored times carry
// zone offsets and do not compare reliably as strings.
func (s *CosmosUnassignedAlerts) ListPendingDue(ctx context.Context, now time.Time) ([]*records.UnassignedTripAlert, error) {
	rows, err := s.t.byStatus(ctx, string(records.UnassignedPending))
	if err != nil {
		return nil, err
	}
	due := rows[:0]
	for _, a := range rows {
		if !a.ThresholdAt.After(now) {
			due = append(due, a)
		}
	}
	return due, nil
}

func (s *CosmosUnassignedAlerts) ListByStatus(ctx context.Context, status records.UnassignedStatus) ([]*records.UnassignedTripAlert, error) {
	return s.t.byStatus(ctx, string(status))
}

func (s *CosmosUnassignedAlerts) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(ctx, cutoff)
}

// CosmosProgressTracking stores driver progress records in Cosmos DB.
type CosmosProgressTracking struct {
	t *cosmosTable[*records.DriverProgressTracking]
}

// NewCosmosProgressTracking creates a store over c.
func NewCosmosProgressTracking(c Container, opts CosmosOptions) *CosmosProgressTracking {
	return &CosmosProgressTracking{t: newCosmosTable[*records.DriverProgressTracking](c, "progress tracking",
		[]string{string(records.ProgressActive)},
		[]string{string(records.ProgressCompleted), string(records.ProgressCancelled), string(records.ProgressResolved)},
		opts)}
}

func (s *CosmosProgressTracking) Create(ctx context.Context, p *records.DriverProgressTracking) error {
	return s.t.create(ctx, p)
}

func (s *CosmosProgressTracking) Update(ctx context.Context, p *records.DriverProgressTracking) error {
	return s.t.update(ctx, p)
}

func (s *CosmosProgressTracking) Get(ctx context.Context, tripID, id string) (*records.DriverProgressTracking, error) {
	return s.t.get(ctx, tripID, id)
}

func (s *CosmosProgressTracking) ActiveForTrip(ctx context.Context, tripID string) (*records.DriverProgressTracking, error) {
	return s.t.activeForTrip(ctx, tripID)
}

func (s *CosmosProgressTracking) ListActive(ctx context.Context) ([]*records.DriverProgressTracking, error) {
	return s.t.byStatus(ctx, string(records.ProgressActive))
}

func (s *CosmosProgressTracking) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(ctx, cutoff)
}

// CosmosDepartureMonitoring stores departure records in Cosmos DB.
type CosmosDepartureMonitoring struct {
	t *cosmosTable[*records.TripDepartureMonitoring]
}

// NewCosmosDepartureMonitoring creates a store over c.
func NewCosmosDepartureMonitoring(c Container, opts CosmosOptions) *CosmosDepartureMonitoring {
	return &CosmosDepartureMonitoring{t: newCosmosTable[*records.TripDepartureMonitoring](c, "departure monitoring",
		[]string{string(records.DepartureMonitoring), string(records.DepartureStarted), string(records.DepartureLate)},
		[]string{
			string(records.DepartureArrived), string(records.DepartureCompleted),
			string(records.DepartureCancelled), string(records.DepartureSkipped),
		},
		opts)}
}

func (s *CosmosDepartureMonitoring) Create(ctx context.Context, m *records.TripDepartureMonitoring) error {
	return s.t.create(ctx, m)
}

func (s *CosmosDepartureMonitoring) Update(ctx context.Context, m *records.TripDepartureMonitoring) error {
	return s.t.update(ctx, m)
}

func (s *CosmosDepartureMonitoring) Get(ctx context.Context, tripID, id string) (*records.TripDepartureMonitoring, error) {
	return s.t.get(ctx, tripID, id)
}

func (s *CosmosDepartureMonitoring) ForTrip(ctx context.Context, tripID string) (*records.TripDepartureMonitoring, error) {
	return s.t.newestForTrip(ctx, tripID)
}

func (s *CosmosDepartureMonitoring) ListByStatus(ctx context.Context, status records.DepartureStatus) ([]*records.TripDepartureMonitoring, error) {
	return s.t.byStatus(ctx, string(status))
}

func (s *CosmosDepartureMonitoring) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.t.deleteClosedBefore(ctx, cutoff)
}

// ContainerSource opens containers by name. *database.CosmosClient
// satisfies it through CosmosContainers.
type ContainerSource func(name string) (Container, error)

// NewCosmosStores opens the three record containers.
func NewCosmosStores(open ContainerSource, opts CosmosOptions) (Stores, error) {
	unassigned, err := open(UnassignedAlertsContainer)
	if err != nil {
		return Stores{}, err
	}
	progress, err := open(ProgressTrackingContainer)
	if err != nil {
		return Stores{}, err
	}
	departure, err := open(DepartureMonitoringContainer)
	if err != nil {
		return Stores{}, err
	}

	return Stores{
		Unassigned: NewCosmosUnassignedAlerts(unassigned, opts),
		Progress:   NewCosmosProgressTracking(progress, opts),
		Departure:  NewCosmosDepartureMonitoring(departure, opts),
	}, nil
}

// CosmosContainers adapts a Cosmos client to ContainerSource.
func CosmosContainers(client *database.CosmosClient) ContainerSource {
	return func(name string) (Container, error) {
		return client.Container(name)
	}
}
