package trips

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/database"
	"github.com/cobrun/tripwatch/database/cosmosdb"
	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/telemetry"
	"github.com/cobrun/tripwatch/vehicle"
)

// Querier is the subset of *database.CosmosContainer the reader uses.
type Querier interface {
	Name() string
	Read(ctx context.Context, partitionKey, id string, result any) (string, error)
	Query(ctx context.Context, partitionKey, query string, params []database.QueryParam, results any) error
}

const (
	queryTripByID = `SELECT * FROM c WHERE c.id = @id`

	queryUnassigned = `SELECT * FROM c
		WHERE ARRAY_CONTAINS(@statuses, c.status)
		AND (NOT IS_DEFINED(c.driver_id) OR IS_NULL(c.driver_id) OR c.driver_id = "")`

	queryInProgress = `SELECT * FROM c
		WHERE c.status = @status
		AND IS_DEFINED(c.driver_id) AND c.driver_id != ""`
)

// CosmosReader reads trips and driver positions from the platform's
// Cosmos DB containers. Trips are partitioned by rider, so every trip query
// is cross-partition.
type CosmosReader struct {
	trips     Querier
	locations Querier
	tracer    trace.Tracer
}

// NewCosmosReader creates a reader over the trips and driver_locations
// containers. tracer may be nil.
func NewCosmosReader(trips, locations Querier, tracer trace.Tracer) *CosmosReader {
	return &CosmosReader{trips: trips, locations: locations, tracer: tracer}
}

// Get returns one trip.
func (r *CosmosReader) Get(ctx context.Context, tripID string) (*Trip, error) {
	var docs []cosmosdb.Trip
	err := telemetry.WrapDatabaseOperation(ctx, r.tracer, "cosmosdb", "query", r.trips.Name(), func(ctx context.Context) error {
		return r.trips.Query(ctx, "", queryTripByID, []database.QueryParam{{Name: "@id", Value: tripID}}, &docs)
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperrors.NotFound("trip")
	}
	return fromDocument(docs[0]), nil
}

// ListUnassigned returns active trips with no driver and a pickup after now.
func (r *CosmosReader) ListUnassigned(ctx context.Context, now time.Time) ([]*Trip, error) {
	statuses := make([]string, 0, 3)
	for _, s := range ActiveStatuses() {
		statuses = append(statuses, string(s))
	}

	var docs []cosmosdb.Trip
	err := telemetry.WrapDatabaseOperation(ctx, r.tracer, "cosmosdb", "query", r.trips.Name(), func(ctx context.Context) error {
		return r.trips.Query(ctx, "", queryUnassigned, []database.QueryParam{{Name: "@statuses", Value: statuses}}, &docs)
	})
	if err != nil {
		return nil, err
	}

	// Stored pickup times carry mixed offsets; compare them as times.
	out := make([]*Trip, 0, len(docs))
	for _, doc := range docs {
		t := fromDocument(doc)
		if t.NeedsDriver(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListInProgress returns in-progress trips that have a driver.
func (r *CosmosReader) ListInProgress(ctx context.Context) ([]*Trip, error) {
	var docs []cosmosdb.Trip
	err := telemetry.WrapDatabaseOperation(ctx, r.tracer, "cosmosdb", "query", r.trips.Name(), func(ctx context.Context) error {
		return r.trips.Query(ctx, "", queryInProgress, []database.QueryParam{{Name: "@status", Value: string(StatusInProgress)}}, &docs)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Trip, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	return out, nil
}

// DriverLocation returns the driver's last reported position.
func (r *CosmosReader) DriverLocation(ctx context.Context, driverID string) (geo.Point, error) {
	var doc cosmosdb.DriverLocation
	err := telemetry.WrapDatabaseOperation(ctx, r.tracer, "cosmosdb", "read", r.locations.Name(), func(ctx context.Context) error {
		_, err := r.locations.Read(ctx, driverID, driverID, &doc)
		return err
	})
	if err != nil {
		return geo.Point{}, err
	}

	p := geo.NewPoint(doc.Location.Lat(), doc.Location.Lng())
	if !p.IsValid() || p.IsZero() {
		return geo.Point{}, apperrors.NotFound("driver location")
	}
	return p, nil
}

func fromDocument(doc cosmosdb.Trip) *Trip {
	return &Trip{
		ID:                doc.ID,
		RiderID:           doc.RiderID,
		DriverID:          doc.DriverID,
		VehicleClass:      vehicle.ParseClass(doc.VehicleClass),
		Status:            Status(doc.Status),
		PickupLocation:    geo.NewPoint(doc.PickupLocation.Lat(), doc.PickupLocation.Lng()),
		PickupAddress:     doc.PickupAddress,
		DropoffLocation:   geo.NewPoint(doc.DropoffLocation.Lat(), doc.DropoffLocation.Lng()),
		DropoffAddress:    doc.DropoffAddress,
		ScheduledPickupAt: doc.ScheduledPickupAt,
		StartedAt:         doc.StartedAt,
		CompletedAt:       doc.CompletedAt,
		CancelledAt:       doc.CancelledAt,
	}
}
