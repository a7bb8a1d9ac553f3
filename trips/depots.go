package trips

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/cobrun/tripwatch/database"
	"github.com/cobrun/tripwatch/geo"
	"github.com/cobrun/tripwatch/logging"
)

// Migrations holds the depot schema scripts, applied by database.Migrator.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the scripts.
const MigrationsDir = "migrations"

// DepotSource lists the depots trips can be served from.
type DepotSource interface {
	ListDepots(ctx context.Context) ([]geo.Depot, error)
}

// SQLDepotRepository reads depots from Azure SQL.
type SQLDepotRepository struct {
	db *database.SQLClient
}

// NewSQLDepotRepository creates a depot repository.
func NewSQLDepotRepository(db *database.SQLClient) *SQLDepotRepository {
	return &SQLDepotRepository{db: db}
}

// ListDepots returns every active depot.
func (r *SQLDepotRepository) ListDepots(ctx context.Context) ([]geo.Depot, error) {
	rows, err := r.db.QueryWithRetry(ctx, `SELECT id, name, latitude, longitude FROM depots WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list depots: %w", err)
	}
	defer rows.Close()

	var depots []geo.Depot
	for rows.Next() {
		var d geo.Depot
		if err := rows.Scan(&d.ID, &d.Name, &d.Location.Lat, &d.Location.Lng); err != nil {
			return nil, fmt.Errorf("failed to scan depot: %w", err)
		}
		depots = append(depots, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read depots: %w", err)
	}

	return depots, nil
}

// StaticDepots is a fixed depot list.
type StaticDepots []geo.Depot

// ListDepots returns the list.
func (s StaticDepots) ListDepots(context.Context) ([]geo.Depot, error) {
	return s, nil
}

// DefaultDepotID identifies the configured fallback depot.
const DefaultDepotID = "default"

// DepotLocator picks the depot nearest a pickup. It serves the last
// successfully loaded depot set and falls back to the configured default
// depot when none is loaded.
type DepotLocator struct {
	source   DepotSource
	index    *geo.DepotIndex
	fallback geo.Depot
	logger   *logging.Logger

	mu     sync.Mutex
	loaded bool
}

// NewDepotLocator creates a locator. source may be nil, in which case only
// the fallback depot is used.
func NewDepotLocator(source DepotSource, fallback geo.Point, logger *logging.Logger) *DepotLocator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DepotLocator{
		source:   source,
		index:    geo.NewDepotIndex(geo.H3ResolutionRegion, 3),
		fallback: geo.Depot{ID: DefaultDepotID, Name: "Default depot", Location: fallback},
		logger:   logger.WithComponent("depots"),
	}
}

// Refresh reloads the depot set. On error the previous set is kept.
func (l *DepotLocator) Refresh(ctx context.Context) error {
	if l.source == nil {
		return nil
	}

	depots, err := l.source.ListDepots(ctx)
	if err != nil {
		return err
	}

	l.index.Replace(depots)

	l.mu.Lock()
	l.loaded = true
	l.mu.Unlock()

	l.logger.Info("depots loaded", "count", l.index.Len())
	return nil
}

// Nearest returns the depot closest to p.
func (l *DepotLocator) Nearest(p geo.Point) geo.Depot {
	if d, ok := l.index.Nearest(p); ok {
		return d
	}
	return l.fallback
}

// Loaded reports whether a depot set has been loaded.
func (l *DepotLocator) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}
