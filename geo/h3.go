package geo

import (
	"math"
	"sync"

	"github.com/uber/h3-go/v4"
)

// H3Resolution defines the H3 resolution levels.
// Resolution 5: ~252 km² average hexagon area (~8.5 km edge)
// Resolution 7: ~5.16 km² average hexagon area (~1.22 km edge)
type H3Resolution int

const (
	// H3ResolutionRegion suits depot lookup across a metro area.
	H3ResolutionRegion H3Resolution = 5
	// H3ResolutionCity is for city-level operations.
	H3ResolutionCity H3Resolution = 7
)

// Depot is a vehicle base drivers depart from.
type Depot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location Point  `json:"location"`
}

// DepotIndex finds the nearest depot to a point. Depots are bucketed by H3
// cell and searched ring by ring; the final choice is by haversine distance.
type DepotIndex struct {
	mu         sync.RWMutex
	resolution int
	maxRings   int
	cells      map[h3.Cell][]Depot
	all        []Depot
}

// NewDepotIndex creates an index at the given resolution. maxRings bounds the
// ring search before falling back to a full scan.
func NewDepotIndex(resolution H3Resolution, maxRings int) *DepotIndex {
	if maxRings <= 0 {
		maxRings = 3
	}
	return &DepotIndex{
		resolution: int(resolution),
		maxRings:   maxRings,
		cells:      make(map[h3.Cell][]Depot),
	}
}

// Replace swaps the indexed depot set.
func (idx *DepotIndex) Replace(depots []Depot) {
	cells := make(map[h3.Cell][]Depot, len(depots))
	all := make([]Depot, 0, len(depots))
	for _, d := range depots {
		if !d.Location.IsValid() {
			continue
		}
		cell := idx.cell(d.Location)
		cells[cell] = append(cells[cell], d)
		all = append(all, d)
	}

	idx.mu.Lock()
	idx.cells = cells
	idx.all = all
	idx.mu.Unlock()
}

// Len returns the number of indexed depots.
func (idx *DepotIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.all)
}

// Nearest returns the depot closest to p.
func (idx *DepotIndex) Nearest(p Point) (Depot, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.all) == 0 {
		return Depot{}, false
	}

	origin := idx.cell(p)
	for k := 0; k <= idx.maxRings; k++ {
		var candidates []Depot
		for _, c := range h3.GridDisk(origin, k) {
			candidates = append(candidates, idx.cells[c]...)
		}
		if len(candidates) > 0 {
			// A depot one ring further out can still be closer in meters.
			for _, c := range h3.GridDisk(origin, k+1) {
				candidates = append(candidates, idx.cells[c]...)
			}
			return closest(p, candidates), true
		}
	}

	return closest(p, idx.all), true
}

// CellID returns the H3 cell string of p at the index resolution.
func (idx *DepotIndex) CellID(p Point) string {
	return h3.IndexToString(uint64(idx.cell(p)))
}

func (idx *DepotIndex) cell(p Point) h3.Cell {
	return h3.LatLngToCell(h3.LatLng{Lat: p.Lat, Lng: p.Lng}, idx.resolution)
}

func closest(p Point, depots []Depot) Depot {
	best := depots[0]
	bestDist := math.Inf(1)
	for _, d := range depots {
		if dist := DistanceMeters(p, d.Location); dist < bestDist {
			best, bestDist = d, dist
		}
	}
	return best
}
