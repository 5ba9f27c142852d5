package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/rtree"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
)

// NearbyStation is a station with its distance from the query point
type NearbyStation struct {
	transit.Station
	Distance float64 `json:"distance_m"`
}

// StationIndex answers radius queries over the catalog's stations with an
// R-tree keyed on [lon, lat].
type StationIndex struct {
	mu       sync.RWMutex
	tree     *rtree.RTree
	stations []transit.Station
}

// NewStationIndex builds an index over stations
func NewStationIndex(stations []transit.Station) *StationIndex {
	idx := &StationIndex{}
	idx.Rebuild(stations)
	return idx
}

// Rebuild replaces the indexed stations. Stations with invalid positions are skipped.
func (idx *StationIndex) Rebuild(stations []transit.Station) {
	tree := &rtree.RTree{}
	kept := make([]transit.Station, 0, len(stations))
	for _, st := range stations {
		if !geo.IsValidCoordinate(st.Position) {
			continue
		}
		kept = append(kept, st)
		point := [2]float64{st.Position.Longitude, st.Position.Latitude}
		tree.Insert(point, point, len(kept)-1)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree = tree
	idx.stations = kept
}

// Reload rebuilds the index from a data store
func (idx *StationIndex) Reload(ctx context.Context, ds DataStore) error {
	stations, err := ds.GetAllStations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stations for index: %w", err)
	}
	idx.Rebuild(stations)
	return nil
}

// Len returns the number of indexed stations
func (idx *StationIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.stations)
}

// Nearby returns stations within radius meters of center, nearest first.
// limit <= 0 means no limit.
func (idx *StationIndex) Nearby(center geo.Coordinate, radius float64, limit int) []NearbyStation {
	if !geo.IsValidCoordinate(center) || radius <= 0 {
		return nil
	}
	idx.mu.RLock()
	var found []NearbyStation
	for _, box := range geo.BoxesAround(center, radius) {
		idx.tree.Search(
			[2]float64{box.MinLongitude, box.MinLatitude},
			[2]float64{box.MaxLongitude, box.MaxLatitude},
			func(_, _ [2]float64, data interface{}) bool {
				st := idx.stations[data.(int)]
				// The box over-approximates the circle; check the real distance
				if d := geo.Distance(center, st.Position); d <= radius {
					found = append(found, NearbyStation{Station: st, Distance: d})
				}
				return true
			},
		)
	}
	idx.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].Distance != found[j].Distance {
			return found[i].Distance < found[j].Distance
		}
		return found[i].ID < found[j].ID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found
}

// Search matches stations whose name or address contains text, case-insensitively
func (idx *StationIndex) Search(text string) []transit.Station {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []transit.Station
	for _, st := range idx.stations {
		if strings.Contains(strings.ToLower(st.Name), needle) || strings.Contains(strings.ToLower(st.Address), needle) {
			out = append(out, st)
		}
	}
	return out
}
