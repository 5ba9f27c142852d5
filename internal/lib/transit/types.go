// Package transit holds the read-only catalog types shared by the matcher,
// the stitcher and the data stores.
package transit

import (
	"fmt"

	"github.com/busmap/server/internal/lib/geo"
)

// Schedule carries operating metadata that is passed through untouched
type Schedule struct {
	Operator       string `json:"operator,omitempty" yaml:"operator"`
	OperatingHours string `json:"operating_hours,omitempty" yaml:"operating_hours"`
	Frequency      string `json:"frequency,omitempty" yaml:"frequency"`
	Fare           string `json:"fare,omitempty" yaml:"fare"`
}

// BusLine is a bus route with its ordered stops.
// Stops[i] names Points[i]; Stops may be shorter than Points when names are missing.
type BusLine struct {
	ID       string           `json:"id" yaml:"id"`
	Name     string           `json:"name" yaml:"name"`
	Points   []geo.Coordinate `json:"points" yaml:"points"`
	Stops    []string         `json:"stops" yaml:"stops"`
	Schedule Schedule         `json:"schedule" yaml:"schedule"`
}

// StopName returns the name of the stop at index i, or "" when unnamed
func (b BusLine) StopName(i int) string {
	if i < 0 || i >= len(b.Stops) {
		return ""
	}
	return b.Stops[i]
}

// Validate checks the invariants a catalog entry must satisfy
func (b BusLine) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("bus line has no id")
	}
	if len(b.Stops) > len(b.Points) {
		return fmt.Errorf("bus line %s: %d stop names for %d points", b.ID, len(b.Stops), len(b.Points))
	}
	for i, p := range b.Points {
		if !geo.IsValidCoordinate(p) {
			return fmt.Errorf("bus line %s: invalid point at index %d", b.ID, i)
		}
	}
	return nil
}

// Station is a physical stop served by one or more bus lines
type Station struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Position geo.Coordinate `json:"position" yaml:"position"`
	LineIDs  []string       `json:"line_ids" yaml:"line_ids"`
	Address  string         `json:"address,omitempty" yaml:"address"`
}
