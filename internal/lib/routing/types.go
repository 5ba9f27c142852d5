package routing

import (
	"context"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
)

// Ranking selects which of several matching lines wins
type Ranking string

const (
	RankFirst   Ranking = "first"   // first matching line in catalog order
	RankWalking Ranking = "walking" // least total walking to boarding and alighting stops
)

// InstructionKind tags a step of the trip description
type InstructionKind string

const (
	WalkToStop        InstructionKind = "walk_to_stop"
	Board             InstructionKind = "board"
	Alight            InstructionKind = "alight"
	WalkToDestination InstructionKind = "walk_to_destination"
	NoDirectRoute     InstructionKind = "no_direct_route"
	Suggestion        InstructionKind = "suggestion"
)

// Instruction is one human-readable step
type Instruction struct {
	Kind InstructionKind `json:"kind"`
	Text string          `json:"text"`
}

// RouteMatch is the outcome of matching a trip against the bus line catalog.
// When NoRoute is set only Instructions is populated.
type RouteMatch struct {
	BusLineIDs   []string         `json:"bus_routes"`
	Line         *transit.BusLine `json:"line,omitempty"`
	StartIndex   int              `json:"start_index"`
	EndIndex     int              `json:"end_index"`
	Path         []geo.Coordinate `json:"path"`
	Stops        []string         `json:"stops"` // names aligned with Path, "" when unnamed
	Instructions []Instruction    `json:"instructions"`
	WalkToStop   float64          `json:"walk_to_stop_m"`
	WalkFromStop float64          `json:"walk_from_stop_m"`
	NoRoute      bool             `json:"no_route"`
}

// Config tunes the matcher
type Config struct {
	ProximityRadius float64 `koanf:"proximityRadius" yaml:"proximity_radius" validate:"gt=0"`
	Ranking         Ranking `koanf:"ranking" yaml:"ranking" validate:"oneof=first walking"`
}

// DefaultConfig returns the 500 m catchment with first-match ranking
func DefaultConfig() Config {
	return Config{
		ProximityRadius: 500,
		Ranking:         RankFirst,
	}
}

// RouteMatcher interface defines trip matching against bus line geometry
type RouteMatcher interface {
	// Match finds a single bus line serving both ends of the trip
	Match(ctx context.Context, start, end geo.Coordinate, lines []transit.BusLine) RouteMatch

	// Candidates lists every line passing near both ends, in catalog order
	Candidates(start, end geo.Coordinate, lines []transit.BusLine) []transit.BusLine
}

// NewRouteMatcher is implemented in matcher.go
