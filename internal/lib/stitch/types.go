package stitch

import (
	"context"
	"time"

	"github.com/busmap/server/internal/lib/geo"
)

// Source records where the geometry of one chunk came from
type Source string

const (
	SourceRoad     Source = "road"
	SourceStraight Source = "straight"
)

// RoutingService returns road-following geometry through the given waypoints, in order
type RoutingService interface {
	Route(ctx context.Context, waypoints []geo.Coordinate) ([]geo.Coordinate, error)
}

// RoutingServiceFunc adapts a plain function to RoutingService
type RoutingServiceFunc func(ctx context.Context, waypoints []geo.Coordinate) ([]geo.Coordinate, error)

func (f RoutingServiceFunc) Route(ctx context.Context, waypoints []geo.Coordinate) ([]geo.Coordinate, error) {
	return f(ctx, waypoints)
}

// Segment describes one chunk of a stitched path
type Segment struct {
	FirstWaypoint int    `json:"first_waypoint"`
	LastWaypoint  int    `json:"last_waypoint"`
	Source        Source `json:"source"`
	Points        int    `json:"points"`
	Error         string `json:"error,omitempty"`
}

// Path is a continuous polyline assembled from per-chunk geometry
type Path struct {
	Points   []geo.Coordinate `json:"points"`
	Segments []Segment        `json:"segments"`
}

// Degraded reports whether any chunk fell back to straight lines
func (p Path) Degraded() bool {
	for _, s := range p.Segments {
		if s.Source == SourceStraight {
			return true
		}
	}
	return false
}

// SegmentPoints splits Points back into one polyline per segment. Consecutive
// polylines share their joining point.
func (p Path) SegmentPoints() [][]geo.Coordinate {
	out := make([][]geo.Coordinate, 0, len(p.Segments))
	end := 0
	for i, seg := range p.Segments {
		start := end
		if i > 0 {
			start = end - 1
			end += seg.Points - 1
		} else {
			end = seg.Points
		}
		if start < 0 || end > len(p.Points) || start >= end {
			return out
		}
		out = append(out, p.Points[start:end])
	}
	return out
}

// Observer receives per-chunk outcomes and overall stitch durations
type Observer interface {
	ObserveChunk(source Source)
	ObserveStitch(duration time.Duration, degraded bool)
}

// Config controls chunking and concurrency
type Config struct {
	ChunkSize      int           `koanf:"chunkSize" yaml:"chunk_size" validate:"gte=2"`
	ChunkTimeout   time.Duration `koanf:"chunkTimeout" yaml:"chunk_timeout" validate:"gt=0"`
	MaxConcurrency int           `koanf:"maxConcurrency" yaml:"max_concurrency" validate:"gte=1"`
}

// DefaultConfig matches the limits of the public routing servers
func DefaultConfig() Config {
	return Config{
		ChunkSize:      5,
		ChunkTimeout:   20 * time.Second,
		MaxConcurrency: 4,
	}
}
