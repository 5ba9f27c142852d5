// Package overlay derives the map decorations drawn on top of a stitched path:
// direction arrows spread along the line, one marker per stop and, optionally,
// the rider's own position.
package overlay

import (
	"fmt"

	"github.com/busmap/server/internal/lib/geo"
)

// Role identifies what an annotation represents on the map
type Role string

const (
	RoleDirection Role = "direction"
	RoleStop      Role = "stop"
	RoleUser      Role = "user"
)

// Annotation is a single map decoration
type Annotation struct {
	Role     Role           `json:"role"`
	Position geo.Coordinate `json:"position"`
	Rotation float64        `json:"rotation"`
	Title    string         `json:"title,omitempty"`
}

// Config controls arrow density
type Config struct {
	DesiredArrows int `koanf:"desiredArrows" yaml:"desired_arrows" validate:"gte=1"`
	MaxArrows     int `koanf:"maxArrows" yaml:"max_arrows" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{DesiredArrows: 10, MaxArrows: 5}
}

// Synthesizer builds annotations for a rendered path
type Synthesizer struct {
	config Config
}

func NewSynthesizer(config Config) *Synthesizer {
	if config.DesiredArrows < 1 {
		config.DesiredArrows = DefaultConfig().DesiredArrows
	}
	return &Synthesizer{config: config}
}

// Input is everything Annotate needs for one path
type Input struct {
	Path      []geo.Coordinate
	Waypoints []geo.Coordinate
	StopNames []string        // index aligned with Waypoints; may be short
	User      *geo.Coordinate // rider position, omitted when nil
}

// Annotate returns direction arrows first, then stop markers, then the user
// marker. A path with fewer than two points gets no annotations at all.
func (s *Synthesizer) Annotate(in Input) []Annotation {
	if len(in.Path) < 2 {
		return nil
	}

	out := s.Arrows(in.Path)
	out = append(out, StopMarkers(in.Waypoints, in.StopNames)...)
	if in.User != nil && geo.IsValidCoordinate(*in.User) {
		out = append(out, Annotation{Role: RoleUser, Position: *in.User, Title: "You are here"})
	}
	return out
}

// Arrows samples the path at a regular step and orients each arrow along the
// segment arriving at the sampled point.
func (s *Synthesizer) Arrows(path []geo.Coordinate) []Annotation {
	if len(path) < 2 {
		return nil
	}

	step := max(1, len(path)/s.config.DesiredArrows)
	var arrows []Annotation
	for i := step; i < len(path) && len(arrows) < s.config.MaxArrows; i += step {
		arrows = append(arrows, Annotation{
			Role:     RoleDirection,
			Position: path[i],
			Rotation: geo.Bearing(path[i-1], path[i]),
		})
	}
	return arrows
}

// StopMarkers labels each waypoint with its stop name, or "Stop N" (1-based)
func StopMarkers(waypoints []geo.Coordinate, names []string) []Annotation {
	markers := make([]Annotation, 0, len(waypoints))
	for i, wp := range waypoints {
		title := fmt.Sprintf("Stop %d", i+1)
		if i < len(names) && names[i] != "" {
			title = names[i]
		}
		markers = append(markers, Annotation{Role: RoleStop, Position: wp, Title: title})
	}
	return markers
}
