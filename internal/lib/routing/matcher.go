package routing

import (
	"context"
	"fmt"
	"math"

	"github.com/dpup/prefab/logging"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
)

// routeMatcher implements the RouteMatcher interface
type routeMatcher struct {
	config Config
}

// NewRouteMatcher creates a new RouteMatcher implementation
func NewRouteMatcher(config Config) RouteMatcher {
	if config.ProximityRadius <= 0 {
		config.ProximityRadius = DefaultConfig().ProximityRadius
	}
	if config.Ranking == "" {
		config.Ranking = RankFirst
	}
	return &routeMatcher{config: config}
}

// Match selects one line passing within the proximity radius of both ends and
// extracts the stops between them, oriented from start toward end.
func (r *routeMatcher) Match(ctx context.Context, start, end geo.Coordinate, lines []transit.BusLine) RouteMatch {
	ctx = logging.EnsureLogger(ctx)
	if !geo.IsValidCoordinate(start) || !geo.IsValidCoordinate(end) {
		logging.Debugw(ctx, "Route matcher: invalid trip endpoints", "start", start, "end", end)
		return noRoute()
	}

	candidates := r.Candidates(start, end, lines)
	if len(candidates) == 0 {
		logging.Debugw(ctx, "Route matcher: no direct line", "catalog_size", len(lines))
		return noRoute()
	}

	line := r.pick(start, end, candidates)
	match := extract(line, start, end)

	logging.Debugw(ctx, "Route matcher: line selected",
		"line_id", line.ID, "candidates", len(candidates),
		"start_index", match.StartIndex, "end_index", match.EndIndex)
	return match
}

// Candidates returns every line with a stop near start and a stop near end
func (r *routeMatcher) Candidates(start, end geo.Coordinate, lines []transit.BusLine) []transit.BusLine {
	var matching []transit.BusLine
	for _, line := range lines {
		if len(line.Points) == 0 {
			continue
		}
		if geo.AnyWithin(line.Points, start, r.config.ProximityRadius) &&
			geo.AnyWithin(line.Points, end, r.config.ProximityRadius) {
			matching = append(matching, line)
		}
	}
	return matching
}

func (r *routeMatcher) pick(start, end geo.Coordinate, candidates []transit.BusLine) transit.BusLine {
	if r.config.Ranking != RankWalking {
		return candidates[0]
	}

	best := 0
	bestWalk := math.Inf(1)
	for i, line := range candidates {
		walk := geo.Distance(start, line.Points[geo.NearestIndex(line.Points, start)]) +
			geo.Distance(end, line.Points[geo.NearestIndex(line.Points, end)])
		if walk < bestWalk {
			best = i
			bestWalk = walk
		}
	}
	return candidates[best]
}

func extract(line transit.BusLine, start, end geo.Coordinate) RouteMatch {
	startIndex := geo.NearestIndex(line.Points, start)
	endIndex := geo.NearestIndex(line.Points, end)

	lo, hi := startIndex, endIndex
	if lo > hi {
		lo, hi = hi, lo
	}

	path := make([]geo.Coordinate, 0, hi-lo+1)
	stops := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		path = append(path, line.Points[i])
		stops = append(stops, line.StopName(i))
	}
	if startIndex > endIndex {
		reverse(path)
		reverse(stops)
	}

	l := line
	return RouteMatch{
		BusLineIDs:   []string{line.ID},
		Line:         &l,
		StartIndex:   startIndex,
		EndIndex:     endIndex,
		Path:         path,
		Stops:        stops,
		Instructions: instructionsFor(line, startIndex, endIndex),
		WalkToStop:   geo.Distance(start, line.Points[startIndex]),
		WalkFromStop: geo.Distance(end, line.Points[endIndex]),
	}
}

func instructionsFor(line transit.BusLine, startIndex, endIndex int) []Instruction {
	boardAt := "Walk to the nearest stop"
	if name := line.StopName(startIndex); name != "" {
		boardAt = fmt.Sprintf("Walk to stop %s", name)
	}

	board := fmt.Sprintf("Board bus line %s", line.ID)
	if line.Name != "" {
		board = fmt.Sprintf("Board bus line %s (%s)", line.ID, line.Name)
	}

	alightAt := "Get off at the stop nearest your destination"
	if name := line.StopName(endIndex); name != "" {
		alightAt = fmt.Sprintf("Get off at stop %s", name)
	}

	return []Instruction{
		{Kind: WalkToStop, Text: boardAt},
		{Kind: Board, Text: board},
		{Kind: Alight, Text: alightAt},
		{Kind: WalkToDestination, Text: "Walk to your destination"},
	}
}

func noRoute() RouteMatch {
	return RouteMatch{
		BusLineIDs: []string{},
		NoRoute:    true,
		Instructions: []Instruction{
			{Kind: NoDirectRoute, Text: "No direct bus route found"},
			{Kind: Suggestion, Text: "Suggestion: take a taxi or a motorbike taxi"},
		},
	}
}

// Unavailable is the result reported when the catalog cannot be read
func Unavailable() RouteMatch {
	return RouteMatch{
		BusLineIDs: []string{},
		NoRoute:    true,
		Instructions: []Instruction{
			{Kind: NoDirectRoute, Text: "Route lookup unavailable"},
			{Kind: Suggestion, Text: "Please try again in a few minutes"},
		},
	}
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
