package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/bluele/gcache"

	"github.com/busmap/server/internal/clients/nominatim"
	"github.com/busmap/server/internal/config"
	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/lib/overlay"
	"github.com/busmap/server/internal/lib/routing"
	"github.com/busmap/server/internal/lib/stitch"
	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/metrics"
	"github.com/busmap/server/internal/store"
)

// Route match results reported to metrics
const (
	matchFound       = "found"
	matchNone        = "none"
	matchUnavailable = "unavailable"
)

// maxTrackedDevices caps the per-device location controllers kept in memory;
// the least recently used device is dropped first
const maxTrackedDevices = 10000

// defaultCenter stands in for lines without geometry in search results (Hoàn Kiếm)
var defaultCenter = geo.Coordinate{Latitude: 21.0285, Longitude: 105.8542}

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrNoDeviceFeed      = errors.New("no device location feed configured")
)

// Geocoder resolves free text to places near a bias point
type Geocoder interface {
	Search(ctx context.Context, query string, bias geo.Coordinate) ([]nominatim.Place, error)
}

// DeviceSource hands out a location provider per device
type DeviceSource interface {
	Provider(deviceID string) location.Provider
}

// Deps are the collaborators an Engine is built from. Geocoder, Devices and
// Metrics may be nil.
type Deps struct {
	Catalog  store.DataStore
	Stations *store.StationIndex
	Router   stitch.RoutingService
	Geocoder Geocoder
	Devices  DeviceSource
	Metrics  *metrics.Collector
}

// Engine ties location acquisition, route matching, stitching and overlays
// together for the API layer.
type Engine struct {
	catalog  store.DataStore
	stations *store.StationIndex
	matcher  routing.RouteMatcher
	stitcher *stitch.Stitcher
	overlay  *overlay.Synthesizer
	geocoder Geocoder
	devices  DeviceSource
	metrics  *metrics.Collector

	locationConfig location.Config
	search         config.SearchConfig

	mu          sync.Mutex
	controllers gcache.Cache
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	var stitchOpts []stitch.Option
	if deps.Metrics != nil {
		stitchOpts = append(stitchOpts, stitch.WithObserver(deps.Metrics))
	}
	stations := deps.Stations
	if stations == nil {
		stations = store.NewStationIndex(nil)
	}

	return &Engine{
		catalog:        deps.Catalog,
		stations:       stations,
		matcher:        routing.NewRouteMatcher(cfg.Matcher),
		stitcher:       stitch.NewStitcher(deps.Router, cfg.Stitch, stitchOpts...),
		overlay:        overlay.NewSynthesizer(cfg.Overlay),
		geocoder:       deps.Geocoder,
		devices:        deps.Devices,
		metrics:        deps.Metrics,
		locationConfig: cfg.Location,
		search:         cfg.Search,
		controllers:    gcache.New(maxTrackedDevices).LRU().Build(),
	}
}

// AcquireLocation runs one acquisition cycle for the device. A newer call for
// the same device supersedes an older one still in flight.
func (e *Engine) AcquireLocation(ctx context.Context, deviceID string) (location.Fix, error) {
	if e.devices == nil {
		return location.Fix{}, &location.Failure{Reason: location.ProviderDisabled, Err: ErrNoDeviceFeed}
	}
	return e.controller(deviceID).Acquire(ctx)
}

func (e *Engine) controller(deviceID string) *location.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, err := e.controllers.Get(deviceID); err == nil {
		return v.(*location.Controller)
	}
	var opts []location.Option
	if e.metrics != nil {
		opts = append(opts, location.WithObserver(e.metrics))
	}
	c := location.NewController(e.devices.Provider(deviceID), e.locationConfig, opts...)
	if err := e.controllers.Set(deviceID, c); err != nil {
		log.Printf("Failed to track location controller for %s: %v", deviceID, err)
	}
	return c
}

// FindRoute never fails: catalog errors are reported as an unavailable lookup
func (e *Engine) FindRoute(ctx context.Context, start, end geo.Coordinate) routing.RouteMatch {
	lines, err := e.catalog.GetAllBusLines(ctx)
	if err != nil {
		log.Printf("Route lookup failed to read catalog: %v", err)
		e.observeMatch(matchUnavailable)
		return routing.Unavailable()
	}
	if e.metrics != nil {
		e.metrics.CatalogLines.Set(float64(len(lines)))
	}

	match := e.matcher.Match(ctx, start, end, lines)
	if match.NoRoute {
		e.observeMatch(matchNone)
	} else {
		e.observeMatch(matchFound)
	}
	return match
}

func (e *Engine) observeMatch(result string) {
	if e.metrics != nil {
		e.metrics.ObserveRouteMatch(result)
	}
}

// RenderedPath is a stitched path with its map annotations
type RenderedPath struct {
	Path        stitch.Path          `json:"path"`
	Annotations []overlay.Annotation `json:"annotations"`
}

// RenderPath stitches waypoints onto roads and annotates the result
func (e *Engine) RenderPath(ctx context.Context, waypoints []geo.Coordinate, names []string, user *geo.Coordinate) RenderedPath {
	path := e.stitcher.Stitch(ctx, waypoints)
	annotations := e.overlay.Annotate(overlay.Input{
		Path:      path.Points,
		Waypoints: waypoints,
		StopNames: names,
		User:      user,
	})
	return RenderedPath{Path: path, Annotations: annotations}
}

// Trip is a matched route with its rendered path. Rendered is nil when no route was found.
type Trip struct {
	Match    routing.RouteMatch `json:"match"`
	Rendered *RenderedPath      `json:"rendered,omitempty"`
}

// PlanTrip matches a route and renders the ridden part of the line with the
// rider shown at start.
func (e *Engine) PlanTrip(ctx context.Context, start, end geo.Coordinate) Trip {
	match := e.FindRoute(ctx, start, end)
	if match.NoRoute {
		return Trip{Match: match}
	}
	user := start
	rendered := e.RenderPath(ctx, match.Path, match.Stops, &user)
	return Trip{Match: match, Rendered: &rendered}
}

// LinePath is a whole bus line stitched onto roads
type LinePath struct {
	Line transit.BusLine `json:"line"`
	RenderedPath
}

// RenderLine stitches every stop of a catalog line
func (e *Engine) RenderLine(ctx context.Context, lineID string) (*LinePath, error) {
	line, err := e.catalog.GetBusLineByID(ctx, lineID)
	if err != nil {
		return nil, err
	}
	rendered := e.RenderPath(ctx, line.Points, line.Stops, nil)
	return &LinePath{Line: *line, RenderedPath: rendered}, nil
}

// NearbyStations lists stations within radius meters of at, nearest first.
// A non-positive radius uses the configured default.
func (e *Engine) NearbyStations(ctx context.Context, at geo.Coordinate, radius float64) ([]store.NearbyStation, error) {
	if !geo.IsValidCoordinate(at) {
		return nil, ErrInvalidCoordinate
	}
	if radius <= 0 {
		radius = e.search.NearbyRadius
	}
	if e.stations.Len() == 0 {
		if err := e.stations.Reload(ctx, e.catalog); err != nil {
			return nil, err
		}
	}
	if e.metrics != nil {
		e.metrics.CatalogStations.Set(float64(e.stations.Len()))
	}
	return e.stations.Nearby(at, radius, 0), nil
}

// Result kinds returned by Search
const (
	ResultPlace   = "place"
	ResultStation = "bus_station"
	ResultLine    = "bus_line"
)

// SearchResult is one place, station or bus line matching a text query
type SearchResult struct {
	Kind     string         `json:"kind"`
	Name     string         `json:"name"`
	Address  string         `json:"address"`
	Position geo.Coordinate `json:"position"`
	ID       string         `json:"id,omitempty"`
}

// Search returns geocoded places followed by matching stations and lines,
// capped at the configured maximum. When the geocoder fails only local
// results are returned.
func (e *Engine) Search(ctx context.Context, text string, bias geo.Coordinate) ([]SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []SearchResult{}, nil
	}

	var results []SearchResult
	if e.geocoder != nil {
		places, err := e.geocoder.Search(ctx, text, bias)
		if err != nil {
			log.Printf("Geocoder search failed, using local results only: %v", err)
		}
		for _, p := range places {
			results = append(results, SearchResult{
				Kind:     ResultPlace,
				Name:     p.Name,
				Address:  p.DisplayName,
				Position: p.Position,
			})
		}
	}

	local, err := e.searchLocal(ctx, text)
	if err != nil {
		if len(results) == 0 {
			return nil, err
		}
		log.Printf("Local search failed: %v", err)
	}
	results = append(results, local...)

	if len(results) > e.search.MaxResults {
		results = results[:e.search.MaxResults]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

func (e *Engine) searchLocal(ctx context.Context, text string) ([]SearchResult, error) {
	if e.stations.Len() == 0 {
		if err := e.stations.Reload(ctx, e.catalog); err != nil {
			return nil, err
		}
	}

	var results []SearchResult
	for _, st := range e.stations.Search(text) {
		results = append(results, SearchResult{
			Kind:     ResultStation,
			ID:       st.ID,
			Name:     st.Name,
			Address:  "Bus stop, lines: " + strings.Join(st.LineIDs, ", "),
			Position: st.Position,
		})
	}

	lines, err := e.catalog.GetAllBusLines(ctx)
	if err != nil {
		return results, fmt.Errorf("failed to search bus lines: %w", err)
	}
	needle := strings.ToLower(text)
	for _, line := range lines {
		if !lineMatches(line, needle) {
			continue
		}
		position := defaultCenter
		if len(line.Points) > 0 {
			position = line.Points[0]
		}
		results = append(results, SearchResult{
			Kind:     ResultLine,
			ID:       line.ID,
			Name:     fmt.Sprintf("Line %s - %s", line.ID, line.Name),
			Address:  lineSummary(line),
			Position: position,
		})
	}
	return results, nil
}

func lineMatches(line transit.BusLine, needle string) bool {
	if strings.Contains(strings.ToLower(line.ID), needle) || strings.Contains(strings.ToLower(line.Name), needle) {
		return true
	}
	for _, stop := range line.Stops {
		if strings.Contains(strings.ToLower(stop), needle) {
			return true
		}
	}
	return false
}

func lineSummary(line transit.BusLine) string {
	stops := line.Stops
	if len(stops) <= 3 {
		return "Bus line: " + strings.Join(stops, " → ")
	}
	return "Bus line: " + strings.Join(stops[:3], " → ") + "..."
}
