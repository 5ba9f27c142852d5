package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dpup/prefab/logging"

	"github.com/busmap/server/internal/clients/google"
	"github.com/busmap/server/internal/clients/osrm"
	"github.com/busmap/server/internal/config"
	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/overlay"
	"github.com/busmap/server/internal/lib/routing"
	"github.com/busmap/server/internal/lib/stitch"
	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/render"
	"github.com/busmap/server/internal/store/memory"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "match":
		handleMatch()
	case "stitch-line":
		handleStitchLine()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func handleMatch() {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	configFile := fs.String("config", "", "Optional YAML config file")
	catalogFile := fs.String("catalog", "", "YAML catalog file (defaults to the built-in Hanoi lines)")
	from := fs.String("from", "", "Trip start as lat,lng")
	to := fs.String("to", "", "Trip end as lat,lng")
	ranking := fs.String("ranking", "", "first or walking (overrides config)")
	verbose := fs.Bool("verbose", false, "List every candidate line")
	_ = fs.Parse(os.Args[2:])

	if *from == "" || *to == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-route-matcher match --from 21.0512,105.8807 --to 21.0012,105.8147")
		fmt.Println("  test-route-matcher match --catalog lines.yaml --from 21.05,105.88 --to 21.00,105.81 --ranking walking --verbose")
		os.Exit(1)
	}

	cfg := loadConfig(*configFile)
	if *ranking != "" {
		cfg.Matcher.Ranking = routing.Ranking(*ranking)
	}
	start := mustCoordinate("from", *from)
	end := mustCoordinate("to", *to)
	catalog := loadCatalog(*catalogFile)

	matcher := routing.NewRouteMatcher(cfg.Matcher)
	if *verbose {
		candidates := matcher.Candidates(start, end, catalog.Lines)
		fmt.Printf("Candidates within %.0fm of both ends: %d\n", cfg.Matcher.ProximityRadius, len(candidates))
		for _, line := range candidates {
			fmt.Printf("  %s  %s\n", line.ID, line.Name)
		}
		fmt.Println()
	}

	match := matcher.Match(logging.EnsureLogger(context.Background()), start, end, catalog.Lines)
	if match.NoRoute {
		fmt.Println("No direct route")
	} else {
		fmt.Printf("Line %s: stops %d → %d, %d points\n", match.BusLineIDs[0], match.StartIndex, match.EndIndex, len(match.Path))
		fmt.Printf("  Walk to stop: %.0fm, walk from stop: %.0fm\n", match.WalkToStop, match.WalkFromStop)
	}
	for _, in := range match.Instructions {
		fmt.Printf("  - %s\n", in.Text)
	}
}

func handleStitchLine() {
	fs := flag.NewFlagSet("stitch-line", flag.ExitOnError)
	configFile := fs.String("config", "", "Optional YAML config file")
	catalogFile := fs.String("catalog", "", "YAML catalog file (defaults to the built-in Hanoi lines)")
	lineID := fs.String("line", "", "Bus line id")
	format := fs.String("format", "json", "Output format: json, kml or geojson")
	_ = fs.Parse(os.Args[2:])

	if *lineID == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-route-matcher stitch-line --line 01")
		fmt.Println("  test-route-matcher stitch-line --line 02 --format kml > line02.kml")
		os.Exit(1)
	}

	cfg := loadConfig(*configFile)
	var line *transit.BusLine
	for _, l := range loadCatalog(*catalogFile).Lines {
		if l.ID == *lineID {
			line = &l
			break
		}
	}
	if line == nil {
		log.Fatalf("Line %s not found in catalog", *lineID)
	}

	var router stitch.RoutingService = osrm.NewClient(cfg.Router.OSRMURL)
	if cfg.Router.Provider == config.ProviderGoogle {
		router = google.NewClient(cfg.Router.GoogleAPIKey)
	}
	path := stitch.NewStitcher(router, cfg.Stitch).Stitch(logging.EnsureLogger(context.Background()), line.Points)
	annotations := overlay.NewSynthesizer(cfg.Overlay).Annotate(overlay.Input{
		Path:      path.Points,
		Waypoints: line.Points,
		StopNames: line.Stops,
	})

	switch *format {
	case "kml":
		if err := render.WriteKML(os.Stdout, fmt.Sprintf("Line %s - %s", line.ID, line.Name), path, annotations); err != nil {
			log.Fatalf("Error writing KML: %v", err)
		}
	case "geojson":
		writeJSON(render.GeoJSON(path, annotations))
	default:
		fmt.Fprintf(os.Stderr, "Line %s: %d waypoints → %d points, degraded: %t\n",
			line.ID, len(line.Points), len(path.Points), path.Degraded())
		for i, seg := range path.Segments {
			fmt.Fprintf(os.Stderr, "  chunk %d: waypoints %d-%d %s %s\n", i+1, seg.FirstWaypoint, seg.LastWaypoint, seg.Source, seg.Error)
		}
		writeJSON(map[string]interface{}{
			"polyline":    geo.EncodePolyline(path.Points),
			"segments":    path.Segments,
			"annotations": annotations,
		})
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.DefaultConfig()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return cfg
}

func loadCatalog(path string) memory.Catalog {
	if path == "" {
		return memory.NewSeeded().Snapshot()
	}
	s, err := memory.LoadFile(path)
	if err != nil {
		log.Fatalf("Error loading catalog %s: %v", path, err)
	}
	return s.Snapshot()
}

func mustCoordinate(name, raw string) geo.Coordinate {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		log.Fatalf("--%s must be lat,lng", name)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		log.Fatalf("--%s must be lat,lng", name)
	}
	c, err := geo.NewCoordinate(lat, lng)
	if err != nil {
		log.Fatalf("--%s: %v", name, err)
	}
	return c
}

func writeJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Error writing JSON: %v", err)
	}
}

func printUsage() {
	fmt.Println("test-route-matcher - match trips and stitch lines against a bus catalog")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  match         Find a direct bus line between two points")
	fmt.Println("  stitch-line   Stitch a catalog line onto roads and print it")
	fmt.Println("  help          Show this help")
}
