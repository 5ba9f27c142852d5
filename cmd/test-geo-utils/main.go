package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/overlay"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "point-distance":
		handlePointDistance()
	case "decode-polyline":
		handleDecodePolyline()
	case "arrows":
		handleArrows()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func handlePointDistance() {
	fs := flag.NewFlagSet("point-distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "Latitude of first point")
	lng1 := fs.Float64("lng1", 0, "Longitude of first point")
	lat2 := fs.Float64("lat2", 0, "Latitude of second point")
	lng2 := fs.Float64("lng2", 0, "Longitude of second point")
	_ = fs.Parse(os.Args[2:])

	p1, err1 := geo.NewCoordinate(*lat1, *lng1)
	p2, err2 := geo.NewCoordinate(*lat2, *lng2)
	if err1 != nil || err2 != nil {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils point-distance --lat1 21.0512 --lng1 105.8807 --lat2 21.0012 --lng2 105.8147")
		fmt.Println("  (Bến xe Gia Lâm to Ngã tư Sở)")
		os.Exit(1)
	}

	distance := geo.Distance(p1, p2)
	fmt.Printf("Distance between points:\n")
	fmt.Printf("  Point 1: (%.6f, %.6f)\n", p1.Latitude, p1.Longitude)
	fmt.Printf("  Point 2: (%.6f, %.6f)\n", p2.Latitude, p2.Longitude)
	fmt.Printf("  Distance: %.2f meters (%.2f km)\n", distance, distance/1000)
	fmt.Printf("  Bearing: %.1f°\n", geo.Bearing(p1, p2))
}

func handleDecodePolyline() {
	fs := flag.NewFlagSet("decode-polyline", flag.ExitOnError)
	polylineStr := fs.String("polyline", "", "Encoded polyline string to decode")
	verbose := fs.Bool("verbose", false, "Show all decoded points")
	_ = fs.Parse(os.Args[2:])

	if *polylineStr == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils decode-polyline --polyline \"_p~iF~ps|U_ulLnnqC_mqNvxq`@\"")
		os.Exit(1)
	}

	points, err := geo.DecodePolyline(*polylineStr)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	fmt.Printf("Decoded polyline:\n")
	fmt.Printf("  Points: %d\n", len(points))
	fmt.Printf("  Length: %.2f meters\n", geo.PathLength(points))
	if *verbose || len(points) <= 10 {
		for i, p := range points {
			fmt.Printf("    %d: (%.6f, %.6f)\n", i, p.Latitude, p.Longitude)
		}
	}
}

func handleArrows() {
	fs := flag.NewFlagSet("arrows", flag.ExitOnError)
	polylineStr := fs.String("polyline", "", "Encoded polyline of the path")
	desired := fs.Int("desired", overlay.DefaultConfig().DesiredArrows, "Desired arrow spacing divisor")
	maxArrows := fs.Int("max", overlay.DefaultConfig().MaxArrows, "Maximum arrows")
	_ = fs.Parse(os.Args[2:])

	if *polylineStr == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils arrows --polyline \"_p~iF~ps|U_ulLnnqC_mqNvxq`@\" --max 5")
		os.Exit(1)
	}

	points, err := geo.DecodePolyline(*polylineStr)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	arrows := overlay.NewSynthesizer(overlay.Config{DesiredArrows: *desired, MaxArrows: *maxArrows}).Arrows(points)
	fmt.Printf("Direction arrows for %d points:\n", len(points))
	for i, a := range arrows {
		fmt.Printf("  %d: (%.6f, %.6f) rotation %.1f°\n", i+1, a.Position.Latitude, a.Position.Longitude, a.Rotation)
	}
}

func printUsage() {
	fmt.Println("test-geo-utils - exercise the geo and overlay helpers")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  point-distance    Distance and bearing between two points")
	fmt.Println("  decode-polyline   Decode an encoded polyline")
	fmt.Println("  arrows            Direction arrows the overlay would draw on a polyline")
	fmt.Println("  help              Show this help")
}
